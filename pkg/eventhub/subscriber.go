package eventhub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ghuser/eventhub/pkg/validator"
)

// SubscriberOptions configures NewSubscriber (spec §4.7 Construct).
type SubscriberOptions struct {
	// Category defaults to Programmatic.
	Category Category `validate:"omitempty,oneof=1 2 999 -1 -2"`
	// SelectTimeout is the Listener's socket-readiness poll timeout.
	SelectTimeout time.Duration `validate:"omitempty,gt=0"`
	// ProcessMissedEvents enables missed-event backfill on Subscribe. It has
	// no implicit default here: the zero value (false) disables backfill
	// (config.Load's PROCESS_MISSED_EVENTS defaults to true).
	ProcessMissedEvents bool
	// ProcessingTimeout bounds how long a lease holder is trusted.
	ProcessingTimeout time.Duration `validate:"omitempty,gt=0"`
	// ReprocessingInterval paces the Replay Worker.
	ReprocessingInterval time.Duration `validate:"omitempty,gt=0"`
}

func (o SubscriberOptions) withDefaults() SubscriberOptions {
	if o.SelectTimeout == 0 {
		o.SelectTimeout = 5 * time.Second
	}
	if o.ProcessingTimeout == 0 {
		o.ProcessingTimeout = time.Hour
	}
	if o.ReprocessingInterval == 0 {
		o.ReprocessingInterval = 5 * time.Minute
	}
	if o.Category == 0 {
		o.Category = CategoryProgrammatic
	}
	return o
}

// registration is one entry in the Subscriber Supervisor's channel map
// (spec §4.7: "a mapping channel → (SubscribedEventType, callback, Worker)").
type registration struct {
	subscription SubscribedEventType
	callback     Callback
	worker       *Worker
}

// Subscriber is the Subscriber Supervisor (C7): lifecycle owner for a
// single named consumer. It owns the listening connection, the channel
// map, the Listener, and the Replay Worker.
type Subscriber struct {
	name    string
	opts    SubscriberOptions
	store   Store
	active  *ActiveConn
	dsn     string
	log     *slog.Logger
	clock   Clock
	registry *Registry

	mu       sync.Mutex
	channels map[string]*registration
	closed   bool

	listener *Listener
	replay   *ReplayWorker

	shutdownFlag chan struct{}
	listenerDone chan struct{}
}

// NewSubscriber constructs the Subscriber, lazily creating its row, then
// auto-enumerating every active Managed SubscribedEventType and
// registering it (spec §4.7 Construct). Auto-registration failures are
// logged, not fatal.
func NewSubscriber(ctx context.Context, name string, store Store, active *ActiveConn, dsn string, log *slog.Logger, clock Clock, registry *Registry, opts SubscriberOptions) (*Subscriber, error) {
	opts = opts.withDefaults()
	if err := validator.Validate(opts); err != nil {
		return nil, fmt.Errorf("eventhub: invalid subscriber options: %w", err)
	}

	s := &Subscriber{
		name:     name,
		opts:     opts,
		store:    store,
		active:   active,
		dsn:      dsn,
		log:      log.With("subscriber", name),
		clock:    clock,
		registry: registry,
		channels: make(map[string]*registration),
	}

	actx, release, err := active.ActiveContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("eventhub: subscriber active context: %w", err)
	}
	if _, err := store.GetOrCreateSubscriber(actx, name, opts.Category, ActorProgrammatic); err != nil {
		release()
		return nil, fmt.Errorf("eventhub: get or create subscriber %q: %w", name, err)
	}
	release()

	managed, err := s.store.ListManagedSubscriptions(ctx, name)
	if err != nil {
		s.log.Warn("failed to enumerate managed subscriptions", "error", err)
		managed = nil
	}
	for _, row := range managed {
		cb, err := registry.Resolve(row.ProcessingModuleRef, row.Parameters)
		if err != nil {
			s.log.Error("auto-subscribe failed to resolve processing module", "event_type", row.EventType, "error", err)
			continue
		}
		if _, _, err := s.subscribe(ctx, row.Publisher, row.EventType, cb, true); err != nil {
			s.log.Error("auto-subscribe failed", "publisher", row.Publisher, "event_type", row.EventType, "error", err)
		}
	}

	s.replay = NewReplayWorker(opts.ReprocessingInterval, s.log, s.replaySweepers)
	return s, nil
}

// PingListener probes the Listener's dedicated connection, if running.
// Used by the host's /healthz endpoint.
func (s *Subscriber) PingListener(ctx context.Context) error {
	if s.listener == nil {
		return fmt.Errorf("eventhub: listener not started")
	}
	return s.listener.Ping(ctx)
}

// WorkerFor implements ChannelRoute for the Listener.
func (s *Subscriber) WorkerFor(channel string) (*Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.channels[channel]
	if !ok {
		return nil, false
	}
	return reg.worker, true
}

// Subscribe registers callback for (publisher, eventType). category
// defaults to the Subscriber's own category. See spec §4.7 step 2 for the
// callback-resolution precedence enforced by subscribe below.
func (s *Subscriber) Subscribe(ctx context.Context, publisher, eventType string, callback Callback) (SubscribedEventType, bool, error) {
	return s.subscribe(ctx, publisher, eventType, callback, false)
}

func (s *Subscriber) subscribe(ctx context.Context, publisher, eventType string, callback Callback, auto bool) (SubscribedEventType, bool, error) {
	channel := Channel(publisher, eventType)

	s.mu.Lock()
	closed := s.closed
	_, alreadySubscribed := s.channels[channel]
	s.mu.Unlock()
	if closed {
		return SubscribedEventType{}, false, ErrClosed
	}
	if alreadySubscribed && !auto {
		return SubscribedEventType{}, false, fmt.Errorf("eventhub: %s: %w", channel, ErrAlreadySubscribed)
	}

	actx, release, err := s.active.ActiveContext(ctx)
	if err != nil {
		return SubscribedEventType{}, false, fmt.Errorf("eventhub: subscribe active context: %w", err)
	}
	defer release()

	row, created, err := s.store.UpsertSubscribedEventType(actx, SubscribedEventType{
		Subscriber:         s.name,
		Publisher:          publisher,
		EventType:          eventType,
		Category:           s.opts.Category,
		ReplayMissedEvents: s.opts.ProcessMissedEvents,
		ReplayFailedEvents: true,
	}, ActorProgrammatic)
	if err != nil {
		return SubscribedEventType{}, false, fmt.Errorf("eventhub: upsert subscribed_event_type: %w", err)
	}

	resolved, err := s.resolveCallback(row, callback, auto)
	if err != nil {
		return SubscribedEventType{}, false, err
	}

	protocol := NewProcessingProtocol(s.store, s.active, s.log, s.clock, s.opts.ProcessingTimeout, row, resolved)

	s.mu.Lock()
	existing, hadWorker := s.channels[channel]
	s.mu.Unlock()
	if hadWorker {
		existing.worker.Shutdown()
	}
	worker := NewWorker(channel, protocol, s.log)

	if err := s.ensureListening(actx); err != nil {
		return SubscribedEventType{}, false, fmt.Errorf("eventhub: ensure listening: %w", err)
	}

	if row.ReplayFailedEvents && row.ReplayMissedEvents {
		if err := s.replayFailed(actx, row, worker); err != nil {
			s.log.Warn("replay failed events at subscribe time failed", "error", err)
		}
	}
	if row.ReplayMissedEvents {
		if err := s.replayMissed(actx, row, worker); err != nil {
			s.log.Warn("replay missed events at subscribe time failed", "error", err)
		}
	}

	now := s.clock.Now()
	if err := s.store.UpdateLastListeningTime(actx, row.ID, now); err != nil {
		s.log.Warn("failed to update last_listening_time", "error", err)
	}

	if err := s.listen(actx, channel); err != nil {
		return SubscribedEventType{}, false, fmt.Errorf("eventhub: LISTEN %q: %w", channel, err)
	}

	s.mu.Lock()
	s.channels[channel] = &registration{subscription: row, callback: resolved, worker: worker}
	s.mu.Unlock()

	if s.listenerRunning() {
		go worker.Run(context.Background())
	}

	return row, created, nil
}

// resolveCallback implements spec §4.7 step 2's precedence table.
func (s *Subscriber) resolveCallback(row SubscribedEventType, callback Callback, auto bool) (Callback, error) {
	switch {
	case auto:
		if callback == nil {
			return nil, fmt.Errorf("eventhub: auto-subscribe requires a resolved callback")
		}
		return callback, nil
	case row.Category == CategoryProgrammatic:
		if callback == nil {
			return nil, fmt.Errorf("eventhub: Programmatic subscription %s/%s requires a caller callback", row.Publisher, row.EventType)
		}
		return callback, nil
	case row.Category == CategoryManaged:
		cb, err := s.registry.Resolve(row.ProcessingModuleRef, row.Parameters)
		if err != nil {
			return nil, err
		}
		return cb, nil
	default: // Testing, Unitesting, System
		if callback != nil {
			return callback, nil
		}
		if row.ProcessingModuleRef != "" {
			if cb, err := s.registry.Resolve(row.ProcessingModuleRef, row.Parameters); err == nil {
				return cb, nil
			}
		}
		return defaultPrinterCallback(func(ev Event) {
			s.log.Info("default printer callback", "event_id", ev.ID, "payload", string(ev.Payload))
		}), nil
	}
}

// ensureListening lazily constructs the Listener on first Subscribe.
// Actually opening the connection happens only via Start()/Run() (spec
// §4.7 step 4); a Subscribe before Start() just registers the channel.
func (s *Subscriber) ensureListening(ctx context.Context) error {
	if s.listener != nil {
		return nil
	}
	s.listener = NewListener(s.dsn, s.opts.SelectTimeout, s.log, s, s.onListenerReconnect)
	return nil
}

// onListenerReconnect re-issues LISTEN for every registered channel and
// re-runs backfill, per spec §4.4/§4.7/§5 reconnect semantics.
func (s *Subscriber) onListenerReconnect(ctx context.Context, conn *pgx.Conn) error {
	s.mu.Lock()
	channels := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.Unlock()

	for _, ch := range channels {
		s.mu.Lock()
		reg := s.channels[ch]
		s.mu.Unlock()
		if reg == nil {
			continue
		}
		if err := quoteListen(ctx, conn, ch); err != nil {
			return fmt.Errorf("eventhub: re-listen %q: %w", ch, err)
		}
		actx, release, err := s.active.ActiveContext(ctx)
		if err != nil {
			release()
			return err
		}
		if reg.subscription.ReplayMissedEvents {
			if err := s.replayMissed(actx, reg.subscription, reg.worker); err != nil {
				s.log.Warn("reconnect backfill failed", "channel", ch, "error", err)
			}
		}
		release()
	}
	return nil
}

func (s *Subscriber) listen(ctx context.Context, channel string) error {
	if s.listener == nil || s.listener.Conn() == nil {
		// Listener not started yet; LISTEN will be (re-)issued by
		// onListenerReconnect once Start() opens the connection.
		return nil
	}
	return quoteListen(ctx, s.listener.Conn(), channel)
}

func quoteListen(ctx context.Context, conn *pgx.Conn, channel string) error {
	ident, err := quoteIdentifierChannel(channel)
	if err != nil {
		return err
	}
	_, err = conn.Exec(ctx, "LISTEN "+ident)
	return err
}

func quoteUnlisten(ctx context.Context, conn *pgx.Conn, channel string) error {
	ident, err := quoteIdentifierChannel(channel)
	if err != nil {
		return err
	}
	_, err = conn.Exec(ctx, "UNLISTEN "+ident)
	return err
}

// quoteIdentifierChannel double-quotes channel for use in LISTEN/UNLISTEN,
// escaping embedded quotes — channel names are user-controlled (publisher
// and event type names), spec §6 requires safe quoting.
func quoteIdentifierChannel(channel string) (string, error) {
	if channel == "" {
		return "", fmt.Errorf("eventhub: empty channel name: %w", ErrInvalidChannel)
	}
	escaped := ""
	for _, r := range channel {
		if r == '"' {
			escaped += `""`
		} else {
			escaped += string(r)
		}
	}
	return `"` + escaped + `"`, nil
}

func (s *Subscriber) replayMissed(ctx context.Context, row SubscribedEventType, worker *Worker) error {
	events, err := s.store.EventsAfter(ctx, row.Publisher, row.EventType, row.LastDispatchedEvent)
	if err != nil {
		return fmt.Errorf("eventhub: scan missed events: %w", err)
	}
	for _, ev := range events {
		worker.Enqueue(context.Background(), ev.ID)
	}
	return nil
}

func (s *Subscriber) replayFailed(ctx context.Context, row SubscribedEventType, worker *Worker) error {
	stuck, err := s.store.StuckOrFailedEvents(ctx, row.Subscriber, row.Publisher, row.EventType, s.opts.ProcessingTimeout, s.clock.Now())
	if err != nil {
		return fmt.Errorf("eventhub: scan stuck/failed events: %w", err)
	}
	for _, se := range stuck {
		worker.Enqueue(context.Background(), se.EventID)
	}
	return nil
}

// replaySweepers builds the per-channel sweep closures the Replay Worker
// calls each reprocessing interval (spec §4.6).
func (s *Subscriber) replaySweepers() []ReplaySweeper {
	s.mu.Lock()
	regs := make([]*registration, 0, len(s.channels))
	for _, reg := range s.channels {
		regs = append(regs, reg)
	}
	s.mu.Unlock()

	sweepers := make([]ReplaySweeper, 0, len(regs))
	for _, reg := range regs {
		reg := reg
		sweepers = append(sweepers, func(ctx context.Context) error {
			actx, release, err := s.active.ActiveContext(ctx)
			if err != nil {
				return err
			}
			defer release()
			return s.replayFailed(actx, reg.subscription, reg.worker)
		})
	}
	return sweepers
}

// Unsubscribe best-effort UNLISTENs, shuts down the Worker, and (if
// remove) drops the channel from the map.
func (s *Subscriber) Unsubscribe(ctx context.Context, publisher, eventType string, remove bool) bool {
	channel := Channel(publisher, eventType)
	s.mu.Lock()
	reg, ok := s.channels[channel]
	if ok && remove {
		delete(s.channels, channel)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	if s.listener != nil && s.listener.Conn() != nil {
		if err := quoteUnlisten(ctx, s.listener.Conn(), channel); err != nil {
			s.log.Warn("UNLISTEN failed", "channel", channel, "error", err)
		}
	}
	reg.worker.Shutdown()
	return true
}

func (s *Subscriber) listenerRunning() bool {
	return s.shutdownFlag != nil
}

// Start clears the shutdown flag and starts the Listener and Replay
// Worker (spec §4.7 start).
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	s.closed = false
	s.mu.Unlock()

	s.shutdownFlag = make(chan struct{})
	s.listenerDone = make(chan struct{})

	s.mu.Lock()
	for _, reg := range s.channels {
		go reg.worker.Run(ctx)
	}
	s.mu.Unlock()

	go func() {
		defer close(s.listenerDone)
		_ = withRetryVoid(ctx, s.log, defaultListenerRetry(), func(ctx context.Context) error {
			if s.active.CleanIfInactive(ctx) {
				s.log.Warn("cleaned inactive pool before listener restart")
			}
			err := s.listener.Run(ctx)
			if err != nil && ctx.Err() == nil {
				s.log.Error("listener stopped, will reconnect", "error", err)
			}
			return err
		})
	}()

	return s.replay.Start(ctx)
}

// Shutdown sets the shutdown flag, stops the Replay Worker, and either
// joins the Listener or closes immediately (spec §4.7 shutdown/close).
func (s *Subscriber) Shutdown(async bool) {
	if s.replay != nil {
		s.replay.Shutdown()
	}
	if s.shutdownFlag != nil {
		close(s.shutdownFlag)
	}
	if !async && s.listenerDone != nil {
		<-s.listenerDone
	}
	s.close()
}

// close unsubscribes all channels (keeping them in the map for restart),
// closes the listening connection, and rebuilds the Listener/Replay Worker
// so the supervisor can be Start()ed again. Subscribe/Publish-style calls
// between close() and the next Start() report ErrClosed.
func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, reg := range s.channels {
		reg.worker.Shutdown()
		reg.worker = NewWorker(reg.worker.channel, reg.worker.protocol, s.log)
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.listener = NewListener(s.dsn, s.opts.SelectTimeout, s.log, s, s.onListenerReconnect)
	s.replay = NewReplayWorker(s.opts.ReprocessingInterval, s.log, s.replaySweepers)
	s.shutdownFlag = nil
}
