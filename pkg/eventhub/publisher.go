package eventhub

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var publisherTracer = otel.Tracer("github.com/ghuser/eventhub/pkg/eventhub")

// Publisher inserts Event rows for a single (publisher, event_type) pair.
// It does not itself emit the LISTEN/NOTIFY notification — the database
// trigger installed by the bundled migrations does that after INSERT (spec
// §4.3, §6).
type Publisher struct {
	store     Store
	active    *ActiveConn
	log       *slog.Logger
	clock     Clock
	retry     RetryConfig
	publisher string
	eventType string
	source    string

	mu     sync.Mutex
	closed bool
}

// PublisherOption configures NewPublisher.
type PublisherOption func(*Publisher)

// WithPublisherRetry overrides the default bounded retry policy (3 attempts,
// 1 s interval).
func WithPublisherRetry(cfg RetryConfig) PublisherOption {
	return func(p *Publisher) { p.retry = cfg }
}

// WithPublisherClock overrides the clock used to stamp PublishTime.
func WithPublisherClock(c Clock) PublisherOption {
	return func(p *Publisher) { p.clock = c }
}

// NewPublisher eagerly get-or-creates the Publisher and EventType rows.
// Managed-category rows require pre-existence; their absence surfaces
// ErrNotFound (spec §4.3).
func NewPublisher(ctx context.Context, store Store, active *ActiveConn, log *slog.Logger, publisherName, eventTypeName string, category Category, opts ...PublisherOption) (*Publisher, error) {
	p := &Publisher{
		store:     store,
		active:    active,
		log:       log,
		clock:     NewClock(nil),
		retry:     defaultPublisherRetry(),
		publisher: publisherName,
		eventType: eventTypeName,
	}
	for _, opt := range opts {
		opt(p)
	}
	if host, err := os.Hostname(); err == nil {
		p.source = host
	}

	actx, release, err := active.ActiveContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("eventhub: publisher active context: %w", err)
	}
	defer release()

	if _, err := store.GetOrCreatePublisher(actx, publisherName, category, ActorProgrammatic); err != nil {
		return nil, fmt.Errorf("eventhub: get or create publisher %q: %w", publisherName, err)
	}
	managedOnly := category == CategoryManaged
	if _, err := store.GetOrCreateEventType(actx, publisherName, eventTypeName, category, managedOnly, ActorProgrammatic); err != nil {
		return nil, fmt.Errorf("eventhub: get or create event type %q: %w", eventTypeName, err)
	}
	return p, nil
}

// Publish inserts payload as a new Event and returns the persisted row. The
// whole operation is wrapped by the Retry Harness with the configured
// bounded policy (default 3 attempts, 1 s interval).
func (p *Publisher) Publish(ctx context.Context, payload []byte) (Event, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return Event{}, ErrClosed
	}

	ctx, span := publisherTracer.Start(ctx, "eventhub.Publish",
		trace.WithAttributes(
			attribute.String("eventhub.publisher", p.publisher),
			attribute.String("eventhub.event_type", p.eventType),
		))
	defer span.End()

	result, err := withRetry(ctx, p.log, p.retry, func(ctx context.Context) (any, error) {
		return p.publishOnce(ctx, payload)
	})
	if err != nil {
		span.RecordError(err)
		return Event{}, &retryExhaustedError{attempts: p.retry.Retry + 1, err: err}
	}
	return result.(Event), nil
}

// Close marks the Publisher closed. Subsequent Publish calls return
// ErrClosed. Close itself returns ErrClosed if called more than once.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.closed = true
	return nil
}

func (p *Publisher) publishOnce(ctx context.Context, payload []byte) (Event, error) {
	actx, release, err := p.active.ActiveContext(ctx)
	if err != nil {
		return Event{}, fmt.Errorf("eventhub: publish active context: %w", err)
	}
	defer release()

	if _, err := p.store.SetEventTypeSampleIfNull(actx, p.publisher, p.eventType, payload); err != nil {
		return Event{}, fmt.Errorf("eventhub: set sample: %w", err)
	}

	ev := Event{
		Publisher:   p.publisher,
		EventType:   p.eventType,
		Source:      p.source,
		PublishTime: p.clock.Now(),
		Payload:     payload,
	}
	persisted, err := p.store.InsertEvent(actx, ev)
	if err != nil {
		return Event{}, fmt.Errorf("eventhub: insert event: %w", err)
	}
	p.log.Debug("published event",
		"publisher", p.publisher, "event_type", p.eventType, "event_id", persisted.ID)
	return persisted, nil
}
