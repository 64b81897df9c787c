package eventhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// notificationPayload is the minimum shape the database trigger publishes
// on an event channel (spec §4.4, §6).
type notificationPayload struct {
	ID int64 `json:"id"`
}

// ChannelRoute resolves a notification channel to the Worker that should
// receive it, and reports whether the channel is currently subscribed —
// mirrors the Subscriber Supervisor's channel map (spec §4.7).
type ChannelRoute interface {
	WorkerFor(channel string) (*Worker, bool)
}

// Listener is C6: holds the dedicated LISTEN connection, blocks on socket
// readiness, decodes notifications, and hands event ids to the right
// Worker. Grounded on the reconnect-loop shape of a pgx-based LISTEN/NOTIFY
// client: a single long-lived *pgx.Conn, WaitForNotification in a loop,
// and a reconnect hook invoked on any connection error.
type Listener struct {
	dsn           string
	selectTimeout time.Duration
	log           *slog.Logger
	routes        ChannelRoute

	mu     sync.Mutex
	conn   *pgx.Conn
	closed bool

	// onReconnect is invoked after a fresh connection is established,
	// before resuming the wait loop — the Subscriber Supervisor wires this
	// to re-LISTEN every previously subscribed channel and re-run backfill
	// (spec §4.4, §4.7 reconnect path).
	onReconnect func(ctx context.Context, conn *pgx.Conn) error
}

// NewListener returns a Listener. dsn is the raw connection string used for
// the Listener's dedicated, non-pooled connection — it cannot share the
// query pool because LISTEN state is connection-scoped.
func NewListener(dsn string, selectTimeout time.Duration, log *slog.Logger, routes ChannelRoute, onReconnect func(ctx context.Context, conn *pgx.Conn) error) *Listener {
	return &Listener{
		dsn:           dsn,
		selectTimeout: selectTimeout,
		log:           log,
		routes:        routes,
		onReconnect:   onReconnect,
	}
}

// Run drives the reconnect-then-wait loop until ctx is cancelled. Any
// connection error is handled by the caller's Retry Harness wrapping
// (spec §4.4: "propagate to the Retry Harness which restarts the loop,
// unbounded retry, 2s interval") — Run itself performs one connect +
// wait-loop pass and returns on first error or ctx cancellation, so the
// Subscriber Supervisor wraps repeated calls to Run in withRetryVoid.
func (l *Listener) Run(ctx context.Context) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}

	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return fmt.Errorf("eventhub: listener connect: %w", err)
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	defer func() {
		_ = conn.Close(context.Background())
		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
	}()

	if l.onReconnect != nil {
		if err := l.onReconnect(ctx, conn); err != nil {
			return fmt.Errorf("eventhub: listener reconnect hook: %w", err)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		waitCtx, cancel := context.WithTimeout(ctx, l.selectTimeout)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isTimeout(err) {
				continue
			}
			return fmt.Errorf("eventhub: wait for notification: %w", err)
		}

		l.dispatch(notification)
	}
}

func (l *Listener) dispatch(n *pgconn.Notification) {
	worker, ok := l.routes.WorkerFor(n.Channel)
	if !ok {
		l.log.Warn("notification on unsubscribed channel, dropping", "channel", n.Channel)
		return
	}

	var payload notificationPayload
	if err := json.Unmarshal([]byte(n.Payload), &payload); err != nil {
		l.log.Error("failed to decode notification payload", "channel", n.Channel, "error", err)
		return
	}

	worker.Enqueue(context.Background(), payload.ID)
}

// Conn returns the Listener's current connection, or nil if not running.
func (l *Listener) Conn() *pgx.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

// Ping probes the Listener's dedicated connection. Satisfies
// httpx.HealthChecker.
func (l *Listener) Ping(ctx context.Context) error {
	l.mu.Lock()
	closed, conn := l.closed, l.conn
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return fmt.Errorf("eventhub: listener not connected")
	}
	return conn.Ping(ctx)
}

// Close marks the Listener closed and tears down its connection, if any.
// Subsequent Run or Ping calls return ErrClosed. Close itself returns
// ErrClosed if called more than once.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.closed = true
	if l.conn != nil {
		_ = l.conn.Close(context.Background())
		l.conn = nil
	}
	return nil
}

// isTimeout reports whether err is the select-timeout boundary (spec §4.4
// step 2: "wait for readable input... on timeout, loop") rather than a real
// connection failure. The bounded wait context yields DeadlineExceeded;
// a canceled parent context is handled separately by the caller.
func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
