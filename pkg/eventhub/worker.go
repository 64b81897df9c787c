package eventhub

import (
	"context"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var workerMeter = otel.Meter("github.com/ghuser/eventhub/pkg/eventhub")

// dequeueTimeout bounds how long Worker.Run blocks waiting for an item
// before re-checking its shutdown flag (spec §4.5 step 1).
const dequeueTimeout = 2 * time.Second

// eventQueue is an unbounded FIFO of event ids, the in-memory cache C4 owns
// per spec §2/§3 ("in-memory Worker queues hold only event ids ... cache
// not source of truth"). Items are wrapped in watermill *message.Message
// envelopes purely for the correlation id and metadata they carry through
// logging/tracing — the queue itself is a plain mutex-guarded slice, not a
// watermill transport, since nothing here needs pub/sub fan-out.
type eventQueue struct {
	mu     sync.Mutex
	items  []*message.Message
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(msg *message.Message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop waits up to dequeueTimeout for an item. ok is false on timeout.
func (q *eventQueue) pop(ctx context.Context) (msg *message.Message, ok bool) {
	q.mu.Lock()
	if len(q.items) > 0 {
		msg, q.items = q.items[0], q.items[1:]
		q.mu.Unlock()
		return msg, true
	}
	q.mu.Unlock()

	timer := time.NewTimer(dequeueTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, false
	case <-timer.C:
		return nil, false
	case <-q.notify:
		q.mu.Lock()
		defer q.mu.Unlock()
		if len(q.items) == 0 {
			return nil, false
		}
		msg, q.items = q.items[0], q.items[1:]
		return msg, true
	}
}

func eventIDMessage(eventID int64) *message.Message {
	msg := message.NewMessage(uuid.NewString(), []byte(strconv.FormatInt(eventID, 10)))
	msg.Metadata.Set("eventhub.event_id", strconv.FormatInt(eventID, 10))
	return msg
}

func eventIDFromMessage(msg *message.Message) (int64, error) {
	return strconv.ParseInt(string(msg.Payload), 10, 64)
}

// Worker is the Per-Event-Type Worker (C4): one per subscribed channel, it
// owns an eventQueue and serially dispatches each item through the
// Processing Protocol. An item whose handler returns an error, panics, or
// is reported not handled is re-enqueued at the tail per spec §4.5; a
// callback failure or an in-flight-elsewhere observation is reported as
// handled by the protocol and is not re-enqueued.
type Worker struct {
	channel  string
	queue    *eventQueue
	protocol *ProcessingProtocol
	log      *slog.Logger

	handler message.HandlerFunc

	shutdown chan struct{}
	done     chan struct{}
	once     sync.Once

	queueDepth metric.Int64UpDownCounter
}

// NewWorker returns a Worker for channel, dispatching through protocol.
// The handler invocation is wrapped with watermill's Recoverer middleware
// so a panic inside the protocol (which itself already recovers callback
// panics, see protocol.go) can never take the Worker goroutine down.
func NewWorker(channel string, protocol *ProcessingProtocol, log *slog.Logger) *Worker {
	w := &Worker{
		channel:  channel,
		queue:    newEventQueue(),
		protocol: protocol,
		log:      log,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	w.queueDepth, _ = workerMeter.Int64UpDownCounter("eventhub.worker.queue_depth",
		metric.WithDescription("Event ids currently buffered in a Worker's in-memory queue"),
		metric.WithUnit("{event}"))

	base := message.HandlerFunc(func(msg *message.Message) ([]*message.Message, error) {
		eventID, err := eventIDFromMessage(msg)
		if err != nil {
			return nil, err
		}
		handled, err := w.protocol.Process(msg.Context(), eventID)
		if err != nil {
			return nil, err
		}
		if !handled {
			w.requeue(msg)
		}
		return nil, nil
	})
	w.handler = middleware.Recoverer(base)
	return w
}

// Enqueue places eventID at the tail of the queue.
func (w *Worker) Enqueue(ctx context.Context, eventID int64) {
	msg := eventIDMessage(eventID)
	msg.SetContext(ctx)
	w.queue.push(msg)
	w.recordQueueDepth(ctx, 1)
}

func (w *Worker) requeue(msg *message.Message) {
	w.queue.push(msg)
	w.recordQueueDepth(context.Background(), 1)
}

func (w *Worker) recordQueueDepth(ctx context.Context, delta int64) {
	if w.queueDepth == nil {
		return
	}
	w.queueDepth.Add(ctx, delta, metric.WithAttributes(attribute.String("eventhub.channel", w.channel)))
}

// Run drives the dequeue loop until Shutdown is called. It should be
// started in its own goroutine by the Subscriber Supervisor.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-w.shutdown:
			return
		default:
		}

		msg, ok := w.queue.pop(ctx)
		if !ok {
			select {
			case <-w.shutdown:
				return
			default:
				continue
			}
		}
		w.recordQueueDepth(ctx, -1)

		func() {
			defer func() {
				if r := recover(); r != nil {
					w.log.Error("worker recovered from panic, re-enqueuing",
						"channel", w.channel, "panic", r, "stack", string(debug.Stack()))
					w.requeue(msg)
				}
			}()
			if _, err := w.handler(msg); err != nil {
				w.log.Warn("worker handler failed, re-enqueuing",
					"channel", w.channel, "error", err)
				w.requeue(msg)
			}
		}()
	}
}

// Shutdown signals the run loop to exit at its next dequeue-timeout
// boundary and waits for it to finish (spec §4.5, cooperative shutdown).
func (w *Worker) Shutdown() {
	w.once.Do(func() { close(w.shutdown) })
	<-w.done
}
