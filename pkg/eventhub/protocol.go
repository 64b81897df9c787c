package eventhub

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	protocolTracer = otel.Tracer("github.com/ghuser/eventhub/pkg/eventhub")
	protocolMeter  = otel.Meter("github.com/ghuser/eventhub/pkg/eventhub")
)

// ProcessingProtocol implements C8: database-backed lease acquisition,
// callback invocation, status transition, history archival, and watermark
// advance. A protocol is bound to a single SubscribedEventType row and
// callback; the Worker (C4) drives it once per dequeued event id.
type ProcessingProtocol struct {
	store   Store
	active  *ActiveConn
	log     *slog.Logger
	clock   Clock
	timeout time.Duration

	subscription SubscribedEventType
	callback     Callback

	host string
	pid  int

	attempts        metric.Int64Counter
	successes       metric.Int64Counter
	failures        metric.Int64Counter
	leasesReclaimed metric.Int64Counter
}

// NewProcessingProtocol binds a protocol to subscription and callback.
// timeout is PROCESSING_TIMEOUT (spec §4.8 step 3, §6).
func NewProcessingProtocol(store Store, active *ActiveConn, log *slog.Logger, clock Clock, timeout time.Duration, subscription SubscribedEventType, callback Callback) *ProcessingProtocol {
	host, _ := os.Hostname()
	pp := &ProcessingProtocol{
		store:        store,
		active:       active,
		log:          log,
		clock:        clock,
		timeout:      timeout,
		subscription: subscription,
		callback:     callback,
		host:         host,
		pid:          os.Getpid(),
	}
	pp.attempts, _ = protocolMeter.Int64Counter("eventhub.process.attempts",
		metric.WithDescription("Processing Protocol invocations per subscribed event type"),
		metric.WithUnit("{event}"))
	pp.successes, _ = protocolMeter.Int64Counter("eventhub.process.successes",
		metric.WithDescription("Processing Protocol invocations that finished with status Succeed"),
		metric.WithUnit("{event}"))
	pp.failures, _ = protocolMeter.Int64Counter("eventhub.process.failures",
		metric.WithDescription("Processing Protocol invocations that finished with status Failed"),
		metric.WithUnit("{event}"))
	pp.leasesReclaimed, _ = protocolMeter.Int64Counter("eventhub.process.leases_reclaimed",
		metric.WithDescription("Stale leases stolen from a dead or timed-out holder"),
		metric.WithUnit("{lease}"))
	return pp
}

// Process runs the protocol for a single event id. It returns true when
// this call either completed processing or observed the work already
// done/in-flight elsewhere; it returns false only when the caller should
// retry the same item later (spec §4.8). It never returns an error for a
// callback failure — those are recorded as status=Failed and still
// report true. A non-nil error here means an infrastructure failure
// (store unreachable) that the Worker should treat as "retry later".
func (pp *ProcessingProtocol) Process(ctx context.Context, eventID int64) (bool, error) {
	attemptID := uuid.New()
	ctx, span := protocolTracer.Start(ctx, "eventhub.Process",
		trace.WithAttributes(
			attribute.String("eventhub.subscriber", pp.subscription.Subscriber),
			attribute.String("eventhub.publisher", pp.subscription.Publisher),
			attribute.String("eventhub.event_type", pp.subscription.EventType),
			attribute.Int64("eventhub.event_id", eventID),
			attribute.String("eventhub.attempt_id", attemptID.String()),
		))
	defer span.End()

	actx, release, err := pp.active.ActiveContext(ctx)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("eventhub: protocol active context: %w", err)
	}
	defer release()

	ok, err := pp.process(actx, eventID)
	if err != nil {
		span.RecordError(err)
	}
	return ok, err
}

func (pp *ProcessingProtocol) process(ctx context.Context, eventID int64) (bool, error) {
	attrs := metric.WithAttributes(
		attribute.String("eventhub.publisher", pp.subscription.Publisher),
		attribute.String("eventhub.event_type", pp.subscription.EventType),
	)
	if pp.attempts != nil {
		pp.attempts.Add(ctx, 1, attrs)
	}

	now := pp.clock.Now()

	row, created, err := pp.store.UpsertSubscribedEvent(ctx, pp.subscription.Subscriber, pp.subscription.Publisher, pp.subscription.EventType, eventID, pp.host, pp.pid, now)
	if err != nil {
		return false, fmt.Errorf("eventhub: upsert subscribed_event: %w", err)
	}

	if !created {
		switch {
		case row.Status == StatusSucceed:
			return true, nil
		case row.Status == StatusFailed:
			// fall through to reprocessing
		case row.Status == StatusProcessing && now.Sub(row.ProcessStartTime) <= pp.timeout:
			// another process holds a fresh lease; canonical policy (spec §9)
			// treats this as handled, never retried by this caller.
			return true, nil
		case row.Status == StatusProcessing:
			// prior holder deemed dead; fall through to reprocessing
		case row.Status == StatusTimeout:
			// fall through to reprocessing
		}

		stole, err := pp.store.StealLease(ctx, row.ID, row.ProcessTimes, pp.host, pp.pid, now)
		if err != nil {
			return false, fmt.Errorf("eventhub: steal lease: %w", err)
		}
		if !stole {
			// lease grabbed elsewhere between our read and our steal attempt.
			return true, nil
		}
		if pp.leasesReclaimed != nil {
			pp.leasesReclaimed.Add(ctx, 1, attrs)
		}

		if err := pp.store.ArchiveAttempt(ctx, row); err != nil {
			return false, fmt.Errorf("eventhub: archive attempt: %w", err)
		}
	}

	ev, err := pp.store.GetEvent(ctx, eventID)
	if err != nil {
		return false, fmt.Errorf("eventhub: resolve event %d: %w", eventID, err)
	}

	result, callbackErr := pp.invokeCallback(ctx, ev)
	endTime := pp.clock.Now()

	status := StatusSucceed
	if callbackErr != nil {
		status = StatusFailed
		result = callbackErr.Error()
	}
	if err := pp.store.FinishSubscribedEvent(ctx, row.ID, status, result, endTime); err != nil {
		return false, fmt.Errorf("eventhub: finish subscribed_event: %w", err)
	}
	switch {
	case status == StatusSucceed && pp.successes != nil:
		pp.successes.Add(ctx, 1, attrs)
	case status == StatusFailed && pp.failures != nil:
		pp.failures.Add(ctx, 1, attrs)
	}

	if created {
		if advanced, err := pp.store.AdvanceWatermark(ctx, pp.subscription.ID, eventID, endTime); err != nil {
			return false, fmt.Errorf("eventhub: advance watermark: %w", err)
		} else if !advanced {
			refreshed, err := pp.store.RefreshSubscribedEventType(ctx, pp.subscription.ID)
			if err != nil {
				pp.log.Warn("failed to refresh watermark after contention", "error", err)
			} else {
				pp.subscription = refreshed
			}
		} else {
			pp.subscription.LastDispatchedEvent = &eventID
		}
	}

	return true, nil
}

// invokeCallback calls the user callback, recovering any panic and
// reporting it to Sentry — a panicking callback is a programmer error
// worth paging on, distinct from an ordinary returned error which only
// updates the persisted result.
func (pp *ProcessingProtocol) invokeCallback(ctx context.Context, ev Event) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			sentry.CaptureException(fmt.Errorf("eventhub: callback panic: %v", r))
			pp.log.Error("callback panicked",
				"subscriber", pp.subscription.Subscriber,
				"event_id", ev.ID,
				"panic", r,
				"stack", stack,
			)
			err = fmt.Errorf("eventhub: callback panic: %v", r)
		}
	}()
	return pp.callback(ctx, ev)
}
