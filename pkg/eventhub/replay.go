package eventhub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ReplaySweeper is invoked by the Replay Worker once per registered event
// type, every reprocessing interval (spec §4.6). The Subscriber Supervisor
// supplies the closure that re-enqueues stuck/failed events for one
// SubscribedEventType.
type ReplaySweeper func(ctx context.Context) error

// ReplayWorker is C5: a timer-driven scan that re-enqueues failed or stuck
// events per subscribed event type. The sweep itself is scheduled with
// robfig/cron's seconds-resolution scheduler ("@every <interval>"); a
// separate 1-second ticker observes the shutdown flag between cron firings,
// matching spec §4.6/§5's "single thread, 1-second tick ... cancels on
// shutdown flag at next tick" more precisely than relying on cron's own
// entry removal, which only takes effect on its next scheduling pass.
type ReplayWorker struct {
	interval time.Duration
	log      *slog.Logger
	sweepers func() []ReplaySweeper

	cron *cron.Cron

	shutdown chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewReplayWorker returns a ReplayWorker that runs every interval
// (REPROCESSING_INTERVAL, default 5m). sweepers is called fresh on every
// tick so newly registered subscriptions are picked up without restarting
// the worker.
func NewReplayWorker(interval time.Duration, log *slog.Logger, sweepers func() []ReplaySweeper) *ReplayWorker {
	return &ReplayWorker{
		interval: interval,
		log:      log,
		sweepers: sweepers,
		cron:     cron.New(cron.WithSeconds()),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start schedules the sweep and begins the 1-second shutdown-observing
// ticker. Call Shutdown to stop both.
func (w *ReplayWorker) Start(ctx context.Context) error {
	spec := "@every " + w.interval.String()
	if _, err := w.cron.AddFunc(spec, func() { w.sweepOnce(ctx) }); err != nil {
		return err
	}
	w.cron.Start()

	go w.tick(ctx)
	return nil
}

func (w *ReplayWorker) tick(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-w.shutdown:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case <-w.shutdown:
				return
			default:
			}
		}
	}
}

func (w *ReplayWorker) sweepOnce(ctx context.Context) {
	for _, sweep := range w.sweepers() {
		if err := sweep(ctx); err != nil {
			w.log.Error("replay sweep failed", "error", err)
		}
	}
}

// Shutdown stops the cron schedule and the shutdown-observing ticker,
// waiting for the tick goroutine to exit.
func (w *ReplayWorker) Shutdown() {
	stopCtx := w.cron.Stop()
	<-stopCtx.Done()
	w.once.Do(func() { close(w.shutdown) })
	<-w.done
}
