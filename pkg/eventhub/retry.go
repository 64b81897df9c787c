package eventhub

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryConfig configures the Retry Harness. Retry is the number of retries
// after the first attempt; -1 means unbounded. RetryInterval is the fixed
// sleep between attempts. IsFailed, when set, flags a successful result as
// a failure worth retrying (mirrors f_is_failed in the Python original).
type RetryConfig struct {
	Retry         int
	RetryInterval time.Duration
	IsFailed      func(result any) bool
	RetryMessage  string // logged with attempt, max retries, interval_ms
}

// defaultPublisherRetry is the Publisher's bounded retry policy (spec §4.3).
func defaultPublisherRetry() RetryConfig {
	return RetryConfig{Retry: 2, RetryInterval: time.Second}
}

// defaultListenerRetry is the Listener's unbounded reconnect policy (spec §4.7/§8).
func defaultListenerRetry() RetryConfig {
	return RetryConfig{Retry: -1, RetryInterval: 2 * time.Second}
}

// retryOp is the signature the harness re-executes. A non-nil error is
// treated as a failed attempt unless it is context.Canceled or
// context.DeadlineExceeded, which abort immediately (cooperative
// cancellation, spec §5).
type retryOp func(ctx context.Context) (any, error)

// withRetry runs op, retrying on error or on a flagged result per cfg,
// sleeping RetryInterval between attempts. After the configured number of
// retries is exhausted it returns the last result and last error. ctx
// cancellation aborts immediately without consuming a retry.
func withRetry(ctx context.Context, log *slog.Logger, cfg RetryConfig, op retryOp) (any, error) {
	var (
		result any
		err    error
	)
	for attempt := 0; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}

		result, err = op(ctx)
		failed := err != nil || (cfg.IsFailed != nil && cfg.IsFailed(result))
		if !failed {
			return result, nil
		}
		if err != nil && (err == context.Canceled || err == context.DeadlineExceeded) {
			return result, err
		}

		exhausted := cfg.Retry >= 0 && attempt >= cfg.Retry
		if exhausted {
			return result, err
		}

		if log != nil {
			msg := cfg.RetryMessage
			if msg == "" {
				msg = "retrying after failure"
			}
			log.Warn(msg,
				"attempt", attempt+1,
				"max_retries", cfg.Retry,
				"retry_interval_ms", cfg.RetryInterval.Milliseconds(),
				"error", err,
			)
		}

		timer := time.NewTimer(cfg.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}
	}
}

// withRetryVoid adapts withRetry to operations with no meaningful result,
// for the common case (Listener reconnect loop).
func withRetryVoid(ctx context.Context, log *slog.Logger, cfg RetryConfig, op func(ctx context.Context) error) error {
	_, err := withRetry(ctx, log, cfg, func(ctx context.Context) (any, error) {
		return nil, op(ctx)
	})
	return err
}

// retryExhaustedError wraps the last error from an exhausted bounded retry
// so callers can tell "gave up after N attempts" from a plain upstream error.
type retryExhaustedError struct {
	attempts int
	err      error
}

func (e *retryExhaustedError) Error() string {
	return fmt.Sprintf("eventhub: retry exhausted after %d attempts: %v", e.attempts, e.err)
}

func (e *retryExhaustedError) Unwrap() error { return e.err }
