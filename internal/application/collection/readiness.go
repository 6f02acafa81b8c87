package collection

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/erp/fleetsync/internal/domain/record"
)

// Readiness defaults.
const (
	DefaultReadyAttempts = 10
	DefaultReadyInterval = 300 * time.Millisecond

	backoffFactor   = 1.5
	maxBackoffScale = 4
)

// ReadyState is the outcome of a readiness wait.
type ReadyState int

const (
	// Ready means the remote client has a connection and a resolved tenant.
	Ready ReadyState = iota
	// TimedOut means callers must fall back to the local cache.
	TimedOut
)

func (s ReadyState) String() string {
	switch s {
	case Ready:
		return "ready"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Waiter blocks until a remote client finishes async initialization.
type Waiter struct {
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// WaiterOption configures a Waiter.
type WaiterOption func(*Waiter)

// WithWaiterLogger sets the logger.
func WithWaiterLogger(logger *zap.Logger) WaiterOption {
	return func(w *Waiter) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithSleep replaces the delay used between polls.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) WaiterOption {
	return func(w *Waiter) {
		if sleep != nil {
			w.sleep = sleep
		}
	}
}

// NewWaiter creates a readiness waiter.
func NewWaiter(opts ...WaiterOption) *Waiter {
	w := &Waiter{
		logger: zap.NewNop(),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Wait returns Ready once src has a connection and a tenant, or TimedOut after
// roughly maxAttempts intervals. Sources implementing record.ReadyNotifier are
// awaited on their channel; others are polled with a growing delay. Wait never
// fails: TimedOut is the signal to serve from the local cache.
func (w *Waiter) Wait(ctx context.Context, src record.ReadinessSource, maxAttempts int, interval time.Duration) ReadyState {
	if src == nil {
		return TimedOut
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultReadyAttempts
	}
	if interval <= 0 {
		interval = DefaultReadyInterval
	}
	if isReady(src) {
		return Ready
	}

	if n, ok := src.(record.ReadyNotifier); ok {
		return w.await(ctx, src, n, time.Duration(maxAttempts)*interval)
	}
	return w.poll(ctx, src, maxAttempts, interval)
}

func (w *Waiter) await(ctx context.Context, src record.ReadinessSource, n record.ReadyNotifier, bound time.Duration) ReadyState {
	if err := src.Init(ctx); err != nil {
		w.logger.Debug("Remote client init failed", zap.Error(err))
	}

	timer := time.NewTimer(bound)
	defer timer.Stop()

	select {
	case <-n.Ready():
		if isReady(src) {
			return Ready
		}
		w.logger.Warn("Remote client signalled ready without tenant")
		return TimedOut
	case <-timer.C:
		w.logger.Warn("Timed out waiting for remote client", zap.Duration("bound", bound))
		return TimedOut
	case <-ctx.Done():
		return TimedOut
	}
}

func (w *Waiter) poll(ctx context.Context, src record.ReadinessSource, maxAttempts int, interval time.Duration) ReadyState {
	delay := interval
	ceiling := interval * maxBackoffScale

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if isReady(src) {
			return Ready
		}
		if err := src.Init(ctx); err != nil {
			w.logger.Debug("Remote client init failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		if err := w.sleep(ctx, delay); err != nil {
			return TimedOut
		}
		delay = time.Duration(float64(delay) * backoffFactor)
		if delay > ceiling {
			delay = ceiling
		}
	}

	if isReady(src) {
		return Ready
	}
	w.logger.Warn("Remote client not ready after polling", zap.Int("attempts", maxAttempts))
	return TimedOut
}

func isReady(src record.ReadinessSource) bool {
	return src.HasConnection() && src.TenantID() != ""
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
