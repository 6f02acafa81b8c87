package remote

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/erp/fleetsync/internal/domain/record"
)

// queryFunc loads the current snapshot of a collection for a tenant.
type queryFunc func(ctx context.Context) ([]record.Record, error)

// feedWorker delivers snapshots to one subscriber. Change notices arriving
// while a query is in flight collapse into a single follow-up query, so a
// burst of writes yields at most two snapshots.
type feedWorker struct {
	query  queryFunc
	fn     record.SnapshotFunc
	logger *zap.Logger

	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// startFeed runs a worker until ctx ends or the returned worker is stopped.
// wait, when non-nil, is awaited before the first snapshot.
func startFeed(ctx context.Context, wait <-chan struct{}, query queryFunc, fn record.SnapshotFunc, logger *zap.Logger) *feedWorker {
	ctx, cancel := context.WithCancel(ctx)
	w := &feedWorker{
		query:  query,
		fn:     fn,
		logger: logger,
		kick:   make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	w.notify()
	go w.run(ctx, wait)
	return w
}

// notify schedules a fresh snapshot.
func (w *feedWorker) notify() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *feedWorker) run(ctx context.Context, wait <-chan struct{}) {
	defer close(w.done)

	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.kick:
		}

		records, err := w.query(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("Failed to load snapshot for subscriber", zap.Error(err))
			continue
		}
		if ctx.Err() != nil {
			return
		}
		w.deliver(records)
	}
}

func (w *feedWorker) deliver(records []record.Record) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Panic in snapshot callback", zap.Any("panic", r))
		}
	}()
	w.fn(records)
}

// stop ends the worker. It is safe to call more than once and does not wait
// for an in-flight callback.
func (w *feedWorker) stop() {
	w.once.Do(w.cancel)
}
