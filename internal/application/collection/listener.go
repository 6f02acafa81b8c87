package collection

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/erp/fleetsync/internal/domain/reconcile"
	"github.com/erp/fleetsync/internal/domain/record"
)

// Subscription describes one live registration.
type Subscription struct {
	Key      record.CollectionKey `json:"key"`
	TenantID string               `json:"tenantId"`
	Since    time.Time            `json:"since"`
}

type registration struct {
	sub    Subscription
	hook   RefreshHook
	active atomic.Bool

	mu    sync.Mutex
	unsub record.Unsubscribe
	done  bool
}

// attach stores the remote unsubscribe handle, or runs it at once when the
// registration was already torn down.
func (r *registration) attach(unsub record.Unsubscribe) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		unsub()
		return
	}
	r.unsub = unsub
	r.mu.Unlock()
}

func (r *registration) stop() {
	r.active.Store(false)
	r.mu.Lock()
	unsub := r.unsub
	r.unsub = nil
	r.done = true
	r.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Listener re-runs reconciliation whenever the remote store pushes a snapshot.
// At most one registration exists per collection key and tenant.
type Listener struct {
	remote  record.RemoteStore
	service *Service
	logger  *zap.Logger
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	regs map[string]*registration
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithListenerLogger sets the logger.
func WithListenerLogger(logger *zap.Logger) ListenerOption {
	return func(l *Listener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewListener creates a live update listener feeding service.
func NewListener(remote record.RemoteStore, service *Service, opts ...ListenerOption) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		remote:  remote,
		service: service,
		logger:  zap.NewNop(),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		regs:    make(map[string]*registration),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Subscribe registers hook for pushed snapshots of key. Any previous
// registration for the same key and tenant is torn down first. Every snapshot,
// the first and empty ones included, is reconciled through the service before
// hook runs. The returned handle is safe to call more than once.
func (l *Listener) Subscribe(ctx context.Context, key record.CollectionKey, caller record.Caller, hook RefreshHook) (record.Unsubscribe, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if l.ctx.Err() != nil {
		return nil, errors.New("listener closed")
	}
	caller = l.service.ResolveCaller(ctx, caller)
	if caller.TenantID == "" {
		return nil, record.Wrap(record.ErrNotReady, errors.New("tenant unresolved"))
	}

	regKey := key.CacheKey(caller.TenantID)
	reg := &registration{
		sub:  Subscription{Key: key, TenantID: caller.TenantID, Since: l.now()},
		hook: hook,
	}
	reg.active.Store(true)

	l.mu.Lock()
	prev := l.regs[regKey]
	l.regs[regKey] = reg
	l.mu.Unlock()
	if prev != nil {
		l.logger.Debug("Replacing live registration", zap.String("key", regKey))
		prev.stop()
	}

	unsub, err := l.remote.Subscribe(l.ctx, key.Collection, caller.TenantID, func(records []record.Record) {
		l.deliver(reg, caller, records)
	})
	if err != nil {
		l.remove(regKey, reg)
		return nil, record.Wrap(record.ErrRemoteUnavailable, err)
	}
	reg.attach(unsub)

	l.logger.Info("Live registration started",
		zap.String("collection", key.Collection),
		zap.String("type", key.Type),
		zap.String("tenant_id", caller.TenantID))

	return func() { l.remove(regKey, reg) }, nil
}

func (l *Listener) deliver(reg *registration, caller record.Caller, records []record.Record) {
	if !reg.active.Load() {
		l.logger.Debug("Dropping snapshot for torn-down registration",
			zap.String("collection", reg.sub.Key.Collection))
		return
	}

	res, err := l.service.ApplySnapshot(l.ctx, reg.sub.Key, caller, records)
	if err != nil {
		l.logger.Error("Failed to apply pushed snapshot",
			zap.String("collection", reg.sub.Key.Collection),
			zap.Error(err))
		return
	}
	if reg.hook == nil || !reg.active.Load() {
		return
	}
	l.runHook(reg, res)
}

func (l *Listener) runHook(reg *registration, res *reconcile.Result) {
	defer func() {
		if r := recover(); r != nil {
			l.service.diag.hookPanics.Add(1)
			l.logger.Error("Snapshot hook panicked",
				zap.String("collection", reg.sub.Key.Collection),
				zap.Any("panic", r))
		}
	}()
	reg.hook(l.ctx, reg.sub.Key, res)
}

// remove tears reg down and forgets it if it is still the current registration.
func (l *Listener) remove(regKey string, reg *registration) {
	l.mu.Lock()
	if l.regs[regKey] == reg {
		delete(l.regs, regKey)
	}
	l.mu.Unlock()
	reg.stop()
}

// Active lists the live registrations ordered by key.
func (l *Listener) Active() []Subscription {
	l.mu.Lock()
	out := make([]Subscription, 0, len(l.regs))
	for _, reg := range l.regs {
		out = append(out, reg.sub)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// Close tears down every registration. Subscribe fails afterwards.
func (l *Listener) Close() {
	l.cancel()

	l.mu.Lock()
	regs := l.regs
	l.regs = make(map[string]*registration)
	l.mu.Unlock()

	for _, reg := range regs {
		reg.stop()
	}
}
