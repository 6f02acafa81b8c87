package collection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/erp/fleetsync/internal/infrastructure/remote"
)

// pollingSource becomes ready on the readyAfter-th Init call. It does not
// implement record.ReadyNotifier.
type pollingSource struct {
	mu         sync.Mutex
	readyAfter int
	inits      int
}

func (p *pollingSource) HasConnection() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readyAfter > 0 && p.inits >= p.readyAfter
}

func (p *pollingSource) TenantID() string {
	if p.HasConnection() {
		return "t1"
	}
	return ""
}

func (p *pollingSource) Init(context.Context) error {
	p.mu.Lock()
	p.inits++
	p.mu.Unlock()
	return nil
}

func (p *pollingSource) initCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inits
}

type sleepRecorder struct {
	delays []time.Duration
	err    error
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return s.err
}

func TestReadyState_String(t *testing.T) {
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "timed_out", TimedOut.String())
	assert.Equal(t, "unknown", ReadyState(7).String())
}

func TestWaiter_NilSource(t *testing.T) {
	assert.Equal(t, TimedOut, NewWaiter().Wait(context.Background(), nil, 3, time.Millisecond))
}

func TestWaiter_AlreadyReady(t *testing.T) {
	src := &pollingSource{readyAfter: 1, inits: 1}
	rec := &sleepRecorder{}
	w := NewWaiter(WithSleep(rec.sleep))

	assert.Equal(t, Ready, w.Wait(context.Background(), src, 3, time.Second))
	assert.Empty(t, rec.delays)
	assert.Equal(t, 1, src.initCount())
}

func TestWaiter_PollUntilReady(t *testing.T) {
	src := &pollingSource{readyAfter: 3}
	rec := &sleepRecorder{}
	w := NewWaiter(WithSleep(rec.sleep))

	assert.Equal(t, Ready, w.Wait(context.Background(), src, 10, 100*time.Millisecond))
	assert.Equal(t, 3, src.initCount())
	assert.Len(t, rec.delays, 3)
}

func TestWaiter_PollBackoffIsCapped(t *testing.T) {
	src := &pollingSource{}
	rec := &sleepRecorder{}
	core, logs := observer.New(zap.WarnLevel)
	w := NewWaiter(WithSleep(rec.sleep), WithWaiterLogger(zap.New(core)))

	assert.Equal(t, TimedOut, w.Wait(context.Background(), src, 6, 100*time.Millisecond))
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		150 * time.Millisecond,
		225 * time.Millisecond,
		337500 * time.Microsecond,
		400 * time.Millisecond,
		400 * time.Millisecond,
	}, rec.delays)
	assert.Equal(t, 6, src.initCount())
	assert.Equal(t, 1, logs.FilterMessage("Remote client not ready after polling").Len())
}

func TestWaiter_PollDefaults(t *testing.T) {
	rec := &sleepRecorder{}
	w := NewWaiter(WithSleep(rec.sleep))

	assert.Equal(t, TimedOut, w.Wait(context.Background(), &pollingSource{}, 0, 0))
	assert.Len(t, rec.delays, DefaultReadyAttempts)
	assert.Equal(t, DefaultReadyInterval, rec.delays[0])
}

func TestWaiter_PollStopsOnCancel(t *testing.T) {
	rec := &sleepRecorder{err: context.Canceled}
	w := NewWaiter(WithSleep(rec.sleep))

	assert.Equal(t, TimedOut, w.Wait(context.Background(), &pollingSource{}, 10, time.Millisecond))
	assert.Len(t, rec.delays, 1)
}

func TestWaiter_NotifierSignals(t *testing.T) {
	store := remote.NewMemoryStore()
	go func() {
		time.Sleep(10 * time.Millisecond)
		store.MarkReady("t1")
	}()

	state := NewWaiter().Wait(context.Background(), store, 20, 50*time.Millisecond)
	assert.Equal(t, Ready, state)
	assert.Equal(t, 1, store.InitCalls())
}

func TestWaiter_NotifierTimesOut(t *testing.T) {
	store := remote.NewMemoryStore()
	core, logs := observer.New(zap.WarnLevel)
	w := NewWaiter(WithWaiterLogger(zap.New(core)))

	start := time.Now()
	assert.Equal(t, TimedOut, w.Wait(context.Background(), store, 2, 10*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, 1, logs.FilterMessage("Timed out waiting for remote client").Len())
}

func TestWaiter_NotifierHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := remote.NewMemoryStore()
	assert.Equal(t, TimedOut, NewWaiter().Wait(ctx, store, 100, time.Second))
}
