package remote

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/erp/fleetsync/internal/domain/record"
)

// MemoryStore is an in-process RemoteStore and ReadinessSource. It backs the
// offline demo mode and tests, and can inject failures and hold readiness back.
type MemoryStore struct {
	mu       sync.Mutex
	docs     map[string]map[string]record.Record // collection -> tenant|id -> record
	tenantID string
	conn     bool
	ready    chan struct{}
	isReady  bool

	queryErr  error
	putErr    error
	deleteErr error
	subErr    error

	initCalls   int
	queryCalls  int
	readyOnInit bool

	notifier *LocalNotifier
	logger   *zap.Logger
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithReadyTenant makes the store ready for tenantID from the start.
func WithReadyTenant(tenantID string) MemoryStoreOption {
	return func(m *MemoryStore) {
		m.tenantID = tenantID
		m.conn = true
	}
}

// WithReadyOnInit makes the first Init call mark the store ready for the
// tenant set through SetTenant.
func WithReadyOnInit() MemoryStoreOption {
	return func(m *MemoryStore) {
		m.readyOnInit = true
	}
}

// WithMemoryLogger sets the logger.
func WithMemoryLogger(logger *zap.Logger) MemoryStoreOption {
	return func(m *MemoryStore) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMemoryStore creates an empty store. Without WithReadyTenant it stays not
// ready until MarkReady.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	m := &MemoryStore{
		docs:     make(map[string]map[string]record.Record),
		ready:    make(chan struct{}),
		notifier: NewLocalNotifier(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.conn && m.tenantID != "" {
		m.markReadyLocked()
	}
	return m
}

func (m *MemoryStore) markReadyLocked() {
	if !m.isReady {
		m.isReady = true
		close(m.ready)
	}
}

// MarkReady connects the store and resolves tenantID.
func (m *MemoryStore) MarkReady(tenantID string) {
	m.mu.Lock()
	m.conn = true
	m.tenantID = tenantID
	if tenantID != "" {
		m.markReadyLocked()
	}
	m.mu.Unlock()
}

// SetTenant sets the tenant resolved by the next ready transition.
func (m *MemoryStore) SetTenant(tenantID string) {
	m.mu.Lock()
	m.tenantID = tenantID
	m.mu.Unlock()
}

// FailQueries makes Query return err. Nil clears the failure.
func (m *MemoryStore) FailQueries(err error) {
	m.mu.Lock()
	m.queryErr = err
	m.mu.Unlock()
}

// FailPuts makes Put return err. Nil clears the failure.
func (m *MemoryStore) FailPuts(err error) {
	m.mu.Lock()
	m.putErr = err
	m.mu.Unlock()
}

// FailDeletes makes Delete return err. Nil clears the failure.
func (m *MemoryStore) FailDeletes(err error) {
	m.mu.Lock()
	m.deleteErr = err
	m.mu.Unlock()
}

// FailSubscribes makes Subscribe return err. Nil clears the failure.
func (m *MemoryStore) FailSubscribes(err error) {
	m.mu.Lock()
	m.subErr = err
	m.mu.Unlock()
}

// InitCalls returns how often Init was called.
func (m *MemoryStore) InitCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initCalls
}

// QueryCalls returns how often Query was called.
func (m *MemoryStore) QueryCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queryCalls
}

// HasConnection reports whether the store counts as connected.
func (m *MemoryStore) HasConnection() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// TenantID returns the resolved tenant once connected.
func (m *MemoryStore) TenantID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.conn {
		return ""
	}
	return m.tenantID
}

// Init counts the call and, with WithReadyOnInit, marks the store ready.
func (m *MemoryStore) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initCalls++
	if m.readyOnInit {
		m.conn = true
		if m.tenantID != "" {
			m.markReadyLocked()
		}
	}
	return nil
}

// Ready is closed once the store is connected with a tenant.
func (m *MemoryStore) Ready() <-chan struct{} {
	return m.ready
}

func docKey(tenantID, id string) string {
	return tenantID + "|" + id
}

// Seed stores records without announcing them.
func (m *MemoryStore) Seed(collection string, records ...record.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.putLocked(collection, r)
	}
}

func (m *MemoryStore) putLocked(collection string, r record.Record) {
	if m.docs[collection] == nil {
		m.docs[collection] = make(map[string]record.Record)
	}
	m.docs[collection][docKey(r.TenantID, r.ID)] = r.Clone()
}

// Query returns the tenant's records plus tenant-less ones, ordered by id.
func (m *MemoryStore) Query(ctx context.Context, collection, tenantID string, filters ...record.Filter) ([]record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryCalls++
	if m.queryErr != nil {
		return nil, m.queryErr
	}

	out := make([]record.Record, 0, len(m.docs[collection]))
	for _, r := range m.docs[collection] {
		if r.TenantID != tenantID && r.TenantID != "" {
			continue
		}
		if !matchesAll(r, filters) {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func matchesAll(r record.Record, filters []record.Filter) bool {
	for _, f := range filters {
		switch f.Field {
		case record.FieldType:
			if r.Type != f.Value {
				return false
			}
		case record.FieldID:
			if r.ID != f.Value {
				return false
			}
		default:
			if !matches(r, []record.Filter{f}) {
				return false
			}
		}
	}
	return true
}

// Put stores r and announces the change.
func (m *MemoryStore) Put(ctx context.Context, collection string, r record.Record) error {
	if r.ID == "" {
		return record.Wrap(record.ErrMalformedRecord, errors.New("id is required"))
	}
	m.mu.Lock()
	if m.putErr != nil {
		err := m.putErr
		m.mu.Unlock()
		return err
	}
	m.putLocked(collection, r)
	m.mu.Unlock()

	return m.notifier.Publish(ctx, ChangeNotice{Collection: collection, TenantID: r.TenantID, Action: ChangePut, ID: r.ID})
}

// Delete removes the record and announces the change.
func (m *MemoryStore) Delete(ctx context.Context, collection, tenantID, id string) error {
	m.mu.Lock()
	if m.deleteErr != nil {
		err := m.deleteErr
		m.mu.Unlock()
		return err
	}
	delete(m.docs[collection], docKey(tenantID, id))
	m.mu.Unlock()

	return m.notifier.Publish(ctx, ChangeNotice{Collection: collection, TenantID: tenantID, Action: ChangeDelete, ID: id})
}

// Subscribe delivers the current snapshot, then one after every change, from
// a background goroutine.
func (m *MemoryStore) Subscribe(ctx context.Context, collection, tenantID string, fn record.SnapshotFunc) (record.Unsubscribe, error) {
	if fn == nil {
		return nil, errors.New("snapshot callback is required")
	}
	m.mu.Lock()
	subErr := m.subErr
	m.mu.Unlock()
	if subErr != nil {
		return nil, subErr
	}

	w := startFeed(ctx, m.ready, func(ctx context.Context) ([]record.Record, error) {
		return m.Query(ctx, collection, tenantID)
	}, fn, m.logger)

	onNotice := func(ChangeNotice) { w.notify() }
	stopTenant, _ := m.notifier.Listen(ctx, collection, tenantID, onNotice)
	stopLegacy, _ := m.notifier.Listen(ctx, collection, "", onNotice)

	var once sync.Once
	return func() {
		once.Do(func() {
			stopTenant()
			stopLegacy()
			w.stop()
		})
	}, nil
}

var (
	_ record.RemoteStore     = (*MemoryStore)(nil)
	_ record.ReadinessSource = (*MemoryStore)(nil)
	_ record.ReadyNotifier   = (*MemoryStore)(nil)
)
