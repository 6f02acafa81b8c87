// Package remote implements the authoritative per-tenant document store
// clients.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/erp/fleetsync/internal/domain/record"
)

var errNotConnected = errors.New("document store not connected")

// documentModel is one stored document. Payload holds the full record as JSON;
// the other columns index it.
type documentModel struct {
	Collection string     `gorm:"column:collection;primaryKey;size:100"`
	TenantID   string     `gorm:"column:tenant_id;primaryKey;size:100"`
	ID         string     `gorm:"column:id;primaryKey;size:255"`
	Type       string     `gorm:"column:type;size:100;index"`
	Payload    string     `gorm:"column:payload;type:text;not null"`
	CreatedAt  *time.Time `gorm:"column:created_at"`
	UpdatedAt  time.Time  `gorm:"column:updated_at;not null"`
}

// TableName returns the table name for GORM
func (documentModel) TableName() string {
	return "sync_documents"
}

// Opener opens the database behind a DocumentClient.
type Opener func(ctx context.Context) (*gorm.DB, error)

// TenantResolver determines the tenant of the signed-in session once the
// database is reachable.
type TenantResolver interface {
	ResolveTenant(ctx context.Context, db *gorm.DB) (string, error)
}

// TenantResolverFunc adapts a function to TenantResolver.
type TenantResolverFunc func(ctx context.Context, db *gorm.DB) (string, error)

// ResolveTenant calls f.
func (f TenantResolverFunc) ResolveTenant(ctx context.Context, db *gorm.DB) (string, error) {
	return f(ctx, db)
}

// StaticTenant resolves to a fixed tenant.
func StaticTenant(tenantID string) TenantResolver {
	return TenantResolverFunc(func(context.Context, *gorm.DB) (string, error) {
		return tenantID, nil
	})
}

// DocumentClient is the gorm-backed remote store. It connects in the
// background and signals readiness once through Ready.
type DocumentClient struct {
	open     Opener
	resolver TenantResolver
	notifier ChangeNotifier
	logger   *zap.Logger
	now      func() time.Time

	retries     int
	backoff     time.Duration
	autoMigrate bool

	mu         sync.RWMutex
	db         *gorm.DB
	tenantID   string
	connecting bool
	lastErr    error
	ready      chan struct{}
	readyOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

// ClientOption configures a DocumentClient.
type ClientOption func(*DocumentClient)

// WithTenantResolver sets how the session tenant is determined.
func WithTenantResolver(r TenantResolver) ClientOption {
	return func(c *DocumentClient) {
		if r != nil {
			c.resolver = r
		}
	}
}

// WithNotifier sets the change feed. Defaults to a LocalNotifier.
func WithNotifier(n ChangeNotifier) ClientOption {
	return func(c *DocumentClient) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *DocumentClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithConnectRetries bounds the connection attempts of one Init round.
func WithConnectRetries(retries int, backoff time.Duration) ClientOption {
	return func(c *DocumentClient) {
		if retries > 0 {
			c.retries = retries
		}
		if backoff > 0 {
			c.backoff = backoff
		}
	}
}

// WithAutoMigrate creates the documents table on connect. Production
// databases are migrated by cmd/migrate instead.
func WithAutoMigrate(enabled bool) ClientOption {
	return func(c *DocumentClient) {
		c.autoMigrate = enabled
	}
}

// Connect creates a client and starts connecting in the background. It
// returns immediately.
func Connect(open Opener, opts ...ClientOption) *DocumentClient {
	c := newDocumentClient(open, opts...)
	_ = c.Init(context.Background())
	return c
}

func newDocumentClient(open Opener, opts ...ClientOption) *DocumentClient {
	ctx, cancel := context.WithCancel(context.Background())
	c := &DocumentClient{
		open:     open,
		resolver: StaticTenant(""),
		notifier: NewLocalNotifier(),
		logger:   zap.NewNop(),
		now:      time.Now,
		retries:  5,
		backoff:  time.Second,
		ready:    make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Init starts a connection round unless the client is ready or already
// connecting. It never blocks.
func (c *DocumentClient) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return errors.New("document client closed")
	}
	if c.connecting || (c.db != nil && c.tenantID != "") {
		return nil
	}
	c.connecting = true
	go c.connect()
	return nil
}

func (c *DocumentClient) connect() {
	defer func() {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
	}()

	db := c.handle()
	var err error
	for attempt := 1; db == nil && attempt <= c.retries; attempt++ {
		db, err = c.open(c.ctx)
		if err == nil && c.autoMigrate {
			err = db.WithContext(c.ctx).AutoMigrate(&documentModel{})
		}
		if err == nil {
			break
		}
		db = nil
		c.setErr(err)
		c.logger.Warn("Document store connection attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.retries),
			zap.Error(err))
		select {
		case <-time.After(c.backoff * time.Duration(attempt)):
		case <-c.ctx.Done():
			return
		}
	}
	if db == nil {
		c.logger.Error("Document store unreachable, waiting for next Init", zap.Error(err))
		return
	}

	c.mu.Lock()
	c.db = db
	c.mu.Unlock()

	tenantID, err := c.resolver.ResolveTenant(c.ctx, db)
	if err != nil {
		c.setErr(err)
		c.logger.Warn("Failed to resolve session tenant", zap.Error(err))
		return
	}
	if tenantID == "" {
		c.logger.Warn("Session has no tenant, client stays not ready")
		return
	}

	c.mu.Lock()
	c.tenantID = tenantID
	c.lastErr = nil
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })

	c.logger.Info("Document store ready", zap.String("tenant_id", tenantID))
}

func (c *DocumentClient) setErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *DocumentClient) handle() *gorm.DB {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.db
}

// HasConnection reports whether the database has been opened.
func (c *DocumentClient) HasConnection() bool {
	return c.handle() != nil
}

// TenantID returns the resolved session tenant, or "" before readiness.
func (c *DocumentClient) TenantID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tenantID
}

// Ready is closed once the client has a connection and a tenant.
func (c *DocumentClient) Ready() <-chan struct{} {
	return c.ready
}

// LastError returns the most recent connection or tenant error.
func (c *DocumentClient) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

func (c *DocumentClient) dbFor(ctx context.Context) (*gorm.DB, error) {
	db := c.handle()
	if db == nil {
		return nil, record.Wrap(record.ErrRemoteUnavailable, errNotConnected)
	}
	return db.WithContext(ctx), nil
}

// Query returns the documents of collection owned by tenantID together with
// tenant-less legacy documents. Filters on type and id run in SQL, filters
// on other fields run on the decoded records.
func (c *DocumentClient) Query(ctx context.Context, collection, tenantID string, filters ...record.Filter) ([]record.Record, error) {
	db, err := c.dbFor(ctx)
	if err != nil {
		return nil, err
	}

	q := db.Where("collection = ?", collection).
		Where("tenant_id = ? OR tenant_id = ''", tenantID)
	var rest []record.Filter
	for _, f := range filters {
		switch f.Field {
		case record.FieldType:
			q = q.Where("type = ?", f.Value)
		case record.FieldID:
			q = q.Where("id = ?", f.Value)
		default:
			rest = append(rest, f)
		}
	}

	var rows []documentModel
	if err := q.Order("id").Find(&rows).Error; err != nil {
		return nil, record.Wrap(record.ErrRemoteUnavailable,
			fmt.Errorf("failed to query collection %s: %w", collection, err))
	}

	out := make([]record.Record, 0, len(rows))
	for _, row := range rows {
		r, err := decodeDocument(row)
		if err != nil {
			c.logger.Warn("Skipping undecodable document",
				zap.String("collection", collection),
				zap.String("id", row.ID),
				zap.Error(err))
			continue
		}
		if matches(r, rest) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Put upserts r into collection and announces the change.
func (c *DocumentClient) Put(ctx context.Context, collection string, r record.Record) error {
	if r.ID == "" {
		return record.Wrap(record.ErrMalformedRecord, errors.New("id is required"))
	}
	db, err := c.dbFor(ctx)
	if err != nil {
		return err
	}

	row, err := encodeDocument(collection, r, c.now())
	if err != nil {
		return err
	}
	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "tenant_id"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"type", "payload", "created_at", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return record.Wrap(record.ErrRemoteUnavailable,
			fmt.Errorf("failed to write document %s/%s: %w", collection, r.ID, err))
	}

	c.announce(ctx, ChangeNotice{Collection: collection, TenantID: r.TenantID, Action: ChangePut, ID: r.ID})
	return nil
}

// Delete removes the document and announces the change.
func (c *DocumentClient) Delete(ctx context.Context, collection, tenantID, id string) error {
	db, err := c.dbFor(ctx)
	if err != nil {
		return err
	}

	err = db.Where("collection = ? AND tenant_id = ? AND id = ?", collection, tenantID, id).
		Delete(&documentModel{}).Error
	if err != nil {
		return record.Wrap(record.ErrRemoteUnavailable,
			fmt.Errorf("failed to delete document %s/%s: %w", collection, id, err))
	}

	c.announce(ctx, ChangeNotice{Collection: collection, TenantID: tenantID, Action: ChangeDelete, ID: id})
	return nil
}

func (c *DocumentClient) announce(ctx context.Context, notice ChangeNotice) {
	notice.Timestamp = c.now().UnixNano()
	if err := c.notifier.Publish(ctx, notice); err != nil {
		// subscribers catch up on the next write
		c.logger.Warn("Failed to announce document change",
			zap.String("collection", notice.Collection),
			zap.String("id", notice.ID),
			zap.Error(err))
	}
}

// Subscribe delivers the current snapshot once the client is ready, then a
// fresh snapshot after every announced change to the tenant's collection.
// Changes to tenant-less legacy documents are announced on the "_" tenant
// and reach every subscriber of the collection.
func (c *DocumentClient) Subscribe(ctx context.Context, collection, tenantID string, fn record.SnapshotFunc) (record.Unsubscribe, error) {
	if fn == nil {
		return nil, errors.New("snapshot callback is required")
	}

	w := startFeed(ctx, c.ready, func(ctx context.Context) ([]record.Record, error) {
		return c.Query(ctx, collection, tenantID)
	}, fn, c.logger)

	onNotice := func(ChangeNotice) { w.notify() }
	stopTenant, err := c.notifier.Listen(ctx, collection, tenantID, onNotice)
	if err != nil {
		w.stop()
		return nil, fmt.Errorf("failed to listen for changes: %w", err)
	}
	stopLegacy, err := c.notifier.Listen(ctx, collection, "", onNotice)
	if err != nil {
		stopTenant()
		w.stop()
		return nil, fmt.Errorf("failed to listen for changes: %w", err)
	}

	c.logger.Debug("Snapshot subscriber registered",
		zap.String("collection", collection),
		zap.String("tenant_id", tenantID))

	var once sync.Once
	return func() {
		once.Do(func() {
			stopTenant()
			stopLegacy()
			w.stop()
		})
	}, nil
}

// Close stops background work and closes the database handle.
func (c *DocumentClient) Close() error {
	c.cancel()
	db := c.handle()
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func encodeDocument(collection string, r record.Record, now time.Time) (documentModel, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return documentModel{}, record.Wrap(record.ErrMalformedRecord, err)
	}
	return documentModel{
		Collection: collection,
		TenantID:   r.TenantID,
		ID:         r.ID,
		Type:       r.Type,
		Payload:    string(payload),
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  now.UTC(),
	}, nil
}

func decodeDocument(row documentModel) (record.Record, error) {
	var r record.Record
	if err := json.Unmarshal([]byte(row.Payload), &r); err != nil {
		return record.Record{}, err
	}
	if r.ID == "" {
		r.ID = row.ID
	}
	if r.TenantID == "" {
		r.TenantID = row.TenantID
	}
	if r.Type == "" {
		r.Type = row.Type
	}
	return r, nil
}

// matches reports whether r satisfies every filter.
func matches(r record.Record, filters []record.Filter) bool {
	for _, f := range filters {
		var got string
		switch f.Field {
		case record.FieldUserID:
			got = r.UserID
		case record.FieldOrigin:
			got = r.Origin
		case record.FieldTenantID:
			got = r.TenantID
		default:
			v, ok := r.Get(f.Field)
			if !ok {
				return false
			}
			got = fmt.Sprint(v)
		}
		if got != f.Value {
			return false
		}
	}
	return true
}

var (
	_ record.RemoteStore     = (*DocumentClient)(nil)
	_ record.ReadinessSource = (*DocumentClient)(nil)
	_ record.ReadyNotifier   = (*DocumentClient)(nil)
)
