package cache

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/erp/fleetsync/internal/domain/record"
	"github.com/erp/fleetsync/internal/infrastructure/config"
)

// Cache drivers accepted by the factory.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// StatsProvider is implemented by every store built here.
type StatsProvider interface {
	Stats() Stats
}

// Store is a local cache that also reports its counters.
type Store interface {
	record.LocalCache
	StatsProvider
}

// LocalCacheFactory creates the configured local cache store
type LocalCacheFactory struct {
	cacheConfig           config.CacheConfig
	redisConfig           config.RedisConfig
	logger                *zap.Logger
	allowInMemoryFallback bool
	closers               []func() error
}

// LocalCacheFactoryOption is a functional option for configuring the factory
type LocalCacheFactoryOption func(*LocalCacheFactory)

// WithLogger sets the logger for the factory
func WithLogger(logger *zap.Logger) LocalCacheFactoryOption {
	return func(f *LocalCacheFactory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithInMemoryFallback controls whether to fall back to the in-memory store
// when the configured backend cannot be opened.
func WithInMemoryFallback(allow bool) LocalCacheFactoryOption {
	return func(f *LocalCacheFactory) {
		f.allowInMemoryFallback = allow
	}
}

// NewLocalCacheFactory creates a new factory
func NewLocalCacheFactory(cacheCfg config.CacheConfig, redisCfg config.RedisConfig, opts ...LocalCacheFactoryOption) *LocalCacheFactory {
	f := &LocalCacheFactory{
		cacheConfig:           cacheCfg,
		redisConfig:           redisCfg,
		logger:                zap.NewNop(),
		allowInMemoryFallback: cacheCfg.AllowInMemoryFallback,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

func (f *LocalCacheFactory) quota() int {
	if f.cacheConfig.QuotaBytes > 0 {
		return f.cacheConfig.QuotaBytes
	}
	return DefaultQuotaBytes
}

// CreateSQLiteStore opens the SQLite file at the configured path.
func (f *LocalCacheFactory) CreateSQLiteStore() (Store, error) {
	db, err := gorm.Open(sqlite.Open(f.cacheConfig.Path), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database %s: %w", f.cacheConfig.Path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get cache database handle: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	store, err := NewSQLiteStore(db, WithSQLiteQuota(f.quota()), WithSQLiteLogger(f.logger))
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	f.closers = append(f.closers, sqlDB.Close)
	return store, nil
}

// CreateRedisStore creates a Redis-backed store
func (f *LocalCacheFactory) CreateRedisStore() (Store, error) {
	store, err := NewRedisStore(RedisConfig{
		Host:     f.redisConfig.Host,
		Port:     f.redisConfig.Port,
		Password: f.redisConfig.Password,
		DB:       f.redisConfig.DB,
	}, f.quota())
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis cache store: %w", err)
	}
	f.closers = append(f.closers, store.Close)
	return store, nil
}

// CreateInMemoryStore creates an in-memory store
// WARNING: entries are lost on restart and are not shared across instances
func (f *LocalCacheFactory) CreateInMemoryStore() Store {
	return NewInMemoryStore(WithInMemoryQuota(f.quota()), WithInMemoryLogger(f.logger))
}

// CreateStore creates the configured store, falling back to in-memory when
// the backend is unavailable and fallback is allowed.
func (f *LocalCacheFactory) CreateStore() (Store, error) {
	var (
		store Store
		err   error
	)
	switch f.cacheConfig.Driver {
	case DriverMemory:
		f.logger.Info("Using in-memory local cache")
		return f.CreateInMemoryStore(), nil
	case DriverRedis:
		store, err = f.CreateRedisStore()
	case DriverSQLite, "":
		store, err = f.CreateSQLiteStore()
	default:
		return nil, fmt.Errorf("unknown cache driver %q", f.cacheConfig.Driver)
	}
	if err == nil {
		f.logger.Info("Using local cache", zap.String("driver", f.cacheConfig.Driver))
		return store, nil
	}

	if !f.allowInMemoryFallback {
		return nil, fmt.Errorf("cache driver %s unavailable: %w", f.cacheConfig.Driver, err)
	}

	f.logger.Warn("Local cache backend unavailable, falling back to in-memory store. "+
		"Cached collections will not survive a restart.",
		zap.String("driver", f.cacheConfig.Driver),
		zap.Error(err),
	)
	return f.CreateInMemoryStore(), nil
}

// Close releases every backend opened by the factory.
func (f *LocalCacheFactory) Close() error {
	var firstErr error
	for _, closeFn := range f.closers {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	f.closers = nil
	return firstErr
}
