package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/erp/fleetsync/internal/domain/record"
)

// cacheEntryModel is the GORM model for one cached collection blob.
type cacheEntryModel struct {
	CacheKey  string    `gorm:"column:cache_key;primaryKey;size:255"`
	Data      []byte    `gorm:"column:data;not null"`
	Version   int64     `gorm:"column:version;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName returns the table name for GORM
func (cacheEntryModel) TableName() string {
	return "sync_cache_entries"
}

// SQLiteStore implements record.LocalCache on a GORM database, normally an
// on-device SQLite file. Versions are checked inside a transaction.
type SQLiteStore struct {
	db     *gorm.DB
	quota  int
	logger *zap.Logger
	now    func() time.Time
	counters
}

// SQLiteStoreOption is a functional option for configuring the store
type SQLiteStoreOption func(*SQLiteStore)

// WithSQLiteQuota sets the per-entry byte quota. Zero or less disables it.
func WithSQLiteQuota(bytes int) SQLiteStoreOption {
	return func(s *SQLiteStore) {
		s.quota = bytes
	}
}

// WithSQLiteLogger sets the logger for the store
func WithSQLiteLogger(logger *zap.Logger) SQLiteStoreOption {
	return func(s *SQLiteStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSQLiteStore creates the store and ensures its table exists.
func NewSQLiteStore(db *gorm.DB, opts ...SQLiteStoreOption) (*SQLiteStore, error) {
	s := &SQLiteStore{
		db:     db,
		quota:  DefaultQuotaBytes,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := db.AutoMigrate(&cacheEntryModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate cache table: %w", err)
	}
	return s, nil
}

// Get returns the entry for key, or nil when absent.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*record.CacheEntry, error) {
	var row cacheEntryModel
	err := s.db.WithContext(ctx).Where("cache_key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		atomic.AddInt64(&s.misses, 1)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry %s: %w", key, err)
	}
	atomic.AddInt64(&s.hits, 1)
	return &record.CacheEntry{
		Key:       row.CacheKey,
		Data:      row.Data,
		Version:   row.Version,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

// Set stores data under key when expectedVersion matches.
func (s *SQLiteStore) Set(ctx context.Context, key string, data []byte, expectedVersion int64) (int64, error) {
	if s.quota > 0 && len(data) > s.quota {
		atomic.AddInt64(&s.rejected, 1)
		return 0, record.ErrQuotaExceeded
	}

	var next int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row cacheEntryModel
		err := tx.Where("cache_key = ?", key).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if expectedVersion != record.AnyVersion && expectedVersion != 0 {
				return record.ErrWriteConflict
			}
			next = 1
			err := tx.Create(&cacheEntryModel{
				CacheKey:  key,
				Data:      data,
				Version:   next,
				UpdatedAt: s.now(),
			}).Error
			if isDuplicateKey(err) {
				// another writer created the entry first
				return record.ErrWriteConflict
			}
			return err
		}
		if err != nil {
			return err
		}
		if expectedVersion != record.AnyVersion && expectedVersion != row.Version {
			return record.ErrWriteConflict
		}

		next = row.Version + 1
		res := tx.Model(&cacheEntryModel{}).
			Where("cache_key = ? AND version = ?", key, row.Version).
			Updates(map[string]any{
				"data":       data,
				"version":    next,
				"updated_at": s.now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return record.ErrWriteConflict
		}
		return nil
	})

	switch {
	case err == nil:
		atomic.AddInt64(&s.writes, 1)
		return next, nil
	case errors.Is(err, record.ErrWriteConflict):
		atomic.AddInt64(&s.conflicts, 1)
		s.logger.Debug("Cache version mismatch",
			zap.String("key", key),
			zap.Int64("expected", expectedVersion))
		return 0, record.ErrWriteConflict
	default:
		return 0, fmt.Errorf("failed to write cache entry %s: %w", key, err)
	}
}

// isDuplicateKey reports a primary key violation. Handles that were opened
// without TranslateError only carry the driver message.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Delete removes key. Deleting an absent key is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("cache_key = ?", key).Delete(&cacheEntryModel{}).Error; err != nil {
		return fmt.Errorf("failed to delete cache entry %s: %w", key, err)
	}
	return nil
}

// Stats returns the operation counters.
func (s *SQLiteStore) Stats() Stats {
	return s.counters.stats()
}

var _ record.LocalCache = (*SQLiteStore)(nil)
