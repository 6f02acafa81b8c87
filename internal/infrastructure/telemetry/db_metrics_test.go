package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type testDocument struct {
	ID      string `gorm:"primaryKey"`
	Payload string
}

func setupTestDB(t *testing.T, plugins ...gorm.Plugin) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&testDocument{}))
	for _, p := range plugins {
		require.NoError(t, db.Use(p))
	}

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func TestDefaultDBMetricsConfig(t *testing.T) {
	cfg := DefaultDBMetricsConfig()

	assert.True(t, cfg.Enabled)
	assert.Equal(t, 200*time.Millisecond, cfg.SlowQueryThreshold)
	assert.Equal(t, 15*time.Second, cfg.PoolStatsInterval)
}

func TestNewDBMetrics_AppliesDefaults(t *testing.T) {
	_, provider := newManualMeter(t)

	m, err := NewDBMetrics(provider.Meter("test"), DBMetricsConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, m.config.SlowQueryThreshold)
	assert.Equal(t, 15*time.Second, m.config.PoolStatsInterval)
	assert.NotNil(t, m.logger)
}

func TestDBMetrics_RecordQuery(t *testing.T) {
	reader, provider := newManualMeter(t)
	ctx := context.Background()

	m, err := NewDBMetrics(provider.Meter("test"), DBMetricsConfig{SlowQueryThreshold: 100 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)

	m.RecordQuery(ctx, "select", "sync_documents", 10*time.Millisecond, nil)
	m.RecordQuery(ctx, "INSERT", "sync_documents", 250*time.Millisecond, assert.AnError)
	m.RecordQuery(ctx, "", "", time.Millisecond, gorm.ErrRecordNotFound)

	rm := collect(t, reader)
	assert.Equal(t, int64(1), counterValue(t, rm, "db_query_total", AttrDBOperation.String("SELECT")))
	assert.Equal(t, int64(1), counterValue(t, rm, "db_query_total", AttrDBOperation.String("UNKNOWN"), AttrDBTable.String("unknown")))
	assert.Equal(t, int64(1), counterValue(t, rm, "db_query_errors_total"))
	assert.Equal(t, int64(1), counterValue(t, rm, "db_slow_query_total", AttrDBTable.String("sync_documents")))
	assert.True(t, findMetric(rm, "db_query_duration_seconds"))
}

func TestDBMetricsPlugin_RecordsStatements(t *testing.T) {
	reader, provider := newManualMeter(t)
	m, err := NewDBMetrics(provider.Meter("db.client"), DefaultDBMetricsConfig(), zap.NewNop())
	require.NoError(t, err)

	plugin := NewDBMetricsPlugin(m, zap.NewNop())
	assert.Equal(t, "fleetsync:db_metrics", plugin.Name())
	db := setupTestDB(t, plugin)

	require.NoError(t, db.Create(&testDocument{ID: "a", Payload: "{}"}).Error)
	var got testDocument
	require.NoError(t, db.First(&got, "id = ?", "a").Error)
	require.NoError(t, db.Exec("DELETE FROM test_documents WHERE id = ?", "a").Error)

	rm := collect(t, reader)
	assert.Equal(t, int64(1), counterValue(t, rm, "db_query_total", AttrDBOperation.String("INSERT")))
	assert.Equal(t, int64(1), counterValue(t, rm, "db_query_total", AttrDBOperation.String("SELECT")))
	assert.Equal(t, int64(1), counterValue(t, rm, "db_query_total", AttrDBOperation.String("DELETE")))
}

func TestDBMetrics_PoolStats(t *testing.T) {
	reader, provider := newManualMeter(t)
	m, err := NewDBMetrics(provider.Meter("db.client"), DBMetricsConfig{PoolStatsInterval: time.Hour}, zap.NewNop())
	require.NoError(t, err)

	// no pool yet: ticks are skipped
	m.StartPoolStatsCollection(context.Background())
	rm := collect(t, reader)
	assert.False(t, findMetric(rm, "db_pool_connections_max"))
	m.Stop()
	m.Stop()

	db := setupTestDB(t, NewDBMetricsPlugin(m, nil))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(3)

	m.collectPoolStats(context.Background())
	rm = collect(t, reader)
	assert.True(t, findMetric(rm, "db_pool_connections_max"))
	assert.True(t, findMetric(rm, "db_pool_connections"))
}

func TestDetectOperationType(t *testing.T) {
	tests := map[string]string{
		"  select 1":                "SELECT",
		"INSERT INTO t VALUES (1)":  "INSERT",
		"update t set a = 1":        "UPDATE",
		"DELETE FROM t":             "DELETE",
		"CREATE INDEX idx ON t (a)": "OTHER",
	}
	for sql, want := range tests {
		assert.Equal(t, want, detectOperationType(sql), sql)
	}
}
