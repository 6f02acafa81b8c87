package record

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSyncError(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(ErrRemoteUnavailable, cause)

	assert.True(t, errors.Is(err, ErrRemoteUnavailable))
	assert.False(t, errors.Is(err, ErrNoResult))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "remote store unavailable: dial tcp: connection refused", err.Error())
	assert.Equal(t, CodeRemoteUnavailable, CodeOf(err))

	wrapped := fmt.Errorf("fetch: %w", err)
	assert.True(t, errors.Is(wrapped, ErrRemoteUnavailable))
	assert.Equal(t, CodeRemoteUnavailable, CodeOf(wrapped))

	assert.Equal(t, "", CodeOf(cause))
	assert.Equal(t, "local cache quota exceeded", ErrQuotaExceeded.Error())
}

func TestCollectionKey(t *testing.T) {
	key := NewCollectionKey(" gastos ", " Expense")
	assert.Equal(t, CollectionKey{Collection: "gastos", Type: "expense"}, key)
	assert.Equal(t, "sync:t1:gastos:expense", key.CacheKey("t1"))
	assert.Equal(t, "sync:_:gastos:expense", key.CacheKey(""))
	assert.Equal(t, "gastos/expense", key.String())
	assert.NoError(t, key.Validate())

	assert.True(t, errors.Is(CollectionKey{Type: "x"}.Validate(), ErrMalformedRecord))
	assert.True(t, errors.Is(CollectionKey{Collection: "x"}.Validate(), ErrMalformedRecord))
}

func TestCaller_WithDefaultTenant(t *testing.T) {
	assert.Equal(t, "t1", Caller{}.WithDefaultTenant("t1").TenantID)
	assert.Equal(t, "t2", Caller{TenantID: "t2"}.WithDefaultTenant("t1").TenantID)
}
