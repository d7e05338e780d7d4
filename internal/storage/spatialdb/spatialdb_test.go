package spatialdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheTableName(t *testing.T) {
	table, err := CacheTableName("550e8400-e29b-41d4-a716-446655440000")
	require.NoError(t, err)
	assert.Equal(t, "cache_550e8400e29b41d4a716446655440000", table)
}

func TestCacheTableName_InvalidID(t *testing.T) {
	_, err := CacheTableName("not-a-uuid")
	assert.Error(t, err)
}
