package kv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudkeep/versionstore/internal/core"
)

func TestMemoryStore_PutOneGetOne(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	key := core.CompositeKey{Dataset: "orders", Version: "v1", Table: "orders", Key: "42"}

	value, found, err := store.GetOne(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, value)

	require.NoError(t, store.PutOne(ctx, key, []byte(`{"id":42}`)))

	value, found, err = store.GetOne(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `{"id":42}`, string(value))
}

func TestMemoryStore_PutManyGetMany(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)

	k1 := core.CompositeKey{Dataset: "orders", Version: "v1", Table: "orders", Key: "1"}
	k2 := core.CompositeKey{Dataset: "orders", Version: "v1", Table: "orders", Key: "2"}
	kMiss := core.CompositeKey{Dataset: "orders", Version: "v1", Table: "orders", Key: "3"}

	require.NoError(t, store.PutMany(ctx, map[core.CompositeKey][]byte{
		k1: []byte("one"),
		k2: []byte("two"),
	}))

	results, err := store.GetMany(ctx, []core.CompositeKey{k1, k2, kMiss})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[k1].Found)
	assert.Equal(t, "one", string(results[k1].Value))
	assert.True(t, results[k2].Found)
	assert.False(t, results[kMiss].Found)
}

func TestMemoryStore_PutOne_OverwritesReturnsIndependentCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	key := core.CompositeKey{Dataset: "orders", Version: "v1", Table: "orders", Key: "1"}

	original := []byte("one")
	require.NoError(t, store.PutOne(ctx, key, original))
	original[0] = 'X'

	value, found, err := store.GetOne(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "one", string(value))
}
