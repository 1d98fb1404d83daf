package metadata

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudkeep/versionstore/internal/core"
)

func TestMemoryStore_CreateDataset(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)

	d := &core.Dataset{Name: "orders", Tables: []string{"orders"}, ContentType: core.ContentTypeJSON}
	created, err := store.CreateDataset(ctx, d, map[string]any{"actor": "test"})
	require.NoError(t, err)
	assert.Equal(t, "orders", created.Name)
	assert.Equal(t, int64(1), created.Version)
	assert.Len(t, created.OperationLog, 1)

	_, err = store.CreateDataset(ctx, d, nil)
	var coreErr *core.Error
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, core.KindConflict, coreErr.Kind)
}

func TestMemoryStore_GetDataset_Miss(t *testing.T) {
	store := NewMemoryStore(nil)
	d, err := store.GetDataset(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestMemoryStore_CreateVersion_RequiresDataset(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)

	_, err := store.CreateVersion(ctx, &core.Version{Dataset: "missing"}, nil)
	var coreErr *core.Error
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, core.KindNotFound, coreErr.Kind)
}

func TestMemoryStore_VersionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)

	_, err := store.CreateDataset(ctx, &core.Dataset{Name: "orders", Tables: []string{"orders"}}, nil)
	require.NoError(t, err)

	v, err := store.CreateVersion(ctx, &core.Version{Dataset: "orders"}, nil)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPreparing, v.Status)
	assert.NotEmpty(t, v.ID)

	v, err = store.UpdateStatus(ctx, v.ID, core.StatusAwaitingEntries, nil)
	require.NoError(t, err)
	assert.Equal(t, core.StatusAwaitingEntries, v.Status)
	assert.Equal(t, int64(2), v.Version)

	_, err = store.UpdateStatus(ctx, v.ID, core.StatusPublished, nil)
	var coreErr *core.Error
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, core.KindValidationError, coreErr.Kind)
}

func TestMemoryStore_ActivateVersion_RequiresPublished(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)

	_, err := store.CreateDataset(ctx, &core.Dataset{Name: "orders", Tables: []string{"orders"}}, nil)
	require.NoError(t, err)
	v, err := store.CreateVersion(ctx, &core.Version{Dataset: "orders"}, nil)
	require.NoError(t, err)

	err = store.ActivateVersion(ctx, v.ID)
	var coreErr *core.Error
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, core.KindValidationError, coreErr.Kind)

	for _, status := range []core.VersionStatus{core.StatusAwaitingEntries, core.StatusSaving, core.StatusSaved, core.StatusPublishing, core.StatusPublished} {
		_, err = store.UpdateStatus(ctx, v.ID, status, nil)
		require.NoError(t, err)
	}

	require.NoError(t, store.ActivateVersion(ctx, v.ID))
	d, err := store.GetDataset(ctx, "orders")
	require.NoError(t, err)
	require.NotNil(t, d.ActiveVersion)
	assert.Equal(t, v.ID, *d.ActiveVersion)
}

func TestMemoryStore_ListVersionsByDataset(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)

	_, err := store.CreateDataset(ctx, &core.Dataset{Name: "orders", Tables: []string{"orders"}}, nil)
	require.NoError(t, err)
	_, err = store.CreateDataset(ctx, &core.Dataset{Name: "shipments", Tables: []string{"shipments"}}, nil)
	require.NoError(t, err)

	_, err = store.CreateVersion(ctx, &core.Version{Dataset: "orders"}, nil)
	require.NoError(t, err)
	_, err = store.CreateVersion(ctx, &core.Version{Dataset: "orders"}, nil)
	require.NoError(t, err)
	_, err = store.CreateVersion(ctx, &core.Version{Dataset: "shipments"}, nil)
	require.NoError(t, err)

	versions, err := store.ListVersionsByDataset(ctx, "orders")
	require.NoError(t, err)
	assert.Len(t, versions, 2)

	all, err := store.ListAllVersions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
