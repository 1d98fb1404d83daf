package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudkeep/versionstore/internal/core"
	"github.com/cloudkeep/versionstore/internal/infrastructure/lock"
	"github.com/cloudkeep/versionstore/internal/queue"
	"github.com/cloudkeep/versionstore/internal/storage/metadata"
)

func noopExtend(ctx context.Context) error { return nil }

func TestHandlers_Prepare_MovesToAwaitingEntries(t *testing.T) {
	ctx := context.Background()
	ms := metadata.NewMemoryStore(nil)
	q := queue.NewMemoryQueue(time.Minute, nil)

	ds, err := ms.CreateDataset(ctx, &core.Dataset{Name: "recs", Tables: []string{"items"}}, nil)
	require.NoError(t, err)
	v, err := ms.CreateVersion(ctx, &core.Version{Dataset: ds.Name, Status: core.StatusPreparing}, nil)
	require.NoError(t, err)

	h := newHandlers(ms, q, func(ctx context.Context, id string) error { return ms.ActivateVersion(ctx, id) }, "ops", nil, nil)
	require.NoError(t, h.prepare(ctx, core.MessageBody{VersionID: v.ID}, noopExtend))

	updated, err := ms.GetVersion(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusAwaitingEntries, updated.Status)
}

func TestHandlers_Publish_RevertsPreviousPublishedVersion(t *testing.T) {
	ctx := context.Background()
	ms := metadata.NewMemoryStore(nil)
	q := queue.NewMemoryQueue(time.Minute, nil)
	h := newHandlers(ms, q, func(ctx context.Context, id string) error { return ms.ActivateVersion(ctx, id) }, "ops", nil, nil)

	ds, err := ms.CreateDataset(ctx, &core.Dataset{Name: "recs", Tables: []string{"items"}}, nil)
	require.NoError(t, err)

	v1, err := ms.CreateVersion(ctx, &core.Version{Dataset: ds.Name, Status: core.StatusPreparing}, nil)
	require.NoError(t, err)
	advanceToSaved(t, ctx, ms, v1.ID)
	require.NoError(t, h.publish(ctx, core.MessageBody{VersionID: v1.ID}, noopExtend))

	got1, err := ms.GetVersion(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPublished, got1.Status)

	v2, err := ms.CreateVersion(ctx, &core.Version{Dataset: ds.Name, Status: core.StatusPreparing}, nil)
	require.NoError(t, err)
	advanceToSaved(t, ctx, ms, v2.ID)
	require.NoError(t, h.publish(ctx, core.MessageBody{VersionID: v2.ID}, noopExtend))

	got1Again, err := ms.GetVersion(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusSaved, got1Again.Status)

	got2, err := ms.GetVersion(ctx, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPublished, got2.Status)

	dataset, err := ms.GetDataset(ctx, ds.Name)
	require.NoError(t, err)
	require.NotNil(t, dataset.ActiveVersion)
	assert.Equal(t, v2.ID, *dataset.ActiveVersion)

	// Rollback: republishing v1 demotes v2 back to saved and reactivates v1.
	require.NoError(t, h.publish(ctx, core.MessageBody{VersionID: v1.ID}, noopExtend))

	got1Rolled, err := ms.GetVersion(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPublished, got1Rolled.Status)

	got2Rolled, err := ms.GetVersion(ctx, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusSaved, got2Rolled.Status)

	datasetAfter, err := ms.GetDataset(ctx, ds.Name)
	require.NoError(t, err)
	require.NotNil(t, datasetAfter.ActiveVersion)
	assert.Equal(t, v1.ID, *datasetAfter.ActiveVersion)
}

func TestHandlers_Publish_IdempotentOnRedelivery(t *testing.T) {
	ctx := context.Background()
	ms := metadata.NewMemoryStore(nil)
	q := queue.NewMemoryQueue(time.Minute, nil)
	h := newHandlers(ms, q, func(ctx context.Context, id string) error { return ms.ActivateVersion(ctx, id) }, "ops", nil, nil)

	ds, err := ms.CreateDataset(ctx, &core.Dataset{Name: "recs", Tables: []string{"items"}}, nil)
	require.NoError(t, err)
	v, err := ms.CreateVersion(ctx, &core.Version{Dataset: ds.Name, Status: core.StatusPreparing}, nil)
	require.NoError(t, err)
	advanceToSaved(t, ctx, ms, v.ID)

	require.NoError(t, h.publish(ctx, core.MessageBody{VersionID: v.ID}, noopExtend))
	// Simulated re-delivery after the target is already published: must not error.
	require.NoError(t, h.publish(ctx, core.MessageBody{VersionID: v.ID}, noopExtend))

	got, err := ms.GetVersion(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPublished, got.Status)
}

func TestHandlers_Discard_RecordsReason(t *testing.T) {
	ctx := context.Background()
	ms := metadata.NewMemoryStore(nil)
	q := queue.NewMemoryQueue(time.Minute, nil)
	h := newHandlers(ms, q, func(ctx context.Context, id string) error { return ms.ActivateVersion(ctx, id) }, "ops", nil, nil)

	ds, err := ms.CreateDataset(ctx, &core.Dataset{Name: "recs", Tables: []string{"items"}}, nil)
	require.NoError(t, err)
	v, err := ms.CreateVersion(ctx, &core.Version{Dataset: ds.Name, Status: core.StatusPreparing}, nil)
	require.NoError(t, err)

	require.NoError(t, h.discard(ctx, core.MessageBody{VersionID: v.ID, Reason: "operator cancelled"}, noopExtend))

	got, err := ms.GetVersion(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusDiscarded, got.Status)
}

func TestHandlers_VerifyData_EnqueuesSave(t *testing.T) {
	ctx := context.Background()
	ms := metadata.NewMemoryStore(nil)
	q := queue.NewMemoryQueue(time.Minute, nil)
	h := newHandlers(ms, q, func(ctx context.Context, id string) error { return ms.ActivateVersion(ctx, id) }, "ops", nil, nil)

	require.NoError(t, h.verifyData(ctx, core.MessageBody{VersionID: "v1"}, noopExtend))

	msg, err := q.ReserveNext(ctx, "ops", "worker-1")
	require.NoError(t, err)
	assert.Equal(t, "save", msg.Body.Action)
	assert.Equal(t, "v1", msg.Body.VersionID)
}

func TestHandlers_Publish_ReleasesDistributedLock(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locks := lock.NewLockManager(client, nil, nil)

	ms := metadata.NewMemoryStore(nil)
	q := queue.NewMemoryQueue(time.Minute, nil)
	h := newHandlers(ms, q, func(ctx context.Context, id string) error { return ms.ActivateVersion(ctx, id) }, "ops", locks, nil)

	ds, err := ms.CreateDataset(ctx, &core.Dataset{Name: "recs", Tables: []string{"items"}}, nil)
	require.NoError(t, err)
	v, err := ms.CreateVersion(ctx, &core.Version{Dataset: ds.Name, Status: core.StatusPreparing}, nil)
	require.NoError(t, err)
	advanceToSaved(t, ctx, ms, v.ID)

	require.NoError(t, h.publish(ctx, core.MessageBody{VersionID: v.ID}, noopExtend))

	got, err := ms.GetVersion(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPublished, got.Status)

	// The lock must have been released, not left held past the handler call.
	_, exists := locks.GetLock("publish:" + ds.Name)
	assert.False(t, exists)
}

func advanceToSaved(t *testing.T, ctx context.Context, ms core.MetadataStore, versionID string) {
	t.Helper()
	_, err := ms.UpdateStatus(ctx, versionID, core.StatusAwaitingEntries, nil)
	require.NoError(t, err)
	_, err = ms.UpdateStatus(ctx, versionID, core.StatusSaving, nil)
	require.NoError(t, err)
	_, err = ms.UpdateStatus(ctx, versionID, core.StatusSaved, nil)
	require.NoError(t, err)
}
