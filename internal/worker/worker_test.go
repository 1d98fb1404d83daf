package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudkeep/versionstore/internal/core"
	"github.com/cloudkeep/versionstore/internal/queue"
	"github.com/cloudkeep/versionstore/internal/storage/metadata"
)

func TestWorker_ProcessesPrepareMessage(t *testing.T) {
	ctx := context.Background()
	ms := metadata.NewMemoryStore(nil)
	q := queue.NewMemoryQueue(time.Minute, nil)

	ds, err := ms.CreateDataset(ctx, &core.Dataset{Name: "recs", Tables: []string{"items"}}, nil)
	require.NoError(t, err)
	v, err := ms.CreateVersion(ctx, &core.Version{Dataset: ds.Name, Status: core.StatusPreparing}, nil)
	require.NoError(t, err)
	_, err = q.Send(ctx, "ops", core.MessageBody{Action: "prepare", VersionID: v.ID})
	require.NoError(t, err)

	w := New(q, ms, ms.ActivateVersion, Config{Topic: "ops", PollInterval: 5 * time.Millisecond, LeaseTime: time.Minute}, nil)
	w.Start(ctx)
	defer w.Stop()

	require.Eventually(t, func() bool {
		got, err := ms.GetVersion(ctx, v.ID)
		return err == nil && got.Status == core.StatusAwaitingEntries
	}, time.Second, 5*time.Millisecond)
}

func TestWorker_UnknownActionLeftUnacked(t *testing.T) {
	ctx := context.Background()
	ms := metadata.NewMemoryStore(nil)
	q := queue.NewMemoryQueue(time.Minute, nil)

	id, err := q.Send(ctx, "ops", core.MessageBody{Action: "teleport", VersionID: "v1"})
	require.NoError(t, err)

	w := New(q, ms, ms.ActivateVersion, Config{Topic: "ops", PollInterval: 5 * time.Millisecond, LeaseTime: time.Minute}, nil)
	w.Start(ctx)

	time.Sleep(30 * time.Millisecond)
	w.Stop()

	msgs, err := q.List(ctx, core.ListFilter{Topic: "ops", Status: core.QueueStatusAll})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.False(t, msgs[0].Ack)
}

func TestWorker_DefaultsTopicFromOrchestrator(t *testing.T) {
	ms := metadata.NewMemoryStore(nil)
	q := queue.NewMemoryQueue(time.Minute, nil)
	w := New(q, ms, ms.ActivateVersion, Config{PollInterval: time.Second, LeaseTime: time.Minute}, nil)
	assert.Equal(t, "operations", w.topic)
}
