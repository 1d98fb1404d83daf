package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudkeep/versionstore/internal/core"
)

func TestMemoryQueue_SendAndReserve(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(time.Minute, nil)

	id, err := q.Send(ctx, "publish-operations", core.MessageBody{Action: "publish", VersionID: "v1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msg, err := q.ReserveNext(ctx, "publish-operations", "worker-1")
	require.NoError(t, err)
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, "worker-1", msg.PID)

	_, err = q.ReserveNext(ctx, "publish-operations", "worker-2")
	assert.ErrorIs(t, err, core.ErrNoMessage)
}

func TestMemoryQueue_SendWithID_Idempotent(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(time.Minute, nil)

	require.NoError(t, q.SendWithID(ctx, "topic", "fixed-id", core.MessageBody{Action: "publish"}))
	require.NoError(t, q.SendWithID(ctx, "topic", "fixed-id", core.MessageBody{Action: "publish"}))

	msgs, err := q.List(ctx, core.ListFilter{Topic: "topic"})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestMemoryQueue_Acknowledge_WrongOwner(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(time.Minute, nil)

	id, err := q.Send(ctx, "topic", core.MessageBody{Action: "publish"})
	require.NoError(t, err)
	_, err = q.ReserveNext(ctx, "topic", "worker-1")
	require.NoError(t, err)

	err = q.Acknowledge(ctx, id, "worker-2")
	assert.ErrorIs(t, err, core.ErrWrongOwner)

	require.NoError(t, q.Acknowledge(ctx, id, "worker-1"))
}

func TestMemoryQueue_Acknowledge_AlreadyAcknowledgedShortCircuits(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(time.Minute, nil)

	id, err := q.Send(ctx, "topic", core.MessageBody{Action: "publish"})
	require.NoError(t, err)
	_, err = q.ReserveNext(ctx, "topic", "worker-1")
	require.NoError(t, err)
	require.NoError(t, q.Acknowledge(ctx, id, "worker-1"))

	// A second caller with a different pid still succeeds: acknowledge
	// short-circuits on the already-ack'd message before the owner check.
	err = q.Acknowledge(ctx, id, "anyone-else")
	assert.NoError(t, err)
}

func TestMemoryQueue_ExtendLease_AfterExpiry(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(10*time.Millisecond, nil)

	id, err := q.Send(ctx, "topic", core.MessageBody{Action: "publish"})
	require.NoError(t, err)
	_, err = q.ReserveNext(ctx, "topic", "worker-1")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	err = q.ExtendLease(ctx, id, "worker-1", time.Minute)
	assert.ErrorIs(t, err, core.ErrLeaseExpired)

	// A second worker can now reserve the expired message.
	msg, err := q.ReserveNext(ctx, "topic", "worker-2")
	require.NoError(t, err)
	assert.Equal(t, id, msg.ID)
}

func TestMemoryQueue_ExtendLease_AfterAck(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(time.Minute, nil)

	id, err := q.Send(ctx, "topic", core.MessageBody{Action: "publish"})
	require.NoError(t, err)
	_, err = q.ReserveNext(ctx, "topic", "worker-1")
	require.NoError(t, err)
	require.NoError(t, q.Acknowledge(ctx, id, "worker-1"))

	err = q.ExtendLease(ctx, id, "worker-1", time.Minute)
	assert.True(t, errors.Is(err, core.ErrAlreadyAcknowledged))
}

func TestMemoryQueue_List_FiltersByStatus(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(time.Minute, nil)

	idReserved, err := q.Send(ctx, "topic", core.MessageBody{Action: "publish"})
	require.NoError(t, err)
	idNew, err := q.Send(ctx, "topic", core.MessageBody{Action: "publish"})
	require.NoError(t, err)
	reserved1, err := q.ReserveNext(ctx, "topic", "worker-1")
	require.NoError(t, err)
	require.Equal(t, idReserved, reserved1.ID)

	newMsgs, err := q.List(ctx, core.ListFilter{Topic: "topic", Status: core.QueueStatusNew})
	require.NoError(t, err)
	require.Len(t, newMsgs, 1)
	assert.Equal(t, idNew, newMsgs[0].ID)

	reserved, err := q.List(ctx, core.ListFilter{Topic: "topic", Status: core.QueueStatusReserved})
	require.NoError(t, err)
	require.Len(t, reserved, 1)
	assert.Equal(t, idReserved, reserved[0].ID)
}
