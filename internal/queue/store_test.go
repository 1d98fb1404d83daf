package queue

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudkeep/versionstore/internal/core"
)

func TestValidating_Send_RejectsUnknownAction(t *testing.T) {
	ctx := context.Background()
	v := NewValidating(NewMemoryQueue(time.Minute, nil))

	_, err := v.Send(ctx, "publish-operations", core.MessageBody{Action: "teleport", VersionID: "v1"})
	var coreErr *core.Error
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, core.KindValidationError, coreErr.Kind)
}

func TestValidating_Send_RejectsMissingVersionID(t *testing.T) {
	ctx := context.Background()
	v := NewValidating(NewMemoryQueue(time.Minute, nil))

	_, err := v.Send(ctx, "publish-operations", core.MessageBody{Action: "publish"})
	var coreErr *core.Error
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, core.KindValidationError, coreErr.Kind)
}

func TestValidating_Send_AcceptsValidMessage(t *testing.T) {
	ctx := context.Background()
	v := NewValidating(NewMemoryQueue(time.Minute, nil))

	id, err := v.Send(ctx, "publish-operations", core.MessageBody{Action: "publish", VersionID: "v1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestInstrumented_ReserveNext_NoMessageIsNotCountedAsFailure(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	inst := NewInstrumented(NewMemoryQueue(time.Minute, nil), reg)

	_, err := inst.ReserveNext(ctx, "publish-operations", "worker-1")
	assert.ErrorIs(t, err, core.ErrNoMessage)

	metricFamilies, err := reg.Gather()
	require.NoError(t, err)
	found := false
	for _, mf := range metricFamilies {
		if mf.GetName() == "versionstore_queue_failures_total" {
			for _, m := range mf.GetMetric() {
				found = found || m.GetCounter().GetValue() > 0
			}
		}
	}
	assert.False(t, found, "ErrNoMessage should not be recorded as a failure")
}
