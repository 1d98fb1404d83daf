package metadata

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudkeep/versionstore/internal/core"
)

func TestValidating_CreateDataset_RejectsEmptyName(t *testing.T) {
	ctx := context.Background()
	v := NewValidating(NewMemoryStore(nil))

	_, err := v.CreateDataset(ctx, &core.Dataset{Tables: []string{"orders"}}, nil)
	var coreErr *core.Error
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, core.KindValidationError, coreErr.Kind)
}

func TestValidating_CreateDataset_RejectsNoTables(t *testing.T) {
	ctx := context.Background()
	v := NewValidating(NewMemoryStore(nil))

	_, err := v.CreateDataset(ctx, &core.Dataset{Name: "orders"}, nil)
	var coreErr *core.Error
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, core.KindValidationError, coreErr.Kind)
}

func TestValidating_CreateDataset_DefaultsContentType(t *testing.T) {
	ctx := context.Background()
	v := NewValidating(NewMemoryStore(nil))

	d, err := v.CreateDataset(ctx, &core.Dataset{Name: "orders", Tables: []string{"orders"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, core.ContentTypeJSON, d.ContentType)
}

func TestInstrumented_RecordsCalls(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	inst := NewInstrumented(NewMemoryStore(nil), reg)

	_, err := inst.CreateDataset(ctx, &core.Dataset{Name: "orders", Tables: []string{"orders"}}, nil)
	require.NoError(t, err)

	_, err = inst.CreateDataset(ctx, &core.Dataset{Name: "orders", Tables: []string{"orders"}}, nil)
	assert.Error(t, err)

	metricFamilies, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, metricFamilies)
}
