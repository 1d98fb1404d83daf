// Package metadata provides metadata-store implementations of
// core.MetadataStore: an in-memory reference backend and a PostgreSQL
// document-store backend, both wrapped by the validation and metrics
// decorators in this package.
package metadata

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloudkeep/versionstore/internal/core"
)

// MemoryStore implements core.MetadataStore with a mutex-guarded map.
// Thread-safe for concurrent use. Data is NOT persisted across restarts —
// intended as the reference implementation and for tests.
type MemoryStore struct {
	mu       sync.Mutex
	datasets map[string]*core.Dataset
	versions map[string]*core.Version
	logger   *slog.Logger
}

// NewMemoryStore creates an in-memory metadata store.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		datasets: make(map[string]*core.Dataset),
		versions: make(map[string]*core.Version),
		logger:   logger,
	}
}

func cloneDataset(d *core.Dataset) *core.Dataset {
	cp := *d
	cp.Tables = append([]string(nil), d.Tables...)
	cp.OperationLog = append([]core.AuditRecord(nil), d.OperationLog...)
	if d.ActiveVersion != nil {
		v := *d.ActiveVersion
		cp.ActiveVersion = &v
	}
	return &cp
}

func cloneVersion(v *core.Version) *core.Version {
	cp := *v
	cp.OperationLog = append([]core.AuditRecord(nil), v.OperationLog...)
	return &cp
}

func appendAudit(log []core.AuditRecord, action string, audit map[string]any) []core.AuditRecord {
	rec := core.AuditRecord{Action: action, Timestamp: time.Now().UTC()}
	if len(audit) > 0 {
		rec.Extra = make(map[string]any, len(audit))
		for k, v := range audit {
			rec.Extra[k] = v
		}
	}
	return append(log, rec)
}

// CreateDataset implements core.MetadataStore.
func (m *MemoryStore) CreateDataset(ctx context.Context, d *core.Dataset, audit map[string]any) (*core.Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.datasets[d.Name]; exists {
		return nil, core.NewConflictError("dataset already exists: " + d.Name)
	}

	cp := cloneDataset(d)
	cp.OperationLog = appendAudit(nil, "created", audit)
	cp.Version = 1
	m.datasets[d.Name] = cp

	m.logger.Debug("dataset created", "dataset", d.Name)
	return cloneDataset(cp), nil
}

// GetDataset implements core.MetadataStore.
func (m *MemoryStore) GetDataset(ctx context.Context, name string) (*core.Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.datasets[name]
	if !ok {
		return nil, nil
	}
	return cloneDataset(d), nil
}

// ListDatasets implements core.MetadataStore.
func (m *MemoryStore) ListDatasets(ctx context.Context) ([]*core.Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*core.Dataset, 0, len(m.datasets))
	for _, d := range m.datasets {
		out = append(out, cloneDataset(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateVersion implements core.MetadataStore.
func (m *MemoryStore) CreateVersion(ctx context.Context, v *core.Version, audit map[string]any) (*core.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.datasets[v.Dataset]; !ok {
		return nil, core.NewNotFoundError("dataset-not-found", "dataset does not exist: "+v.Dataset)
	}

	cp := cloneVersion(v)
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.Status = core.StatusPreparing
	cp.OperationLog = appendAudit(nil, "created", audit)
	cp.Version = 1
	m.versions[cp.ID] = cp

	m.logger.Debug("version created", "version", cp.ID, "dataset", cp.Dataset)
	return cloneVersion(cp), nil
}

// ListVersionsByDataset implements core.MetadataStore.
func (m *MemoryStore) ListVersionsByDataset(ctx context.Context, dataset string) ([]*core.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*core.Version
	for _, v := range m.versions {
		if v.Dataset == dataset {
			out = append(out, cloneVersion(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListAllVersions implements core.MetadataStore.
func (m *MemoryStore) ListAllVersions(ctx context.Context) ([]*core.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*core.Version, 0, len(m.versions))
	for _, v := range m.versions {
		out = append(out, cloneVersion(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetVersion implements core.MetadataStore.
func (m *MemoryStore) GetVersion(ctx context.Context, id string) (*core.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.versions[id]
	if !ok {
		return nil, nil
	}
	return cloneVersion(v), nil
}

// UpdateStatus implements core.MetadataStore. The in-memory backend holds a
// single mutex for the whole store, so the CAS-counter discipline remote
// backends need collapses to ordinary mutual exclusion here — the counter
// is still bumped so callers relying on Version cannot tell the difference
// between backends.
func (m *MemoryStore) UpdateStatus(ctx context.Context, versionID string, target core.VersionStatus, audit map[string]any) (*core.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.versions[versionID]
	if !ok {
		return nil, core.NewNotFoundError("version-not-found", "version does not exist: "+versionID)
	}
	if !core.CanTransition(v.Status, target) {
		// A racer that lost the update to a concurrent caller observes the
		// version already sitting at target under this same lock — that is
		// a lost CAS, not a request for a transition that was never valid,
		// and must be reported as Conflict the way metadata/postgres.go's
		// RowsAffected()==0 branch does.
		if v.Status == target {
			return nil, core.NewConflictError("version was concurrently transitioned to " + string(target) + ": " + versionID)
		}
		return nil, core.NewValidationError("invalid-transition",
			"cannot transition from "+string(v.Status)+" to "+string(target))
	}

	v.Status = target
	v.OperationLog = appendAudit(v.OperationLog, string(target), audit)
	v.Version++

	m.logger.Debug("version status updated", "version", versionID, "status", target)
	return cloneVersion(v), nil
}

// ActivateVersion implements core.MetadataStore.
func (m *MemoryStore) ActivateVersion(ctx context.Context, versionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.versions[versionID]
	if !ok {
		return core.NewNotFoundError("version-not-found", "version does not exist: "+versionID)
	}
	if v.Status != core.StatusPublished {
		return core.NewValidationError("invalid-version-state", "version is not published: "+versionID)
	}

	d, ok := m.datasets[v.Dataset]
	if !ok {
		return core.NewNotFoundError("dataset-not-found", "dataset does not exist: "+v.Dataset)
	}
	id := v.ID
	d.ActiveVersion = &id
	d.Version++

	return nil
}

// Ping implements core.MetadataStore.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
