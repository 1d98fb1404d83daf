package metadata

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloudkeep/versionstore/internal/core"
)

// Validating wraps a core.MetadataStore and rejects malformed records
// before they reach the backend: empty names, a content-type other than
// application/json, and a zero-length table list. Both the in-memory and
// PostgreSQL backends are meant to sit behind this decorator rather than
// duplicate the checks themselves.
type Validating struct {
	next core.MetadataStore
}

// NewValidating wraps next with dataset/version schema checks.
func NewValidating(next core.MetadataStore) *Validating {
	return &Validating{next: next}
}

func (v *Validating) CreateDataset(ctx context.Context, d *core.Dataset, audit map[string]any) (*core.Dataset, error) {
	if d.Name == "" {
		return nil, core.NewValidationError("name", "dataset name must not be empty")
	}
	if d.ContentType == "" {
		d.ContentType = core.ContentTypeJSON
	}
	if d.ContentType != core.ContentTypeJSON {
		return nil, core.NewValidationError("content_type", "unsupported content type: "+string(d.ContentType))
	}
	if len(d.Tables) == 0 {
		return nil, core.NewValidationError("tables", "dataset must declare at least one table")
	}
	seen := make(map[string]bool, len(d.Tables))
	for _, t := range d.Tables {
		if seen[t] {
			return nil, core.NewValidationError("tables", "duplicate table name: "+t)
		}
		seen[t] = true
	}
	return v.next.CreateDataset(ctx, d, audit)
}

func (v *Validating) GetDataset(ctx context.Context, name string) (*core.Dataset, error) {
	return v.next.GetDataset(ctx, name)
}

func (v *Validating) ListDatasets(ctx context.Context) ([]*core.Dataset, error) {
	return v.next.ListDatasets(ctx)
}

func (v *Validating) CreateVersion(ctx context.Context, ver *core.Version, audit map[string]any) (*core.Version, error) {
	if ver.Dataset == "" {
		return nil, core.NewValidationError("dataset", "version must name a dataset")
	}
	return v.next.CreateVersion(ctx, ver, audit)
}

func (v *Validating) ListVersionsByDataset(ctx context.Context, dataset string) ([]*core.Version, error) {
	return v.next.ListVersionsByDataset(ctx, dataset)
}

func (v *Validating) ListAllVersions(ctx context.Context) ([]*core.Version, error) {
	return v.next.ListAllVersions(ctx)
}

func (v *Validating) GetVersion(ctx context.Context, id string) (*core.Version, error) {
	return v.next.GetVersion(ctx, id)
}

func (v *Validating) UpdateStatus(ctx context.Context, versionID string, target core.VersionStatus, audit map[string]any) (*core.Version, error) {
	return v.next.UpdateStatus(ctx, versionID, target, audit)
}

func (v *Validating) ActivateVersion(ctx context.Context, versionID string) error {
	return v.next.ActivateVersion(ctx, versionID)
}

func (v *Validating) Ping(ctx context.Context) error {
	return v.next.Ping(ctx)
}

// Instrumented wraps a core.MetadataStore and records call counts and
// latencies as Prometheus metrics, mirroring the database pool's own
// metrics wrapper in internal/database/postgres.
type Instrumented struct {
	next     core.MetadataStore
	calls    *prometheus.CounterVec
	failures *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewInstrumented registers its metrics on reg and wraps next. reg may be
// prometheus.DefaultRegisterer.
func NewInstrumented(next core.MetadataStore, reg prometheus.Registerer) *Instrumented {
	i := &Instrumented{
		next: next,
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "versionstore_metadata_calls_total",
			Help: "Total metadata store calls by operation.",
		}, []string{"operation"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "versionstore_metadata_failures_total",
			Help: "Total failed metadata store calls by operation.",
		}, []string{"operation"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "versionstore_metadata_call_duration_seconds",
			Help:    "Metadata store call latency by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	if reg != nil {
		reg.MustRegister(i.calls, i.failures, i.latency)
	}
	return i
}

func (i *Instrumented) observe(op string, start time.Time, err error) {
	i.calls.WithLabelValues(op).Inc()
	i.latency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		i.failures.WithLabelValues(op).Inc()
	}
}

func (i *Instrumented) CreateDataset(ctx context.Context, d *core.Dataset, audit map[string]any) (*core.Dataset, error) {
	start := time.Now()
	out, err := i.next.CreateDataset(ctx, d, audit)
	i.observe("create_dataset", start, err)
	return out, err
}

func (i *Instrumented) GetDataset(ctx context.Context, name string) (*core.Dataset, error) {
	start := time.Now()
	out, err := i.next.GetDataset(ctx, name)
	i.observe("get_dataset", start, err)
	return out, err
}

func (i *Instrumented) ListDatasets(ctx context.Context) ([]*core.Dataset, error) {
	start := time.Now()
	out, err := i.next.ListDatasets(ctx)
	i.observe("list_datasets", start, err)
	return out, err
}

func (i *Instrumented) CreateVersion(ctx context.Context, ver *core.Version, audit map[string]any) (*core.Version, error) {
	start := time.Now()
	out, err := i.next.CreateVersion(ctx, ver, audit)
	i.observe("create_version", start, err)
	return out, err
}

func (i *Instrumented) ListVersionsByDataset(ctx context.Context, dataset string) ([]*core.Version, error) {
	start := time.Now()
	out, err := i.next.ListVersionsByDataset(ctx, dataset)
	i.observe("list_versions_by_dataset", start, err)
	return out, err
}

func (i *Instrumented) ListAllVersions(ctx context.Context) ([]*core.Version, error) {
	start := time.Now()
	out, err := i.next.ListAllVersions(ctx)
	i.observe("list_all_versions", start, err)
	return out, err
}

func (i *Instrumented) GetVersion(ctx context.Context, id string) (*core.Version, error) {
	start := time.Now()
	out, err := i.next.GetVersion(ctx, id)
	i.observe("get_version", start, err)
	return out, err
}

func (i *Instrumented) UpdateStatus(ctx context.Context, versionID string, target core.VersionStatus, audit map[string]any) (*core.Version, error) {
	start := time.Now()
	out, err := i.next.UpdateStatus(ctx, versionID, target, audit)
	i.observe("update_status", start, err)
	return out, err
}

func (i *Instrumented) ActivateVersion(ctx context.Context, versionID string) error {
	start := time.Now()
	err := i.next.ActivateVersion(ctx, versionID)
	i.observe("activate_version", start, err)
	return err
}

func (i *Instrumented) Ping(ctx context.Context) error {
	start := time.Now()
	err := i.next.Ping(ctx)
	i.observe("ping", start, err)
	return err
}
