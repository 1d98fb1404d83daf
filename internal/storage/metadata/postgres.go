package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cloudkeep/versionstore/internal/core"
	"github.com/cloudkeep/versionstore/internal/database/postgres"
)

// PostgresStore implements core.MetadataStore as a document store on top
// of PostgreSQL: each dataset/version record is one row holding a jsonb
// document plus an integer CAS counter.
// Concurrency is enforced with `UPDATE ... WHERE version = $n`, exactly
// the conditional-write discipline the contract requires.
type PostgresStore struct {
	db     postgres.DatabaseConnection
	logger *slog.Logger
}

// NewPostgresStore creates a metadata store backed by an already-connected
// pool. Call Migrate once at startup to create the schema.
func NewPostgresStore(db postgres.DatabaseConnection, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

// Migrate creates the datasets/versions tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS datasets (
	name     TEXT PRIMARY KEY,
	document JSONB NOT NULL,
	version  BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS versions (
	id       TEXT PRIMARY KEY,
	dataset  TEXT NOT NULL REFERENCES datasets(name),
	document JSONB NOT NULL,
	version  BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS versions_dataset_idx ON versions(dataset);
`
	_, err := s.db.Exec(ctx, ddl)
	if err != nil {
		return core.WrapInternal("failed to migrate metadata schema", err)
	}
	return nil
}

type datasetDoc struct {
	Tables         []string            `json:"tables"`
	ContentType    core.ContentType    `json:"content_type"`
	EvictionPolicy core.EvictionPolicy `json:"eviction_policy"`
	ActiveVersion  *string             `json:"active_version"`
	OperationLog   []core.AuditRecord  `json:"operation_log"`
}

type versionDoc struct {
	Label              string             `json:"label,omitempty"`
	Status             core.VersionStatus `json:"status"`
	VerificationPolicy map[string]any     `json:"verification_policy,omitempty"`
	OperationLog       []core.AuditRecord `json:"operation_log"`
}

func toDatasetDoc(d *core.Dataset) datasetDoc {
	return datasetDoc{
		Tables:         d.Tables,
		ContentType:    d.ContentType,
		EvictionPolicy: d.EvictionPolicy,
		ActiveVersion:  d.ActiveVersion,
		OperationLog:   d.OperationLog,
	}
}

func fromDatasetDoc(name string, doc datasetDoc, ver int64) *core.Dataset {
	return &core.Dataset{
		Name:           name,
		Tables:         doc.Tables,
		ContentType:    doc.ContentType,
		EvictionPolicy: doc.EvictionPolicy,
		ActiveVersion:  doc.ActiveVersion,
		OperationLog:   doc.OperationLog,
		Version:        ver,
	}
}

func toVersionDoc(v *core.Version) versionDoc {
	return versionDoc{
		Label:              v.Label,
		Status:             v.Status,
		VerificationPolicy: v.VerificationPolicy,
		OperationLog:       v.OperationLog,
	}
}

func fromVersionDoc(id, dataset string, doc versionDoc, ver int64) *core.Version {
	return &core.Version{
		ID:                 id,
		Label:              doc.Label,
		Dataset:            dataset,
		Status:             doc.Status,
		VerificationPolicy: doc.VerificationPolicy,
		OperationLog:       doc.OperationLog,
		Version:            ver,
	}
}

// CreateDataset implements core.MetadataStore.
func (s *PostgresStore) CreateDataset(ctx context.Context, d *core.Dataset, audit map[string]any) (*core.Dataset, error) {
	doc := toDatasetDoc(d)
	doc.OperationLog = appendAudit(nil, "created", audit)

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, core.WrapInternal("failed to encode dataset document", err)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO datasets (name, document, version) VALUES ($1, $2, 1)`,
		d.Name, raw)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, core.NewConflictError("dataset already exists: " + d.Name)
		}
		return nil, wrapWriteError("failed to insert dataset", err)
	}

	out := fromDatasetDoc(d.Name, doc, 1)
	return out, nil
}

// GetDataset implements core.MetadataStore.
func (s *PostgresStore) GetDataset(ctx context.Context, name string) (*core.Dataset, error) {
	row := s.db.QueryRow(ctx, `SELECT document, version FROM datasets WHERE name = $1`, name)

	var raw []byte
	var ver int64
	if err := row.Scan(&raw, &ver); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, core.WrapInternal("failed to load dataset", err)
	}

	var doc datasetDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, core.WrapInternal("failed to decode dataset document", err)
	}
	return fromDatasetDoc(name, doc, ver), nil
}

// ListDatasets implements core.MetadataStore.
func (s *PostgresStore) ListDatasets(ctx context.Context) ([]*core.Dataset, error) {
	rows, err := s.db.Query(ctx, `SELECT name, document, version FROM datasets ORDER BY name`)
	if err != nil {
		return nil, core.WrapInternal("failed to list datasets", err)
	}
	defer rows.Close()

	var out []*core.Dataset
	for rows.Next() {
		var name string
		var raw []byte
		var ver int64
		if err := rows.Scan(&name, &raw, &ver); err != nil {
			return nil, core.WrapInternal("failed to scan dataset row", err)
		}
		var doc datasetDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, core.WrapInternal("failed to decode dataset document", err)
		}
		out = append(out, fromDatasetDoc(name, doc, ver))
	}
	return out, rows.Err()
}

// CreateVersion implements core.MetadataStore.
func (s *PostgresStore) CreateVersion(ctx context.Context, v *core.Version, audit map[string]any) (*core.Version, error) {
	existing, err := s.GetDataset(ctx, v.Dataset)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, core.NewNotFoundError("dataset-not-found", "dataset does not exist: "+v.Dataset)
	}

	id := v.ID
	doc := toVersionDoc(v)
	doc.Status = core.StatusPreparing
	doc.OperationLog = appendAudit(nil, "created", audit)

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, core.WrapInternal("failed to encode version document", err)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO versions (id, dataset, document, version) VALUES ($1, $2, $3, 1)`,
		id, v.Dataset, raw)
	if err != nil {
		return nil, wrapWriteError("failed to insert version", err)
	}

	return fromVersionDoc(id, v.Dataset, doc, 1), nil
}

// ListVersionsByDataset implements core.MetadataStore.
func (s *PostgresStore) ListVersionsByDataset(ctx context.Context, dataset string) ([]*core.Version, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, document, version FROM versions WHERE dataset = $1 ORDER BY id`, dataset)
	if err != nil {
		return nil, core.WrapInternal("failed to list versions", err)
	}
	defer rows.Close()

	var out []*core.Version
	for rows.Next() {
		var id string
		var raw []byte
		var ver int64
		if err := rows.Scan(&id, &raw, &ver); err != nil {
			return nil, core.WrapInternal("failed to scan version row", err)
		}
		var doc versionDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, core.WrapInternal("failed to decode version document", err)
		}
		out = append(out, fromVersionDoc(id, dataset, doc, ver))
	}
	return out, rows.Err()
}

// ListAllVersions implements core.MetadataStore.
func (s *PostgresStore) ListAllVersions(ctx context.Context) ([]*core.Version, error) {
	rows, err := s.db.Query(ctx, `SELECT id, dataset, document, version FROM versions ORDER BY id`)
	if err != nil {
		return nil, core.WrapInternal("failed to list versions", err)
	}
	defer rows.Close()

	var out []*core.Version
	for rows.Next() {
		var id, dataset string
		var raw []byte
		var ver int64
		if err := rows.Scan(&id, &dataset, &raw, &ver); err != nil {
			return nil, core.WrapInternal("failed to scan version row", err)
		}
		var doc versionDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, core.WrapInternal("failed to decode version document", err)
		}
		out = append(out, fromVersionDoc(id, dataset, doc, ver))
	}
	return out, rows.Err()
}

// GetVersion implements core.MetadataStore.
func (s *PostgresStore) GetVersion(ctx context.Context, id string) (*core.Version, error) {
	row := s.db.QueryRow(ctx, `SELECT dataset, document, version FROM versions WHERE id = $1`, id)

	var dataset string
	var raw []byte
	var ver int64
	if err := row.Scan(&dataset, &raw, &ver); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, core.WrapInternal("failed to load version", err)
	}

	var doc versionDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, core.WrapInternal("failed to decode version document", err)
	}
	return fromVersionDoc(id, dataset, doc, ver), nil
}

// UpdateStatus implements core.MetadataStore's CAS-guarded transition.
func (s *PostgresStore) UpdateStatus(ctx context.Context, versionID string, target core.VersionStatus, audit map[string]any) (*core.Version, error) {
	current, err := s.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, core.NewNotFoundError("version-not-found", "version does not exist: "+versionID)
	}
	if !core.CanTransition(current.Status, target) {
		return nil, core.NewValidationError("invalid-transition",
			"cannot transition from "+string(current.Status)+" to "+string(target))
	}

	doc := versionDoc{
		Label:              current.Label,
		Status:             target,
		VerificationPolicy: current.VerificationPolicy,
		OperationLog:       appendAudit(current.OperationLog, string(target), audit),
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, core.WrapInternal("failed to encode version document", err)
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE versions SET document = $1, version = version + 1 WHERE id = $2 AND version = $3`,
		raw, versionID, current.Version)
	if err != nil {
		return nil, wrapWriteError("failed to update version status", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, core.NewConflictError("version was concurrently modified: " + versionID)
	}

	return fromVersionDoc(versionID, current.Dataset, doc, current.Version+1), nil
}

// ActivateVersion implements core.MetadataStore.
func (s *PostgresStore) ActivateVersion(ctx context.Context, versionID string) error {
	v, err := s.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if v == nil {
		return core.NewNotFoundError("version-not-found", "version does not exist: "+versionID)
	}
	if v.Status != core.StatusPublished {
		return core.NewValidationError("invalid-version-state", "version is not published: "+versionID)
	}

	for {
		d, err := s.GetDataset(ctx, v.Dataset)
		if err != nil {
			return err
		}
		if d == nil {
			return core.NewNotFoundError("dataset-not-found", "dataset does not exist: "+v.Dataset)
		}
		if d.ActiveVersion != nil && *d.ActiveVersion == versionID {
			return nil
		}

		doc := toDatasetDoc(d)
		doc.ActiveVersion = &versionID
		raw, err := json.Marshal(doc)
		if err != nil {
			return core.WrapInternal("failed to encode dataset document", err)
		}

		tag, err := s.db.Exec(ctx,
			`UPDATE datasets SET document = $1, version = version + 1 WHERE name = $2 AND version = $3`,
			raw, d.Name, d.Version)
		if err != nil {
			return wrapWriteError("failed to activate version", err)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
		// Lost the CAS race against a concurrent activation; retry against
		// the fresh record rather than surfacing a spurious Conflict —
		// activate-version is meant to be idempotent for the same target.
	}
}

// Ping implements core.MetadataStore.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Health(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// wrapWriteError classifies a write-path backend error: a rate-limit
// signal (pool exhaustion, a configured resource limit, a lock the
// database could not grant) surfaces as core.TooManyRequests so the
// caller backs off instead of treating the write as permanently broken.
func wrapWriteError(message string, err error) error {
	if postgres.IsRateLimited(err) {
		return core.NewTooManyRequestsError(message + ": " + err.Error())
	}
	return core.WrapInternal(message, err)
}
