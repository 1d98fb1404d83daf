// Package core holds the domain model and the storage/queue contracts that
// the rest of the system is built against. Nothing in this package talks to
// a network or a filesystem: concrete backends live under
// internal/storage and internal/queue.
package core

import (
	"context"
	"time"
)

// VersionStatus is a node in the version lifecycle state machine
// used by version lifecycle operations.
type VersionStatus string

const (
	StatusPreparing        VersionStatus = "preparing"
	StatusAwaitingEntries   VersionStatus = "awaiting-entries"
	StatusSaving            VersionStatus = "saving"
	StatusSaved             VersionStatus = "saved"
	StatusPublishing        VersionStatus = "publishing"
	StatusPublished         VersionStatus = "published"
	StatusDiscarded         VersionStatus = "discarded"
	StatusFailed            VersionStatus = "failed"
)

// validTransitions encodes the version lifecycle state graph. A transition
// not listed here fails with core.KindValidationError (InvalidTransition),
// except that the in-memory metadata store reports a repeat of the
// version's current status as core.KindConflict.
var validTransitions = map[VersionStatus]map[VersionStatus]bool{
	StatusPreparing: {
		StatusAwaitingEntries: true,
		StatusDiscarded:       true,
		StatusFailed:          true,
	},
	StatusAwaitingEntries: {
		StatusSaving:    true,
		StatusDiscarded: true,
		StatusFailed:    true,
	},
	StatusSaving: {
		StatusSaved:     true,
		StatusDiscarded: true,
		StatusFailed:    true,
	},
	StatusSaved: {
		StatusPublishing: true,
		StatusPublished:  true,
		StatusDiscarded:  true,
		StatusFailed:     true,
	},
	StatusPublishing: {
		StatusPublished: true,
		StatusDiscarded: true,
		StatusFailed:    true,
	},
	StatusPublished: {
		StatusSaved: true,
	},
	StatusDiscarded: {},
	StatusFailed:    {},
}

// CanTransition reports whether from -> to is an edge in the state graph.
func CanTransition(from, to VersionStatus) bool {
	edges, ok := validTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// AuditRecord is one entry in an operation-log. Appended, never mutated.
type AuditRecord struct {
	Action    string         `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// EvictionPolicy is round-tripped by the metadata store but not enforced by
// this core (eviction enforcement is out of scope).
type EvictionPolicy struct {
	Type     string `json:"type"`
	Versions int    `json:"versions"`
}

// ContentType is a fixed enum; only application/json is recognized.
type ContentType string

const ContentTypeJSON ContentType = "application/json"

// Dataset names a logical collection of tables.
type Dataset struct {
	Name           string          `json:"name"`
	Tables         []string        `json:"tables"`
	ContentType    ContentType     `json:"content_type"`
	EvictionPolicy EvictionPolicy  `json:"eviction_policy"`
	ActiveVersion  *string         `json:"active_version"`
	OperationLog   []AuditRecord   `json:"operation_log"`
	// Version is the CAS counter for this record (the "__ver" field
	// GLOSSARY), bumped on every accepted write.
	Version int64 `json:"-"`
}

// HasTable reports whether name is one of d's tables.
func (d *Dataset) HasTable(name string) bool {
	for _, t := range d.Tables {
		if t == name {
			return true
		}
	}
	return false
}

// Version is an immutable staging area for one dataset.
type Version struct {
	ID                 string         `json:"id"`
	Label              string         `json:"label,omitempty"`
	Dataset            string         `json:"dataset"`
	Status             VersionStatus  `json:"status"`
	VerificationPolicy map[string]any `json:"verification_policy,omitempty"`
	OperationLog       []AuditRecord  `json:"operation_log"`
	Version            int64          `json:"-"`
}

// Entry is a value at (dataset, version, table, key). The core never
// interprets Value; it is opaque bytes.
type Entry struct {
	Table string
	Key   string
	Value []byte
}

// CompositeKey is the KV store's primary key shape.
type CompositeKey struct {
	Dataset string
	Version string
	Table   string
	Key     string
}

// MetadataStore is the metadata-store contract. Implementations must be
// safe for concurrent use and must enforce the CAS discipline described
// there: update-status and activate-version are linearizable per version
// and per dataset respectively.
type MetadataStore interface {
	CreateDataset(ctx context.Context, d *Dataset, audit map[string]any) (*Dataset, error)
	// GetDataset returns (nil, nil) when the dataset does not exist — an
	// absent marker, not an error.
	GetDataset(ctx context.Context, name string) (*Dataset, error)
	ListDatasets(ctx context.Context) ([]*Dataset, error)

	CreateVersion(ctx context.Context, v *Version, audit map[string]any) (*Version, error)
	ListVersionsByDataset(ctx context.Context, dataset string) ([]*Version, error)
	ListAllVersions(ctx context.Context) ([]*Version, error)
	// GetVersion returns (nil, nil) when the version does not exist.
	GetVersion(ctx context.Context, id string) (*Version, error)

	// UpdateStatus performs the CAS-guarded transition described in
	// read current record, validate the edge, write
	// conditional on the counter being unchanged. Counter mismatch
	// returns a core.Error of KindConflict.
	UpdateStatus(ctx context.Context, versionID string, target VersionStatus, audit map[string]any) (*Version, error)

	// ActivateVersion flips dataset.active-version to point at versionID.
	// Requires the target version's status to be StatusPublished, else
	// KindValidationError. Linearizable per dataset.
	ActivateVersion(ctx context.Context, versionID string) error

	Ping(ctx context.Context) error
}

// MaxEntriesPerBatch is the ceiling on the number of entries a single
// PutMany/LoadEntries call accepts. Rejecting an oversized batch up front
// keeps one caller from pinning the pgx.Batch pipeline (or the in-memory
// store's single mutex) for the duration of an arbitrarily large write.
const MaxEntriesPerBatch = 10000

// KVStore is the key-value store contract.
type KVStore interface {
	PutOne(ctx context.Context, key CompositeKey, value []byte) error
	// GetOne returns (nil, false, nil) on a miss.
	GetOne(ctx context.Context, key CompositeKey) ([]byte, bool, error)
	// PutMany rejects an empty or over-ceiling (MaxEntriesPerBatch) map
	// with KindValidationError before touching the backend.
	PutMany(ctx context.Context, entries map[CompositeKey][]byte) error
	// GetMany returns a result entry for every requested key, absent ones
	// included with ok=false — load-bearing for hit/miss reporting.
	GetMany(ctx context.Context, keys []CompositeKey) (map[CompositeKey]KVResult, error)

	Ping(ctx context.Context) error
}

// KVResult is one entry of a GetMany response.
type KVResult struct {
	Value []byte
	Found bool
}

// QueueMessageStatus classifies a message for Queue.List filtering
// for Queue.List filtering.
type QueueMessageStatus string

const (
	QueueStatusAll          QueueMessageStatus = "all"
	QueueStatusNew          QueueMessageStatus = "new"
	QueueStatusReserved     QueueMessageStatus = "reserved"
	QueueStatusAcknowledged QueueMessageStatus = "acknowledged"
	QueueStatusExpired      QueueMessageStatus = "expired"
)

// MessageBody is the operations-topic payload.
type MessageBody struct {
	Action    string `json:"action"`
	VersionID string `json:"version-id"`
	Reason    string `json:"reason,omitempty"`
}

// Message is a durable queue entry.
type Message struct {
	ID            string
	Topic         string
	Timestamp     time.Time
	Body          MessageBody
	PID           string
	LeaseDeadline time.Time
	Ack           bool
}

// ListFilter selects messages for Queue.List.
type ListFilter struct {
	Topic  string
	Status QueueMessageStatus
	PID    string
}

// Queue is the durable, at-least-once work queue contract.
type Queue interface {
	// Send enqueues a message and returns its generated id.
	Send(ctx context.Context, topic string, body MessageBody) (string, error)
	// SendWithID enqueues idempotently by caller-supplied id: a second
	// call with the same id is a no-op that still returns nil.
	SendWithID(ctx context.Context, topic, id string, body MessageBody) error

	// ReserveNext returns the next reservable message for topic, or
	// core.ErrNoMessage. Ordering is best-effort FIFO, not strict.
	ReserveNext(ctx context.Context, topic, pid string) (*Message, error)

	// Acknowledge marks a message terminal. Idempotent once acknowledged.
	Acknowledge(ctx context.Context, id, pid string) error
	// ExtendLease pushes a live lease's deadline forward. Not idempotent
	// once acknowledged (core.ErrAlreadyAcknowledged).
	ExtendLease(ctx context.Context, id, pid string, leaseTime time.Duration) error

	List(ctx context.Context, filter ListFilter) ([]*Message, error)

	Ping(ctx context.Context) error
}
