// Package orchestrator implements the request-facing operations that sit
// between the HTTP surface and the metadata/KV/queue backends: dataset and
// version lifecycle, entry loading and reading, and the operations-topic
// handoff to the async worker.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/cloudkeep/versionstore/internal/core"
)

// OperationsTopic is the queue topic the worker polls for version-lifecycle
// work (prepare/save/publish).
const OperationsTopic = "operations"

var validate = validator.New()

// Orchestrator wires the three storage contracts into the request-facing
// operations. It holds no state of its own beyond the dataset cache.
type Orchestrator struct {
	MS    core.MetadataStore
	KS    core.KVStore
	Queue core.Queue

	cache *datasetCache
}

// New builds an Orchestrator. ms, ks and q are expected to already be
// wrapped in their Validating/Instrumented decorators by the caller.
func New(ms core.MetadataStore, ks core.KVStore, q core.Queue) *Orchestrator {
	return &Orchestrator{MS: ms, KS: ks, Queue: q, cache: newDatasetCache(ms)}
}

// CreateDatasetRequest is the create-dataset request shape.
type CreateDatasetRequest struct {
	Name           string               `json:"name" validate:"required"`
	Tables         []string             `json:"tables" validate:"required,min=1"`
	ContentType    core.ContentType     `json:"content_type"`
	EvictionPolicy *core.EvictionPolicy `json:"eviction_policy"`
}

// CreateDataset validates and persists a new dataset. Name is the id;
// duplicates fail with KindConflict.
func (o *Orchestrator) CreateDataset(ctx context.Context, req CreateDatasetRequest) (*core.Dataset, error) {
	if err := validate.Struct(req); err != nil {
		return nil, core.NewValidationError("invalid-request", err.Error())
	}

	existing, err := o.MS.GetDataset(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, core.NewConflictError(fmt.Sprintf("dataset %q already exists", req.Name))
	}

	d := &core.Dataset{
		Name:        req.Name,
		Tables:      req.Tables,
		ContentType: req.ContentType,
	}
	if d.ContentType == "" {
		d.ContentType = core.ContentTypeJSON
	}
	if req.EvictionPolicy != nil {
		d.EvictionPolicy = *req.EvictionPolicy
	}

	created, err := o.MS.CreateDataset(ctx, d, nil)
	if err != nil {
		return nil, err
	}
	o.cache.invalidate(created.Name)
	return created, nil
}

// GetDataset looks up a dataset by name, (nil, nil) if absent.
func (o *Orchestrator) GetDataset(ctx context.Context, name string) (*core.Dataset, error) {
	return o.MS.GetDataset(ctx, name)
}

// ListDatasets returns every known dataset.
func (o *Orchestrator) ListDatasets(ctx context.Context) ([]*core.Dataset, error) {
	return o.MS.ListDatasets(ctx)
}

// CreateVersion validates the dataset exists, persists a fresh version in
// preparing state, and enqueues a prepare message. It returns immediately;
// the caller observes the preparing status and polls for completion.
func (o *Orchestrator) CreateVersion(ctx context.Context, dataset, label string) (*core.Version, error) {
	if dataset == "" {
		return nil, core.NewValidationError("invalid-request", "dataset is required")
	}

	d, err := o.MS.GetDataset(ctx, dataset)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, core.NewNotFoundError("dataset-not-found", fmt.Sprintf("dataset %q does not exist", dataset))
	}

	v := &core.Version{
		Dataset: dataset,
		Label:   label,
		Status:  core.StatusPreparing,
	}
	created, err := o.MS.CreateVersion(ctx, v, nil)
	if err != nil {
		return nil, err
	}

	if _, err := o.Queue.Send(ctx, OperationsTopic, core.MessageBody{
		Action:    "prepare",
		VersionID: created.ID,
	}); err != nil {
		return nil, err
	}
	return created, nil
}

// ListVersionsByDataset lists versions for a single dataset.
func (o *Orchestrator) ListVersionsByDataset(ctx context.Context, dataset string) ([]*core.Version, error) {
	return o.MS.ListVersionsByDataset(ctx, dataset)
}

// GetVersion looks up a version by id, (nil, nil) if absent.
func (o *Orchestrator) GetVersion(ctx context.Context, id string) (*core.Version, error) {
	return o.MS.GetVersion(ctx, id)
}

// LoadEntry is one normalized (table, key, value) triple for LoadEntries.
type LoadEntry struct {
	Table string `validate:"required"`
	Key   string `validate:"required"`
	Value []byte `validate:"required"`
}

// LoadEntries is the single normalized entry point; the two request
// shapes the HTTP surface accepts ((version, dataset, entries) and
// (version, dataset, table, entries)) both funnel down to this call after
// normalization by their handlers. There is no single key/value load route.
func (o *Orchestrator) LoadEntries(ctx context.Context, versionID, dataset string, entries []LoadEntry) error {
	if versionID == "" || dataset == "" {
		return core.NewValidationError("invalid-request", "version-id and dataset are required")
	}
	if len(entries) == 0 {
		return core.NewValidationError("empty-batch", "entries must not be empty")
	}
	if len(entries) > core.MaxEntriesPerBatch {
		return core.NewValidationError("batch-too-large",
			fmt.Sprintf("batch of %d entries exceeds the %d-entry ceiling", len(entries), core.MaxEntriesPerBatch))
	}
	for _, e := range entries {
		if err := validate.Struct(e); err != nil {
			return core.NewValidationError("invalid-request", err.Error())
		}
	}

	v, err := o.MS.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if v == nil {
		return core.NewNotFoundError("version-not-found", fmt.Sprintf("version %q does not exist", versionID))
	}
	if v.Dataset != dataset {
		return core.NewValidationError("invalid-version-for-dataset",
			fmt.Sprintf("version %q belongs to dataset %q, not %q", versionID, v.Dataset, dataset))
	}
	if v.Status != core.StatusAwaitingEntries {
		return core.NewValidationError("invalid-version-state",
			fmt.Sprintf("version %q is %q, expected awaiting-entries", versionID, v.Status)).
			WithContext("version", versionID)
	}

	// get-dataset is cached within this one call: every entry in a batch
	// typically targets the same handful of tables, and re-reading the
	// dataset document per entry would be wasted MS traffic.
	dsCache := map[string]*core.Dataset{}
	getDataset := func(name string) (*core.Dataset, error) {
		if d, ok := dsCache[name]; ok {
			return d, nil
		}
		d, err := o.MS.GetDataset(ctx, name)
		if err != nil {
			return nil, err
		}
		dsCache[name] = d
		return d, nil
	}

	d, err := getDataset(dataset)
	if err != nil {
		return err
	}
	if d == nil {
		return core.NewNotFoundError("dataset-not-found", fmt.Sprintf("dataset %q does not exist", dataset))
	}

	var missing []map[string]string
	seen := map[string]bool{}
	for _, e := range entries {
		if seen[e.Table] {
			continue
		}
		seen[e.Table] = true
		if !d.HasTable(e.Table) {
			missing = append(missing, map[string]string{"dataset": dataset, "table": e.Table})
		}
	}
	if len(missing) > 0 {
		return core.NewNotFoundError("tables-not-found", "one or more referenced tables do not exist").
			WithContext("missing-tables", missing)
	}

	puts := make(map[core.CompositeKey][]byte, len(entries))
	for _, e := range entries {
		puts[core.CompositeKey{Dataset: dataset, Version: versionID, Table: e.Table, Key: e.Key}] = e.Value
	}
	return o.KS.PutMany(ctx, puts)
}

// transitionTarget maps an orchestrator-facing action name to the MS target
// status and the worker action it enqueues.
var transitionTarget = map[string]struct {
	status       core.VersionStatus
	workerAction string
	enqueue      bool
}{
	"save":    {core.StatusSaving, "save", true},
	"publish": {core.StatusPublishing, "publish", true},
	"discard": {core.StatusDiscarded, "", false},
}

// Save transitions a version from awaiting-entries to saving and enqueues
// a save message for the worker.
func (o *Orchestrator) Save(ctx context.Context, versionID string) (*core.Version, error) {
	return o.transition(ctx, versionID, "save")
}

// Publish transitions a saved version to publishing and enqueues a publish
// message for the worker, which performs the active-version cutover.
func (o *Orchestrator) Publish(ctx context.Context, versionID string) (*core.Version, error) {
	return o.transition(ctx, versionID, "publish")
}

// Discard terminates a version. Unlike save/publish, discard does not
// enqueue a worker message — it is immediately terminal.
func (o *Orchestrator) Discard(ctx context.Context, versionID, reason string) (*core.Version, error) {
	v, err := o.MS.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, core.NewNotFoundError("version-not-found", fmt.Sprintf("version %q does not exist", versionID))
	}
	if !core.CanTransition(v.Status, core.StatusDiscarded) {
		return nil, core.NewValidationError("invalid-version-state",
			fmt.Sprintf("cannot discard version %q from state %q", versionID, v.Status)).
			WithContext("version", versionID)
	}

	audit := map[string]any{"reason": reason}
	return o.MS.UpdateStatus(ctx, versionID, core.StatusDiscarded, audit)
}

func (o *Orchestrator) transition(ctx context.Context, versionID, action string) (*core.Version, error) {
	t, ok := transitionTarget[action]
	if !ok {
		return nil, core.WrapInternal("unknown transition action", fmt.Errorf("action=%s", action))
	}

	v, err := o.MS.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, core.NewNotFoundError("version-not-found", fmt.Sprintf("version %q does not exist", versionID))
	}
	if !core.CanTransition(v.Status, t.status) {
		return nil, core.NewValidationError("invalid-version-state",
			fmt.Sprintf("cannot %s version %q from state %q", action, versionID, v.Status)).
			WithContext("version", versionID)
	}

	updated, err := o.MS.UpdateStatus(ctx, versionID, t.status, nil)
	if err != nil {
		return nil, err
	}

	if t.enqueue {
		if _, err := o.Queue.Send(ctx, OperationsTopic, core.MessageBody{
			Action:    t.workerAction,
			VersionID: versionID,
		}); err != nil {
			return nil, err
		}
	}
	return updated, nil
}

// EntryResult is the read-entries response shape: it surfaces both the
// dataset's currently active version and the version actually read from,
// so HTTP handlers can expose both via response headers and give readers
// a stable view across a publish cutover.
type EntryResult struct {
	ActiveVersionID string
	VersionID       string
	Data            map[string][]byte
}

// GetEntry resolves versionID (if empty, from the dataset's active
// version) and returns a single key's value.
func (o *Orchestrator) GetEntry(ctx context.Context, versionID, dataset, table, key string) (*EntryResult, error) {
	resolved, activeID, err := o.resolveVersion(ctx, versionID, dataset)
	if err != nil {
		return nil, err
	}

	value, found, err := o.KS.GetOne(ctx, core.CompositeKey{Dataset: dataset, Version: resolved, Table: table, Key: key})
	if err != nil {
		return nil, err
	}
	data := map[string][]byte{}
	if found {
		data[key] = value
	}
	return &EntryResult{ActiveVersionID: activeID, VersionID: resolved, Data: data}, nil
}

// GetEntries resolves versionID (if empty, from the dataset's active
// version) and returns a batch of keys.
func (o *Orchestrator) GetEntries(ctx context.Context, versionID, dataset, table string, keys []string) (*EntryResult, error) {
	resolved, activeID, err := o.resolveVersion(ctx, versionID, dataset)
	if err != nil {
		return nil, err
	}

	compositeKeys := make([]core.CompositeKey, len(keys))
	for i, k := range keys {
		compositeKeys[i] = core.CompositeKey{Dataset: dataset, Version: resolved, Table: table, Key: k}
	}
	results, err := o.KS.GetMany(ctx, compositeKeys)
	if err != nil {
		return nil, err
	}

	data := make(map[string][]byte, len(keys))
	for _, k := range keys {
		r := results[core.CompositeKey{Dataset: dataset, Version: resolved, Table: table, Key: k}]
		if r.Found {
			data[k] = r.Value
		}
	}
	return &EntryResult{ActiveVersionID: activeID, VersionID: resolved, Data: data}, nil
}

// resolveVersion returns (version-id to read, dataset's active-version-id,
// error). When versionID is non-empty it is returned unchanged and the
// active version is still looked up (through the cache) so it can be
// surfaced alongside it.
func (o *Orchestrator) resolveVersion(ctx context.Context, versionID, dataset string) (string, string, error) {
	d, err := o.cache.get(ctx, dataset)
	if err != nil {
		return "", "", err
	}
	if d == nil {
		return "", "", core.NewNotFoundError("dataset-not-found", fmt.Sprintf("dataset %q does not exist", dataset))
	}

	var activeID string
	if d.ActiveVersion != nil {
		activeID = *d.ActiveVersion
	}

	if versionID != "" {
		return versionID, activeID, nil
	}
	if activeID == "" {
		return "", "", core.NewValidationError("no-active-version", fmt.Sprintf("dataset %q has no active version", dataset))
	}
	return activeID, activeID, nil
}

// InvalidateDatasetCache drops name from the dataset cache, for callers
// that change dataset.active-version without going through ActivateVersion.
func (o *Orchestrator) InvalidateDatasetCache(name string) {
	o.cache.invalidate(name)
}

// ActivateVersion cuts dataset.active-version over to versionID and
// invalidates the cached dataset document so the next read observes the
// new active version. It is the activate callback the async worker calls
// once a version's publish transition has been persisted.
func (o *Orchestrator) ActivateVersion(ctx context.Context, versionID string) error {
	v, err := o.MS.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if v == nil {
		return core.NewNotFoundError("version-not-found", fmt.Sprintf("version %q not found", versionID))
	}
	if err := o.MS.ActivateVersion(ctx, versionID); err != nil {
		return err
	}
	o.cache.invalidate(v.Dataset)
	return nil
}
