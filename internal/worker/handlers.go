package worker

import (
	"context"
	"log/slog"

	"github.com/cloudkeep/versionstore/internal/core"
	"github.com/cloudkeep/versionstore/internal/infrastructure/lock"
)

// handlers binds the standard action set to a metadata store, a queue (for
// handlers that enqueue follow-up work) and the active-version mutator.
type handlers struct {
	ms       core.MetadataStore
	queue    core.Queue
	activate func(ctx context.Context, versionID string) error
	topic    string
	logger   *slog.Logger

	// locks serializes the publish cutover per dataset across worker
	// replicas. nil when the process is the only consumer of the
	// operations topic (e.g. the in-memory queue, which cannot be shared
	// across processes anyway), in which case the cutover relies solely
	// on the in-process ordering of message handling.
	locks *lock.LockManager
}

func newHandlers(ms core.MetadataStore, q core.Queue, activate func(context.Context, string) error, topic string, locks *lock.LockManager, logger *slog.Logger) *handlers {
	return &handlers{ms: ms, queue: q, activate: activate, topic: topic, locks: locks, logger: logger}
}

// prepare moves a freshly created version into awaiting-entries. This is
// also where future resource provisioning (e.g. pre-allocating storage)
// would hook in.
func (h *handlers) prepare(ctx context.Context, body core.MessageBody, extendLease func(context.Context) error) error {
	_, err := h.ms.UpdateStatus(ctx, body.VersionID, core.StatusAwaitingEntries, nil)
	return err
}

// save moves a version from saving to saved. Verification is a designed
// extension point (see verifyData) but is not invoked from this handler.
func (h *handlers) save(ctx context.Context, body core.MessageBody, extendLease func(context.Context) error) error {
	_, err := h.ms.UpdateStatus(ctx, body.VersionID, core.StatusSaved, nil)
	return err
}

// publish performs the three-step cutover: revert every other
// currently-published version of the same dataset back to saved, publish
// the target, then flip the dataset's active-version pointer. None of
// these three steps is wrapped in a single MS transaction, so each must be
// safe to repeat: a crash between steps just means the next re-delivery of
// this same message resumes from wherever it left off. Revert is a no-op
// once already reverted (published -> saved only applies to versions still
// published), the target's publishing -> published transition only ever
// succeeds once, and activate-version on an already-active target is a
// no-op — so re-running the whole sequence after a partial failure is
// always safe. This is also what makes "publish an older version again"
// work as a rollback: the old version gets re-published and the version
// that displaces it is demoted to saved exactly the same way.
func (h *handlers) publish(ctx context.Context, body core.MessageBody, extendLease func(context.Context) error) error {
	target, err := h.ms.GetVersion(ctx, body.VersionID)
	if err != nil {
		return err
	}
	if target == nil {
		return core.NewNotFoundError("version-not-found", "publish target no longer exists")
	}

	if h.locks != nil {
		lockKey := "publish:" + target.Dataset
		if _, err := h.locks.AcquireLock(ctx, lockKey); err != nil {
			return core.WrapInternal("failed to acquire publish lock for dataset "+target.Dataset, err)
		}
		defer func() {
			if err := h.locks.ReleaseLock(ctx, lockKey); err != nil {
				h.logger.Warn("failed to release publish lock", "dataset", target.Dataset, "error", err)
			}
		}()
	}

	siblings, err := h.ms.ListVersionsByDataset(ctx, target.Dataset)
	if err != nil {
		return err
	}
	for _, v := range siblings {
		if v.ID == target.ID || v.Status != core.StatusPublished {
			continue
		}
		if _, err := h.ms.UpdateStatus(ctx, v.ID, core.StatusSaved, map[string]any{"initiated-by": "publish-handler"}); err != nil {
			return err
		}
	}

	if target.Status != core.StatusPublished {
		if _, err := h.ms.UpdateStatus(ctx, target.ID, core.StatusPublished, nil); err != nil {
			return err
		}
	}

	return h.activate(ctx, target.ID)
}

// discard terminates a version with a caller-supplied reason.
func (h *handlers) discard(ctx context.Context, body core.MessageBody, extendLease func(context.Context) error) error {
	_, err := h.ms.UpdateStatus(ctx, body.VersionID, core.StatusDiscarded, map[string]any{"reason": body.Reason})
	return err
}

// fail terminates a version with a failure reason.
func (h *handlers) fail(ctx context.Context, body core.MessageBody, extendLease func(context.Context) error) error {
	_, err := h.ms.UpdateStatus(ctx, body.VersionID, core.StatusFailed, map[string]any{"reason": body.Reason})
	return err
}

// verifyData is reserved: no verification policy is implemented yet, so it
// extends the lease for the (currently instantaneous) check and always
// enqueues a follow-up save. A future verification policy would fail this
// out to "fail" instead.
func (h *handlers) verifyData(ctx context.Context, body core.MessageBody, extendLease func(context.Context) error) error {
	if err := extendLease(ctx); err != nil {
		h.logger.Warn("extend-lease failed during verify-data", "version_id", body.VersionID, "error", err)
	}
	_, err := h.queue.Send(ctx, h.topic, core.MessageBody{Action: "save", VersionID: body.VersionID})
	return err
}
