// Package worker implements the async worker that drains the operations
// topic and drives version lifecycle transitions to completion.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloudkeep/versionstore/internal/core"
	"github.com/cloudkeep/versionstore/internal/infrastructure/lock"
	"github.com/cloudkeep/versionstore/internal/orchestrator"
)

// HandlerFunc performs one action. extendLease should be called during
// long-running work to push the message's lease deadline forward so the
// worker is not considered dead by another worker while still processing.
type HandlerFunc func(ctx context.Context, body core.MessageBody, extendLease func(context.Context) error) error

// Worker polls a topic, dispatches messages by action to a handler table,
// and acknowledges on success. A failed or panicking handler leaves the
// message unacked; its lease expires and another worker (or the next
// turn of this one) retries it.
type Worker struct {
	pid          string
	queue        core.Queue
	topic        string
	pollInterval time.Duration
	leaseTime    time.Duration
	logger       *slog.Logger

	handlers map[string]HandlerFunc

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Config holds the worker's tunables. Locks is optional: pass a
// lock.LockManager backed by the same Redis instance the queue uses when
// multiple worker processes share one operations topic, so only one of
// them runs a given dataset's publish cutover at a time. Leave it nil for
// a single in-process worker (e.g. the in-memory backend, which by
// construction cannot be shared across processes).
type Config struct {
	Topic        string
	PollInterval time.Duration
	LeaseTime    time.Duration
	Locks        *lock.LockManager
}

// New builds a Worker with a fresh stable pid and the standard handler set
// (prepare/save/publish/discard/fail/verify-data) bound to ms.
func New(q core.Queue, ms core.MetadataStore, activate func(context.Context, string) error, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Topic == "" {
		cfg.Topic = orchestrator.OperationsTopic
	}
	w := &Worker{
		pid:          uuid.NewString(),
		queue:        q,
		topic:        cfg.Topic,
		pollInterval: cfg.PollInterval,
		leaseTime:    cfg.LeaseTime,
		logger:       logger,
		handlers:     make(map[string]HandlerFunc),
	}
	handlers := newHandlers(ms, q, activate, w.topic, cfg.Locks, logger)
	w.Register("prepare", handlers.prepare)
	w.Register("save", handlers.save)
	w.Register("publish", handlers.publish)
	w.Register("discard", handlers.discard)
	w.Register("fail", handlers.fail)
	w.Register("verify-data", handlers.verifyData)
	return w
}

// Register binds a handler to an action name, overriding any default.
// Exposed mainly for tests that want to stub out a single action.
func (w *Worker) Register(action string, h HandlerFunc) {
	w.handlers[action] = h
}

// Start launches the poll loop in a background goroutine. Stop blocks
// until it exits.
func (w *Worker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(ctx)
}

// Stop signals the loop to exit and waits for it to finish its current
// iteration.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	w.logger.Info("worker started", "pid", w.pid, "topic", w.topic)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping", "pid", w.pid)
			return
		default:
		}

		msg, err := w.queue.ReserveNext(ctx, w.topic, w.pid)
		if err != nil {
			if err == core.ErrNoMessage {
				select {
				case <-time.After(w.pollInterval):
				case <-ctx.Done():
					w.logger.Info("worker stopping", "pid", w.pid)
					return
				}
				continue
			}
			w.logger.Error("reserve-next failed", "pid", w.pid, "error", err)
			select {
			case <-time.After(w.pollInterval):
			case <-ctx.Done():
				return
			}
			continue
		}

		w.process(ctx, msg)
	}
}

func (w *Worker) process(ctx context.Context, msg *core.Message) {
	handler, ok := w.handlers[msg.Body.Action]
	if !ok {
		w.logger.Error("no handler for action, leaving unacked", "pid", w.pid, "action", msg.Body.Action, "message_id", msg.ID)
		return
	}

	extendLease := func(ctx context.Context) error {
		return w.queue.ExtendLease(ctx, msg.ID, w.pid, w.leaseTime)
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		return handler(ctx, msg.Body, extendLease)
	}()
	if err != nil {
		w.logger.Error("handler failed, leaving unacked for retry",
			"pid", w.pid, "action", msg.Body.Action, "version_id", msg.Body.VersionID, "message_id", msg.ID, "error", err)
		return
	}

	if err := w.queue.Acknowledge(ctx, msg.ID, w.pid); err != nil {
		w.logger.Error("acknowledge failed", "pid", w.pid, "message_id", msg.ID, "error", err)
	}
}
