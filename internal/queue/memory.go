// Package queue provides durable-queue implementations of core.Queue: an
// in-memory reference backend and a Redis-backed backend using the same
// Lua-script CAS discipline as internal/infrastructure/lock.
package queue

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloudkeep/versionstore/internal/core"
)

// MemoryQueue implements core.Queue with a mutex-guarded map. Reference
// implementation and test backend; does not persist across restarts.
type MemoryQueue struct {
	mu        sync.Mutex
	messages  map[string]*core.Message
	leaseTime time.Duration
	logger    *slog.Logger
	clock     func() time.Time
}

// NewMemoryQueue creates an in-memory queue. leaseTime is the default
// reservation window handed out by ReserveNext.
func NewMemoryQueue(leaseTime time.Duration, logger *slog.Logger) *MemoryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if leaseTime <= 0 {
		leaseTime = 30 * time.Second
	}
	return &MemoryQueue{
		messages:  make(map[string]*core.Message),
		leaseTime: leaseTime,
		logger:    logger,
		clock:     time.Now,
	}
}

func cloneMessage(m *core.Message) *core.Message {
	cp := *m
	return &cp
}

// Send implements core.Queue.
func (q *MemoryQueue) Send(ctx context.Context, topic string, body core.MessageBody) (string, error) {
	id := uuid.NewString()
	if err := q.SendWithID(ctx, topic, id, body); err != nil {
		return "", err
	}
	return id, nil
}

// SendWithID implements core.Queue. A second call with an id already in
// use is a silent no-op, matching the idempotent-enqueue contract.
func (q *MemoryQueue) SendWithID(ctx context.Context, topic, id string, body core.MessageBody) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.messages[id]; exists {
		return nil
	}

	q.messages[id] = &core.Message{
		ID:        id,
		Topic:     topic,
		Timestamp: q.clock().UTC(),
		Body:      body,
	}
	return nil
}

// ReserveNext implements core.Queue: picks the oldest candidate message on
// topic that is neither acknowledged nor under a live lease.
func (q *MemoryQueue) ReserveNext(ctx context.Context, topic, pid string) (*core.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	var candidates []*core.Message
	for _, m := range q.messages {
		if m.Topic != topic || m.Ack {
			continue
		}
		if m.PID != "" && m.LeaseDeadline.After(now) {
			continue
		}
		candidates = append(candidates, m)
	}
	if len(candidates) == 0 {
		return nil, core.ErrNoMessage
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Timestamp.Before(candidates[j].Timestamp) })
	picked := candidates[0]
	picked.PID = pid
	picked.LeaseDeadline = now.Add(q.leaseTime).UTC()

	return cloneMessage(picked), nil
}

// Acknowledge implements core.Queue. An already-acknowledged message
// returns success unconditionally, before the owner or lease is checked —
// acknowledge is meant to be safely retried by whichever worker thinks it
// still holds the lease, even past expiry.
func (q *MemoryQueue) Acknowledge(ctx context.Context, id, pid string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.messages[id]
	if !ok {
		return core.NewNotFoundError("message-not-found", "message does not exist: "+id)
	}
	if m.Ack {
		return nil
	}
	if m.PID != pid {
		return core.ErrWrongOwner
	}
	if m.LeaseDeadline.Before(q.clock()) {
		return core.ErrLeaseExpired
	}

	m.Ack = true
	return nil
}

// ExtendLease implements core.Queue.
func (q *MemoryQueue) ExtendLease(ctx context.Context, id, pid string, leaseTime time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.messages[id]
	if !ok {
		return core.NewNotFoundError("message-not-found", "message does not exist: "+id)
	}
	if m.Ack {
		return core.ErrAlreadyAcknowledged
	}
	if m.PID != pid {
		return core.ErrWrongOwner
	}
	now := q.clock()
	if m.LeaseDeadline.Before(now) {
		return core.ErrLeaseExpired
	}

	if next := now.Add(leaseTime).UTC(); next.After(m.LeaseDeadline) {
		m.LeaseDeadline = next
	}
	return nil
}

// List implements core.Queue. Any pagination-shaped fields a caller
// layers on top of ListFilter are the caller's concern — this backend
// returns every message matching topic/status/pid.
func (q *MemoryQueue) List(ctx context.Context, filter core.ListFilter) ([]*core.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	var out []*core.Message
	for _, m := range q.messages {
		if filter.Topic != "" && m.Topic != filter.Topic {
			continue
		}
		if filter.PID != "" && m.PID != filter.PID {
			continue
		}
		if filter.Status != "" && filter.Status != core.QueueStatusAll && messageStatus(m, now) != filter.Status {
			continue
		}
		out = append(out, cloneMessage(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Ping implements core.Queue.
func (q *MemoryQueue) Ping(ctx context.Context) error {
	return nil
}

func messageStatus(m *core.Message, now time.Time) core.QueueMessageStatus {
	switch {
	case m.Ack:
		return core.QueueStatusAcknowledged
	case m.PID == "":
		return core.QueueStatusNew
	case m.LeaseDeadline.After(now):
		return core.QueueStatusReserved
	default:
		return core.QueueStatusExpired
	}
}
