package queue

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloudkeep/versionstore/internal/core"
)

// Validating wraps a core.Queue and rejects malformed sends before they
// reach the backend: empty topic or an action the operations-topic
// contract does not recognize.
type Validating struct {
	next core.Queue
}

// NewValidating wraps next with message-shape checks.
func NewValidating(next core.Queue) *Validating {
	return &Validating{next: next}
}

var validActions = map[string]bool{
	"prepare": true, "save": true, "publish": true, "discard": true,
	"fail": true, "verify-data": true,
}

func (v *Validating) checkBody(topic string, body core.MessageBody) error {
	if topic == "" {
		return core.NewValidationError("topic", "message topic must not be empty")
	}
	if body.VersionID == "" {
		return core.NewValidationError("version-id", "message body must name a version-id")
	}
	if !validActions[body.Action] {
		return core.NewValidationError("action", "unrecognized action: "+body.Action)
	}
	return nil
}

func (v *Validating) Send(ctx context.Context, topic string, body core.MessageBody) (string, error) {
	if err := v.checkBody(topic, body); err != nil {
		return "", err
	}
	return v.next.Send(ctx, topic, body)
}

func (v *Validating) SendWithID(ctx context.Context, topic, id string, body core.MessageBody) error {
	if id == "" {
		return core.NewValidationError("id", "message id must not be empty")
	}
	if err := v.checkBody(topic, body); err != nil {
		return err
	}
	return v.next.SendWithID(ctx, topic, id, body)
}

func (v *Validating) ReserveNext(ctx context.Context, topic, pid string) (*core.Message, error) {
	return v.next.ReserveNext(ctx, topic, pid)
}

func (v *Validating) Acknowledge(ctx context.Context, id, pid string) error {
	return v.next.Acknowledge(ctx, id, pid)
}

func (v *Validating) ExtendLease(ctx context.Context, id, pid string, leaseTime time.Duration) error {
	return v.next.ExtendLease(ctx, id, pid, leaseTime)
}

func (v *Validating) List(ctx context.Context, filter core.ListFilter) ([]*core.Message, error) {
	return v.next.List(ctx, filter)
}

func (v *Validating) Ping(ctx context.Context) error {
	return v.next.Ping(ctx)
}

// Instrumented wraps a core.Queue and records call counts and latencies
// as Prometheus metrics, the same pattern metadata.Instrumented uses.
type Instrumented struct {
	next     core.Queue
	calls    *prometheus.CounterVec
	failures *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewInstrumented registers its metrics on reg and wraps next.
func NewInstrumented(next core.Queue, reg prometheus.Registerer) *Instrumented {
	i := &Instrumented{
		next: next,
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "versionstore_queue_calls_total",
			Help: "Total queue calls by operation.",
		}, []string{"operation"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "versionstore_queue_failures_total",
			Help: "Total failed queue calls by operation.",
		}, []string{"operation"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "versionstore_queue_call_duration_seconds",
			Help:    "Queue call latency by operation.",
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

func (i *Instrumented) Send(ctx context.Context, topic string, body core.MessageBody) (string, error) {
	start := time.Now()
	id, err := i.next.Send(ctx, topic, body)
	i.observe("send", start, err)
	return id, err
}

func (i *Instrumented) SendWithID(ctx context.Context, topic, id string, body core.MessageBody) error {
	start := time.Now()
	err := i.next.SendWithID(ctx, topic, id, body)
	i.observe("send_with_id", start, err)
	return err
}

func (i *Instrumented) ReserveNext(ctx context.Context, topic, pid string) (*core.Message, error) {
	start := time.Now()
	msg, err := i.next.ReserveNext(ctx, topic, pid)
	// core.ErrNoMessage is an expected steady-state outcome, not a failure.
	if err != nil && err != core.ErrNoMessage {
		i.observe("reserve_next", start, err)
	} else {
		i.observe("reserve_next", start, nil)
	}
	return msg, err
}

func (i *Instrumented) Acknowledge(ctx context.Context, id, pid string) error {
	start := time.Now()
	err := i.next.Acknowledge(ctx, id, pid)
	i.observe("acknowledge", start, err)
	return err
}

func (i *Instrumented) ExtendLease(ctx context.Context, id, pid string, leaseTime time.Duration) error {
	start := time.Now()
	err := i.next.ExtendLease(ctx, id, pid, leaseTime)
	i.observe("extend_lease", start, err)
	return err
}

func (i *Instrumented) List(ctx context.Context, filter core.ListFilter) ([]*core.Message, error) {
	start := time.Now()
	msgs, err := i.next.List(ctx, filter)
	i.observe("list", start, err)
	return msgs, err
}

func (i *Instrumented) Ping(ctx context.Context) error {
	start := time.Now()
	err := i.next.Ping(ctx)
	i.observe("ping", start, err)
	return err
}
