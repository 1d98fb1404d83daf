package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloudkeep/versionstore/internal/core"
)

// Validating wraps a core.KVStore and rejects malformed keys before they
// reach the backend: any composite-key field left empty.
type Validating struct {
	next core.KVStore
}

// NewValidating wraps next with composite-key shape checks.
func NewValidating(next core.KVStore) *Validating {
	return &Validating{next: next}
}

func checkKey(key core.CompositeKey) error {
	if key.Dataset == "" || key.Version == "" || key.Table == "" || key.Key == "" {
		return core.NewValidationError("key", "composite key fields must all be non-empty")
	}
	return nil
}

func (v *Validating) PutOne(ctx context.Context, key core.CompositeKey, value []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	return v.next.PutOne(ctx, key, value)
}

func (v *Validating) GetOne(ctx context.Context, key core.CompositeKey) ([]byte, bool, error) {
	if err := checkKey(key); err != nil {
		return nil, false, err
	}
	return v.next.GetOne(ctx, key)
}

func (v *Validating) PutMany(ctx context.Context, entries map[core.CompositeKey][]byte) error {
	if len(entries) == 0 {
		return core.NewValidationError("empty-batch", "entries must not be empty")
	}
	if len(entries) > core.MaxEntriesPerBatch {
		return core.NewValidationError("batch-too-large",
			fmt.Sprintf("batch of %d entries exceeds the %d-entry ceiling", len(entries), core.MaxEntriesPerBatch))
	}
	for k := range entries {
		if err := checkKey(k); err != nil {
			return err
		}
	}
	return v.next.PutMany(ctx, entries)
}

func (v *Validating) GetMany(ctx context.Context, keys []core.CompositeKey) (map[core.CompositeKey]core.KVResult, error) {
	for _, k := range keys {
		if err := checkKey(k); err != nil {
			return nil, err
		}
	}
	return v.next.GetMany(ctx, keys)
}

func (v *Validating) Ping(ctx context.Context) error {
	return v.next.Ping(ctx)
}

// Instrumented wraps a core.KVStore and records call counts and
// latencies as Prometheus metrics, the same pattern metadata.Instrumented
// uses.
type Instrumented struct {
	next     core.KVStore
	calls    *prometheus.CounterVec
	failures *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewInstrumented registers its metrics on reg and wraps next.
func NewInstrumented(next core.KVStore, reg prometheus.Registerer) *Instrumented {
	i := &Instrumented{
		next: next,
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "versionstore_kv_calls_total",
			Help: "Total KV store calls by operation.",
		}, []string{"operation"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "versionstore_kv_failures_total",
			Help: "Total failed KV store calls by operation.",
		}, []string{"operation"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "versionstore_kv_call_duration_seconds",
			Help:    "KV store call latency by operation.",
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

func (i *Instrumented) PutOne(ctx context.Context, key core.CompositeKey, value []byte) error {
	start := time.Now()
	err := i.next.PutOne(ctx, key, value)
	i.observe("put_one", start, err)
	return err
}

func (i *Instrumented) GetOne(ctx context.Context, key core.CompositeKey) ([]byte, bool, error) {
	start := time.Now()
	value, found, err := i.next.GetOne(ctx, key)
	i.observe("get_one", start, err)
	return value, found, err
}

func (i *Instrumented) PutMany(ctx context.Context, entries map[core.CompositeKey][]byte) error {
	start := time.Now()
	err := i.next.PutMany(ctx, entries)
	i.observe("put_many", start, err)
	return err
}

func (i *Instrumented) GetMany(ctx context.Context, keys []core.CompositeKey) (map[core.CompositeKey]core.KVResult, error) {
	start := time.Now()
	out, err := i.next.GetMany(ctx, keys)
	i.observe("get_many", start, err)
	return out, err
}

func (i *Instrumented) Ping(ctx context.Context) error {
	start := time.Now()
	err := i.next.Ping(ctx)
	i.observe("ping", start, err)
	return err
}
