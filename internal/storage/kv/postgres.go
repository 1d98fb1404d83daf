package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cloudkeep/versionstore/internal/core"
	"github.com/cloudkeep/versionstore/internal/database/postgres"
)

// wrapWriteError classifies a write-path backend error the same way
// metadata.PostgresStore does: a rate-limit signal from PostgreSQL
// (connection-pool exhaustion, a configured resource limit, a lock the
// database could not grant) surfaces as core.TooManyRequests instead of a
// plain internal error, so the caller backs off rather than treating the
// write as permanently broken.
func wrapWriteError(message string, err error) error {
	if postgres.IsRateLimited(err) {
		return core.NewTooManyRequestsError(message + ": " + err.Error())
	}
	return core.WrapInternal(message, err)
}

// PostgresStore implements core.KVStore on a single bytea-valued table,
// keyed by the four columns of core.CompositeKey. Values pass through the
// zstd envelope codec in envelope.go before they touch the wire.
type PostgresStore struct {
	db     postgres.DatabaseConnection
	logger *slog.Logger
}

// NewPostgresStore creates a KV store backed by an already-connected pool.
func NewPostgresStore(db postgres.DatabaseConnection, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

// Migrate creates the entries table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS entries (
	dataset    TEXT NOT NULL,
	version    TEXT NOT NULL,
	table_name TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      BYTEA NOT NULL,
	PRIMARY KEY (dataset, version, table_name, key)
);
`
	_, err := s.db.Exec(ctx, ddl)
	if err != nil {
		return core.WrapInternal("failed to migrate kv schema", err)
	}
	return nil
}

// PutOne implements core.KVStore.
func (s *PostgresStore) PutOne(ctx context.Context, key core.CompositeKey, value []byte) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO entries (dataset, version, table_name, key, value)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (dataset, version, table_name, key) DO UPDATE SET value = EXCLUDED.value`,
		key.Dataset, key.Version, key.Table, key.Key, encodeValue(value))
	if err != nil {
		return wrapWriteError("failed to write entry", err)
	}
	return nil
}

// GetOne implements core.KVStore.
func (s *PostgresStore) GetOne(ctx context.Context, key core.CompositeKey) ([]byte, bool, error) {
	row := s.db.QueryRow(ctx,
		`SELECT value FROM entries WHERE dataset = $1 AND version = $2 AND table_name = $3 AND key = $4`,
		key.Dataset, key.Version, key.Table, key.Key)

	var stored []byte
	if err := row.Scan(&stored); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, core.WrapInternal("failed to read entry", err)
	}

	value, err := decodeValue(stored)
	if err != nil {
		return nil, false, core.WrapInternal("failed to decode entry", err)
	}
	return value, true, nil
}

// PutMany implements core.KVStore using pgx's batch pipeline so the N
// writes round-trip in one network exchange.
func (s *PostgresStore) PutMany(ctx context.Context, entries map[core.CompositeKey][]byte) error {
	if len(entries) == 0 {
		return core.NewValidationError("empty-batch", "entries must not be empty")
	}
	if len(entries) > core.MaxEntriesPerBatch {
		return core.NewValidationError("batch-too-large",
			fmt.Sprintf("batch of %d entries exceeds the %d-entry ceiling", len(entries), core.MaxEntriesPerBatch))
	}

	pooled, ok := s.db.(interface {
		Pool() *pgxpool.Pool
	})
	if !ok {
		for k, v := range entries {
			if err := s.PutOne(ctx, k, v); err != nil {
				return err
			}
		}
		return nil
	}

	batch := &pgx.Batch{}
	for k, v := range entries {
		batch.Queue(
			`INSERT INTO entries (dataset, version, table_name, key, value)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (dataset, version, table_name, key) DO UPDATE SET value = EXCLUDED.value`,
			k.Dataset, k.Version, k.Table, k.Key, encodeValue(v))
	}

	br := pooled.Pool().SendBatch(ctx, batch)
	defer br.Close()
	for range entries {
		if _, err := br.Exec(); err != nil {
			return wrapWriteError("failed to write entry batch", err)
		}
	}
	return nil
}

// GetMany implements core.KVStore, returning a KVResult for every
// requested key including misses. Each key is fetched with its own
// point lookup rather than one dynamic IN-list query — the primary key
// is four columns wide, and batch reads are not a performance-critical path.
func (s *PostgresStore) GetMany(ctx context.Context, keys []core.CompositeKey) (map[core.CompositeKey]core.KVResult, error) {
	out := make(map[core.CompositeKey]core.KVResult, len(keys))
	for _, k := range keys {
		value, found, err := s.GetOne(ctx, k)
		if err != nil {
			return nil, err
		}
		out[k] = core.KVResult{Value: value, Found: found}
	}
	return out, nil
}

// Ping implements core.KVStore.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Health(ctx)
}
