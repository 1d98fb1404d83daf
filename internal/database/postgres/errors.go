package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Common errors
var (
	// ErrNotConnected indicates that the pool is not connected to the database
	ErrNotConnected = errors.New("database pool is not connected")

	// ErrConnectionFailed indicates that connection to database failed
	ErrConnectionFailed = errors.New("failed to connect to database")

	// ErrConnectionClosed indicates that the connection pool is closed
	ErrConnectionClosed = errors.New("database connection pool is closed")

	// ErrHealthCheckFailed indicates that health check failed
	ErrHealthCheckFailed = errors.New("database health check failed")

	// ErrInvalidConfig indicates that configuration is invalid
	ErrInvalidConfig = errors.New("invalid database configuration")
)

// rateLimitedCodes holds the PostgreSQL error codes that mean the backend
// itself is refusing work rather than rejecting it: the pool is out of
// connections, a configured resource limit was hit, or a lock/connection
// slot could not be obtained in time. These are the codes that should
// surface to callers as core.TooManyRequests so they back off instead of
// being told the request itself was invalid.
var rateLimitedCodes = map[string]bool{
	"53300": true, // too_many_connections
	"53400": true, // configuration_limit_exceeded
	"55P03": true, // lock_not_available
	"57P03": true, // cannot_connect_now
}

// retryableCodes holds the PostgreSQL error codes worth a transient retry:
// the rate-limited set above, plus connection failure and the
// serialization and deadlock failures that a bare retry usually resolves.
var retryableCodes = map[string]bool{
	"08006": true, // connection_failure
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"53300": true, // too_many_connections
	"53400": true, // configuration_limit_exceeded
	"55P03": true, // lock_not_available
	"57P03": true, // cannot_connect_now
}

// pgCode extracts the PostgreSQL error code from err, if any.
func pgCode(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, true
	}
	return "", false
}

// IsRateLimited reports whether err is a PostgreSQL signal that the backend
// is out of capacity (connection slots, configured resource limits, lock
// acquisition) rather than a request-shape problem. Callers use this to
// decide between core.WrapInternal and core.NewTooManyRequestsError.
func IsRateLimited(err error) bool {
	code, ok := pgCode(err)
	return ok && rateLimitedCodes[code]
}

// IsRetryable reports whether err is a transient PostgreSQL failure a
// connection retry or write retry is likely to clear.
func IsRetryable(err error) bool {
	code, ok := pgCode(err)
	return ok && retryableCodes[code]
}
