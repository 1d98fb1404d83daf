package middleware

type contextKey string

// RequestIDContextKey is the context key carrying the per-request id.
const RequestIDContextKey contextKey = "request_id"

// RequestIDHeader is the header name used both to read a caller-supplied
// request id and to echo it back on the response.
const RequestIDHeader = "X-Request-ID"
