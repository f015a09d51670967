package constants

// contextKey keeps these keys from colliding with other packages' string keys.
type contextKey string

const (
	HeaderXRequestId = "X-Request-Id"

	ContextKeyRequestID contextKey = "x-request-id"
)
