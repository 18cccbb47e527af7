package domain

import "errors"

// Error taxonomy for the search core. Gate failures must be distinguishable
// by callers so a blocked request can say why it was blocked instead of
// collapsing into a generic 500.
var (
	// ErrBudgetExceeded: a global or per-user spend ceiling was hit; the
	// upstream call was never issued.
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrBreakerOpen: the circuit breaker for the upstream resource is open.
	ErrBreakerOpen = errors.New("circuit breaker open")

	// ErrUpstreamTransient: retryable upstream failure (timeout, 5xx).
	ErrUpstreamTransient = errors.New("upstream transient failure")

	// ErrUpstreamFatal: non-retryable upstream failure (malformed request,
	// auth rejection).
	ErrUpstreamFatal = errors.New("upstream fatal failure")

	// ErrInsufficientCredits: the user's balance cannot cover the charge.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrDuplicateDispatch: two leaders for the same key. Should never
	// surface; seeing it means the inflight test-and-set was violated.
	ErrDuplicateDispatch = errors.New("duplicate dispatch")

	// ErrCacheStoreUnavailable: the key-value store is unreachable. Callers
	// degrade (treat as miss, fall back to in-process counters) rather than
	// failing the request.
	ErrCacheStoreUnavailable = errors.New("cache store unavailable")

	// ErrInflightLimit: too many concurrent upstream calls for the resource.
	ErrInflightLimit = errors.New("inflight limit reached")
)

// ErrorCode maps a taxonomy error to a stable string for API responses and
// metrics labels. Unknown errors map to "internal".
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrBudgetExceeded):
		return "budget_exceeded"
	case errors.Is(err, ErrBreakerOpen):
		return "breaker_open"
	case errors.Is(err, ErrUpstreamTransient):
		return "upstream_transient"
	case errors.Is(err, ErrUpstreamFatal):
		return "upstream_fatal"
	case errors.Is(err, ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, ErrDuplicateDispatch):
		return "duplicate_dispatch"
	case errors.Is(err, ErrCacheStoreUnavailable):
		return "cache_unavailable"
	case errors.Is(err, ErrInflightLimit):
		return "inflight_limit"
	default:
		return "internal"
	}
}
