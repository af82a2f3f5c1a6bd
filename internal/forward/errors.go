package forward

import "net/http"

// Kind classifies a dispatch failure. Each kind maps to exactly one HTTP
// status on the client response.
type Kind string

const (
	KindBadGateway     Kind = "bad_gateway"         // connect error, upstream 5xx after retries
	KindGatewayTimeout Kind = "gateway_timeout"     // per-attempt timeout, no retries left
	KindUnavailable    Kind = "service_unavailable" // circuit breaker open
	KindInternal       Kind = "internal_error"
)

// Status returns the HTTP status code for the kind.
func (k Kind) Status() int {
	switch k {
	case KindBadGateway:
		return http.StatusBadGateway
	case KindGatewayTimeout:
		return http.StatusGatewayTimeout
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified forwarding failure.
type Error struct {
	Kind    Kind
	Message string
	// RetryAfter, in seconds, is set when the breaker is open.
	RetryAfter int64
	// Upstream holds the last upstream status for 5xx failures, 0 otherwise.
	Upstream int
	Err      error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }
