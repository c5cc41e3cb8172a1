package gate

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a request-scoped failure with a stable kind that appears in
// response bodies and logs.
type APIError struct {
	Kind    string // stable identifier, e.g. "invalid_key"
	Status  int    // HTTP status to render
	Message string // user-visible message
}

func (e *APIError) Error() string { return e.Kind + ": " + e.Message }

// Errf builds an APIError with a formatted message.
func Errf(kind string, status int, format string, args ...any) *APIError {
	return &APIError{Kind: kind, Status: status, Message: fmt.Sprintf(format, args...)}
}

// Stable error kinds.
const (
	KindMissingAuth        = "missing_auth"
	KindInvalidKey         = "invalid_key"
	KindTenantDisabled     = "tenant_disabled"
	KindModelNotAllowed    = "model_not_allowed"
	KindLimitExceeded      = "limit_exceeded"
	KindNoUpstream         = "no_upstream"
	KindUpstreamError      = "upstream_error"
	KindInvalidRequest     = "invalid_request_error"
	KindServiceUnavailable = "service_unavailable"
	KindInternal           = "internal_error"
)

// Sentinel errors for failures whose message never varies.
var (
	ErrMissingAuth    = &APIError{Kind: KindMissingAuth, Status: http.StatusUnauthorized, Message: "missing credentials"}
	ErrInvalidKey     = &APIError{Kind: KindInvalidKey, Status: http.StatusUnauthorized, Message: "invalid API key"}
	ErrTenantDisabled = &APIError{Kind: KindTenantDisabled, Status: http.StatusForbidden, Message: "tenant disabled"}
	ErrNoUpstream     = &APIError{Kind: KindNoUpstream, Status: http.StatusServiceUnavailable, Message: "no healthy upstream"}
)

// AsAPIError unwraps err to an *APIError, or wraps it as internal_error.
func AsAPIError(err error) *APIError {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae
	}
	return &APIError{Kind: KindInternal, Status: http.StatusInternalServerError, Message: "internal error"}
}
