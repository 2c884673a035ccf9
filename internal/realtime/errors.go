package realtime

import "fmt"

const (
	CodeAuthRequired        = "AUTH_REQUIRED"
	CodePermissionDenied    = "PERMISSION_DENIED"
	CodeInvalidMessage      = "INVALID_MESSAGE"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
)

// RouteError is returned to the transport layer when an inbound message is
// rejected before any broadcast or side effect.
type RouteError struct {
	Code    string
	Message string
}

func (e *RouteError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func routeError(code, message string) *RouteError {
	return &RouteError{Code: code, Message: message}
}
