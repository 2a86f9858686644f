// Package gatewayerrors holds the gateway's sentinel errors and the
// HTTP status mapping the pipeline uses to turn an internal failure
// into a response.
package gatewayerrors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNoHealthyInstance indicates every instance of a service is
	// unhealthy, disabled, or the service was never registered.
	ErrNoHealthyInstance = errors.New("no healthy instances available")

	// ErrRateLimited indicates the caller's identity has exceeded its
	// admission budget.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrCircuitOpen indicates the service's circuit breaker is
	// currently rejecting requests.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrBadPath indicates the inbound path could not be parsed into
	// (service, remaining-path).
	ErrBadPath = errors.New("unparseable request path")

	// ErrUpstreamFault indicates the forwarded request failed at the
	// transport level (connection refused, timeout, reset).
	ErrUpstreamFault = errors.New("upstream request failed")

	// ErrServiceNotFound indicates the named service has no registered
	// instances at all.
	ErrServiceNotFound = errors.New("service not found")

	// ErrInstanceNotFound indicates an admin-API operation referenced
	// an instance ID the registry does not hold.
	ErrInstanceNotFound = errors.New("instance not found")
)

// GatewayError carries the HTTP status a failure should surface as,
// alongside the underlying cause. It is grounded on the teacher's
// CrossingError, renamed to fit the gateway's own vocabulary.
type GatewayError struct {
	Code    int
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error { return e.Err }

// HTTPStatusCode returns the HTTP status this error should surface as.
func (e *GatewayError) HTTPStatusCode() int { return e.Code }

// New wraps err as a GatewayError with an explicit status and message.
func New(code int, message string, err error) *GatewayError {
	return &GatewayError{Code: code, Message: message, Err: err}
}

// ToHTTP converts any error into a GatewayError with an appropriate
// HTTP status, mapping the package's sentinels and falling back to 500
// for anything unrecognized.
func ToHTTP(err error) *GatewayError {
	if err == nil {
		return nil
	}

	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}

	switch {
	case errors.Is(err, ErrNoHealthyInstance):
		return New(http.StatusServiceUnavailable, err.Error(), err)
	case errors.Is(err, ErrRateLimited):
		return New(http.StatusTooManyRequests, err.Error(), err)
	case errors.Is(err, ErrCircuitOpen):
		return New(http.StatusServiceUnavailable, "Service unavailable (circuit breaker open)", err)
	case errors.Is(err, ErrBadPath):
		return New(http.StatusBadRequest, err.Error(), err)
	case errors.Is(err, ErrServiceNotFound):
		return New(http.StatusNotFound, err.Error(), err)
	case errors.Is(err, ErrInstanceNotFound):
		return New(http.StatusNotFound, err.Error(), err)
	case errors.Is(err, ErrUpstreamFault):
		return New(http.StatusBadGateway, err.Error(), err)
	default:
		return New(http.StatusInternalServerError, "internal gateway error", err)
	}
}
