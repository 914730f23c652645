package reliability

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind buckets a failure for degrade decisions and metrics labels.
type Kind string

const (
	KindUnavailable Kind = "unavailable"
	KindTimeout     Kind = "timeout"
	KindAuth        Kind = "auth"
	KindBadRequest  Kind = "bad_request"
	KindUnknown     Kind = "unknown"
)

// ServiceError is a classified failure from one of the external services.
type ServiceError struct {
	Service string
	Kind    Kind
	Status  int
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Service, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Service, e.Kind, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// NewServiceError wraps err with a service name and classified kind.
func NewServiceError(service string, kind Kind, status int, err error) *ServiceError {
	return &ServiceError{Service: service, Kind: kind, Status: status, Err: err}
}

// StatusKind classifies an HTTP status code returned by an external service.
func StatusKind(code int) Kind {
	switch {
	case code == 401 || code == 403:
		return KindAuth
	case code == 429 || code >= 500:
		return KindUnavailable
	case code >= 400:
		return KindBadRequest
	default:
		return KindUnknown
	}
}

// TransportKind classifies a transport-level error from an HTTP round trip.
func TransportKind(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindUnavailable
}

// KindOf extracts the classified kind from an error chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsTimeout reports whether the error chain is a timeout-kind failure.
func IsTimeout(err error) bool { return KindOf(err) == KindTimeout }
