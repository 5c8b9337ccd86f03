package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Kind is the error taxonomy used to decide between retry, review and
// job failure.
type Kind string

const (
	// KindTransient covers capability timeouts and rate limits.
	KindTransient Kind = "transient"
	// KindQuality covers low confidence and schema-invalid output.
	KindQuality Kind = "quality"
	// KindStructural covers undecodable documents and unknown subtypes.
	KindStructural Kind = "structural"
	// KindInfrastructure covers ledger and storage outages.
	KindInfrastructure Kind = "infrastructure"
	// KindCancelled covers cancellation at a phase boundary.
	KindCancelled Kind = "cancelled"
)

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// QualityError marks output that was produced but cannot be trusted.
type QualityError struct {
	Err error
}

func (e *QualityError) Error() string { return e.Err.Error() }

func (e *QualityError) Unwrap() error { return e.Err }

// StructuralError fails a job at the earliest phase with a user-facing reason.
type StructuralError struct {
	Reason string
	Err    error
}

func (e *StructuralError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *StructuralError) Unwrap() error { return e.Err }

// NewStructuralError builds a StructuralError.
func NewStructuralError(reason string, err error) *StructuralError {
	return &StructuralError{Reason: reason, Err: err}
}

// InfrastructureError marks failures of the ledger or storage layer.
type InfrastructureError struct {
	Err error
}

func (e *InfrastructureError) Error() string { return e.Err.Error() }

func (e *InfrastructureError) Unwrap() error { return e.Err }

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"rate limit",
		"overloaded",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504, 529:
		return true
	default:
		return false
	}
}

// Classify maps err onto the error taxonomy. Unrecognised errors are treated
// as infrastructure failures so they surface instead of degrading output.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var (
		se *StructuralError
		qe *QualityError
		ie *InfrastructureError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.As(err, &se):
		return KindStructural
	case errors.As(err, &qe):
		return KindQuality
	case errors.As(err, &ie):
		return KindInfrastructure
	case errors.Is(err, ErrCircuitOpen), errors.Is(err, ErrRetryBudgetExhausted), IsTransient(err):
		return KindTransient
	}
	return KindInfrastructure
}

// Reason returns the user-facing reason carried by a StructuralError, or "".
func Reason(err error) string {
	var se *StructuralError
	if errors.As(err, &se) {
		return se.Reason
	}
	return ""
}
