package completion

import (
	"errors"
	"fmt"

	"github.com/roach88/quorum/internal/protocol"
)

// FailureKind is the closed set of failures that may cross replicas.
type FailureKind string

const (
	// KindRejected means a node or a business rule refused the request.
	KindRejected FailureKind = "REJECTED"

	// KindProtocolViolation means the responses broke the protocol, such as
	// an aggregate without one answer per node.
	KindProtocolViolation FailureKind = "PROTOCOL_VIOLATION"

	// KindUnavailable means a dependency could not be reached.
	KindUnavailable FailureKind = "UNAVAILABLE"

	// KindInternal covers every other error.
	KindInternal FailureKind = "INTERNAL"
)

// Valid reports whether k is one of the declared kinds.
func (k FailureKind) Valid() bool {
	switch k {
	case KindRejected, KindProtocolViolation, KindUnavailable, KindInternal:
		return true
	}
	return false
}

// Failure is the only error shape relayed between replicas.
type Failure struct {
	Kind    FailureKind `cbor:"kind"`
	Message string      `cbor:"message"`
}

// NewFailure creates a Failure of the given kind.
func NewFailure(kind FailureKind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Is makes errors.Is match failures of the same kind.
func (f *Failure) Is(target error) bool {
	var other *Failure
	if errors.As(target, &other) {
		return other.Kind == f.Kind && (other.Message == "" || other.Message == f.Message)
	}
	return false
}

// AsFailure narrows err to a Failure. Errors that are not already failures
// become KindInternal carrying the error text.
func AsFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Kind: KindInternal, Message: err.Error()}
}

func encodeFailure(f *Failure) ([]byte, error) {
	return protocol.Marshal(f)
}

// decodeFailure accepts only a well-formed Failure of a declared kind.
func decodeFailure(data []byte) (*Failure, error) {
	var f Failure
	if err := protocol.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFailure, err)
	}
	if !f.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedFailure, f.Kind)
	}
	return &f, nil
}
