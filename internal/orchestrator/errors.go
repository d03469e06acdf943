package orchestrator

import (
	"errors"
	"fmt"
)

// RuntimeError represents an error detected while sending or correlating.
//
// RuntimeError includes structured fields for diagnostics.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// CorrelationID identifies the affected call, when known.
	CorrelationID string

	// MessageType is the request or response type involved, when known.
	MessageType string

	// Err is the underlying cause, if any.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeUnknownRequestType indicates no registry entry for a request.
	ErrCodeUnknownRequestType RuntimeErrorCode = "UNKNOWN_REQUEST_TYPE"

	// ErrCodeUnknownResponseType indicates no registry entry for a response.
	ErrCodeUnknownResponseType RuntimeErrorCode = "UNKNOWN_RESPONSE_TYPE"

	// ErrCodeInvalidTargets indicates a target set that does not match the
	// entry's broadcast flag.
	ErrCodeInvalidTargets RuntimeErrorCode = "INVALID_TARGETS"

	// ErrCodeNilArgument indicates a missing request.
	ErrCodeNilArgument RuntimeErrorCode = "NIL_ARGUMENT"

	// ErrCodeQuorumMismatch indicates an aggregate that did not collect
	// exactly one response per node.
	ErrCodeQuorumMismatch RuntimeErrorCode = "QUORUM_MISMATCH"

	// ErrCodeMalformedMessage indicates an inbound message missing headers or
	// carrying an undecodable body.
	ErrCodeMalformedMessage RuntimeErrorCode = "MALFORMED_MESSAGE"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.CorrelationID != "" {
		msg = fmt.Sprintf("%s (correlation=%s)", msg, e.CorrelationID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsUnknownTypeError reports whether err is an unknown request or response
// type error. Uses errors.As to handle wrapped errors.
func IsUnknownTypeError(err error) bool {
	return hasCode(err, ErrCodeUnknownRequestType) || hasCode(err, ErrCodeUnknownResponseType)
}

// IsInvalidTargetsError reports whether err is a target validation error.
func IsInvalidTargetsError(err error) bool {
	return hasCode(err, ErrCodeInvalidTargets)
}

// IsNilArgumentError reports whether err is a nil argument error.
func IsNilArgumentError(err error) bool {
	return hasCode(err, ErrCodeNilArgument)
}

// IsQuorumMismatchError reports whether err is a quorum mismatch.
func IsQuorumMismatchError(err error) bool {
	return hasCode(err, ErrCodeQuorumMismatch)
}

// IsMalformedError reports whether err is a malformed message error.
func IsMalformedError(err error) bool {
	return hasCode(err, ErrCodeMalformedMessage)
}

func newUnknownRequestError(requestType string, cause error) *RuntimeError {
	return &RuntimeError{
		Code:        ErrCodeUnknownRequestType,
		Message:     fmt.Sprintf("no protocol entry for request %q", requestType),
		MessageType: requestType,
		Err:         cause,
	}
}

func newUnknownResponseError(correlationID, responseType string, cause error) *RuntimeError {
	return &RuntimeError{
		Code:          ErrCodeUnknownResponseType,
		Message:       fmt.Sprintf("no protocol entry for response %q", responseType),
		CorrelationID: correlationID,
		MessageType:   responseType,
		Err:           cause,
	}
}

func newInvalidTargetsError(requestType, reason string) *RuntimeError {
	return &RuntimeError{
		Code:        ErrCodeInvalidTargets,
		Message:     reason,
		MessageType: requestType,
	}
}

func newNilArgumentError(what string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeNilArgument,
		Message: what + " must not be nil",
	}
}

func newQuorumMismatchError(correlationID string, got, want int) *RuntimeError {
	return &RuntimeError{
		Code:          ErrCodeQuorumMismatch,
		Message:       fmt.Sprintf("collected %d responses, expected one from each of %d nodes", got, want),
		CorrelationID: correlationID,
	}
}

func newMalformedError(correlationID, messageType, reason string, cause error) *RuntimeError {
	return &RuntimeError{
		Code:          ErrCodeMalformedMessage,
		Message:       reason,
		CorrelationID: correlationID,
		MessageType:   messageType,
		Err:           cause,
	}
}
