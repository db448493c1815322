package connector

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol marks malformed or out-of-sequence replication data.
	ErrProtocol = errors.New("replication protocol error")
	// ErrConnection marks a lost or refused replication connection.
	ErrConnection = errors.New("replication connection error")
	// ErrFilterEvaluation marks a predicate that could not be evaluated.
	ErrFilterEvaluation = errors.New("filter evaluation error")
	// ErrDeliveryTransient marks a retryable sink failure.
	ErrDeliveryTransient = errors.New("transient delivery error")
	// ErrDeliveryFatal marks a message the destination will never accept.
	ErrDeliveryFatal = errors.New("fatal delivery error")
	// ErrFlushInvariant marks a flush position that would lose data.
	ErrFlushInvariant = errors.New("flush invariant violation")
	// ErrNotFound is returned by stores when a key is absent.
	ErrNotFound = errors.New("not found")
)

// ProtocolError is raised on malformed framing or a row that references an
// undescribed relation.
type ProtocolError struct {
	LSN    LSN
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "protocol error"
	if e.LSN != 0 {
		msg += " at " + e.LSN.String()
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProtocol}
	}
	return []error{ErrProtocol, e.Err}
}

// Protocolf builds a ProtocolError with a formatted reason.
func Protocolf(lsn LSN, format string, args ...any) error {
	return &ProtocolError{LSN: lsn, Reason: fmt.Sprintf(format, args...)}
}

// ConnectionError wraps a replication transport failure.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return "connection error: " + e.Op
	}
	return "connection error: " + e.Op + ": " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConnection}
	}
	return []error{ErrConnection, e.Err}
}

// FilterEvaluationError reports a predicate that failed at runtime, usually
// a type mismatch between the configured value and the column value.
type FilterEvaluationError struct {
	ConsumerID string
	Column     string
	Err        error
}

func (e *FilterEvaluationError) Error() string {
	return fmt.Sprintf("filter evaluation failed consumer=%s column=%s: %v", e.ConsumerID, e.Column, e.Err)
}

func (e *FilterEvaluationError) Unwrap() []error {
	return []error{ErrFilterEvaluation, e.Err}
}

// DeliveryTransientError is retried with backoff.
type DeliveryTransientError struct {
	Err error
}

func (e *DeliveryTransientError) Error() string {
	if e.Err == nil {
		return ErrDeliveryTransient.Error()
	}
	return "transient delivery error: " + e.Err.Error()
}

func (e *DeliveryTransientError) Unwrap() []error {
	return []error{ErrDeliveryTransient, e.Err}
}

// DeliveryFatalError isolates a message for dead-lettering. Index is the
// position of the offending message in its batch, or -1.
type DeliveryFatalError struct {
	Err   error
	Index int
}

func (e *DeliveryFatalError) Error() string {
	if e.Err == nil {
		return ErrDeliveryFatal.Error()
	}
	return "fatal delivery error: " + e.Err.Error()
}

func (e *DeliveryFatalError) Unwrap() []error {
	return []error{ErrDeliveryFatal, e.Err}
}

// FlushInvariantViolation is raised when a computed flush position would
// move backwards or past undelivered data.
type FlushInvariantViolation struct {
	Slot     string
	Computed LSN
	Previous LSN
	Limit    LSN
}

func (e *FlushInvariantViolation) Error() string {
	return fmt.Sprintf("flush invariant violation slot=%s computed=%s previous=%s limit=%s",
		e.Slot, e.Computed, e.Previous, e.Limit)
}

func (e *FlushInvariantViolation) Unwrap() error {
	return ErrFlushInvariant
}

// AsProtocol extracts a ProtocolError from an error chain.
func AsProtocol(err error) (*ProtocolError, bool) {
	var target *ProtocolError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// AsFatal extracts a DeliveryFatalError from an error chain.
func AsFatal(err error) (*DeliveryFatalError, bool) {
	var target *DeliveryFatalError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
