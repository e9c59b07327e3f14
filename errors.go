package streamstore

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the store. Callers should use errors.Is, since
// some variants carry additional context in wrapper types below.
var (
	// ErrInvalidParameter is returned when a request is rejected before any I/O.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrConcurrency is returned when expectedVersion does not match the
	// stream's current version, after any applicable retries are exhausted.
	ErrConcurrency = errors.New("concurrency: expected version does not match stream version")

	// ErrDuplicateMessage is returned when a messageId already exists in the
	// store. Use AsDuplicateMessage to recover the offending id.
	ErrDuplicateMessage = errors.New("duplicate message id")

	// ErrInconsistentStreamType is returned when a write targets a stream
	// whose stored type does not match the message's type. Enforced by the
	// Storage Driver; reserved here so callers can match on it.
	ErrInconsistentStreamType = errors.New("inconsistent stream type")

	// ErrDisposed is returned by any write/delete attempted after Dispose
	// has begun.
	ErrDisposed = errors.New("store is disposed")

	// ErrStorageFault wraps any unclassified failure surfaced by the
	// Storage Driver. Never retried automatically.
	ErrStorageFault = errors.New("storage fault")
)

// InvalidParameterError names the offending field so callers can match on
// shape, per spec: "<field> is required" / "<field> must be a UUID".
type InvalidParameterError struct {
	Field  string
	Reason string
}

func (e *InvalidParameterError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("%s is invalid", e.Field)
}

func (e *InvalidParameterError) Is(target error) bool { return target == ErrInvalidParameter }

func invalidParam(field, reason string) error {
	return &InvalidParameterError{Field: field, Reason: reason}
}

// DuplicateMessageError carries the id of the message that already existed.
type DuplicateMessageError struct {
	MessageID string
}

func (e *DuplicateMessageError) Error() string {
	return fmt.Sprintf("duplicate message id: %s", e.MessageID)
}

func (e *DuplicateMessageError) Is(target error) bool { return target == ErrDuplicateMessage }

// AsDuplicateMessage extracts the offending message id, if err is (or wraps)
// a DuplicateMessageError.
func AsDuplicateMessage(err error) (string, bool) {
	var dup *DuplicateMessageError
	if errors.As(err, &dup) {
		return dup.MessageID, true
	}
	return "", false
}

// ConcurrencyError carries the stream and the version the caller expected.
type ConcurrencyError struct {
	StreamID        string
	ExpectedVersion int64
}

func (e *ConcurrencyError) Error() string {
	if e.StreamID == "" {
		return ErrConcurrency.Error()
	}
	return fmt.Sprintf("concurrency: stream %s did not match expected version %d", e.StreamID, e.ExpectedVersion)
}

func (e *ConcurrencyError) Is(target error) bool { return target == ErrConcurrency }

// StorageFaultError wraps an unclassified error from the Storage Driver.
type StorageFaultError struct {
	Op  string
	Err error
}

func (e *StorageFaultError) Error() string {
	return fmt.Sprintf("storage fault during %s: %v", e.Op, e.Err)
}

func (e *StorageFaultError) Unwrap() error { return e.Err }

func (e *StorageFaultError) Is(target error) bool { return target == ErrStorageFault }

func storageFault(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageFaultError{Op: op, Err: err}
}
