package points

import (
	"context"
	"errors"
	"fmt"
)

// Domain-level error values returned by the points core.
var (
	ErrInvalidUserID        = errors.New("invalid user id")
	ErrInvalidSource        = errors.New("invalid source")
	ErrInvalidDelta         = errors.New("invalid delta")
	ErrInvalidTier          = errors.New("invalid tier")
	ErrInvalidMetadataJSON  = errors.New("invalid metadata json")
	ErrInvalidReference     = errors.New("invalid reference")
	ErrInvalidDate          = errors.New("invalid date")
	ErrInvalidWindow        = errors.New("invalid window")
	ErrInvalidCheckIn       = errors.New("invalid check-in")
	ErrInvalidPageLimit     = errors.New("invalid page limit")
	ErrInvalidRewardPolicy  = errors.New("invalid reward policy")
	ErrInvalidBalanceFloor  = errors.New("invalid balance floor")
	ErrInvalidServiceConfig = errors.New("invalid service config")
	ErrAlreadyCheckedIn     = errors.New("already checked in")
	ErrDuplicateCheckIn     = errors.New("duplicate check-in")
	ErrAccountLockTimeout   = errors.New("account lock timeout")
	ErrPersistence          = errors.New("persistence failure")
	ErrUnknownAccount       = errors.New("unknown account")
	ErrNoAttendance         = errors.New("no attendance")
)

// ErrorKind groups errors by how a caller should react to them.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindRetryable
	KindFatal
	KindCanceled
)

func (kind ErrorKind) String() string {
	switch kind {
	case KindNone:
		return "none"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindRetryable:
		return "retryable"
	case KindCanceled:
		return "canceled"
	default:
		return "fatal"
	}
}

var validationErrors = []error{
	ErrInvalidUserID,
	ErrInvalidSource,
	ErrInvalidDelta,
	ErrInvalidTier,
	ErrInvalidMetadataJSON,
	ErrInvalidReference,
	ErrInvalidDate,
	ErrInvalidWindow,
	ErrInvalidCheckIn,
	ErrInvalidPageLimit,
}

// Classify maps an error returned by this package to its kind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	// A caller that went away is not a store failure, even when the driver reported it as one.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	// Persistence wins over whatever cause the store wrapped alongside it.
	if errors.Is(err, ErrPersistence) {
		return KindFatal
	}
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return KindValidation
		}
	}
	switch {
	case errors.Is(err, ErrAlreadyCheckedIn), errors.Is(err, ErrDuplicateCheckIn):
		return KindConflict
	case errors.Is(err, ErrUnknownAccount), errors.Is(err, ErrNoAttendance):
		return KindNotFound
	case errors.Is(err, ErrAccountLockTimeout):
		return KindRetryable
	default:
		return KindFatal
	}
}

// Retryable reports whether the caller may retry the operation with backoff.
func Retryable(err error) bool {
	return Classify(err) == KindRetryable
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// PersistenceError marks a storage driver error as ErrPersistence while keeping the cause.
func PersistenceError(cause error) error {
	if cause == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPersistence, cause)
}
