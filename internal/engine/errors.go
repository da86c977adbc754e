package engine

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateIdentity        = errors.New("duplicate identity")
	ErrInvalidOrExpiredToken    = errors.New("invalid or expired token")
	ErrIncorrectPassword        = errors.New("incorrect password")
	ErrNotVerified              = errors.New("account not verified")
	ErrUserNotFound             = errors.New("user not found")
	ErrNoReportData             = errors.New("no report data")
	ErrInvalidAssignmentRequest = errors.New("invalid assignment request")
	ErrInvalidDeadlineFormat    = errors.New("invalid deadline format")
	ErrStorageUnavailable       = errors.New("storage unavailable")
	ErrNotificationFailed       = errors.New("notification failed")

	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidStatus     = errors.New("invalid status")
	ErrDuplicateLetter   = errors.New("letter already registered for department")
	ErrAlreadySetUp      = errors.New("main admin already set up")
)

// StorageError wraps a persistence or file storage failure. The cause is for
// logs only.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: storage unavailable", e.Op)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorageUnavailable, e.Cause}
}

// NotificationError reports a send that failed after the state change it
// announces was committed. OutboxID is zero for messages that are not kept
// in the outbox.
type NotificationError struct {
	OutboxID  int64
	Recipient string
	Cause     error
}

func (e *NotificationError) Error() string {
	if e.OutboxID > 0 {
		return fmt.Sprintf("notification %d to %s failed: %v", e.OutboxID, e.Recipient, e.Cause)
	}
	return fmt.Sprintf("notification to %s failed: %v", e.Recipient, e.Cause)
}

func (e *NotificationError) Unwrap() []error {
	return []error{ErrNotificationFailed, e.Cause}
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Cause: err}
}
