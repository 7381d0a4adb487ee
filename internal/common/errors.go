package common

import (
	"errors"
	"fmt"
	"time"
)

// AppError represents application-specific errors.
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrInternal     = errors.New("internal error")

	// ErrAlreadyInProgress is returned when an identical file is being
	// processed by another in-flight job. Non-retryable for this submission.
	ErrAlreadyInProgress = errors.New("identical file is already being processed")

	// ErrHeldInQuarantine is returned when an identical file already has a
	// quarantined job. The upload stays blocked until an operator retries or
	// deletes that job.
	ErrHeldInQuarantine = errors.New("identical file is quarantined awaiting operator action")
)

func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// DuplicateError rejects an upload whose content fingerprint already has a
// committed invoice. It carries the conflicting invoice's descriptive fields
// so the caller can show the uploader what blocked them.
type DuplicateError struct {
	InvoiceID      string
	FileName       string
	Date           *time.Time
	TotalAmount    float64
	Counterparty   string
	InvoiceNumber  string
	UploadedByName string
}

func (e *DuplicateError) Error() string {
	date := "n/a"
	if e.Date != nil {
		date = e.Date.Format("2006-01-02")
	}
	return fmt.Sprintf(
		"duplicate invoice detected: file=%s date=%s total=%.2f counterparty=%s number=%s uploaded_by=%s",
		e.FileName, date, e.TotalAmount, e.Counterparty, e.InvoiceNumber, e.UploadedByName,
	)
}

// IsDuplicate reports whether err is (or wraps) a DuplicateError.
func IsDuplicate(err error) bool {
	var de *DuplicateError
	return errors.As(err, &de)
}
