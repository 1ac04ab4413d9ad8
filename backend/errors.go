package backend

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrRequestFailed   = errors.New("request failed")
)

// Failure codes returned by the commit endpoint.
const (
	CodeItemNotFound      = "ITEM_NOT_FOUND"
	CodeInsufficientStock = "INSUFFICIENT_STOCK"
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeInternal          = "INTERNAL"
)

// HTTPError is a non-2xx response without a structured failure body.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Unwrap() error { return ErrRequestFailed }

// CommitFailure is the structured failure of a bill commit.
type CommitFailure struct {
	StatusCode int
	Code       string
	ItemId     int
	Message    string
}

func (f *CommitFailure) Error() string {
	msg := f.Code
	if f.ItemId != 0 {
		msg = fmt.Sprintf("%s (item %d)", msg, f.ItemId)
	}
	if f.Message != "" {
		msg += ": " + f.Message
	}
	return "commit failed: " + msg
}

func (f *CommitFailure) ErrorCode() string { return f.Code }

// Permanent reports whether resubmitting the same contents would fail the same way.
func (f *CommitFailure) Permanent() bool {
	switch f.Code {
	case CodeItemNotFound, CodeInsufficientStock, CodeInvalidRequest:
		return true
	}
	return false
}

// IsValidation reports whether err is a permanent commit failure.
func IsValidation(err error) bool {
	var f *CommitFailure
	return errors.As(err, &f) && f.Permanent()
}
