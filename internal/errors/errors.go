// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
	"time"
)

// ErrValidation is returned for malformed scheduling input. Nothing is
// persisted when it occurs.
type ErrValidation struct {
	Field  string
	Reason string
}

func (e *ErrValidation) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func NewValidation(field, reason string) error {
	return &ErrValidation{Field: field, Reason: reason}
}

// ErrNotFound is returned when a referenced record does not exist.
type ErrNotFound struct {
	Kind string
	ID   int64
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s with ID %d not found", e.Kind, e.ID)
}

func NewNotFound(kind string, id int64) error {
	return &ErrNotFound{Kind: kind, ID: id}
}

// ErrRateLimited means the sender's window is full. It is load shedding,
// the work is rescheduled rather than failed.
type ErrRateLimited struct {
	Sender  string
	RetryAt time.Time
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limit reached for %s, next window at %s", e.Sender, e.RetryAt.Format(time.RFC3339))
}

func NewRateLimited(sender string, retryAt time.Time) error {
	return &ErrRateLimited{Sender: sender, RetryAt: retryAt}
}

// ErrTransientSend is a delivery failure worth retrying.
type ErrTransientSend struct {
	Reason string
}

func (e *ErrTransientSend) Error() string { return "transient send failure: " + e.Reason }

func NewTransientSend(reason string) error {
	return &ErrTransientSend{Reason: reason}
}

// ErrPermanentSend is a delivery failure that no retry can fix.
type ErrPermanentSend struct {
	Reason string
}

func (e *ErrPermanentSend) Error() string { return "permanent send failure: " + e.Reason }

func NewPermanentSend(reason string) error {
	return &ErrPermanentSend{Reason: reason}
}

// ErrRetriesExhausted records the last transient failure once the attempt
// cap is reached.
type ErrRetriesExhausted struct {
	Attempts int
	Last     string
}

func (e *ErrRetriesExhausted) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %s", e.Attempts, e.Last)
}

func NewRetriesExhausted(attempts int, last string) error {
	return &ErrRetriesExhausted{Attempts: attempts, Last: last}
}

// ErrUnauthorized is returned when the caller identity cannot be resolved.
type ErrUnauthorized struct {
	Reason string
}

func (e *ErrUnauthorized) Error() string { return "unauthorized: " + e.Reason }

func NewUnauthorized(reason string) error {
	return &ErrUnauthorized{Reason: reason}
}

func IsValidation(err error) bool {
	var v *ErrValidation
	return errors.As(err, &v)
}

func IsNotFound(err error) bool {
	var v *ErrNotFound
	return errors.As(err, &v)
}

func IsUnauthorized(err error) bool {
	var v *ErrUnauthorized
	return errors.As(err, &v)
}
