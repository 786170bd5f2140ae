// Package delivery resolves a notification's channel by name and hands the
// notification to it.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/lalithlochan/courier/internal/db"
)

// ErrChannelNotFound is returned when no channel is registered under a name.
// Retrying cannot fix it, so callers treat it as permanent.
var ErrChannelNotFound = errors.New("notification channel not found")

// Channel delivers a notification through one transport.
// Returned errors are transient unless wrapped with Permanent.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, notif *db.Notification) error
}

// PermanentError marks a delivery failure that will not succeed on retry,
// such as a payload without a recipient or a 4xx from a webhook target.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent delivery failure: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a PermanentError. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf formats a PermanentError.
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err should end delivery without retrying.
func IsPermanent(err error) bool {
	if errors.Is(err, ErrChannelNotFound) {
		return true
	}
	var perr *PermanentError
	return errors.As(err, &perr)
}
