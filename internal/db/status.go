package db

import (
	"fmt"
	"strconv"
)

// Status is the lifecycle state of a notification.
//
// Transitions:
//
//	pending    -> processing | failed | cancelled
//	processing -> processing | sent | failed | cancelled
//
// processing -> processing is the re-entry taken by a retry after a transient
// delivery failure. pending -> failed is only taken when the queue gives up
// on a job before any attempt could start. Sent, failed and cancelled are
// terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

var allStatuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusSent,
	StatusFailed,
	StatusCancelled,
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusProcessing, StatusSent, StatusFailed, StatusCancelled},
}

// AllStatuses returns every known status in lifecycle order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	for _, s := range allStatuses {
		if string(s) == raw {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown notification status %s", strconv.Quote(raw))
}

// IsTerminal reports whether no further transition is permitted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSent, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanRetry reports whether a delivery attempt may still be made.
func (s Status) CanRetry() bool {
	return s == StatusPending || s == StatusProcessing
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) String() string {
	return string(s)
}
