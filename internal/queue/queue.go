// Package queue defines the unit of work that drives a notification to a
// terminal state and the capabilities a queue backend must provide.
package queue

import (
	"context"
	"errors"
	"time"
)

// DefaultMaxTries is the job-level retry budget when none was given at
// enqueue time.
const DefaultMaxTries = 10

// ErrClosed is returned by a queue that has been shut down.
var ErrClosed = errors.New("queue closed")

// Job asks a worker to process one notification.
type Job struct {
	NotificationID int64 `json:"notification_id"`

	// MaxTries is the job-level retry budget. Zero means DefaultMaxTries.
	MaxTries int `json:"max_tries,omitempty"`

	// Failures counts runs that ended in a transient error. Releases do
	// not count.
	Failures int `json:"failures"`

	EnqueuedAt int64 `json:"enqueued_at"`
}

// Tries returns the effective retry budget.
func (j Job) Tries() int {
	if j.MaxTries > 0 {
		return j.MaxTries
	}
	return DefaultMaxTries
}

// Exhausted reports whether the job has used its whole budget.
func (j Job) Exhausted() bool {
	return j.Failures >= j.Tries()
}

// Queue accepts jobs for later execution. A zero delay makes the job
// available immediately.
type Queue interface {
	Enqueue(ctx context.Context, job Job, delay time.Duration) error
}

// Message is a received job plus whatever the backend needs to ack it.
type Message struct {
	ID     string
	Handle string
	Job    Job
}

// Consumer hands out jobs to workers. Receive may return an empty slice
// when a poll times out. A message that is not acked within the backend's
// visibility timeout is received again.
type Consumer interface {
	Receive(ctx context.Context) ([]Message, error)
	Ack(ctx context.Context, msg Message) error
}
