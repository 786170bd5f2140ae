package processor

import (
	"fmt"
	"time"
)

// Outcome classifies a Result.
type Outcome int

const (
	// OutcomeSkipped means the notification was already terminal.
	OutcomeSkipped Outcome = iota
	// OutcomeReleased means the job should run again after Delay.
	OutcomeReleased
	// OutcomeCompleted means a terminal state was persisted.
	OutcomeCompleted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeReleased:
		return "released"
	case OutcomeCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Result is what a call to Process tells the job runner. A transient
// delivery failure is reported as an error instead.
type Result struct {
	Outcome Outcome
	Delay   time.Duration
	Reason  string
}

func Skipped(reason string) Result {
	return Result{Outcome: OutcomeSkipped, Reason: reason}
}

func Release(delay time.Duration, reason string) Result {
	return Result{Outcome: OutcomeReleased, Delay: delay, Reason: reason}
}

func Completed(reason string) Result {
	return Result{Outcome: OutcomeCompleted, Reason: reason}
}

func (r Result) String() string {
	if r.Outcome == OutcomeReleased {
		return fmt.Sprintf("%s(%s, %s)", r.Outcome, r.Delay, r.Reason)
	}
	return fmt.Sprintf("%s(%s)", r.Outcome, r.Reason)
}
