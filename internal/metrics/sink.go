package metrics

import "time"

// Sink records scheduler metrics.
// Methods are fire-and-forget: implementations must not block or return errors.
type Sink interface {
	// Sweep metrics
	SweepStarted()
	SweepCompleted(duration time.Duration, selected int, err error)
	JobOutcome(outcome string)
	StaleReclaimed(count int)

	// Workflow metrics
	StepFailed(step string)
	ProcessingWaitObserved(waited time.Duration, checks int)

	// Scheduling metrics
	JobsScheduled(count int)

	// Webhook metrics
	NotifyOutcome(outcome string)
}

// Outcome constants for JobOutcome.
const (
	OutcomePublished = "published"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Outcome constants for NotifyOutcome.
const (
	NotifyDelivered = "delivered"
	NotifyAbandoned = "abandoned"
)
