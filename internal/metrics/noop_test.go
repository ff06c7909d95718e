package metrics

import (
	"testing"
	"time"
)

func TestNoopSink_AllMethods(t *testing.T) {
	s := NewNoopSink()

	s.SweepStarted()
	s.SweepCompleted(time.Second, 5, nil)
	s.JobOutcome(OutcomePublished)
	s.StaleReclaimed(1)
	s.StepFailed("processing")
	s.ProcessingWaitObserved(30*time.Second, 10)
	s.JobsScheduled(4)
	s.NotifyOutcome(NotifyAbandoned)
}

var (
	_ Sink = (*NoopSink)(nil)
	_ Sink = (*PrometheusSink)(nil)
)
