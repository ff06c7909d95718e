package metrics

import "time"

// NoopSink is used when metrics are disabled so callers never nil-check.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) SweepStarted()                                                  {}
func (n *NoopSink) SweepCompleted(duration time.Duration, selected int, err error) {}
func (n *NoopSink) JobOutcome(outcome string)                                      {}
func (n *NoopSink) StaleReclaimed(count int)                                       {}
func (n *NoopSink) StepFailed(step string)                                         {}
func (n *NoopSink) ProcessingWaitObserved(waited time.Duration, checks int)        {}
func (n *NoopSink) JobsScheduled(count int)                                        {}
func (n *NoopSink) NotifyOutcome(outcome string)                                   {}
