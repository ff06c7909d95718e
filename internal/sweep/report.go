package sweep

import (
	"time"

	"github.com/reelsched/reelsched/internal/metrics"
)

// Result is the per-job outcome of a sweep or a manual publish.
type Result string

const (
	ResultPublished Result = metrics.OutcomePublished
	ResultFailed    Result = metrics.OutcomeFailed
	// ResultSkipped means the job could not be claimed, usually because
	// another caller already moved it out of pending. Nothing is written.
	ResultSkipped Result = metrics.OutcomeSkipped
)

type Outcome struct {
	JobID         string        `json:"job_id"`
	Filename      string        `json:"filename"`
	Result        Result        `json:"result"`
	ContainerID   string        `json:"container_id,omitempty"`
	PublishedID   string        `json:"published_id,omitempty"`
	Permalink     string        `json:"permalink,omitempty"`
	Step          string        `json:"step,omitempty"`
	Error         string        `json:"error,omitempty"`
	Waited        time.Duration `json:"-"`
	WaitedSeconds float64       `json:"waited_seconds"`
}

// Report describes one sweep. It is never persisted.
type Report struct {
	StartedAt      time.Time     `json:"started_at"`
	Elapsed        time.Duration `json:"-"`
	ElapsedSeconds float64       `json:"elapsed_seconds"`
	Selected       int           `json:"selected"`
	Succeeded      int           `json:"succeeded"`
	Failed         int           `json:"failed"`
	Skipped        int           `json:"skipped"`
	Reclaimed      []string      `json:"reclaimed,omitempty"`
	Outcomes       []Outcome     `json:"outcomes"`
}

func (r *Report) add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
	switch o.Result {
	case ResultPublished:
		r.Succeeded++
	case ResultFailed:
		r.Failed++
	case ResultSkipped:
		r.Skipped++
	}
}

func (r *Report) finish(elapsed time.Duration) {
	r.Elapsed = elapsed
	r.ElapsedSeconds = elapsed.Seconds()
}
