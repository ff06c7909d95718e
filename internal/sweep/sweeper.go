// Package sweep drives due jobs through the publish workflow, one job at a
// time, and reports what happened to each.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/reelsched/reelsched/internal/events"
	"github.com/reelsched/reelsched/internal/instagram"
	"github.com/reelsched/reelsched/internal/job"
	"github.com/reelsched/reelsched/internal/metrics"
	"github.com/reelsched/reelsched/internal/publish"
)

const DefaultBatchSize = 5

// interruptedMsg is stored on processing jobs reclaimed as stale.
const interruptedMsg = "publish interrupted: job stayed in processing past the stale threshold"

var (
	ErrSweepInProgress  = errors.New("sweep already in progress")
	ErrAlreadyPublished = errors.New("job already published")
)

type Runner interface {
	Run(ctx context.Context, req publish.Request, hooks publish.Hooks) (*publish.Result, error)
}

type Notifier interface {
	Notify(ctx context.Context, event string, data any)
}

type Config struct {
	BatchSize int
	// StaleAfter enables reclaiming processing jobs started longer ago than
	// this. Zero disables it.
	StaleAfter time.Duration
}

type Sweeper struct {
	store      job.Store
	workflow   Runner
	hub        *events.Hub
	notifier   Notifier
	metrics    metrics.Sink
	clock      func() time.Time
	batchSize  int
	staleAfter time.Duration

	// mu rejects overlapping sweeps. It is not held by PublishSingle.
	mu sync.Mutex
}

func New(store job.Store, workflow Runner, cfg Config) *Sweeper {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return &Sweeper{
		store:      store,
		workflow:   workflow,
		hub:        events.NewHub(),
		metrics:    metrics.NewNoopSink(),
		clock:      time.Now,
		batchSize:  batch,
		staleAfter: cfg.StaleAfter,
	}
}

func (s *Sweeper) WithHub(h *events.Hub) *Sweeper {
	s.hub = h
	return s
}

func (s *Sweeper) WithNotifier(n Notifier) *Sweeper {
	s.notifier = n
	return s
}

func (s *Sweeper) WithMetrics(sink metrics.Sink) *Sweeper {
	s.metrics = sink
	return s
}

func (s *Sweeper) WithClock(clock func() time.Time) *Sweeper {
	s.clock = clock
	return s
}

// Sweep publishes up to BatchSize due jobs in scheduled order. Per-job
// failures end up in the report; only a failed selection returns an error.
// When ctx is cancelled the job in flight is finished and no further job
// is claimed.
func (s *Sweeper) Sweep(ctx context.Context) (*Report, error) {
	if !s.mu.TryLock() {
		return nil, ErrSweepInProgress
	}
	defer s.mu.Unlock()

	start := s.clock()
	s.metrics.SweepStarted()
	report := &Report{StartedAt: start, Outcomes: []Outcome{}}

	if s.staleAfter > 0 {
		report.Reclaimed = s.reclaimStale(ctx, start)
	}

	due, err := s.store.ListDue(ctx, start, s.batchSize)
	if err != nil {
		s.metrics.SweepCompleted(s.clock().Sub(start), 0, err)
		return nil, fmt.Errorf("select due jobs: %w", err)
	}
	report.Selected = len(due)

	for i, j := range due {
		if ctx.Err() != nil {
			slog.Warn("sweep: stopping early", "remaining", len(due)-i, "error", ctx.Err())
			break
		}
		out := s.process(ctx, j)
		report.add(out)
		s.metrics.JobOutcome(string(out.Result))
	}

	report.finish(s.clock().Sub(start))
	s.metrics.SweepCompleted(report.Elapsed, report.Selected, nil)

	if report.Selected > 0 || len(report.Reclaimed) > 0 {
		slog.Info("sweep completed",
			"selected", report.Selected,
			"succeeded", report.Succeeded,
			"failed", report.Failed,
			"skipped", report.Skipped,
			"reclaimed", len(report.Reclaimed),
			"elapsed", report.Elapsed.String(),
		)
		if s.notifier != nil {
			s.notifier.Notify(context.WithoutCancel(ctx), "sweep.completed", report)
		}
	}
	return report, nil
}

// PublishSingle claims one job and runs the workflow for it right away.
// A failed job is reset to pending first; a published job is left alone.
func (s *Sweeper) PublishSingle(ctx context.Context, id string) (*Outcome, error) {
	j, err := s.ClaimSingle(ctx, id)
	if err != nil {
		return nil, err
	}
	out := s.RunClaimed(ctx, j)
	return &out, nil
}

// ClaimSingle moves a job to processing so RunClaimed can publish it.
func (s *Sweeper) ClaimSingle(ctx context.Context, id string) (*job.Job, error) {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch j.Status {
	case job.StatusPublished:
		return nil, ErrAlreadyPublished
	case job.StatusProcessing:
		return nil, fmt.Errorf("%w: job is already being published", job.ErrTransitionDenied)
	case job.StatusFailed:
		if j, err = s.store.Reschedule(ctx, id, s.clock()); err != nil {
			return nil, fmt.Errorf("reset failed job: %w", err)
		}
		slog.Info("retrying failed job", "job_id", id)
	}

	claimed, err := s.store.UpdateStatus(ctx, id, job.StatusProcessing, job.Fields{})
	if err != nil {
		return nil, err
	}
	s.hub.Publish(id, events.EventStatus, statusEvent{Status: job.StatusProcessing})
	return claimed, nil
}

// RunClaimed runs the workflow for a job already in processing and records
// the result.
func (s *Sweeper) RunClaimed(ctx context.Context, j *job.Job) (out Outcome) {
	out = Outcome{JobID: j.ID, Filename: j.Filename}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("publish panicked", "job_id", j.ID, "panic", r)
			out = s.fail(ctx, out, "", fmt.Sprintf("internal error: %v", r))
		}
		s.metrics.JobOutcome(string(out.Result))
		if s.notifier != nil {
			s.notifier.Notify(context.WithoutCancel(ctx), "publish.completed", out)
		}
	}()
	return s.execute(ctx, j, out)
}

// process handles one selected job. It never returns an error; every fault
// becomes part of the outcome.
func (s *Sweeper) process(ctx context.Context, j *job.Job) (out Outcome) {
	out = Outcome{JobID: j.ID, Filename: j.Filename}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("sweep: job panicked", "job_id", j.ID, "panic", r)
			out = s.fail(ctx, out, "", fmt.Sprintf("internal error: %v", r))
		}
	}()

	if _, err := s.store.UpdateStatus(ctx, j.ID, job.StatusProcessing, job.Fields{}); err != nil {
		if errors.Is(err, job.ErrTransitionDenied) || errors.Is(err, job.ErrNotFound) {
			slog.Info("sweep: job no longer claimable", "job_id", j.ID, "error", err)
			out.Result = ResultSkipped
			out.Error = err.Error()
			return out
		}
		// The job is still pending, so the next sweep picks it up again.
		slog.Error("sweep: claim job", "job_id", j.ID, "error", err)
		out.Result = ResultFailed
		out.Error = err.Error()
		return out
	}
	s.hub.Publish(j.ID, events.EventStatus, statusEvent{Status: job.StatusProcessing})

	return s.execute(ctx, j, out)
}

func (s *Sweeper) execute(ctx context.Context, j *job.Job, out Outcome) Outcome {
	log := slog.With("job_id", j.ID, "filename", j.Filename)
	log.Info("publishing")

	res, err := s.workflow.Run(ctx, publish.Request{JobID: j.ID, MediaURL: j.VideoURL, Caption: j.Caption}, publish.Hooks{
		OnContainer: func(ctx context.Context, containerID string) error {
			return s.store.SetContainer(ctx, j.ID, containerID)
		},
		OnProgress: func(p publish.Progress) {
			s.hub.Publish(j.ID, events.EventProgress, progressEvent{
				ContainerID:    p.ContainerID,
				Checks:         p.Checks,
				ElapsedSeconds: p.Elapsed.Seconds(),
			})
		},
	})
	if res != nil {
		out.ContainerID = res.ContainerID
		out.Waited = res.Waited.Elapsed
		out.WaitedSeconds = res.Waited.Elapsed.Seconds()
	}
	if err != nil {
		step := ""
		var stepErr *publish.StepError
		if errors.As(err, &stepErr) {
			step = string(stepErr.Step)
		}
		log.Warn("publish failed", "step", step, "error", err)
		return s.fail(ctx, out, step, err.Error())
	}

	if _, err := s.store.UpdateStatus(context.WithoutCancel(ctx), j.ID, job.StatusPublished, job.Fields{PublishedID: res.PublishedID}); err != nil {
		log.Error("published but not recorded", "published_id", res.PublishedID, "error", err)
		return s.fail(ctx, out, "", fmt.Sprintf("published as %s but could not record it: %v", res.PublishedID, err))
	}

	out.Result = ResultPublished
	out.PublishedID = res.PublishedID
	out.Permalink = instagram.Permalink(res.PublishedID)
	log.Info("job published", "published_id", res.PublishedID)
	s.hub.PublishFinal(j.ID, events.EventResult, out)
	return out
}

// fail records the failure on the job. If even that write fails, the
// outcome still says failed and the write error is logged.
func (s *Sweeper) fail(ctx context.Context, out Outcome, step, msg string) Outcome {
	out.Result = ResultFailed
	out.Step = step
	out.Error = msg
	if _, err := s.store.UpdateStatus(context.WithoutCancel(ctx), out.JobID, job.StatusFailed, job.Fields{Error: msg}); err != nil {
		slog.Error("record job failure", "job_id", out.JobID, "error", err)
	}
	s.hub.PublishFinal(out.JobID, events.EventResult, out)
	return out
}

func (s *Sweeper) reclaimStale(ctx context.Context, now time.Time) []string {
	ids, err := s.store.FailStale(ctx, now.Add(-s.staleAfter), interruptedMsg)
	if err != nil {
		slog.Error("sweep: reclaim stale jobs", "error", err)
		return nil
	}
	if len(ids) > 0 {
		slog.Warn("sweep: marked stale processing jobs failed", "count", len(ids), "job_ids", ids)
		s.metrics.StaleReclaimed(len(ids))
		for _, id := range ids {
			s.hub.PublishFinal(id, events.EventResult, Outcome{JobID: id, Result: ResultFailed, Error: interruptedMsg})
		}
	}
	return ids
}

type statusEvent struct {
	Status job.Status `json:"status"`
}

type progressEvent struct {
	ContainerID    string  `json:"container_id"`
	Checks         int     `json:"checks"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}
