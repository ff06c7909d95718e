// Package publish runs the three-step Reel publish sequence: create a
// container, wait for remote processing, then finalize.
package publish

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/reelsched/reelsched/internal/instagram"
	"github.com/reelsched/reelsched/internal/metrics"
	"github.com/reelsched/reelsched/internal/observability"
)

type Step string

const (
	StepCreateContainer Step = "create_container"
	StepProcessing      Step = "processing"
	StepFinalize        Step = "finalize"
)

// Kind names the failure class reported for each step.
func (s Step) Kind() string {
	switch s {
	case StepCreateContainer:
		return "ContainerCreationFailed"
	case StepProcessing:
		return "ProcessingFailed"
	case StepFinalize:
		return "FinalizeFailed"
	default:
		return "Unknown"
	}
}

// StepError reports which step stopped the workflow. Its message is the
// underlying error's, which is the remote-provided text when there is one.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return e.Err.Error()
}

func (e *StepError) Unwrap() error {
	return e.Err
}

type Remote interface {
	StatusChecker
	CreateContainer(ctx context.Context, videoURL, caption string) (string, error)
	Publish(ctx context.Context, containerID string) (string, error)
}

type Request struct {
	JobID    string
	MediaURL string
	Caption  string
}

type Hooks struct {
	// OnContainer runs right after the container is created. An error
	// stops the workflow and is returned as is.
	OnContainer func(ctx context.Context, containerID string) error
	OnProgress  func(Progress)
}

type Result struct {
	ContainerID string
	PublishedID string
	Waited      WaitResult
}

type Workflow struct {
	remote  Remote
	waiter  *Waiter
	metrics metrics.Sink
}

func NewWorkflow(remote Remote, waiter *Waiter) *Workflow {
	return &Workflow{remote: remote, waiter: waiter, metrics: metrics.NewNoopSink()}
}

func (w *Workflow) WithMetrics(sink metrics.Sink) *Workflow {
	w.metrics = sink
	return w
}

// Run executes the steps in order and stops at the first failure. No step
// is retried.
func (w *Workflow) Run(ctx context.Context, req Request, hooks Hooks) (*Result, error) {
	ctx, span := observability.StartSpan(ctx, "publish.workflow", attribute.String("job.id", req.JobID))
	res, err := w.run(ctx, req, hooks)
	observability.EndSpan(span, err)
	return res, err
}

func (w *Workflow) run(ctx context.Context, req Request, hooks Hooks) (*Result, error) {
	log := slog.With("job_id", req.JobID)
	res := &Result{}

	containerID, err := w.step(ctx, StepCreateContainer, func(ctx context.Context) (string, error) {
		return w.remote.CreateContainer(ctx, req.MediaURL, req.Caption)
	})
	if err != nil {
		return nil, err
	}
	res.ContainerID = containerID
	log.Info("container created", "container_id", containerID)

	if hooks.OnContainer != nil {
		if err := hooks.OnContainer(ctx, containerID); err != nil {
			return res, fmt.Errorf("record container: %w", err)
		}
	}

	_, err = w.step(ctx, StepProcessing, func(ctx context.Context) (string, error) {
		waited, err := w.waiter.Wait(ctx, containerID, func(p Progress) {
			log.Info("still processing", "container_id", containerID, "checks", p.Checks, "elapsed", p.Elapsed.String())
			if hooks.OnProgress != nil {
				hooks.OnProgress(p)
			}
		})
		res.Waited = waited
		w.metrics.ProcessingWaitObserved(waited.Elapsed, waited.Checks)
		return "", err
	})
	if err != nil {
		return res, err
	}
	log.Info("processing finished", "container_id", containerID, "checks", res.Waited.Checks, "elapsed", res.Waited.Elapsed.String())

	publishedID, err := w.step(ctx, StepFinalize, func(ctx context.Context) (string, error) {
		return w.remote.Publish(ctx, containerID)
	})
	if err != nil {
		return res, err
	}
	res.PublishedID = publishedID
	log.Info("published", "published_id", publishedID, "permalink", instagram.Permalink(publishedID))
	return res, nil
}

func (w *Workflow) step(ctx context.Context, step Step, fn func(context.Context) (string, error)) (string, error) {
	ctx, span := observability.StartSpan(ctx, "publish."+string(step))
	out, err := fn(ctx)
	if err != nil {
		err = &StepError{Step: step, Err: err}
		w.metrics.StepFailed(string(step))
	}
	observability.EndSpan(span, err)
	return out, err
}
