package publish

import (
	"context"
	"errors"
	"time"

	"github.com/reelsched/reelsched/internal/instagram"
)

const (
	DefaultInterval      = 3 * time.Second
	DefaultProgressEvery = 10
)

// ErrProcessingFailed means the remote side reported a terminal error for
// the container.
var ErrProcessingFailed = errors.New("video processing failed on Instagram")

type StatusChecker interface {
	CheckStatus(ctx context.Context, containerID string) (instagram.StatusCode, error)
}

// Progress is reported every ProgressEvery checks while a container is
// still processing.
type Progress struct {
	ContainerID string        `json:"container_id"`
	Checks      int           `json:"checks"`
	Elapsed     time.Duration `json:"elapsed"`
}

type WaitResult struct {
	Checks  int
	Elapsed time.Duration
}

// Waiter polls a container until it is ready or failed. There is no attempt
// cap and no deadline; only ctx cancellation stops it early.
type Waiter struct {
	checker       StatusChecker
	interval      time.Duration
	progressEvery int
	sleep         func(context.Context, time.Duration) error
}

func NewWaiter(checker StatusChecker, interval time.Duration) *Waiter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Waiter{
		checker:       checker,
		interval:      interval,
		progressEvery: DefaultProgressEvery,
		sleep:         sleepContext,
	}
}

// WithSleep replaces the real timer, mainly for tests.
func (w *Waiter) WithSleep(fn func(context.Context, time.Duration) error) *Waiter {
	w.sleep = fn
	return w
}

// Wait sleeps one interval before each check. Elapsed is checks × interval
// regardless of how long the checks themselves took. A failed status check
// ends the wait immediately with that error.
func (w *Waiter) Wait(ctx context.Context, containerID string, observe func(Progress)) (WaitResult, error) {
	var res WaitResult
	for {
		if err := w.sleep(ctx, w.interval); err != nil {
			return res, err
		}
		status, err := w.checker.CheckStatus(ctx, containerID)
		res.Checks++
		res.Elapsed = time.Duration(res.Checks) * w.interval
		if err != nil {
			return res, err
		}

		switch status {
		case instagram.StatusReady:
			return res, nil
		case instagram.StatusError:
			return res, ErrProcessingFailed
		}

		if observe != nil && w.progressEvery > 0 && res.Checks%w.progressEvery == 0 {
			observe(Progress{ContainerID: containerID, Checks: res.Checks, Elapsed: res.Elapsed})
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
