package publish

import (
	"context"
	"sync"
	"time"

	"github.com/reelsched/reelsched/internal/instagram"
)

// scriptedRemote replays a fixed status sequence and records every call.
type scriptedRemote struct {
	mu sync.Mutex

	statuses   []instagram.StatusCode
	statusErr  error
	createErr  error
	publishErr error

	creates   int
	checks    int
	publishes int
}

func (r *scriptedRemote) CreateContainer(ctx context.Context, videoURL, caption string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creates++
	if r.createErr != nil {
		return "", r.createErr
	}
	return "container-1", nil
}

func (r *scriptedRemote) CheckStatus(ctx context.Context, containerID string) (instagram.StatusCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks++
	if r.statusErr != nil && r.checks > len(r.statuses) {
		return "", r.statusErr
	}
	if r.checks > len(r.statuses) {
		return instagram.StatusReady, nil
	}
	return r.statuses[r.checks-1], nil
}

func (r *scriptedRemote) Publish(ctx context.Context, containerID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishes++
	if r.publishErr != nil {
		return "", r.publishErr
	}
	return "media-1", nil
}

func repeat(s instagram.StatusCode, n int) []instagram.StatusCode {
	out := make([]instagram.StatusCode, n)
	for i := range out {
		out[i] = s
	}
	return out
}

// recordSleep returns an instant sleep that counts its calls.
func recordSleep(slept *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return ctx.Err()
	}
}
