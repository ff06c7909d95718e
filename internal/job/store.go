package job

import (
	"context"
	"time"
)

// Store persists and retrieves jobs. Every status change is a single atomic
// read-modify-write scoped to one job.
type Store interface {
	// ListDue returns pending jobs scheduled at or before now, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Job, error)
	// UpdateStatus moves a job to status if its current status is one of
	// Predecessors(status). Returns ErrTransitionDenied otherwise.
	UpdateStatus(ctx context.Context, id string, status Status, f Fields) (*Job, error)
	// SetContainer records the remote container reference on a job that is
	// processing. Returns ErrTransitionDenied for any other status.
	SetContainer(ctx context.Context, id, containerID string) error
	InsertMany(ctx context.Context, drafts []Draft) ([]*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	Delete(ctx context.Context, id string) error
	// List returns a page of jobs ordered by scheduled_for ASC, plus the total count.
	List(ctx context.Context, f Filter) ([]*Job, int, error)
	// Reschedule resets a job to pending at the given time and clears its
	// remote references. Published jobs and jobs being processed are never reset.
	Reschedule(ctx context.Context, id string, at time.Time) (*Job, error)
	// FailStale marks jobs that entered processing before the cutoff as failed
	// and returns their IDs.
	FailStale(ctx context.Context, before time.Time, msg string) ([]string, error)
	Stats(ctx context.Context, now time.Time) (*Stats, error)
	Close() error
}
