package job

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
)

// IsTerminal returns true for statuses the sweep never moves a job out of.
func (s Status) IsTerminal() bool {
	return s == StatusPublished || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusPublished, StatusFailed:
		return true
	}
	return false
}

// predecessors lists, for each target status, the statuses a job may be in
// when UpdateStatus moves it there. Only pending jobs can be claimed, so a
// claim is exclusive.
var predecessors = map[Status][]Status{
	StatusProcessing: {StatusPending},
	StatusPublished:  {StatusProcessing},
	StatusFailed:     {StatusProcessing},
}

// Predecessors returns the statuses from which a transition to s is legal.
// A nil result means s cannot be reached through UpdateStatus.
func Predecessors(s Status) []Status {
	return predecessors[s]
}

// CanTransition reports whether from -> to follows the job lifecycle.
func CanTransition(from, to Status) bool {
	for _, p := range predecessors[to] {
		if p == from {
			return true
		}
	}
	return false
}

var (
	// ErrNotFound is returned when no job has the requested ID.
	ErrNotFound = errors.New("job not found")
	// ErrTransitionDenied is returned when a status update would break the
	// pending -> processing -> published|failed ordering.
	ErrTransitionDenied = errors.New("status transition denied")
	// ErrStore wraps every persistence failure so callers can tell it apart
	// from remote errors.
	ErrStore = errors.New("store failure")
	// ErrInvalid wraps validation failures on scheduling input.
	ErrInvalid = errors.New("invalid job")
)

type Job struct {
	ID           string     `json:"id"`
	Filename     string     `json:"filename"`
	VideoURL     string     `json:"video_url"`
	Caption      string     `json:"caption"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	Status       Status     `json:"status"`
	ContainerID  string     `json:"container_id,omitempty"`
	PublishedID  string     `json:"published_id,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Draft is the input for creating a job. New jobs always start pending.
type Draft struct {
	Filename     string    `json:"filename"`
	VideoURL     string    `json:"video_url"`
	Caption      string    `json:"caption,omitempty"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

func (d *Draft) Validate() error {
	if strings.TrimSpace(d.Filename) == "" {
		return fmt.Errorf("%w: filename must not be empty", ErrInvalid)
	}
	if d.VideoURL == "" {
		return fmt.Errorf("%w: video_url must not be empty", ErrInvalid)
	}
	u, err := url.Parse(d.VideoURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: video_url must be an absolute http(s) URL", ErrInvalid)
	}
	if d.ScheduledFor.IsZero() {
		return fmt.Errorf("%w: scheduled_for must be set", ErrInvalid)
	}
	return nil
}

// Fields carries the optional values written alongside a status change.
// An empty PublishedID leaves the stored reference untouched.
type Fields struct {
	PublishedID string
	Error       string
}

// Filter narrows List results. An empty Status matches every job.
type Filter struct {
	Status Status
	Limit  int
	Offset int
}

// Stats summarises the job table for the dashboard counters.
type Stats struct {
	Total         int        `json:"total"`
	Pending       int        `json:"pending"`
	Processing    int        `json:"processing"`
	Published     int        `json:"published"`
	Failed        int        `json:"failed"`
	NextDue       *time.Time `json:"next_due,omitempty"`
	LastPublished *time.Time `json:"last_published,omitempty"`
}

func (s *Stats) add(status Status, n int) {
	s.Total += n
	switch status {
	case StatusPending:
		s.Pending += n
	case StatusProcessing:
		s.Processing += n
	case StatusPublished:
		s.Published += n
	case StatusFailed:
		s.Failed += n
	}
}
