package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/reelsched/reelsched/internal/events"
	"github.com/reelsched/reelsched/internal/job"
	"github.com/reelsched/reelsched/internal/media"
	"github.com/reelsched/reelsched/internal/metrics"
	"github.com/reelsched/reelsched/internal/planner"
	"github.com/reelsched/reelsched/internal/sweep"
)

// MediaLister supplies candidate videos for bulk scheduling.
type MediaLister interface {
	List(ctx context.Context) ([]media.Video, error)
}

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	store   job.Store
	sweeper *sweep.Sweeper
	hub     *events.Hub
	media   MediaLister
	metrics metrics.Sink
	loc     *time.Location
	clock   func() time.Time

	// bg is the parent context of background publishes; cancelled on shutdown.
	bg    context.Context
	async func(func())
	wg    sync.WaitGroup
}

// NewHandler constructs a Handler. loc is used to read bulk start dates
// given without a time zone.
func NewHandler(store job.Store, sweeper *sweep.Sweeper, hub *events.Hub, loc *time.Location) *Handler {
	if loc == nil {
		loc = time.UTC
	}
	h := &Handler{
		store:   store,
		sweeper: sweeper,
		hub:     hub,
		metrics: metrics.NewNoopSink(),
		loc:     loc,
		clock:   time.Now,
		bg:      context.Background(),
	}
	h.async = func(fn func()) {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			fn()
		}()
	}
	return h
}

func (h *Handler) WithMedia(src MediaLister) *Handler {
	h.media = src
	return h
}

func (h *Handler) WithMetrics(sink metrics.Sink) *Handler {
	h.metrics = sink
	return h
}

// WithBackground sets the context background publishes run under.
func (h *Handler) WithBackground(ctx context.Context) *Handler {
	h.bg = ctx
	return h
}

// Wait blocks until background publishes started by PublishJob finish.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/jobs", h.CreateJob)
	mux.HandleFunc("POST /api/v1/jobs/bulk", h.BulkSchedule)
	mux.HandleFunc("GET /api/v1/jobs", h.ListJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.GetJob)
	mux.HandleFunc("PATCH /api/v1/jobs/{id}", h.RescheduleJob)
	mux.HandleFunc("DELETE /api/v1/jobs/{id}", h.DeleteJob)
	mux.HandleFunc("POST /api/v1/jobs/{id}/publish", h.PublishJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}/events", h.StreamEvents)
	mux.HandleFunc("POST /api/v1/sweep", h.Sweep)
	mux.HandleFunc("GET /api/v1/stats", h.Stats)
	mux.HandleFunc("GET /api/v1/media", h.ListMedia)
	mux.HandleFunc("GET /api/v1/health", h.Health)
}

// CreateJob handles POST /api/v1/jobs and responds 201 with the pending job.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB max
	var d job.Draft
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	jobs, err := h.store.InsertMany(r.Context(), []job.Draft{d})
	if err != nil {
		h.writeStoreError(w, err, "create job")
		return
	}
	h.metrics.JobsScheduled(1)
	slog.Info("job scheduled", "job_id", jobs[0].ID, "filename", d.Filename, "scheduled_for", d.ScheduledFor)

	writeJSON(w, http.StatusCreated, jobs[0])
}

type bulkRequest struct {
	Videos      []planner.Item `json:"videos"`
	StartDate   string         `json:"start_date"`
	SlotsPerDay int            `json:"slots_per_day"`
}

// BulkSchedule handles POST /api/v1/jobs/bulk. Videos are spread over
// consecutive days from start_date using the fixed slot table for
// slots_per_day.
func (h *Handler) BulkSchedule(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 4<<20)
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SlotsPerDay == 0 {
		req.SlotsPerDay = planner.DefaultSlotsPerDay
	}

	start, err := h.parseStartDate(req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "start_date must be YYYY-MM-DD or RFC 3339")
		return
	}

	schedule, err := planner.Plan(req.Videos, start, req.SlotsPerDay)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	drafts := make([]job.Draft, len(schedule.Entries))
	for i, e := range schedule.Entries {
		drafts[i] = job.Draft{
			Filename:     e.Item.Filename,
			VideoURL:     e.Item.VideoURL,
			Caption:      e.Item.Caption,
			ScheduledFor: e.ScheduledFor,
		}
	}

	jobs, err := h.store.InsertMany(r.Context(), drafts)
	if err != nil {
		h.writeStoreError(w, err, "schedule jobs")
		return
	}
	h.metrics.JobsScheduled(len(jobs))
	slog.Info("bulk scheduled", "count", len(jobs), "slots_per_day", schedule.Distribution.SlotsPerDay,
		"start", schedule.Distribution.Start, "end", schedule.Distribution.End)

	writeJSON(w, http.StatusCreated, map[string]any{
		"scheduled":    len(jobs),
		"jobs":         jobs,
		"distribution": schedule.Distribution,
	})
}

// parseStartDate accepts a bare date, read in the handler's location, or a
// full RFC 3339 timestamp, whose calendar date in that location is used.
func (h *Handler) parseStartDate(s string) (time.Time, error) {
	if t, err := time.ParseInLocation(time.DateOnly, s, h.loc); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.In(h.loc), nil
}

// ListJobs handles GET /api/v1/jobs and responds 200 with a page of jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := job.Filter{
		Status: job.Status(q.Get("status")),
		Limit:  parseIntParam(q.Get("limit"), 20),
		Offset: parseIntParam(q.Get("offset"), 0),
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, "status must be one of: pending, processing, published, failed")
		return
	}

	jobs, total, err := h.store.List(r.Context(), f)
	if err != nil {
		h.writeStoreError(w, err, "list jobs")
		return
	}

	// Return an empty array instead of null when there are no jobs.
	if jobs == nil {
		jobs = []*job.Job{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"total":  total,
		"limit":  f.Limit,
		"offset": f.Offset,
	})
}

// parseIntParam parses a query string integer, returning the fallback on empty or invalid input.
func parseIntParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

// GetJob handles GET /api/v1/jobs/{id} and responds 200 with the job.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, err, "get job")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// RescheduleJob handles PATCH /api/v1/jobs/{id}. It moves the job back to
// pending at the new time; published and processing jobs cannot be
// rescheduled.
func (h *Handler) RescheduleJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req struct {
		ScheduledFor time.Time `json:"scheduled_for"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ScheduledFor.IsZero() {
		writeError(w, http.StatusBadRequest, "scheduled_for is required")
		return
	}

	j, err := h.store.Reschedule(r.Context(), r.PathValue("id"), req.ScheduledFor)
	if err != nil {
		h.writeStoreError(w, err, "reschedule job")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// DeleteJob handles DELETE /api/v1/jobs/{id} and responds 204.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.writeStoreError(w, err, "delete job")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PublishJob handles POST /api/v1/jobs/{id}/publish. The job is claimed
// before responding 202; the workflow itself runs in the background and
// can be followed on the events stream.
func (h *Handler) PublishJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	j, err := h.sweeper.ClaimSingle(r.Context(), id)
	if err != nil {
		if errors.Is(err, sweep.ErrAlreadyPublished) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.writeStoreError(w, err, "claim job")
		return
	}

	h.async(func() {
		h.sweeper.RunClaimed(h.bg, j)
	})

	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": j.ID,
		"status": string(j.Status),
		"events": "/api/v1/jobs/" + j.ID + "/events",
	})
}

// Sweep handles POST /api/v1/sweep: it runs one sweep now and returns the
// report. The sweep runs under the background context, so a client that
// disconnects does not interrupt a job waiting on remote processing.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	type sweepResult struct {
		report *sweep.Report
		err    error
	}
	done := make(chan sweepResult, 1)
	h.async(func() {
		report, err := h.sweeper.Sweep(h.bg)
		done <- sweepResult{report, err}
	})

	var res sweepResult
	select {
	case res = <-done:
	case <-r.Context().Done():
		slog.Info("manual sweep continues after client left", "request_id", RequestIDFrom(r.Context()))
		return
	}

	report, err := res.report, res.err
	if err != nil {
		if errors.Is(err, sweep.ErrSweepInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		slog.Error("manual sweep failed", "error", err)
		writeError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Stats handles GET /api/v1/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context(), h.clock())
	if err != nil {
		h.writeStoreError(w, err, "load stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListMedia handles GET /api/v1/media and lists the videos on the media server.
func (h *Handler) ListMedia(w http.ResponseWriter, r *http.Request) {
	if h.media == nil {
		writeError(w, http.StatusServiceUnavailable, "media server not configured")
		return
	}
	videos, err := h.media.List(r.Context())
	if err != nil {
		slog.Warn("media scan failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if videos == nil {
		videos = []media.Video{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"videos": videos, "count": len(videos)})
}

// Health handles GET /api/v1/health and responds 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeStoreError maps store and claim errors to HTTP status codes.
func (h *Handler) writeStoreError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, job.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, job.ErrTransitionDenied):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, job.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error(action, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to "+action)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
