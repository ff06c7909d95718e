package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so lexical order in TEXT columns matches
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection: serialises writers and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id            TEXT PRIMARY KEY,
			filename      TEXT NOT NULL,
			video_url     TEXT NOT NULL,
			caption       TEXT NOT NULL DEFAULT '',
			scheduled_for TEXT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'pending',
			container_id  TEXT NOT NULL DEFAULT '',
			published_id  TEXT NOT NULL DEFAULT '',
			error         TEXT NOT NULL DEFAULT '',
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,
			started_at    TEXT,
			completed_at  TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status_scheduled ON jobs(status, scheduled_for);
		CREATE INDEX IF NOT EXISTS idx_jobs_completed_at     ON jobs(completed_at);
	`)
	return err
}

const sqliteColumns = `id, filename, video_url, caption, scheduled_for, status,
	container_id, published_id, error, created_at, updated_at, started_at, completed_at`

func (s *SQLiteStore) InsertMany(ctx context.Context, drafts []Draft) ([]*Job, error) {
	for i := range drafts {
		if err := drafts[i].Validate(); err != nil {
			return nil, fmt.Errorf("draft %d: %w", i, err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin insert: %w: %w", ErrStore, err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.now().UTC()
	jobs := make([]*Job, 0, len(drafts))
	for _, d := range drafts {
		j := &Job{
			ID:           uuid.New().String(),
			Filename:     d.Filename,
			VideoURL:     d.VideoURL,
			Caption:      d.Caption,
			ScheduledFor: d.ScheduledFor.UTC(),
			Status:       StatusPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, filename, video_url, caption, scheduled_for, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, j.ID, j.Filename, j.VideoURL, j.Caption, formatTime(j.ScheduledFor), StatusPending,
			formatTime(now), formatTime(now))
		if err != nil {
			return nil, fmt.Errorf("insert job: %w: %w", ErrStore, err)
		}
		jobs = append(jobs, j)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit insert: %w: %w", ErrStore, err)
	}
	return jobs, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w: %w", id, ErrStore, err)
	}
	return j, nil
}

func (s *SQLiteStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteColumns+`
		FROM jobs
		WHERE status = ? AND scheduled_for <= ?
		ORDER BY scheduled_for ASC
		LIMIT ?
	`, StatusPending, formatTime(now.UTC()), limit)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w: %w", ErrStore, err)
	}
	return collectSQLiteJobs(rows)
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status Status, f Fields) (*Job, error) {
	from := Predecessors(status)
	if len(from) == 0 {
		return nil, fmt.Errorf("%w: cannot move job %s to %q", ErrTransitionDenied, id, status)
	}

	now := formatTime(s.now().UTC())
	var completedAt any
	if status.IsTerminal() {
		completedAt = now
	}

	args := []any{
		status, f.PublishedID, f.Error, now,
		status == StatusProcessing, now,
		completedAt, id,
	}
	for _, p := range from {
		args = append(args, p)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status       = ?,
			published_id = COALESCE(NULLIF(?, ''), published_id),
			error        = ?,
			updated_at   = ?,
			started_at   = CASE WHEN ? AND status = 'pending' THEN ? ELSE started_at END,
			completed_at = ?
		WHERE id = ? AND status IN (`+placeholders(len(from))+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("update status for job %s: %w: %w", id, ErrStore, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: job %s is %s, cannot become %s", ErrTransitionDenied, id, cur.Status, status)
	}
	return s.Get(ctx, id)
}

func (s *SQLiteStore) SetContainer(ctx context.Context, id, containerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET container_id = ?, updated_at = ? WHERE id = ? AND status = ?`,
		containerID, formatTime(s.now().UTC()), id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("set container for job %s: %w: %w", id, ErrStore, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: job %s is %s, cannot record container", ErrTransitionDenied, id, cur.Status)
	}
	return nil
}

func (s *SQLiteStore) Reschedule(ctx context.Context, id string, at time.Time) (*Job, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = ?, scheduled_for = ?, container_id = '', published_id = '', error = '',
			started_at = NULL, completed_at = NULL, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)
	`, StatusPending, formatTime(at.UTC()), formatTime(s.now().UTC()), id, StatusPublished, StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("reschedule job %s: %w: %w", id, ErrStore, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: job %s is %s and cannot be rescheduled", ErrTransitionDenied, id, cur.Status)
	}
	return s.Get(ctx, id)
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job %s: %w: %w", id, ErrStore, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// FailStale moves jobs stuck in "processing" since before the cutoff to "failed".
// Returns the IDs of the affected jobs so the caller can report them.
func (s *SQLiteStore) FailStale(ctx context.Context, before time.Time, msg string) ([]string, error) {
	now := formatTime(s.now().UTC())
	rows, err := s.db.QueryContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, updated_at = ?, completed_at = ?
		WHERE status = ? AND started_at IS NOT NULL AND started_at < ?
		RETURNING id
	`, StatusFailed, msg, now, now, StatusProcessing, formatTime(before.UTC()))
	if err != nil {
		return nil, fmt.Errorf("fail stale jobs: %w: %w", ErrStore, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w: %w", ErrStore, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale jobs: %w: %w", ErrStore, err)
	}
	return ids, nil
}

// List returns jobs ordered by scheduled_for ASC with pagination, and the total count.
func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]*Job, int, error) {
	limit, offset := clampPage(f.Limit, f.Offset)

	where, args := "", []any{}
	if f.Status != "" {
		where, args = "WHERE status = ?", append(args, f.Status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w: %w", ErrStore, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteColumns+`
		FROM jobs `+where+`
		ORDER BY scheduled_for ASC
		LIMIT ? OFFSET ?
	`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w: %w", ErrStore, err)
	}
	jobs, err := collectSQLiteJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func (s *SQLiteStore) Stats(ctx context.Context, now time.Time) (*Stats, error) {
	st := &Stats{}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w: %w", ErrStore, err)
	}
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan status count: %w: %w", ErrStore, err)
		}
		st.add(status, n)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterate status counts: %w: %w", ErrStore, err)
	}

	var next, last sql.NullString
	if err := s.db.QueryRowContext(ctx,
		`SELECT MIN(scheduled_for) FROM jobs WHERE status = ? AND scheduled_for > ?`,
		StatusPending, formatTime(now.UTC())).Scan(&next); err != nil {
		return nil, fmt.Errorf("next due: %w: %w", ErrStore, err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(completed_at) FROM jobs WHERE status = ?`, StatusPublished).Scan(&last); err != nil {
		return nil, fmt.Errorf("last published: %w: %w", ErrStore, err)
	}
	if st.NextDue, err = parseNullTime(next); err != nil {
		return nil, err
	}
	if st.LastPublished, err = parseNullTime(last); err != nil {
		return nil, err
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*Job, error) {
	j := &Job{}
	var scheduledFor, createdAt, updatedAt string
	var startedAt, completedAt sql.NullString

	err := row.Scan(
		&j.ID, &j.Filename, &j.VideoURL, &j.Caption, &scheduledFor, &j.Status,
		&j.ContainerID, &j.PublishedID, &j.Error, &createdAt, &updatedAt,
		&startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if j.ScheduledFor, err = parseTime(scheduledFor); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if j.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if j.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	return j, nil
}

func collectSQLiteJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w: %w", ErrStore, err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w: %w", ErrStore, err)
	}
	return jobs, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
