package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore is a PostgreSQL-backed implementation of Store.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore connects to dsn and runs migrations.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id            TEXT PRIMARY KEY,
			filename      TEXT NOT NULL,
			video_url     TEXT NOT NULL,
			caption       TEXT NOT NULL DEFAULT '',
			scheduled_for TIMESTAMPTZ NOT NULL,
			status        TEXT NOT NULL DEFAULT 'pending',
			container_id  TEXT NOT NULL DEFAULT '',
			published_id  TEXT NOT NULL DEFAULT '',
			error         TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL,
			started_at    TIMESTAMPTZ,
			completed_at  TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status_scheduled ON jobs(status, scheduled_for);
		CREATE INDEX IF NOT EXISTS idx_jobs_completed_at     ON jobs(completed_at);
	`)
	return err
}

const pgColumns = `id, filename, video_url, caption, scheduled_for, status,
	container_id, published_id, error, created_at, updated_at, started_at, completed_at`

func (s *PostgresStore) InsertMany(ctx context.Context, drafts []Draft) ([]*Job, error) {
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
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		`, j.ID, j.Filename, j.VideoURL, j.Caption, j.ScheduledFor, StatusPending, now)
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

func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pgColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanPGJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w: %w", id, ErrStore, err)
	}
	return j, nil
}

func (s *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pgColumns+`
		FROM jobs
		WHERE status = $1 AND scheduled_for <= $2
		ORDER BY scheduled_for ASC
		LIMIT $3
	`, StatusPending, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w: %w", ErrStore, err)
	}
	return collectPGJobs(rows)
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status, f Fields) (*Job, error) {
	from := Predecessors(status)
	if len(from) == 0 {
		return nil, fmt.Errorf("%w: cannot move job %s to %q", ErrTransitionDenied, id, status)
	}
	fromNames := make([]string, len(from))
	for i, p := range from {
		fromNames[i] = string(p)
	}

	now := s.now().UTC()
	var completedAt *time.Time
	if status.IsTerminal() {
		completedAt = &now
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status       = $1,
			published_id = COALESCE(NULLIF($2::text, ''), published_id),
			error        = $3,
			updated_at   = $4,
			started_at   = CASE WHEN $5::boolean AND status = 'pending' THEN $4::timestamptz ELSE started_at END,
			completed_at = $6::timestamptz
		WHERE id = $7 AND status = ANY($8)
	`, status, f.PublishedID, f.Error, now,
		status == StatusProcessing, completedAt, id, pq.Array(fromNames))
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

func (s *PostgresStore) SetContainer(ctx context.Context, id, containerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET container_id = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		containerID, s.now().UTC(), id, StatusProcessing)
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

func (s *PostgresStore) Reschedule(ctx context.Context, id string, at time.Time) (*Job, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = $1, scheduled_for = $2, container_id = '', published_id = '', error = '',
			started_at = NULL, completed_at = NULL, updated_at = $3
		WHERE id = $4 AND status NOT IN ($5, $6)
	`, StatusPending, at.UTC(), s.now().UTC(), id, StatusPublished, StatusProcessing)
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

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job %s: %w: %w", id, ErrStore, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) FailStale(ctx context.Context, before time.Time, msg string) ([]string, error) {
	now := s.now().UTC()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE jobs SET status = $1, error = $2, updated_at = $3, completed_at = $3
		WHERE status = $4 AND started_at IS NOT NULL AND started_at < $5
		RETURNING id
	`, StatusFailed, msg, now, StatusProcessing, before.UTC())
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

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Job, int, error) {
	limit, offset := clampPage(f.Limit, f.Offset)

	var total int
	var rows *sql.Rows
	var err error
	if f.Status != "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = $1`, f.Status).Scan(&total)
		if err == nil {
			rows, err = s.db.QueryContext(ctx, `
				SELECT `+pgColumns+` FROM jobs WHERE status = $1
				ORDER BY scheduled_for ASC LIMIT $2 OFFSET $3
			`, f.Status, limit, offset)
		}
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&total)
		if err == nil {
			rows, err = s.db.QueryContext(ctx, `
				SELECT `+pgColumns+` FROM jobs
				ORDER BY scheduled_for ASC LIMIT $1 OFFSET $2
			`, limit, offset)
		}
	}
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w: %w", ErrStore, err)
	}

	jobs, err := collectPGJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func (s *PostgresStore) Stats(ctx context.Context, now time.Time) (*Stats, error) {
	st := &Stats{}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w: %w", ErrStore, err)
	}
	defer rows.Close()
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w: %w", ErrStore, err)
		}
		st.add(status, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w: %w", ErrStore, err)
	}

	var next, last sql.NullTime
	if err := s.db.QueryRowContext(ctx,
		`SELECT MIN(scheduled_for) FROM jobs WHERE status = $1 AND scheduled_for > $2`,
		StatusPending, now.UTC()).Scan(&next); err != nil {
		return nil, fmt.Errorf("next due: %w: %w", ErrStore, err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(completed_at) FROM jobs WHERE status = $1`, StatusPublished).Scan(&last); err != nil {
		return nil, fmt.Errorf("last published: %w: %w", ErrStore, err)
	}
	st.NextDue = nullTimePtr(next)
	st.LastPublished = nullTimePtr(last)
	return st, nil
}

func scanPGJob(row rowScanner) (*Job, error) {
	j := &Job{}
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&j.ID, &j.Filename, &j.VideoURL, &j.Caption, &j.ScheduledFor, &j.Status,
		&j.ContainerID, &j.PublishedID, &j.Error, &j.CreatedAt, &j.UpdatedAt,
		&startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	j.ScheduledFor = j.ScheduledFor.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	j.StartedAt = nullTimePtr(startedAt)
	j.CompletedAt = nullTimePtr(completedAt)
	return j, nil
}

func collectPGJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanPGJob(rows)
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

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
