package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailerd/internal/models"
)

var (
	ErrNotFound = errors.New("job not found")
	// ErrJobClosed is returned when an update targets a job that storage
	// already holds in a terminal state.
	ErrJobClosed = errors.New("job not found or already finished")
)

type Store struct {
	Pool *pgxpool.Pool
}

// Connect opens the pool and pings it, retrying with exponential backoff so
// the daemon survives the database coming up a little after it.
func Connect(ctx context.Context, conn string, retries int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(conn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	var pool *pgxpool.Pool
	operation := func() error {
		p, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(retries, 0))), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	return &Store{Pool: pool}, nil
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

func (s *Store) Close() {
	s.Pool.Close()
}

const jobColumns = `id, send_at, state, status, progress_pct, send_count,
	send_html, subject, body_text, body_html, recipient_filter, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var state string
	err := row.Scan(
		&j.ID, &j.SendAt, &state, &j.Status, &j.ProgressPct, &j.SendCount,
		&j.SendHTML, &j.Subject, &j.BodyText, &j.BodyHTML, &j.RecipientFilter,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.State = models.JobState(state)
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *Store) InsertJob(ctx context.Context, job *models.Job) error {
	return s.Pool.QueryRow(ctx,
		`INSERT INTO mailout_jobs
		 (id, send_at, state, status, progress_pct, send_count,
		  send_html, subject, body_text, body_html, recipient_filter, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW(),NOW())
		 RETURNING created_at, updated_at`,
		job.ID,
		job.SendAt,
		string(job.State),
		job.Status,
		job.ProgressPct,
		job.SendCount,
		job.SendHTML,
		job.Subject,
		job.BodyText,
		job.BodyHTML,
		job.RecipientFilter,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.Pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM mailout_jobs WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// SaveJob writes the job's lifecycle fields. Rows already in a terminal state
// are never touched.
func (s *Store) SaveJob(ctx context.Context, job *models.Job) error {
	err := s.Pool.QueryRow(ctx,
		`UPDATE mailout_jobs
		 SET state=$2,
		     status=$3,
		     progress_pct=$4,
		     send_count=$5,
		     updated_at=NOW()
		 WHERE id=$1
		   AND NOT (state = ANY($6))
		 RETURNING updated_at`,
		job.ID,
		string(job.State),
		job.Status,
		job.ProgressPct,
		job.SendCount,
		stateNames(models.TerminalStates),
	).Scan(&job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrJobClosed
	}
	return err
}

// DueJobs returns pending jobs whose send time has passed, oldest first.
func (s *Store) DueJobs(ctx context.Context, now time.Time) ([]*models.Job, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+jobColumns+` FROM mailout_jobs
		 WHERE state=$1 AND send_at <= $2
		 ORDER BY created_at ASC`,
		string(models.StatePending), now)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (s *Store) JobsInState(ctx context.Context, state models.JobState) ([]*models.Job, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+jobColumns+` FROM mailout_jobs WHERE state=$1 ORDER BY created_at ASC`,
		string(state))
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

// ListFilter selects a page of jobs for the operator dashboard.
type ListFilter struct {
	Exclude []models.JobState
	Limit   int
	Offset  int
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, f ListFilter) ([]*models.Job, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+jobColumns+` FROM mailout_jobs
		 WHERE NOT (state = ANY($1))
		 ORDER BY created_at DESC, id
		 LIMIT $2 OFFSET $3`,
		stateNames(f.Exclude), f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func stateNames(states []models.JobState) []string {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	return names
}
