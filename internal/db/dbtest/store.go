// Package dbtest provides an in-memory job store with the same semantics as
// db.Store, for tests.
package dbtest

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"mailerd/internal/db"
	"mailerd/internal/models"
)

type Store struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*models.Job
	saves   map[uuid.UUID][]models.Job
	seq     time.Duration
	getHook func(id uuid.UUID)

	// Err, when set, is returned by every query.
	Err error
}

func New() *Store {
	return &Store{
		jobs:  make(map[uuid.UUID]*models.Job),
		saves: make(map[uuid.UUID][]models.Job),
	}
}

// OnGet registers fn to run before each GetJob.
func (s *Store) OnGet(fn func(id uuid.UUID)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getHook = fn
}

// Put stores a copy of job as-is, bypassing the terminal-state guard.
// Jobs without a CreatedAt get strictly increasing creation times.
func (s *Store) Put(job *models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	if cp.CreatedAt.IsZero() {
		s.seq += time.Millisecond
		cp.CreatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(s.seq)
	}
	s.jobs[cp.ID] = &cp
}

// SetState overwrites the stored state, as a concurrent writer would.
func (s *Store) SetState(id uuid.UUID, state models.JobState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.State = state
	}
}

// Job returns a copy of the stored job, or nil.
func (s *Store) Job(id uuid.UUID) *models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	cp := *j
	return &cp
}

// Saves returns every successful SaveJob write for id, in order.
func (s *Store) Saves(id uuid.UUID) []models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.saves[id])
}

func (s *Store) InsertJob(_ context.Context, job *models.Job) error {
	if s.Err != nil {
		return s.Err
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	s.Put(job)
	return nil
}

func (s *Store) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	hook := s.getHook
	s.mu.Unlock()
	if hook != nil {
		hook(id)
	}

	if s.Err != nil {
		return nil, s.Err
	}
	if j := s.Job(id); j != nil {
		return j, nil
	}
	return nil, db.ErrNotFound
}

func (s *Store) SaveJob(_ context.Context, job *models.Job) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.jobs[job.ID]
	if !ok || stored.State.Terminal() {
		return db.ErrJobClosed
	}
	stored.State = job.State
	stored.Status = job.Status
	stored.ProgressPct = job.ProgressPct
	stored.SendCount = job.SendCount
	stored.UpdatedAt = time.Now()
	job.UpdatedAt = stored.UpdatedAt

	s.saves[job.ID] = append(s.saves[job.ID], *stored)
	return nil
}

func (s *Store) DueJobs(_ context.Context, now time.Time) ([]*models.Job, error) {
	return s.query(func(j *models.Job) bool {
		return j.State == models.StatePending && !j.SendAt.After(now)
	}, false)
}

func (s *Store) JobsInState(_ context.Context, state models.JobState) ([]*models.Job, error) {
	return s.query(func(j *models.Job) bool { return j.State == state }, false)
}

func (s *Store) ListJobs(_ context.Context, f db.ListFilter) ([]*models.Job, error) {
	jobs, err := s.query(func(j *models.Job) bool {
		return !slices.Contains(f.Exclude, j.State)
	}, true)
	if err != nil {
		return nil, err
	}
	start := min(f.Offset, len(jobs))
	end := min(start+f.Limit, len(jobs))
	return jobs[start:end], nil
}

func (s *Store) query(match func(*models.Job) bool, newestFirst bool) ([]*models.Job, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Job
	for _, j := range s.jobs {
		if match(j) {
			cp := *j
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *models.Job) int {
		if newestFirst {
			return b.CreatedAt.Compare(a.CreatedAt)
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}
