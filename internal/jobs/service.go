// Package jobs creates, cancels and lists mailout jobs on behalf of
// operators. The daemon picks up what it creates through the shared store.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailerd/internal/db"
	"mailerd/internal/models"
)

const (
	DefaultPerPage = 50
	MaxPerPage     = 200

	// sendNowDelay puts "send now" jobs just far enough in the future to pass
	// validation; the daemon picks them up on its next poll.
	sendNowDelay = time.Second
)

var ErrValidation = errors.New("invalid job")

type Store interface {
	InsertJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	SaveJob(ctx context.Context, job *models.Job) error
	ListJobs(ctx context.Context, f db.ListFilter) ([]*models.Job, error)
}

type Service struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

func NewService(store Store, log *zap.Logger) *Service {
	return &Service{store: store, log: log, now: time.Now}
}

type CreateParams struct {
	Subject         string    `json:"subject"`
	BodyText        string    `json:"body_text"`
	BodyHTML        string    `json:"body_html"`
	SendHTML        bool      `json:"send_html"`
	SendAt          time.Time `json:"send_at"`
	SendNow         bool      `json:"send_now"`
	RecipientFilter string    `json:"recipient_filter"`
}

func (p *CreateParams) validate(now time.Time) error {
	var problems []string
	if strings.TrimSpace(p.Subject) == "" {
		problems = append(problems, "subject is required")
	}
	if strings.TrimSpace(p.BodyText) == "" {
		problems = append(problems, "body_text is required")
	}
	if p.SendHTML && strings.TrimSpace(p.BodyHTML) == "" {
		problems = append(problems, "body_html is required when send_html is set")
	}
	if !p.SendAt.After(now) {
		problems = append(problems, "send_at must be in the future")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// Create stores a new PENDING job.
func (s *Service) Create(ctx context.Context, p CreateParams) (*models.Job, error) {
	now := s.now()
	if p.SendNow {
		p.SendAt = now.Add(sendNowDelay)
	}
	if err := p.validate(now); err != nil {
		return nil, err
	}

	job := models.NewJob(p.Subject, p.BodyText, p.BodyHTML, p.SendHTML, p.SendAt, strings.TrimSpace(p.RecipientFilter))
	if err := s.store.InsertJob(ctx, job); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	s.log.Info("job created",
		zap.String("job_id", job.ID.String()),
		zap.Time("send_at", job.SendAt),
	)
	return job, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return s.store.GetJob(ctx, id)
}

// Cancel asks a job to stop. A pending job is cancelled at once; a sending
// job becomes CANCELLING and the daemon stops it between recipients.
// Cancelling an already cancelled job succeeds without change.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	before := job.State
	if err := job.Cancel(); err != nil {
		return job, err
	}
	if job.State == before {
		return job, nil
	}

	if err := s.store.SaveJob(ctx, job); err != nil {
		if errors.Is(err, db.ErrJobClosed) {
			// The daemon finished the job between our read and write.
			return job, fmt.Errorf("%w: job finished while cancelling", models.ErrCannotCancel)
		}
		return nil, fmt.Errorf("save job: %w", err)
	}

	s.log.Info("job cancel requested",
		zap.String("job_id", job.ID.String()),
		zap.String("state", string(job.State)),
	)
	return job, nil
}

// ListParams filters the operator's job list. SENT and CANCELLED jobs count
// as completed. ShowFailed only matters while completed jobs are hidden.
type ListParams struct {
	ShowCompleted bool
	ShowFailed    bool
	Page          int
	PerPage       int
}

type ListResult struct {
	Jobs    []*models.Job `json:"jobs"`
	Page    int           `json:"page"`
	PerPage int           `json:"per_page"`
	// AnyActive is set when a listed job may still change, so the caller
	// should keep polling.
	AnyActive bool `json:"any_active"`
}

func (s *Service) List(ctx context.Context, p ListParams) (*ListResult, error) {
	page := max(p.Page, 1)
	perPage := p.PerPage
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	perPage = min(perPage, MaxPerPage)

	var exclude []models.JobState
	if !p.ShowCompleted {
		exclude = append(exclude, models.StateSent, models.StateCancelled)
		if !p.ShowFailed {
			exclude = append(exclude, models.StateFailed)
		}
	}

	list, err := s.store.ListJobs(ctx, db.ListFilter{
		Exclude: exclude,
		Limit:   perPage,
		Offset:  (page - 1) * perPage,
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	res := &ListResult{Jobs: list, Page: page, PerPage: perPage}
	if res.Jobs == nil {
		res.Jobs = []*models.Job{}
	}
	for _, j := range list {
		if !j.Terminal() {
			res.AnyActive = true
			break
		}
	}
	return res, nil
}
