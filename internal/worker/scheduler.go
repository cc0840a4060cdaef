// Package worker runs the mailout daemon: it reconciles jobs left behind by
// a previous process, then polls the store for due jobs and sends them one
// at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailerd/internal/db"
	"mailerd/internal/members"
	"mailerd/internal/models"
)

const (
	DefaultInterval = time.Second

	restartedStatus = "Mailerd restarted while job was in progress"
)

type Store interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	SaveJob(ctx context.Context, job *models.Job) error
	DueJobs(ctx context.Context, now time.Time) ([]*models.Job, error)
	JobsInState(ctx context.Context, state models.JobState) ([]*models.Job, error)
}

// JobSender drives one job to a terminal state.
type JobSender interface {
	Send(ctx context.Context, job *models.Job, recipients members.RecipientSet)
}

type Scheduler struct {
	Store    Store
	Source   members.Source
	Sender   JobSender
	Log      *zap.Logger
	Interval time.Duration

	now func() time.Time
}

// CleanUp resolves jobs a previous process left mid-flight. A job that was
// sending cannot be resumed, so it fails; a job that was being cancelled is
// cancelled.
func (s *Scheduler) CleanUp(ctx context.Context) error {
	sending, err := s.Store.JobsInState(ctx, models.StateSending)
	if err != nil {
		return fmt.Errorf("list sending jobs: %w", err)
	}
	for _, job := range sending {
		s.Log.Warn("failing interrupted job", zap.Stringer("job", job))
		if err := job.Fail(restartedStatus); err != nil {
			s.Log.Error("could not fail job", zap.Stringer("job", job), zap.Error(err))
			continue
		}
		s.save(ctx, job)
	}

	cancelling, err := s.Store.JobsInState(ctx, models.StateCancelling)
	if err != nil {
		return fmt.Errorf("list cancelling jobs: %w", err)
	}
	for _, job := range cancelling {
		s.Log.Info("completing interrupted cancel", zap.Stringer("job", job))
		if err := job.CompleteCancel(); err != nil {
			s.Log.Error("could not cancel job", zap.Stringer("job", job), zap.Error(err))
			continue
		}
		s.save(ctx, job)
	}
	return nil
}

// Run cleans up, then polls for due jobs until ctx is done. A job that has
// started sending is always finished, even after ctx is cancelled. Store
// errors while polling end the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.CleanUp(ctx); err != nil {
		return err
	}

	interval := s.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Log.Info("mailerd started", zap.Duration("interval", interval))

	for {
		select {

		case <-ctx.Done():
			s.Log.Info("mailerd shutting down")
			return nil

		case <-ticker.C:
			// ----------------------------
			// Poll
			// ----------------------------
			due, err := s.Store.DueJobs(ctx, s.clock())
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("poll due jobs: %w", err)
			}

			// ----------------------------
			// Send, oldest first
			// ----------------------------
			for _, job := range due {
				if ctx.Err() != nil {
					break
				}
				s.RunJob(ctx, job)
			}
		}
	}
}

// RunJob sends one due job. It re-reads the job first and does nothing if the
// job has left PENDING since it was picked up.
func (s *Scheduler) RunJob(ctx context.Context, job *models.Job) {
	log := s.Log.With(zap.String("job_id", job.ID.String()))

	fresh, err := s.Store.GetJob(ctx, job.ID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			log.Warn("job vanished before sending")
		} else {
			log.Error("failed to reload job", zap.Error(err))
		}
		return
	}
	if fresh.State != models.StatePending {
		log.Info("skipping job", zap.String("state", string(fresh.State)))
		return
	}

	// The send outlives ctx so shutdown never leaves a job half-recorded.
	sendCtx := context.WithoutCancel(ctx)

	recipients, err := s.Source.MailoutRecipients(sendCtx, fresh.RecipientFilter)
	if err != nil {
		log.Error("failed to query recipients", zap.Error(err))
		if ferr := fresh.Fail(fmt.Sprintf("Failed to query recipients: %v", err)); ferr == nil {
			s.save(sendCtx, fresh)
		}
		return
	}

	log.Info("starting job", zap.Stringer("job", fresh))
	s.Sender.Send(sendCtx, fresh, recipients)
}

func (s *Scheduler) save(ctx context.Context, job *models.Job) {
	if err := s.Store.SaveJob(ctx, job); err != nil {
		s.Log.Error("failed to save job",
			zap.String("job_id", job.ID.String()),
			zap.String("state", string(job.State)),
			zap.Error(err),
		)
	}
}

func (s *Scheduler) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}
