// Package mailout sends one mailout job to its recipients.
package mailout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailerd/internal/email"
	"mailerd/internal/members"
	"mailerd/internal/metrics"
	"mailerd/internal/models"
)

// DefaultPollInterval bounds how long the sender goes without re-reading the
// job to look for a cancellation.
const DefaultPollInterval = time.Second

// JobStore is the part of the job store the sender needs.
type JobStore interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	SaveJob(ctx context.Context, job *models.Job) error
}

// Sender delivers a job's message to every recipient over one relay
// connection, recording progress on the job as it goes.
type Sender struct {
	Store     JobStore
	Transport email.Transport
	Renderer  *email.Renderer
	Log       *zap.Logger

	// ReportTo receives a delivery report after each mailout. Empty disables it.
	ReportTo  string
	VenueName string

	PollInterval time.Duration
}

var errStopped = errors.New("mailout stopped")

// Send runs job against recipients and leaves the job in a terminal state
// (or CANCELLED via CANCELLING). It never returns an error: failures are
// recorded on the job.
func (s *Sender) Send(ctx context.Context, job *models.Job, recipients members.RecipientSet) {
	log := s.Log.With(zap.String("job_id", job.ID.String()))

	defer func() {
		if p := recover(); p != nil {
			log.Error("mailout panicked", zap.Any("panic", p), zap.Stack("stack"))
			s.fail(ctx, log, job, fmt.Sprintf("Mailout job died: '%v'", p))
		}
	}()

	count, err := recipients.Count(ctx)
	if err != nil {
		s.fail(ctx, log, job, fmt.Sprintf("Mailout job died: '%v'", err))
		return
	}

	log.Info("sending mailout", zap.Int("total", count))

	if job.State == models.StatePending {
		if err := job.DoSending(0, count); err != nil {
			log.Error("could not start job", zap.Error(err))
			return
		}
		s.save(ctx, log, job)
	}

	conn, err := s.Transport.Open(ctx)
	if err != nil {
		msg := fmt.Sprintf("Failed to connect to SMTP server: %v", err)
		log.Error(msg)
		s.fail(ctx, log, job, msg)
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Warn("smtp quit failed", zap.Error(err))
		}
	}()

	sent, errs, err := s.sendAll(ctx, log, job, conn, recipients, count)
	if err != nil && !errors.Is(err, errStopped) {
		log.Error("mailout job failed", zap.Int("sent", sent), zap.Error(err))
		s.fail(ctx, log, job, fmt.Sprintf("Mailout job died: '%v'", err))
		return
	}

	if err := job.Complete(sent); err != nil {
		log.Error("could not complete job", zap.Stringer("job", job), zap.Error(err))
	}
	s.save(ctx, log, job)
	s.finished(job)

	if s.ReportTo != "" {
		s.sendReport(ctx, log, conn, job, sent, errs)
	}

	log.Info("mailout complete",
		zap.String("state", string(job.State)),
		zap.Int("sent", sent),
		zap.Int("errors", errs.Total()),
	)
}

// sendAll walks the recipients. Every onePercent recipients, or after
// PollInterval, it re-reads the job: that is how a cancel request made
// elsewhere is noticed. A rejected message is logged and skipped; a lost
// connection ends the batch with an error.
func (s *Sender) sendAll(
	ctx context.Context,
	log *zap.Logger,
	job *models.Job,
	conn email.Conn,
	recipients members.RecipientSet,
	count int,
) (int, *errorLog, error) {
	interval := s.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	onePercent := max(count/100, 1)
	errs := newErrorLog(maxReportErrors)
	sent := 0
	lastCheck := time.Now()

	err := recipients.Each(ctx, func(r models.Recipient) error {
		if sent%onePercent == 0 || time.Since(lastCheck) > interval {
			if err := s.checkpoint(ctx, job, sent, count); err != nil {
				return err
			}
			lastCheck = time.Now()
		}

		if !job.KeepSending() {
			log.Info("aborting job", zap.Stringer("job", job))
			return errStopped
		}

		msg, err := s.Renderer.Render(job, r)
		if err == nil {
			err = conn.Send(ctx, msg)
		}
		if err != nil {
			if email.Disconnected(err) {
				return fmt.Errorf("sending to '%s': %w", r.Email, err)
			}
			line := fmt.Sprintf("Failed sending to '%s': %v", r.Email, err)
			log.Error(line)
			errs.Add(line)
			metrics.EmailFailures.Inc()
		} else {
			metrics.EmailsSent.Inc()
		}

		sent++
		return nil
	})

	return sent, errs, err
}

// checkpoint reloads the job from the store and, if it is still sending,
// writes back the current progress.
func (s *Sender) checkpoint(ctx context.Context, job *models.Job, sent, count int) error {
	fresh, err := s.Store.GetJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("reload job: %w", err)
	}
	*job = *fresh

	if !job.KeepSending() {
		return nil
	}
	if err := job.DoSending(sent, count); err != nil {
		return err
	}
	if err := s.Store.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	metrics.JobProgress.Set(float64(job.ProgressPct))
	return nil
}

func (s *Sender) sendReport(ctx context.Context, log *zap.Logger, conn email.Conn, job *models.Job, sent int, errs *errorLog) {
	report := email.Message{
		To:      s.ReportTo,
		Subject: job.Subject,
		Text:    reportText(s.VenueName, sent, errs, job.BodyText),
	}
	if err := conn.Send(ctx, report); err != nil {
		log.Error("failed to send delivery report", zap.String("to", s.ReportTo), zap.Error(err))
	}
}

func (s *Sender) fail(ctx context.Context, log *zap.Logger, job *models.Job, reason string) {
	if err := job.Fail(reason); err != nil {
		log.Error("could not fail job", zap.Stringer("job", job), zap.Error(err))
		return
	}
	log.Info("mailout job failed", zap.String("status", reason))
	s.save(ctx, log, job)
	s.finished(job)
}

func (s *Sender) save(ctx context.Context, log *zap.Logger, job *models.Job) {
	if err := s.Store.SaveJob(ctx, job); err != nil {
		log.Error("failed to save job", zap.String("state", string(job.State)), zap.Error(err))
	}
}

func (s *Sender) finished(job *models.Job) {
	if job.Terminal() {
		metrics.JobsFinished.WithLabelValues(string(job.State)).Inc()
	}
	metrics.JobProgress.Set(0)
}
