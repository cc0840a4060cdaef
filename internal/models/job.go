package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type JobState string

// PENDING ---> SENDING ---> SENT
//
//	|            \--> FAILED
//	|            \--> CANCELLING ---> CANCELLED
//	|                            \--> FAILED
//	\--> CANCELLED
const (
	StatePending    JobState = "PENDING"
	StateSending    JobState = "SENDING"
	StateCancelling JobState = "CANCELLING"
	StateSent       JobState = "SENT"
	StateFailed     JobState = "FAILED"
	StateCancelled  JobState = "CANCELLED"
)

// TerminalStates lists the states no job may leave.
var TerminalStates = []JobState{StateSent, StateFailed, StateCancelled}

const (
	StatusWaiting    = "Waiting to start"
	StatusSending    = "Sending"
	StatusComplete   = "Complete"
	StatusCancelling = "Cancelling"
	StatusCancelled  = "Cancelled"
)

var (
	ErrInconsistentState = errors.New("inconsistent job state")
	ErrJobFinished       = errors.New("job already finished")
	ErrCannotCancel      = errors.New("job cannot be cancelled")
)

// Terminal reports whether s is one of SENT, FAILED or CANCELLED.
func (s JobState) Terminal() bool {
	switch s {
	case StateSent, StateFailed, StateCancelled:
		return true
	}
	return false
}

func (s JobState) Valid() bool {
	switch s {
	case StatePending, StateSending, StateCancelling, StateSent, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Job is one mailout campaign. Its state only changes through the
// transition methods below.
type Job struct {
	ID     uuid.UUID `json:"id"`
	SendAt time.Time `json:"send_at"`

	State       JobState `json:"state"`
	Status      string   `json:"status"`
	ProgressPct int      `json:"progress_pct"`
	SendCount   int      `json:"send_count"`

	SendHTML        bool   `json:"send_html"`
	Subject         string `json:"subject"`
	BodyText        string `json:"body_text"`
	BodyHTML        string `json:"body_html"`
	RecipientFilter string `json:"recipient_filter,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewJob returns a job in the PENDING state.
func NewJob(subject, bodyText, bodyHTML string, sendHTML bool, sendAt time.Time, filter string) *Job {
	return &Job{
		ID:              uuid.New(),
		SendAt:          sendAt,
		State:           StatePending,
		Status:          StatusWaiting,
		SendHTML:        sendHTML,
		Subject:         subject,
		BodyText:        bodyText,
		BodyHTML:        bodyHTML,
		RecipientFilter: filter,
	}
}

func (j *Job) String() string {
	return fmt.Sprintf("Job id=%s state=%s progress_pct=%d send_at=%s created_at=%s updated_at=%s",
		j.ID, j.State, j.ProgressPct,
		j.SendAt.Format(time.RFC3339), j.CreatedAt.Format(time.RFC3339), j.UpdatedAt.Format(time.RFC3339))
}

// KeepSending reports whether a sender working on the job should carry on.
func (j *Job) KeepSending() bool {
	return j.State == StateSending
}

// Cancellable reports whether a cancel request would stop the job.
func (j *Job) Cancellable() bool {
	return j.State == StatePending || j.State == StateSending
}

func (j *Job) Terminal() bool {
	return j.State.Terminal()
}

// Progress returns floor(100*sent/total)+1, clamped to 0..100. Once work has
// started the result is never 0.
func Progress(sent, total int) int {
	if total <= 0 {
		return 1
	}
	pct := (100*sent)/total + 1
	return max(0, min(pct, 100))
}

// DoSending marks the job as sending and records progress. sent recipients
// out of total have been processed so far; total is recorded as the expected
// send count. Calling it outside PENDING or SENDING fails the job.
func (j *Job) DoSending(sent, total int) error {
	if j.State != StatePending && j.State != StateSending {
		err := fmt.Errorf("%w: tried to send while '%s'", ErrInconsistentState, j.State)
		if failErr := j.Fail(fmt.Sprintf("Inconsistent state, tried to send while '%s'", j.State)); failErr != nil {
			return errors.Join(err, failErr)
		}
		return err
	}
	j.State = StateSending
	j.Status = StatusSending
	j.ProgressPct = Progress(sent, total)
	j.SendCount = total
	return nil
}

// Cancel stops a pending job outright, or asks a sending job to stop at the
// next recipient. Cancelling a job that is already cancelling or cancelled is
// a no-op.
func (j *Job) Cancel() error {
	switch j.State {
	case StatePending:
		j.State = StateCancelled
		j.Status = StatusCancelled
	case StateSending:
		j.State = StateCancelling
		j.Status = StatusCancelling
	case StateCancelling, StateCancelled:
	default:
		return fmt.Errorf("%w: in state %s", ErrCannotCancel, j.State)
	}
	return nil
}

// CompleteCancel finishes a cancellation that was in progress.
func (j *Job) CompleteCancel() error {
	if j.State != StateCancelling {
		return fmt.Errorf("%w: complete cancel while '%s'", ErrInconsistentState, j.State)
	}
	j.State = StateCancelled
	j.Status = StatusCancelled
	return nil
}

// Fail moves any non-terminal job to FAILED with reason as its status.
func (j *Job) Fail(reason string) error {
	if j.Terminal() {
		return fmt.Errorf("%w: tried to fail from state %s", ErrJobFinished, j.State)
	}
	j.State = StateFailed
	j.Status = reason
	return nil
}

// Complete records the final send count and resolves the job: SENDING
// becomes SENT, CANCELLING becomes CANCELLED. Completing a job that never
// started sending fails it.
func (j *Job) Complete(sent int) error {
	switch j.State {
	case StateSending:
		j.State = StateSent
		j.Status = StatusComplete
		j.ProgressPct = 100
		j.SendCount = sent
	case StateCancelling:
		j.State = StateCancelled
		j.Status = StatusCancelled
		j.SendCount = sent
	case StatePending:
		j.State = StateFailed
		j.Status = "Inconsistent state, completed while pending"
		return fmt.Errorf("%w: completed while pending", ErrInconsistentState)
	default:
		return fmt.Errorf("%w: tried to complete from state %s", ErrJobFinished, j.State)
	}
	return nil
}
