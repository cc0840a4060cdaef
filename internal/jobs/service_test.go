package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailerd/internal/db"
	"mailerd/internal/db/dbtest"
	"mailerd/internal/models"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newService(store *dbtest.Store) *Service {
	s := NewService(store, zap.NewNop())
	s.now = func() time.Time { return fixedNow }
	return s
}

func validParams() CreateParams {
	return CreateParams{
		Subject:  "Spring programme",
		BodyText: "Lots of gigs",
		SendAt:   fixedNow.Add(time.Hour),
	}
}

func TestCreate(t *testing.T) {
	store := dbtest.New()
	s := newService(store)

	p := validParams()
	p.RecipientFilter = "  example.org "
	job, err := s.Create(context.Background(), p)
	require.NoError(t, err)

	got := store.Job(job.ID)
	require.NotNil(t, got)
	assert.Equal(t, models.StatePending, got.State)
	assert.Equal(t, models.StatusWaiting, got.Status)
	assert.Equal(t, "Spring programme", got.Subject)
	assert.Equal(t, fixedNow.Add(time.Hour), got.SendAt)
	assert.Equal(t, "example.org", got.RecipientFilter)
}

func TestCreateSendNow(t *testing.T) {
	store := dbtest.New()
	s := newService(store)

	p := validParams()
	p.SendAt = time.Time{}
	p.SendNow = true
	job, err := s.Create(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, fixedNow.Add(time.Second), job.SendAt)
}

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*CreateParams)
		want   string
	}{
		{"send_at in the past", func(p *CreateParams) { p.SendAt = fixedNow.Add(-time.Minute) }, "send_at must be in the future"},
		{"send_at now", func(p *CreateParams) { p.SendAt = fixedNow }, "send_at must be in the future"},
		{"missing send_at", func(p *CreateParams) { p.SendAt = time.Time{} }, "send_at must be in the future"},
		{"missing subject", func(p *CreateParams) { p.Subject = " " }, "subject is required"},
		{"missing body", func(p *CreateParams) { p.BodyText = "" }, "body_text is required"},
		{"html without body", func(p *CreateParams) { p.SendHTML = true }, "body_html is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := dbtest.New()
			s := newService(store)

			p := validParams()
			tt.modify(&p)
			_, err := s.Create(context.Background(), p)
			require.ErrorIs(t, err, ErrValidation)
			assert.Contains(t, err.Error(), tt.want)

			list, err := store.ListJobs(context.Background(), db.ListFilter{Limit: 10})
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}

func TestCancel(t *testing.T) {
	tests := []struct {
		from    models.JobState
		want    models.JobState
		wantErr error
	}{
		{models.StatePending, models.StateCancelled, nil},
		{models.StateSending, models.StateCancelling, nil},
		{models.StateCancelling, models.StateCancelling, nil},
		{models.StateCancelled, models.StateCancelled, nil},
		{models.StateSent, models.StateSent, models.ErrCannotCancel},
		{models.StateFailed, models.StateFailed, models.ErrCannotCancel},
	}

	for _, tt := range tests {
		t.Run(string(tt.from), func(t *testing.T) {
			store := dbtest.New()
			job := models.NewJob("s", "b", "", false, fixedNow, "")
			job.State = tt.from
			store.Put(job)

			_, err := newService(store).Cancel(context.Background(), job.ID)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, store.Job(job.ID).State)
		})
	}
}

func TestCancelSavesOnlyOnChange(t *testing.T) {
	store := dbtest.New()
	job := models.NewJob("s", "b", "", false, fixedNow, "")
	store.Put(job)
	s := newService(store)

	_, err := s.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	_, err = s.Cancel(context.Background(), job.ID)
	require.NoError(t, err)

	assert.Len(t, store.Saves(job.ID), 1)
}

func TestCancelNotFound(t *testing.T) {
	_, err := newService(dbtest.New()).Cancel(context.Background(), uuid.New())
	assert.ErrorIs(t, err, db.ErrNotFound)
}

// finishingStore completes the job in storage right after it has been read,
// as the daemon would if it finished the last recipient at that moment.
type finishingStore struct {
	*dbtest.Store
}

func (f finishingStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := f.Store.GetJob(ctx, id)
	f.Store.SetState(id, models.StateSent)
	return job, err
}

func TestCancelRacesCompletion(t *testing.T) {
	store := dbtest.New()
	job := models.NewJob("s", "b", "", false, fixedNow, "")
	job.State = models.StateSending
	store.Put(job)

	s := NewService(finishingStore{store}, zap.NewNop())
	_, err := s.Cancel(context.Background(), job.ID)

	assert.ErrorIs(t, err, models.ErrCannotCancel)
	assert.Equal(t, models.StateSent, store.Job(job.ID).State)
}

func TestList(t *testing.T) {
	store := dbtest.New()
	states := []models.JobState{
		models.StatePending, models.StateSending, models.StateSent,
		models.StateFailed, models.StateCancelled, models.StateCancelling,
	}
	for _, st := range states {
		j := models.NewJob(string(st), "b", "", false, fixedNow, "")
		j.State = st
		store.Put(j)
	}
	s := newService(store)

	subjects := func(res *ListResult) []string {
		var out []string
		for _, j := range res.Jobs {
			out = append(out, j.Subject)
		}
		return out
	}

	res, err := s.List(context.Background(), ListParams{ShowFailed: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"CANCELLING", "FAILED", "SENDING", "PENDING"}, subjects(res))
	assert.True(t, res.AnyActive)

	res, err = s.List(context.Background(), ListParams{})
	require.NoError(t, err)
	assert.Equal(t, []string{"CANCELLING", "SENDING", "PENDING"}, subjects(res))

	res, err = s.List(context.Background(), ListParams{ShowCompleted: true})
	require.NoError(t, err)
	assert.Len(t, res.Jobs, 6)
}

func TestListPaging(t *testing.T) {
	store := dbtest.New()
	for i := 0; i < 5; i++ {
		j := models.NewJob("s", "b", "", false, fixedNow, "")
		j.State = models.StateSent
		store.Put(j)
	}
	s := newService(store)

	res, err := s.List(context.Background(), ListParams{ShowCompleted: true, Page: 3, PerPage: 2})
	require.NoError(t, err)
	assert.Len(t, res.Jobs, 1)
	assert.Equal(t, 3, res.Page)
	assert.False(t, res.AnyActive)

	res, err = s.List(context.Background(), ListParams{ShowCompleted: true, Page: 4, PerPage: 2})
	require.NoError(t, err)
	assert.NotNil(t, res.Jobs)
	assert.Empty(t, res.Jobs)

	res, err = s.List(context.Background(), ListParams{PerPage: 10_000})
	require.NoError(t, err)
	assert.Equal(t, MaxPerPage, res.PerPage)
	assert.Equal(t, 1, res.Page)
}
