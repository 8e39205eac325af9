package service

import (
	"context"
	"errors"
	"testing"

	appconfig "app/internal/config"
	"app/internal/model"
	"app/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGenerationService(users *fakeUserRepo, jobs *fakeJobRepo, images *fakeImageRepo, enq *fakeEnqueuer) GenerationService {
	cfg := &appconfig.Config{MaxBatchSize: 10}
	return NewGenerationService(cfg, users, jobs, images, enq, &fakeSigner{}, zerolog.Nop())
}

func TestSubmitJobHappyPath(t *testing.T) {
	users := newFakeUserRepo(&model.User{UserID: "u1", QuotaUsed: 0, QuotaLimit: 100})
	jobs := newFakeJobRepo()
	enq := &fakeEnqueuer{}
	svc := newTestGenerationService(users, jobs, newFakeImageRepo(), enq)

	job, err := svc.SubmitJob(context.Background(), "u1", GenerationRequest{BatchSize: 5})
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, job.Status)
	assert.Equal(t, 5, job.BatchSize)

	assert.Equal(t, []int64{5}, users.reserved)
	assert.Equal(t, int64(5), users.users["u1"].QuotaUsed)
	require.Len(t, enq.enqueued, 1)
	assert.Equal(t, job.JobID, enq.enqueued[0].JobID)
}

func TestSubmitJobAdmitsExactRemainingQuota(t *testing.T) {
	users := newFakeUserRepo(&model.User{UserID: "u1", QuotaUsed: 95, QuotaLimit: 100})
	svc := newTestGenerationService(users, newFakeJobRepo(), newFakeImageRepo(), &fakeEnqueuer{})

	_, err := svc.SubmitJob(context.Background(), "u1", GenerationRequest{BatchSize: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(100), users.users["u1"].QuotaUsed)
}

func TestSubmitJobRejectsOverQuota(t *testing.T) {
	users := newFakeUserRepo(&model.User{UserID: "u1", QuotaUsed: 95, QuotaLimit: 100})
	jobs := newFakeJobRepo()
	enq := &fakeEnqueuer{}
	svc := newTestGenerationService(users, jobs, newFakeImageRepo(), enq)

	_, err := svc.SubmitJob(context.Background(), "u1", GenerationRequest{BatchSize: 6})
	var qe *repository.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, int64(5), qe.Remaining)

	// No job was created and nothing was enqueued.
	assert.Empty(t, jobs.jobs)
	assert.Empty(t, enq.enqueued)
	assert.Equal(t, int64(95), users.users["u1"].QuotaUsed)
}

func TestSubmitJobValidatesBatchSize(t *testing.T) {
	users := newFakeUserRepo(&model.User{UserID: "u1", QuotaLimit: 100})
	svc := newTestGenerationService(users, newFakeJobRepo(), newFakeImageRepo(), &fakeEnqueuer{})

	_, err := svc.SubmitJob(context.Background(), "u1", GenerationRequest{BatchSize: 0})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.SubmitJob(context.Background(), "u1", GenerationRequest{BatchSize: 11})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Empty(t, users.reserved)
}

func TestSubmitJobEnqueueFailureCompensates(t *testing.T) {
	users := newFakeUserRepo(&model.User{UserID: "u1", QuotaUsed: 0, QuotaLimit: 100})
	jobs := newFakeJobRepo()
	enq := &fakeEnqueuer{err: errors.New("queue down")}
	svc := newTestGenerationService(users, jobs, newFakeImageRepo(), enq)

	_, err := svc.SubmitJob(context.Background(), "u1", GenerationRequest{BatchSize: 4})
	require.Error(t, err)

	// Quota was reserved and refunded; the job exists but is failed.
	assert.Equal(t, []int64{4}, users.reserved)
	assert.Equal(t, []int64{4}, users.refunded)
	assert.Equal(t, int64(0), users.users["u1"].QuotaUsed)
	require.Len(t, jobs.updates, 1)
	assert.Equal(t, model.JobFailed, jobs.updates[0].status)
}

func TestSubmitJobCreateFailureRefunds(t *testing.T) {
	users := newFakeUserRepo(&model.User{UserID: "u1", QuotaLimit: 100})
	jobs := newFakeJobRepo()
	jobs.createErr = errors.New("store down")
	svc := newTestGenerationService(users, jobs, newFakeImageRepo(), &fakeEnqueuer{})

	_, err := svc.SubmitJob(context.Background(), "u1", GenerationRequest{BatchSize: 3})
	require.Error(t, err)
	assert.Equal(t, []int64{3}, users.refunded)
}

func TestJobImagesSignsAndSkipsMissing(t *testing.T) {
	images := newFakeImageRepo(
		&model.Image{ImageID: "i1", UserID: "u1", URL: "s3://b/images/u1/i1.png"},
	)
	svc := newTestGenerationService(newFakeUserRepo(), newFakeJobRepo(), images, &fakeEnqueuer{})

	job := &model.GenerationJob{JobID: "j1", UserID: "u1", ImageIDs: []string{"i1", "gone"}}
	got, err := svc.JobImages(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "https://signed.example.com/s3://b/images/u1/i1.png", got[0].URL)
}
