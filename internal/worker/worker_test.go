package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	appconfig "app/internal/config"
	"app/internal/model"
	"app/internal/provider"
	"app/internal/queue"
	"app/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---- fakes ----

type fakeConsumer struct {
	acked    []string
	extended []string
}

func (f *fakeConsumer) Receive(ctx context.Context, maxMessages, waitSeconds int32) ([]queue.Message, error) {
	return nil, nil
}
func (f *fakeConsumer) Ack(ctx context.Context, leaseToken string) error {
	f.acked = append(f.acked, leaseToken)
	return nil
}
func (f *fakeConsumer) ExtendLease(ctx context.Context, leaseToken string, seconds int32) error {
	f.extended = append(f.extended, leaseToken)
	return nil
}

type fakeJobs struct {
	jobs    map[string]*model.GenerationJob
	updates []model.JobStatus
}

func (f *fakeJobs) Create(ctx context.Context, userID string, filters model.Filters, batchSize int) (*model.GenerationJob, error) {
	return nil, errors.New("not used")
}
func (f *fakeJobs) Get(ctx context.Context, userID, jobID string) (*model.GenerationJob, error) {
	job, ok := f.jobs[jobID]
	if !ok || job.UserID != userID {
		return nil, fmt.Errorf("job %s: %w", jobID, repository.ErrNotFound)
	}
	return job, nil
}
func (f *fakeJobs) UpdateStatus(ctx context.Context, userID, jobID string, status model.JobStatus, upd *repository.StatusUpdate) (*model.GenerationJob, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, repository.ErrNotFound)
	}
	job.Status = status
	if upd != nil {
		if upd.ImageIDs != nil {
			job.ImageIDs = upd.ImageIDs
		}
		if upd.Error != "" {
			job.Error = upd.Error
		}
		if upd.TotalCostCents > 0 {
			job.TotalCostCents = upd.TotalCostCents
		}
	}
	f.updates = append(f.updates, status)
	return job, nil
}
func (f *fakeJobs) ListByStatus(ctx context.Context, status model.JobStatus, limit int32, cursor string) ([]*model.GenerationJob, string, error) {
	return nil, "", nil
}
func (f *fakeJobs) ListForUser(ctx context.Context, userID string, limit int32, cursor string) ([]*model.GenerationJob, string, error) {
	return nil, "", nil
}

type fakeUsers struct {
	users    map[string]*model.User
	refunded []int64
}

func (f *fakeUsers) Create(ctx context.Context, userID, email, username string) (*model.User, error) {
	return nil, errors.New("not used")
}
func (f *fakeUsers) Get(ctx context.Context, userID string) (*model.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, repository.ErrNotFound)
	}
	return u, nil
}
func (f *fakeUsers) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	return nil, repository.ErrNotFound
}
func (f *fakeUsers) Save(ctx context.Context, u *model.User) error       { return nil }
func (f *fakeUsers) SoftDelete(ctx context.Context, userID string) error { return nil }
func (f *fakeUsers) ReserveQuota(ctx context.Context, userID string, n int64) error {
	return errors.New("not used")
}
func (f *fakeUsers) RefundQuota(ctx context.Context, userID string, n int64) error {
	u, ok := f.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, repository.ErrNotFound)
	}
	u.QuotaUsed -= n
	if u.QuotaUsed < 0 {
		u.QuotaUsed = 0
	}
	f.refunded = append(f.refunded, n)
	return nil
}

type fakeImages struct {
	created []*model.Image
}

func (f *fakeImages) Create(ctx context.Context, img *model.Image) (*model.Image, error) {
	f.created = append(f.created, img)
	return img, nil
}
func (f *fakeImages) Get(ctx context.Context, imageID string) (*model.Image, error) {
	return nil, repository.ErrNotFound
}
func (f *fakeImages) Save(ctx context.Context, img *model.Image) error       { return nil }
func (f *fakeImages) SoftDelete(ctx context.Context, imageID string) error   { return nil }
func (f *fakeImages) ListByTag(ctx context.Context, tag string, limit int32, cursor string) ([]*model.Image, string, error) {
	return nil, "", nil
}
func (f *fakeImages) ListByOwner(ctx context.Context, userID string, limit int32, cursor string) ([]*model.Image, string, error) {
	return nil, "", nil
}

type fakeGenerator struct {
	images []provider.GeneratedImage
	err    error
	calls  int
}

func (f *fakeGenerator) GenerateBatch(ctx context.Context, filters model.Filters, batchSize int) ([]provider.GeneratedImage, error) {
	f.calls++
	return f.images, f.err
}

type fakeStore struct {
	uploads     []string
	downloadErr map[string]error
}

func (f *fakeStore) Upload(ctx context.Context, data []byte, key string) (string, error) {
	f.uploads = append(f.uploads, key)
	return "s3://bucket/" + key, nil
}
func (f *fakeStore) DownloadFromURL(ctx context.Context, url string) ([]byte, error) {
	if err := f.downloadErr[url]; err != nil {
		return nil, err
	}
	return []byte("png-bytes"), nil
}

// ---- helpers ----

type env struct {
	worker    *Worker
	consumer  *fakeConsumer
	jobs      *fakeJobs
	users     *fakeUsers
	images    *fakeImages
	generator *fakeGenerator
	store     *fakeStore
}

func newEnv(job *model.GenerationJob, user *model.User) *env {
	e := &env{
		consumer:  &fakeConsumer{},
		jobs:      &fakeJobs{jobs: map[string]*model.GenerationJob{}},
		users:     &fakeUsers{users: map[string]*model.User{}},
		images:    &fakeImages{},
		generator: &fakeGenerator{},
		store:     &fakeStore{},
	}
	if job != nil {
		e.jobs.jobs[job.JobID] = job
	}
	if user != nil {
		e.users.users[user.UserID] = user
	}
	cfg := &appconfig.Config{WorkerPollMaxMsg: 1, WorkerPollTimeoutSec: 1, WorkerLeaseExtensionSec: 300}
	e.worker = New(cfg, e.consumer, e.jobs, e.users, e.images, e.generator, e.store, zerolog.Nop())
	return e
}

func message(t *testing.T, jobID, userID string) queue.Message {
	t.Helper()
	body, err := json.Marshal(queue.JobMessage{
		Type:   queue.MessageTypeGeneration,
		JobID:  jobID,
		UserID: userID,
	})
	require.NoError(t, err)
	return queue.Message{MessageID: "m-1", LeaseToken: "lease-1", Body: body}
}

func queuedJob(batchSize int) *model.GenerationJob {
	return &model.GenerationJob{
		JobID:     "j1",
		UserID:    "u1",
		Status:    model.JobQueued,
		BatchSize: batchSize,
		CreatedAt: 1700000000,
	}
}

// ---- tests ----

func TestProcessMessageCompletesJob(t *testing.T) {
	e := newEnv(queuedJob(2), &model.User{UserID: "u1", QuotaUsed: 2, QuotaLimit: 100})
	e.generator.images = []provider.GeneratedImage{
		{URL: "https://cdn/1.png", Prompt: "p", ModelID: "flux/dev", ModelName: "FLUX.1 Dev", CostCents: 25},
		{URL: "https://cdn/2.png", Prompt: "p", ModelID: "flux/dev", ModelName: "FLUX.1 Dev", CostCents: 25},
	}

	outcome := e.worker.ProcessMessage(context.Background(), message(t, "j1", "u1"))
	assert.Equal(t, OutcomeCompleted, outcome)

	job := e.jobs.jobs["j1"]
	assert.Equal(t, model.JobCompleted, job.Status)
	assert.Len(t, job.ImageIDs, 2)
	assert.Equal(t, int64(50), job.TotalCostCents)

	// processing then completed, lease extended, message acked, no refund.
	assert.Equal(t, []model.JobStatus{model.JobProcessing, model.JobCompleted}, e.jobs.updates)
	assert.Equal(t, []string{"lease-1"}, e.consumer.extended)
	assert.Equal(t, []string{"lease-1"}, e.consumer.acked)
	assert.Empty(t, e.users.refunded)
	assert.Len(t, e.images.created, 2)
}

func TestProcessMessageDeterministicImageIDs(t *testing.T) {
	run := func() []string {
		e := newEnv(queuedJob(2), &model.User{UserID: "u1", QuotaLimit: 100})
		e.generator.images = []provider.GeneratedImage{
			{URL: "https://cdn/1.png", CostCents: 25},
			{URL: "https://cdn/2.png", CostCents: 25},
		}
		e.worker.ProcessMessage(context.Background(), message(t, "j1", "u1"))
		return e.jobs.jobs["j1"].ImageIDs
	}

	first := run()
	second := run()
	require.Len(t, first, 2)
	assert.Equal(t, first, second)
	assert.NotEqual(t, first[0], first[1])
}

func TestPersistedImagesPublicByDefault(t *testing.T) {
	e := newEnv(queuedJob(1), &model.User{UserID: "u1", QuotaLimit: 100})
	e.generator.images = []provider.GeneratedImage{{URL: "https://cdn/1.png", CostCents: 25}}

	e.worker.ProcessMessage(context.Background(), message(t, "j1", "u1"))
	require.Len(t, e.images.created, 1)
	assert.True(t, e.images.created[0].Public)
}

func TestPersistedImagesRespectPrivateFilter(t *testing.T) {
	job := queuedJob(1)
	private := false
	job.Filters.Public = &private
	e := newEnv(job, &model.User{UserID: "u1", QuotaLimit: 100})
	e.generator.images = []provider.GeneratedImage{{URL: "https://cdn/1.png", CostCents: 25}}

	e.worker.ProcessMessage(context.Background(), message(t, "j1", "u1"))
	require.Len(t, e.images.created, 1)
	assert.False(t, e.images.created[0].Public)
}

func TestProcessMessageFullFailureRefunds(t *testing.T) {
	e := newEnv(queuedJob(3), &model.User{UserID: "u1", QuotaUsed: 3, QuotaLimit: 100})
	e.generator.err = errors.New("all 3 generations failed: provider down")

	outcome := e.worker.ProcessMessage(context.Background(), message(t, "j1", "u1"))
	assert.Equal(t, OutcomeFailed, outcome)

	job := e.jobs.jobs["j1"]
	assert.Equal(t, model.JobFailed, job.Status)
	assert.Contains(t, job.Error, "provider down")
	assert.Equal(t, []int64{3}, e.users.refunded)
	assert.Equal(t, int64(0), e.users.users["u1"].QuotaUsed)
	assert.Equal(t, []string{"lease-1"}, e.consumer.acked)
}

func TestProcessMessageRefundFloorsAtZero(t *testing.T) {
	// Interleaved billing reset left quota_used below the reserved amount.
	e := newEnv(queuedJob(5), &model.User{UserID: "u1", QuotaUsed: 2, QuotaLimit: 100})
	e.generator.err = errors.New("provider down")

	e.worker.ProcessMessage(context.Background(), message(t, "j1", "u1"))
	assert.Equal(t, int64(0), e.users.users["u1"].QuotaUsed)
}

func TestProcessMessagePartialPersistCompletes(t *testing.T) {
	e := newEnv(queuedJob(3), &model.User{UserID: "u1", QuotaLimit: 100})
	e.generator.images = []provider.GeneratedImage{
		{URL: "https://cdn/1.png", CostCents: 25},
		{URL: "https://cdn/2.png", CostCents: 25},
		{URL: "https://cdn/3.png", CostCents: 25},
	}
	e.store.downloadErr = map[string]error{"https://cdn/2.png": errors.New("gone")}

	outcome := e.worker.ProcessMessage(context.Background(), message(t, "j1", "u1"))
	assert.Equal(t, OutcomeCompleted, outcome)

	job := e.jobs.jobs["j1"]
	assert.Equal(t, model.JobCompleted, job.Status)
	assert.Len(t, job.ImageIDs, 2)
	assert.Equal(t, int64(50), job.TotalCostCents)
}

func TestProcessMessageMalformedAcked(t *testing.T) {
	e := newEnv(nil, nil)

	outcome := e.worker.ProcessMessage(context.Background(), queue.Message{
		MessageID: "m-1", LeaseToken: "lease-1", Body: []byte("not json"),
	})
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, []string{"lease-1"}, e.consumer.acked)
	assert.Zero(t, e.generator.calls)
}

func TestProcessMessageWrongTypeAcked(t *testing.T) {
	e := newEnv(nil, nil)
	body, _ := json.Marshal(map[string]string{"type": "something_else", "job_id": "j1"})

	outcome := e.worker.ProcessMessage(context.Background(), queue.Message{LeaseToken: "lease-1", Body: body})
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, []string{"lease-1"}, e.consumer.acked)
}

func TestProcessMessageTerminalJobSkipsProvider(t *testing.T) {
	job := queuedJob(2)
	job.Status = model.JobCompleted
	e := newEnv(job, &model.User{UserID: "u1", QuotaLimit: 100})

	outcome := e.worker.ProcessMessage(context.Background(), message(t, "j1", "u1"))
	assert.Equal(t, OutcomeCompleted, outcome)

	// Redelivery of a finished job must not regenerate or rewrite anything.
	assert.Zero(t, e.generator.calls)
	assert.Empty(t, e.jobs.updates)
	assert.Equal(t, []string{"lease-1"}, e.consumer.acked)
}

func TestProcessMessageMissingUserFailsJob(t *testing.T) {
	e := newEnv(queuedJob(2), nil)

	outcome := e.worker.ProcessMessage(context.Background(), message(t, "j1", "u1"))
	assert.Equal(t, OutcomeFailed, outcome)

	job := e.jobs.jobs["j1"]
	assert.Equal(t, model.JobFailed, job.Status)
	assert.Equal(t, "user not found", job.Error)
	assert.Zero(t, e.generator.calls)
	assert.Equal(t, []string{"lease-1"}, e.consumer.acked)
}

func TestProcessMessageUnknownJobAcked(t *testing.T) {
	e := newEnv(nil, nil)

	outcome := e.worker.ProcessMessage(context.Background(), message(t, "ghost", "u1"))
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, []string{"lease-1"}, e.consumer.acked)
}
