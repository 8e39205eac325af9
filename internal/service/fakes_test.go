package service

import (
	"context"
	"fmt"

	"app/internal/model"
	"app/internal/repository"
)

// ---- fakes ----

type fakeUserRepo struct {
	users      map[string]*model.User
	reserveErr error
	reserved   []int64
	refunded   []int64
	saveCount  int
}

func newFakeUserRepo(users ...*model.User) *fakeUserRepo {
	m := map[string]*model.User{}
	for _, u := range users {
		m[u.UserID] = u
	}
	return &fakeUserRepo{users: m}
}

func (f *fakeUserRepo) Create(ctx context.Context, userID, email, username string) (*model.User, error) {
	u := &model.User{UserID: userID, Email: email, Username: username, Role: model.RoleUser}
	f.users[userID] = u
	return u, nil
}

func (f *fakeUserRepo) Get(ctx context.Context, userID string) (*model.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, repository.ErrNotFound)
	}
	return u, nil
}

func (f *fakeUserRepo) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	for _, u := range f.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, fmt.Errorf("email %s: %w", email, repository.ErrNotFound)
}

func (f *fakeUserRepo) Save(ctx context.Context, u *model.User) error {
	f.saveCount++
	f.users[u.UserID] = u
	return nil
}

func (f *fakeUserRepo) SoftDelete(ctx context.Context, userID string) error {
	delete(f.users, userID)
	return nil
}

func (f *fakeUserRepo) ReserveQuota(ctx context.Context, userID string, n int64) error {
	if f.reserveErr != nil {
		return f.reserveErr
	}
	u, ok := f.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, repository.ErrNotFound)
	}
	if u.QuotaUsed+n > u.QuotaLimit {
		return &repository.QuotaExceededError{Remaining: u.QuotaRemaining()}
	}
	u.QuotaUsed += n
	f.reserved = append(f.reserved, n)
	return nil
}

func (f *fakeUserRepo) RefundQuota(ctx context.Context, userID string, n int64) error {
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

type statusRecord struct {
	jobID  string
	status model.JobStatus
	upd    *repository.StatusUpdate
}

type fakeJobRepo struct {
	jobs      map[string]*model.GenerationJob
	createErr error
	updates   []statusRecord
	nextID    int
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: map[string]*model.GenerationJob{}}
}

func (f *fakeJobRepo) Create(ctx context.Context, userID string, filters model.Filters, batchSize int) (*model.GenerationJob, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	job := &model.GenerationJob{
		JobID:     fmt.Sprintf("job-%d", f.nextID),
		UserID:    userID,
		Status:    model.JobQueued,
		Filters:   filters,
		BatchSize: batchSize,
		ImageIDs:  []string{},
		CreatedAt: 1700000000,
	}
	f.jobs[job.JobID] = job
	return job, nil
}

func (f *fakeJobRepo) Get(ctx context.Context, userID, jobID string) (*model.GenerationJob, error) {
	job, ok := f.jobs[jobID]
	if !ok || job.UserID != userID {
		return nil, fmt.Errorf("job %s: %w", jobID, repository.ErrNotFound)
	}
	return job, nil
}

func (f *fakeJobRepo) UpdateStatus(ctx context.Context, userID, jobID string, status model.JobStatus, upd *repository.StatusUpdate) (*model.GenerationJob, error) {
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
	f.updates = append(f.updates, statusRecord{jobID: jobID, status: status, upd: upd})
	return job, nil
}

func (f *fakeJobRepo) ListByStatus(ctx context.Context, status model.JobStatus, limit int32, cursor string) ([]*model.GenerationJob, string, error) {
	var jobs []*model.GenerationJob
	for _, job := range f.jobs {
		if job.Status == status {
			jobs = append(jobs, job)
		}
	}
	return jobs, "", nil
}

func (f *fakeJobRepo) ListForUser(ctx context.Context, userID string, limit int32, cursor string) ([]*model.GenerationJob, string, error) {
	var jobs []*model.GenerationJob
	for _, job := range f.jobs {
		if job.UserID == userID {
			jobs = append(jobs, job)
		}
	}
	return jobs, "", nil
}

type fakeImageRepo struct {
	images map[string]*model.Image
}

func newFakeImageRepo(images ...*model.Image) *fakeImageRepo {
	m := map[string]*model.Image{}
	for _, img := range images {
		m[img.ImageID] = img
	}
	return &fakeImageRepo{images: m}
}

func (f *fakeImageRepo) Create(ctx context.Context, img *model.Image) (*model.Image, error) {
	f.images[img.ImageID] = img
	return img, nil
}

func (f *fakeImageRepo) Get(ctx context.Context, imageID string) (*model.Image, error) {
	img, ok := f.images[imageID]
	if !ok {
		return nil, fmt.Errorf("image %s: %w", imageID, repository.ErrNotFound)
	}
	return img, nil
}

func (f *fakeImageRepo) Save(ctx context.Context, img *model.Image) error {
	f.images[img.ImageID] = img
	return nil
}

func (f *fakeImageRepo) SoftDelete(ctx context.Context, imageID string) error {
	delete(f.images, imageID)
	return nil
}

func (f *fakeImageRepo) ListByTag(ctx context.Context, tag string, limit int32, cursor string) ([]*model.Image, string, error) {
	return nil, "", nil
}

func (f *fakeImageRepo) ListByOwner(ctx context.Context, userID string, limit int32, cursor string) ([]*model.Image, string, error) {
	var images []*model.Image
	for _, img := range f.images {
		if img.UserID == userID {
			images = append(images, img)
		}
	}
	return images, "", nil
}

type fakeSubRepo struct {
	subs map[string]*model.Subscription
}

func newFakeSubRepo(subs ...*model.Subscription) *fakeSubRepo {
	m := map[string]*model.Subscription{}
	for _, s := range subs {
		m[s.SubscriptionID] = s
	}
	return &fakeSubRepo{subs: m}
}

func (f *fakeSubRepo) Create(ctx context.Context, userID, subscriptionID, planID, status string, currentPeriodEnd int64) (*model.Subscription, error) {
	sub := &model.Subscription{
		SubscriptionID:   subscriptionID,
		UserID:           userID,
		PlanID:           planID,
		Status:           status,
		CurrentPeriodEnd: currentPeriodEnd,
	}
	f.subs[subscriptionID] = sub
	return sub, nil
}

func (f *fakeSubRepo) Get(ctx context.Context, userID, subscriptionID string) (*model.Subscription, error) {
	return f.GetBySubscriptionID(ctx, subscriptionID)
}

func (f *fakeSubRepo) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*model.Subscription, error) {
	sub, ok := f.subs[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", subscriptionID, repository.ErrNotFound)
	}
	return sub, nil
}

func (f *fakeSubRepo) ListForUser(ctx context.Context, userID string) ([]*model.Subscription, error) {
	var subs []*model.Subscription
	for _, s := range f.subs {
		if s.UserID == userID {
			subs = append(subs, s)
		}
	}
	return subs, nil
}

func (f *fakeSubRepo) GetActive(ctx context.Context, userID string) (*model.Subscription, error) {
	for _, s := range f.subs {
		if s.UserID == userID && s.Status == model.SubscriptionActive {
			return s, nil
		}
	}
	return nil, fmt.Errorf("active subscription for user %s: %w", userID, repository.ErrNotFound)
}

func (f *fakeSubRepo) Save(ctx context.Context, sub *model.Subscription) error {
	f.subs[sub.SubscriptionID] = sub
	return nil
}

type fakeEnqueuer struct {
	enqueued []*model.GenerationJob
	err      error
}

func (f *fakeEnqueuer) EnqueueGenerationJob(ctx context.Context, job *model.GenerationJob) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.enqueued = append(f.enqueued, job)
	return "m-1", nil
}

type fakeSigner struct{}

func (f *fakeSigner) SignedURL(ctx context.Context, locator string) (string, error) {
	return "https://signed.example.com/" + locator, nil
}
