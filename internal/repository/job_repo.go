package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"app/internal/dynamo"
	"app/internal/model"

	"github.com/google/uuid"
)

// StatusUpdate carries the optional fields of a job status transition.
type StatusUpdate struct {
	ImageIDs       []string
	Error          string
	TotalCostCents int64
}

// JobRepository persists GenerationJob entities under their owning user's
// partition, maintaining one status index row per job.
type JobRepository interface {
	Create(ctx context.Context, userID string, filters model.Filters, batchSize int) (*model.GenerationJob, error)
	Get(ctx context.Context, userID, jobID string) (*model.GenerationJob, error)
	// UpdateStatus retires the old status index row, writes the mutated job
	// back, and writes the new status index row, in that order. The sequence
	// is not atomic; the job row is authoritative for current status.
	// Returns ErrNotFound (and performs no writes) when the job is missing.
	UpdateStatus(ctx context.Context, userID, jobID string, status model.JobStatus, upd *StatusUpdate) (*model.GenerationJob, error)
	// ListByStatus resolves jobs through the status index. Readers must
	// tolerate duplicate and missing index entries, so resolution re-fetches
	// each job and drops dangling references.
	ListByStatus(ctx context.Context, status model.JobStatus, limit int32, cursor string) ([]*model.GenerationJob, string, error)
	ListForUser(ctx context.Context, userID string, limit int32, cursor string) ([]*model.GenerationJob, string, error)
}

type jobRepo struct {
	store Store
	now   func() int64
}

// NewJobRepo creates a new JobRepository.
func NewJobRepo(store Store) JobRepository {
	return &jobRepo{store: store, now: func() int64 { return time.Now().Unix() }}
}

func (r *jobRepo) Create(ctx context.Context, userID string, filters model.Filters, batchSize int) (*model.GenerationJob, error) {
	now := r.now()
	job := &model.GenerationJob{
		JobID:     uuid.NewString(),
		UserID:    userID,
		Status:    model.JobQueued,
		Filters:   filters,
		BatchSize: batchSize,
		ImageIDs:  []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	item, err := itemFrom(job, pkUser+userID, skJob+job.JobID)
	if err != nil {
		return nil, err
	}
	if _, err := r.store.Put(ctx, item); err != nil {
		return nil, fmt.Errorf("create job %s: %w", job.JobID, err)
	}
	if err := r.putStatusIndex(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (r *jobRepo) Get(ctx context.Context, userID, jobID string) (*model.GenerationJob, error) {
	item, err := r.store.Get(ctx, pkUser+userID, skJob+jobID)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	if item == nil || deletedAt(item) {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	var job model.GenerationJob
	if err := into(item, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *jobRepo) UpdateStatus(ctx context.Context, userID, jobID string, status model.JobStatus, upd *StatusUpdate) (*model.GenerationJob, error) {
	job, err := r.Get(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}

	// Retire the old status index row first, then write the job, then the
	// new index row. A crash mid-sequence can leave zero or two index rows;
	// readers tolerate both.
	if err := r.store.SoftDelete(ctx, pkJobStatus+string(job.Status), statusSK(job)); err != nil {
		return nil, fmt.Errorf("retire status index for job %s: %w", jobID, err)
	}

	job.Status = status
	job.UpdatedAt = r.now()
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
	switch status {
	case model.JobCompleted:
		job.CompletedAt = job.UpdatedAt
	case model.JobFailed:
		job.FailedAt = job.UpdatedAt
	}

	item, err := itemFrom(job, pkUser+userID, skJob+jobID)
	if err != nil {
		return nil, err
	}
	if _, err := r.store.Put(ctx, item); err != nil {
		return nil, fmt.Errorf("update job %s: %w", jobID, err)
	}
	if err := r.putStatusIndex(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (r *jobRepo) ListByStatus(ctx context.Context, status model.JobStatus, limit int32, cursor string) ([]*model.GenerationJob, string, error) {
	items, next, err := r.store.Query(ctx, pkJobStatus+string(status), "", limit, cursor)
	if err != nil {
		return nil, "", fmt.Errorf("list jobs by status %s: %w", status, err)
	}
	jobs := make([]*model.GenerationJob, 0, len(items))
	for _, item := range items {
		if deletedAt(item) {
			continue
		}
		jobID, _ := item["job_id"].(string)
		userID, _ := item["user_id"].(string)
		if jobID == "" || userID == "" {
			continue
		}
		job, err := r.Get(ctx, userID, jobID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, "", err
		}
		// The index row may lag the job row; the job is authoritative.
		if job.Status != status {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, next, nil
}

func (r *jobRepo) ListForUser(ctx context.Context, userID string, limit int32, cursor string) ([]*model.GenerationJob, string, error) {
	items, next, err := r.store.Query(ctx, pkUser+userID, skJob, limit, cursor)
	if err != nil {
		return nil, "", fmt.Errorf("list jobs for user %s: %w", userID, err)
	}
	jobs := make([]*model.GenerationJob, 0, len(items))
	for _, item := range items {
		if deletedAt(item) {
			continue
		}
		sk, _ := item["sk"].(string)
		if !strings.HasPrefix(sk, skJob) {
			continue
		}
		var job model.GenerationJob
		if err := into(item, &job); err != nil {
			return nil, "", err
		}
		jobs = append(jobs, &job)
	}
	return jobs, next, nil
}

func (r *jobRepo) putStatusIndex(ctx context.Context, job *model.GenerationJob) error {
	statusIndex := dynamo.Item{
		"pk":      pkJobStatus + string(job.Status),
		"sk":      statusSK(job),
		"job_id":  job.JobID,
		"user_id": job.UserID,
	}
	if _, err := r.store.Put(ctx, statusIndex); err != nil {
		return fmt.Errorf("create status index for job %s: %w", job.JobID, err)
	}
	return nil
}

// statusSK orders status index rows by creation time, disambiguated by job id
// so two jobs created within the same second don't collide.
func statusSK(job *model.GenerationJob) string {
	return strconv.FormatInt(job.CreatedAt, 10) + "#" + job.JobID
}
