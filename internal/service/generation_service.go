package service

import (
	"context"
	"errors"
	"fmt"

	appconfig "app/internal/config"
	"app/internal/model"
	"app/internal/repository"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// ErrInvalidRequest rejects malformed generation requests before any quota or
// job write happens.
var ErrInvalidRequest = errors.New("invalid request")

// GenerationRequest is a validated image generation submission.
type GenerationRequest struct {
	Filters   model.Filters `json:"filters"`
	BatchSize int           `json:"batch_size" validate:"required,min=1"`
}

// Enqueuer publishes jobs to the work queue; satisfied by *queue.JobQueue.
type Enqueuer interface {
	EnqueueGenerationJob(ctx context.Context, job *model.GenerationJob) (string, error)
}

// URLSigner issues signed read URLs for storage locators; satisfied by
// *storage.S3Storage.
type URLSigner interface {
	SignedURL(ctx context.Context, locator string) (string, error)
}

// GenerationService admits generation requests against the user's quota and
// enqueues the resulting jobs.
type GenerationService interface {
	// SubmitJob reserves quota, creates the job in status queued, and
	// enqueues it. Quota rejections surface synchronously as
	// *repository.QuotaExceededError; no job is created for them.
	SubmitJob(ctx context.Context, userID string, req GenerationRequest) (*model.GenerationJob, error)
	GetJob(ctx context.Context, userID, jobID string) (*model.GenerationJob, error)
	// JobImages resolves a completed job's images with signed read URLs.
	JobImages(ctx context.Context, job *model.GenerationJob) ([]*model.Image, error)
	UserImages(ctx context.Context, userID string, limit int32, cursor string) ([]*model.Image, string, error)
}

type generationService struct {
	cfg      *appconfig.Config
	users    repository.UserRepository
	jobs     repository.JobRepository
	images   repository.ImageRepository
	enqueue  Enqueuer
	signer   URLSigner
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewGenerationService creates a GenerationService with a scoped logger.
func NewGenerationService(cfg *appconfig.Config, users repository.UserRepository, jobs repository.JobRepository, images repository.ImageRepository, enqueue Enqueuer, signer URLSigner, logger zerolog.Logger) GenerationService {
	return &generationService{
		cfg:      cfg,
		users:    users,
		jobs:     jobs,
		images:   images,
		enqueue:  enqueue,
		signer:   signer,
		validate: validator.New(),
		logger:   logger.With().Str("service", "GenerationService").Logger(),
	}
}

func (s *generationService) SubmitJob(ctx context.Context, userID string, req GenerationRequest) (*model.GenerationJob, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.BatchSize > s.cfg.MaxBatchSize {
		return nil, fmt.Errorf("%w: batch size must be between 1 and %d", ErrInvalidRequest, s.cfg.MaxBatchSize)
	}

	if err := s.users.ReserveQuota(ctx, userID, int64(req.BatchSize)); err != nil {
		return nil, err
	}

	job, err := s.jobs.Create(ctx, userID, req.Filters, req.BatchSize)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to create job after quota reservation")
		s.compensate(ctx, userID, int64(req.BatchSize))
		return nil, err
	}

	if _, err := s.enqueue.EnqueueGenerationJob(ctx, job); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.JobID).Msg("Failed to enqueue job")
		if _, uerr := s.jobs.UpdateStatus(ctx, userID, job.JobID, model.JobFailed, &repository.StatusUpdate{Error: "failed to enqueue job"}); uerr != nil {
			s.logger.Error().Err(uerr).Str("job_id", job.JobID).Msg("Failed to mark unenqueued job as failed")
		}
		s.compensate(ctx, userID, int64(req.BatchSize))
		return nil, err
	}

	s.logger.Info().Str("job_id", job.JobID).Str("user_id", userID).Int("batch_size", req.BatchSize).Msg("Generation job queued")
	return job, nil
}

func (s *generationService) GetJob(ctx context.Context, userID, jobID string) (*model.GenerationJob, error) {
	return s.jobs.Get(ctx, userID, jobID)
}

func (s *generationService) JobImages(ctx context.Context, job *model.GenerationJob) ([]*model.Image, error) {
	images := make([]*model.Image, 0, len(job.ImageIDs))
	for _, id := range job.ImageIDs {
		img, err := s.images.Get(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if err := s.sign(ctx, img); err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, nil
}

func (s *generationService) UserImages(ctx context.Context, userID string, limit int32, cursor string) ([]*model.Image, string, error) {
	images, next, err := s.images.ListByOwner(ctx, userID, limit, cursor)
	if err != nil {
		return nil, "", err
	}
	for _, img := range images {
		if err := s.sign(ctx, img); err != nil {
			return nil, "", err
		}
	}
	return images, next, nil
}

func (s *generationService) sign(ctx context.Context, img *model.Image) error {
	url, err := s.signer.SignedURL(ctx, img.URL)
	if err != nil {
		return fmt.Errorf("sign url for image %s: %w", img.ImageID, err)
	}
	img.URL = url
	return nil
}

// compensate returns a reservation that never became a runnable job.
func (s *generationService) compensate(ctx context.Context, userID string, n int64) {
	if err := s.users.RefundQuota(ctx, userID, n); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Int64("amount", n).Msg("Failed to refund quota reservation")
	}
}
