// Package worker consumes generation job messages and drives each job through
// its lifecycle: processing, provider fan-out, image persistence, and a
// terminal completed or failed status. Messages are acked only after the
// terminal status is durable, so a crash mid-job leads to redelivery, never a
// lost job.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	appconfig "app/internal/config"
	"app/internal/model"
	"app/internal/provider"
	"app/internal/queue"
	"app/internal/repository"
	"app/internal/storage"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// imageIDNamespace derives deterministic image ids from (job id, index), so a
// redelivered job writes the same image rows instead of duplicates.
var imageIDNamespace = uuid.MustParse("7b9cfc8e-3b0e-4b0a-8f0d-6a1d0a9f4c21")

// Consumer is the queue surface the worker uses; satisfied by *queue.Client.
type Consumer interface {
	Receive(ctx context.Context, maxMessages, waitSeconds int32) ([]queue.Message, error)
	Ack(ctx context.Context, leaseToken string) error
	ExtendLease(ctx context.Context, leaseToken string, seconds int32) error
}

// BatchGenerator produces image batches; satisfied by *provider.Generator.
type BatchGenerator interface {
	GenerateBatch(ctx context.Context, filters model.Filters, batchSize int) ([]provider.GeneratedImage, error)
}

// ImageStore moves image bytes between the provider and durable storage;
// satisfied by *storage.S3Storage.
type ImageStore interface {
	Upload(ctx context.Context, data []byte, key string) (string, error)
	DownloadFromURL(ctx context.Context, url string) ([]byte, error)
}

// Worker is the generation job consumer.
type Worker struct {
	cfg       *appconfig.Config
	consumer  Consumer
	jobs      repository.JobRepository
	users     repository.UserRepository
	images    repository.ImageRepository
	generator BatchGenerator
	store     ImageStore
	logger    zerolog.Logger
}

// New creates a Worker with a scoped logger.
func New(cfg *appconfig.Config, consumer Consumer, jobs repository.JobRepository, users repository.UserRepository, images repository.ImageRepository, generator BatchGenerator, store ImageStore, logger zerolog.Logger) *Worker {
	return &Worker{
		cfg:       cfg,
		consumer:  consumer,
		jobs:      jobs,
		users:     users,
		images:    images,
		generator: generator,
		store:     store,
		logger:    logger.With().Str("service", "Worker").Logger(),
	}
}

// Outcome classifies what happened to one delivery.
type Outcome int

const (
	// OutcomeCompleted means the job reached completed and the message was
	// acked.
	OutcomeCompleted Outcome = iota
	// OutcomeFailed means the job (or message) reached a failed terminal
	// state and the message was acked.
	OutcomeFailed
	// OutcomeRequeued means the message was left unacked for redelivery.
	OutcomeRequeued
)

// Run polls the queue until ctx is canceled, logging processed and failed
// counts per drain.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Msg("Starting generation worker")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Shutting down generation worker")
			return nil
		default:
		}

		msgs, err := w.consumer.Receive(ctx, int32(w.cfg.WorkerPollMaxMsg), int32(w.cfg.WorkerPollTimeoutSec))
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info().Msg("Shutting down generation worker")
				return nil
			}
			w.logger.Error().Err(err).Msg("Error receiving from queue")
			time.Sleep(time.Second)
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		var processed, failed int
		for _, msg := range msgs {
			switch w.ProcessMessage(ctx, msg) {
			case OutcomeCompleted:
				processed++
			case OutcomeFailed:
				failed++
			}
		}
		w.logger.Info().Int("processed", processed).Int("failed", failed).Int("received", len(msgs)).Msg("Drained message batch")
	}
}

// ProcessMessage handles one delivery. Every return path either acks the
// message after a durable terminal write, or leaves it unacked so the queue
// redelivers it after the lease expires.
func (w *Worker) ProcessMessage(ctx context.Context, msg queue.Message) Outcome {
	var jm queue.JobMessage
	if err := json.Unmarshal(msg.Body, &jm); err != nil || jm.Type != queue.MessageTypeGeneration || jm.JobID == "" {
		// A malformed message will never become processable; acking it is the
		// only way to stop redelivery.
		w.logger.Error().Err(err).Str("message_id", msg.MessageID).Msg("Discarding malformed job message")
		w.ack(ctx, msg)
		return OutcomeFailed
	}
	logger := w.logger.With().Str("job_id", jm.JobID).Str("user_id", jm.UserID).Logger()

	job, err := w.jobs.Get(ctx, jm.UserID, jm.JobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			logger.Error().Msg("Job message references unknown job, discarding")
			w.ack(ctx, msg)
			return OutcomeFailed
		}
		logger.Error().Err(err).Msg("Failed to load job, leaving message for redelivery")
		return OutcomeRequeued
	}

	// Redelivery of an already-finished job: the first delivery's terminal
	// write stuck but its ack was lost.
	if job.Status.IsTerminal() {
		logger.Info().Str("status", string(job.Status)).Msg("Job already terminal, acking redelivered message")
		w.ack(ctx, msg)
		if job.Status == model.JobFailed {
			return OutcomeFailed
		}
		return OutcomeCompleted
	}

	if _, err := w.jobs.UpdateStatus(ctx, job.UserID, job.JobID, model.JobProcessing, nil); err != nil {
		logger.Error().Err(err).Msg("Failed to mark job processing, leaving message for redelivery")
		return OutcomeRequeued
	}

	user, err := w.users.Get(ctx, job.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return w.failJob(ctx, logger, msg, job, "user not found")
		}
		logger.Error().Err(err).Msg("Failed to load user, leaving message for redelivery")
		return OutcomeRequeued
	}

	// Generation can outlast the default lease; push redelivery out before
	// the slow part starts.
	if err := w.consumer.ExtendLease(ctx, msg.LeaseToken, int32(w.cfg.WorkerLeaseExtensionSec)); err != nil {
		logger.Warn().Err(err).Msg("Failed to extend message lease")
	}

	generated, err := w.generator.GenerateBatch(ctx, job.Filters, job.BatchSize)
	if err != nil {
		return w.failJob(ctx, logger, msg, job, err.Error())
	}

	imageIDs := make([]string, 0, len(generated))
	var totalCost int64
	for i, g := range generated {
		img, err := w.persistImage(ctx, user, job, g, i)
		if err != nil {
			logger.Error().Err(err).Int("index", i).Msg("Failed to persist generated image")
			continue
		}
		imageIDs = append(imageIDs, img.ImageID)
		totalCost += img.CostCents
	}

	if len(imageIDs) == 0 {
		return w.failJob(ctx, logger, msg, job, "no images could be persisted")
	}

	if _, err := w.jobs.UpdateStatus(ctx, job.UserID, job.JobID, model.JobCompleted, &repository.StatusUpdate{
		ImageIDs:       imageIDs,
		TotalCostCents: totalCost,
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to mark job completed, leaving message for redelivery")
		return OutcomeRequeued
	}
	logger.Info().Int("images", len(imageIDs)).Int64("cost_cents", totalCost).Msg("Job completed")
	w.ack(ctx, msg)
	return OutcomeCompleted
}

// persistImage downloads one generated image from the provider, uploads it to
// durable storage, and writes its metadata row.
func (w *Worker) persistImage(ctx context.Context, user *model.User, job *model.GenerationJob, g provider.GeneratedImage, index int) (*model.Image, error) {
	data, err := w.store.DownloadFromURL(ctx, g.URL)
	if err != nil {
		return nil, fmt.Errorf("download image %d for job %s: %w", index, job.JobID, err)
	}

	imageID := uuid.NewSHA1(imageIDNamespace, []byte(fmt.Sprintf("%s#%d", job.JobID, index))).String()
	key := storage.ImageKey(user.UserID, imageID)
	locator, err := w.store.Upload(ctx, data, key)
	if err != nil {
		return nil, fmt.Errorf("upload image %d for job %s: %w", index, job.JobID, err)
	}

	// Images are public unless the request asked for private ones.
	public := true
	if job.Filters.Public != nil {
		public = *job.Filters.Public
	}
	img := &model.Image{
		ImageID:         imageID,
		UserID:          user.UserID,
		JobID:           job.JobID,
		URL:             locator,
		Tags:            job.Filters.Tags,
		Prompt:          g.Prompt,
		ProviderModelID: g.ModelID,
		ModelName:       g.ModelName,
		Seed:            g.Seed,
		CostCents:       g.CostCents,
		Public:          public,
	}
	return w.images.Create(ctx, img)
}

// failJob writes the terminal failed status, refunds the reserved quota, and
// acks the message.
func (w *Worker) failJob(ctx context.Context, logger zerolog.Logger, msg queue.Message, job *model.GenerationJob, reason string) Outcome {
	if _, err := w.jobs.UpdateStatus(ctx, job.UserID, job.JobID, model.JobFailed, &repository.StatusUpdate{Error: reason}); err != nil {
		logger.Error().Err(err).Msg("Failed to mark job failed, leaving message for redelivery")
		return OutcomeRequeued
	}
	if err := w.users.RefundQuota(ctx, job.UserID, int64(job.BatchSize)); err != nil {
		logger.Error().Err(err).Msg("Failed to refund quota for failed job")
	}
	logger.Warn().Str("reason", reason).Msg("Job failed")
	w.ack(ctx, msg)
	return OutcomeFailed
}

func (w *Worker) ack(ctx context.Context, msg queue.Message) {
	if err := w.consumer.Ack(ctx, msg.LeaseToken); err != nil {
		w.logger.Error().Err(err).Str("message_id", msg.MessageID).Msg("Failed to ack message")
	}
}
