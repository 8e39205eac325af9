package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"app/internal/model"
)

// MessageTypeGeneration is the type discriminator for generation job messages.
const MessageTypeGeneration = "image_generation"

// JobMessage is the queue envelope for a generation job.
type JobMessage struct {
	Type      string        `json:"type"`
	JobID     string        `json:"job_id"`
	UserID    string        `json:"user_id"`
	Filters   model.Filters `json:"filters"`
	BatchSize int           `json:"batch_size"`
	Timestamp int64         `json:"timestamp"`
}

// Sender sends raw message bodies; satisfied by *Client.
type Sender interface {
	Send(ctx context.Context, body []byte, delaySeconds int32) (string, error)
}

// JobQueue is the high-level interface for enqueueing generation jobs.
type JobQueue struct {
	sender Sender
}

// NewJobQueue wraps a queue client.
func NewJobQueue(sender Sender) *JobQueue {
	return &JobQueue{sender: sender}
}

// EnqueueGenerationJob publishes a job to the queue and returns the message id.
func (q *JobQueue) EnqueueGenerationJob(ctx context.Context, job *model.GenerationJob) (string, error) {
	msg := JobMessage{
		Type:      MessageTypeGeneration,
		JobID:     job.JobID,
		UserID:    job.UserID,
		Filters:   job.Filters,
		BatchSize: job.BatchSize,
		Timestamp: job.CreatedAt,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal job message: %w", err)
	}
	id, err := q.sender.Send(ctx, body, 0)
	if err != nil {
		return "", fmt.Errorf("enqueue job %s: %w", job.JobID, err)
	}
	return id, nil
}
