package model

// JobStatus is the lifecycle state of a generation job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transitions may leave the status.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Filters are the structured generation request parameters a prompt is built
// from. All fields are optional.
type Filters struct {
	BasePrompt  string   `json:"base_prompt,omitempty"`
	BodyType    string   `json:"body_type,omitempty"`
	Pose        string   `json:"pose,omitempty"`
	Clothing    string   `json:"clothing,omitempty"`
	Lighting    string   `json:"lighting,omitempty"`
	Background  string   `json:"background,omitempty"`
	AspectRatio string   `json:"aspect_ratio,omitempty"`
	Model       string   `json:"model,omitempty"`
	Seed        *int64   `json:"seed,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Public      *bool    `json:"public,omitempty"`
}

// GenerationJob represents an asynchronous image generation job.
type GenerationJob struct {
	JobID          string    `json:"job_id"`
	UserID         string    `json:"user_id"`
	Status         JobStatus `json:"status"`
	Filters        Filters   `json:"filters"`
	BatchSize      int       `json:"batch_size"`
	ImageIDs       []string  `json:"image_ids"`
	TotalCostCents int64     `json:"total_cost_cents,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      int64     `json:"created_at"`
	UpdatedAt      int64     `json:"updated_at"`
	CompletedAt    int64     `json:"completed_at,omitempty"`
	FailedAt       int64     `json:"failed_at,omitempty"`
}
