package model

// FlagStatus values for Image.FlagStatus.
const (
	FlagClean   = "clean"
	FlagFlagged = "flagged"
	FlagRemoved = "removed"
)

// Image represents a generated image record. URL is the storage locator
// (s3://bucket/key), not a public URL; callers issue signed URLs for reads.
type Image struct {
	ImageID         string   `json:"image_id"`
	UserID          string   `json:"user_id,omitempty"` // empty for system images
	JobID           string   `json:"job_id,omitempty"`
	URL             string   `json:"url"`
	Tags            []string `json:"tags,omitempty"`
	Prompt          string   `json:"prompt,omitempty"`
	Provider        string   `json:"provider"`
	ProviderModelID string   `json:"provider_model_id,omitempty"`
	ModelName       string   `json:"model_name,omitempty"`
	Seed            *int64   `json:"seed,omitempty"`
	CostCents       int64    `json:"cost_cents"`
	FavoritedCount  int64    `json:"favorited_count"`
	Public          bool     `json:"public"`
	FlagStatus      string   `json:"flag_status"`
	CreatedAt       int64    `json:"created_at"`
	DeletedAt       int64    `json:"deleted_at,omitempty"`
}
