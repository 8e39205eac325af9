package config

import (
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port string `envconfig:"PORT" default:"8080"`

	// AWS settings shared by the DynamoDB, SQS and S3 clients
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	AWSAccessKeyID     string `envconfig:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string `envconfig:"AWS_SECRET_ACCESS_KEY"`
	AWSEndpointURL     string `envconfig:"AWS_ENDPOINT_URL"` // localstack override for local development

	// Single-table DynamoDB settings
	DynamoTableName string `envconfig:"AWS_DYNAMODB_TABLE_NAME" required:"true"`

	// S3 image storage settings
	S3Bucket           string `envconfig:"AWS_S3_BUCKET_NAME" required:"true"`
	SignedURLExpirySec int    `envconfig:"SIGNED_URL_EXPIRY_SEC" default:"3600"`

	// Generation job queue settings
	SQSQueueURL             string `envconfig:"AWS_SQS_QUEUE_URL" required:"true"`
	WorkerPollTimeoutSec    int    `envconfig:"WORKER_POLL_TIMEOUT_SEC" default:"20"`
	WorkerPollMaxMsg        int    `envconfig:"WORKER_POLL_MAX_MSG" default:"1"`
	WorkerLeaseExtensionSec int    `envconfig:"WORKER_LEASE_EXTENSION_SEC" default:"300"`

	// fal.ai generation provider settings
	FalAPIKey          string `envconfig:"FAL_API_KEY"`
	FalBaseURL         string `envconfig:"FAL_BASE_URL" default:"https://api.fal.ai/v1"`
	FalPollMaxAttempts int    `envconfig:"FAL_POLL_MAX_ATTEMPTS" default:"60"`
	FalPollIntervalSec int    `envconfig:"FAL_POLL_INTERVAL_SEC" default:"2"`

	// Generation limits
	MaxBatchSize int `envconfig:"MAX_BATCH_SIZE" default:"10"`

	// Stripe settings
	StripeSecretKey       string `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret   string `envconfig:"STRIPE_WEBHOOK_SECRET"`
	StripeSuccessURL      string `envconfig:"STRIPE_SUCCESS_URL" default:"http://localhost:3000/account?status=success"`
	StripeCancelURL       string `envconfig:"STRIPE_CANCEL_URL" default:"http://localhost:3000/account?status=cancel"`
	StripePortalReturnURL string `envconfig:"STRIPE_PORTAL_RETURN_URL" default:"http://localhost:3000/account"`

	// Auth settings
	JWTSecret string `envconfig:"JWT_SECRET"`

	// GCP Secret Manager settings (optional; API keys fall back to env vars)
	GCPProjectID         string `envconfig:"GCP_PROJECT_ID"`
	StripeSecretKeyName  string `envconfig:"STRIPE_SECRET_KEY_SECRET_NAME" default:"stripe-secret-key"`
	FalAPIKeySecretName  string `envconfig:"FAL_API_KEY_SECRET_NAME" default:"fal-api-key"`
	WebhookSecretKeyName string `envconfig:"STRIPE_WEBHOOK_SECRET_SECRET_NAME" default:"stripe-webhook-secret"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
