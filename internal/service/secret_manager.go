package service

import (
	"context"
	"fmt"

	appconfig "app/internal/config"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
)

// SecretManagerService fetches API keys from GCP Secret Manager so they never
// land in deployment manifests.
type SecretManagerService interface {
	GetSecret(ctx context.Context, name string) (string, error)
	Close() error
}

type secretManagerService struct {
	client    *secretmanager.Client
	projectID string
}

// NewSecretManagerService creates a Secret Manager client for the configured
// project.
func NewSecretManagerService(ctx context.Context, cfg *appconfig.Config) (SecretManagerService, error) {
	if cfg.GCPProjectID == "" {
		return nil, fmt.Errorf("GCP project id is not set")
	}
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create secret manager client: %w", err)
	}
	return &secretManagerService{client: client, projectID: cfg.GCPProjectID}, nil
}

func (s *secretManagerService) GetSecret(ctx context.Context, name string) (string, error) {
	resourceName := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", s.projectID, name)
	result, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: resourceName,
	})
	if err != nil {
		return "", fmt.Errorf("access secret %s: %w", name, err)
	}
	return string(result.Payload.Data), nil
}

func (s *secretManagerService) Close() error {
	return s.client.Close()
}

// LoadAPIKeys fills API keys that are blank in the environment from Secret
// Manager. Keys already set via env vars win, which keeps local development
// working without GCP access.
func LoadAPIKeys(ctx context.Context, cfg *appconfig.Config, secrets SecretManagerService) error {
	load := func(dst *string, name string) error {
		if *dst != "" {
			return nil
		}
		v, err := secrets.GetSecret(ctx, name)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
	if err := load(&cfg.StripeSecretKey, cfg.StripeSecretKeyName); err != nil {
		return err
	}
	if err := load(&cfg.StripeWebhookSecret, cfg.WebhookSecretKeyName); err != nil {
		return err
	}
	if err := load(&cfg.FalAPIKey, cfg.FalAPIKeySecretName); err != nil {
		return err
	}
	return nil
}
