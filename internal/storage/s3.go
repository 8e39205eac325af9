// Package storage persists image bytes in S3 and issues time-boxed signed
// URLs for reads. Image URLs stored on entities are s3:// locators, never
// public URLs.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	appconfig "app/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Storage stores image objects in a single bucket.
type S3Storage struct {
	client     *s3.Client
	presign    *s3.PresignClient
	httpClient *http.Client
	bucket     string
	urlExpiry  time.Duration
}

// NewS3Storage builds the storage layer from application config.
func NewS3Storage(ctx context.Context, cfg *appconfig.Config) (*S3Storage, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWSRegion)}
	if cfg.AWSAccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.AWSEndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWSEndpointURL)
			o.UsePathStyle = true
		}
	})
	return &S3Storage{
		client:     client,
		presign:    s3.NewPresignClient(client),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		bucket:     cfg.S3Bucket,
		urlExpiry:  time.Duration(cfg.SignedURLExpirySec) * time.Second,
	}, nil
}

// ImageKey returns the object key for an image. Images without an owner go
// under the system prefix.
func ImageKey(userID, imageID string) string {
	if userID == "" {
		userID = "system"
	}
	return fmt.Sprintf("images/%s/%s.png", userID, imageID)
}

// Upload stores image bytes under key and returns the storage locator.
func (s *S3Storage) Upload(ctx context.Context, data []byte, key string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String("image/png"),
		CacheControl: aws.String("max-age=31536000"),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Download fetches the bytes behind a storage locator.
func (s *S3Storage) Download(ctx context.Context, locator string) ([]byte, error) {
	bucket, key, err := parseLocator(locator, s.bucket)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", locator, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", locator, err)
	}
	return data, nil
}

// Delete removes the object behind a storage locator.
func (s *S3Storage) Delete(ctx context.Context, locator string) error {
	bucket, key, err := parseLocator(locator, s.bucket)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", locator, err)
	}
	return nil
}

// SignedURL issues a time-boxed presigned GET URL for a storage locator.
func (s *S3Storage) SignedURL(ctx context.Context, locator string) (string, error) {
	bucket, key, err := parseLocator(locator, s.bucket)
	if err != nil {
		return "", err
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.urlExpiry))
	if err != nil {
		return "", fmt.Errorf("sign url for %s: %w", locator, err)
	}
	return req.URL, nil
}

// DownloadFromURL fetches generated image bytes from a provider result URL.
func (s *S3Storage) DownloadFromURL(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return data, nil
}

func parseLocator(locator, defaultBucket string) (bucket, key string, err error) {
	if rest, ok := strings.CutPrefix(locator, "s3://"); ok {
		bucket, key, ok = strings.Cut(rest, "/")
		if !ok || bucket == "" || key == "" {
			return "", "", fmt.Errorf("invalid storage locator %q", locator)
		}
		return bucket, key, nil
	}
	if locator == "" {
		return "", "", fmt.Errorf("invalid storage locator %q", locator)
	}
	return defaultBucket, locator, nil
}
