package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"workflow-automation/internal/config"
)

// Uploader abstracts the object store so the archive step can be tested
// without AWS credentials.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) error
}

// ArchiveHandler copies a report body from the workflow context into
// long-term object storage.
type ArchiveHandler struct {
	uploader Uploader
}

type archiveConfig struct {
	InputKey    string `json:"input_key"`
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
}

func NewArchiveHandler(uploader Uploader) *ArchiveHandler {
	return &ArchiveHandler{uploader: uploader}
}

func (h *ArchiveHandler) Handle(ctx context.Context, rawCfg json.RawMessage, wfContext map[string]any) (map[string]any, error) {
	var cfg archiveConfig
	if err := json.Unmarshal(rawCfg, &cfg); err != nil {
		return nil, fmt.Errorf("decode archive config: %w", err)
	}
	if cfg.InputKey == "" {
		cfg.InputKey = "report"
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("archive step requires key")
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/plain"
	}

	body, ok := wfContext[cfg.InputKey].(string)
	if !ok {
		return nil, fmt.Errorf("context key %q missing or not a string", cfg.InputKey)
	}

	if err := h.uploader.Upload(ctx, cfg.Key, []byte(body), cfg.ContentType); err != nil {
		return nil, fmt.Errorf("archive %s: %w", cfg.Key, err)
	}

	return map[string]any{
		"archived_key": cfg.Key,
		"archived_at":  time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// S3Uploader implements Uploader against a bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

// NewS3Uploader builds an uploader from config, honoring custom endpoints
// for local stacks (minio, localstack).
func NewS3Uploader(ctx context.Context, cfg config.Config) (*S3Uploader, error) {
	if cfg.ArchiveS3Bucket == "" {
		return nil, fmt.Errorf("archive bucket not configured")
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArchiveS3Region),
	}
	if cfg.ArchiveS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArchiveS3Endpoint,
					HostnameImmutable: cfg.ArchiveS3PathStyle,
					SigningRegion:     cfg.ArchiveS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	})
	return &S3Uploader{client: client, bucket: cfg.ArchiveS3Bucket}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}
