package objectstore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/mediaflow/internal/platform/env"
)

type Config struct {
	Endpoint        string
	AccessKey       string
	SecretKey       string
	Region          string
	UseSSL          bool
	BucketArtifacts string
	PresignExpiry   time.Duration
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("MEDIAFLOW_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	expiry, err := env.Duration("MEDIAFLOW_MINIO_PRESIGN_EXPIRY", 24*time.Hour)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:        env.String("MEDIAFLOW_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:       env.String("MEDIAFLOW_MINIO_ACCESS_KEY", "mediaflow"),
		SecretKey:       env.String("MEDIAFLOW_MINIO_SECRET_KEY", "mediaflowminio"),
		Region:          env.String("MEDIAFLOW_MINIO_REGION", "us-east-1"),
		UseSSL:          useSSL,
		BucketArtifacts: env.String("MEDIAFLOW_MINIO_BUCKET_ARTIFACTS", "pipeline-artifacts"),
		PresignExpiry:   expiry,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketArtifacts) == "" {
		return errors.New("artifacts bucket is required")
	}
	// S3 caps presigned URLs at seven days.
	if c.PresignExpiry <= 0 || c.PresignExpiry > 7*24*time.Hour {
		return errors.New("presign expiry must be within (0, 168h]")
	}
	return nil
}
