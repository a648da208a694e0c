// Package logo stores uploaded organization logos in S3-compatible object
// storage. The resulting public URL is handed to the identity provider's
// logo mutation; the provider remains the source of truth for which image
// an organization displays.
package logo

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicURL is the externally reachable base for stored objects.
	// Empty derives it from the endpoint.
	PublicURL string
}

type Storage struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

var allowedContentTypes = map[string]string{
	"image/png":     ".png",
	"image/jpeg":    ".jpg",
	"image/gif":     ".gif",
	"image/webp":    ".webp",
	"image/svg+xml": ".svg",
}

// AllowedContentType reports whether a logo upload content type is accepted.
func AllowedContentType(contentType string) bool {
	_, ok := allowedContentTypes[contentType]
	return ok
}

func New(ctx context.Context, cfg Config) (*Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	publicURL := strings.TrimRight(cfg.PublicURL, "/")
	if publicURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.Bucket)
	}

	return &Storage{client: client, bucket: cfg.Bucket, publicURL: publicURL}, nil
}

// Upload stores one logo image and returns its public URL. The object key
// is derived from the organization id so re-uploads replace the previous
// logo rather than accumulating objects.
func (s *Storage) Upload(ctx context.Context, orgID, contentType string, body io.Reader, size int64) (string, error) {
	ext, ok := allowedContentTypes[contentType]
	if !ok {
		return "", fmt.Errorf("unsupported logo content type %q", contentType)
	}

	key := path.Join("logos", orgID+ext)
	_, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "public, max-age=300",
	})
	if err != nil {
		return "", fmt.Errorf("store logo for %s: %w", orgID, err)
	}

	return s.publicURL + "/" + key, nil
}

// Remove deletes every stored logo object for the organization.
func (s *Storage) Remove(ctx context.Context, orgID string) error {
	for _, ext := range allowedContentTypes {
		key := path.Join("logos", orgID+ext)
		if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove logo for %s: %w", orgID, err)
		}
	}
	return nil
}

// Ping verifies object storage is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}
