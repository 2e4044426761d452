package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/digkill/motiongif/internal/config"
)

type Config struct {
	Endpoint      string
	Region        string
	AccessKey     string
	SecretKey     string
	Bucket        string
	PublicBaseURL string
	UsePathStyle  bool
	Prefix        string
	// SignedURLTTL > 0 keeps objects private and hands out presigned GET URLs.
	SignedURLTTL time.Duration
}

// ConfigFrom maps the application config onto the uploader settings.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		Endpoint:      cfg.S3Endpoint,
		Region:        cfg.S3Region,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		Bucket:        cfg.S3Bucket,
		PublicBaseURL: cfg.S3PublicBaseURL,
		UsePathStyle:  cfg.S3UsePathStyle,
		Prefix:        cfg.S3Prefix,
		SignedURLTTL:  cfg.S3SignedURLTTL,
	}
}

type Uploader struct {
	cfg     Config
	client  *s3.Client
	presign *s3.PresignClient
}

func NewUploader(cfg Config) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("s3 credentials are required")
	}
	if cfg.PublicBaseURL == "" && cfg.SignedURLTTL <= 0 {
		return nil, fmt.Errorf("s3 public base url or signed url ttl is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "gifs"
	}

	options := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		options.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	client := s3.New(options)

	return &Uploader{
		cfg:     cfg,
		client:  client,
		presign: s3.NewPresignClient(client),
	}, nil
}

// Upload stores data under a generated date-partitioned key.
func (u *Uploader) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return u.Put(ctx, u.generateKey("references", contentType), data, contentType)
}

// Put stores data under key (relative to the configured prefix) and returns
// a URL that resolves to the object.
func (u *Uploader) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("no data to upload")
	}
	fullKey := path.Join(strings.Trim(u.cfg.Prefix, "/"), strings.TrimLeft(key, "/"))

	input := &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(fullKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	}
	if u.cfg.SignedURLTTL <= 0 {
		input.ACL = types.ObjectCannedACLPublicRead
	}
	if _, err := u.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("upload to s3: %w", err)
	}
	return u.URL(ctx, fullKey)
}

// URL returns the public URL of key, or a presigned one when objects are private.
func (u *Uploader) URL(ctx context.Context, fullKey string) (string, error) {
	if u.cfg.SignedURLTTL > 0 {
		req, err := u.presign.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(u.cfg.Bucket),
			Key:    aws.String(fullKey),
		}, s3.WithPresignExpires(u.cfg.SignedURLTTL))
		if err != nil {
			return "", fmt.Errorf("presign s3 object: %w", err)
		}
		return req.URL, nil
	}
	return strings.TrimRight(u.cfg.PublicBaseURL, "/") + "/" + fullKey, nil
}

// GIFKey is the object key for a job's animation.
func GIFKey(jobID string, now time.Time) string {
	now = now.UTC()
	return path.Join(fmt.Sprintf("%04d/%02d/%02d", now.Year(), now.Month(), now.Day()), jobID+".gif")
}

func (u *Uploader) generateKey(folder, contentType string) string {
	ext := extensionFromContentType(contentType)
	now := time.Now().UTC()
	return path.Join(folder, fmt.Sprintf("%04d/%02d/%02d", now.Year(), now.Month(), now.Day()), uuid.NewString()+ext)
}

func extensionFromContentType(contentType string) string {
	switch strings.ToLower(contentType) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "video/mp4":
		return ".mp4"
	default:
		return ".bin"
	}
}
