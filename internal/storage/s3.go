package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

const (
	defaultUploadTTL   = 15 * time.Minute
	defaultMaxFetch    = 200 << 20
	fetchTimeout       = 2 * time.Minute
	defaultContentType = "application/octet-stream"
)

var (
	// ErrNotConfigured is returned when object storage credentials are missing.
	ErrNotConfigured = errors.New("storage: object storage is not configured")
	// ErrObjectTooLarge is returned when a fetched object exceeds the accepted size.
	ErrObjectTooLarge = errors.New("storage: object exceeds size limit")
)

// Config describes an S3-compatible bucket. Endpoint is set for Cloudflare R2 and other
// non-AWS providers.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UploadTTL       time.Duration
	MaxFetchBytes   int64
	Clock           func() time.Time
	Logger          *zap.Logger
}

// PresignedUpload is a time-bound write URL for one object.
type PresignedUpload struct {
	UploadURL string    `json:"uploadUrl"`
	ObjectKey string    `json:"fileKey"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Object is a downloaded object.
type Object struct {
	Key         string
	ContentType string
	Data        []byte
}

// ObjectStore issues presigned uploads and fetches uploaded media.
type ObjectStore struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	uploadTTL time.Duration
	maxFetch  int64
	clock     func() time.Time
	logger    *zap.Logger
}

// NewObjectStore validates cfg and builds the S3 client.
func NewObjectStore(ctx context.Context, cfg Config) (*ObjectStore, error) {
	if cfg.Bucket == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, ErrNotConfigured
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "auto"
	}

	awsCfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	uploadTTL := cfg.UploadTTL
	if uploadTTL <= 0 {
		uploadTTL = defaultUploadTTL
	}
	maxFetch := cfg.MaxFetchBytes
	if maxFetch <= 0 {
		maxFetch = defaultMaxFetch
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ObjectStore{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
		uploadTTL: uploadTTL,
		maxFetch:  maxFetch,
		clock:     clock,
		logger:    logger,
	}, nil
}

// PresignUpload returns a PUT URL for a new object under category.
func (s *ObjectStore) PresignUpload(ctx context.Context, category, fileName, contentType string) (PresignedUpload, error) {
	now := s.clock()
	key, err := ObjectKey(category, fileName, now)
	if err != nil {
		return PresignedUpload{}, err
	}
	if strings.TrimSpace(contentType) == "" {
		contentType = defaultContentType
	}

	request, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(s.uploadTTL))
	if err != nil {
		s.logger.Error("presign upload failed", zap.String("key", key), zap.Error(err))
		return PresignedUpload{}, fmt.Errorf("storage: presign upload: %w", err)
	}
	return PresignedUpload{
		UploadURL: request.URL,
		ObjectKey: key,
		ExpiresAt: now.Add(s.uploadTTL).UTC(),
	}, nil
}

// Fetch downloads key into memory.
func (s *ObjectStore) Fetch(ctx context.Context, key string) (Object, error) {
	ctxFetch, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	head, err := s.client.HeadObject(ctxFetch, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return Object{}, fmt.Errorf("storage: head object: %w", err)
	}
	size := aws.ToInt64(head.ContentLength)
	if size > s.maxFetch {
		return Object{}, fmt.Errorf("%w: %d bytes", ErrObjectTooLarge, size)
	}

	buffer := manager.NewWriteAtBuffer(make([]byte, 0, size))
	downloader := manager.NewDownloader(s.client)
	if _, err := downloader.Download(ctxFetch, buffer, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return Object{}, fmt.Errorf("storage: download object: %w", err)
	}

	contentType := aws.ToString(head.ContentType)
	if contentType == "" {
		contentType = defaultContentType
	}
	return Object{Key: key, ContentType: contentType, Data: buffer.Bytes()}, nil
}
