package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
	"pgregory.net/rand"
)

const (
	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
)

// S3Store implements ObjectStore using AWS S3 (or MinIO).
type S3Store struct {
	client *s3.Client
	bucket string
	log    *zap.Logger
}

func NewS3Store(ctx context.Context, endpoint, region, bucket, accessKey, secretKey string, log *zap.Logger) (*S3Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("S3 bucket is required")
	}

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load SDK config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true // Required for MinIO
	})

	return &S3Store{
		client: client,
		bucket: bucket,
		log:    log,
	}, nil
}

// backoff returns the jittered delay before retry number attempt (0-based):
// base * 2^attempt scaled by a factor in [0.5, 1.5).
func backoff(attempt int, jitter float64) time.Duration {
	delay := float64(baseRetryDelay) * math.Pow(2, float64(attempt))
	return time.Duration(delay * (0.5 + jitter))
}

// notFound maps S3's missing-object errors onto fs.ErrNotExist so callers can
// treat both stores alike.
func notFound(key string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%s: %w", key, fs.ErrNotExist)
		}
	}
	return err
}

// retryWithBackoff retries fn up to maxRetries times and stops early if the
// context is cancelled or the object does not exist.
func (s *S3Store) retryWithBackoff(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if ctx.Err() != nil || errors.Is(lastErr, fs.ErrNotExist) {
			return lastErr
		}

		if attempt < maxRetries {
			wait := backoff(attempt, rand.Float64())
			s.log.Warn("S3 operation failed, retrying",
				zap.String("op", operation),
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", maxRetries+1),
				zap.Duration("wait", wait),
				zap.Error(lastErr),
			)

			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(wait):
			}
		}
	}
	return fmt.Errorf("S3 %s failed after %d attempts: %w", operation, maxRetries+1, lastErr)
}

func (s *S3Store) Put(ctx context.Context, key string, reader io.Reader) error {
	// Buffer the reader so a retry can resend it.
	data, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("failed to read data for upload: %w", err)
	}

	return s.retryWithBackoff(ctx, "Put", func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		return err
	})
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var result io.ReadCloser
	err := s.retryWithBackoff(ctx, "Get", func() error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return notFound(key, err)
		}
		result = out.Body
		return nil
	})
	return result, err
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	return s.retryWithBackoff(ctx, "Delete", func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return err
	})
}

// List treats prefix as a directory, like LocalStore: "raw/a" does not match
// "raw/ab/x".
func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	var keys []string
	err := s.retryWithBackoff(ctx, "List", func() error {
		keys = nil // Reset on retry
		paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(prefix),
		})

		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return err
			}
			for _, obj := range page.Contents {
				keys = append(keys, aws.ToString(obj.Key))
			}
		}
		return nil
	})
	return keys, err
}
