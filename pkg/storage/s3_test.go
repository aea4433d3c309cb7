package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestNotFound(t *testing.T) {
	missing := &smithy.GenericAPIError{Code: "NoSuchKey", Message: "The specified key does not exist."}
	assert.ErrorIs(t, notFound("k", fmt.Errorf("get object: %w", missing)), fs.ErrNotExist)

	denied := &smithy.GenericAPIError{Code: "AccessDenied"}
	err := notFound("k", denied)
	assert.NotErrorIs(t, err, fs.ErrNotExist)
	assert.Equal(t, error(denied), err, "other API errors pass through unchanged")
}

func TestRetryWithBackoff_StopsOnNotExist(t *testing.T) {
	s := &S3Store{log: zap.NewNop()}

	calls := 0
	err := s.retryWithBackoff(context.Background(), "Get", func() error {
		calls++
		return fmt.Errorf("k: %w", fs.ErrNotExist)
	})
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.Equal(t, 1, calls, "missing objects are not retried")
}

func TestRetryWithBackoff_CancelledContext(t *testing.T) {
	s := &S3Store{log: zap.NewNop()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := s.retryWithBackoff(ctx, "Put", func() error {
		calls++
		return errors.New("connection refused")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryWithBackoff_Succeeds(t *testing.T) {
	s := &S3Store{log: zap.NewNop()}
	assert.NoError(t, s.retryWithBackoff(context.Background(), "List", func() error { return nil }))
}
