package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAPIError_Error(t *testing.T) {
	err := NewAPIError("telegram", 403, "bot is not a member")
	assert.Contains(t, err.Error(), "telegram")
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "bot is not a member")
}

func TestAPIError_WithWrapped(t *testing.T) {
	err := NewAPIError("telegram", 400, "message to delete not found").Wrap(ErrNotFound)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "resource not found")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewAPIError("tg", 429, "too many requests")))
	assert.True(t, IsRetryable(NewAPIError("tg", 502, "bad gateway")))
	assert.True(t, IsRetryable(ErrTimeout))
	assert.True(t, IsRetryable(ErrRateLimit))
	assert.True(t, IsRetryable(ErrUnavailable))
	assert.True(t, IsRetryable(fmt.Errorf("delete: %w", context.DeadlineExceeded)))

	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(ErrForbidden))
	assert.False(t, IsRetryable(NewAPIError("tg", 400, "bad request")))
	// a permanent cause wins over a retryable status code
	assert.False(t, IsRetryable(NewAPIError("tg", 503, "x").Wrap(ErrForbidden)))
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(ErrForbidden))
	assert.True(t, IsPermanent(NewAPIError("tg", 403, "forbidden").Wrap(ErrForbidden)))
	assert.False(t, IsPermanent(ErrRateLimit))
	assert.False(t, IsPermanent(errors.New("generic")))
}

func TestRetryAfter(t *testing.T) {
	err := NewAPIError("tg", 429, "retry later").Wrap(ErrRateLimit)
	err.RetryAfter = 7 * time.Second
	assert.Equal(t, 7*time.Second, RetryAfter(fmt.Errorf("delete: %w", err)))
	assert.Zero(t, RetryAfter(ErrRateLimit))
}
