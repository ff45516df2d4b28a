package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// RetryPolicy bounds upload attempts. The delay doubles after each failure.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultRetryPolicy(attempts int) RetryPolicy {
	if attempts < 1 {
		attempts = 1
	}
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: 500 * time.Millisecond}
}

// ErrUploadExhausted wraps the last error once every attempt has failed.
var ErrUploadExhausted = errors.New("upload attempts exhausted")

// UploadWithRetry uploads data, retrying transient failures. Validation
// errors from the store are returned immediately.
func UploadWithRetry(ctx context.Context, store BlobStore, meta BlobMetadata, data []byte, policy RetryPolicy, logger zerolog.Logger) (*BlobMetadata, error) {
	delay := policy.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		out, err := store.Upload(ctx, meta, bytes.NewReader(data))
		if err == nil && out.URL != "" {
			return out, nil
		}
		if err == nil {
			err = errors.New("store returned no URL")
		}
		if isPermanent(err) {
			return nil, err
		}
		lastErr = err

		logger.Warn().Err(err).
			Int("attempt", attempt).
			Int("max_attempts", policy.MaxAttempts).
			Str("category", meta.Category).
			Msg("blob upload failed")

		if attempt == policy.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrUploadExhausted, policy.MaxAttempts, lastErr)
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrMissingFileName) ||
		errors.Is(err, ErrInvalidCategory) ||
		errors.Is(err, ErrInvalidContentType) ||
		errors.Is(err, ErrFileTooLarge)
}
