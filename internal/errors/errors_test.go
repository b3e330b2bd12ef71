package errors_test

import (
	"fmt"
	"testing"

	"codeberg.org/mutker/shadowmon/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorMessages(t *testing.T) {
	f := errors.New()

	err := f.New(errors.ErrCredentialsMissing)
	assert.Equal(t, "Missing credentials for authentication", err.Error())

	err = f.Wrap(errors.ErrConnectFailure, fmt.Errorf("dial tcp: refused"))
	assert.Equal(t, "Failed to connect to shadow service: dial tcp: refused", err.Error())

	err = f.WithData(errors.ErrCredentialsMissing, "/certs/AmazonRootCA1.pem")
	assert.Equal(t, "Missing credentials for authentication: /certs/AmazonRootCA1.pem", err.Error())

	err = f.WithMessage(errors.ErrInvalidInterval, "interval must be at least 1 second")
	assert.Equal(t, "interval must be at least 1 second", err.Error())
	assert.Equal(t, errors.ErrInvalidInterval, err.Code())
}

func TestUnknownCodeFallsBackToCode(t *testing.T) {
	err := errors.New().New(errors.ErrorCode("something_odd"))
	assert.Equal(t, "something_odd", err.Error())
}

func TestCodeMatching(t *testing.T) {
	f := errors.New()
	inner := f.New(errors.ErrConfigConflict)
	wrapped := fmt.Errorf("startup: %w", f.Wrap(errors.ErrInvalidConfig, inner))

	assert.True(t, errors.HasCode(wrapped, errors.ErrConfigConflict))
	assert.True(t, errors.HasCode(wrapped, errors.ErrInvalidConfig))
	assert.False(t, errors.HasCode(wrapped, errors.ErrConnectFailure))
	assert.Equal(t, errors.ErrInvalidConfig, errors.CodeOf(wrapped))
	assert.Equal(t, errors.ErrInternal, errors.CodeOf(fmt.Errorf("plain")))

	assert.True(t, errors.Is(wrapped, f.New(errors.ErrConfigConflict)))
}

func TestWithDataKeepsCause(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := errors.New().Wrap(errors.ErrSubmissionFailed, cause).WithData("token abc123")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "token abc123", err.GetData())
}

func TestCategories(t *testing.T) {
	f := errors.New()

	assert.Equal(t, errors.CategoryUsage, errors.ErrCredentialsMissing.Category())
	assert.Equal(t, errors.CategoryUsage, errors.ErrConfigConflict.Category())
	assert.Equal(t, errors.CategoryTransient, errors.ErrSubmissionRejected.Category())
	assert.Equal(t, errors.CategoryRuntime, errors.ErrConnectFailure.Category())
	assert.Equal(t, errors.CategoryRuntime, errors.ErrorCode("journal_record_failed").Category())

	wrapped := fmt.Errorf("startup: %w", f.New(errors.ErrInvalidInterval))
	assert.Equal(t, errors.CategoryUsage, errors.CategoryOf(wrapped))
	assert.Equal(t, errors.CategoryUsage, errors.CategoryOf(fmt.Errorf("unknown flag: --nope")))
	assert.Equal(t, errors.CategoryRuntime, errors.CategoryOf(f.New(errors.ErrAlreadyRunning)))
}
