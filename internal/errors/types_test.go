package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	errors []string
	warns  []string
	debugs []string
}

func (r *recordingLogger) Error(_ context.Context, _ error, msg string, _ ...interface{}) {
	r.errors = append(r.errors, msg)
}

func (r *recordingLogger) Warn(_ context.Context, _ error, msg string, _ ...interface{}) {
	r.warns = append(r.warns, msg)
}

func (r *recordingLogger) Debug(_ context.Context, msg string, _ ...interface{}) {
	r.debugs = append(r.debugs, msg)
}

func TestDevError_Error(t *testing.T) {
	err := NewBuildError(ErrCodeBuildFailed, "bundle failed", errors.New("exit 1")).
		WithLocation("src/app.ts", 3, 7)

	assert.Equal(t, "[ERR_BUILD_FAILED] src/app.ts:3:7 bundle failed: exit 1", err.Error())
	assert.True(t, IsRecoverable(err))
}

func TestDevError_IsSentinels(t *testing.T) {
	mismatch := NewHashMismatchError("new", "old")
	wrapped := fmt.Errorf("store: %w", mismatch)

	assert.True(t, errors.Is(wrapped, ErrHashMismatch))
	assert.False(t, errors.Is(wrapped, ErrClosed))
	assert.Equal(t, "new", mismatch.Context["current_hash"])
	assert.Equal(t, "old", mismatch.Context["issues_hash"])
}

func TestIsConfigError(t *testing.T) {
	assert.True(t, IsConfigError(fmt.Errorf("load: %w", NewConfigError(ErrCodeConfigInvalid, "bad port"))))
	assert.False(t, IsConfigError(errors.New("plain")))
	assert.False(t, IsRecoverable(errors.New("plain")))
}

func TestErrorHandler_Routing(t *testing.T) {
	logger := &recordingLogger{}
	h := NewErrorHandler(logger)
	ctx := context.Background()

	h.Handle(ctx, nil)
	h.Handle(ctx, NewTransportError(ErrCodeStreamingFailed, "gone", nil))
	h.Handle(ctx, NewEnhancementError(ErrCodeSourceMap, "no map", nil))
	h.Handle(ctx, NewBuildError(ErrCodeBuildFailed, "bundle failed", nil))
	h.Handle(ctx, NewHashMismatchError("a", "b"))
	h.Handle(ctx, NewIOError(ErrCodeFileRead, "read", nil))
	h.Handle(ctx, errors.New("plain"))

	assert.Len(t, logger.debugs, 1)
	assert.Len(t, logger.warns, 2, "recoverable errors are warnings")
	require.Len(t, logger.errors, 3)
	assert.Equal(t, "Type check result dropped", logger.errors[0])
	assert.Equal(t, "Error occurred", logger.errors[1])
	assert.Equal(t, "Unhandled error occurred", logger.errors[2])
}

func TestRecover(t *testing.T) {
	logger := &recordingLogger{}
	h := NewErrorHandler(logger)

	assert.NotPanics(t, func() {
		defer Recover(context.Background(), h, "hook")
		panic("kaboom")
	})
	require.Len(t, logger.errors, 1)
}
