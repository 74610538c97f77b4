package errors

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDevloopErrorMessage(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := NewHookError("livereload", "before-restart", cause)

	msg := err.Error()
	assert.Contains(t, msg, "[ERR_HOOK_FAILED]")
	assert.Contains(t, msg, "plugin:livereload")
	assert.Contains(t, msg, "phase:before-restart")
	assert.Contains(t, msg, "boom")

	withFile := NewBuildError(ErrCodeBuildFailed, "build failed", nil).WithFile("main.go")
	assert.Equal(t, "[ERR_BUILD_FAILED] main.go build failed", withFile.Error())
}

func TestDevloopErrorUnwrapAndIs(t *testing.T) {
	sentinel := errors.New("sentinel")
	err := NewProcessError(ErrCodeStartFailed, "start failed", sentinel)

	assert.ErrorIs(t, err, sentinel)
	assert.True(t, errors.Is(err, &DevloopError{Type: ErrorTypeProcess, Code: ErrCodeStartFailed}))
	assert.False(t, errors.Is(err, &DevloopError{Type: ErrorTypeBuild, Code: ErrCodeStartFailed}))

	wrapped := fmt.Errorf("cycle: %w", err)
	var de *DevloopError
	require.True(t, errors.As(wrapped, &de))
	assert.Equal(t, ErrorTypeProcess, de.Type)
}

func TestIsTypeAndRecoverable(t *testing.T) {
	testCases := []struct {
		name        string
		err         error
		errType     ErrorType
		recoverable bool
	}{
		{"validation", NewValidationError(ErrCodeInvalidPath, "bad"), ErrorTypeValidation, true},
		{"config", NewConfigError(ErrCodeConfigInvalid, "bad", nil), ErrorTypeConfig, false},
		{"pattern", NewPatternError("[", nil), ErrorTypePattern, false},
		{"hook", NewHookError("p", "phase", nil), ErrorTypePlugin, true},
		{"build", NewBuildError(ErrCodeBuildFailed, "x", nil), ErrorTypeBuild, true},
		{"process", NewProcessError(ErrCodeStopFailed, "x", nil), ErrorTypeProcess, true},
		{"watch", NewWatchError("x", nil), ErrorTypeWatch, true},
		{"internal", NewInternalError(ErrCodeInternalError, "x", nil), ErrorTypeInternal, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.True(t, IsType(tc.err, tc.errType))
			assert.Equal(t, tc.recoverable, IsRecoverable(tc.err))
		})
	}

	assert.False(t, IsType(errors.New("plain"), ErrorTypeBuild))
	assert.False(t, IsRecoverable(errors.New("plain")))
}

func TestWithContext(t *testing.T) {
	err := ErrCommandInjection("rm").WithContext("arg", "-rf").WithContext("n", 2)
	assert.Equal(t, "-rf", err.Context["arg"])
	assert.Equal(t, 2, err.Context["n"])
}

func TestErrorCollector(t *testing.T) {
	ec := NewErrorCollector()
	assert.False(t, ec.HasErrors())
	assert.Empty(t, ec.Summary())
	assert.NoError(t, ec.Join())

	ec.AddError(nil)
	ec.AddError(NewHookError("a", "before-restart", errors.New("one")))
	ec.AddError(NewHookError("b", "before-restart", errors.New("two")))
	ec.AddError(errors.New("plain"))

	assert.True(t, ec.HasErrors())
	assert.Equal(t, 3, ec.Len())
	assert.Len(t, ec.GetErrorsByPlugin("a"), 1)
	assert.Empty(t, ec.GetErrorsByPlugin("missing"))
	assert.Contains(t, ec.Summary(), "3 error(s)")
	assert.ErrorContains(t, ec.Join(), "two")

	ec.Clear()
	assert.Equal(t, 0, ec.Len())
}

func TestErrorCollectorConcurrency(t *testing.T) {
	ec := NewErrorCollector()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ec.AddError(fmt.Errorf("err %d", i))
			_ = ec.Summary()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, ec.Len())
}
