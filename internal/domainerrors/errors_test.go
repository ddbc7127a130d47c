package domainerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Code
	}{
		{name: "plain error", err: errors.New("boom"), expected: CodeInternal},
		{name: "coded error", err: New(CodeValidation, "bad"), expected: CodeValidation},
		{name: "wrapped by fmt", err: fmt.Errorf("ctx: %w", New(CodeUnavailable, "down")), expected: CodeUnavailable},
		{name: "outermost wins", err: Wrap(New(CodeUnavailable, "down"), CodeTimeout, "slow"), expected: CodeTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CodeOf(tt.err))
		})
	}
}

func TestHasCode(t *testing.T) {
	inner := New(CodeInvariantViolation, "dangling link")
	outer := Wrap(inner, CodeInternal, "consolidate")

	assert.True(t, HasCode(outer, CodeInternal))
	assert.True(t, HasCode(outer, CodeInvariantViolation))
	assert.False(t, HasCode(outer, CodeValidation))
	assert.False(t, HasCode(errors.New("plain"), CodeInternal))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(CodeUnavailable, "store down")))
	assert.True(t, Retryable(New(CodeTimeout, "deadline")))
	assert.False(t, Retryable(New(CodeInvariantViolation, "corrupt")))
	assert.False(t, Retryable(errors.New("plain")))
}

func TestUnwrapKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(cause, CodeUnavailable, "insert contact")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection reset")
}
