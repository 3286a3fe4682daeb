package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestError_Error tests message formatting with and without context fields.
func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "operation only",
			err:  New("token", CodeAuthentication, errors.New("bad credentials")),
			want: "token: bad credentials",
		},
		{
			name: "full context",
			err: New("transfer.legacy", CodeTransfer, errors.New("server error")).
				WithArtifact("Tool-2.0.pkg").
				WithEndpoint("POST", "/dbfileupload").
				WithStatus(500),
			want: `transfer.legacy "Tool-2.0.pkg" POST /dbfileupload (status 500): server error`,
		},
		{
			name: "message without cause",
			err:  New("select", CodeInvalidConfig, nil).WithMessage("more than one mode"),
			want: "select: more than one mode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

// TestError_Is tests that errors match their code's sentinel and keep the cause chain.
func TestError_Is(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("wrapped: %w", New("find", CodeNetwork, cause))

	assert.ErrorIs(t, err, ErrNetwork)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrTransfer)
	assert.True(t, IsRetryable(err))
}

// TestCodeOf tests code extraction from typed errors, sentinels, and plain errors.
func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, ""},
		{"typed", New("reconcile", CodeMetadata, nil), CodeMetadata},
		{"bare sentinel", fmt.Errorf("x: %w", ErrAmbiguous), CodeAmbiguous},
		{"plain", errors.New("boom"), CodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

// TestStatusOf tests that the HTTP status survives wrapping.
func TestStatusOf(t *testing.T) {
	err := fmt.Errorf("outer: %w", New("find", CodeUnavailable, nil).WithStatus(503))
	assert.Equal(t, 503, StatusOf(err))
	assert.Equal(t, 0, StatusOf(errors.New("plain")))
}

// TestIsRetryable tests that ambiguous and authentication failures are never retried.
func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(New("transfer", CodeAmbiguous, nil)))
	assert.False(t, IsRetryable(New("token", CodeAuthentication, nil)))
	assert.True(t, IsRetryable(New("find", CodeTimeout, nil)))
	assert.True(t, IsAuthentication(New("token", CodeAuthentication, nil)))
	assert.True(t, IsNotFound(New("find", CodeNotFound, nil)))
}
