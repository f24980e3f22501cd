// ABOUTME: Tests for the session error taxonomy
// ABOUTME: Checks kind matching through wrapping and message formatting

package session

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsKind(t *testing.T) {
	cause := errors.New("disk full")
	err := fmt.Errorf("importing: %w", NewError(ErrInvalid, "tenant-a", "bad tree", cause))

	assert.ErrorIs(t, err, ErrInvalid)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrNotFound)

	var serr *Error
	assert.ErrorAs(t, err, &serr)
	assert.Equal(t, "tenant-a", serr.ID)
}

func TestError_Message(t *testing.T) {
	tests := []struct {
		err  *Error
		want string
	}{
		{NewError(ErrNotFound, "a", "", nil), "session a: not found"},
		{NewError(ErrAlreadyExists, "b", "import target", nil), "session b: already exists: import target"},
		{NewError(ErrUnsupported, "", "remote", nil), "session: unsupported: remote"},
		{NewError(ErrInvalid, "c", "", errors.New("boom")), "session c: invalid: boom"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}
}
