package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorTypes(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wrappedBy  error
		shouldWrap bool
	}{
		{
			name:       "direct invalid argument",
			err:        ErrInvalidArgument,
			wrappedBy:  ErrInvalidArgument,
			shouldWrap: true,
		},
		{
			name:       "wrapped invalid argument",
			err:        fmt.Errorf("wrap: %w", ErrInvalidArgument),
			wrappedBy:  ErrInvalidArgument,
			shouldWrap: true,
		},
		{
			name:       "direct not found",
			err:        ErrNotFound,
			wrappedBy:  ErrNotFound,
			shouldWrap: true,
		},
		{
			name:       "wrapped asset not available",
			err:        fmt.Errorf("resolve: %w", ErrAssetNotAvailable),
			wrappedBy:  ErrAssetNotAvailable,
			shouldWrap: true,
		},
		{
			name:       "different error types",
			err:        errors.New("boom"),
			wrappedBy:  ErrInvalidArgument,
			shouldWrap: false,
		},
		{
			name:       "nil error",
			err:        nil,
			wrappedBy:  ErrInvalidArgument,
			shouldWrap: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := errors.Is(tt.err, tt.wrappedBy)
			assert.Equal(t, tt.shouldWrap, got)
		})
	}
}

func TestHelperFunctions(t *testing.T) {
	assert.True(t, IsNotFound(fmt.Errorf("wrap: %w", ErrNotFound)))
	assert.True(t, IsInvalidArgument(ErrInvalidArgument))
	assert.True(t, IsUnsupportedPlatform(ErrUnsupportedPlatform))
	assert.True(t, IsAssetNotAvailable(ErrAssetNotAvailable))
	assert.True(t, IsLfsPointer(ErrLfsPointer))
	assert.True(t, IsStartupTimeout(ErrStartupTimeout))
	assert.True(t, IsNotInitialized(ErrNotInitialized))
	assert.False(t, IsNotFound(ErrUnknown))
}

func TestUnknownError(t *testing.T) {
	assert.Equal(t, "unknown", ErrUnknown.Error())
}
