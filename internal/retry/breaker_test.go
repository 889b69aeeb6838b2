package retry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailflow/internal/types"
)

func TestBreaker_OpensAfterConsecutiveRetriableFailures(t *testing.T) {
	b := NewBreaker("ses")
	transient := errors.New("connection reset by peer")

	for i := 0; i < 6; i++ {
		_, err := Execute(b, func() (string, error) { return "", transient })
		require.ErrorIs(t, err, transient)
	}
	assert.Equal(t, "open", b.State())

	called := false
	_, err := Execute(b, func() (string, error) {
		called = true
		return "x", nil
	})
	assert.False(t, called)
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeUpstreamUnavailable, types.CodeOf(err))
	assert.True(t, types.IsRetriable(err))
}

func TestBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	b := NewBreaker("s3")
	permanent := types.NewAppError(types.ErrCodeValidationObjectMissing, "no such key", nil)

	for i := 0; i < 10; i++ {
		_, err := Execute(b, func() ([]byte, error) { return nil, permanent })
		require.ErrorIs(t, err, permanent)
	}
	assert.Equal(t, "closed", b.State())
}

func TestBreaker_PassesResultThrough(t *testing.T) {
	got, err := Execute(NewBreaker("x"), func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	got, err = Execute[int](nil, func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, got)
}
