package venue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconnectorBackoffSchedule(t *testing.T) {
	r := NewReconnector()

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, expected := range want {
		d, err := r.Next()
		require.NoError(t, err, "attempt %d", i+1)
		assert.Equal(t, expected, d, "attempt %d", i+1)
	}

	_, err := r.Next()
	assert.ErrorIs(t, err, ErrReconnectExhausted)
	assert.Equal(t, MaxReconnectAttempts, r.Attempts())
}

func TestReconnectorResetRestoresBudget(t *testing.T) {
	r := NewReconnector()
	for i := 0; i < MaxReconnectAttempts-1; i++ {
		_, err := r.Next()
		require.NoError(t, err)
	}

	r.Reset()
	assert.Zero(t, r.Attempts())

	d, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)
}

func TestReconnectorDelayNeverExceedsCap(t *testing.T) {
	r := NewReconnector()
	r.max = 100
	for i := 0; i < 20; i++ {
		d, err := r.Next()
		require.NoError(t, err)
		assert.LessOrEqual(t, d, 30*time.Second)
		assert.Positive(t, d)
	}
}
