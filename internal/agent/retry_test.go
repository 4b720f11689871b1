package agent

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	base := 2000 * time.Millisecond
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{0, 2 * time.Second}, // clamped
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BackoffDelay(base, tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestLockContentionDelayRange(t *testing.T) {
	// Delay is always in [10s, 30s) regardless of attempt number; the
	// randFloat bound cases pin the interval ends.
	assert.Equal(t, 10*time.Second, LockContentionDelay(func() float64 { return 0 }))

	almostOne := LockContentionDelay(func() float64 { return 0.999999 })
	assert.Less(t, almostOne, 30*time.Second)
	assert.GreaterOrEqual(t, almostOne, 10*time.Second)

	mid := LockContentionDelay(func() float64 { return 0.5 })
	assert.Equal(t, 20*time.Second, mid)
}

func TestIsLockContention(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("compile error"), false},
		{errors.New("fatal: Unable to create '.git/index.lock': File exists"), true},
		{errors.New("database is locked"), true},
		{errors.New("LOCK CONTENTION detected"), true},
		{errors.New("could not acquire lock on state file"), true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsLockContention(tt.err), "%v", tt.err)
	}
}
