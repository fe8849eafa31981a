package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(maxFailures int, cooldown time.Duration) (*Breaker, *time.Time) {
	b := New(maxFailures, cooldown)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second)

	for i := 0; i < 2; i++ {
		b.Failure("u1")
		require.True(t, b.Allow("u1"), "should stay closed before max failures")
	}
	b.Failure("u1")

	assert.False(t, b.Allow("u1"), "third consecutive failure should open the circuit")
	assert.Equal(t, StatusOpen, b.State("u1"))
}

func TestBreaker_TrialAfterCooldown(t *testing.T) {
	b, now := newTestBreaker(3, 30*time.Second)

	for i := 0; i < 3; i++ {
		b.Failure("u1")
	}
	require.False(t, b.Allow("u1"))

	*now = now.Add(29 * time.Second)
	assert.False(t, b.Allow("u1"), "still inside cooldown")

	*now = now.Add(2 * time.Second)
	assert.Equal(t, StatusHalfOpen, b.State("u1"))
	assert.True(t, b.Allow("u1"), "cooldown elapsed, one trial allowed")
	assert.False(t, b.Allow("u1"), "second caller during trial window is rejected")
}

func TestBreaker_SuccessClearsImmediately(t *testing.T) {
	b, now := newTestBreaker(3, 30*time.Second)

	for i := 0; i < 3; i++ {
		b.Failure("u1")
	}
	*now = now.Add(31 * time.Second)
	require.True(t, b.Allow("u1"))

	b.Success("u1")
	assert.Equal(t, StatusClosed, b.State("u1"))
	assert.True(t, b.Allow("u1"))
	assert.True(t, b.Allow("u1"))
}

func TestBreaker_TrialFailureReopens(t *testing.T) {
	b, now := newTestBreaker(3, 30*time.Second)

	for i := 0; i < 3; i++ {
		b.Failure("u1")
	}
	*now = now.Add(31 * time.Second)
	require.True(t, b.Allow("u1"))
	b.Failure("u1")

	assert.False(t, b.Allow("u1"), "failed trial should re-open for another cooldown")
	*now = now.Add(31 * time.Second)
	assert.True(t, b.Allow("u1"))
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newTestBreaker(2, 30*time.Second)
	boom := errors.New("boom")

	err := b.Do("u1", func() error { return boom })
	require.ErrorIs(t, err, boom)
	err = b.Do("u1", func() error { return boom })
	require.ErrorIs(t, err, boom)

	err = b.Do("u1", func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen, "open circuit must not invoke fn")
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(1, 30*time.Second)

	b.Failure("u1")
	assert.False(t, b.Allow("u1"))
	assert.True(t, b.Allow("u2"), "u2 unaffected by u1 failures")
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(1, 30*time.Second)

	b.Failure("u1")
	require.False(t, b.Allow("u1"))
	b.Reset("u1")
	assert.True(t, b.Allow("u1"))
}
