package process

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAfterThresholdQuickFailures(t *testing.T) {
	b := NewCircuitBreaker(5, time.Hour)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
		assert.True(t, b.CanRestart(), "failure %d should not open the breaker", i+1)
	}

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.CanRestart())
}

func TestBreakerSuccessResetsToClosed(t *testing.T) {
	b := NewCircuitBreaker(5, time.Hour)

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	assert.False(t, b.CanRestart())

	// A spawn that outlives the crash threshold records a success and
	// re-closes the breaker.
	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.CanRestart())
	assert.Equal(t, 0, b.FailureCount())
}

func TestBreakerHalfOpenProbeAfterCooldown(t *testing.T) {
	b := NewCircuitBreaker(2, 10*time.Millisecond)

	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.CanRestart())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, b.CanRestart())
	assert.Equal(t, BreakerHalfOpen, b.State())

	// A failed probe re-opens immediately.
	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.CanRestart())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, b.CanRestart())
	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
}
