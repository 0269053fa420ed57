package resilience

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerStartsClosed(t *testing.T) {
	b := NewBreaker("common")
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := NewBreaker("common", WithFailureThreshold(3))

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State(), "below threshold stays closed")
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker("common", WithFailureThreshold(3))

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	// The streak restarts, so two more failures do not trip it.
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerAdmitsSingleProbeAfterCooldown(t *testing.T) {
	b := NewBreaker("common", WithFailureThreshold(1), WithCooldown(20*time.Millisecond))

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())
	require.False(t, b.Allow())

	time.Sleep(30 * time.Millisecond)

	assert.True(t, b.Allow(), "cooldown elapsed, probe admitted")
	assert.Equal(t, StateHalfOpen, b.State())
	assert.False(t, b.Allow(), "only one probe until it is recorded")
}

func TestBreakerClosesOnProbeSuccess(t *testing.T) {
	b := NewBreaker("common", WithFailureThreshold(1), WithCooldown(10*time.Millisecond))

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	require.True(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerReopensOnProbeFailure(t *testing.T) {
	b := NewBreaker("common", WithFailureThreshold(2), WithCooldown(10*time.Millisecond))

	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	require.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow(), "fresh cooldown after a failed probe")
}

func TestBreakerConcurrentAccess(t *testing.T) {
	b := NewBreaker("common", WithFailureThreshold(5))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if n%2 == 0 {
				b.RecordFailure()
			} else {
				b.RecordSuccess()
			}
			b.Allow()
			b.State()
		}(i)
	}
	wg.Wait()

	state := b.State()
	assert.Contains(t, []string{StateClosed, StateOpen}, state)
}
