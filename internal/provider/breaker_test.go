package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreaker_OpensAfterThresholdAndAllowsTrialCall(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(2, time.Minute)
	b.now = func() time.Time { return now }

	assert.True(t, b.TryAcquire())
	b.OnFailure()
	assert.Equal(t, "closed", b.State())
	b.OnFailure()
	assert.Equal(t, "open", b.State())
	assert.False(t, b.TryAcquire())

	now = now.Add(time.Minute + time.Second)
	assert.True(t, b.TryAcquire(), "trial call allowed after openFor")
	assert.Equal(t, "half_open", b.State())
	assert.False(t, b.TryAcquire(), "only one trial call at a time")

	b.OnFailure()
	assert.Equal(t, "open", b.State())

	now = now.Add(2 * time.Minute)
	assert.True(t, b.TryAcquire())
	b.OnSuccess()
	assert.Equal(t, "closed", b.State())
	assert.True(t, b.TryAcquire())
}

func TestBreaker_LateReportsWhileOpenAreIgnored(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(2, time.Minute)
	b.now = func() time.Time { return now }

	// three calls admitted while closed
	for i := 0; i < 3; i++ {
		assert.True(t, b.TryAcquire())
	}
	b.OnFailure()
	b.OnFailure()
	assert.Equal(t, "open", b.State())
	openedAt := b.nextTryAt

	// the third one reports late
	now = now.Add(30 * time.Second)
	b.OnSuccess()
	assert.Equal(t, "open", b.State(), "late success must not close without a trial call")
	b.OnFailure()
	assert.Equal(t, openedAt, b.nextTryAt, "late failure must not extend the open period")

	now = openedAt.Add(time.Second)
	assert.True(t, b.TryAcquire())
	assert.Equal(t, "half_open", b.State())
}
