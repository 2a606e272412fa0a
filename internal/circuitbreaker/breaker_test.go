package circuitbreaker

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, open time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(threshold, open).WithClock(clock.Now), clock
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	assert.True(t, b.Allow("esc_1"))

	b.RecordFailure("esc_1")
	b.RecordFailure("esc_1")
	assert.True(t, b.Allow("esc_1"), "below threshold")

	b.RecordFailure("esc_1")
	assert.False(t, b.Allow("esc_1"))
	assert.Equal(t, StateOpen, b.State("esc_1"))
	assert.True(t, b.Allow("esc_2"), "keys are independent")
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clock := newTestBreaker(2, time.Minute)
	b.RecordFailure("esc_1")
	b.RecordFailure("esc_1")

	clock.Advance(59 * time.Second)
	assert.False(t, b.Allow("esc_1"))

	clock.Advance(time.Second)
	assert.True(t, b.Allow("esc_1"), "one probe after the open duration")
	assert.Equal(t, StateHalfOpen, b.State("esc_1"))
	assert.False(t, b.Allow("esc_1"), "second attempt while probing")
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clock := newTestBreaker(2, time.Minute)
	b.RecordFailure("esc_1")
	b.RecordFailure("esc_1")
	clock.Advance(time.Minute)
	assert.True(t, b.Allow("esc_1"))

	b.RecordFailure("esc_1")
	assert.Equal(t, StateOpen, b.State("esc_1"))
	assert.False(t, b.Allow("esc_1"))
}

func TestBreaker_SuccessForgetsKey(t *testing.T) {
	b, clock := newTestBreaker(2, time.Minute)
	b.RecordFailure("esc_1")
	b.RecordFailure("esc_1")
	clock.Advance(time.Minute)
	assert.True(t, b.Allow("esc_1"))

	b.RecordSuccess("esc_1")
	assert.Equal(t, StateClosed, b.State("esc_1"))
	assert.Equal(t, 0, b.Tracked())

	b.RecordSuccess("never-seen")
	assert.Equal(t, 0, b.Tracked())
}

func TestBreaker_Defaults(t *testing.T) {
	b := New(0, 0)
	assert.Equal(t, 5, b.threshold)
	assert.Equal(t, 30*time.Second, b.openDuration)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestBreaker_Concurrent(t *testing.T) {
	b, _ := newTestBreaker(100, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("esc_%d", i%4)
			for j := 0; j < 50; j++ {
				b.Allow(key)
				b.RecordFailure(key)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 4, b.Tracked())
	assert.Equal(t, StateOpen, b.State("esc_0"))
}
