package collab

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestBackoffMonotonic(t *testing.T) {
	supervisor := newReconnectSupervisor(&ReconnectSettings{
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    1 * time.Second,
		MaxAttempts: 6,
	})

	previous := time.Duration(0)
	for i := 0; i < 6; i += 1 {
		delay, ok := supervisor.nextDelay()
		assert.Equal(t, ok, true)
		assert.Equal(t, previous <= delay, true)
		assert.Equal(t, delay <= 1*time.Second, true)
		assert.Equal(t, supervisor.State(), SupervisorReconnecting)
		previous = delay
	}

	// the budget is spent
	_, ok := supervisor.nextDelay()
	assert.Equal(t, ok, false)
	assert.Equal(t, supervisor.State(), SupervisorExhausted)
}

func TestBackoffDoubling(t *testing.T) {
	supervisor := newReconnectSupervisor(&ReconnectSettings{
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		MaxAttempts: 4,
	})

	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	}
	for _, expectedDelay := range expected {
		delay, ok := supervisor.nextDelay()
		assert.Equal(t, ok, true)
		assert.Equal(t, delay, expectedDelay)
	}
}

func TestBackoffCap(t *testing.T) {
	supervisor := newReconnectSupervisor(&ReconnectSettings{
		BaseDelay:   1 * time.Second,
		MaxDelay:    2 * time.Second,
		MaxAttempts: 64,
	})

	for i := 0; i < 64; i += 1 {
		delay, ok := supervisor.nextDelay()
		assert.Equal(t, ok, true)
		assert.Equal(t, delay <= 2*time.Second, true)
	}
}

func TestBackoffResetOnJoin(t *testing.T) {
	supervisor := newReconnectSupervisor(&ReconnectSettings{
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		MaxAttempts: 3,
	})

	supervisor.nextDelay()
	supervisor.nextDelay()

	// reaching joined starts the schedule over
	supervisor.reset()
	assert.Equal(t, supervisor.State(), SupervisorActive)

	delay, ok := supervisor.nextDelay()
	assert.Equal(t, ok, true)
	assert.Equal(t, delay, 100*time.Millisecond)
}
