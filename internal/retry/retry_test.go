// SPDX-License-Identifier: AGPL-3.0-only
package retry

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_LinearBackoffSchedule(t *testing.T) {
	policy := Policy{MaxRetries: 3, InitialDelay: time.Second, Cooldown: time.Minute}
	c := New(policy, nil, nil)

	ev := c.HandleFailure("write failed")
	assert.False(t, ev.Terminal)
	assert.Equal(t, 1, ev.Attempt)
	assert.Equal(t, 1*time.Second, ev.Delay)

	ev = c.HandleFailure("write failed")
	assert.False(t, ev.Terminal)
	assert.Equal(t, 2, ev.Attempt)
	assert.Equal(t, 2*time.Second, ev.Delay)

	ev = c.HandleFailure("write failed")
	assert.False(t, ev.Terminal)
	assert.Equal(t, 3, ev.Attempt)
	assert.Equal(t, 3*time.Second, ev.Delay)

	// Cap reached: terminal error, no further automatic retry
	ev = c.HandleFailure("write failed")
	assert.True(t, ev.Terminal)
	assert.Equal(t, 3, ev.Attempt)
	assert.Equal(t, time.Duration(0), ev.Delay)
	assert.Equal(t, 3, c.Failures())

	// Still terminal while cooling down
	ev = c.HandleFailure("write failed")
	assert.True(t, ev.Terminal)
}

func TestController_RetryTimerFires(t *testing.T) {
	var fired atomic.Int32
	c := New(Policy{MaxRetries: 2, InitialDelay: 10 * time.Millisecond}, func() {
		fired.Add(1)
	}, nil)
	defer c.Stop()

	c.HandleFailure("boom")
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestController_ResetClearsFailuresAndTimer(t *testing.T) {
	var fired atomic.Int32
	c := New(Policy{MaxRetries: 3, InitialDelay: 50 * time.Millisecond}, func() {
		fired.Add(1)
	}, nil)

	c.HandleFailure("boom")
	c.Reset()
	assert.Equal(t, 0, c.Failures())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load(), "a successful save must cancel the pending retry")
}

func TestController_CooldownElapseResumesRetries(t *testing.T) {
	c := New(Policy{MaxRetries: 1, InitialDelay: time.Hour, Cooldown: 20 * time.Millisecond}, nil, nil)
	defer c.Stop()

	ev := c.HandleFailure("boom")
	assert.False(t, ev.Terminal)
	ev = c.HandleFailure("boom")
	assert.True(t, ev.Terminal)

	time.Sleep(40 * time.Millisecond)

	// Cool-down has elapsed: the count resets and retries resume
	ev = c.HandleFailure("boom")
	assert.False(t, ev.Terminal)
	assert.Equal(t, 1, ev.Attempt)
}

func TestController_EventCallbackObservesOutcomes(t *testing.T) {
	var events []Event
	c := New(Policy{MaxRetries: 1, InitialDelay: time.Hour}, nil, func(ev Event) {
		events = append(events, ev)
	})
	defer c.Stop()

	c.HandleFailure("first")
	c.HandleFailure("second")

	require.Len(t, events, 2)
	assert.False(t, events[0].Terminal)
	assert.Equal(t, "first", events[0].Reason)
	assert.True(t, events[1].Terminal)
}
