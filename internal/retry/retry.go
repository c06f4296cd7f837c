// SPDX-License-Identifier: AGPL-3.0-only

// Package retry tracks consecutive save failures and schedules re-attempts
// with a linearly increasing delay. The schedule is keyed to the current
// failure count (initialDelay × n), which bounds worst-case retry storms
// while still backing off.
package retry

import (
	"sync"
	"time"
)

// Policy is the retry configuration.
type Policy struct {
	// MaxRetries is how many automatic re-attempts are scheduled before the
	// controller enters the terminal error state.
	MaxRetries int
	// InitialDelay is the base delay; attempt n waits InitialDelay × n.
	InitialDelay time.Duration
	// Cooldown is how long the terminal state persists before the failure
	// count resets and automatic retries may resume.
	Cooldown time.Duration
}

// Event describes the outcome of a HandleFailure call.
type Event struct {
	// Terminal is true when the failure cap is reached and no retry was
	// scheduled.
	Terminal bool
	// Attempt is the consecutive failure count at the time of the event.
	Attempt int
	// Delay is the scheduled retry delay; zero for terminal events.
	Delay time.Duration
	// Reason is the caller-provided failure description.
	Reason string
}

// Controller owns the single pending retry timer.
type Controller struct {
	mu        sync.Mutex
	policy    Policy
	failures  int
	timer     *time.Timer
	coolUntil time.Time
	retry     func()
	onEvent   func(Event)
}

// New creates a controller. retryFn runs when a scheduled retry fires;
// onEvent observes every failure outcome. Either may be nil.
func New(policy Policy, retryFn func(), onEvent func(Event)) *Controller {
	return &Controller{policy: policy, retry: retryFn, onEvent: onEvent}
}

// HandleFailure records one failed save. While the failure count is below the
// cap it schedules exactly one retry at InitialDelay × count; at the cap it
// reports a terminal event and enters the cool-down, during which no further
// automatic retries are scheduled.
func (c *Controller) HandleFailure(reason string) Event {
	c.mu.Lock()

	// A cool-down that has elapsed resets the count so retries may resume.
	if !c.coolUntil.IsZero() && time.Now().After(c.coolUntil) {
		c.failures = 0
		c.coolUntil = time.Time{}
	}

	if c.failures >= c.policy.MaxRetries {
		if c.coolUntil.IsZero() && c.policy.Cooldown > 0 {
			c.coolUntil = time.Now().Add(c.policy.Cooldown)
		}
		ev := Event{Terminal: true, Attempt: c.failures, Reason: reason}
		cb := c.onEvent
		c.mu.Unlock()
		if cb != nil {
			cb(ev)
		}
		return ev
	}

	c.failures++
	delay := time.Duration(c.failures) * c.policy.InitialDelay
	c.stopTimerLocked()
	if c.retry != nil {
		c.timer = time.AfterFunc(delay, c.retry)
	}
	ev := Event{Attempt: c.failures, Delay: delay, Reason: reason}
	cb := c.onEvent
	c.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
	return ev
}

// Reset clears the failure count, the cool-down, and any pending retry timer.
// Called after every successful save.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.coolUntil = time.Time{}
	c.stopTimerLocked()
}

// Failures returns the current consecutive failure count.
func (c *Controller) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// Stop cancels any pending retry timer. Idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimerLocked()
}

// SetPolicy replaces the retry policy for subsequent failures.
func (c *Controller) SetPolicy(policy Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy = policy
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
