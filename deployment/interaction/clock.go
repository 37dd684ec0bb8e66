package interaction

import (
	"context"
	"sync"
	"time"
)

// Clock is the source of time of the interaction driver. Every wait of the driver goes through its clock.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Sleep waits for the given duration, or returns the context error if the context is done first.
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock is a Clock backed by the system clock.
type RealClock struct{}

// Now implements Clock.
func (RealClock) Now() time.Time {
	return time.Now()
}

// Sleep implements Clock.
func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SimulatedClock is a Clock whose Sleep returns immediately after advancing its time, so that tests covering fee
// bumps and timeouts do not wait.
type SimulatedClock struct {
	now  time.Time
	lock sync.Mutex

	// onSleep is called after every Sleep, outside the clock lock.
	onSleep func(now time.Time)
}

// NewSimulatedClock creates a SimulatedClock starting at the given time.
func NewSimulatedClock(start time.Time) *SimulatedClock {
	return &SimulatedClock{now: start}
}

// OnSleep registers a function called with the new time after every Sleep. Tests use it to make the chain progress
// while the driver waits.
func (c *SimulatedClock) OnSleep(f func(now time.Time)) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.onSleep = f
}

// Now implements Clock.
func (c *SimulatedClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *SimulatedClock) Advance(d time.Duration) time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Sleep implements Clock.
func (c *SimulatedClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := c.Advance(d)
	c.lock.Lock()
	onSleep := c.onSleep
	c.lock.Unlock()
	if onSleep != nil {
		onSleep(now)
	}
	return nil
}
