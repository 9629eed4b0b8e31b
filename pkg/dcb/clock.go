package dcb

import (
	"sync"
	"time"
)

// Clock supplies the current instant. Production code uses the system clock;
// tests install a fixed clock for deterministic timestamps and periods.
type Clock interface {
	Now() time.Time
}

// ClockFunc allows using a function as a Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock returns UTC wall-clock time.
func SystemClock() Clock {
	return ClockFunc(func() time.Time { return time.Now().UTC() })
}

// ClockProvider is a swappable clock handed to the store and its
// collaborators. It is an injected dependency, not a singleton.
type ClockProvider struct {
	mu    sync.RWMutex
	clock Clock
}

// NewClockProvider creates a provider backed by the system clock.
func NewClockProvider() *ClockProvider {
	return &ClockProvider{clock: SystemClock()}
}

// Now returns the current instant from the installed clock.
func (p *ClockProvider) Now() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.clock.Now()
}

// SetClock installs a replacement clock (typically a fixed clock in tests).
func (p *ClockProvider) SetClock(c Clock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clock = c
}

// ResetToSystemClock restores the system clock.
func (p *ClockProvider) ResetToSystemClock() {
	p.SetClock(SystemClock())
}

// FixedClock returns a clock frozen at the given instant.
func FixedClock(t time.Time) Clock {
	return ClockFunc(func() time.Time { return t })
}
