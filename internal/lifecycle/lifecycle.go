package lifecycle

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Lifecycle tracks process start time and the draining flag. The health
// handler reports shutting-down with 503 once shutdown has begun.
type Lifecycle struct {
	clock     clockwork.Clock
	startedAt time.Time

	mu             sync.RWMutex
	shuttingDown   bool
	shutdownReason string
}

// New returns a Lifecycle started now. A nil clock uses the real clock.
func New(clock clockwork.Clock) *Lifecycle {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Lifecycle{clock: clock, startedAt: clock.Now()}
}

// BeginShutdown marks the process as draining. Reports whether this call
// started the shutdown; later calls keep the first reason.
func (l *Lifecycle) BeginShutdown(reason string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shuttingDown {
		return false
	}
	l.shuttingDown = true
	l.shutdownReason = reason
	return true
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func (l *Lifecycle) IsShuttingDown() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.shuttingDown
}

// ShutdownReason returns the reason given to BeginShutdown, or "".
func (l *Lifecycle) ShutdownReason() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.shutdownReason
}

// Uptime returns the time since New.
func (l *Lifecycle) Uptime() time.Duration {
	return l.clock.Since(l.startedAt)
}
