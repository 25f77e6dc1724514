package lifecycle

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestLifecycle_DefaultNotShuttingDown(t *testing.T) {
	l := New(nil)
	if l.IsShuttingDown() {
		t.Error("IsShuttingDown() = true, want false by default")
	}
	if l.ShutdownReason() != "" {
		t.Errorf("ShutdownReason() = %q, want empty", l.ShutdownReason())
	}
}

func TestLifecycle_BeginShutdown(t *testing.T) {
	l := New(nil)
	if !l.BeginShutdown("signal") {
		t.Error("first BeginShutdown() = false, want true")
	}
	if l.BeginShutdown("other") {
		t.Error("second BeginShutdown() = true, want false")
	}
	if !l.IsShuttingDown() {
		t.Error("IsShuttingDown() = false after BeginShutdown")
	}
	if got := l.ShutdownReason(); got != "signal" {
		t.Errorf("ShutdownReason() = %q, want first reason", got)
	}
}

func TestLifecycle_Uptime(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := New(clock)
	clock.Advance(90 * time.Second)
	if got := l.Uptime(); got != 90*time.Second {
		t.Errorf("Uptime() = %v, want 90s", got)
	}
}
