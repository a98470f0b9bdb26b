package driver

import (
	"context"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"foreman/internal/events"
	"foreman/internal/logging"
)

// Shutdown terminates every tracked invocation and waits up to the grace
// period for them to drain.
func (d *Driver) Shutdown() {
	d.mu.Lock()
	live := make([]*running, 0, len(d.tracked))
	for _, run := range d.tracked {
		live = append(live, run)
	}
	d.mu.Unlock()

	if len(live) == 0 {
		return
	}
	logging.Driver("Session cleanup: terminating %d invocations", len(live))
	for _, run := range live {
		run.cancel()
	}

	deadline := time.After(d.grace + time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			if d.emitter != nil {
				d.emitter.Emit(events.Event{
					Kind:    events.KindSessionCleanup,
					Message: "cleanup deadline reached with invocations still draining",
				})
			}
			return
		case <-tick.C:
			d.mu.Lock()
			remaining := len(d.tracked)
			d.mu.Unlock()
			if remaining == 0 {
				if d.emitter != nil {
					d.emitter.Emit(events.Event{
						Kind:    events.KindSessionCleanup,
						Message: "all invocations terminated",
					})
				}
				return
			}
		}
	}
}

// EmergencyCleanup additionally sweeps the OS process table for orphaned
// specialist processes and kills them. Best effort; not available on
// Windows.
func (d *Driver) EmergencyCleanup(ctx context.Context) {
	d.Shutdown()

	if runtime.GOOS == "windows" {
		return
	}
	out, err := exec.CommandContext(ctx, "pgrep", "-x", d.cfg.Tool).Output()
	if err != nil {
		// pgrep exits 1 when nothing matches.
		return
	}
	var killed int
	for _, field := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		if err := exec.CommandContext(ctx, "kill", "-TERM", strconv.Itoa(pid)).Run(); err == nil {
			killed++
		}
	}
	if killed > 0 {
		logging.DriverWarn("Emergency cleanup: terminated %d orphaned %s processes", killed, d.cfg.Tool)
		if d.emitter != nil {
			d.emitter.Emit(events.Event{
				Kind:    events.KindSessionCleanup,
				Message: "orphan sweep terminated " + strconv.Itoa(killed) + " processes",
			})
		}
	}
}
