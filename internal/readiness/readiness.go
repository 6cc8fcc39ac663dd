// Package readiness decides when a freshly spawned dev server is serving by
// watching its output. Dev tools print no machine-readable signal, so the
// detector matches the banner phrases the common toolchains emit.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/devserv/devserv/internal/model"
)

var (
	ErrTimedOut      = errors.New("readiness timed out")
	ErrStartupFailed = errors.New("startup failed")
	ErrStreamClosed  = errors.New("output ended before readiness")
)

type verdict int

const (
	verdictNone verdict = iota
	verdictReady
	verdictFailed
)

// readyMarkers are phrases dev servers print once they accept connections.
var readyMarkers = []string{
	"ready",
	"compiled successfully",
	"listening on",
}

// failureMarkers are phrases that mean startup cannot succeed. They win over
// ready markers on the same line.
var failureMarkers = []string{
	"exited with code",
	"command failed",
	"cannot find module",
	"eaddrinuse",
	"address already in use",
}

// classify inspects a single output line. sentinel, when set, is an exact
// substring the operator configured as the ready signal for this project.
func classify(line, sentinel string) verdict {
	lower := strings.ToLower(line)
	for _, marker := range failureMarkers {
		if strings.Contains(lower, marker) {
			return verdictFailed
		}
	}
	if sentinel != "" && strings.Contains(line, sentinel) {
		return verdictReady
	}
	for _, marker := range readyMarkers {
		if strings.Contains(lower, marker) {
			return verdictReady
		}
	}
	// Vite and friends print "Local:   http://..." without saying "ready".
	if strings.Contains(lower, "local") && strings.Contains(lower, "http") {
		return verdictReady
	}
	return verdictNone
}

// Detector applies the classifier to a line stream under two clocks: a total
// budget for the whole startup and an idle budget that trips when the child
// goes quiet without resolving. Either expiring resolves the wait as an
// error; an unreadable startup is treated as failed, never as running.
type Detector struct {
	total    time.Duration
	idle     time.Duration
	sentinel string
}

func New(total, idle time.Duration, sentinel string) *Detector {
	if total <= 0 {
		total = 120 * time.Second
	}
	if idle <= 0 {
		idle = 15 * time.Second
	}
	return &Detector{total: total, idle: idle, sentinel: sentinel}
}

// Wait consumes lines until one resolves readiness. Returns nil once the
// server is ready, ErrStartupFailed (wrapped with the offending line) on a
// failure marker, and ErrTimedOut when either clock expires. A closed line
// channel means the child exited before signalling.
func (d *Detector) Wait(ctx context.Context, lines <-chan model.LogLine) error {
	deadline := time.Now().Add(d.total)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: no ready signal within %s", ErrTimedOut, d.total)
		}
		wait := d.idle
		totalWins := false
		if remaining < wait {
			wait = remaining
			totalWins = true
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if totalWins {
				return fmt.Errorf("%w: no ready signal within %s", ErrTimedOut, d.total)
			}
			return fmt.Errorf("%w: no output for %s", ErrTimedOut, d.idle)
		case line, ok := <-lines:
			timer.Stop()
			if !ok {
				return ErrStreamClosed
			}
			switch classify(line.Data, d.sentinel) {
			case verdictReady:
				return nil
			case verdictFailed:
				return fmt.Errorf("%w: %s", ErrStartupFailed, line.Data)
			}
		}
	}
}
