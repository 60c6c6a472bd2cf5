// Package behavior computes the behavioral anomaly signals: per-IP
// request-rate patterns over a sliding window and a fixed catalog of
// header heuristics. Its output is deliberately dampened so behavior
// alone can never outweigh signature matches.
package behavior

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// Window is the sliding observation window.
	Window = 60 * time.Second

	// DefaultRateLimitPerWindow is the per-window request limit when
	// no country-specific override applies. When geolocation fails the
	// rate check falls back to this value: the same fail-open posture
	// as the geo gate.
	DefaultRateLimitPerWindow = 100

	// maxRateScore caps the rate-anomaly sub-score.
	maxRateScore = 50

	// pathDiversityThreshold flags scanning/enumeration behavior.
	pathDiversityThreshold = 50

	// burst heuristics: a scripted client fires requests with a mean
	// spacing under burstInterval once it has sent at least burstMin.
	burstInterval = 50 * time.Millisecond
	burstMin      = 10
)

// observation is one request in an IP's sliding window. The path
// travels with the timestamp so diversity is computed over the same
// trailing window as the rate, never over the IP's lifetime.
type observation struct {
	ts   time.Time
	path string
}

// ipActivity is the sliding-window state for one client IP.
type ipActivity struct {
	window   []observation
	lastSeen time.Time
}

// Tracker maintains per-IP activity state under a single mutex per
// tracker. Entries idle for more than twice the window are removed by
// the sweeper.
type Tracker struct {
	mu     sync.Mutex
	ips    map[string]*ipActivity
	logger *zap.Logger
	now    func() time.Time
}

// NewTracker creates an empty Tracker.
func NewTracker(logger *zap.Logger) *Tracker {
	return &Tracker{
		ips:    make(map[string]*ipActivity),
		logger: logger,
		now:    time.Now,
	}
}

// Observe records one request and returns the rate-anomaly sub-score
// (0–50) plus explainability notes. limit is the per-window request
// ceiling after any country override.
func (t *Tracker) Observe(ip, path string, limit int) (int, []string) {
	if limit <= 0 {
		limit = DefaultRateLimitPerWindow
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.ips[ip]
	if !ok {
		a = &ipActivity{}
		t.ips[ip] = a
	}

	a.window = append(a.window, observation{ts: now, path: path})
	a.lastSeen = now

	cutoff := now.Add(-Window)
	trimmed := a.window[:0]
	for _, o := range a.window {
		if o.ts.After(cutoff) {
			trimmed = append(trimmed, o)
		}
	}
	a.window = trimmed

	return t.scoreLocked(a, limit)
}

func (t *Tracker) scoreLocked(a *ipActivity, limit int) (int, []string) {
	count := len(a.window)
	score := 0
	var notes []string

	switch {
	case count > limit*3/2:
		score += 50
		notes = append(notes, "request rate far above limit")
	case count > limit:
		score += 30
		notes = append(notes, "request rate above limit")
	case count > limit*4/5:
		score += 15
		notes = append(notes, "request rate approaching limit")
	}

	paths := make(map[string]struct{}, count)
	for _, o := range a.window {
		paths[o.path] = struct{}{}
	}
	if len(paths) > pathDiversityThreshold {
		score += 15
		notes = append(notes, "high path diversity (possible enumeration)")
	}

	if count >= burstMin {
		span := a.window[count-1].ts.Sub(a.window[0].ts)
		if avg := span / time.Duration(count-1); avg < burstInterval {
			score += 25
			notes = append(notes, "sub-50ms request spacing (possible scripted burst)")
		}
	}

	if score > maxRateScore {
		score = maxRateScore
	}
	return score, notes
}

// Sweep removes IPs with no activity for twice the window and returns
// the number removed.
func (t *Tracker) Sweep() int {
	cutoff := t.now().Add(-2 * Window)

	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for ip, a := range t.ips {
		if a.lastSeen.Before(cutoff) {
			delete(t.ips, ip)
			n++
		}
	}
	return n
}

// StartSweeper prunes idle IPs on a fixed ticker until ctx is
// cancelled. Ticker-driven rather than probabilistic so tests can
// drive Sweep directly and production behavior stays deterministic.
func (t *Tracker) StartSweeper(ctx context.Context, every time.Duration) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := t.Sweep(); n > 0 {
					t.logger.Debug("swept idle behavior entries", zap.Int("removed", n))
				}
			}
		}
	}()
}

// Len returns the number of tracked IPs.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ips)
}
