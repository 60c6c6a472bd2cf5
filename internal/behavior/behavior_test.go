package behavior

import (
	"fmt"
	"testing"
	"time"

	"github.com/perimeterlabs/sentinel/internal/geo"
	"github.com/perimeterlabs/sentinel/internal/model"
	"github.com/perimeterlabs/sentinel/internal/reputation"
	"go.uber.org/zap"
)

// fakeClock steps a Tracker's view of time deterministically.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTracker() (*Tracker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	tr := NewTracker(zap.NewNop())
	tr.now = clock.now
	return tr, clock
}

func TestTracker_QuietIPScoresZero(t *testing.T) {
	tr, _ := newTestTracker()
	score, _ := tr.Observe("1.2.3.4", "/", 100)
	if score != 0 {
		t.Errorf("single request score: got %d, want 0", score)
	}
}

func TestTracker_RateBands(t *testing.T) {
	cases := []struct {
		requests int
		want     int
	}{
		{85, 15},  // above 0.8× limit
		{105, 30}, // above limit
		{160, 50}, // above 1.5× limit
	}
	for _, tc := range cases {
		tr, clock := newTestTracker()
		var score int
		for i := 0; i < tc.requests; i++ {
			// Spaced beyond the burst heuristic, within the window.
			clock.advance(200 * time.Millisecond)
			score, _ = tr.Observe("1.2.3.4", "/", 100)
		}
		if score != tc.want {
			t.Errorf("%d requests: score %d, want %d", tc.requests, score, tc.want)
		}
	}
}

func TestTracker_PathDiversity(t *testing.T) {
	tr, clock := newTestTracker()
	var score int
	for i := 0; i < 60; i++ {
		clock.advance(time.Second)
		score, _ = tr.Observe("1.2.3.4", fmt.Sprintf("/p/%d", i), 1000)
	}
	if score != 15 {
		t.Errorf("path-diversity score: got %d, want 15", score)
	}
}

func TestTracker_PathDiversityBoundedByWindow(t *testing.T) {
	tr, clock := newTestTracker()
	var score int
	// A long-lived slow client touching a fresh path every 10s keeps at
	// most six paths inside the window; lifetime totals must not count.
	for i := 0; i < 120; i++ {
		clock.advance(10 * time.Second)
		score, _ = tr.Observe("1.2.3.4", fmt.Sprintf("/p/%d", i), 1000)
	}
	if score != 0 {
		t.Errorf("slow diverse client: score %d, want 0", score)
	}
}

func TestTracker_ScriptedBurst(t *testing.T) {
	tr, clock := newTestTracker()
	var score int
	for i := 0; i < 12; i++ {
		clock.advance(10 * time.Millisecond)
		score, _ = tr.Observe("1.2.3.4", "/", 1000)
	}
	if score != 25 {
		t.Errorf("burst score: got %d, want 25", score)
	}
}

func TestTracker_ScoreCappedAt50(t *testing.T) {
	tr, clock := newTestTracker()
	var score int
	// Fast, rate-exceeding and path-diverse all at once.
	for i := 0; i < 200; i++ {
		clock.advance(5 * time.Millisecond)
		score, _ = tr.Observe("1.2.3.4", fmt.Sprintf("/p/%d", i), 100)
	}
	if score != maxRateScore {
		t.Errorf("combined rate score: got %d, want %d", score, maxRateScore)
	}
}

func TestTracker_Sweep(t *testing.T) {
	tr, clock := newTestTracker()
	tr.Observe("1.2.3.4", "/", 100)
	tr.Observe("5.6.7.8", "/", 100)

	clock.advance(Window + time.Second)
	tr.Observe("5.6.7.8", "/", 100)

	clock.advance(Window + time.Second) // 1.2.3.4 now idle > 2× window
	if n := tr.Sweep(); n != 1 {
		t.Errorf("Sweep removed %d entries, want 1", n)
	}
	if tr.Len() != 1 {
		t.Errorf("tracked IPs after sweep: got %d, want 1", tr.Len())
	}
}

func TestHeaderScore_Normal(t *testing.T) {
	score, notes := HeaderScore(map[string]string{
		"host":       "example.com",
		"user-agent": "Mozilla/5.0 (X11; Linux x86_64)",
		"accept":     "*/*",
	})
	if score != 0 {
		t.Errorf("normal headers: score %d (%v), want 0", score, notes)
	}
}

func TestHeaderScore_Anomalies(t *testing.T) {
	// No UA (+15), no Host (+10), fewer than 3 headers (+20) = 45,
	// capped at 40.
	score, _ := HeaderScore(map[string]string{"accept": "*/*"})
	if score != maxHeaderScore {
		t.Errorf("sparse headers: score %d, want %d", score, maxHeaderScore)
	}
}

func TestHeaderScore_ShortUserAgent(t *testing.T) {
	score, _ := HeaderScore(map[string]string{
		"host":       "example.com",
		"user-agent": "curl",
		"accept":     "*/*",
	})
	if score != 10 {
		t.Errorf("short UA: score %d, want 10", score)
	}
}

func TestHeaderScore_DuplicateBoundary(t *testing.T) {
	score, _ := HeaderScore(map[string]string{
		"host":         "example.com",
		"user-agent":   "Mozilla/5.0 (X11; Linux x86_64)",
		"content-type": "multipart/form-data; boundary=a; boundary=b",
	})
	if score != 10 {
		t.Errorf("duplicate boundary: score %d, want 10", score)
	}
}

func TestScorer_DampenedCombination(t *testing.T) {
	tr, clock := newTestTracker()
	rep := reputation.NewCache(10)
	s := NewScorer(tr, rep, zap.NewNop())

	req := &model.Request{
		ClientIP: "1.2.3.4",
		Path:     "/",
		Method:   "GET",
		Headers:  map[string]string{}, // worst-case headers: 40
	}
	pol := model.DefaultPolicy()

	var anomaly int
	for i := 0; i < 200; i++ { // worst-case rate: 50
		clock.advance(5 * time.Millisecond)
		anomaly, _, _ = s.Score(req, pol, nil)
	}
	// (50 + 40) / 2 = 45, dampened to the 30 cap.
	if anomaly != maxAnomalyScore {
		t.Errorf("anomaly: got %d, want %d", anomaly, maxAnomalyScore)
	}
}

func TestScorer_CountryRateOverride(t *testing.T) {
	tr, clock := newTestTracker()
	rep := reputation.NewCache(10)
	s := NewScorer(tr, rep, zap.NewNop())

	req := &model.Request{
		ClientIP: "1.2.3.4",
		Path:     "/",
		Method:   "GET",
		Headers: map[string]string{
			"host":       "example.com",
			"user-agent": "Mozilla/5.0 (X11; Linux x86_64)",
			"accept":     "*/*",
		},
	}
	pol := model.DefaultPolicy()
	pol.GeoRateLimits = map[string]int{"CN": 10}
	loc := &geo.Location{Country: "CN"}

	var anomaly int
	for i := 0; i < 12; i++ {
		clock.advance(300 * time.Millisecond)
		anomaly, _, _ = s.Score(req, pol, loc)
	}
	// 12 requests against the 10/window override: the "above limit"
	// band (+30), halved.
	if anomaly != 15 {
		t.Errorf("anomaly with country override: got %d, want 15", anomaly)
	}

	// Without a resolved location the default limit applies: no signal.
	tr2, clock2 := newTestTracker()
	s2 := NewScorer(tr2, rep, zap.NewNop())
	for i := 0; i < 12; i++ {
		clock2.advance(300 * time.Millisecond)
		anomaly, _, _ = s2.Score(req, pol, nil)
	}
	if anomaly != 0 {
		t.Errorf("anomaly without location: got %d, want 0 (fail-open default limit)", anomaly)
	}
}
