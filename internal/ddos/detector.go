// Package ddos implements the tenant-scoped volumetric detection
// service: per-tenant sliding-window request and connection tracking,
// traffic-normalization checks, rate and connection ceilings, a
// volumetric attack score and a graduated severity→action response.
//
// State is sharded per tenant behind one mutex each, so traffic for
// one tenant never serialises against another. A service-wide ticker
// sweep bounds memory regardless of attack volume.
package ddos

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/perimeterlabs/sentinel/internal/model"
	"go.uber.org/zap"
)

const (
	// window is the trailing observation window for metrics and
	// top-attacker ranking.
	window = 60 * time.Second

	// hardPrune is the ceiling past which timestamps are always
	// discarded; every retained timestamp is younger than this.
	hardPrune = 120 * time.Second

	// metricsRefresh is the opportunistic snapshot cadence on the
	// request path.
	metricsRefresh = 5 * time.Second

	// SweepInterval is the recommended service-wide prune cadence.
	SweepInterval = 60 * time.Second
)

// tenantState is the live detection state of one tenant. Created
// lazily on first request, pruned by the sweeper, removed only by
// explicit tenant eviction.
type tenantState struct {
	mu  sync.Mutex
	cfg Config

	history           map[string][]time.Time // IP → ordered timestamps
	conns             map[string]int         // IP → open connections
	totalConns        int
	protocolAnomalies int

	metrics   Metrics
	metricsAt time.Time
}

func (s *tenantState) volumetricScoreLocked(reqPerSec float64, uniqueIPs int) float64 {
	volume := reqPerSec / float64(2*s.cfg.VolumetricThreshold)
	if volume > 1 {
		volume = 1
	}
	diversity := float64(uniqueIPs) / float64(s.cfg.UniqueIPThreshold)
	if diversity > 1 {
		diversity = 1
	}
	return (volume + diversity) / 2
}

// Detector is the service-wide entry point. The tenant map is guarded
// by a read-write mutex; all hot-path work happens under the
// per-tenant lock.
type Detector struct {
	mu       sync.RWMutex
	tenants  map[string]*tenantState
	defaults Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewDetector creates a Detector whose tenants start from defaults.
func NewDetector(defaults Config, logger *zap.Logger) *Detector {
	return &Detector{
		tenants:  make(map[string]*tenantState),
		defaults: defaults,
		logger:   logger,
		now:      time.Now,
	}
}

// state returns the tenant's state, creating it on first touch with a
// copy of the service defaults.
func (d *Detector) state(tenantID string) *tenantState {
	d.mu.RLock()
	st, ok := d.tenants[tenantID]
	d.mu.RUnlock()
	if ok {
		return st
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok = d.tenants[tenantID]; ok {
		return st
	}
	st = &tenantState{
		cfg:     d.defaults,
		history: make(map[string][]time.Time),
		conns:   make(map[string]int),
	}
	d.tenants[tenantID] = st
	return st
}

// Analyze runs the detection checks against the tenant's pre-request
// state, in fixed priority: normalization, connection ceilings, rate
// ceilings, volumetric score, protocol anomalies. The request itself
// is not recorded here; call TrackRequest afterwards.
func (d *Detector) Analyze(req *model.Request) Verdict {
	st := d.state(req.TenantID)
	now := d.now()

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.cfg.EnableNormalization {
		if reason := normalizationViolation(req, st.cfg); reason != "" {
			return Verdict{
				Detected:   true,
				Severity:   model.SeverityMedium,
				Action:     model.ActionThrottle,
				AttackType: "normalization-violation",
				Reason:     reason,
				Confidence: 0.9,
			}
		}
	}

	ip := req.ClientIP
	if st.conns[ip] > st.cfg.MaxConnectionsPerIP {
		return Verdict{
			Detected:   true,
			Severity:   model.SeverityHigh,
			Action:     model.ActionThrottle,
			AttackType: "connection-flood",
			Reason:     fmt.Sprintf("%d open connections from %s exceeds per-IP ceiling %d", st.conns[ip], ip, st.cfg.MaxConnectionsPerIP),
			Confidence: 0.85,
		}
	}
	if st.totalConns > st.cfg.MaxConnections {
		return Verdict{
			Detected:   true,
			Severity:   model.SeverityCritical,
			Action:     model.ActionChallenge,
			AttackType: "connection-flood",
			Reason:     fmt.Sprintf("%d tenant-wide connections exceeds ceiling %d", st.totalConns, st.cfg.MaxConnections),
			Confidence: 0.9,
		}
	}

	// Rate ceilings count the request under analysis on top of the
	// recorded pre-request history.
	secondCutoff := now.Add(-time.Second)
	ipRecent := countAfter(st.history[ip], secondCutoff) + 1
	if ipRecent > st.cfg.MaxRequestsPerIPPerSecond {
		return Verdict{
			Detected:   true,
			Severity:   model.SeverityMedium,
			Action:     model.ActionThrottle,
			AttackType: "rate-flood",
			Reason:     fmt.Sprintf("%d requests/s from %s exceeds per-IP ceiling %d", ipRecent, ip, st.cfg.MaxRequestsPerIPPerSecond),
			Confidence: 0.8,
		}
	}

	tenantRecent := 1
	unique := 0
	windowCutoff := now.Add(-window)
	for _, times := range st.history {
		tenantRecent += countAfter(times, secondCutoff)
		if countAfter(times, windowCutoff) > 0 {
			unique++
		}
	}
	if tenantRecent > st.cfg.MaxRequestsPerSecond {
		return Verdict{
			Detected:   true,
			Severity:   model.SeverityHigh,
			Action:     model.ActionChallenge,
			AttackType: "rate-flood",
			Reason:     fmt.Sprintf("%d tenant-wide requests/s exceeds ceiling %d", tenantRecent, st.cfg.MaxRequestsPerSecond),
			Confidence: 0.85,
		}
	}

	vol := st.volumetricScoreLocked(float64(tenantRecent), unique)
	if vol > st.cfg.AnomalyThreshold {
		sev := severityForScore(vol)
		return Verdict{
			Detected:   true,
			Severity:   sev,
			Action:     ResponseFor(sev, st.cfg.GraduatedResponse),
			AttackType: "volumetric",
			Reason:     fmt.Sprintf("volumetric score %.2f above anomaly threshold %.2f", vol, st.cfg.AnomalyThreshold),
			Score:      vol,
			Confidence: confidenceFor(vol),
		}
	}

	if reason := protocolAnomaly(req); reason != "" {
		st.protocolAnomalies++
		return Verdict{
			Detected:   true,
			Severity:   model.SeverityLow,
			Action:     model.ActionThrottle,
			AttackType: "protocol-anomaly",
			Reason:     reason,
			Score:      vol,
			Confidence: 0.5,
		}
	}

	if now.Sub(st.metricsAt) >= metricsRefresh {
		st.computeMetricsLocked(req.TenantID, now)
	}

	return Verdict{Score: vol}
}

// TrackRequest records the request after analysis, so analysis always
// reflects pre-request state. It appends the timestamp and counts the
// connection as open until ReleaseConnection.
func (d *Detector) TrackRequest(tenantID, ip string) {
	st := d.state(tenantID)
	now := d.now()

	st.mu.Lock()
	defer st.mu.Unlock()

	st.history[ip] = appendPruned(st.history[ip], now)
	st.conns[ip]++
	st.totalConns++
}

// ReleaseConnection decrements the connection counters when the edge
// layer finishes the request.
func (d *Detector) ReleaseConnection(tenantID, ip string) {
	st := d.state(tenantID)

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.conns[ip] > 0 {
		st.conns[ip]--
	}
	if st.conns[ip] == 0 {
		delete(st.conns, ip)
	}
	if st.totalConns > 0 {
		st.totalConns--
	}
}

// appendPruned appends ts and drops everything past the hard ceiling,
// keeping each IP's history bounded between sweeps.
func appendPruned(times []time.Time, ts time.Time) []time.Time {
	cutoff := ts.Add(-hardPrune)
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return append(times[i:], ts)
}

func countAfter(times []time.Time, cutoff time.Time) int {
	n := 0
	for i := len(times) - 1; i >= 0; i-- {
		if !times[i].After(cutoff) {
			break
		}
		n++
	}
	return n
}

// ── Normalization & protocol checks ──────────────────────────────────────────

var disallowedMethods = map[string]struct{}{"TRACE": {}, "CONNECT": {}}

func normalizationViolation(req *model.Request, cfg Config) string {
	if _, bad := disallowedMethods[strings.ToUpper(req.Method)]; bad {
		return "Method " + req.Method + " is not allowed"
	}
	if size := serializedHeaderSize(req.Headers); size > cfg.MaxHeaderSize {
		return fmt.Sprintf("Header size %d exceeds limit %d", size, cfg.MaxHeaderSize)
	}
	if len(req.Body) > cfg.MaxBodySize {
		return fmt.Sprintf("Body size %d exceeds limit %d", len(req.Body), cfg.MaxBodySize)
	}
	if strings.ContainsRune(req.Path, 0) {
		return "Null byte in request path"
	}
	if strings.Contains(req.Path, `..\`) || strings.Contains(req.Path, "..%") {
		return "Path traversal marker in request path"
	}
	return ""
}

func serializedHeaderSize(h map[string]string) int {
	n := 0
	for k, v := range h {
		n += len(k) + len(": ") + len(v) + len("\r\n")
	}
	return n
}

// protocolAnomaly reports the first protocol oddity found, or "".
func protocolAnomaly(req *model.Request) string {
	if strings.EqualFold(req.Method, "GET") && len(req.Body) > 100 {
		return "GET request carries a body"
	}
	if req.Header("Host") == "" {
		return "Missing Host header"
	}
	if ua, ok := req.Headers["user-agent"]; ok && ua == "" {
		return "Empty User-Agent header"
	}
	if cl := req.Header("Content-Length"); cl != "" {
		if _, err := strconv.Atoi(cl); err != nil {
			return "Non-numeric Content-Length"
		}
	}
	return ""
}

// ── Metrics & admin surface ──────────────────────────────────────────────────

// TenantMetrics recomputes and returns the tenant's snapshot. The
// second return is false for tenants that have never sent traffic.
func (d *Detector) TenantMetrics(tenantID string) (Metrics, bool) {
	d.mu.RLock()
	st, ok := d.tenants[tenantID]
	d.mu.RUnlock()
	if !ok {
		return Metrics{}, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.computeMetricsLocked(tenantID, d.now()), true
}

// AllMetrics returns a snapshot per known tenant.
func (d *Detector) AllMetrics() map[string]Metrics {
	d.mu.RLock()
	ids := make([]string, 0, len(d.tenants))
	for id := range d.tenants {
		ids = append(ids, id)
	}
	d.mu.RUnlock()

	out := make(map[string]Metrics, len(ids))
	for _, id := range ids {
		if m, ok := d.TenantMetrics(id); ok {
			out[id] = m
		}
	}
	return out
}

// TenantConfig returns the tenant's effective configuration (the
// service default for tenants not yet seen).
func (d *Detector) TenantConfig(tenantID string) Config {
	d.mu.RLock()
	st, ok := d.tenants[tenantID]
	d.mu.RUnlock()
	if !ok {
		return d.defaults
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cfg
}

// UpdateConfig validates and installs a tenant's configuration,
// creating the tenant state if needed.
func (d *Detector) UpdateConfig(tenantID string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("ddos config for tenant %s: %w", tenantID, err)
	}
	st := d.state(tenantID)
	st.mu.Lock()
	st.cfg = cfg
	st.mu.Unlock()
	d.logger.Info("ddos config updated", zap.String("tenant", tenantID))
	return nil
}

// ResetTenant clears a tenant's traffic state but keeps its config.
func (d *Detector) ResetTenant(tenantID string) {
	d.mu.RLock()
	st, ok := d.tenants[tenantID]
	d.mu.RUnlock()
	if !ok {
		return
	}
	st.mu.Lock()
	st.history = make(map[string][]time.Time)
	st.conns = make(map[string]int)
	st.totalConns = 0
	st.protocolAnomalies = 0
	st.metrics = Metrics{}
	st.metricsAt = time.Time{}
	st.mu.Unlock()
	d.logger.Info("ddos state reset", zap.String("tenant", tenantID))
}

// ResetAll clears traffic state for every tenant.
func (d *Detector) ResetAll() {
	d.mu.RLock()
	ids := make([]string, 0, len(d.tenants))
	for id := range d.tenants {
		ids = append(ids, id)
	}
	d.mu.RUnlock()
	for _, id := range ids {
		d.ResetTenant(id)
	}
}

// EvictTenant removes a tenant's state entirely. Called when a tenant
// is deleted so memory is reclaimed without a process restart.
func (d *Detector) EvictTenant(tenantID string) {
	d.mu.Lock()
	delete(d.tenants, tenantID)
	d.mu.Unlock()
}

// Sweep prunes timestamps older than the hard ceiling across all
// tenants and drops IPs whose histories emptied. Returns the number of
// IP entries removed.
func (d *Detector) Sweep() int {
	now := d.now()
	cutoff := now.Add(-hardPrune)

	d.mu.RLock()
	states := make([]*tenantState, 0, len(d.tenants))
	for _, st := range d.tenants {
		states = append(states, st)
	}
	d.mu.RUnlock()

	removed := 0
	for _, st := range states {
		st.mu.Lock()
		for ip, times := range st.history {
			i := 0
			for i < len(times) && !times[i].After(cutoff) {
				i++
			}
			if i == len(times) {
				delete(st.history, ip)
				removed++
				continue
			}
			if i > 0 {
				st.history[ip] = append([]time.Time{}, times[i:]...)
			}
		}
		st.mu.Unlock()
	}
	return removed
}

// StartSweeper runs Sweep on a fixed ticker until ctx is cancelled.
func (d *Detector) StartSweeper(ctx context.Context, every time.Duration) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := d.Sweep(); n > 0 {
					d.logger.Debug("swept ddos histories", zap.Int("removed_ips", n))
				}
			}
		}
	}()
}
