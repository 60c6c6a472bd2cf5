package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/perimeterlabs/sentinel/internal/behavior"
	"github.com/perimeterlabs/sentinel/internal/ddos"
	"github.com/perimeterlabs/sentinel/internal/engine"
	"github.com/perimeterlabs/sentinel/internal/geo"
	"github.com/perimeterlabs/sentinel/internal/model"
	"github.com/perimeterlabs/sentinel/internal/reputation"
	"github.com/perimeterlabs/sentinel/internal/rules"
	"github.com/perimeterlabs/sentinel/internal/store"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type testServer struct {
	router   *gin.Engine
	store    store.Store
	detector *ddos.Detector
	auth     *AdminAuth
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zap.NewNop()
	st := store.NewMemoryStore()
	detector := ddos.NewDetector(ddos.DefaultConfig(), logger)
	matcher := rules.NewMatcher(logger)
	rep := reputation.NewCache(reputation.DefaultCap)
	tracker := behavior.NewTracker(logger)
	eng := engine.New(
		geo.NewGate(geo.NopLookup, logger),
		detector,
		matcher,
		behavior.NewScorer(tracker, rep, logger),
		rep,
		logger,
	)

	hash, err := bcrypt.GenerateFromPassword([]byte("static-admin-token"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	auth := NewAdminAuth("test-secret", string(hash))

	router := gin.New()
	v1 := router.Group("/v1")
	NewAnalyzeHandler(eng, detector, st, logger).Register(v1)
	NewAdminHandler(detector, matcher, st, logger).Register(v1, auth.Middleware())

	return &testServer{router: router, store: st, detector: detector, auth: auth}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func analyzePayload() map[string]any {
	return map[string]any{
		"tenant_id": "t1",
		"client_ip": "198.51.100.7",
		"method":    "GET",
		"path":      "/products",
		"headers": map[string]string{
			"Host":       "shop.example.com",
			"User-Agent": "Mozilla/5.0 (X11; Linux x86_64)",
			"Accept":     "text/html",
		},
	}
}

func TestAnalyze_CleanRequest(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/v1/analyze", "", analyzePayload())
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", w.Code, w.Body.String())
	}

	var res model.AnalysisResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Action != model.ActionAllow {
		t.Errorf("action: got %s, want allow", res.Action)
	}
	if res.ID == "" {
		t.Error("result must carry an ID")
	}
}

func TestAnalyze_SQLInjection(t *testing.T) {
	s := newTestServer(t)

	payload := analyzePayload()
	payload["query"] = map[string]string{"id": "1' OR '1'='1 UNION SELECT password FROM users"}

	w := s.do(t, http.MethodPost, "/v1/analyze", "", payload)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", w.Code, w.Body.String())
	}

	var res model.AnalysisResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Action != model.ActionBlock {
		t.Errorf("action: got %s, want block", res.Action)
	}
	if len(res.Matches) == 0 {
		t.Error("expected rule matches in the response")
	}
}

func TestAnalyze_RequiredFields(t *testing.T) {
	s := newTestServer(t)

	payload := analyzePayload()
	delete(payload, "tenant_id")

	if w := s.do(t, http.MethodPost, "/v1/analyze", "", payload); w.Code != http.StatusBadRequest {
		t.Errorf("missing tenant_id: got %d, want 400", w.Code)
	}
}

func TestAnalyze_MixedCaseHeadersNormalized(t *testing.T) {
	s := newTestServer(t)

	// Mixed-case header keys must not read as a missing Host header
	// (which would register a protocol anomaly).
	w := s.do(t, http.MethodPost, "/v1/analyze", "", analyzePayload())

	var res model.AnalysisResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.DDoS != nil && res.DDoS.Detected {
		t.Errorf("unexpected detection for well-formed request: %+v", res.DDoS)
	}
}

func TestAnalyze_StoredPolicyApplies(t *testing.T) {
	s := newTestServer(t)

	pol := model.DefaultPolicy()
	pol.Mode = model.ModeMonitor
	if err := s.store.SavePolicy(context.Background(), "t1", pol); err != nil {
		t.Fatal(err)
	}

	payload := analyzePayload()
	payload["query"] = map[string]string{"id": "1' OR '1'='1 UNION SELECT password FROM users"}

	w := s.do(t, http.MethodPost, "/v1/analyze", "", payload)

	var res model.AnalysisResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Action != model.ActionAllow {
		t.Errorf("monitor-mode tenant: got %s, want allow", res.Action)
	}
	if len(res.Matches) == 0 {
		t.Error("matches must be reported even when downgraded")
	}
}

func TestAnalyze_Release(t *testing.T) {
	s := newTestServer(t)

	s.do(t, http.MethodPost, "/v1/analyze", "", analyzePayload())

	w := s.do(t, http.MethodPost, "/v1/analyze/release", "", map[string]string{
		"tenant_id": "t1",
		"client_ip": "198.51.100.7",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("release status: got %d", w.Code)
	}

	m, ok := s.detector.TenantMetrics("t1")
	if !ok || m.ActiveConnections != 0 {
		t.Errorf("connections after release: got %+v", m)
	}
}

func TestAdmin_RequiresToken(t *testing.T) {
	s := newTestServer(t)

	if w := s.do(t, http.MethodGet, "/v1/admin/tenants/t1/policy", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: got %d, want 401", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/v1/admin/tenants/t1/policy", "not-a-token", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("bad token: got %d, want 401", w.Code)
	}
}

func TestAdmin_StaticTokenAccepted(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/v1/admin/tenants/t1/ddos-config", "static-admin-token", nil)
	if w.Code != http.StatusOK {
		t.Errorf("static token: got %d, want 200", w.Code)
	}
}

func TestAdmin_JWTAccepted(t *testing.T) {
	s := newTestServer(t)

	token, err := s.auth.IssueToken("ops", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	w := s.do(t, http.MethodGet, "/v1/metrics/tenants", token, nil)
	if w.Code != http.StatusOK {
		t.Errorf("jwt: got %d, want 200", w.Code)
	}

	// A token signed with a different secret must be rejected.
	other := NewAdminAuth("other-secret", "")
	forged, err := other.IssueToken("ops", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if w := s.do(t, http.MethodGet, "/v1/metrics/tenants", forged, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("forged jwt: got %d, want 401", w.Code)
	}
}

func TestAdmin_UpdateRulesHotLoads(t *testing.T) {
	s := newTestServer(t)

	list := []model.Rule{{
		ID:       "custom-debug-probe",
		Name:     "Debug Endpoint Probe",
		Pattern:  `(?i)/__debug__`,
		Field:    model.FieldPath,
		Severity: model.SeverityCritical,
		Category: "Reconnaissance",
		Enabled:  true,
	}}
	w := s.do(t, http.MethodPut, "/v1/admin/tenants/t1/rules", "static-admin-token", list)
	if w.Code != http.StatusOK {
		t.Fatalf("update rules: got %d, body %s", w.Code, w.Body.String())
	}

	payload := analyzePayload()
	payload["path"] = "/__debug__/vars"

	w = s.do(t, http.MethodPost, "/v1/analyze", "", payload)
	var res model.AnalysisResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Matches) != 1 || res.Matches[0].RuleID != "custom-debug-probe" {
		t.Errorf("hot-loaded rule did not match: %+v", res.Matches)
	}
}

func TestAdmin_UpdateRulesRejectsMalformed(t *testing.T) {
	s := newTestServer(t)

	list := []model.Rule{{
		ID:       "bad",
		Pattern:  "(unclosed",
		Field:    model.FieldPath,
		Severity: model.SeverityLow,
	}}
	if w := s.do(t, http.MethodPut, "/v1/admin/tenants/t1/rules", "static-admin-token", list); w.Code != http.StatusBadRequest {
		t.Errorf("malformed rule: got %d, want 400", w.Code)
	}
}

func TestAdmin_UpdateDDoSConfig(t *testing.T) {
	s := newTestServer(t)

	cfg := ddos.DefaultConfig()
	cfg.MaxRequestsPerIPPerSecond = 7
	w := s.do(t, http.MethodPut, "/v1/admin/tenants/t1/ddos-config", "static-admin-token", cfg)
	if w.Code != http.StatusOK {
		t.Fatalf("update config: got %d, body %s", w.Code, w.Body.String())
	}
	if got := s.detector.TenantConfig("t1").MaxRequestsPerIPPerSecond; got != 7 {
		t.Errorf("installed ceiling: got %d, want 7", got)
	}

	bad := ddos.DefaultConfig()
	bad.AnomalyThreshold = 2
	if w := s.do(t, http.MethodPut, "/v1/admin/tenants/t1/ddos-config", "static-admin-token", bad); w.Code != http.StatusBadRequest {
		t.Errorf("invalid config: got %d, want 400", w.Code)
	}
}

func TestAPILimiter_Enforces(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := NewAPILimiter(1, 1, zap.NewNop())

	router := gin.New()
	router.Use(l.Middleware())
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.1:4000"

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("first request: got %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("burst exceeded: got %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("429 must carry a Retry-After header")
	}

	// A different caller gets its own bucket.
	other := httptest.NewRequest(http.MethodGet, "/", nil)
	other.RemoteAddr = "203.0.113.2:4000"
	w = httptest.NewRecorder()
	router.ServeHTTP(w, other)
	if w.Code != http.StatusOK {
		t.Errorf("independent caller throttled: got %d, want 200", w.Code)
	}
}

func TestAPILimiter_SweepDropsStaleVisitors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := NewAPILimiter(10, 10, zap.NewNop())
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	router := gin.New()
	router.Use(l.Middleware())
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	first := httptest.NewRequest(http.MethodGet, "/", nil)
	first.RemoteAddr = "203.0.113.1:4000"
	router.ServeHTTP(httptest.NewRecorder(), first)

	now = now.Add(11 * time.Minute)
	second := httptest.NewRequest(http.MethodGet, "/", nil)
	second.RemoteAddr = "203.0.113.2:4000"
	router.ServeHTTP(httptest.NewRecorder(), second)

	if n := l.Sweep(); n != 1 {
		t.Errorf("Sweep removed %d buckets, want 1", n)
	}
	if len(l.visitors) != 1 {
		t.Errorf("buckets after sweep: got %d, want 1", len(l.visitors))
	}
}

func TestAdmin_DeleteTenant(t *testing.T) {
	s := newTestServer(t)

	if err := s.store.SavePolicy(context.Background(), "t1", model.DefaultPolicy()); err != nil {
		t.Fatal(err)
	}
	s.do(t, http.MethodPost, "/v1/analyze", "", analyzePayload())

	w := s.do(t, http.MethodDelete, "/v1/admin/tenants/t1", "static-admin-token", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: got %d", w.Code)
	}

	if _, err := s.store.Policy(context.Background(), "t1"); err != store.ErrNotFound {
		t.Errorf("policy after delete: got %v, want ErrNotFound", err)
	}
	if _, ok := s.detector.TenantMetrics("t1"); ok {
		t.Error("detector state should be evicted")
	}
}
