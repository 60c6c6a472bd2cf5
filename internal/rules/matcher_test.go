package rules

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/perimeterlabs/sentinel/internal/model"
	"go.uber.org/zap"
)

func benignRequest() *model.Request {
	return &model.Request{
		TenantID: "t1",
		Method:   "GET",
		Path:     "/products",
		Query:    map[string]string{"page": "2"},
		Headers: map[string]string{
			"host":       "shop.example.com",
			"user-agent": "Mozilla/5.0 (X11; Linux x86_64)",
			"accept":     "text/html",
		},
	}
}

func TestMatcher_SQLInjectionInQuery(t *testing.T) {
	m := NewMatcher(zap.NewNop())
	req := benignRequest()
	req.Query = map[string]string{"id": "1' OR '1'='1"}

	score, matches := m.Match(req)
	if len(matches) == 0 {
		t.Fatal("expected at least one match for SQL injection payload")
	}
	found := false
	for _, mt := range matches {
		if mt.Category == "SQL Injection" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a SQL Injection match, got %+v", matches)
	}
	if score <= 0 {
		t.Errorf("score: got %d, want > 0", score)
	}
}

func TestMatcher_CleanRequestScoresZero(t *testing.T) {
	m := NewMatcher(zap.NewNop())

	score, matches := m.Match(benignRequest())
	if score != 0 || len(matches) != 0 {
		t.Errorf("clean request: got score %d with %d matches, want 0 and none", score, len(matches))
	}
}

func TestMatcher_ScoreCappedAt100(t *testing.T) {
	m := NewMatcher(zap.NewNop())
	req := benignRequest()
	// Trip several critical rules at once.
	req.Query = map[string]string{"q": "1' OR '1'='1 UNION SELECT * FROM users"}
	req.Body = `<script>alert(1)</script>; cat /etc/passwd`
	req.Path = "/../../etc/passwd"

	score, matches := m.Match(req)
	if score > 100 {
		t.Errorf("score: got %d, want ≤ 100", score)
	}
	if len(matches) < 3 {
		t.Errorf("expected several matches, got %d", len(matches))
	}
}

func TestMatcher_CustomRule(t *testing.T) {
	m := NewMatcher(zap.NewNop())
	skipped := m.Load("t1", []model.Rule{{
		ID:       "custom-debug-probe",
		Name:     "Debug Endpoint Probe",
		Pattern:  `(?i)/__debug__`,
		Field:    model.FieldPath,
		Severity: model.SeverityHigh,
		Category: "Reconnaissance",
		Enabled:  true,
	}})
	if len(skipped) != 0 {
		t.Fatalf("unexpected skipped rules: %v", skipped)
	}

	req := benignRequest()
	req.Path = "/__debug__/vars"

	score, matches := m.Match(req)
	if len(matches) != 1 || matches[0].RuleID != "custom-debug-probe" {
		t.Fatalf("matches: got %+v, want custom-debug-probe", matches)
	}
	// High severity defaults to 75 when no explicit score is set.
	if score != 75 {
		t.Errorf("score: got %d, want 75", score)
	}

	// The rule is tenant-scoped: another tenant must not see it.
	other := benignRequest()
	other.TenantID = "t2"
	other.Path = "/__debug__/vars"
	if _, matches := m.Match(other); len(matches) != 0 {
		t.Errorf("tenant t2 matched t1's rule: %+v", matches)
	}
}

func TestMatcher_MalformedCustomRuleSkipped(t *testing.T) {
	m := NewMatcher(zap.NewNop())
	skipped := m.Load("t1", []model.Rule{
		{ID: "bad", Pattern: "(unclosed", Field: model.FieldPath, Severity: model.SeverityLow, Enabled: true},
		{ID: "good", Pattern: "probe", Field: model.FieldPath, Severity: model.SeverityLow, Enabled: true},
	})
	if len(skipped) != 1 || skipped[0] != "bad" {
		t.Fatalf("skipped: got %v, want [bad]", skipped)
	}

	req := benignRequest()
	req.Path = "/probe"
	if _, matches := m.Match(req); len(matches) != 1 {
		t.Errorf("good rule should still match, got %+v", matches)
	}
}

func TestMatcher_ShadowDisablesBuiltin(t *testing.T) {
	m := NewMatcher(zap.NewNop())
	m.Load("t1", []model.Rule{{
		ID:       "sqli-tautology",
		Pattern:  `never-matches-anything-zzz`,
		Field:    model.FieldQuery,
		Severity: model.SeverityLow,
		Enabled:  false,
	}})

	req := benignRequest()
	req.Query = map[string]string{"id": "1' OR '1'='1"}

	_, matches := m.Match(req)
	for _, mt := range matches {
		if mt.RuleID == "sqli-tautology" {
			t.Errorf("disabled shadow should suppress the built-in, got %+v", mt)
		}
	}
}

func TestMatcher_EnabledShadowKeepsBoth(t *testing.T) {
	m := NewMatcher(zap.NewNop())
	m.Load("t1", []model.Rule{{
		ID:       "sqli-tautology",
		Pattern:  `(?i)or`,
		Field:    model.FieldQuery,
		Severity: model.SeverityLow,
		Enabled:  true,
	}})

	req := benignRequest()
	req.Query = map[string]string{"id": "1' OR '1'='1"}

	_, matches := m.Match(req)
	n := 0
	for _, mt := range matches {
		if mt.RuleID == "sqli-tautology" {
			n++
		}
	}
	if n != 2 {
		t.Errorf("expected built-in and enabled shadow to both fire, got %d hits", n)
	}
}

func TestMatcher_ContextWindowBounded(t *testing.T) {
	m := NewMatcher(zap.NewNop())
	req := benignRequest()
	req.Query = map[string]string{"q": strings.Repeat("a", 300) + " UNION SELECT " + strings.Repeat("b", 300)}

	_, matches := m.Match(req)
	if len(matches) == 0 {
		t.Fatal("expected a match")
	}
	for _, mt := range matches {
		if len(mt.Matched) > 100 {
			t.Errorf("matched context %d chars, want ≤ 100", len(mt.Matched))
		}
	}
}

func TestMatcher_ContextWindowValidUTF8(t *testing.T) {
	m := NewMatcher(zap.NewNop())
	req := benignRequest()
	// Multi-byte runes on both sides of the payload put the ±20-byte
	// window edges inside a rune unless they snap to boundaries.
	req.Query = map[string]string{"q": strings.Repeat("語", 30) + " UNION SELECT " + strings.Repeat("語", 30)}

	_, matches := m.Match(req)
	if len(matches) == 0 {
		t.Fatal("expected a match")
	}
	for _, mt := range matches {
		if !utf8.ValidString(mt.Matched) {
			t.Errorf("rule %s: matched context is not valid UTF-8: %q", mt.RuleID, mt.Matched)
		}
	}
}

func TestMatcher_OversizedFieldTruncated(t *testing.T) {
	m := NewMatcher(zap.NewNop())
	req := benignRequest()
	// The payload sits beyond the truncation point and must be invisible.
	req.Body = strings.Repeat("x", maxFieldLen) + " UNION SELECT password"

	_, matches := m.Match(req)
	if len(matches) != 0 {
		t.Errorf("match beyond the truncation boundary: %+v", matches)
	}
}

func TestBuiltins_Immutable(t *testing.T) {
	a := Builtins()
	a[0].Pattern = "mutated"
	b := Builtins()
	if b[0].Pattern == "mutated" {
		t.Error("Builtins must return a copy of the catalog")
	}
}
