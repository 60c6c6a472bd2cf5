// Package rules implements signature matching: an immutable built-in
// catalog layered with tenant- and global-scoped custom rules,
// evaluated in order against the searchable fields of a request.
package rules

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/perimeterlabs/sentinel/internal/model"
	"go.uber.org/zap"
)

const (
	// maxFieldLen bounds the searchable string per field so a
	// pathological payload cannot blow up regex evaluation.
	maxFieldLen = 50_000

	// contextRadius is the window captured around a match start.
	contextRadius = 20

	// maxMatchedLen caps the recorded matched substring.
	maxMatchedLen = 100
)

// compiledRule is a custom rule whose pattern compiled successfully at
// load time.
type compiledRule struct {
	rule model.Rule
	re   *regexp.Regexp
}

// Matcher evaluates the layered rule set. Custom rules are loaded per
// tenant (plus a global set) and are read-mostly: loads take the write
// lock, every request takes the read lock.
type Matcher struct {
	mu     sync.RWMutex
	custom map[string][]compiledRule // tenant ID ("" = global) → rules
	logger *zap.Logger
}

// NewMatcher creates a Matcher with no custom rules loaded.
func NewMatcher(logger *zap.Logger) *Matcher {
	return &Matcher{
		custom: make(map[string][]compiledRule),
		logger: logger,
	}
}

// Load replaces the custom rule set for one scope (tenant ID, or ""
// for global rules). Malformed patterns are skipped with a warning so
// one bad rule can never take down request processing; the skipped
// rule IDs are returned for the admin surface to report.
func (m *Matcher) Load(scope string, list []model.Rule) []string {
	compiled := make([]compiledRule, 0, len(list))
	var skipped []string
	for _, r := range list {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			m.logger.Warn("skipping custom rule with malformed pattern",
				zap.String("rule_id", r.ID),
				zap.String("scope", scope),
				zap.Error(err),
			)
			skipped = append(skipped, r.ID)
			continue
		}
		if r.Score == 0 {
			r.Score = r.Severity.Score()
		}
		compiled = append(compiled, compiledRule{rule: r, re: re})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(compiled) == 0 {
		delete(m.custom, scope)
	} else {
		m.custom[scope] = compiled
	}
	return skipped
}

// Drop removes all custom rules for a scope. Part of tenant lifecycle
// eviction.
func (m *Matcher) Drop(scope string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.custom, scope)
}

// Match evaluates every active rule against the request and returns
// the accumulated pattern score (capped at 100) and the matches in
// catalog order. All enabled rules run on every request; there is no
// short-circuit within the matcher.
func (m *Matcher) Match(req *model.Request) (int, []model.RuleMatch) {
	fields := extractFields(req)

	m.mu.RLock()
	custom := append(append([]compiledRule{}, m.custom[""]...), m.custom[req.TenantID]...)
	m.mu.RUnlock()

	// A custom rule sharing a built-in's ID shadows it: the shadow's
	// Enabled flag decides whether the built-in runs at all. The
	// custom rule still executes as its own independent pattern.
	shadowed := make(map[string]bool, len(custom))
	for _, c := range custom {
		shadowed[c.rule.ID] = c.rule.Enabled
	}

	score := 0
	var matches []model.RuleMatch

	for _, b := range builtins {
		if enabled, ok := shadowed[b.rule.ID]; ok && !enabled {
			continue
		}
		if hit, matched := evalRule(b.re, b.rule.Field, fields); hit {
			score += b.rule.Score
			matches = append(matches, toMatch(b.rule, matched))
		}
	}

	for _, c := range custom {
		if !c.rule.Enabled {
			continue
		}
		if hit, matched := evalRule(c.re, c.rule.Field, fields); hit {
			score += c.rule.Score
			matches = append(matches, toMatch(c.rule, matched))
		}
	}

	return int(math.Min(float64(score), 100)), matches
}

// ActiveRules returns the rules that would run for a tenant, in
// evaluation order, for the admin/CLI surface.
func (m *Matcher) ActiveRules(tenantID string) []model.Rule {
	m.mu.RLock()
	custom := append(append([]compiledRule{}, m.custom[""]...), m.custom[tenantID]...)
	m.mu.RUnlock()

	shadowed := make(map[string]bool, len(custom))
	for _, c := range custom {
		shadowed[c.rule.ID] = c.rule.Enabled
	}

	var out []model.Rule
	for _, b := range builtins {
		if enabled, ok := shadowed[b.rule.ID]; ok && !enabled {
			continue
		}
		out = append(out, b.rule)
	}
	for _, c := range custom {
		if c.rule.Enabled {
			out = append(out, c.rule)
		}
	}
	return out
}

// fieldSet holds the truncated searchable strings of one request.
type fieldSet map[model.Field]string

func extractFields(req *model.Request) fieldSet {
	query := req.QueryString()
	headers := serializeHeaders(req.Headers)

	fs := fieldSet{
		model.FieldPath:    truncate(req.Path),
		model.FieldQuery:   truncate(query),
		model.FieldBody:    truncate(req.Body),
		model.FieldHeaders: truncate(headers),
		model.FieldRequest: truncate(req.Path + "?" + query + " " + req.Body),
	}
	return fs
}

func serializeHeaders(h map[string]string) string {
	if len(h) == 0 {
		return ""
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(h[k])
		sb.WriteString("\n")
	}
	return sb.String()
}

func truncate(s string) string {
	if len(s) > maxFieldLen {
		return s[:maxFieldLen]
	}
	return s
}

func evalRule(re *regexp.Regexp, field model.Field, fields fieldSet) (bool, string) {
	s, ok := fields[field]
	if !ok || s == "" {
		return false, ""
	}
	loc := re.FindStringIndex(s)
	if loc == nil {
		return false, ""
	}
	return true, contextWindow(s, loc[0])
}

// contextWindow captures ±contextRadius bytes around the match start,
// capped at maxMatchedLen. Both edges snap outward to rune boundaries
// so the recorded context is always valid UTF-8.
func contextWindow(s string, start int) string {
	lo := start - contextRadius
	if lo < 0 {
		lo = 0
	}
	for lo > 0 && !utf8.RuneStart(s[lo]) {
		lo--
	}
	hi := start + contextRadius
	if hi > len(s) {
		hi = len(s)
	}
	for hi < len(s) && !utf8.RuneStart(s[hi]) {
		hi++
	}
	if hi-lo > maxMatchedLen {
		hi = lo + maxMatchedLen
		for hi > lo && !utf8.RuneStart(s[hi]) {
			hi--
		}
	}
	return s[lo:hi]
}

func toMatch(r model.Rule, matched string) model.RuleMatch {
	return model.RuleMatch{
		RuleID:         r.ID,
		RuleName:       r.Name,
		Field:          r.Field,
		Severity:       r.Severity,
		Category:       r.Category,
		Matched:        matched,
		Recommendation: r.Recommendation,
	}
}
