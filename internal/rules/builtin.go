package rules

import (
	"regexp"

	"github.com/perimeterlabs/sentinel/internal/model"
)

// builtinRule pairs a catalog rule with its precompiled pattern.
// Built-ins are compiled once at package init; a pattern that fails to
// compile here is a programming error, hence MustCompile.
type builtinRule struct {
	rule model.Rule
	re   *regexp.Regexp
}

var builtins = compileBuiltins([]model.Rule{
	{
		ID:             "sqli-union-select",
		Name:           "SQL Injection (UNION SELECT)",
		Pattern:        `(?i)union[\s/*]+(all[\s/*]+)?select`,
		Field:          model.FieldRequest,
		Severity:       model.SeverityCritical,
		Category:       "SQL Injection",
		Score:          90,
		Enabled:        true,
		Recommendation: "Use parameterized queries; never interpolate user input into SQL.",
	},
	{
		ID:             "sqli-tautology",
		Name:           "SQL Injection (tautology)",
		Pattern:        `(?i)('|%27)\s*(or|and)\s*('|%27|\d)`,
		Field:          model.FieldRequest,
		Severity:       model.SeverityCritical,
		Category:       "SQL Injection",
		Score:          85,
		Enabled:        true,
		Recommendation: "Use parameterized queries; never interpolate user input into SQL.",
	},
	{
		ID:             "sqli-comment-or-stacked",
		Name:           "SQL Injection (comment / stacked query)",
		Pattern:        `(?i)(--|#|/\*)[^\n]*$|;\s*(drop|delete|insert|update|exec)\b`,
		Field:          model.FieldQuery,
		Severity:       model.SeverityHigh,
		Category:       "SQL Injection",
		Score:          75,
		Enabled:        true,
		Recommendation: "Use parameterized queries; never interpolate user input into SQL.",
	},
	{
		ID:             "xss-script-tag",
		Name:           "Cross-Site Scripting (script tag)",
		Pattern:        `(?i)<\s*script[^>]*>|<\s*/\s*script\s*>`,
		Field:          model.FieldRequest,
		Severity:       model.SeverityCritical,
		Category:       "Cross-Site Scripting",
		Score:          85,
		Enabled:        true,
		Recommendation: "HTML-encode output and set a restrictive Content-Security-Policy.",
	},
	{
		ID:             "xss-event-handler",
		Name:           "Cross-Site Scripting (inline handler)",
		Pattern:        `(?i)\bon(error|load|click|mouseover|focus|submit)\s*=|javascript\s*:`,
		Field:          model.FieldRequest,
		Severity:       model.SeverityHigh,
		Category:       "Cross-Site Scripting",
		Score:          70,
		Enabled:        true,
		Recommendation: "HTML-encode output and set a restrictive Content-Security-Policy.",
	},
	{
		ID:             "path-traversal",
		Name:           "Path Traversal",
		Pattern:        `\.\./|\.\.\\|%2e%2e%2f|%2e%2e/|\.\.%2f|%252e%252e`,
		Field:          model.FieldRequest,
		Severity:       model.SeverityHigh,
		Category:       "Path Traversal",
		Score:          75,
		Enabled:        true,
		Recommendation: "Canonicalize paths server-side and reject any containing parent references.",
	},
	{
		ID:             "lfi-sensitive-file",
		Name:           "Local File Inclusion",
		Pattern:        `(?i)(/etc/(passwd|shadow|hosts)|boot\.ini|win\.ini|proc/self/environ)`,
		Field:          model.FieldRequest,
		Severity:       model.SeverityHigh,
		Category:       "File Inclusion",
		Score:          75,
		Enabled:        true,
		Recommendation: "Never derive filesystem paths from user input.",
	},
	{
		ID:             "rfi-remote-url",
		Name:           "Remote File Inclusion",
		Pattern:        `(?i)(include|require|page|file|template)=\s*(https?|ftp|php|data)://`,
		Field:          model.FieldQuery,
		Severity:       model.SeverityHigh,
		Category:       "File Inclusion",
		Score:          75,
		Enabled:        true,
		Recommendation: "Never derive include targets from user input.",
	},
	{
		ID:             "cmdi-shell-metachar",
		Name:           "Command Injection (shell metacharacters)",
		Pattern:        "(?i)[;&|`]\\s*(cat|ls|id|whoami|wget|curl|nc|bash|sh|cmd|powershell)\\b",
		Field:          model.FieldRequest,
		Severity:       model.SeverityCritical,
		Category:       "Command Injection",
		Score:          90,
		Enabled:        true,
		Recommendation: "Do not pass user input to a shell; use argument vectors and allow lists.",
	},
	{
		ID:             "cmdi-substitution",
		Name:           "Command Injection (substitution)",
		Pattern:        `\$\([^)]+\)|\$\{[^}]+\}|%0a|%0d`,
		Field:          model.FieldQuery,
		Severity:       model.SeverityMedium,
		Category:       "Command Injection",
		Score:          50,
		Enabled:        true,
		Recommendation: "Do not pass user input to a shell; use argument vectors and allow lists.",
	},
	{
		ID:             "ssrf-internal-target",
		Name:           "Server-Side Request Forgery",
		Pattern:        `(?i)(https?://)?(127\.0\.0\.1|localhost|0\.0\.0\.0|169\.254\.169\.254|metadata\.google\.internal|\[::1\])`,
		Field:          model.FieldQuery,
		Severity:       model.SeverityHigh,
		Category:       "SSRF",
		Score:          70,
		Enabled:        true,
		Recommendation: "Resolve and validate outbound request targets against an allow list.",
	},
	{
		ID:             "nosqli-operator",
		Name:           "NoSQL Injection (operator)",
		Pattern:        `(?i)\$(where|ne|gt|lt|gte|lte|regex|in|nin)\b\s*[:=]`,
		Field:          model.FieldBody,
		Severity:       model.SeverityHigh,
		Category:       "NoSQL Injection",
		Score:          70,
		Enabled:        true,
		Recommendation: "Validate request document structure before passing it to the datastore.",
	},
	{
		ID:             "xxe-doctype-entity",
		Name:           "XML External Entity",
		Pattern:        `(?i)<!DOCTYPE[^>]*\[|<!ENTITY\s`,
		Field:          model.FieldBody,
		Severity:       model.SeverityHigh,
		Category:       "XXE",
		Score:          75,
		Enabled:        true,
		Recommendation: "Disable DTD processing in the XML parser.",
	},
	{
		ID:             "scanner-user-agent",
		Name:           "Known Scanner User-Agent",
		Pattern:        `(?i)\b(sqlmap|nikto|nmap|masscan|acunetix|nessus|dirbuster|gobuster|wpscan|hydra)\b`,
		Field:          model.FieldHeaders,
		Severity:       model.SeverityMedium,
		Category:       "Reconnaissance",
		Score:          50,
		Enabled:        true,
		Recommendation: "Expect follow-up probing from this client; consider tightening rate limits.",
	},
	{
		ID:             "proto-crlf-injection",
		Name:           "CRLF Injection",
		Pattern:        `%0d%0a|\r\n\r\n`,
		Field:          model.FieldPath,
		Severity:       model.SeverityMedium,
		Category:       "Protocol Abuse",
		Score:          50,
		Enabled:        true,
		Recommendation: "Strip CR/LF from user-controlled values before echoing into headers.",
	},
})

func compileBuiltins(list []model.Rule) []builtinRule {
	out := make([]builtinRule, 0, len(list))
	for _, r := range list {
		out = append(out, builtinRule{rule: r, re: regexp.MustCompile(r.Pattern)})
	}
	return out
}

// Builtins returns a copy of the built-in rule catalog, in evaluation
// order.
func Builtins() []model.Rule {
	out := make([]model.Rule, len(builtins))
	for i, b := range builtins {
		out[i] = b.rule
	}
	return out
}
