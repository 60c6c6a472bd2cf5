package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/perimeterlabs/sentinel/internal/model"
)

// reasonFor builds the one-line reason attached to a result.
func reasonFor(action model.Action, matches []model.RuleMatch) string {
	if len(matches) == 0 {
		if action == model.ActionAllow {
			return "no threats detected"
		}
		return fmt.Sprintf("behavioral signals raised the score to %s level", action)
	}
	if len(matches) == 1 {
		return fmt.Sprintf("matched rule %q (%s)", matches[0].RuleName, matches[0].Category)
	}
	return fmt.Sprintf("matched %d rules across %s", len(matches), strings.Join(categories(matches), ", "))
}

// explain assembles the explainability block: summary line, the
// in-order detail trail, and deduplicated recommendations from the
// matched rules.
func explain(matches []model.RuleMatch, details []string) model.Explainability {
	var summary string
	switch len(matches) {
	case 0:
		summary = "no threats detected"
	case 1:
		summary = "threat detected: " + matches[0].RuleName
	default:
		summary = fmt.Sprintf("%d threats detected: %s", len(matches), strings.Join(categories(matches), ", "))
	}

	if details == nil {
		details = []string{}
	}

	seen := make(map[string]struct{})
	recs := []string{}
	for _, m := range matches {
		if m.Recommendation == "" {
			continue
		}
		if _, dup := seen[m.Recommendation]; dup {
			continue
		}
		seen[m.Recommendation] = struct{}{}
		recs = append(recs, m.Recommendation)
	}

	return model.Explainability{
		Summary:         summary,
		Details:         details,
		Recommendations: recs,
	}
}

// categories returns the sorted distinct categories of the matches.
func categories(matches []model.RuleMatch) []string {
	set := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		set[m.Category] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
