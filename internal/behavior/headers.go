package behavior

import "strings"

const (
	// maxHeaderScore caps the header-anomaly sub-score.
	maxHeaderScore = 40

	minUserAgentLen = 10
	maxUserAgentLen = 500
	minHeaderCount  = 3
)

// HeaderScore runs the fixed catalog of header heuristics and returns
// the sub-score (0–40) with explainability notes. Header keys are
// expected lower-cased, per the request contract.
func HeaderScore(headers map[string]string) (int, []string) {
	score := 0
	var notes []string

	ua, hasUA := headers["user-agent"]
	switch {
	case !hasUA || ua == "":
		score += 15
		notes = append(notes, "missing User-Agent header")
	case len(ua) < minUserAgentLen:
		score += 10
		notes = append(notes, "abnormally short User-Agent")
	case len(ua) > maxUserAgentLen:
		score += 10
		notes = append(notes, "abnormally long User-Agent")
	}

	if headers["host"] == "" {
		score += 10
		notes = append(notes, "missing Host header")
	}

	if ct := headers["content-type"]; strings.Count(ct, "boundary=") > 1 {
		score += 10
		notes = append(notes, "duplicated multipart boundary")
	}

	if len(headers) < minHeaderCount {
		score += 20
		notes = append(notes, "fewer than 3 request headers")
	}

	if score > maxHeaderScore {
		score = maxHeaderScore
	}
	return score, notes
}
