package ml

import (
	"strings"

	"github.com/perimeterlabs/sentinel/internal/model"
)

var sqlKeywords = []string{"select", "union", "insert", "update", "delete", "drop", "exec", "' or ", "\" or "}

var scriptMarkers = []string{"<script", "javascript:", "onerror=", "onload=", "eval("}

// ExtractFeatures derives the fixed feature vector from a request.
// Extraction is pure and allocation-light; it runs even when no model
// is configured so that the vector can be logged for offline training.
func ExtractFeatures(req *model.Request) FeatureVector {
	lowered := strings.ToLower(req.Path + "?" + req.QueryString() + " " + req.Body)

	return FeatureVector{
		PathLength:       len(req.Path),
		PathDepth:        strings.Count(req.Path, "/"),
		QueryParamCount:  len(req.Query),
		BodyLength:       len(req.Body),
		HeaderCount:      len(req.Headers),
		UserAgentLength:  len(req.Header("User-Agent")),
		SpecialCharRatio: specialCharRatio(lowered),
		HasSQLKeywords:   containsAny(lowered, sqlKeywords),
		HasScriptMarkers: containsAny(lowered, scriptMarkers),
		IsWriteMethod:    isWrite(req.Method),
	}
}

func specialCharRatio(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	n := 0
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '/', r == '.', r == '-', r == '_', r == ' ':
		default:
			n++
		}
	}
	return float64(n) / float64(len(s))
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func isWrite(method string) bool {
	switch strings.ToUpper(method) {
	case "POST", "PUT", "PATCH", "DELETE":
		return true
	}
	return false
}
