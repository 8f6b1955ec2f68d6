package client

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/menta2k/bushub/pkg/types"
)

var (
	reBlock    = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLine     = regexp.MustCompile(`(?m)^\s*//.*$`)
	reInline   = regexp.MustCompile(`(?m)\s//.*$`)
	reTrailing = regexp.MustCompile(`,(\s*[}\]])`)
)

func fallback(description string) *types.PlanAnalysis {
	return &types.PlanAnalysis{Confidence: 0, Description: description, Fallback: true}
}

// ParsePlanAnalysis parses a model reply, tolerating code fences, comments
// and trailing commas. Replies that cannot be parsed give a fallback analysis.
func ParsePlanAnalysis(raw string) *types.PlanAnalysis {
	raw = SanitizeModelJSON(raw)
	if !strings.HasPrefix(raw, "{") {
		return fallback("model returned non-JSON response")
	}

	var result types.PlanAnalysis
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return fallback("failed to parse model response")
	}
	return &result
}

// SanitizeModelJSON strips code fences, comments and trailing commas and keeps
// the outermost object
func SanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.Trim(strings.TrimSpace(raw), "`")

	raw = reBlock.ReplaceAllString(raw, "")
	raw = reLine.ReplaceAllString(raw, "")
	// a space before // keeps URLs such as http://host intact
	raw = reInline.ReplaceAllString(raw, "")
	raw = reTrailing.ReplaceAllString(raw, "$1")

	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}
