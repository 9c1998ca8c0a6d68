package orchestrator

import (
	"encoding/json"
	"strconv"
	"strings"
	"unicode/utf8"

	"agentrouter/internal/domain/collaboration"
)

const (
	defaultConfidence = 0.5
	maxSummaryRunes   = 280
)

// verdict is what every prompt asks the model to answer with
type verdict struct {
	Direction  string          `json:"direction"`
	Confidence json.RawMessage `json:"confidence"`
	Summary    string          `json:"summary"`
}

var (
	bullishWords = []string{"bullish", "long", "buy", "upside", "rally"}
	bearishWords = []string{"bearish", "short", "sell", "downside", "selloff"}
)

// parseOutput reads a direction, confidence and summary from model text. JSON answers are
// preferred; free text falls back to a keyword count, neutral on a tie.
func parseOutput(text string) (collaboration.Direction, float64, string) {
	if v, ok := parseJSONVerdict(text); ok {
		if d, ok := collaboration.ParseDirection(v.Direction); ok {
			summary := strings.TrimSpace(v.Summary)
			if summary == "" {
				summary = truncate(text)
			}
			return d, parseConfidence(v.Confidence), truncate(summary)
		}
	}
	return scanDirection(text), defaultConfidence, truncate(text)
}

func parseJSONVerdict(text string) (verdict, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return verdict{}, false
	}
	var v verdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return verdict{}, false
	}
	return v, v.Direction != ""
}

// parseConfidence accepts numbers, numeric strings and percentages
func parseConfidence(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return defaultConfidence
	}
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	pct := strings.HasSuffix(s, "%")
	s = strings.TrimSuffix(s, "%")
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return defaultConfidence
	}
	if pct || v > 1 {
		v /= 100
	}
	return clamp(v, 0, 1)
}

func scanDirection(text string) collaboration.Direction {
	lower := strings.ToLower(text)
	bull, bear := 0, 0
	for _, w := range bullishWords {
		bull += strings.Count(lower, w)
	}
	for _, w := range bearishWords {
		bear += strings.Count(lower, w)
	}
	switch {
	case bull > bear:
		return collaboration.DirectionBullish
	case bear > bull:
		return collaboration.DirectionBearish
	default:
		return collaboration.DirectionNeutral
	}
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= maxSummaryRunes {
		return s
	}
	r := []rune(s)
	return string(r[:maxSummaryRunes]) + "…"
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
