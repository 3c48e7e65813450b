package scorer

import (
	"encoding/json"
)

type scoreResponse struct {
	Score  json.Number `json:"score"`
	Reason string      `json:"reason"`
}

// ParseScore extracts the numeric score from a strict JSON-object evaluator
// response and applies the bucketization staircase: a score already exactly 0, 0.5, or 1 is kept as-is;
// otherwise a coercible float is bucketed (≥0.9→1.0, ≥0.6→0.5, else 0.0); an
// uncoercible or missing score yields ok=false (caller applies the sentinel).
func ParseScore(raw string) (score float64, reason string, ok bool) {
	var parsed scoreResponse
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return 0, "", false
	}
	f, err := parsed.Score.Float64()
	if err != nil {
		return 0, "", false
	}
	if f == 0 || f == 0.5 || f == 1 {
		return f, parsed.Reason, true
	}
	switch {
	case f >= 0.9:
		return 1.0, parsed.Reason, true
	case f >= 0.6:
		return 0.5, parsed.Reason, true
	default:
		return 0.0, parsed.Reason, true
	}
}
