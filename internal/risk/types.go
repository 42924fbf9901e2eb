// Package risk scores proposed operations and decides whether human
// approval is required before execution.
package risk

import "time"

// Level is the overall severity of an assessment.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Score thresholds. LOW < 0.3 <= MEDIUM < 0.6 <= HIGH < 0.8 <= CRITICAL.
const (
	thresholdMedium   = 0.3
	thresholdHigh     = 0.6
	thresholdCritical = 0.8
)

// LevelForScore maps a clipped score onto a level.
func LevelForScore(score float64) Level {
	switch {
	case score >= thresholdCritical:
		return LevelCritical
	case score >= thresholdHigh:
		return LevelHigh
	case score >= thresholdMedium:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Operation describes the action being assessed.
type Operation struct {
	// Name is the tool or operation identifier.
	Name string `json:"name"`

	// Arguments is the serialized operation arguments.
	Arguments string `json:"arguments"`

	// SessionID is the owning session, if any.
	SessionID string `json:"session_id,omitempty"`
}

// Factor is one weighted contribution to an assessment.
type Factor struct {
	Type        string  `json:"type"`
	Score       float64 `json:"score"`
	Weight      float64 `json:"weight"`
	Description string  `json:"description"`
	Source      string  `json:"source"`
}

// Assessment is the immutable result of scoring one operation.
type Assessment struct {
	Operation        Operation `json:"operation"`
	OverallLevel     Level     `json:"overall_level"`
	OverallScore     float64   `json:"overall_score"`
	Factors          []Factor  `json:"factors"`
	RequiresApproval bool      `json:"requires_approval"`
	Reasoning        string    `json:"reasoning"`
	AssessedAt       time.Time `json:"assessed_at"`
}
