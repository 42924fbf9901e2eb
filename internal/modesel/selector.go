// Package modesel classifies requests into an execution mode recommendation.
package modesel

import (
	"regexp"
	"strings"

	"conductor/internal/engine"
	"conductor/pkg/logger"
)

// Decision explains a mode recommendation. The orchestrator treats it as
// advisory when a manual override is set.
type Decision struct {
	// Mode is the recommended execution mode.
	Mode engine.Mode `json:"mode"`

	// Confidence is the classifier's confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// Reason explains the recommendation.
	Reason string `json:"reason"`

	// Overridden is set when a manual override suppressed the recommendation.
	Overridden bool `json:"overridden,omitempty"`
}

// Selector recommends an execution mode per request based on lightweight
// input classification. A recommendation below the confidence threshold
// keeps the session's current mode to avoid thrashing between modes.
type Selector struct {
	confidenceThreshold float64
}

// NewSelector creates a Selector. threshold <= 0 uses the default 0.7.
func NewSelector(threshold float64) *Selector {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.7
	}
	return &Selector{confidenceThreshold: threshold}
}

// workflowSignals match structured, multi-step, plan-like inputs.
var workflowSignals = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(step\s+\d+|first[,.]|then\b|finally\b|after\s+that)\b`),
	regexp.MustCompile(`(?im)^\s*\d+[.)]\s`),
	regexp.MustCompile(`(?i)\b(pipeline|workflow|batch|sequence|orchestrate|automate)\b`),
	regexp.MustCompile(`(?i)\b(deploy|migrate|provision|rollout|backup)\b.*\b(and|then|;)\b`),
	regexp.MustCompile(`;\s*\S`),
}

// chatSignals match open-ended, conversational inputs.
var chatSignals = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*(what|why|how|when|where|who|which|can|could|should|would|is|are|do|does)\b`),
	regexp.MustCompile(`\?\s*$`),
	regexp.MustCompile(`(?i)\b(explain|describe|tell me|help me understand|what do you think|summarize)\b`),
	regexp.MustCompile(`(?i)\b(brainstorm|discuss|advice|suggest|recommend)\b`),
}

// Select classifies the input and returns a mode decision. The current mode
// is the fallback below the confidence threshold. If the session has a
// manual override, the recommendation is computed but marked Overridden and
// the override mode is returned.
func (s *Selector) Select(input string, current engine.Mode, override engine.Mode) Decision {
	rec := s.classify(input, current)

	if override.Valid() {
		logger.Debug().
			Str("recommended", string(rec.Mode)).
			Str("override", string(override)).
			Float64("confidence", rec.Confidence).
			Msg("Mode recommendation suppressed by manual override")
		return Decision{
			Mode:       override,
			Confidence: rec.Confidence,
			Reason:     "manual_override (recommended " + string(rec.Mode) + ": " + rec.Reason + ")",
			Overridden: true,
		}
	}

	// Classifier failure overrides hysteresis: chat mode never
	// auto-executes a multi-step plan, so it is the safe landing spot.
	if rec.Reason == "classifier_error" {
		return rec
	}

	if rec.Mode != current && rec.Confidence < s.confidenceThreshold {
		return Decision{
			Mode:       current,
			Confidence: rec.Confidence,
			Reason:     "below_confidence_threshold (recommended " + string(rec.Mode) + ")",
		}
	}

	return rec
}

// classify scores the input against both signal sets. Any classifier failure
// fails open to chat mode, which never auto-executes multi-step plans.
func (s *Selector) classify(input string, current engine.Mode) Decision {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return Decision{Mode: engine.ModeChat, Confidence: 0, Reason: "classifier_error"}
	}

	workflowHits := countMatches(workflowSignals, trimmed)
	chatHits := countMatches(chatSignals, trimmed)

	total := workflowHits + chatHits
	if total == 0 {
		mode := current
		if !mode.Valid() {
			mode = engine.ModeChat
		}
		return Decision{Mode: mode, Confidence: 0.5, Reason: "no_signals"}
	}

	if workflowHits >= chatHits {
		conf := float64(workflowHits) / float64(total)
		return Decision{Mode: engine.ModeWorkflow, Confidence: conf, Reason: "workflow_signals"}
	}

	conf := float64(chatHits) / float64(total)
	return Decision{Mode: engine.ModeChat, Confidence: conf, Reason: "chat_signals"}
}

func countMatches(signals []*regexp.Regexp, input string) int {
	hits := 0
	for _, re := range signals {
		if re.MatchString(input) {
			hits++
		}
	}
	return hits
}
