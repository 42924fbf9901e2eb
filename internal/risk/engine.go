package risk

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Engine is a pure scorer: operation descriptor in, assessment out. It holds
// no per-request state; rule updates swap the rule set atomically.
type Engine struct {
	mu sync.RWMutex

	rules []Rule

	// mediumRequiresApproval gates MEDIUM-level operations behind approval.
	mediumRequiresApproval bool
}

// Config configures the Engine.
type Config struct {
	MediumRequiresApproval bool

	// ExtraRules extends the built-in destructive-operation rules.
	ExtraRules []Rule
}

// NewEngine creates an Engine with the built-in rule set plus any extras.
func NewEngine(cfg Config) *Engine {
	rules := builtinRules()
	rules = append(rules, cfg.ExtraRules...)
	return &Engine{
		rules:                  rules,
		mediumRequiresApproval: cfg.MediumRequiresApproval,
	}
}

// SetRules atomically replaces the extended rule set (built-ins always stay).
func (e *Engine) SetRules(extra []Rule) {
	rules := builtinRules()
	rules = append(rules, extra...)

	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
}

// Detector weights. The weighted sum is normalized over triggered weights.
const (
	weightDestructive = 0.40
	weightEnvironment = 0.25
	weightPermission  = 0.20
	weightHistory     = 0.15
)

// Assess scores an operation against all factor detectors.
func (e *Engine) Assess(op Operation, context map[string]any) *Assessment {
	var factors []Factor

	factors = append(factors, e.destructiveFactors(op)...)
	if f, ok := environmentFactor(context); ok {
		factors = append(factors, f)
	}
	if f, ok := permissionFactor(context); ok {
		factors = append(factors, f)
	}
	if f, ok := historyFactor(op, context); ok {
		factors = append(factors, f)
	}

	var weightedSum, weightSum float64
	for _, f := range factors {
		weightedSum += f.Score * f.Weight
		weightSum += f.Weight
	}

	score := 0.0
	if weightSum > 0 {
		score = weightedSum / weightSum
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	level := LevelForScore(score)
	requiresApproval := level == LevelHigh || level == LevelCritical ||
		(level == LevelMedium && e.mediumRequiresApproval)

	// Reasoning lists triggered factors in descending score order.
	sorted := make([]Factor, len(factors))
	copy(sorted, factors)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	var reasons []string
	for _, f := range sorted {
		reasons = append(reasons, fmt.Sprintf("%s (%.2f): %s", f.Type, f.Score, f.Description))
	}
	reasoning := "no risk factors triggered"
	if len(reasons) > 0 {
		reasoning = strings.Join(reasons, "; ")
	}

	return &Assessment{
		Operation:        op,
		OverallLevel:     level,
		OverallScore:     score,
		Factors:          sorted,
		RequiresApproval: requiresApproval,
		Reasoning:        reasoning,
		AssessedAt:       time.Now().UTC(),
	}
}

// destructiveFactors matches the operation against destructive-op rules.
// Only the highest-severity match per rule set is reported to keep the
// score stable under rule duplication.
func (e *Engine) destructiveFactors(op Operation) []Factor {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	haystack := op.Name + " " + op.Arguments

	var best *Rule
	for i := range rules {
		rule := &rules[i]
		re, err := rule.compiled()
		if err != nil || re == nil {
			continue
		}
		if !re.MatchString(haystack) {
			continue
		}
		if best == nil || rule.Score > best.Score {
			best = rule
		}
	}

	if best == nil {
		return nil
	}

	return []Factor{{
		Type:        "destructive",
		Score:       best.Score,
		Weight:      weightDestructive,
		Description: best.Message,
		Source:      "rule:" + best.Name,
	}}
}

func environmentFactor(context map[string]any) (Factor, bool) {
	env, _ := context["environment"].(string)
	if env == "" {
		return Factor{}, false
	}

	var score float64
	switch strings.ToLower(env) {
	case "production", "prod":
		score = 0.9
	case "staging":
		score = 0.5
	case "sandbox", "dev", "development":
		score = 0.1
	default:
		score = 0.3
	}

	return Factor{
		Type:        "environment",
		Score:       score,
		Weight:      weightEnvironment,
		Description: fmt.Sprintf("target environment is %s", env),
		Source:      "context:environment",
	}, true
}

func permissionFactor(context map[string]any) (Factor, bool) {
	elevated, _ := context["elevated"].(bool)
	scope, _ := context["permission_scope"].(string)

	if !elevated && scope == "" {
		return Factor{}, false
	}

	score := 0.4
	desc := "scoped permissions"
	if elevated {
		score = 0.85
		desc = "operation runs with elevated privileges"
	} else if strings.EqualFold(scope, "admin") {
		score = 0.7
		desc = "operation uses admin scope"
	}

	return Factor{
		Type:        "permission",
		Score:       score,
		Weight:      weightPermission,
		Description: desc,
		Source:      "context:permissions",
	}, true
}

func historyFactor(op Operation, context map[string]any) (Factor, bool) {
	rate, ok := toFloat(context["failure_rate"])
	if !ok {
		return Factor{}, false
	}
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}

	return Factor{
		Type:        "history",
		Score:       rate,
		Weight:      weightHistory,
		Description: fmt.Sprintf("historical failure rate %.0f%% for %s", rate*100, op.Name),
		Source:      "context:failure_rate",
	}, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
