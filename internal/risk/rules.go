package risk

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Rule is a destructive-operation detection rule.
type Rule struct {
	// Name identifies the rule in factor sources.
	Name string `yaml:"name" json:"name"`

	// Pattern is a regex matched against "name arguments".
	Pattern string `yaml:"pattern" json:"pattern"`

	// Score is the factor score in [0,1] when the rule matches.
	Score float64 `yaml:"score" json:"score"`

	// Message is the human-readable explanation.
	Message string `yaml:"message" json:"message"`

	re *regexp.Regexp
}

func (r *Rule) compiled() (*regexp.Regexp, error) {
	if r.re != nil {
		return r.re, nil
	}
	if r.Pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return nil, err
	}
	r.re = re
	return re, nil
}

// builtinRules returns the default destructive-operation rule set.
func builtinRules() []Rule {
	return []Rule{
		{
			Name:    "recursive-force-remove",
			Pattern: `(?i)rm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)\b`,
			Score:   0.95,
			Message: "recursive force remove",
		},
		{
			Name:    "sql-destructive",
			Pattern: `(?i)\b(drop\s+(table|database|schema)|truncate\s+table)\b`,
			Score:   0.9,
			Message: "destructive SQL statement",
		},
		{
			Name:    "bulk-delete",
			Pattern: `(?i)\b(delete|remove|purge|wipe)\b.*\b(all|every|\*)\b`,
			Score:   0.8,
			Message: "bulk delete of multiple targets",
		},
		{
			Name:    "delete-verb",
			Pattern: `(?i)\b(delete|remove|purge|wipe|destroy)\b`,
			Score:   0.55,
			Message: "delete-class operation",
		},
		{
			Name:    "force-flag",
			Pattern: `(?i)(--force|\s-f\b)`,
			Score:   0.5,
			Message: "force flag bypasses safety prompts",
		},
		{
			Name:    "system-mutation",
			Pattern: `(?i)\b(shutdown|reboot|kill\s+-9|chmod\s+777)\b`,
			Score:   0.75,
			Message: "system-level mutation",
		},
	}
}

// LoadRulesFile reads extended rules from a YAML file.
func LoadRulesFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("risk: read rules file: %w", err)
	}

	var doc struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("risk: parse rules file: %w", err)
	}

	for i := range doc.Rules {
		if _, err := doc.Rules[i].compiled(); err != nil {
			return nil, fmt.Errorf("risk: rule %q: %w", doc.Rules[i].Name, err)
		}
		if doc.Rules[i].Score < 0 || doc.Rules[i].Score > 1 {
			return nil, fmt.Errorf("risk: rule %q: score must be in [0,1]", doc.Rules[i].Name)
		}
	}

	return doc.Rules, nil
}
