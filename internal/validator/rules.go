package validator

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Rule is a denylist entry. Pattern is a regular expression matched
// against the whole script; Message is what the repair prompt will see.
type Rule struct {
	ID      string `yaml:"id"`
	Pattern string `yaml:"pattern"`
	Message string `yaml:"message"`
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

type compiledRule struct {
	id      string
	re      *regexp.Regexp
	message string
}

// DefaultRules returns the built-in denylist. These are the API mistakes
// the model makes most often against ManimGL.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:      "deprecated-create",
			Pattern: `\bCreate\(`,
			Message: "Create is not available in ManimGL; use ShowCreation",
		},
		{
			ID:      "gray-constant",
			Pattern: `\bGRAY\b`,
			Message: "GRAY is not defined; use GREY",
		},
		{
			ID:      "axis-label-arguments",
			Pattern: `get_axis_labels\([^)]+\)`,
			Message: "get_axis_labels takes no arguments in ManimGL",
		},
		{
			ID:      "graph-label",
			Pattern: `\bget_graph_label\b`,
			Message: "get_graph_label is not available; build a label with Tex and next_to",
		},
		{
			ID:      "unicode-text",
			Pattern: `\bText\("[^"]*[^\x00-\x7F]`,
			Message: "Text cannot render non-ASCII characters; use TexText",
		},
	}
}

// LoadRules reads a rules file. An empty path yields the defaults.
func LoadRules(path string) ([]Rule, error) {
	if path == "" {
		return DefaultRules(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file %s: %w", path, err)
	}

	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}
	if len(rf.Rules) == 0 {
		return nil, fmt.Errorf("rules file %s contains no rules", path)
	}
	return rf.Rules, nil
}

func compileRules(rules []Rule) ([]compiledRule, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule with pattern %q has no id", r.Pattern)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s has invalid pattern: %w", r.ID, err)
		}
		compiled = append(compiled, compiledRule{id: r.ID, re: re, message: r.Message})
	}
	return compiled, nil
}
