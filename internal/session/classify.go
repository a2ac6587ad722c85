// Package session turns linked span groups into ordered, classified session
// documents.
package session

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agentlens/loom/internal/model"
)

// Rule is one classification pattern. All set conditions must hold for the
// rule to fire; rules are tried in order and the first hit wins. The table
// is configurable because new tool and workflow names keep appearing
// upstream; the built-in defaults cover the observed corpus.
type Rule struct {
	Class          model.Class `yaml:"class"`
	Kind           string      `yaml:"kind,omitempty"`
	NamePrefix     string      `yaml:"name_prefix,omitempty"`
	NameContains   string      `yaml:"name_contains,omitempty"`
	InputContains  string      `yaml:"input_contains,omitempty"`
	OutputContains string      `yaml:"output_contains,omitempty"`
}

func (r Rule) empty() bool {
	return r.Kind == "" && r.NamePrefix == "" && r.NameContains == "" &&
		r.InputContains == "" && r.OutputContains == ""
}

func (r Rule) matches(sp model.Span) bool {
	if r.empty() {
		return false
	}
	if r.Kind != "" && !strings.EqualFold(r.Kind, string(sp.Kind)) {
		return false
	}
	if r.NamePrefix != "" && !foldHasPrefix(sp.Name, r.NamePrefix) {
		return false
	}
	if r.NameContains != "" && !foldContains(sp.Name, r.NameContains) {
		return false
	}
	if r.InputContains != "" && !foldContains(sp.Input, r.InputContains) {
		return false
	}
	if r.OutputContains != "" && !foldContains(sp.Output, r.OutputContains) {
		return false
	}
	return true
}

func foldContains(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func foldHasPrefix(s, prefix string) bool {
	return strings.HasPrefix(strings.ToLower(s), strings.ToLower(prefix))
}

// DefaultRules is the built-in pattern table: agent tool executions by name
// prefix or kind, title generation as summarization, moderation passes as
// safety.
func DefaultRules() []Rule {
	return []Rule{
		{Class: model.ClassTool, NamePrefix: "Claude_Code_Tool_"},
		{Class: model.ClassTool, Kind: "TOOL"},
		{Class: model.ClassSummarization, InputContains: "write a 5-10 word title"},
		{Class: model.ClassSummarization, NameContains: "title"},
		{Class: model.ClassSafety, NameContains: "moderation"},
		{Class: model.ClassSafety, NameContains: "guardrail"},
		{Class: model.ClassSafety, NameContains: "safety"},
	}
}

// Classifier assigns a class to each span: the pattern table first, then the
// structural fallbacks (no end timestamp or empty output means the call
// never completed; everything else is main conversation).
type Classifier struct {
	rules []Rule
}

// NewClassifier builds a classifier over the given rules; nil selects the
// built-in defaults.
func NewClassifier(rules []Rule) *Classifier {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Classifier{rules: rules}
}

// Classify returns the class for one span.
func (c *Classifier) Classify(sp model.Span) model.Class {
	for _, r := range c.rules {
		if r.matches(sp) {
			return r.Class
		}
	}
	if sp.EndTime.IsZero() || strings.TrimSpace(sp.Output) == "" {
		return model.ClassIncomplete
	}
	return model.ClassMain
}

type patternsFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadPatterns reads a pattern table from a YAML file. Every rule must name
// a known class and carry at least one condition.
func LoadPatterns(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading patterns file: %w", err)
	}
	var pf patternsFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parsing patterns file %s: %w", path, err)
	}
	if len(pf.Rules) == 0 {
		return nil, fmt.Errorf("patterns file %s defines no rules", path)
	}
	for i, r := range pf.Rules {
		if !validClass(r.Class) {
			return nil, fmt.Errorf("patterns file %s: rule %d has unknown class %q", path, i+1, r.Class)
		}
		if r.empty() {
			return nil, fmt.Errorf("patterns file %s: rule %d has no conditions", path, i+1)
		}
	}
	return pf.Rules, nil
}

func validClass(c model.Class) bool {
	switch c {
	case model.ClassMain, model.ClassTool, model.ClassSafety, model.ClassSummarization, model.ClassIncomplete:
		return true
	}
	return false
}
