// Package waf inspects request parts against pattern rules and decides
// whether the request is blocked.
package waf

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Severity represents the impact level of a rule.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Action is the enforcement decision of a rule.
type Action string

const (
	// ActionAllow records the finding without blocking.
	ActionAllow Action = "allow"
	// ActionBlock rejects the request when the rule matches.
	ActionBlock Action = "block"
)

// Rule declares a detection pattern.
type Rule struct {
	Name     string   `mapstructure:"name"`
	Pattern  string   `mapstructure:"pattern"`
	Severity Severity `mapstructure:"severity"`
	Action   Action   `mapstructure:"action"`
}

// Location names the request part a finding was made in.
type Location string

const (
	LocationPath   Location = "path"
	LocationQuery  Location = "query"
	LocationHeader Location = "headers"
	LocationBody   Location = "body"
)

// Part is one piece of the request offered for inspection.
type Part struct {
	Location Location
	Name     string
	Text     string
}

// Finding is a rule match in a part.
type Finding struct {
	Rule     string
	Location Location
	Name     string
	Severity Severity
	Action   Action
}

// Verdict summarises an inspection.
type Verdict struct {
	Findings []Finding
	Blocked  bool
}

// Blocking returns the first finding that blocks the request.
func (v Verdict) Blocking() (Finding, bool) {
	for _, f := range v.Findings {
		if f.Action == ActionBlock {
			return f, true
		}
	}
	return Finding{}, false
}

var builtins = []Rule{
	{Name: "sql.union-select", Pattern: `(?i)union\s+(all\s+)?select`, Severity: SeverityHigh},
	{Name: "sql.tautology", Pattern: `(?i)'\s*or\s+'?\d+'?\s*=\s*'?\d+`, Severity: SeverityHigh},
	{Name: "sql.comment-sequence", Pattern: `(--|/\*|\*/)`, Severity: SeverityMedium},
	{Name: "xss.script-tag", Pattern: `(?i)<script\b`, Severity: SeverityHigh},
	{Name: "xss.event-handler", Pattern: `(?i)\bon(error|load|click|mouseover)\s*=`, Severity: SeverityMedium},
	{Name: "path.traversal", Pattern: `(\.\./|\.\.\\|%2e%2e%2f)`, Severity: SeverityMedium},
}

// Builtin returns the named builtin rule.
func Builtin(name string) (Rule, bool) {
	for _, r := range builtins {
		if strings.EqualFold(r.Name, name) {
			return r, true
		}
	}
	return Rule{}, false
}

// Builtins returns every builtin rule.
func Builtins() []Rule {
	return append([]Rule(nil), builtins...)
}

type compiledRule struct {
	Rule
	expr *regexp.Regexp
}

// Ruleset is a compiled, immutable set of rules safe for concurrent use.
type Ruleset struct {
	rules []compiledRule
}

// Compile validates and compiles rules. Missing severities default to medium
// and missing actions to block.
func Compile(rules []Rule) (*Ruleset, error) {
	compiled := make([]compiledRule, 0, len(rules))
	seen := make(map[string]struct{}, len(rules))
	for _, rule := range rules {
		rule.Name = strings.TrimSpace(rule.Name)
		if rule.Name == "" {
			return nil, fmt.Errorf("waf: rule name is required")
		}
		if _, dup := seen[rule.Name]; dup {
			return nil, fmt.Errorf("waf: duplicate rule %s", rule.Name)
		}
		seen[rule.Name] = struct{}{}

		if strings.TrimSpace(rule.Pattern) == "" {
			return nil, fmt.Errorf("waf: pattern is required for rule %s", rule.Name)
		}
		if rule.Severity == "" {
			rule.Severity = SeverityMedium
		}
		switch rule.Severity {
		case SeverityLow, SeverityMedium, SeverityHigh:
		default:
			return nil, fmt.Errorf("waf: invalid severity %q for rule %s", rule.Severity, rule.Name)
		}
		if rule.Action == "" {
			rule.Action = ActionBlock
		}
		if rule.Action != ActionAllow && rule.Action != ActionBlock {
			return nil, fmt.Errorf("waf: invalid action %q for rule %s", rule.Action, rule.Name)
		}
		expr, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("waf: invalid pattern for rule %s: %w", rule.Name, err)
		}
		compiled = append(compiled, compiledRule{Rule: rule, expr: expr})
	}
	return &Ruleset{rules: compiled}, nil
}

// Len returns the number of rules.
func (s *Ruleset) Len() int { return len(s.rules) }

// Inspect runs every rule over every part. Each rule is reported at most once
// per part. Findings are ordered by severity, high first.
func (s *Ruleset) Inspect(ctx context.Context, parts ...Part) (Verdict, error) {
	var verdict Verdict
	for _, part := range parts {
		if err := ctx.Err(); err != nil {
			return Verdict{}, err
		}
		if part.Text == "" {
			continue
		}
		for _, rule := range s.rules {
			if !rule.expr.MatchString(part.Text) {
				continue
			}
			verdict.Findings = append(verdict.Findings, Finding{
				Rule:     rule.Name,
				Location: part.Location,
				Name:     part.Name,
				Severity: rule.Severity,
				Action:   rule.Action,
			})
			if rule.Action == ActionBlock {
				verdict.Blocked = true
			}
		}
	}

	sort.SliceStable(verdict.Findings, func(i, j int) bool {
		return rank(verdict.Findings[i].Severity) > rank(verdict.Findings[j].Severity)
	})
	return verdict, nil
}

func rank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}
