// Package dlp redacts or blocks sensitive data in payloads.
package dlp

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Action is the directive of a rule.
type Action string

const (
	// ActionAllow records matches only.
	ActionAllow Action = "allow"
	// ActionRedact replaces matches before the payload is forwarded.
	ActionRedact Action = "redact"
	// ActionBlock rejects the payload.
	ActionBlock Action = "block"
)

// ErrBlocked is returned when a block rule matched.
var ErrBlocked = errors.New("dlp: content blocked by policy")

// Rule declares a detection pattern.
type Rule struct {
	Name        string `mapstructure:"name"`
	Pattern     string `mapstructure:"pattern"`
	Action      Action `mapstructure:"action"`
	Replacement string `mapstructure:"replacement"`
}

// Finding counts the matches of one rule.
type Finding struct {
	Rule   string
	Count  int
	Action Action
}

// Result is the outcome of a scan.
type Result struct {
	Text     string
	Findings []Finding
	Redacted bool
	Blocked  bool
}

var builtins = []Rule{
	{Name: "pii.email", Pattern: `(?i)[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}`, Replacement: "[REDACTED:email]"},
	{Name: "pii.ssn", Pattern: `\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`, Replacement: "[REDACTED:ssn]"},
	{Name: "pci.card-number", Pattern: `\b(?:\d{4}[- ]?){3}\d{4}\b`, Replacement: "[REDACTED:card]"},
	{Name: "secret.api-key", Pattern: `(?i)\b(?:api[_-]?key|api[_-]?secret|bearer)[:=\s]+[a-z0-9_\-]{16,}\b`, Replacement: "[REDACTED:api-key]"},
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

// Redactor applies compiled rules to payloads. It is safe for concurrent use.
type Redactor struct {
	rules []compiledRule
}

// NewRedactor compiles rules. A missing action defaults to redact and a
// missing replacement to "[REDACTED:<name>]".
func NewRedactor(rules []Rule) (*Redactor, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		rule.Name = strings.TrimSpace(rule.Name)
		if rule.Name == "" {
			return nil, fmt.Errorf("dlp: rule name is required")
		}
		if strings.TrimSpace(rule.Pattern) == "" {
			return nil, fmt.Errorf("dlp: pattern is required for rule %s", rule.Name)
		}
		if rule.Action == "" {
			rule.Action = ActionRedact
		}
		switch rule.Action {
		case ActionAllow, ActionRedact, ActionBlock:
		default:
			return nil, fmt.Errorf("dlp: unsupported action %q for rule %s", rule.Action, rule.Name)
		}
		if rule.Replacement == "" {
			rule.Replacement = "[REDACTED:" + rule.Name + "]"
		}
		expr, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("dlp: invalid pattern for rule %s: %w", rule.Name, err)
		}
		compiled = append(compiled, compiledRule{Rule: rule, expr: expr})
	}
	return &Redactor{rules: compiled}, nil
}

// Scan applies the rules in order. Redactions of earlier rules are visible
// to later ones.
func (r *Redactor) Scan(ctx context.Context, text string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	result := Result{Text: text}
	for _, rule := range r.rules {
		matches := rule.expr.FindAllStringIndex(result.Text, -1)
		if len(matches) == 0 {
			continue
		}
		result.Findings = append(result.Findings, Finding{Rule: rule.Name, Count: len(matches), Action: rule.Action})
		switch rule.Action {
		case ActionRedact:
			result.Text = rule.expr.ReplaceAllLiteralString(result.Text, rule.Replacement)
			result.Redacted = true
		case ActionBlock:
			result.Blocked = true
		}
	}
	return result, nil
}

// Redact scans text and returns the redacted payload, or ErrBlocked.
func (r *Redactor) Redact(ctx context.Context, text string) (string, error) {
	result, err := r.Scan(ctx, text)
	if err != nil {
		return "", err
	}
	if result.Blocked {
		return "", ErrBlocked
	}
	return result.Text, nil
}
