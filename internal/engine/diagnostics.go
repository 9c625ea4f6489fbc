// ABOUTME: Structured diagnostics for engine stderr output.
// ABOUTME: A declarative allow/suppress rule table decides what gets logged.

package engine

import (
	"log/slog"
	"regexp"
	"strings"
)

// Severity classifies a diagnostic line.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityError
)

// String returns the lowercase name of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	default:
		return "info"
	}
}

// Level maps a severity to its slog level.
func (s Severity) Level() slog.Level {
	switch s {
	case SeverityWarn:
		return slog.LevelWarn
	case SeverityError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Diagnostic is one structured side-channel event from the engine process.
type Diagnostic struct {
	Severity Severity
	Source   string // e.g. "engine-stderr"
	Message  string
}

// RuleAction is the outcome of a matching rule.
type RuleAction int

const (
	ActionAllow RuleAction = iota
	ActionSuppress
)

// Rule matches diagnostics by source, minimum severity, and an optional
// message pattern. The first matching rule in a Filter wins.
type Rule struct {
	Source      string // empty matches any source
	MinSeverity Severity
	Pattern     *regexp.Regexp // nil matches any message
	Action      RuleAction
}

func (r Rule) matches(d Diagnostic) bool {
	if r.Source != "" && r.Source != d.Source {
		return false
	}
	if d.Severity < r.MinSeverity {
		return false
	}
	if r.Pattern != nil && !r.Pattern.MatchString(d.Message) {
		return false
	}
	return true
}

// Filter is an ordered rule table with a fallback action.
type Filter struct {
	Rules    []Rule
	Fallback RuleAction
}

// Allow reports whether the diagnostic should be surfaced.
func (f *Filter) Allow(d Diagnostic) bool {
	for _, r := range f.Rules {
		if r.matches(d) {
			return r.Action == ActionAllow
		}
	}
	return f.Fallback == ActionAllow
}

// DefaultFilter suppresses blank lines and known-noisy progress chatter,
// allows everything else.
func DefaultFilter() *Filter {
	return &Filter{
		Rules: []Rule{
			{Pattern: regexp.MustCompile(`^\s*$`), Action: ActionSuppress},
			{Pattern: regexp.MustCompile(`^(Spinner|Progress):`), Action: ActionSuppress},
		},
		Fallback: ActionAllow,
	}
}

// classifyStderr turns one stderr line into a Diagnostic, inferring severity
// from a leading level token when present.
func classifyStderr(line string) Diagnostic {
	d := Diagnostic{Severity: SeverityInfo, Source: "engine-stderr", Message: line}

	lower := strings.ToLower(line)
	switch {
	case strings.HasPrefix(lower, "error"), strings.HasPrefix(lower, "fatal"), strings.HasPrefix(lower, "panic"):
		d.Severity = SeverityError
	case strings.HasPrefix(lower, "warn"):
		d.Severity = SeverityWarn
	}
	return d
}
