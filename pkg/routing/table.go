// Package routing provides prioritized decision tables.
//
// A Table evaluates (predicate, target) rules in order and falls back to an
// explicit default, replacing keyword branching hardcoded in control flow.
package routing

import "strings"

// DefaultRule is the rule name reported when no rule matches.
const DefaultRule = "default"

// Rule pairs a predicate with the target it selects.
type Rule[In, Out any] struct {
	Name   string
	Match  func(In) bool
	Target Out
}

// Table is an ordered list of rules with a default. It is immutable once built.
type Table[In, Out any] struct {
	rules    []Rule[In, Out]
	fallback Out
}

// NewTable builds a table. Earlier rules win.
func NewTable[In, Out any](fallback Out, rules ...Rule[In, Out]) *Table[In, Out] {
	return &Table[In, Out]{
		rules:    append([]Rule[In, Out](nil), rules...),
		fallback: fallback,
	}
}

// Resolve returns the target of the first matching rule and its name, or the
// default and DefaultRule.
func (t *Table[In, Out]) Resolve(in In) (Out, string) {
	for _, r := range t.rules {
		if r.Match != nil && r.Match(in) {
			return r.Target, r.Name
		}
	}
	return t.fallback, DefaultRule
}

// Prepend returns a new table whose rules are evaluated before t's.
func (t *Table[In, Out]) Prepend(rules ...Rule[In, Out]) *Table[In, Out] {
	merged := append(append([]Rule[In, Out](nil), rules...), t.rules...)
	return &Table[In, Out]{rules: merged, fallback: t.fallback}
}

// Default returns the fallback target.
func (t *Table[In, Out]) Default() Out {
	return t.fallback
}

// Len returns the number of rules, excluding the default.
func (t *Table[In, Out]) Len() int {
	return len(t.rules)
}

// ContainsAny returns a case-insensitive substring predicate over text.
func ContainsAny(needles ...string) func(string) bool {
	lowered := make([]string, len(needles))
	for i, n := range needles {
		lowered[i] = strings.ToLower(n)
	}
	return func(s string) bool {
		s = strings.ToLower(s)
		for _, n := range lowered {
			if strings.Contains(s, n) {
				return true
			}
		}
		return false
	}
}
