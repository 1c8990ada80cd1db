// Package rules holds the ordered, named sender/subject rules messages are
// classified against, and reads them from JSON, YAML or TOML files.
package rules

import (
	"iter"
	"strings"
)

// Rule pairs a sender pattern with a subject pattern. Empty patterns match
// anything.
type Rule struct {
	Name   string `json:"name"`
	Sender string `json:"sender"`
	Header string `json:"header"`
}

// RuleSet is an immutable, insertion-ordered collection of rules with
// unique names. A nil *RuleSet behaves like an empty set.
type RuleSet struct {
	rules []Rule
	index map[string]int
}

// New builds a RuleSet from rules in the given order. Patterns are trimmed.
// A repeated name keeps the position of its first occurrence and the
// patterns of its last.
func New(rules ...Rule) *RuleSet {
	set := &RuleSet{
		rules: make([]Rule, 0, len(rules)),
		index: make(map[string]int, len(rules)),
	}
	for _, r := range rules {
		r.Sender = strings.TrimSpace(r.Sender)
		r.Header = strings.TrimSpace(r.Header)
		if i, ok := set.index[r.Name]; ok {
			set.rules[i] = r
			continue
		}
		set.index[r.Name] = len(set.rules)
		set.rules = append(set.rules, r)
	}
	return set
}

// Empty returns a set without rules.
func Empty() *RuleSet {
	return New()
}

func (s *RuleSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// All yields the rules in evaluation order.
func (s *RuleSet) All() iter.Seq[Rule] {
	return func(yield func(Rule) bool) {
		if s == nil {
			return
		}
		for _, r := range s.rules {
			if !yield(r) {
				return
			}
		}
	}
}

// Rules returns a copy of the rules in evaluation order.
func (s *RuleSet) Rules() []Rule {
	if s == nil {
		return nil
	}
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Names returns the rule names in evaluation order.
func (s *RuleSet) Names() []string {
	names := make([]string, 0, s.Len())
	for r := range s.All() {
		names = append(names, r.Name)
	}
	return names
}

func (s *RuleSet) Get(name string) (Rule, bool) {
	if s == nil {
		return Rule{}, false
	}
	i, ok := s.index[name]
	if !ok {
		return Rule{}, false
	}
	return s.rules[i], true
}
