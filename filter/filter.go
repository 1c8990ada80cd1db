// Package filter decides which rule, if any, a normalized sender and subject
// fall under.
package filter

import (
	"strings"

	"github.com/dhcgn/mail-classifier/casefold"
	"github.com/dhcgn/mail-classifier/rules"
)

const wildcard = "%"

// SenderMatches compares a sender pattern with a normalized email address.
// An empty pattern matches everything. A pattern starting with '@' matches
// on the domain after the last '@' of email; any other pattern must equal
// the whole address. Comparison ignores case.
func SenderMatches(pattern, email string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return true
	}

	email = strings.TrimSpace(email)
	if domain, ok := strings.CutPrefix(pattern, "@"); ok {
		at := strings.LastIndex(email, "@")
		if at < 0 {
			return false
		}
		return casefold.Equal(email[at+1:], domain)
	}
	return casefold.Equal(email, pattern)
}

// HeaderMatches compares a subject pattern with a subject. An empty pattern
// matches everything. A pattern containing '%' matches when the subject
// contains the pattern with every '%' removed; otherwise the subject must
// equal the pattern. Comparison ignores case.
func HeaderMatches(pattern, subject string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return true
	}

	p := casefold.Lower(pattern)
	s := casefold.Lower(strings.TrimSpace(subject))

	if strings.Contains(p, wildcard) {
		needle := strings.ReplaceAll(p, wildcard, "")
		if needle == "" {
			return true
		}
		return strings.Contains(s, needle)
	}
	return s == p
}

// Matches reports whether both patterns of r accept the message.
func Matches(r rules.Rule, email, subject string) bool {
	return SenderMatches(r.Sender, email) && HeaderMatches(r.Header, subject)
}

// Find returns the first rule of set, in definition order, that matches.
// Later rules are never consulted once one matches.
func Find(set *rules.RuleSet, email, subject string) (rules.Rule, bool) {
	for r := range set.All() {
		if Matches(r, email, subject) {
			return r, true
		}
	}
	return rules.Rule{}, false
}
