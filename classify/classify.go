// Package classify turns a raw message into a classification result by
// extracting its headers, normalizing the sender and looking up the first
// matching rule.
package classify

import (
	"github.com/dhcgn/mail-classifier/filter"
	"github.com/dhcgn/mail-classifier/header"
	"github.com/dhcgn/mail-classifier/model"
	"github.com/dhcgn/mail-classifier/rules"
)

type Option func(*Classifier)

// WithSubjectDecoding makes the classifier decode RFC 2047 encoded-words in
// the subject before matching and reporting it.
func WithSubjectDecoding(enabled bool) Option {
	return func(c *Classifier) {
		c.decodeSubject = enabled
	}
}

// Classifier is safe for concurrent use; it only reads its rule set.
type Classifier struct {
	rules         *rules.RuleSet
	decodeSubject bool
}

func New(set *rules.RuleSet, opts ...Option) *Classifier {
	if set == nil {
		set = rules.Empty()
	}
	c := &Classifier{rules: set}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Classifier) Rules() *rules.RuleSet {
	return c.rules
}

// Classify never fails. Missing headers and unparsable senders produce
// empty fields and, unless a catch-all rule exists, an unmatched result.
func (c *Classifier) Classify(msg model.RawMessage) model.Result {
	pair := header.Extract(msg.Raw)

	subject := pair.Subject
	if c.decodeSubject {
		subject = header.DecodeSubject(subject)
	}
	email := header.NormalizeAddress(pair.From)

	result := model.Result{
		UID:     msg.UID,
		SeqNum:  msg.SeqNum,
		Email:   email,
		Subject: subject,
	}
	if r, ok := filter.Find(c.rules, email, subject); ok {
		result.Rule = r.Name
		result.Matched = true
	}
	return result
}
