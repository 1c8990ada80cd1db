// Package header pulls the sender and subject out of a raw message and
// reduces the sender to a bare email address.
package header

import (
	"mime"
	"strings"

	"github.com/emersion/go-message/charset"

	"github.com/dhcgn/mail-classifier/casefold"
	"github.com/dhcgn/mail-classifier/model"
)

const (
	fromPrefix    = "from:"
	subjectPrefix = "subject:"

	addressCutset = ",;\"'()<>"
)

// Extract scans raw line by line and returns the first From line (prefix
// included) and the value of the first Subject line. Missing headers are
// returned as empty strings.
func Extract(raw []byte) model.HeaderPair {
	var pair model.HeaderPair
	var haveFrom, haveSubject bool

	text := strings.ToValidUTF8(string(raw), "\uFFFD")

	for len(text) > 0 && !(haveFrom && haveSubject) {
		var line string
		line, text = nextLine(text)
		line = strings.TrimSpace(line)

		switch {
		case !haveFrom && hasPrefixFold(line, fromPrefix):
			pair.From = line
			haveFrom = true
		case !haveSubject && hasPrefixFold(line, subjectPrefix):
			pair.Subject = strings.TrimSpace(line[len(subjectPrefix):])
			haveSubject = true
		}
	}

	return pair
}

// NormalizeAddress extracts a lowercase email address from a From header
// value. The bracketed "Name <addr>" form wins; otherwise the first
// whitespace-separated token containing '@' is used. A bracket holding only
// whitespace counts as absent. It returns "" when neither form is present.
func NormalizeAddress(fromLine string) string {
	s := strings.TrimSpace(fromLine)

	l := strings.IndexByte(s, '<')
	r := strings.IndexByte(s, '>')
	if l >= 0 && r > l+1 {
		if addr := strings.TrimSpace(s[l+1 : r]); addr != "" {
			return casefold.Lower(addr)
		}
	}

	for _, token := range strings.Fields(s) {
		if strings.Contains(token, "@") {
			return casefold.Lower(strings.Trim(token, addressCutset))
		}
	}

	return ""
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// DecodeSubject decodes RFC 2047 encoded-words. The input is returned
// unchanged when it cannot be decoded.
func DecodeSubject(subject string) string {
	if !strings.Contains(subject, "=?") {
		return subject
	}
	decoded, err := wordDecoder.DecodeHeader(subject)
	if err != nil {
		return subject
	}
	return decoded
}

// nextLine splits off the first line of s, accepting "\r\n", "\n" and a
// lone "\r" as terminators.
func nextLine(s string) (line, rest string) {
	i := strings.IndexAny(s, "\r\n")
	if i < 0 {
		return s, ""
	}
	if s[i] == '\r' && i+1 < len(s) && s[i+1] == '\n' {
		return s[:i], s[i+2:]
	}
	return s[:i], s[i+1:]
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
