// Package casefold lowercases text one character at a time using the full
// Unicode lowercase mapping.
package casefold

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// capitalDotI is the only rune whose full lowercase mapping is longer than
// its simple mapping.
const capitalDotI = '\u0130'

// Lower returns s with every rune replaced by its lowercase form. No
// context-sensitive rules apply, so each character folds the same way
// wherever it appears. Invalid UTF-8 becomes U+FFFD.
func Lower(s string) string {
	if isLowerASCII(s) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == capitalDotI {
			b.WriteString("i\u0307")
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// Equal reports whether a and b are equal after folding.
func Equal(a, b string) bool {
	return Lower(a) == Lower(b)
}

func isLowerASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= utf8.RuneSelf || ('A' <= c && c <= 'Z') {
			return false
		}
	}
	return true
}
