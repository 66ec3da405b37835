// Package email holds small helpers for addressing people by email.
package email

import (
	"strings"
	"unicode"
)

// GreetingName derives a friendly first name from the local part of an address,
// e.g. "jane.doe+index@example.org" gives "Jane". Falls back to "there".
func GreetingName(address string) string {
	localPart := address
	if at := strings.IndexByte(address, '@'); at > 0 {
		localPart = address[:at]
	}

	parts := strings.FieldsFunc(localPart, func(r rune) bool {
		return r == '.' || r == '_' || r == '-' || r == '+'
	})
	if len(parts) == 0 || !unicode.IsLetter([]rune(parts[0])[0]) {
		return "there"
	}
	return capitalize(parts[0])
}

// Mask hides most of an address for log lines: "jane.doe@example.org" gives "j***@example.org".
func Mask(address string) string {
	at := strings.LastIndexByte(address, '@')
	if at <= 0 {
		return "***"
	}
	first := []rune(address[:at])[0]
	return string(first) + "***" + address[at:]
}

func capitalize(s string) string {
	if s == "" {
		return s
	}

	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
