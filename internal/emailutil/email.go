package emailutil

import (
	"strings"
	"unicode/utf8"
)

// Normalize normalizes an email address for consistent comparison
// by converting to lowercase and trimming whitespace
func Normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Mask hides the local part of an address for log output, keeping the
// first character and the domain: "alice@lab.org" becomes "a***@lab.org".
func Mask(email string) string {
	local, domain, ok := strings.Cut(Normalize(email), "@")
	if !ok || local == "" {
		return "***"
	}
	_, size := utf8.DecodeRuneInString(local)
	return local[:size] + "***@" + domain
}
