package store

import (
	"slices"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var fold = cases.Fold()

// NormalizeAddress returns the canonical registry form of an address.
// Email addresses are case folded. Phone numbers lose their visual
// separators but keep a leading plus sign. Anything else is trimmed and
// NFKC normalized.
func NormalizeAddress(addr string) string {
	a := strings.TrimSpace(norm.NFKC.String(addr))
	if a == "" {
		return ""
	}
	if strings.Contains(a, "@") {
		return fold.String(a)
	}
	if isPhoneLike(a) {
		var b strings.Builder
		for i, r := range a {
			switch {
			case r == '+' && i == 0:
				b.WriteRune(r)
			case unicode.IsDigit(r), r == '*', r == '#':
				b.WriteRune(r)
			}
		}
		return b.String()
	}
	return a
}

func isPhoneLike(a string) bool {
	digits := 0
	for i, r := range a {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == '+' && i == 0:
		case r == ' ', r == '-', r == '(', r == ')', r == '.', r == '*', r == '#':
		default:
			return false
		}
	}
	return digits > 0
}

// NormalizeAddresses normalizes, drops empties, and deduplicates a set of
// addresses. The result is sorted.
func NormalizeAddresses(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if n := NormalizeAddress(a); n != "" {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
