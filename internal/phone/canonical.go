// Package phone resolves wire-level WhatsApp member ids to the local spellings
// a conversation may have been stored under.
package phone

import (
	"regexp"
	"strings"
)

// Brazilian mobile numbers gained a leading "9" in the subscriber part; the
// WhatsApp network still reports many accounts without it.
var brMobile = regexp.MustCompile(`^55([1-9]{2})(9?)([6-9]\d{7})$`)

// Normalize strips everything but digits.
func Normalize(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsLocalMobile reports whether id is subject to the mobile-digit ambiguity.
func IsLocalMobile(id string) bool {
	return brMobile.MatchString(Normalize(id))
}

// Variants returns the equivalent spellings of id: the 13-digit form (with the
// mobile digit) first, then the 12-digit form. Ids that are not local mobile
// numbers are returned as-is.
func Variants(id string) []string {
	n := Normalize(id)
	m := brMobile.FindStringSubmatch(n)
	if m == nil {
		if n == "" {
			return []string{id}
		}
		return []string{n}
	}
	ddd, subscriber := m[1], m[3]
	return []string{
		"55" + ddd + "9" + subscriber,
		"55" + ddd + subscriber,
	}
}

// Canonical returns the single form used for keys (sequencer counters, cache
// entries) so both spellings of one member collapse onto the same key.
func Canonical(id string) string {
	return Variants(id)[0]
}
