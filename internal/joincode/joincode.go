// Package joincode generates the short human-shareable codes that grant
// membership in a group.
package joincode

import (
	"math/rand/v2"
	"strings"
)

// Alphabet excludes the easily-confused characters I, O, 0 and 1.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Length is the number of characters in a join code.
const Length = 6

// Generate returns a random join code. Uniqueness against existing codes is
// the caller's concern.
func Generate() string {
	var b strings.Builder
	b.Grow(Length)
	for i := 0; i < Length; i++ {
		b.WriteByte(Alphabet[rand.IntN(len(Alphabet))])
	}
	return b.String()
}

// Unique generates codes until one passes the taken predicate.
func Unique(taken func(code string) bool) string {
	code := Generate()
	for taken(code) {
		code = Generate()
	}
	return code
}

// Equal compares two codes case-insensitively. Codes are displayed
// uppercase but users may type them in any case.
func Equal(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
