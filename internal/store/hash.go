package store

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// ContentHash returns the hex sha256 of text.
func ContentHash(text string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(text)))
}

// ComputeHash hashes an ordered list of parts. Parts are length-prefixed so
// ("ab", "c") and ("a", "bc") hash differently.
func ComputeHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		fmt.Fprintf(h, "%d:%s\n", len(p), p)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// NormalizeTokens collapses runs of whitespace to a single space and trims
// the ends. Used for call hashes so formatting-only edits do not invalidate.
func NormalizeTokens(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
