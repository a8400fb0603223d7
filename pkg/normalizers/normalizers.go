// Package normalizers provides the string normalization used to build person matching keys
package normalizers

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Normalizer is a function that normalizes a string value
type Normalizer func(string) string

var registry = make(map[string]Normalizer)

func init() {
	Register("trim", Trim)
	Register("nfc", NFC)
	Register("casefold", CaseFold)
	Register("collapse_whitespace", CollapseWhitespace)
	Register("comma_spacing", CommaSpacing)
	Register("nperson", PersonKey)
	Register("ncc", CompetenceCenter)
}

// Register adds a normalizer to the registry
func Register(name string, fn Normalizer) {
	registry[name] = fn
}

// Get retrieves a normalizer by name
func Get(name string) (Normalizer, bool) {
	fn, ok := registry[name]
	return fn, ok
}

// Apply applies a named normalizer to a value. Unknown names leave the value untouched.
func Apply(value, normalizer string) string {
	fn, ok := registry[normalizer]
	if !ok {
		return value
	}
	return fn(value)
}

// ApplyChain applies multiple normalizers in sequence
func ApplyChain(value string, normalizers ...string) string {
	result := value
	for _, name := range normalizers {
		result = Apply(result, name)
	}
	return result
}

// Trim removes leading and trailing whitespace
func Trim(s string) string {
	return strings.TrimSpace(s)
}

// NFC composes combining sequences so "Müller" and "Müller" compare equal
func NFC(s string) string {
	return norm.NFC.String(s)
}

// CaseFold folds case with Unicode rules, so "STRAẞE" and "strasse" compare equal
func CaseFold(s string) string {
	return cases.Fold().String(s)
}

// CollapseWhitespace replaces every run of whitespace (including non-breaking spaces) with one space
func CollapseWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !prevSpace {
				b.WriteRune(' ')
			}
			prevSpace = true
			continue
		}
		b.WriteRune(r)
		prevSpace = false
	}
	return strings.TrimSpace(b.String())
}

// CommaSpacing rewrites "Last ,First" and "Last,First" to "Last, First"
func CommaSpacing(s string) string {
	if !strings.Contains(s, ",") {
		return s
	}
	parts := strings.Split(s, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// PersonKey builds the matching key of a "Last, First" display name.
// Two spellings of the same name that differ only in case, Unicode composition,
// whitespace or spacing around the comma produce the same key.
func PersonKey(s string) string {
	return ApplyChain(s, "nfc", "collapse_whitespace", "comma_spacing", "casefold")
}

// CompetenceCenter normalizes a competence center label for comparisons
func CompetenceCenter(s string) string {
	return ApplyChain(s, "nfc", "collapse_whitespace", "casefold")
}
