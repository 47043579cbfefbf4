// Package matching reconciles internal directory identities with the
// external compute federation roster into canonical user records.
package matching

import (
	"regexp"
	"slices"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Pre-compiled regular expressions for name normalization.
var (
	// Apostrophes and quotes join name parts ("O'Brien" -> "obrien"), the
	// rest of the punctuation separates them ("Jean-Paul" -> "jean paul").
	apostropheRe  = regexp.MustCompile(`['"]+`)
	punctuationRe = regexp.MustCompile(`[.,;:()_/\\-]+`)
	whitespaceRe  = regexp.MustCompile(`\s+`)
	usernameRe    = regexp.MustCompile(`[^a-z0-9]+`)
)

// Honorifics and suffixes stripped during name normalization.
var (
	nameHonorifics = []string{"dr", "prof", "mr", "mrs", "ms", "mx"}
	nameSuffixes   = []string{"jr", "sr", "ii", "iii", "iv", "phd", "md"}
)

// NormalizeName canonicalizes a free-text person name into a comparable form:
// lower-cased, diacritics stripped, punctuation and whitespace collapsed,
// honorifics and suffixes removed. It must be applied identically to names
// from every source before any comparison.
func NormalizeName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	if s == "" {
		return s
	}

	s = stripDiacritics(s)
	s = apostropheRe.ReplaceAllString(s, "")
	s = punctuationRe.ReplaceAllString(s, " ")
	s = whitespaceRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)

	words := strings.Split(s, " ")
	for len(words) > 1 && slices.Contains(nameHonorifics, words[0]) {
		words = words[1:]
	}

	for len(words) > 1 && slices.Contains(nameSuffixes, words[len(words)-1]) {
		words = words[:len(words)-1]
	}

	return strings.Join(words, " ")
}

// NormalizeUsername canonicalizes an account username: lower-cased,
// diacritics stripped, everything outside [a-z0-9] removed.
func NormalizeUsername(username string) string {
	s := stripDiacritics(strings.ToLower(strings.TrimSpace(username)))

	return usernameRe.ReplaceAllString(s, "")
}

// EmailLocalPart returns the part of an email address before the "@",
// lower-cased. The whole input is returned when it contains no "@".
func EmailLocalPart(email string) string {
	local, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(email)), "@")

	return local
}

// stripDiacritics removes diacritical marks from a string by decomposing it
// into NFD form and dropping combining marks (unicode.Mn).
func stripDiacritics(s string) string {
	decomposed := norm.NFD.String(s)

	var result strings.Builder

	result.Grow(len(decomposed))

	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}

		result.WriteRune(r)
	}

	return result.String()
}
