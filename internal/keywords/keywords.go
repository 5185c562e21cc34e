// Package keywords turns free text into a normalized keyword set.
package keywords

import (
	"strings"
	"unicode"
)

// MinLength is the shortest token kept as a keyword.
const MinLength = 3

// Extract lower-cases text, splits it on non-alphanumeric runes and drops
// short tokens and stop words. Each keyword appears once, in first-seen
// order. Empty input yields an empty, non-nil slice.
func Extract(text string) []string {
	out := make([]string, 0)
	if text == "" {
		return out
	}
	seen := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(text), isSeparator) {
		if len([]rune(w)) < MinLength || stopWords[w] {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

// Overlap counts keywords present in both sets.
func Overlap(a, b []string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, w := range a {
		set[w] = struct{}{}
	}
	n := 0
	for _, w := range b {
		if _, ok := set[w]; ok {
			n++
			delete(set, w)
		}
	}
	return n
}

func isSeparator(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "can": true, "had": true,
	"her": true, "was": true, "one": true, "our": true, "out": true,
	"has": true, "its": true, "let": true, "may": true, "who": true,
	"did": true, "get": true, "got": true, "him": true, "his": true,
	"how": true, "now": true, "see": true, "too": true, "use": true,
	"any": true, "she": true, "why": true, "yes": true, "yet": true,
	"that": true, "with": true, "have": true, "this": true, "will": true,
	"your": true, "from": true, "they": true, "been": true, "said": true,
	"each": true, "which": true, "their": true, "what": true, "about": true,
	"would": true, "there": true, "when": true, "make": true, "like": true,
	"just": true, "know": true, "take": true, "come": true, "could": true,
	"than": true, "look": true, "only": true, "into": true, "over": true,
	"such": true, "also": true, "back": true, "some": true, "them": true,
	"then": true, "these": true, "those": true, "thing": true, "where": true,
	"much": true, "should": true, "well": true, "after": true, "before": true,
	"were": true, "being": true, "does": true, "doing": true, "here": true,
	"very": true, "more": true, "most": true, "other": true, "again": true,
	"please": true, "thanks": true, "tell": true, "give": true, "want": true,
}
