package assembler

import (
	"strings"
	"unicode/utf8"
)

// TruncationMarker ends every context block that had to be cut.
const TruncationMarker = "\n\n[context truncated]"

const sectionSeparator = "\n\n"

// Section is one labeled part of the context block.
type Section struct {
	Label string
	Body  string
}

func (s Section) render() string {
	body := strings.TrimSpace(s.Body)
	if body == "" {
		return ""
	}
	if s.Label == "" {
		return body
	}
	return "### " + s.Label + "\n" + body
}

// FitToBudget joins sections in order and keeps the result within budget
// runes. The section that overflows is cut at a line or sentence boundary
// when one lies in its second half, otherwise hard-cut. Later sections are
// dropped and TruncationMarker is appended.
func FitToBudget(sections []Section, budget int) (string, bool) {
	rendered := make([]string, 0, len(sections))
	total := 0
	for _, s := range sections {
		text := s.render()
		if text == "" {
			continue
		}
		if len(rendered) > 0 {
			total += utf8.RuneCountInString(sectionSeparator)
		}
		total += utf8.RuneCountInString(text)
		rendered = append(rendered, text)
	}
	if total <= budget {
		return strings.Join(rendered, sectionSeparator), false
	}
	if budget <= 0 {
		return "", true
	}

	markerLen := utf8.RuneCountInString(TruncationMarker)
	allowed := budget - markerLen
	if allowed <= 0 {
		return string([]rune(strings.TrimLeft(TruncationMarker, "\n"))[:min(budget, markerLen-2)]), true
	}

	var b strings.Builder
	used := 0
	for _, text := range rendered {
		sep := 0
		if used > 0 {
			sep = utf8.RuneCountInString(sectionSeparator)
		}
		n := utf8.RuneCountInString(text)
		if used+sep+n <= allowed {
			if sep > 0 {
				b.WriteString(sectionSeparator)
			}
			b.WriteString(text)
			used += sep + n
			continue
		}
		room := allowed - used - sep
		if cut := cutAtBoundary(text, room); cut != "" {
			if sep > 0 {
				b.WriteString(sectionSeparator)
			}
			b.WriteString(cut)
		}
		break
	}
	b.WriteString(TruncationMarker)
	return b.String(), true
}

// cutAtBoundary shortens text to at most limit runes, preferring the last
// line break or sentence end in the second half of the kept prefix.
func cutAtBoundary(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	prefix := runes[:limit]
	for i := len(prefix) - 1; i >= limit/2; i-- {
		switch prefix[i] {
		case '\n':
			return strings.TrimRight(string(prefix[:i]), " \t\n")
		case '.', '!', '?', '。':
			if i+1 == len(prefix) || prefix[i+1] == ' ' || prefix[i+1] == '\n' {
				return string(prefix[:i+1])
			}
		}
	}
	return string(prefix)
}
