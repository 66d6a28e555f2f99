package report

import (
	"regexp"
	"strings"
	"unicode"
)

var blankLines = regexp.MustCompile(`\n{3,}`)

func wordCount(s string) int {
	return len(strings.Fields(s))
}

func hasDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// truncateRunes cuts s to at most n runes without splitting UTF-8 sequences.
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// appendBlock joins base and addition with one blank line. base is kept verbatim.
func appendBlock(base, addition string) string {
	addition = strings.TrimSpace(addition)
	if addition == "" {
		return base
	}
	if base == "" {
		return addition
	}
	return base + "\n\n" + addition
}

// singleParagraph collapses model output into one paragraph.
func singleParagraph(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var parts []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#*->"))
		if line != "" {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, " ")
}

var stopWords = map[string]bool{
	"about": true, "add": true, "more": true, "detail": true, "details": true, "section": true,
	"the": true, "and": true, "with": true, "into": true, "from": true, "this": true, "that": true,
	"please": true, "make": true, "should": true, "report": true, "some": true, "also": true,
	"for": true, "to": true, "of": true, "in": true, "on": true, "a": true, "an": true,
}

// keywords lowercases s and returns its significant words.
func keywords(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var out []string
	for _, f := range fields {
		if len(f) < 3 || stopWords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

// overlapScore counts query keywords that appear as a prefix of a candidate word,
// so "market" matches "markets" and "pricing" matches "pricing".
func overlapScore(query []string, candidate string) int {
	words := keywords(candidate)
	score := 0
	for _, q := range query {
		for _, w := range words {
			if strings.HasPrefix(w, q) || strings.HasPrefix(q, w) {
				score++
				break
			}
		}
	}
	return score
}

// bestSectionMatch returns the outline index whose title (weighted) and description
// share the most keywords with text, or -1.
func bestSectionMatch(outline []SectionState, text string) int {
	query := keywords(text)
	best, bestScore := -1, 0
	for i, s := range outline {
		score := 2*overlapScore(query, s.Title) + overlapScore(query, s.Description)
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return best
}

// matchingTitles lists the titles that share a keyword with text, in outline order.
func matchingTitles(titles []string, text string) []string {
	query := keywords(text)
	var out []string
	for _, t := range titles {
		if overlapScore(query, t) > 0 {
			out = append(out, t)
		}
	}
	return out
}
