package report

import (
	"fmt"
	"strings"
)

// Rejection reasons, also used as metric labels.
const (
	ReasonTooShort    = "too_short"
	ReasonPlaceholder = "placeholder"
	ReasonNoNumbers   = "no_numeric_data"
)

// Rejection explains why a draft failed evaluation.
type Rejection struct {
	Reason  string
	Message string
}

// Evaluate applies the quality heuristics to one draft. An empty result means the
// draft is accepted.
func Evaluate(title, draft string, cfg EvaluationConfig) []Rejection {
	var out []Rejection

	if n := wordCount(draft); n < cfg.MinWords {
		out = append(out, Rejection{
			Reason:  ReasonTooShort,
			Message: fmt.Sprintf("the draft has %d words, at least %d are required", n, cfg.MinWords),
		})
	}

	lower := strings.ToLower(draft)
	for _, marker := range cfg.PlaceholderMarkers {
		if marker != "" && strings.Contains(lower, strings.ToLower(marker)) {
			out = append(out, Rejection{
				Reason:  ReasonPlaceholder,
				Message: fmt.Sprintf("the draft contains the placeholder marker %q", marker),
			})
			break
		}
	}

	if needsNumbers(title, cfg.NumericTitleKeywords) && !hasDigit(draft) {
		out = append(out, Rejection{
			Reason:  ReasonNoNumbers,
			Message: "the section needs concrete figures but the draft contains no numbers",
		})
	}
	return out
}

func needsNumbers(title string, keywords []string) bool {
	title = strings.ToLower(title)
	for _, k := range keywords {
		if k != "" && strings.Contains(title, strings.ToLower(k)) {
			return true
		}
	}
	return false
}
