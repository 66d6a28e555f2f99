package report

import (
	"fmt"
	"strings"

	"github.com/mikeboe/report-helper/pkg/search"
)

// EmptySectionPlaceholder is emitted for sections without content.
const EmptySectionPlaceholder = "_No content was generated for this section._"

// Compile renders the outline in order and returns the deduplicated citations of
// all sections. It is the only producer of ReportState.FinalReport.
func Compile(outline []SectionState) (string, []search.Citation) {
	parts := make([]string, len(outline))
	var citations []search.Citation
	for i, s := range outline {
		content := strings.TrimSpace(s.Content)
		if content == "" {
			content = EmptySectionPlaceholder
		}
		parts[i] = fmt.Sprintf("## %d. %s\n\n%s\n", i+1, s.Title, content)
		citations = append(citations, s.Citations...)
	}
	return strings.Join(parts, "\n"), search.DedupCitations(citations)
}

// compileState writes FinalReport and Citations from the current outline.
func compileState(state ReportState) ReportState {
	state.FinalReport, state.Citations = Compile(state.Outline)
	return state
}

// SectionView is the outward representation of one section.
type SectionView struct {
	Title     string            `json:"title"`
	Content   string            `json:"content"`
	Citations []search.Citation `json:"citations"`
}

// Sections returns the ordered {title, content, citations} view of the report.
func (r ReportState) Sections() []SectionView {
	out := make([]SectionView, len(r.Outline))
	for i, s := range r.Outline {
		out[i] = SectionView{Title: s.Title, Content: s.Content, Citations: search.DedupCitations(s.Citations)}
	}
	return out
}
