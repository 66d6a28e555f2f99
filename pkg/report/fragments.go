package report

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/mikeboe/report-helper/pkg/completion"
	"github.com/mikeboe/report-helper/pkg/search"
)

// fragmentHandler applies one fragment and returns the new state. Handlers must not
// touch content outside the fragment's targets.
type fragmentHandler func(ctx context.Context, p *Planner, state ReportState, f UpdateFragment, findings map[string]Finding) (ReportState, error)

func handlerFor(t UpdateType) fragmentHandler {
	switch t {
	case SectionOrdering:
		return applySectionOrdering
	case DataEnrichment:
		return applyDataEnrichment
	case AddSection:
		return applyAddSection
	case RemoveSection:
		return applyRemoveSection
	case MergeSections:
		return applyMergeSections
	case UpdateNumericValues, FixFactualError, LanguageToneChange:
		return applyRewrite
	case GeneralFormatting:
		return applyGeneralFormatting
	case BulletStyleChange:
		return applyBulletStyle
	case VisualTypeChange, VisualDataCorrection:
		return applyVisualRefresh
	default:
		return nil
	}
}

// resolveTargets maps the fragment's titles to current outline indexes. A nil
// target list means every section. Titles that no longer exist are reported.
func resolveTargets(state ReportState, f UpdateFragment) (indexes []int, missing []string) {
	if f.TargetSections == nil {
		for i := range state.Outline {
			indexes = append(indexes, i)
		}
		return indexes, nil
	}
	for _, title := range f.Targets {
		if idx := state.SectionIndex(title); idx >= 0 {
			if !slices.Contains(indexes, idx) {
				indexes = append(indexes, idx)
			}
		} else {
			missing = append(missing, title)
		}
	}
	return indexes, missing
}

func explicitTargets(state *ReportState, f UpdateFragment) []int {
	if f.TargetSections == nil {
		return nil
	}
	indexes, missing := resolveTargets(*state, f)
	for _, m := range missing {
		state.warn("%s: section %q no longer exists, skipped", f.UpdateType, m)
	}
	return indexes
}

func applySectionOrdering(_ context.Context, _ *Planner, state ReportState, f UpdateFragment, _ map[string]Finding) (ReportState, error) {
	state = state.Clone()
	targets := explicitTargets(&state, f)
	if len(targets) != 2 {
		state.warn("%s needs exactly two sections, got %d", f.UpdateType, len(targets))
		return state, nil
	}
	a, b := targets[0], targets[1]
	state.Outline[a], state.Outline[b] = state.Outline[b], state.Outline[a]
	return state, nil
}

// applyDataEnrichment appends a rewrite of the new evidence to every target.
// Existing content always stays a prefix of the result.
func applyDataEnrichment(ctx context.Context, p *Planner, state ReportState, f UpdateFragment, findings map[string]Finding) (ReportState, error) {
	state = state.Clone()
	targets := explicitTargets(&state, f)
	if len(targets) == 0 {
		return state, fmt.Errorf("%w: %q", ErrNoMatchingSection, f.Note)
	}

	var evidence []string
	var citations []search.Citation
	for _, topic := range f.ResearchTopics {
		if finding, ok := findings[topic]; ok && finding.Summary != "" {
			evidence = append(evidence, finding.Summary)
			citations = append(citations, finding.Citations...)
		}
	}
	if len(evidence) == 0 {
		state.warn("%s: no new evidence for %q", f.UpdateType, f.Note)
		return state, nil
	}

	for _, idx := range targets {
		section := state.Outline[idx]
		addition, err := p.Engine.LLM.Complete(ctx, completion.Request{
			System: focusFor(section.ReportType) + "\n\n" + enrichSystemPrompt,
			Prompt: enrichPrompt(section, f.Note, f.OutputStyle, evidence),
		})
		if err != nil {
			if ctx.Err() != nil {
				return state, ctx.Err()
			}
			p.logger().Warn("Enrichment rewrite failed, appending evidence as is", "section", section.Title, "error", err)
			addition = strings.Join(evidence, "\n\n")
		}
		if f.OutputStyle == StyleParagraph {
			addition = singleParagraph(addition)
		}
		section.Content = appendBlock(section.Content, addition)
		section.Context = append(section.Context, evidence...)
		section.Citations = append(section.Citations, citations...)
		state.Outline[idx] = section
	}
	return state, nil
}

// applyAddSection inserts a new section after the first target (or at the end) and
// drafts it with the section engine.
func applyAddSection(ctx context.Context, p *Planner, state ReportState, f UpdateFragment, _ map[string]Finding) (ReportState, error) {
	state = state.Clone()
	if f.NewSection == nil || strings.TrimSpace(f.NewSection.Title) == "" {
		state.warn("%s without a section title, skipped", f.UpdateType)
		return state, nil
	}
	if state.SectionIndex(strings.TrimSpace(f.NewSection.Title)) >= 0 {
		state.warn("%s: section %q already exists, skipped", f.UpdateType, f.NewSection.Title)
		return state, nil
	}

	section, err := NewSectionState(f.NewSection.Title, f.NewSection.Description, state.ReportType, AllSources())
	if err != nil {
		return state, err
	}

	drafted, err := p.Engine.ProcessSection(ctx, state.Topic, state.Scope(), state.sectionCapabilities(section), state.Config, section)
	if err != nil {
		if ctx.Err() != nil {
			return state, ctx.Err()
		}
		state.warn("%s: drafting %q failed: %v", f.UpdateType, section.Title, err)
	}
	section = drafted

	pos := len(state.Outline)
	if targets := explicitTargets(&state, f); len(targets) > 0 {
		pos = targets[0] + 1
	}
	state.Outline = slices.Insert(state.Outline, pos, section)
	return state, nil
}

func applyRemoveSection(_ context.Context, _ *Planner, state ReportState, f UpdateFragment, _ map[string]Finding) (ReportState, error) {
	state = state.Clone()
	targets := explicitTargets(&state, f)
	if len(targets) == 0 {
		state.warn("%s without a target section, skipped", f.UpdateType)
		return state, nil
	}
	state.Outline = removeIndexes(state.Outline, targets)
	return state, nil
}

// applyMergeSections appends the content and evidence of every other target to the
// first target and removes the others.
func applyMergeSections(_ context.Context, _ *Planner, state ReportState, f UpdateFragment, _ map[string]Finding) (ReportState, error) {
	state = state.Clone()
	targets := explicitTargets(&state, f)
	if len(targets) < 2 {
		state.warn("%s needs at least two sections, got %d", f.UpdateType, len(targets))
		return state, nil
	}

	first := state.Outline[targets[0]]
	for _, idx := range targets[1:] {
		other := state.Outline[idx]
		first.Content = appendBlock(first.Content, other.Content)
		first.Context = append(first.Context, other.Context...)
		first.Citations = append(first.Citations, other.Citations...)
		first.WebResults = append(first.WebResults, other.WebResults...)
		first.KnowledgeBaseResults = append(first.KnowledgeBaseResults, other.KnowledgeBaseResults...)
		first.SpreadsheetResults = append(first.SpreadsheetResults, other.SpreadsheetResults...)
	}
	state.Outline[targets[0]] = first
	state.Outline = removeIndexes(state.Outline, targets[1:])
	return state, nil
}

func removeIndexes(outline []SectionState, indexes []int) []SectionState {
	drop := make(map[int]bool, len(indexes))
	for _, i := range indexes {
		drop[i] = true
	}
	out := make([]SectionState, 0, len(outline))
	for i, s := range outline {
		if !drop[i] {
			out = append(out, s)
		}
	}
	return out
}

// applyRewrite handles numeric, factual and tone edits. Literal replacements are
// applied directly; otherwise the model rewrites each target section.
func applyRewrite(ctx context.Context, p *Planner, state ReportState, f UpdateFragment, findings map[string]Finding) (ReportState, error) {
	state = state.Clone()
	targets, missing := resolveTargets(state, f)
	for _, m := range missing {
		state.warn("%s: section %q no longer exists, skipped", f.UpdateType, m)
	}

	if len(f.Replacements) > 0 {
		for _, idx := range targets {
			state.Outline[idx].Content = applyReplacements(state.Outline[idx].Content, f.Replacements)
		}
		return state, nil
	}

	var evidence []string
	for _, topic := range f.ResearchTopics {
		if finding, ok := findings[topic]; ok && finding.Summary != "" {
			evidence = append(evidence, finding.Summary)
		}
	}

	for _, idx := range targets {
		section := state.Outline[idx]
		if strings.TrimSpace(section.Content) == "" {
			continue
		}
		rewritten, err := p.Engine.LLM.Complete(ctx, completion.Request{
			System: rewriteSystemPrompt,
			Prompt: rewritePrompt(section, f.UpdateType, f.Note, evidence),
		})
		if err != nil {
			if ctx.Err() != nil {
				return state, ctx.Err()
			}
			p.logger().Warn("Section rewrite failed, keeping content", "section", section.Title, "error", err)
			state.warn("%s: section %q unchanged: %v", f.UpdateType, section.Title, err)
			continue
		}
		if rewritten = strings.TrimSpace(rewritten); rewritten != "" {
			section.Content = rewritten
			state.Outline[idx] = section
		}
	}
	return state, nil
}

// applyReplacements substitutes longer needles first so overlapping replacements
// behave predictably.
func applyReplacements(content string, replacements []Replacement) string {
	sorted := append([]Replacement(nil), replacements...)
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i].Find) > len(sorted[j].Find) })
	for _, r := range sorted {
		if r.Find == "" {
			continue
		}
		content = strings.ReplaceAll(content, r.Find, r.Replace)
	}
	return content
}

var trailingSpace = regexp.MustCompile(`[ \t]+\n`)

// normalizeFormatting is the text-level cleanup every formatting change applies.
func normalizeFormatting(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = trailingSpace.ReplaceAllString(content, "\n")
	content = blankLines.ReplaceAllString(content, "\n\n")
	return strings.TrimSpace(content)
}

// applyGeneralFormatting normalizes whitespace; with an instruction the model also
// restyles each target, falling back to the normalized text.
func applyGeneralFormatting(ctx context.Context, p *Planner, state ReportState, f UpdateFragment, _ map[string]Finding) (ReportState, error) {
	state = state.Clone()
	targets, _ := resolveTargets(state, f)
	for _, idx := range targets {
		section := state.Outline[idx]
		section.Content = normalizeFormatting(section.Content)
		if f.Note != "" && section.Content != "" {
			restyled, err := p.Engine.LLM.Complete(ctx, completion.Request{
				System: rewriteSystemPrompt,
				Prompt: rewritePrompt(section, f.UpdateType, f.Note, nil),
			})
			if err != nil && ctx.Err() != nil {
				return state, ctx.Err()
			}
			if err == nil && strings.TrimSpace(restyled) != "" {
				section.Content = normalizeFormatting(restyled)
			}
		}
		state.Outline[idx] = section
	}
	return state, nil
}

var bulletLine = regexp.MustCompile(`(?m)^(\s*)(?:[-*•+]|\d+[.)])\s+`)

// applyBulletStyle rewrites list markers of the targets to the style named in the
// note: numbered, asterisk or dash (default).
func applyBulletStyle(_ context.Context, _ *Planner, state ReportState, f UpdateFragment, _ map[string]Finding) (ReportState, error) {
	state = state.Clone()
	targets, _ := resolveTargets(state, f)
	style := bulletStyleFrom(f.Note)
	for _, idx := range targets {
		state.Outline[idx].Content = restyleBullets(state.Outline[idx].Content, style)
	}
	return state, nil
}

func bulletStyleFrom(note string) string {
	note = strings.ToLower(note)
	switch {
	case strings.Contains(note, "number"):
		return "1."
	case strings.Contains(note, "asterisk") || strings.Contains(note, "star"):
		return "*"
	default:
		return "-"
	}
}

func restyleBullets(content, style string) string {
	lines := strings.Split(content, "\n")
	n := 0
	for i, line := range lines {
		loc := bulletLine.FindStringSubmatchIndex(line)
		if loc == nil {
			if strings.TrimSpace(line) == "" {
				n = 0
			}
			continue
		}
		n++
		marker := style
		if style == "1." {
			marker = fmt.Sprintf("%d.", n)
		}
		indent := line[loc[2]:loc[3]]
		lines[i] = indent + marker + " " + line[loc[1]:]
	}
	return strings.Join(lines, "\n")
}

// applyVisualRefresh flags visuals for the separate visuals step; section content is
// not touched.
func applyVisualRefresh(_ context.Context, _ *Planner, state ReportState, f UpdateFragment, _ map[string]Finding) (ReportState, error) {
	state = state.Clone()
	state.VisualRefresh.Required = true
	for _, id := range f.TargetVisuals {
		if !slices.Contains(state.VisualRefresh.VisualIDs, id) {
			state.VisualRefresh.VisualIDs = append(state.VisualRefresh.VisualIDs, id)
		}
	}
	if f.Note != "" {
		state.VisualRefresh.Notes = append(state.VisualRefresh.Notes, fmt.Sprintf("%s: %s", f.UpdateType, f.Note))
	}
	return state, nil
}
