package report

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mikeboe/report-helper/pkg/completion"
	"github.com/mikeboe/report-helper/pkg/metrics"
)

// UpdateType tags one update fragment.
type UpdateType string

const (
	SectionOrdering      UpdateType = "SECTION_ORDERING"
	DataEnrichment       UpdateType = "DATA_ENRICHMENT"
	AddSection           UpdateType = "ADD_SECTION"
	RemoveSection        UpdateType = "REMOVE_SECTION"
	MergeSections        UpdateType = "MERGE_SECTIONS"
	UpdateNumericValues  UpdateType = "UPDATE_NUMERIC_VALUES"
	FixFactualError      UpdateType = "FIX_FACTUAL_ERROR"
	LanguageToneChange   UpdateType = "LANGUAGE_TONE_CHANGE"
	GeneralFormatting    UpdateType = "GENERAL_FORMATTING"
	BulletStyleChange    UpdateType = "BULLET_STYLE_CHANGE"
	VisualTypeChange     UpdateType = "VISUAL_TYPE_CHANGE"
	VisualDataCorrection UpdateType = "VISUAL_DATA_CORRECTION"
)

// AllUpdateTypes lists every update type; each must have a fragment handler.
var AllUpdateTypes = []UpdateType{
	SectionOrdering, DataEnrichment, AddSection, RemoveSection, MergeSections,
	UpdateNumericValues, FixFactualError, LanguageToneChange,
	GeneralFormatting, BulletStyleChange, VisualTypeChange, VisualDataCorrection,
}

func (t UpdateType) Valid() bool {
	for _, v := range AllUpdateTypes {
		if t == v {
			return true
		}
	}
	return false
}

func (t UpdateType) formatting() bool {
	return t == GeneralFormatting || t == BulletStyleChange || t == LanguageToneChange
}

func (t UpdateType) visual() bool {
	return t == VisualTypeChange || t == VisualDataCorrection
}

// OutputStyle is how new or rewritten content should be rendered.
type OutputStyle string

const (
	StyleParagraph OutputStyle = "paragraph"
	StyleBullets   OutputStyle = "bullets"
	StyleTable     OutputStyle = "table"
	StyleChart     OutputStyle = "chart"
)

func (s OutputStyle) normalized() OutputStyle {
	switch s {
	case StyleBullets, StyleTable, StyleChart:
		return s
	default:
		return StyleParagraph
	}
}

// Replacement is a literal text substitution.
type Replacement struct {
	Find    string `json:"find"`
	Replace string `json:"replace"`
}

// UpdateFragment is one typed instruction extracted from a change request.
// TargetSections holds outline indexes as parsed (nil means all sections);
// Targets holds the same sections by title, which is what handlers resolve.
type UpdateFragment struct {
	UpdateType     UpdateType      `json:"update_type"`
	TargetSections []int           `json:"target_sections"`
	TargetVisuals  []string        `json:"target_visuals"`
	Note           string          `json:"note"`
	NeedResearch   bool            `json:"need_research"`
	ResearchTopics []string        `json:"research_topics"`
	OutputStyle    OutputStyle     `json:"output_style"`
	NewSection     *OutlineSection `json:"new_section,omitempty"`
	Replacements   []Replacement   `json:"replacements,omitempty"`

	Targets []string `json:"targets,omitempty"`
}

// UpdateRequest is the parsed form of a change request.
type UpdateRequest struct {
	Fragments []UpdateFragment `json:"fragments"`
}

// Planner parses change requests into fragments, gathers research once and applies
// the fragments to a report.
type Planner struct {
	Engine   *Engine
	Research Researcher
	Logger   *slog.Logger
}

func NewPlanner(engine *Engine, research Researcher) *Planner {
	return &Planner{Engine: engine, Research: research, Logger: slog.Default()}
}

func (p *Planner) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Parse turns request into fragments. Malformed model output falls back to a
// keyword heuristic; Parse only fails on cancellation.
func (p *Planner) Parse(ctx context.Context, titles []string, request string) (UpdateRequest, error) {
	var req UpdateRequest
	err := completion.JSON(ctx, p.Engine.fast(), completion.Request{
		System: fragmentsSystemPrompt,
		Prompt: fragmentsPrompt(titles, request),
		Schema: fragmentsSchema(),
	}, &req, func(r *UpdateRequest) error {
		if len(r.Fragments) == 0 {
			return fmt.Errorf("no fragments")
		}
		for _, f := range r.Fragments {
			if !f.UpdateType.Valid() {
				return fmt.Errorf("unknown update type %q", f.UpdateType)
			}
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return UpdateRequest{}, ctx.Err()
		}
		p.logger().Warn("Fragment parsing failed, using heuristics", "request", request, "error", err)
		req = heuristicFragments(titles, request)
	}

	for i := range req.Fragments {
		req.Fragments[i] = normalizeFragment(req.Fragments[i], titles, request)
	}
	p.logger().Info("Parsed update request", "fragments", len(req.Fragments))
	return req, nil
}

// normalizeFragment enforces the structural rules on a parsed fragment and resolves
// target indexes to titles.
func normalizeFragment(f UpdateFragment, titles []string, request string) UpdateFragment {
	f.OutputStyle = f.OutputStyle.normalized()
	f.Note = strings.TrimSpace(f.Note)
	if f.Note == "" {
		f.Note = request
	}

	switch {
	case f.UpdateType == DataEnrichment:
		f.NeedResearch = true
		if len(dropBlank(f.ResearchTopics)) == 0 {
			f.ResearchTopics = []string{f.Note}
		}
		if f.TargetSections == nil {
			f.TargetSections = matchTarget(titles, f.Note, request)
		}
	case f.UpdateType.formatting():
		f.NeedResearch = false
		f.ResearchTopics = nil
	case f.UpdateType.visual():
		f.NeedResearch = false
		f.ResearchTopics = nil
		f.TargetSections = nil
	}
	f.ResearchTopics = dropBlank(f.ResearchTopics)
	if !f.NeedResearch {
		f.ResearchTopics = nil
	}

	f.Targets = nil
	if f.TargetSections != nil {
		valid := make([]int, 0, len(f.TargetSections))
		f.Targets = []string{}
		for _, idx := range f.TargetSections {
			if idx < 0 || idx >= len(titles) {
				continue
			}
			valid = append(valid, idx)
			f.Targets = append(f.Targets, titles[idx])
		}
		f.TargetSections = valid
	}
	return f
}

// matchTarget returns the best keyword match for the first of texts that matches
// any title, or nil.
func matchTarget(titles []string, texts ...string) []int {
	outline := make([]SectionState, len(titles))
	for i, t := range titles {
		outline[i].Title = t
	}
	for _, text := range texts {
		if idx := bestSectionMatch(outline, text); idx >= 0 {
			return []int{idx}
		}
	}
	return nil
}

// heuristicFragments derives a single fragment from keywords in the request.
func heuristicFragments(titles []string, request string) UpdateRequest {
	lower := strings.ToLower(request)
	has := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(lower, w) {
				return true
			}
		}
		return false
	}

	f := UpdateFragment{Note: request, UpdateType: DataEnrichment}
	switch {
	case has("table"):
		f.OutputStyle = StyleTable
	case has("bullet", "list"):
		f.OutputStyle = StyleBullets
	}

	targets := indexesOf(titles, matchingTitles(titles, request))
	switch {
	case has("chart", "graph", "visual", "diagram"):
		f.UpdateType = VisualTypeChange
		f.OutputStyle = StyleChart
	case has("remove", "delete", "drop ") && len(targets) > 0:
		f.UpdateType = RemoveSection
		f.TargetSections = targets
	case has("merge", "combine") && len(targets) > 1:
		f.UpdateType = MergeSections
		f.TargetSections = targets
	case has("tone", "formal", "casual", "wording", "language"):
		f.UpdateType = LanguageToneChange
	case has("bullet"):
		f.UpdateType = BulletStyleChange
	case has("format"):
		f.UpdateType = GeneralFormatting
	default:
		f.UpdateType = DataEnrichment
		f.NeedResearch = true
		f.ResearchTopics = []string{request}
		f.TargetSections = targets
		if len(targets) > 1 {
			f.TargetSections = targets[:1]
		}
	}
	return UpdateRequest{Fragments: []UpdateFragment{f}}
}

func indexesOf(titles, subset []string) []int {
	var out []int
	for i, t := range titles {
		for _, s := range subset {
			if t == s {
				out = append(out, i)
				break
			}
		}
	}
	return out
}

// Apply parses request, gathers research for all fragments at once, applies the
// fragments in order and recompiles the report.
func (p *Planner) Apply(ctx context.Context, state ReportState, request string) (ReportState, error) {
	if len(state.Outline) == 0 {
		return state, ErrNoReport
	}
	metrics.ReportsStarted.WithLabelValues("fragments").Inc()
	start := time.Now()
	defer func() {
		metrics.ReportDuration.WithLabelValues("fragments").Observe(time.Since(start).Seconds())
	}()

	parsed, err := p.Parse(ctx, state.Titles(), request)
	if err != nil {
		metrics.ReportsCompleted.WithLabelValues("fragments", "failed").Inc()
		return state, err
	}

	out, err := p.ApplyFragments(ctx, state, parsed)
	if err != nil {
		metrics.ReportsCompleted.WithLabelValues("fragments", "failed").Inc()
		return state, err
	}
	out.UpdateQuery = request
	metrics.ReportsCompleted.WithLabelValues("fragments", "completed").Inc()
	return out, nil
}

// ApplyFragments runs research once for every fragment topic and then dispatches
// each fragment to its handler in list order.
func (p *Planner) ApplyFragments(ctx context.Context, state ReportState, req UpdateRequest) (ReportState, error) {
	state = state.Clone()
	state.Config = state.Config.withDefaults()

	findings := map[string]Finding{}
	if topics := researchTopics(req); len(topics) > 0 && p.Research != nil {
		var err error
		findings, err = p.Research.Research(ctx, ResearchRequest{
			Topic:       state.Topic,
			Topics:      topics,
			Scope:       state.Scope(),
			Enabled:     state.Capabilities.And(state.Config.Sources).enabled(),
			TokenBudget: state.Config.ResearchTokenBudget,
		})
		if err != nil {
			if ctx.Err() != nil {
				return state, ctx.Err()
			}
			p.logger().Warn("Research failed, applying fragments without new evidence", "error", err)
			state.warn("research failed: %v", err)
			findings = map[string]Finding{}
		}
	}

	for i, f := range req.Fragments {
		handler := handlerFor(f.UpdateType)
		if handler == nil {
			metrics.FragmentsApplied.WithLabelValues(string(f.UpdateType), "unsupported").Inc()
			state.warn("fragment %d: unsupported update type %q", i, f.UpdateType)
			continue
		}

		next, err := handler(ctx, p, state, f, findings)
		if err != nil {
			metrics.FragmentsApplied.WithLabelValues(string(f.UpdateType), "failed").Inc()
			return state, fmt.Errorf("fragment %d (%s): %w", i, f.UpdateType, err)
		}
		state = next
		metrics.FragmentsApplied.WithLabelValues(string(f.UpdateType), "applied").Inc()
		p.logger().Info("Applied update fragment", "index", i, "type", f.UpdateType, "targets", f.Targets)
	}

	return compileState(state), nil
}

// researchTopics flattens every fragment's topics, keeping first occurrences.
func researchTopics(req UpdateRequest) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range req.Fragments {
		if !f.NeedResearch {
			continue
		}
		for _, t := range f.ResearchTopics {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}
