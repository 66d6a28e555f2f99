package report

import (
	"context"
	"fmt"
	"time"

	"github.com/mikeboe/report-helper/pkg/completion"
	"github.com/mikeboe/report-helper/pkg/graph"
	"github.com/mikeboe/report-helper/pkg/metrics"
	"github.com/mikeboe/report-helper/pkg/search"
)

const (
	nodeCheckExists    = "check_exists"
	nodeGenOutline     = "gen_outline"
	nodeInitSections   = "init_sections"
	nodeProcessSection = "process_section"
	nodeRecognize      = "recognize_section"
	nodeUpdateQueries  = "generate_update_queries"
	nodeApplyUpdate    = "apply_update"
	nodeCompileFinal   = "compile_final"
)

const (
	updateQueryCount    = 2
	reportGraphOverhead = 8
)

func (e *Engine) reportGraph() *graph.Graph[ReportState] {
	g := graph.New[ReportState]("report")
	g.Logger = e.logger()

	g.AddNode(nodeCheckExists, checkExists)
	g.AddNode(nodeGenOutline, e.genOutline)
	g.AddNode(nodeInitSections, initSections)
	g.AddNode(nodeProcessSection, e.processSection)
	g.AddNode(nodeRecognize, e.recognizeSection)
	g.AddNode(nodeUpdateQueries, e.generateUpdateQueries)
	g.AddNode(nodeApplyUpdate, e.applyUpdate)
	g.AddNode(nodeCompileFinal, compileFinal)

	g.SetEntryPoint(nodeCheckExists)
	g.AddConditionalEdges(nodeCheckExists, func(s ReportState) string {
		switch {
		case !s.Exists:
			return "build"
		case s.UpdateQuery != "":
			return "update"
		default:
			return "recompile"
		}
	}, map[string]string{
		"build":     nodeGenOutline,
		"update":    nodeRecognize,
		"recompile": nodeCompileFinal,
	})

	g.AddEdge(nodeGenOutline, nodeInitSections)
	nextSection := func(s ReportState) string {
		if s.CurrentSectionIdx < len(s.Outline) {
			return "next"
		}
		return "compile"
	}
	g.AddConditionalEdges(nodeInitSections, nextSection, map[string]string{
		"next":    nodeProcessSection,
		"compile": nodeCompileFinal,
	})
	g.AddConditionalEdges(nodeProcessSection, nextSection, map[string]string{
		"next":    nodeProcessSection,
		"compile": nodeCompileFinal,
	})

	g.AddEdge(nodeRecognize, nodeUpdateQueries)
	g.AddEdge(nodeUpdateQueries, nodeApplyUpdate)
	g.AddEdge(nodeApplyUpdate, nodeCompileFinal)
	g.SetFinishPoint(nodeCompileFinal)
	return g
}

func stepBudget(s ReportState) int {
	return reportGraphOverhead + max(s.Config.MaxSections, len(s.Outline))
}

// Generate runs the report graph: a fresh build when the outline is empty, the
// single-section update path when UpdateQuery is set, otherwise a recompile.
func (e *Engine) Generate(ctx context.Context, state ReportState) (ReportState, error) {
	state = state.Clone()
	state.Config = state.Config.withDefaults()

	path := "build"
	if len(state.Outline) > 0 {
		path = "section_update"
		if state.UpdateQuery == "" {
			path = "recompile"
		}
	}
	metrics.ReportsStarted.WithLabelValues(path).Inc()
	start := time.Now()

	e.logger().Info("Starting report graph", "topic", state.Topic, "report_type", state.ReportType, "path", path)
	out, err := e.reportGraph().Execute(ctx, state, stepBudget(state))
	metrics.ReportDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ReportsCompleted.WithLabelValues(path, "failed").Inc()
		return out, err
	}

	metrics.ReportsCompleted.WithLabelValues(path, "completed").Inc()
	e.logger().Info("Report graph finished", "sections", len(out.Outline), "length", len(out.FinalReport), "warnings", len(out.Warnings))
	return out, nil
}

// UpdateSection appends one researched paragraph to the section that best matches
// query. The state must hold a built outline.
func (e *Engine) UpdateSection(ctx context.Context, state ReportState, query string) (ReportState, error) {
	if len(state.Outline) == 0 {
		return state, ErrNoReport
	}
	if query == "" {
		return state, fmt.Errorf("%w: update query is required", ErrInvalidState)
	}
	state = state.Clone()
	state.UpdateQuery = query
	state.UpdateSectionIndex = nil
	state.UpdateQueries = nil
	return e.Generate(ctx, state)
}

func checkExists(_ context.Context, s ReportState) (ReportState, error) {
	s.Exists = len(s.Outline) > 0
	return s, nil
}

func (e *Engine) genOutline(ctx context.Context, s ReportState) (ReportState, error) {
	s = s.Clone()
	res, err := e.BuildOutline(ctx, OutlineRequest{
		Topic:       s.Topic,
		ReportType:  s.ReportType,
		Headings:    s.Headings,
		Strategy:    s.Config.OutlineStrategy,
		MaxSections: s.Config.MaxSections,
	})
	if err != nil {
		return s, err
	}
	for _, w := range res.Warnings {
		s.warn("%s", w)
	}

	s.Outline = make([]SectionState, 0, len(res.Sections))
	for _, entry := range res.Sections {
		section, err := NewSectionState(entry.Title, entry.Description, s.ReportType, AllSources())
		if err != nil {
			s.warn("skipped outline entry: %v", err)
			continue
		}
		s.Outline = append(s.Outline, section)
	}
	e.logger().Info("Outline ready", "sections", len(s.Outline), "titles", s.Titles())
	return s, nil
}

func initSections(_ context.Context, s ReportState) (ReportState, error) {
	s.CurrentSectionIdx = 0
	return s, nil
}

// processSection drafts outline[cursor] and advances the cursor. Sections run one
// at a time in outline order.
func (e *Engine) processSection(ctx context.Context, s ReportState) (ReportState, error) {
	s = s.Clone()
	idx := s.CurrentSectionIdx
	section := s.Outline[idx]
	e.logger().Info("Processing section", "index", idx, "title", section.Title)

	done, err := e.ProcessSection(ctx, s.Topic, s.Scope(), s.sectionCapabilities(section), s.Config, section)
	if err != nil {
		if ctx.Err() != nil {
			return s, err
		}
		e.logger().Warn("Section engine failed, keeping best effort", "title", section.Title, "error", err)
		s.warn("section %q: %v", section.Title, err)
	}
	s.Outline[idx] = done
	s.CurrentSectionIdx = idx + 1
	return s, nil
}

type sectionMatch struct {
	SectionIndex *int `json:"section_index"`
}

func (e *Engine) recognizeSection(ctx context.Context, s ReportState) (ReportState, error) {
	s = s.Clone()
	var resp sectionMatch
	err := completion.JSON(ctx, e.fast(), completion.Request{
		System: recognizeSystemPrompt,
		Prompt: recognizePrompt(s.UpdateQuery, s.Outline),
		Schema: recognizeSchema,
	}, &resp, func(r *sectionMatch) error {
		if r.SectionIndex != nil && (*r.SectionIndex < 0 || *r.SectionIndex >= len(s.Outline)) {
			return fmt.Errorf("section index %d out of range", *r.SectionIndex)
		}
		return nil
	})

	var idx int
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return s, ctx.Err()
		}
		idx = bestSectionMatch(s.Outline, s.UpdateQuery)
		e.logger().Warn("Section recognition failed, using keyword match", "query", s.UpdateQuery, "index", idx, "error", err)
	case resp.SectionIndex == nil:
		idx = -1
	default:
		idx = *resp.SectionIndex
	}

	if idx < 0 {
		return s, fmt.Errorf("%w: %q", ErrNoMatchingSection, s.UpdateQuery)
	}
	s.UpdateSectionIndex = &idx
	e.logger().Info("Recognized section", "index", idx, "title", s.Outline[idx].Title)
	return s, nil
}

func (e *Engine) generateUpdateQueries(ctx context.Context, s ReportState) (ReportState, error) {
	s = s.Clone()
	section := s.Outline[*s.UpdateSectionIndex]

	var resp struct {
		Queries []string `json:"queries"`
	}
	err := completion.JSON(ctx, e.fast(), completion.Request{
		System: updateQueriesSystemPrompt,
		Prompt: updateQueriesPrompt(s.UpdateQuery, section),
		Schema: updateQueriesSchema,
	}, &resp, nil)
	if err != nil {
		e.logger().Warn("Update query generation failed, using templates", "section", section.Title, "error", err)
	}

	s.UpdateQueries = exactlyTwo(dropBlank(resp.Queries), s.UpdateQuery, section.Title)
	return s, nil
}

// exactlyTwo truncates or pads the proposed queries to updateQueryCount.
func exactlyTwo(proposed []string, query, title string) []string {
	fallback := []string{
		fmt.Sprintf("%s %s", title, query),
		fmt.Sprintf("Latest data for %s", title),
	}
	out := append([]string{}, proposed...)
	for i := 0; len(out) < updateQueryCount; i++ {
		out = append(out, fallback[i])
	}
	return out[:updateQueryCount]
}

// applyUpdate searches with the update queries and appends exactly one paragraph to
// the target section. Existing content is never rewritten.
func (e *Engine) applyUpdate(ctx context.Context, s ReportState) (ReportState, error) {
	s = s.Clone()
	idx := *s.UpdateSectionIndex
	section := s.Outline[idx]
	caps := s.sectionCapabilities(section)

	results := e.Suite.Run(ctx, s.Topic, s.Scope(), caps.enabled(), search.Same(s.UpdateQueries))
	blocks := results.ContextBlocks()
	section.Context = append(section.Context, blocks...)
	section.Citations = append(section.Citations, results.Citations()...)

	raw, err := e.LLM.Complete(ctx, completion.Request{
		System: focusFor(section.ReportType) + "\n\n" + updateParagraphSystemPrompt,
		Prompt: updateParagraphPrompt(s.UpdateQuery, section, blocks),
	})
	if err != nil {
		if ctx.Err() != nil {
			return s, ctx.Err()
		}
		e.logger().Warn("Update paragraph generation failed", "section", section.Title, "error", err)
		s.warn("update of section %q produced no new paragraph: %v", section.Title, err)
		s.Outline[idx] = section
		return s, nil
	}

	paragraph := singleParagraph(raw)
	if paragraph == "" {
		e.logger().Warn("Update paragraph was empty", "section", section.Title)
		s.warn("update of section %q produced no new paragraph: model returned no text", section.Title)
		s.Outline[idx] = section
		return s, nil
	}

	section.Content = appendBlock(section.Content, paragraph)
	s.Outline[idx] = section
	e.logger().Info("Appended update paragraph", "section", section.Title)
	return s, nil
}

func compileFinal(_ context.Context, s ReportState) (ReportState, error) {
	return compileState(s), nil
}
