package report

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mikeboe/report-helper/pkg/completion"
	"github.com/mikeboe/report-helper/pkg/graph"
	"github.com/mikeboe/report-helper/pkg/metrics"
	"github.com/mikeboe/report-helper/pkg/search"
)

// Engine runs the outline builder, the section engine and the report graph.
type Engine struct {
	// LLM writes outlines and section content.
	LLM completion.Completer
	// FastLLM proposes queries and matches update requests. Defaults to LLM.
	FastLLM   completion.Completer
	Suite     search.Suite
	Templates Templates
	Logger    *slog.Logger
}

func NewEngine(llm, fast completion.Completer, suite search.Suite) *Engine {
	return &Engine{
		LLM:       llm,
		FastLLM:   fast,
		Suite:     suite,
		Templates: DefaultTemplates(),
		Logger:    slog.Default(),
	}
}

// WithLogger returns a shallow copy that logs to l, for per-job log sinks.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	c := *e
	c.Logger = l
	return &c
}

func (e *Engine) fast() completion.Completer {
	if e.FastLLM != nil {
		return e.FastLLM
	}
	return e.LLM
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// sectionRun is the state threaded through the section graph.
type sectionRun struct {
	Topic   string
	Scope   search.Scope
	Caps    Capabilities
	Config  Config
	Section SectionState
	// Base is the content the section had before this build; drafts are appended to it.
	Base   string
	Batch  search.Queries
	Latest search.Results
	Draft  string
	Passed bool
}

const (
	nodeQueries  = "generate_queries"
	nodeSearch   = "search"
	nodeMerge    = "merge"
	nodeGenerate = "generate"
	nodeEvaluate = "evaluate"
)

func (e *Engine) sectionGraph() *graph.Graph[sectionRun] {
	g := graph.New[sectionRun]("section")
	g.Logger = e.logger()

	g.AddNode(nodeQueries, e.generateQueries)
	g.AddNode(nodeSearch, e.searchSection)
	g.AddNode(nodeMerge, mergeResults)
	g.AddNode(nodeGenerate, e.generateContent)
	g.AddNode(nodeEvaluate, e.evaluateDraft)

	g.SetEntryPoint(nodeQueries)
	g.AddEdge(nodeQueries, nodeSearch)
	g.AddEdge(nodeSearch, nodeMerge)
	g.AddEdge(nodeMerge, nodeGenerate)
	g.AddEdge(nodeGenerate, nodeEvaluate)
	g.AddConditionalEdges(nodeEvaluate, func(r sectionRun) string {
		if r.Passed || r.Section.Attempts >= r.Config.SectionIterations {
			return "done"
		}
		return "retry"
	}, map[string]string{
		"done":  graph.End,
		"retry": nodeQueries,
	})
	return g
}

// ProcessSection researches and drafts one section: queries, search, merge,
// generate, evaluate, retrying up to cfg.SectionIterations drafts. The last draft
// is kept even when it never passes evaluation.
func (e *Engine) ProcessSection(ctx context.Context, topic string, scope search.Scope, caps Capabilities, cfg Config, section SectionState) (SectionState, error) {
	cfg = cfg.withDefaults()
	run := sectionRun{
		Topic:   topic,
		Scope:   scope,
		Caps:    caps,
		Config:  cfg,
		Section: section.Clone(),
		Base:    section.Content,
	}
	run.Section.Attempts = 0

	out, err := e.sectionGraph().Execute(ctx, run, 5*cfg.SectionIterations+1)
	if err != nil {
		return out.Section, fmt.Errorf("section %q: %w", section.Title, err)
	}
	return out.Section, nil
}

func (e *Engine) generateQueries(ctx context.Context, r sectionRun) (sectionRun, error) {
	r.Section = r.Section.Clone()
	limit := r.Config.MaxQueriesPerSource
	var proposed search.Queries

	if r.Caps.enabled().Any() {
		err := completion.JSON(ctx, e.fast(), completion.Request{
			System: queriesSystemPrompt + "\n\n" + focusFor(r.Section.ReportType),
			Prompt: queriesPrompt(r.Topic, r.Section, r.Caps, limit),
			Schema: queriesSchema(limit),
		}, &proposed, func(q *search.Queries) error {
			if len(q.Web)+len(q.KnowledgeBase)+len(q.Spreadsheet) == 0 {
				return fmt.Errorf("empty queries list")
			}
			return nil
		})
		if err != nil {
			e.logger().Warn("Query generation failed, using templates", "section", r.Section.Title, "error", err)
			proposed = search.Queries{}
		}
	}

	fallback := templateQueries(r.Topic, r.Section.Title, r.Section.Attempts)
	pick := func(on bool, qs []string) []string {
		if !on {
			return nil
		}
		qs = dropBlank(qs)
		if len(qs) == 0 {
			qs = fallback
		}
		if len(qs) > limit {
			qs = qs[:limit]
		}
		return qs
	}

	r.Batch = search.Queries{
		Web:           pick(r.Caps.WebResearch, proposed.Web),
		KnowledgeBase: pick(r.Caps.KnowledgeBaseSearch, proposed.KnowledgeBase),
		Spreadsheet:   pick(r.Caps.SpreadsheetSearch, proposed.Spreadsheet),
	}
	r.Section.Queries = search.Queries{
		Web:           append(r.Section.Queries.Web, r.Batch.Web...),
		KnowledgeBase: append(r.Section.Queries.KnowledgeBase, r.Batch.KnowledgeBase...),
		Spreadsheet:   append(r.Section.Queries.Spreadsheet, r.Batch.Spreadsheet...),
	}
	r.Latest = search.Results{}
	r.Draft = ""
	r.Passed = false

	e.logger().Info("Generated section queries", "section", r.Section.Title,
		"web", len(r.Batch.Web), "knowledge_base", len(r.Batch.KnowledgeBase), "spreadsheet", len(r.Batch.Spreadsheet))
	return r, nil
}

// templateQueries are deterministic queries used when the model cannot propose any.
// Retries rotate the phrasing so a second round does not repeat the first.
func templateQueries(topic, title string, attempt int) []string {
	all := []string{
		fmt.Sprintf("Latest data for %s", title),
		fmt.Sprintf("Trends impacting %s", title),
		fmt.Sprintf("%s %s", topic, title),
		fmt.Sprintf("%s key figures", title),
		fmt.Sprintf("%s recent developments", topic),
	}
	shift := attempt % len(all)
	rotated := append(append([]string{}, all[shift:]...), all[:shift]...)
	return rotated[:3]
}

func dropBlank(in []string) []string {
	var out []string
	for _, q := range in {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	return out
}

func (e *Engine) searchSection(ctx context.Context, r sectionRun) (sectionRun, error) {
	r.Section = r.Section.Clone()
	results := e.Suite.Run(ctx, r.Topic, r.Scope, r.Caps.enabled(), r.Batch)

	if r.Caps.WebResearch {
		r.Section.WebResults = append(r.Section.WebResults, results.Web)
	}
	if r.Caps.KnowledgeBaseSearch {
		r.Section.KnowledgeBaseResults = append(r.Section.KnowledgeBaseResults, results.KnowledgeBase)
	}
	if r.Caps.SpreadsheetSearch {
		r.Section.SpreadsheetResults = append(r.Section.SpreadsheetResults, results.Spreadsheet)
	}
	r.Latest = results
	return r, nil
}

// mergeResults appends the latest context blocks (web, knowledge base, spreadsheet)
// and citations to the section. Citations are deduplicated at compile time.
func mergeResults(_ context.Context, r sectionRun) (sectionRun, error) {
	r.Section = r.Section.Clone()
	r.Section.Context = append(r.Section.Context, r.Latest.ContextBlocks()...)
	r.Section.Citations = append(r.Section.Citations, r.Latest.Citations()...)
	return r, nil
}

func (e *Engine) generateContent(ctx context.Context, r sectionRun) (sectionRun, error) {
	r.Section = r.Section.Clone()
	r.Section.Attempts++
	metrics.SectionAttempts.Inc()

	draft, err := e.LLM.Complete(ctx, completion.Request{
		System: focusFor(r.Section.ReportType) + "\n\n" + sectionSystemPrompt,
		Prompt: sectionPrompt(r.Topic, r.Section),
	})
	if err != nil {
		if ctx.Err() != nil {
			return r, ctx.Err()
		}
		e.logger().Warn("Section generation failed", "section", r.Section.Title, "attempt", r.Section.Attempts, "error", err)
		// keep the previous draft rather than leaving the section empty
		return r, nil
	}

	r.Draft = strings.TrimSpace(draft)
	r.Section.Content = appendBlock(r.Base, r.Draft)
	return r, nil
}

func (e *Engine) evaluateDraft(_ context.Context, r sectionRun) (sectionRun, error) {
	r.Section = r.Section.Clone()
	rejections := Evaluate(r.Section.Title, r.Draft, r.Config.Evaluation)
	if len(rejections) == 0 {
		r.Passed = true
		e.logger().Info("Section accepted", "section", r.Section.Title, "attempt", r.Section.Attempts)
		return r, nil
	}

	for _, rej := range rejections {
		metrics.SectionRejections.WithLabelValues(rej.Reason).Inc()
		r.Section.Feedback = append(r.Section.Feedback, fmt.Sprintf("attempt %d: %s", r.Section.Attempts, rej.Message))
	}
	if r.Section.Attempts >= r.Config.SectionIterations {
		e.logger().Warn("Section accepted without passing evaluation", "section", r.Section.Title,
			"attempts", r.Section.Attempts, "feedback", r.Section.Feedback)
	} else {
		e.logger().Info("Section rejected, retrying", "section", r.Section.Title, "attempt", r.Section.Attempts)
	}
	return r, nil
}
