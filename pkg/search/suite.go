package search

import (
	"context"
	"sync"
)

// Enabled selects which sources a Suite run may touch.
type Enabled struct {
	Web           bool
	KnowledgeBase bool
	Spreadsheet   bool
}

// Any reports whether at least one source is enabled.
func (e Enabled) Any() bool {
	return e.Web || e.KnowledgeBase || e.Spreadsheet
}

// Queries groups query batches per source.
type Queries struct {
	Web           []string `json:"web"`
	KnowledgeBase []string `json:"knowledge_base"`
	Spreadsheet   []string `json:"spreadsheet"`
}

// Same returns a Queries value that sends the same batch to every source.
func Same(queries []string) Queries {
	return Queries{Web: queries, KnowledgeBase: queries, Spreadsheet: queries}
}

// Results holds the output of one Suite run, one Result per source.
type Results struct {
	Web           Result
	KnowledgeBase Result
	Spreadsheet   Result
}

// ContextBlocks returns the non-empty context texts ordered web, knowledge base,
// spreadsheet.
func (r Results) ContextBlocks() []string {
	var blocks []string
	for _, res := range []Result{r.Web, r.KnowledgeBase, r.Spreadsheet} {
		if res.ContextText != "" {
			blocks = append(blocks, res.ContextText)
		}
	}
	return blocks
}

// Citations concatenates citations in source order without deduplication.
func (r Results) Citations() []Citation {
	var out []Citation
	out = append(out, r.Web.Citations...)
	out = append(out, r.KnowledgeBase.Citations...)
	out = append(out, r.Spreadsheet.Citations...)
	return out
}

// Suite bundles one adapter per source. Nil adapters behave as disabled.
type Suite struct {
	Web           Adapter
	KnowledgeBase Adapter
	Spreadsheet   Adapter
}

// Run invokes every enabled adapter in parallel and waits for all of them.
func (s Suite) Run(ctx context.Context, topic string, scope Scope, enabled Enabled, queries Queries) Results {
	var out Results
	var wg sync.WaitGroup

	run := func(a Adapter, on bool, q []string, dst *Result) {
		if a == nil || !on || len(q) == 0 {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			*dst = a.Search(ctx, Request{Topic: topic, Queries: q, Scope: scope, Enabled: true})
		}()
	}

	run(s.Web, enabled.Web, queries.Web, &out.Web)
	run(s.KnowledgeBase, enabled.KnowledgeBase, queries.KnowledgeBase, &out.KnowledgeBase)
	run(s.Spreadsheet, enabled.Spreadsheet, queries.Spreadsheet, &out.Spreadsheet)
	wg.Wait()

	return out
}
