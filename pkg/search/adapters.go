package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// WebHit is one result of the web search capability.
type WebHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// WebSearcher is the web search capability.
type WebSearcher interface {
	Search(ctx context.Context, query string) ([]WebHit, error)
}

// Passage is one result of the knowledge base retrieval capability.
type Passage struct {
	Text      string `json:"text"`
	Page      int    `json:"page,omitempty"`
	FileName  string `json:"file_name"`
	SourceURI string `json:"source_uri"`
}

// Retriever is the tenant-scoped knowledge base retrieval capability.
type Retriever interface {
	Retrieve(ctx context.Context, query string, scope Scope) ([]Passage, error)
}

// Cell is one result of the spreadsheet index lookup capability.
type Cell struct {
	FileName string `json:"file_name"`
	Sheet    string `json:"sheet"`
	Row      int    `json:"row"`
	Col      int    `json:"col"`
	Value    string `json:"value"`
	// Label carries the row/column headers the value was indexed under.
	Label string `json:"label,omitempty"`
}

// SheetIndex is the per-project spreadsheet index capability.
type SheetIndex interface {
	// Lookup returns the index handle for the tenant and false when no index was built.
	Lookup(ctx context.Context, scope Scope) (string, bool, error)
	Query(ctx context.Context, handle string, query string) ([]Cell, error)
}

// Adapter issues a batch of queries against one evidence source.
type Adapter interface {
	Source() Source
	Search(ctx context.Context, req Request) Result
}

// WebAdapter turns web hits into citations and context blocks.
type WebAdapter struct {
	Searcher        WebSearcher
	Policy          CallPolicy
	MaxHitsPerQuery int
	Logger          *slog.Logger
}

func NewWebAdapter(searcher WebSearcher, policy CallPolicy) *WebAdapter {
	return &WebAdapter{Searcher: searcher, Policy: policy, MaxHitsPerQuery: 5, Logger: slog.Default()}
}

func (a *WebAdapter) Source() Source { return SourceWeb }

func (a *WebAdapter) Search(ctx context.Context, req Request) Result {
	queries := cleanQueries(req.Queries)
	if !req.Enabled || a == nil || a.Searcher == nil || len(queries) == 0 {
		return Result{}
	}

	outcomes := fanOut(ctx, SourceWeb, queries, a.Policy, logger(a.Logger), a.Searcher.Search)

	var res Result
	var blocks []string
	for _, o := range outcomes {
		res.OriginalQueries = append(res.OriginalQueries, o.Query)
		if o.Err != nil {
			continue
		}
		hits := o.Value
		if a.MaxHitsPerQuery > 0 && len(hits) > a.MaxHitsPerQuery {
			hits = hits[:a.MaxHitsPerQuery]
		}
		for _, h := range hits {
			if strings.TrimSpace(h.Title) == "" && strings.TrimSpace(h.URL) == "" {
				continue
			}
			res.Citations = append(res.Citations, NewWebCitation(WebCitation{
				Title:   h.Title,
				URL:     h.URL,
				Snippet: h.Snippet,
			}))
			blocks = append(blocks, fmt.Sprintf("Source: %s (%s)\n%s", h.Title, h.URL, strings.TrimSpace(h.Snippet)))
		}
	}
	res.ContextText = strings.Join(blocks, "\n\n")
	return res
}

// KnowledgeBaseAdapter queries the retrieval capability inside one tenant scope.
type KnowledgeBaseAdapter struct {
	Retriever Retriever
	Policy    CallPolicy
	Logger    *slog.Logger
}

func NewKnowledgeBaseAdapter(retriever Retriever, policy CallPolicy) *KnowledgeBaseAdapter {
	return &KnowledgeBaseAdapter{Retriever: retriever, Policy: policy, Logger: slog.Default()}
}

func (a *KnowledgeBaseAdapter) Source() Source { return SourceKnowledgeBase }

func (a *KnowledgeBaseAdapter) Search(ctx context.Context, req Request) Result {
	queries := cleanQueries(req.Queries)
	if !req.Enabled || a == nil || a.Retriever == nil || len(queries) == 0 {
		return Result{}
	}
	if !req.Scope.Valid() {
		// An unscoped query would read across tenants.
		logger(a.Logger).Warn("Knowledge base search skipped: incomplete tenant scope", "scope", req.Scope.String())
		return Result{}
	}

	outcomes := fanOut(ctx, SourceKnowledgeBase, queries, a.Policy, logger(a.Logger), func(ctx context.Context, q string) ([]Passage, error) {
		return a.Retriever.Retrieve(ctx, q, req.Scope)
	})

	var res Result
	var blocks []string
	for _, o := range outcomes {
		res.OriginalQueries = append(res.OriginalQueries, o.Query)
		if o.Err != nil {
			continue
		}
		for _, p := range o.Value {
			text := strings.TrimSpace(p.Text)
			if text == "" {
				continue
			}
			res.Citations = append(res.Citations, NewKnowledgeBaseCitation(KnowledgeBaseCitation{
				ChunkText: text,
				Page:      p.Page,
				FileName:  p.FileName,
				URL:       p.SourceURI,
			}))
			ref := p.FileName
			if p.Page > 0 {
				ref = fmt.Sprintf("%s, p. %d", p.FileName, p.Page)
			}
			blocks = append(blocks, fmt.Sprintf("Document: %s\n%s", ref, text))
		}
	}
	res.ContextText = strings.Join(blocks, "\n\n")
	return res
}

// SpreadsheetAdapter queries the per-project spreadsheet index.
type SpreadsheetAdapter struct {
	Index  SheetIndex
	Policy CallPolicy
	Logger *slog.Logger
}

func NewSpreadsheetAdapter(index SheetIndex, policy CallPolicy) *SpreadsheetAdapter {
	return &SpreadsheetAdapter{Index: index, Policy: policy, Logger: slog.Default()}
}

func (a *SpreadsheetAdapter) Source() Source { return SourceSpreadsheet }

func (a *SpreadsheetAdapter) Search(ctx context.Context, req Request) Result {
	queries := cleanQueries(req.Queries)
	if !req.Enabled || a == nil || a.Index == nil || len(queries) == 0 {
		return Result{}
	}
	if !req.Scope.Valid() {
		logger(a.Logger).Warn("Spreadsheet search skipped: incomplete tenant scope", "scope", req.Scope.String())
		return Result{}
	}

	handle, ok, err := a.Index.Lookup(ctx, req.Scope)
	if err != nil {
		logger(a.Logger).Warn("Spreadsheet index lookup failed", "scope", req.Scope.String(), "error", err)
		return Result{}
	}
	if !ok {
		logger(a.Logger).Info("No spreadsheet index for project", "scope", req.Scope.String())
		return Result{}
	}

	outcomes := fanOut(ctx, SourceSpreadsheet, queries, a.Policy, logger(a.Logger), func(ctx context.Context, q string) ([]Cell, error) {
		return a.Index.Query(ctx, handle, q)
	})

	var res Result
	var blocks []string
	for _, o := range outcomes {
		res.OriginalQueries = append(res.OriginalQueries, o.Query)
		if o.Err != nil {
			continue
		}
		for _, c := range o.Value {
			if strings.TrimSpace(c.Value) == "" {
				continue
			}
			res.Citations = append(res.Citations, NewSpreadsheetCitation(SpreadsheetCitation{
				FileName: c.FileName,
				Sheet:    c.Sheet,
				Row:      c.Row,
				Col:      c.Col,
				Value:    c.Value,
			}))
			label := c.Label
			if label == "" {
				label = fmt.Sprintf("R%dC%d", c.Row, c.Col)
			}
			blocks = append(blocks, fmt.Sprintf("Spreadsheet: %s / %s / %s = %s", c.FileName, c.Sheet, label, c.Value))
		}
	}
	res.ContextText = strings.Join(blocks, "\n")
	return res
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
