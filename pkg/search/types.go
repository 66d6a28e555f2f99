package search

import (
	"fmt"
	"strings"
)

// Source identifies which evidence backend produced a result.
type Source string

const (
	SourceWeb           Source = "web"
	SourceKnowledgeBase Source = "knowledge_base"
	SourceSpreadsheet   Source = "spreadsheet"
)

// CitationKind tags the populated variant of a Citation.
type CitationKind string

const (
	KindKnowledgeBase CitationKind = "knowledge_base"
	KindWeb           CitationKind = "web"
	KindSpreadsheet   CitationKind = "spreadsheet"
)

// KnowledgeBaseCitation points at a retrieved document chunk.
type KnowledgeBaseCitation struct {
	ChunkText string `json:"chunk_text"`
	Page      int    `json:"page"`
	FileName  string `json:"file_name"`
	URL       string `json:"url"`
}

// WebCitation points at a web search hit.
type WebCitation struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// SpreadsheetCitation points at a single spreadsheet cell.
type SpreadsheetCitation struct {
	FileName string `json:"file_name"`
	Sheet    string `json:"sheet"`
	Row      int    `json:"row"`
	Col      int    `json:"col"`
	Value    string `json:"value"`
}

// Citation is a tagged union over the three provenance records. Exactly one of the
// variant pointers is set, matching Kind.
type Citation struct {
	Kind          CitationKind           `json:"kind"`
	KnowledgeBase *KnowledgeBaseCitation `json:"knowledge_base,omitempty"`
	Web           *WebCitation           `json:"web,omitempty"`
	Spreadsheet   *SpreadsheetCitation   `json:"spreadsheet,omitempty"`
}

func NewKnowledgeBaseCitation(c KnowledgeBaseCitation) Citation {
	return Citation{Kind: KindKnowledgeBase, KnowledgeBase: &c}
}

func NewWebCitation(c WebCitation) Citation {
	return Citation{Kind: KindWeb, Web: &c}
}

func NewSpreadsheetCitation(c SpreadsheetCitation) Citation {
	return Citation{Kind: KindSpreadsheet, Spreadsheet: &c}
}

// Key returns the natural key used for deduplication:
// file+page for knowledge base, title+url for web, file+sheet+row+col for spreadsheets.
// Malformed citations (kind without payload) key on the kind alone.
func (c Citation) Key() string {
	switch c.Kind {
	case KindKnowledgeBase:
		if c.KnowledgeBase != nil {
			return fmt.Sprintf("kb|%s|%d", c.KnowledgeBase.FileName, c.KnowledgeBase.Page)
		}
	case KindWeb:
		if c.Web != nil {
			return fmt.Sprintf("web|%s|%s", c.Web.Title, c.Web.URL)
		}
	case KindSpreadsheet:
		if c.Spreadsheet != nil {
			s := c.Spreadsheet
			return fmt.Sprintf("sheet|%s|%s|%d|%d", s.FileName, s.Sheet, s.Row, s.Col)
		}
	}
	return "invalid|" + string(c.Kind)
}

// Label renders a short human-readable reference for the citation.
func (c Citation) Label() string {
	switch {
	case c.Kind == KindKnowledgeBase && c.KnowledgeBase != nil:
		if c.KnowledgeBase.Page > 0 {
			return fmt.Sprintf("%s, p. %d", c.KnowledgeBase.FileName, c.KnowledgeBase.Page)
		}
		return c.KnowledgeBase.FileName
	case c.Kind == KindWeb && c.Web != nil:
		return fmt.Sprintf("%s (%s)", c.Web.Title, c.Web.URL)
	case c.Kind == KindSpreadsheet && c.Spreadsheet != nil:
		s := c.Spreadsheet
		return fmt.Sprintf("%s / %s R%dC%d", s.FileName, s.Sheet, s.Row, s.Col)
	}
	return string(c.Kind)
}

// DedupCitations drops citations whose natural key was already seen, keeping the
// first occurrence and the input order.
func DedupCitations(citations []Citation) []Citation {
	if len(citations) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(citations))
	out := make([]Citation, 0, len(citations))
	for _, c := range citations {
		key := c.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

// Result is the immutable output of one adapter invocation.
type Result struct {
	Citations       []Citation `json:"citations"`
	ContextText     string     `json:"context_text"`
	OriginalQueries []string   `json:"original_queries"`
}

// Empty reports whether the result carries no evidence.
func (r Result) Empty() bool {
	return len(r.Citations) == 0 && strings.TrimSpace(r.ContextText) == ""
}

// Scope is the tenant boundary for knowledge base and spreadsheet lookups.
type Scope struct {
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id"`
}

// Valid reports whether both tenant identifiers are present.
func (s Scope) Valid() bool {
	return strings.TrimSpace(s.UserID) != "" && strings.TrimSpace(s.ProjectID) != ""
}

func (s Scope) String() string {
	return s.UserID + "/" + s.ProjectID
}

// Request is the input of one adapter invocation.
type Request struct {
	// Topic is the surrounding context (report topic and section title) the queries serve.
	Topic   string
	Queries []string
	Scope   Scope
	// Enabled is the capability flag for this adapter's source; a disabled request
	// returns an empty Result without any external call.
	Enabled bool
}
