package report

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mikeboe/report-helper/pkg/search"
)

var (
	// ErrOutlineFailed means no outline could be produced by any strategy.
	ErrOutlineFailed = errors.New("outline generation failed")
	// ErrNoMatchingSection means an update request could not be mapped to a section.
	ErrNoMatchingSection = errors.New("no matching section for update request")
	// ErrNoReport means an update was requested for a report that was never built.
	ErrNoReport = errors.New("report has no outline to update")
	// ErrInvalidState is returned by constructors on invalid input.
	ErrInvalidState = errors.New("invalid report state")
)

// ReportType selects the prompt family and fixed outline template.
type ReportType int

const (
	CompanyProfile ReportType = iota
	FinancialStatement
	MarketSizing
)

var reportTypeNames = map[ReportType]string{
	CompanyProfile:     "company_profile",
	FinancialStatement: "financial_statement",
	MarketSizing:       "market_sizing",
}

func (t ReportType) String() string {
	if name, ok := reportTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("report_type(%d)", int(t))
}

func (t ReportType) Valid() bool {
	_, ok := reportTypeNames[t]
	return ok
}

// ParseReportType accepts the canonical name or the numeric value.
func ParseReportType(s string) (ReportType, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for t, name := range reportTypeNames {
		if s == name || s == fmt.Sprint(int(t)) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown report type %q", ErrInvalidState, s)
}

// Capabilities are the per-report and per-section search switches.
type Capabilities struct {
	WebResearch         bool `json:"web_research"`
	KnowledgeBaseSearch bool `json:"knowledge_base_search"`
	SpreadsheetSearch   bool `json:"spreadsheet_search"`
}

// And keeps a source only when both sides enable it.
func (c Capabilities) And(o Capabilities) Capabilities {
	return Capabilities{
		WebResearch:         c.WebResearch && o.WebResearch,
		KnowledgeBaseSearch: c.KnowledgeBaseSearch && o.KnowledgeBaseSearch,
		SpreadsheetSearch:   c.SpreadsheetSearch && o.SpreadsheetSearch,
	}
}

func (c Capabilities) enabled() search.Enabled {
	return search.Enabled{
		Web:           c.WebResearch,
		KnowledgeBase: c.KnowledgeBaseSearch,
		Spreadsheet:   c.SpreadsheetSearch,
	}
}

// AllSources enables every search source.
func AllSources() Capabilities {
	return Capabilities{WebResearch: true, KnowledgeBaseSearch: true, SpreadsheetSearch: true}
}

// OutlineStrategy picks how the outline builder produces sections.
type OutlineStrategy string

const (
	OutlineFixed     OutlineStrategy = "fixed"
	OutlineGenerated OutlineStrategy = "generated"
)

// EvaluationConfig holds the section quality heuristics.
type EvaluationConfig struct {
	MinWords           int      `json:"min_words"`
	PlaceholderMarkers []string `json:"placeholder_markers"`
	// NumericTitleKeywords mark sections that must contain at least one digit.
	NumericTitleKeywords []string `json:"numeric_title_keywords"`
}

// Config holds per-report limits and switches. It is persisted with the state.
type Config struct {
	SectionIterations   int              `json:"section_iterations"`
	MaxQueriesPerSource int              `json:"max_queries_per_source"`
	MaxSections         int              `json:"max_sections"`
	OutlineStrategy     OutlineStrategy  `json:"outline_strategy"`
	Sources             Capabilities     `json:"sources"`
	Evaluation          EvaluationConfig `json:"evaluation"`
	// ResearchTokenBudget caps the evidence passed to one research summary.
	ResearchTokenBudget int `json:"research_token_budget"`
}

func DefaultConfig() Config {
	return Config{
		SectionIterations:   3,
		MaxQueriesPerSource: 5,
		MaxSections:         20,
		OutlineStrategy:     OutlineFixed,
		Sources:             AllSources(),
		Evaluation: EvaluationConfig{
			MinWords:             120,
			PlaceholderMarkers:   []string{"TBD", "???", "placeholder"},
			NumericTitleKeywords: []string{"financial", "analysis"},
		},
		ResearchTokenBudget: 24000,
	}
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SectionIterations <= 0 {
		c.SectionIterations = d.SectionIterations
	}
	if c.MaxQueriesPerSource <= 0 || c.MaxQueriesPerSource > d.MaxQueriesPerSource {
		c.MaxQueriesPerSource = d.MaxQueriesPerSource
	}
	if c.MaxSections <= 0 {
		c.MaxSections = d.MaxSections
	}
	if c.OutlineStrategy == "" {
		c.OutlineStrategy = d.OutlineStrategy
	}
	if c.Evaluation.MinWords <= 0 {
		c.Evaluation.MinWords = d.Evaluation.MinWords
	}
	if c.Evaluation.PlaceholderMarkers == nil {
		c.Evaluation.PlaceholderMarkers = d.Evaluation.PlaceholderMarkers
	}
	if c.Evaluation.NumericTitleKeywords == nil {
		c.Evaluation.NumericTitleKeywords = d.Evaluation.NumericTitleKeywords
	}
	if c.ResearchTokenBudget <= 0 {
		c.ResearchTokenBudget = d.ResearchTokenBudget
	}
	return c
}

// SectionState is one report section while it is produced or updated.
type SectionState struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Capabilities
	ReportType ReportType `json:"report_type"`

	WebResults           []search.Result   `json:"web_results,omitempty"`
	KnowledgeBaseResults []search.Result   `json:"kb_results,omitempty"`
	SpreadsheetResults   []search.Result   `json:"spreadsheet_results,omitempty"`
	Citations            []search.Citation `json:"citations,omitempty"`
	Context              []string          `json:"context,omitempty"`

	Content  string         `json:"content"`
	Attempts int            `json:"attempts"`
	Queries  search.Queries `json:"queries"`
	Feedback []string       `json:"feedback,omitempty"`
}

// NewSectionState validates and builds an empty section.
func NewSectionState(title, description string, reportType ReportType, caps Capabilities) (SectionState, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return SectionState{}, fmt.Errorf("%w: section title is required", ErrInvalidState)
	}
	if !reportType.Valid() {
		return SectionState{}, fmt.Errorf("%w: unknown report type %d", ErrInvalidState, int(reportType))
	}
	return SectionState{
		Title:        title,
		Description:  strings.TrimSpace(description),
		Capabilities: caps,
		ReportType:   reportType,
	}, nil
}

// Clone returns a deep copy so node functions never share backing arrays.
func (s SectionState) Clone() SectionState {
	c := s
	c.WebResults = cloneSlice(s.WebResults)
	c.KnowledgeBaseResults = cloneSlice(s.KnowledgeBaseResults)
	c.SpreadsheetResults = cloneSlice(s.SpreadsheetResults)
	c.Citations = cloneSlice(s.Citations)
	c.Context = cloneSlice(s.Context)
	c.Feedback = cloneSlice(s.Feedback)
	c.Queries = search.Queries{
		Web:           cloneSlice(s.Queries.Web),
		KnowledgeBase: cloneSlice(s.Queries.KnowledgeBase),
		Spreadsheet:   cloneSlice(s.Queries.Spreadsheet),
	}
	return c
}

// VisualRefresh is consumed by the separate visuals-update step.
type VisualRefresh struct {
	Required  bool     `json:"required"`
	VisualIDs []string `json:"visual_ids,omitempty"`
	Notes     []string `json:"notes,omitempty"`
}

// ReportState is the aggregate the report graph transforms.
type ReportState struct {
	Topic      string     `json:"topic"`
	UserID     string     `json:"user_id"`
	ProjectID  string     `json:"project_id"`
	ReportType ReportType `json:"report_type"`
	Capabilities
	Config Config `json:"config"`
	// Headings are externally supplied section titles seeding the outline.
	Headings []string `json:"headings,omitempty"`

	Outline           []SectionState `json:"outline"`
	CurrentSectionIdx int            `json:"current_section_idx"`

	// FinalReport and Citations are derived by the compiler only.
	FinalReport string            `json:"final_report"`
	Citations   []search.Citation `json:"citations,omitempty"`

	UpdateQuery        string   `json:"update_query,omitempty"`
	UpdateSectionIndex *int     `json:"update_section_index,omitempty"`
	UpdateQueries      []string `json:"update_queries,omitempty"`
	Exists             bool     `json:"exists"`

	VisualRefresh VisualRefresh `json:"visual_refresh"`
	Warnings      []string      `json:"warnings,omitempty"`
}

// NewReportState validates inputs for a fresh build.
func NewReportState(topic, userID, projectID string, reportType ReportType, caps Capabilities, cfg Config) (ReportState, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return ReportState{}, fmt.Errorf("%w: topic is required", ErrInvalidState)
	}
	if !reportType.Valid() {
		return ReportState{}, fmt.Errorf("%w: unknown report type %d", ErrInvalidState, int(reportType))
	}
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(projectID) == "" {
		return ReportState{}, fmt.Errorf("%w: user and project are required", ErrInvalidState)
	}
	return ReportState{
		Topic:        topic,
		UserID:       userID,
		ProjectID:    projectID,
		ReportType:   reportType,
		Capabilities: caps,
		Config:       cfg.withDefaults(),
	}, nil
}

// Scope returns the tenant boundary for searches.
func (r ReportState) Scope() search.Scope {
	return search.Scope{UserID: r.UserID, ProjectID: r.ProjectID}
}

// Clone returns a deep copy of the state.
func (r ReportState) Clone() ReportState {
	c := r
	c.Headings = cloneSlice(r.Headings)
	c.Outline = make([]SectionState, len(r.Outline))
	for i, s := range r.Outline {
		c.Outline[i] = s.Clone()
	}
	if r.Outline == nil {
		c.Outline = nil
	}
	c.Citations = cloneSlice(r.Citations)
	c.UpdateQueries = cloneSlice(r.UpdateQueries)
	if r.UpdateSectionIndex != nil {
		idx := *r.UpdateSectionIndex
		c.UpdateSectionIndex = &idx
	}
	c.VisualRefresh.VisualIDs = cloneSlice(r.VisualRefresh.VisualIDs)
	c.VisualRefresh.Notes = cloneSlice(r.VisualRefresh.Notes)
	c.Warnings = cloneSlice(r.Warnings)
	return c
}

// SectionIndex finds a section by its title, the stable identity.
func (r ReportState) SectionIndex(title string) int {
	for i, s := range r.Outline {
		if s.Title == title {
			return i
		}
	}
	return -1
}

// Titles lists the outline titles in order.
func (r ReportState) Titles() []string {
	titles := make([]string, len(r.Outline))
	for i, s := range r.Outline {
		titles[i] = s.Title
	}
	return titles
}

func (r *ReportState) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// sectionCapabilities is what a section may actually search: its own flags
// limited by the report flags and the globally enabled sources.
func (r ReportState) sectionCapabilities(s SectionState) Capabilities {
	return s.Capabilities.And(r.Capabilities).And(r.Config.Sources)
}

func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}
