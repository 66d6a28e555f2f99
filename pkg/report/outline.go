package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mikeboe/report-helper/pkg/completion"
)

// OutlineSection is one (title, description) pair of an outline.
type OutlineSection struct {
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description" yaml:"description"`
}

// Templates maps each report type to its canned ordered headings.
type Templates map[ReportType][]OutlineSection

func DefaultTemplates() Templates {
	return Templates{
		CompanyProfile: {
			{"Company Overview", "History, headquarters, ownership and what the company does."},
			{"Business Model", "How the company makes money and its main revenue streams."},
			{"Products and Services", "Core products and services and who buys them."},
			{"Market Position", "Market share, customer base and geographic footprint."},
			{"Competitive Landscape", "Main competitors and how the company differentiates."},
			{"Financial Analysis", "Revenue, profitability and growth over recent periods."},
			{"Management and Governance", "Leadership team, board and ownership structure."},
			{"Risks and Outlook", "Key risks, strategic initiatives and outlook."},
		},
		FinancialStatement: {
			{"Income Statement Analysis", "Revenue, costs and earnings with period-over-period changes."},
			{"Balance Sheet Analysis", "Assets, liabilities, equity and capital structure."},
			{"Cash Flow Analysis", "Operating, investing and financing cash flows."},
			{"Key Financial Ratios", "Margins, returns, leverage and liquidity ratios."},
			{"Segment Performance", "Results by business segment or region."},
			{"Outlook and Guidance", "Management guidance and expected developments."},
		},
		MarketSizing: {
			{"Market Definition", "Scope of the market, products and customer groups included."},
			{"Total Addressable Market", "Size of the total market with sources and assumptions."},
			{"Serviceable Market", "Serviceable addressable and obtainable market estimates."},
			{"Market Segmentation", "Size and share of the main segments."},
			{"Growth Drivers and Trends", "Growth rates and the forces behind them."},
			{"Pricing Analysis", "Price levels, pricing models and price trends."},
			{"Competitive Landscape", "Main players and their market shares."},
			{"Outlook", "Forecast and key uncertainties."},
		},
	}
}

type templateFile struct {
	Templates map[string][]OutlineSection `yaml:"templates"`
}

// LoadTemplates reads template overrides from a YAML file keyed by report type name.
// Types missing from the file keep their default template.
func LoadTemplates(path string) (Templates, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read outline templates: %w", err)
	}

	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse outline templates: %w", err)
	}

	templates := DefaultTemplates()
	for name, sections := range file.Templates {
		t, err := ParseReportType(name)
		if err != nil {
			return nil, err
		}
		templates[t] = sections
	}
	return templates, nil
}

// OutlineRequest is the input of BuildOutline.
type OutlineRequest struct {
	Topic       string
	ReportType  ReportType
	Headings    []string
	Strategy    OutlineStrategy
	MaxSections int
}

// OutlineResult carries the sections plus any non-fatal degradation notes.
type OutlineResult struct {
	Sections []OutlineSection
	Warnings []string
}

// BuildOutline produces the ordered outline. Generated outlines fall back to the
// fixed template; only a failed model call with no template is an error.
func (e *Engine) BuildOutline(ctx context.Context, req OutlineRequest) (OutlineResult, error) {
	var result OutlineResult
	template := e.template(req.ReportType)

	if req.Strategy != OutlineGenerated {
		result.Sections = limitSections(template, req.MaxSections)
		if len(result.Sections) == 0 {
			result.Warnings = append(result.Warnings, fmt.Sprintf("no outline template for report type %s", req.ReportType))
		}
		return result, nil
	}

	sections, err := e.generateOutline(ctx, req)
	if err != nil {
		e.logger().Warn("Outline generation failed, using template", "report_type", req.ReportType, "error", err)
		if len(template) == 0 {
			return result, fmt.Errorf("%w: %v", ErrOutlineFailed, err)
		}
		result.Warnings = append(result.Warnings, "outline generation failed, used the fixed template")
		result.Sections = limitSections(template, req.MaxSections)
		return result, nil
	}

	if len(sections) == 0 {
		result.Warnings = append(result.Warnings, "model returned an empty outline, used the fixed template")
		sections = template
	}
	result.Sections = limitSections(sections, req.MaxSections)
	if len(result.Sections) == 0 {
		result.Warnings = append(result.Warnings, "outline is empty, the report will have no sections")
	}
	return result, nil
}

func (e *Engine) template(t ReportType) []OutlineSection {
	templates := e.Templates
	if templates == nil {
		templates = DefaultTemplates()
	}
	return templates[t]
}

func (e *Engine) generateOutline(ctx context.Context, req OutlineRequest) ([]OutlineSection, error) {
	maxSections := req.MaxSections
	if maxSections <= 0 {
		maxSections = DefaultConfig().MaxSections
	}

	raw, err := e.LLM.Complete(ctx, completion.Request{
		System: outlineSystemPrompt + "\n\n" + focusFor(req.ReportType),
		Prompt: outlinePrompt(req.Topic, req.ReportType, req.Headings),
		Schema: outlineSchema(maxSections),
	})
	if err != nil {
		return nil, err
	}
	return parseOutline(raw), nil
}

// parseOutline decodes the structured response and falls back to treating every
// meaningful line as a section title.
func parseOutline(raw string) []OutlineSection {
	var resp struct {
		Sections []OutlineSection `json:"sections"`
	}
	if err := json.Unmarshal([]byte(completion.StripCodeFence(raw)), &resp); err == nil {
		var out []OutlineSection
		for _, s := range resp.Sections {
			s.Title = strings.TrimSpace(s.Title)
			if s.Title == "" {
				continue
			}
			s.Description = strings.TrimSpace(s.Description)
			out = append(out, s)
		}
		return out
	}
	return outlineFromLines(raw)
}

var (
	listMarker  = regexp.MustCompile(`^(?:#+\s*|[-*•]\s+|\d+[.)]\s+)`)
	jsonPunct   = regexp.MustCompile(`^[\[\]{}",:\s]*$|[{}]|^"\w+"\s*:`)
	titleDetail = regexp.MustCompile(`^(.{3,80}?)\s*(?::|\s-\s|\s–\s)\s*(.+)$`)
)

func outlineFromLines(raw string) []OutlineSection {
	var out []OutlineSection
	seen := make(map[string]bool)
	for _, line := range strings.Split(completion.StripCodeFence(raw), "\n") {
		line = strings.TrimSpace(line)
		// preambles such as "Here is the outline:" end with a colon
		if line == "" || jsonPunct.MatchString(line) || strings.HasSuffix(line, ":") {
			continue
		}
		line = strings.TrimSpace(listMarker.ReplaceAllString(line, ""))
		line = strings.Trim(line, `*"`)
		if line == "" {
			continue
		}

		section := OutlineSection{Title: line}
		if m := titleDetail.FindStringSubmatch(line); m != nil {
			section = OutlineSection{Title: strings.Trim(m[1], `*" `), Description: strings.TrimSpace(m[2])}
		}
		if section.Title == "" || seen[strings.ToLower(section.Title)] {
			continue
		}
		seen[strings.ToLower(section.Title)] = true
		out = append(out, section)
	}
	return out
}

func limitSections(sections []OutlineSection, n int) []OutlineSection {
	if n > 0 && len(sections) > n {
		sections = sections[:n]
	}
	return append([]OutlineSection(nil), sections...)
}
