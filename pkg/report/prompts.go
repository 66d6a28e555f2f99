package report

import (
	"fmt"
	"strings"
)

// reportFocus is the prompt family per report type.
var reportFocus = map[ReportType]string{
	CompanyProfile: `You are writing a company profile for investment professionals.
Focus on what the company does, how it makes money, its market position, its competitors, its management and the main risks.`,
	FinancialStatement: `You are writing a financial statement analysis for investment professionals.
Focus on reported figures, margins, ratios, cash generation, balance sheet strength and period-over-period changes. Quote numbers with their period and currency.`,
	MarketSizing: `You are writing a market sizing report for strategy consultants.
Focus on market definition, total/serviceable market size, growth rates, segments, pricing and the assumptions behind every estimate.`,
}

func focusFor(t ReportType) string {
	if f, ok := reportFocus[t]; ok {
		return f
	}
	return reportFocus[CompanyProfile]
}

const outlineSystemPrompt = `You are a report planner.
Create the outline of a professional research report. Each section needs a short title and a one sentence description of what it must cover.
Keep the sections in a logical reading order and do not create overlapping sections.`

func outlineSchema(maxSections int) string {
	return fmt.Sprintf(`{
  "type": "object",
  "properties": {
    "sections": {
      "type": "array",
      "maxItems": %d,
      "items": {
        "type": "object",
        "properties": {
          "title": {"type": "string"},
          "description": {"type": "string"}
        },
        "required": ["title", "description"]
      }
    }
  },
  "required": ["sections"]
}`, maxSections)
}

func outlinePrompt(topic string, reportType ReportType, headings []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\nReport type: %s\n", topic, reportType)
	if len(headings) > 0 {
		b.WriteString("\nThe outline must cover these headings (you may refine their wording):\n")
		for _, h := range headings {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}
	return b.String()
}

const queriesSystemPrompt = `You are a research planner.
Generate specific search queries that gather the evidence needed to write one report section.
Write queries for each requested source only. Web queries should be short keyword searches; knowledge base and spreadsheet queries should describe the facts or figures to look up.
Do not repeat earlier queries. If feedback on a previous draft is given, target the missing information.`

func queriesSchema(maxPerSource int) string {
	return fmt.Sprintf(`{
  "type": "object",
  "properties": {
    "web": {"type": "array", "maxItems": %[1]d, "items": {"type": "string"}},
    "knowledge_base": {"type": "array", "maxItems": %[1]d, "items": {"type": "string"}},
    "spreadsheet": {"type": "array", "maxItems": %[1]d, "items": {"type": "string"}}
  },
  "required": ["web", "knowledge_base", "spreadsheet"]
}`, maxPerSource)
}

func queriesPrompt(topic string, s SectionState, caps Capabilities, maxPerSource int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\nSection: %s\nDescription: %s\n", topic, s.Title, s.Description)

	var sources []string
	if caps.WebResearch {
		sources = append(sources, "web")
	}
	if caps.KnowledgeBaseSearch {
		sources = append(sources, "knowledge_base")
	}
	if caps.SpreadsheetSearch {
		sources = append(sources, "spreadsheet")
	}
	fmt.Fprintf(&b, "Sources: %s (at most %d queries each, leave the others empty)\n", strings.Join(sources, ", "), maxPerSource)

	prior := append(append(append([]string{}, s.Queries.Web...), s.Queries.KnowledgeBase...), s.Queries.Spreadsheet...)
	if len(prior) > 0 {
		fmt.Fprintf(&b, "\nEarlier queries:\n- %s\n", strings.Join(prior, "\n- "))
	}
	if s.Content != "" {
		fmt.Fprintf(&b, "\nCurrent draft:\n%s\n", truncateRunes(s.Content, 2000))
	}
	if len(s.Feedback) > 0 {
		fmt.Fprintf(&b, "\nFeedback:\n- %s\n", strings.Join(s.Feedback, "\n- "))
	}
	return b.String()
}

const sectionSystemPrompt = `Write one section of the report in Markdown prose, between 300 and 500 words.
Use only the facts in the provided context. Do not invent figures, names or dates. If the context does not cover something, leave it out instead of guessing.
Do not repeat the section title as a heading and do not add placeholders.`

func sectionPrompt(topic string, s SectionState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\nSection: %s\nDescription: %s\n\n", topic, s.Title, s.Description)
	if len(s.Context) == 0 {
		b.WriteString("Context: (no evidence was found)\n")
	} else {
		fmt.Fprintf(&b, "Context:\n%s\n", strings.Join(s.Context, "\n\n---\n\n"))
	}
	if len(s.Feedback) > 0 {
		fmt.Fprintf(&b, "\nThe previous draft was rejected:\n- %s\n", strings.Join(s.Feedback, "\n- "))
	}
	return b.String()
}

const recognizeSystemPrompt = `You map a change request to the report section it is about.
Return the index of the single best matching section, or null when no section matches.`

const recognizeSchema = `{
  "type": "object",
  "properties": {
    "section_index": {"type": ["integer", "null"]}
  },
  "required": ["section_index"]
}`

func recognizePrompt(query string, outline []SectionState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Change request: %s\n\nSections:\n", query)
	for i, s := range outline {
		fmt.Fprintf(&b, "%d. %s: %s\n", i, s.Title, s.Description)
	}
	return b.String()
}

const updateQueriesSystemPrompt = `You are a research planner.
Generate exactly two targeted search queries that find the new information a change request asks for.`

const updateQueriesSchema = `{
  "type": "object",
  "properties": {
    "queries": {"type": "array", "minItems": 2, "maxItems": 2, "items": {"type": "string"}}
  },
  "required": ["queries"]
}`

func updateQueriesPrompt(query string, s SectionState) string {
	return fmt.Sprintf("Change request: %s\nSection: %s\nDescription: %s\n", query, s.Title, s.Description)
}

const updateParagraphSystemPrompt = `Write exactly one new paragraph that adds what the change request asks for to an existing report section.
Use only the facts in the provided context. Do not restate the existing content and do not use headings or lists.`

func updateParagraphPrompt(query string, s SectionState, blocks []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Change request: %s\nSection: %s\n\nExisting content:\n%s\n\n", query, s.Title, s.Content)
	if len(blocks) == 0 {
		b.WriteString("Context: (no new evidence was found)\n")
	} else {
		fmt.Fprintf(&b, "Context:\n%s\n", strings.Join(blocks, "\n\n---\n\n"))
	}
	return b.String()
}

const fragmentsSystemPrompt = `You turn a free-text change request for an existing report into a list of typed update fragments.
Rules:
- Requests to add detail or expand a section are DATA_ENRICHMENT with need_research=true and explicit research_topics.
- When the request asks for a table or a list, set output_style to "table" or "bullets".
- Pure formatting or tone requests without new facts use a formatting type with need_research=false and target_sections=null (all sections).
- Requests that only concern charts or visuals set target_visuals and use a VISUAL_* type.
- target_sections holds section indexes from the outline below.
- ADD_SECTION fills new_section; target_sections[0], when given, is the section it follows.
- UPDATE_NUMERIC_VALUES and FIX_FACTUAL_ERROR may list exact text replacements.`

func fragmentsSchema() string {
	types := make([]string, len(AllUpdateTypes))
	for i, t := range AllUpdateTypes {
		types[i] = `"` + string(t) + `"`
	}
	return fmt.Sprintf(`{
  "type": "object",
  "properties": {
    "fragments": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "update_type": {"type": "string", "enum": [%s]},
          "target_sections": {"type": ["array", "null"], "items": {"type": "integer"}},
          "target_visuals": {"type": ["array", "null"], "items": {"type": "string"}},
          "note": {"type": "string"},
          "need_research": {"type": "boolean"},
          "research_topics": {"type": "array", "items": {"type": "string"}},
          "output_style": {"type": "string", "enum": ["paragraph", "bullets", "table", "chart"]},
          "new_section": {"type": "object", "properties": {"title": {"type": "string"}, "description": {"type": "string"}}},
          "replacements": {"type": "array", "items": {"type": "object", "properties": {"find": {"type": "string"}, "replace": {"type": "string"}}}}
        },
        "required": ["update_type", "note", "need_research"]
      }
    }
  },
  "required": ["fragments"]
}`, strings.Join(types, ", "))
}

func fragmentsPrompt(titles []string, request string) string {
	var b strings.Builder
	b.WriteString("Outline:\n")
	for i, t := range titles {
		fmt.Fprintf(&b, "%d. %s\n", i, t)
	}
	fmt.Fprintf(&b, "\nChange request: %s\n", request)
	return b.String()
}

const enrichSystemPrompt = `Rewrite the new evidence so it can be appended to an existing report section.
Do not repeat what the section already says. Use only the evidence provided.`

func enrichPrompt(s SectionState, note string, style OutputStyle, evidence []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Section: %s\nInstruction: %s\nOutput style: %s\n\nExisting content:\n%s\n\nNew evidence:\n%s\n",
		s.Title, note, styleInstruction(style), s.Content, strings.Join(evidence, "\n\n"))
	return b.String()
}

func styleInstruction(style OutputStyle) string {
	switch style {
	case StyleBullets:
		return "a Markdown bullet list"
	case StyleTable:
		return "a Markdown table followed by one sentence of commentary"
	case StyleChart:
		return "a short paragraph describing the figures a chart should show"
	default:
		return "one or two paragraphs of prose"
	}
}

const rewriteSystemPrompt = `You edit one section of a report according to an instruction.
Change only what the instruction covers and keep every other sentence, figure and citation exactly as it is.
Return the complete edited section text without commentary.`

func rewritePrompt(s SectionState, updateType UpdateType, note string, evidence []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Edit type: %s\nInstruction: %s\nSection: %s\n\nContent:\n%s\n", updateType, note, s.Title, s.Content)
	if len(evidence) > 0 {
		fmt.Fprintf(&b, "\nSupporting evidence:\n%s\n", strings.Join(evidence, "\n\n"))
	}
	return b.String()
}

const summarizeSystemPrompt = `Summarize the evidence about the research topic into one dense paragraph.
Keep concrete figures, dates and names. Use only the evidence provided.`

func summarizePrompt(topic string, blocks []string) string {
	return fmt.Sprintf("Research topic: %s\n\nEvidence:\n%s\n", topic, strings.Join(blocks, "\n\n---\n\n"))
}
