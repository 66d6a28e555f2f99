package report

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeboe/report-helper/pkg/completion"
	"github.com/mikeboe/report-helper/pkg/search"
)

type stubResearcher struct {
	findings map[string]Finding
	err      error
	requests []ResearchRequest
}

func (s *stubResearcher) Research(ctx context.Context, req ResearchRequest) (map[string]Finding, error) {
	s.requests = append(s.requests, req)
	return s.findings, s.err
}

func threeSections(t *testing.T) ReportState {
	return builtState(t,
		section(t, "Company Overview", "Acme sells software."),
		section(t, "Market Analysis", "The market grows steadily."),
		section(t, "Outlook", "The outlook is positive."))
}

func TestEveryUpdateTypeHasHandler(t *testing.T) {
	for _, ut := range AllUpdateTypes {
		assert.NotNil(t, handlerFor(ut), ut)
		assert.True(t, ut.Valid())
	}
	assert.Nil(t, handlerFor(UpdateType("REWRITE_EVERYTHING")))
}

func TestEnrichmentUpdateScenario(t *testing.T) {
	const paragraph = "Competitors price comparable plans about a tenth below Acme, which limits its pricing power."
	llm := newStub().
		reply(kindFragments, `{"fragments": [{"update_type": "DATA_ENRICHMENT", "target_sections": [1], "note": "add competitor pricing", "need_research": true, "research_topics": ["competitor pricing"], "output_style": "paragraph"}]}`).
		reply(kindEnrich, paragraph)
	research := &stubResearcher{findings: map[string]Finding{
		"competitor pricing": {Summary: "Rivals undercut Acme on price.", Citations: []search.Citation{
			search.NewWebCitation(search.WebCitation{Title: "Pricing", URL: "https://example.com/pricing"}),
		}},
	}}
	planner := NewPlanner(NewEngine(llm, nil, search.Suite{}), research)

	before := threeSections(t)
	out, err := planner.Apply(context.Background(), before, "add more detail about competitor pricing to the market section")
	require.NoError(t, err)

	market := out.Outline[1]
	assert.True(t, strings.HasPrefix(market.Content, before.Outline[1].Content))
	assert.Equal(t, before.Outline[1].Content+"\n\n"+paragraph, market.Content)
	assert.Equal(t, before.Outline[0].Content, out.Outline[0].Content)
	assert.Equal(t, before.Outline[2].Content, out.Outline[2].Content)
	assert.Contains(t, out.FinalReport, paragraph)
	assert.NotEqual(t, before.FinalReport, out.FinalReport)
	assert.Len(t, out.Citations, 1)

	require.Len(t, research.requests, 1)
	assert.Equal(t, []string{"competitor pricing"}, research.requests[0].Topics)
	assert.Equal(t, search.Scope{UserID: "user-1", ProjectID: "project-1"}, research.requests[0].Scope)
	assert.Equal(t, DefaultConfig().ResearchTokenBudget, research.requests[0].TokenBudget)
}

func TestParseNormalizesFragments(t *testing.T) {
	llm := newStub().reply(kindFragments, `{"fragments": [
		{"update_type": "LANGUAGE_TONE_CHANGE", "target_sections": null, "note": "more formal", "need_research": true, "research_topics": ["x"]},
		{"update_type": "DATA_ENRICHMENT", "target_sections": [0, 7], "note": "expand overview", "need_research": false},
		{"update_type": "VISUAL_TYPE_CHANGE", "target_sections": [1], "target_visuals": ["chart-1"], "note": "use a bar chart", "need_research": false},
		{"update_type": "DATA_ENRICHMENT", "target_sections": [2], "note": "", "need_research": true, "research_topics": ["growth"], "output_style": "table"}
	]}`)
	planner := NewPlanner(NewEngine(llm, nil, search.Suite{}), nil)

	req, err := planner.Parse(context.Background(), []string{"Overview", "Market", "Outlook"}, "the request")
	require.NoError(t, err)
	require.Len(t, req.Fragments, 4)

	tone := req.Fragments[0]
	assert.False(t, tone.NeedResearch)
	assert.Nil(t, tone.ResearchTopics)
	assert.Nil(t, tone.TargetSections)
	assert.Equal(t, StyleParagraph, tone.OutputStyle)

	enrich := req.Fragments[1]
	assert.True(t, enrich.NeedResearch)
	assert.Equal(t, []string{"expand overview"}, enrich.ResearchTopics)
	assert.Equal(t, []int{0}, enrich.TargetSections)
	assert.Equal(t, []string{"Overview"}, enrich.Targets)

	visual := req.Fragments[2]
	assert.Nil(t, visual.TargetSections)
	assert.Equal(t, []string{"chart-1"}, visual.TargetVisuals)

	table := req.Fragments[3]
	assert.Equal(t, "the request", table.Note)
	assert.Equal(t, StyleTable, table.OutputStyle)
	assert.Equal(t, []string{"Outlook"}, table.Targets)
}

func TestParseFallsBackToHeuristics(t *testing.T) {
	titles := []string{"Company Overview", "Market Analysis", "Outlook"}
	tests := []struct {
		request string
		want    UpdateType
		targets []string
		style   OutputStyle
	}{
		{"add more detail about competitor pricing to the market section", DataEnrichment, []string{"Market Analysis"}, StyleParagraph},
		{"show the market analysis as a table", DataEnrichment, []string{"Market Analysis"}, StyleTable},
		{"remove the outlook", RemoveSection, []string{"Outlook"}, StyleParagraph},
		{"make the tone more formal", LanguageToneChange, nil, StyleParagraph},
		{"turn the revenue chart into a pie chart", VisualTypeChange, nil, StyleChart},
	}
	for _, tt := range tests {
		t.Run(tt.request, func(t *testing.T) {
			planner := NewPlanner(NewEngine(newStub().reply(kindFragments, "I cannot do that"), nil, search.Suite{}), nil)
			req, err := planner.Parse(context.Background(), titles, tt.request)
			require.NoError(t, err)
			require.Len(t, req.Fragments, 1)
			f := req.Fragments[0]
			assert.Equal(t, tt.want, f.UpdateType)
			assert.Equal(t, tt.targets, f.Targets)
			assert.Equal(t, tt.style, f.OutputStyle)
		})
	}
}

func TestApplyFragmentsStructuralEdits(t *testing.T) {
	ctx := context.Background()
	planner := NewPlanner(NewEngine(newStub(), nil, search.Suite{}), nil)
	titles := threeSections(t).Titles()

	frag := func(ut UpdateType, targets ...int) UpdateFragment {
		return normalizeFragment(UpdateFragment{UpdateType: ut, TargetSections: targets, Note: "n"}, titles, "n")
	}

	t.Run("ordering swaps two sections", func(t *testing.T) {
		out, err := planner.ApplyFragments(ctx, threeSections(t), UpdateRequest{Fragments: []UpdateFragment{frag(SectionOrdering, 0, 2)}})
		require.NoError(t, err)
		assert.Equal(t, []string{"Outlook", "Market Analysis", "Company Overview"}, out.Titles())
		assert.True(t, strings.HasPrefix(out.FinalReport, "## 1. Outlook"))
	})

	t.Run("remove", func(t *testing.T) {
		out, err := planner.ApplyFragments(ctx, threeSections(t), UpdateRequest{Fragments: []UpdateFragment{frag(RemoveSection, 1)}})
		require.NoError(t, err)
		assert.Equal(t, []string{"Company Overview", "Outlook"}, out.Titles())
	})

	t.Run("merge concatenates into the first target", func(t *testing.T) {
		before := threeSections(t)
		out, err := planner.ApplyFragments(ctx, before, UpdateRequest{Fragments: []UpdateFragment{frag(MergeSections, 1, 2)}})
		require.NoError(t, err)
		assert.Equal(t, []string{"Company Overview", "Market Analysis"}, out.Titles())
		assert.Equal(t, before.Outline[1].Content+"\n\n"+before.Outline[2].Content, out.Outline[1].Content)
		assert.Equal(t, before.Outline[0].Content, out.Outline[0].Content)
	})

	t.Run("targets resolve by title after reordering", func(t *testing.T) {
		out, err := planner.ApplyFragments(ctx, threeSections(t), UpdateRequest{Fragments: []UpdateFragment{
			frag(SectionOrdering, 0, 2),
			frag(RemoveSection, 0),
		}})
		require.NoError(t, err)
		assert.Equal(t, []string{"Outlook", "Market Analysis"}, out.Titles())
	})

	t.Run("missing target is skipped with a warning", func(t *testing.T) {
		f := frag(RemoveSection, 1)
		f.Targets = []string{"Gone"}
		out, err := planner.ApplyFragments(ctx, threeSections(t), UpdateRequest{Fragments: []UpdateFragment{f}})
		require.NoError(t, err)
		assert.Len(t, out.Outline, 3)
		assert.NotEmpty(t, out.Warnings)
	})

	t.Run("visual change leaves content alone", func(t *testing.T) {
		before := threeSections(t)
		f := UpdateFragment{UpdateType: VisualDataCorrection, TargetVisuals: []string{"v1"}, Note: "fix 2023 value"}
		out, err := planner.ApplyFragments(ctx, before, UpdateRequest{Fragments: []UpdateFragment{f}})
		require.NoError(t, err)
		assert.True(t, out.VisualRefresh.Required)
		assert.Equal(t, []string{"v1"}, out.VisualRefresh.VisualIDs)
		assert.Equal(t, before.FinalReport, out.FinalReport)
	})
}

func TestEnrichmentWithoutTargetFails(t *testing.T) {
	planner := NewPlanner(NewEngine(newStub(), nil, search.Suite{}), &stubResearcher{})
	f := UpdateFragment{UpdateType: DataEnrichment, TargetSections: []int{}, NeedResearch: true, ResearchTopics: []string{"x"}}
	_, err := planner.ApplyFragments(context.Background(), threeSections(t), UpdateRequest{Fragments: []UpdateFragment{f}})
	assert.ErrorIs(t, err, ErrNoMatchingSection)
}

func TestEnrichmentWithoutModelTargetUsesKeywordMatch(t *testing.T) {
	const request = "add more detail about competitor pricing to the market section"
	llm := newStub().
		reply(kindFragments, `{"fragments": [{"update_type": "DATA_ENRICHMENT", "target_sections": null, "note": "", "need_research": true, "research_topics": ["competitor pricing"], "output_style": "paragraph"}]}`).
		reply(kindEnrich, "Rivals price below Acme.")
	research := &stubResearcher{findings: map[string]Finding{"competitor pricing": {Summary: "Rivals undercut Acme."}}}
	planner := NewPlanner(NewEngine(llm, nil, search.Suite{}), research)

	before := threeSections(t)
	parsed, err := planner.Parse(context.Background(), before.Titles(), request)
	require.NoError(t, err)
	require.Len(t, parsed.Fragments, 1)
	assert.Equal(t, []int{1}, parsed.Fragments[0].TargetSections)
	assert.Equal(t, []string{"Market Analysis"}, parsed.Fragments[0].Targets)

	out, err := planner.Apply(context.Background(), before, request)
	require.NoError(t, err)
	assert.Equal(t, before.Outline[1].Content+"\n\nRivals price below Acme.", out.Outline[1].Content)
	assert.Equal(t, before.Outline[0].Content, out.Outline[0].Content)

	_, err = planner.Apply(context.Background(), before, "zzz qqq")
	assert.ErrorIs(t, err, ErrNoMatchingSection)
}

func TestEnrichmentFallsBackToRawEvidence(t *testing.T) {
	llm := newStub().on(kindEnrich, func(completion.Request) (string, error) { return "", errors.New("overloaded") })
	research := &stubResearcher{findings: map[string]Finding{"pricing": {Summary: "Prices fell 5%."}}}
	planner := NewPlanner(NewEngine(llm, nil, search.Suite{}), research)

	before := threeSections(t)
	f := normalizeFragment(UpdateFragment{UpdateType: DataEnrichment, TargetSections: []int{0, 1}, ResearchTopics: []string{"pricing"}}, before.Titles(), "pricing")
	out, err := planner.ApplyFragments(context.Background(), before, UpdateRequest{Fragments: []UpdateFragment{f}})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		assert.Equal(t, before.Outline[i].Content+"\n\nPrices fell 5%.", out.Outline[i].Content)
	}
	assert.Equal(t, before.Outline[2].Content, out.Outline[2].Content)
}

func TestRewriteFragments(t *testing.T) {
	ctx := context.Background()

	t.Run("literal replacements", func(t *testing.T) {
		planner := NewPlanner(NewEngine(newStub(), nil, search.Suite{}), nil)
		before := threeSections(t)
		f := normalizeFragment(UpdateFragment{
			UpdateType:     FixFactualError,
			TargetSections: []int{0},
			Replacements:   []Replacement{{Find: "software", Replace: "hardware"}},
		}, before.Titles(), "fix")
		out, err := planner.ApplyFragments(ctx, before, UpdateRequest{Fragments: []UpdateFragment{f}})
		require.NoError(t, err)
		assert.Equal(t, "Acme sells hardware.", out.Outline[0].Content)
		assert.Equal(t, before.Outline[1].Content, out.Outline[1].Content)
	})

	t.Run("model rewrite of all sections", func(t *testing.T) {
		llm := newStub().on(kindRewrite, func(req completion.Request) (string, error) {
			return strings.ToUpper(req.Prompt[strings.Index(req.Prompt, "Content:\n")+len("Content:\n"):]), nil
		})
		planner := NewPlanner(NewEngine(llm, nil, search.Suite{}), nil)
		before := threeSections(t)
		f := normalizeFragment(UpdateFragment{UpdateType: LanguageToneChange, Note: "shout"}, before.Titles(), "shout")
		out, err := planner.ApplyFragments(ctx, before, UpdateRequest{Fragments: []UpdateFragment{f}})
		require.NoError(t, err)
		assert.Equal(t, "ACME SELLS SOFTWARE.", out.Outline[0].Content)
		assert.Equal(t, "THE OUTLOOK IS POSITIVE.", out.Outline[2].Content)
		assert.Equal(t, 3, llm.count(kindRewrite))
	})

	t.Run("failed rewrite keeps content", func(t *testing.T) {
		llm := newStub().on(kindRewrite, func(completion.Request) (string, error) { return "", errors.New("down") })
		planner := NewPlanner(NewEngine(llm, nil, search.Suite{}), nil)
		before := threeSections(t)
		f := normalizeFragment(UpdateFragment{UpdateType: UpdateNumericValues, TargetSections: []int{1}, Note: "update figures"}, before.Titles(), "x")
		out, err := planner.ApplyFragments(ctx, before, UpdateRequest{Fragments: []UpdateFragment{f}})
		require.NoError(t, err)
		assert.Equal(t, before.Outline[1].Content, out.Outline[1].Content)
		assert.NotEmpty(t, out.Warnings)
	})
}

func TestFormattingFragments(t *testing.T) {
	ctx := context.Background()
	planner := NewPlanner(NewEngine(newStub(), nil, search.Suite{}), nil)
	state := builtState(t,
		section(t, "A", "Intro  \n\n\n\n- one\n* two\n\nText"),
		section(t, "B", "1. first\n2) second"))

	bullets := normalizeFragment(UpdateFragment{UpdateType: BulletStyleChange, Note: "use numbered lists"}, state.Titles(), "x")
	out, err := planner.ApplyFragments(ctx, state, UpdateRequest{Fragments: []UpdateFragment{bullets}})
	require.NoError(t, err)
	assert.Equal(t, "Intro  \n\n\n\n1. one\n2. two\n\nText", out.Outline[0].Content)
	assert.Equal(t, "1. first\n2. second", out.Outline[1].Content)

	formatting := normalizeFragment(UpdateFragment{UpdateType: GeneralFormatting, TargetSections: []int{0}}, state.Titles(), "")
	formatting.Note = ""
	out, err = planner.ApplyFragments(ctx, state, UpdateRequest{Fragments: []UpdateFragment{formatting}})
	require.NoError(t, err)
	assert.Equal(t, "Intro\n\n- one\n* two\n\nText", out.Outline[0].Content)
	assert.Equal(t, state.Outline[1].Content, out.Outline[1].Content)
}

func TestAddSectionDraftsAndInserts(t *testing.T) {
	llm := newStub().reply(kindSection, stubText).reply(kindQueries, `{"web": ["pricing"], "knowledge_base": [], "spreadsheet": []}`)
	planner := NewPlanner(NewEngine(llm, nil, search.Suite{}), nil)
	before := threeSections(t)

	f := normalizeFragment(UpdateFragment{
		UpdateType:     AddSection,
		TargetSections: []int{0},
		NewSection:     &OutlineSection{Title: "Pricing", Description: "Price levels"},
	}, before.Titles(), "add pricing")
	out, err := planner.ApplyFragments(context.Background(), before, UpdateRequest{Fragments: []UpdateFragment{f}})
	require.NoError(t, err)

	assert.Equal(t, []string{"Company Overview", "Pricing", "Market Analysis", "Outlook"}, out.Titles())
	assert.Equal(t, stubText, out.Outline[1].Content)
	assert.Contains(t, out.FinalReport, "## 2. Pricing")
}

func TestResearchFailureDegrades(t *testing.T) {
	planner := NewPlanner(NewEngine(newStub(), nil, search.Suite{}), &stubResearcher{err: errors.New("search down")})
	before := threeSections(t)
	f := normalizeFragment(UpdateFragment{UpdateType: DataEnrichment, TargetSections: []int{1}}, before.Titles(), "expand")
	out, err := planner.ApplyFragments(context.Background(), before, UpdateRequest{Fragments: []UpdateFragment{f}})
	require.NoError(t, err)
	assert.Equal(t, before.Outline[1].Content, out.Outline[1].Content)
	assert.Len(t, out.Warnings, 2)
}

func TestApplyRequiresReport(t *testing.T) {
	planner := NewPlanner(NewEngine(newStub(), nil, search.Suite{}), nil)
	_, err := planner.Apply(context.Background(), newState(t, AllSources()), "anything")
	assert.ErrorIs(t, err, ErrNoReport)
}

func TestSuiteResearcher(t *testing.T) {
	web := &fakeAdapter{source: search.SourceWeb}
	llm := newStub().on(kindSummarize, func(req completion.Request) (string, error) {
		return "Summary of " + strings.SplitN(req.Prompt, "\n", 2)[0], nil
	})
	r := NewSuiteResearcher(search.Suite{Web: web}, llm, "")
	r.CountTokens = func(text string) int { return len(strings.Fields(text)) }

	out, err := r.Research(context.Background(), ResearchRequest{
		Topic:       "Acme",
		Topics:      []string{"pricing", "churn"},
		Scope:       search.Scope{UserID: "u", ProjectID: "p"},
		Enabled:     search.Enabled{Web: true},
		TokenBudget: 100,
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "Summary of Research topic: pricing", out["pricing"].Summary)
	assert.Len(t, out["churn"].Citations, 1)
	assert.Equal(t, 2, web.calls())
}

func TestSuiteResearcherSkipsTopicsWithoutEvidence(t *testing.T) {
	llm := newStub()
	r := NewSuiteResearcher(search.Suite{}, llm, "")
	out, err := r.Research(context.Background(), ResearchRequest{Topics: []string{"pricing"}, Enabled: search.Enabled{Web: true}})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Empty(t, llm.calls)
}

func TestCapEvidence(t *testing.T) {
	count := func(s string) int { return len(strings.Fields(s)) }
	blocks := []string{"a b c", "d e", "f g h i"}

	assert.Equal(t, []string{"a b c", "d e"}, capEvidence(blocks, 6, count))
	assert.Equal(t, blocks, capEvidence(blocks, 0, count))
	cut := capEvidence([]string{"aaaa bbbb cccc dddd"}, 2, count)
	require.Len(t, cut, 1)
	assert.Less(t, len(cut[0]), len("aaaa bbbb cccc dddd"))
}
