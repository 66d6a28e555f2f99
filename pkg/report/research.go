package report

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tmc/langchaingo/llms"
	"golang.org/x/sync/errgroup"

	"github.com/mikeboe/report-helper/pkg/completion"
	"github.com/mikeboe/report-helper/pkg/search"
)

// Finding is the synthesized evidence for one research topic.
type Finding struct {
	Summary   string            `json:"summary"`
	Citations []search.Citation `json:"citations,omitempty"`
}

// ResearchRequest asks for one finding per topic.
type ResearchRequest struct {
	Topic       string
	Topics      []string
	Scope       search.Scope
	Enabled     search.Enabled
	TokenBudget int
}

// Researcher gathers evidence for update fragments. Topics without evidence are
// absent from the result.
type Researcher interface {
	Research(ctx context.Context, req ResearchRequest) (map[string]Finding, error)
}

// TokenCounter measures text against the research token budget.
type TokenCounter func(text string) int

// SuiteResearcher searches every topic through the adapters concurrently and
// summarizes each topic's evidence with one model call.
type SuiteResearcher struct {
	Suite       search.Suite
	LLM         completion.Completer
	CountTokens TokenCounter
	// Concurrency bounds topics researched at once.
	Concurrency int
	Logger      *slog.Logger
}

func NewSuiteResearcher(suite search.Suite, llm completion.Completer, model string) *SuiteResearcher {
	return &SuiteResearcher{
		Suite: suite,
		LLM:   llm,
		CountTokens: func(text string) int {
			return llms.CountTokens(model, text)
		},
		Concurrency: 4,
		Logger:      slog.Default(),
	}
}

func (r *SuiteResearcher) Research(ctx context.Context, req ResearchRequest) (map[string]Finding, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	out := make(map[string]Finding, len(req.Topics))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	if r.Concurrency > 0 {
		g.SetLimit(r.Concurrency)
	}
	for _, topic := range req.Topics {
		g.Go(func() error {
			finding, ok := r.researchTopic(gctx, req, topic, logger)
			if !ok {
				return nil
			}
			mu.Lock()
			out[topic] = finding
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}

func (r *SuiteResearcher) researchTopic(ctx context.Context, req ResearchRequest, topic string, logger *slog.Logger) (Finding, bool) {
	query := topic
	if req.Topic != "" {
		query = fmt.Sprintf("%s %s", req.Topic, topic)
	}
	results := r.Suite.Run(ctx, topic, req.Scope, req.Enabled, search.Same([]string{query}))
	blocks := capEvidence(results.ContextBlocks(), req.TokenBudget, r.count)
	if len(blocks) == 0 {
		logger.Warn("No evidence for research topic", "topic", topic)
		return Finding{}, false
	}

	summary, err := r.LLM.Complete(ctx, completion.Request{
		System: summarizeSystemPrompt,
		Prompt: summarizePrompt(topic, blocks),
	})
	if err != nil {
		logger.Warn("Research summary failed", "topic", topic, "error", err)
		return Finding{}, false
	}
	return Finding{Summary: singleParagraph(summary), Citations: results.Citations()}, true
}

func (r *SuiteResearcher) count(text string) int {
	if r.CountTokens != nil {
		return r.CountTokens(text)
	}
	return approxTokens(text)
}

// approxTokens assumes four characters per token.
func approxTokens(text string) int {
	return (len(text) + 3) / 4
}

// capEvidence keeps blocks in relevance order until the budget is spent; the
// least relevant blocks at the tail are dropped first. A single oversized block is
// cut to fit rather than dropped.
func capEvidence(blocks []string, budget int, count TokenCounter) []string {
	if budget <= 0 {
		return blocks
	}
	var out []string
	used := 0
	for _, b := range blocks {
		n := count(b)
		if used+n <= budget {
			out = append(out, b)
			used += n
			continue
		}
		if len(out) == 0 {
			// roughly proportional cut of the first block
			keep := len([]rune(b)) * budget / max(n, 1)
			out = append(out, truncateRunes(b, keep))
		}
		break
	}
	return out
}
