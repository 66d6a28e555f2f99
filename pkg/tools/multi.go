package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mikeboe/report-helper/pkg/search"
)

// NamedSearcher is a web search provider with a stable name.
type NamedSearcher interface {
	search.WebSearcher
	Name() string
}

// MultiSearcher queries providers in order and concatenates their hits, dropping
// repeated URLs. A query fails only when every provider fails.
type MultiSearcher struct {
	Providers []NamedSearcher
	Logger    *slog.Logger
}

func NewMultiSearcher(providers ...NamedSearcher) *MultiSearcher {
	return &MultiSearcher{Providers: providers, Logger: slog.Default()}
}

func (m *MultiSearcher) Name() string {
	names := make([]string, 0, len(m.Providers))
	for _, p := range m.Providers {
		names = append(names, p.Name())
	}
	return strings.Join(names, "+")
}

func (m *MultiSearcher) Search(ctx context.Context, query string) ([]search.WebHit, error) {
	if len(m.Providers) == 0 {
		return nil, fmt.Errorf("no web search providers configured")
	}

	var hits []search.WebHit
	var errs []error
	seen := make(map[string]bool)
	for _, p := range m.Providers {
		res, err := p.Search(ctx, query)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			if m.Logger != nil {
				m.Logger.Warn("Web search provider failed", "provider", p.Name(), "query", query, "error", err)
			}
			continue
		}
		for _, h := range res {
			if seen[h.URL] {
				continue
			}
			seen[h.URL] = true
			hits = append(hits, h)
		}
	}
	if len(errs) == len(m.Providers) {
		return nil, errors.Join(errs...)
	}
	return hits, nil
}

// ProvidersByName builds the providers listed in names, ignoring unknown ones.
func ProvidersByName(names []string, rps float64) []NamedSearcher {
	var out []NamedSearcher
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "duckduckgo", "ddg":
			out = append(out, NewDuckDuckGo(rps))
		case "arxiv":
			out = append(out, NewArxiv(rps))
		}
	}
	return out
}
