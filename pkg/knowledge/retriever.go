package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/mikeboe/report-helper/pkg/search"
)

// Retriever answers knowledge base queries from chunks stored for one tenant.
type Retriever struct {
	Store    Store
	Embedder Embedder
	TopK     int
	// MinScore drops passages whose cosine similarity is below it.
	MinScore float64
	Logger   *slog.Logger
}

func NewRetriever(store Store, embedder Embedder) *Retriever {
	return &Retriever{Store: store, Embedder: embedder, TopK: 5, Logger: slog.Default()}
}

func (r *Retriever) Retrieve(ctx context.Context, query string, scope search.Scope) ([]search.Passage, error) {
	if !scope.Valid() {
		return nil, ErrUnscoped
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	embedding, err := r.Embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}

	topK := r.TopK
	if topK <= 0 {
		topK = 5
	}
	results, err := r.Store.SimilaritySearch(ctx, embedding, topK, ScopeFilter(scope))
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	passages := make([]search.Passage, 0, len(results))
	for _, res := range results {
		if res.Score < r.MinScore {
			continue
		}
		md := res.Document.Metadata
		passages = append(passages, search.Passage{
			Text:      res.Document.Content,
			Page:      metaInt(md, metaPage),
			FileName:  metaString(md, metaFileName),
			SourceURI: metaString(md, metaSourceURI),
		})
	}
	if r.Logger != nil {
		r.Logger.Debug("Knowledge base retrieval", "query", query, "scope", scope.String(), "passages", len(passages))
	}
	return passages, nil
}

// Document returns the stored chunks of one file in chunk order, joined by blank
// lines. Overlapping chunk text is not deduplicated.
func (r *Retriever) Document(ctx context.Context, scope search.Scope, fileName string) (string, error) {
	if !scope.Valid() {
		return "", ErrUnscoped
	}
	if strings.TrimSpace(fileName) == "" {
		return "", fmt.Errorf("%w: file name is required", ErrInvalidInput)
	}
	docs, err := r.Store.GetContentByMetadata(ctx, fileFilter(scope, fileName))
	if err != nil {
		return "", fmt.Errorf("failed to load %s: %w", fileName, err)
	}
	if len(docs) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoDocument, fileName)
	}

	sort.SliceStable(docs, func(i, j int) bool {
		return metaInt(docs[i].Metadata, metaChunk) < metaInt(docs[j].Metadata, metaChunk)
	})
	parts := make([]string, len(docs))
	for i, d := range docs {
		parts[i] = d.Content
	}
	return strings.Join(parts, "\n\n"), nil
}
