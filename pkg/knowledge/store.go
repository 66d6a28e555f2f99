package knowledge

import (
	"context"
	"errors"
	"strconv"

	"github.com/mikeboe/report-helper/pkg/search"
	"github.com/mikeboe/report-helper/pkg/vectorstore"
)

// ErrUnscoped is returned for reads or writes without both tenant identifiers.
var ErrUnscoped = errors.New("knowledge: user_id and project_id are required")

// ErrNoDocument is returned when a file has no stored chunks for the tenant.
var ErrNoDocument = errors.New("knowledge: document not found")

// ErrInvalidInput marks documents or workbooks that cannot be ingested.
var ErrInvalidInput = errors.New("knowledge: invalid input")

// Store is the subset of the pgvector store the knowledge layer needs.
type Store interface {
	SimilaritySearch(ctx context.Context, embedding []float32, topK int, filter vectorstore.Filter) ([]vectorstore.SimilaritySearchResult, error)
	GetContentByMetadata(ctx context.Context, filter vectorstore.Filter) ([]vectorstore.Document, error)
	Exists(ctx context.Context, filter vectorstore.Filter) (bool, error)
	ReplaceByMetadata(ctx context.Context, filter vectorstore.Filter, docs []vectorstore.Document) (int64, error)
}

// Embedder turns text into vectors.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// Metadata keys shared by chunks and cells.
const (
	metaUserID    = "user_id"
	metaProjectID = "project_id"
	metaFileName  = "file_name"
	metaSourceURI = "source_uri"
	metaPage      = "page"
	metaChunk     = "chunk"
	metaSheet     = "sheet"
	metaRow       = "row"
	metaCol       = "col"
	metaValue     = "value"
	metaLabel     = "label"
)

// ScopeFilter restricts a query to one tenant.
func ScopeFilter(scope search.Scope) vectorstore.Filter {
	return vectorstore.Filter{
		metaUserID:    scope.UserID,
		metaProjectID: scope.ProjectID,
	}
}

func fileFilter(scope search.Scope, fileName string) vectorstore.Filter {
	f := ScopeFilter(scope)
	f[metaFileName] = fileName
	return f
}

func tenantMetadata(scope search.Scope) map[string]any {
	return map[string]any{
		metaUserID:    scope.UserID,
		metaProjectID: scope.ProjectID,
	}
}

func metaString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// metaInt reads numbers that round-tripped through JSONB as float64.
func metaInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}
