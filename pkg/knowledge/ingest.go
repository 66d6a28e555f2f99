package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mikeboe/report-helper/pkg/search"
	"github.com/mikeboe/report-helper/pkg/splitter"
	"github.com/mikeboe/report-helper/pkg/tools"
	"github.com/mikeboe/report-helper/pkg/vectorstore"
)

// PageExtractor turns a remote PDF into per-page text.
type PageExtractor interface {
	ExtractPages(ctx context.Context, documentURL string) ([]tools.OCRPage, error)
}

// Document is raw text to ingest. Page is zero when the text is not paginated.
type Document struct {
	FileName  string
	SourceURI string
	Page      int
	Text      string
}

// Ingestor chunks, embeds and stores documents for one tenant. Re-ingesting a file
// name replaces its previous chunks.
type Ingestor struct {
	Store    Store
	Embedder Embedder
	Splitter *splitter.TextSplitter
	OCR      PageExtractor
	Logger   *slog.Logger
}

func NewIngestor(store Store, embedder Embedder, ts *splitter.TextSplitter, ocr PageExtractor) *Ingestor {
	return &Ingestor{Store: store, Embedder: embedder, Splitter: ts, OCR: ocr, Logger: slog.Default()}
}

// IngestText stores docs, which must all share one file name. It returns the number
// of chunks written.
func (in *Ingestor) IngestText(ctx context.Context, scope search.Scope, docs ...Document) (int, error) {
	if !scope.Valid() {
		return 0, ErrUnscoped
	}
	if len(docs) == 0 {
		return 0, nil
	}
	fileName := docs[0].FileName
	if strings.TrimSpace(fileName) == "" {
		return 0, fmt.Errorf("%w: file name is required", ErrInvalidInput)
	}

	var texts []string
	var metas []map[string]any
	for _, d := range docs {
		if d.FileName != fileName {
			return 0, fmt.Errorf("%w: mixed file names %q and %q in one ingest", ErrInvalidInput, fileName, d.FileName)
		}
		chunks, err := in.Splitter.Split(d.Text)
		if err != nil {
			return 0, fmt.Errorf("failed to split %s: %w", fileName, err)
		}
		for _, c := range chunks {
			md := tenantMetadata(scope)
			md[metaFileName] = fileName
			md[metaSourceURI] = d.SourceURI
			md[metaChunk] = len(texts)
			if d.Page > 0 {
				md[metaPage] = d.Page
			}
			texts = append(texts, c.Text)
			metas = append(metas, md)
		}
	}
	if len(texts) == 0 {
		return 0, fmt.Errorf("%w: no text to ingest in %s", ErrInvalidInput, fileName)
	}

	vectors, err := in.Embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("failed to embed %s: %w", fileName, err)
	}
	if len(vectors) != len(texts) {
		return 0, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(texts))
	}

	stored := make([]vectorstore.Document, len(texts))
	for i := range texts {
		stored[i] = vectorstore.Document{Content: texts[i], Metadata: metas[i], Embedding: vectors[i]}
	}

	removed, err := in.Store.ReplaceByMetadata(ctx, fileFilter(scope, fileName), stored)
	if err != nil {
		return 0, fmt.Errorf("failed to store %s: %w", fileName, err)
	}

	in.logger().Info("Ingested document", "file", fileName, "scope", scope.String(), "chunks", len(stored), "replaced", removed)
	return len(stored), nil
}

// IngestPDF runs the document through OCR and stores it page by page.
func (in *Ingestor) IngestPDF(ctx context.Context, scope search.Scope, fileName, documentURL string) (int, error) {
	if in.OCR == nil {
		return 0, fmt.Errorf("OCR is not configured")
	}
	pages, err := in.OCR.ExtractPages(ctx, documentURL)
	if err != nil {
		return 0, fmt.Errorf("failed to extract %s: %w", fileName, err)
	}

	docs := make([]Document, 0, len(pages))
	for _, p := range pages {
		if strings.TrimSpace(p.Markdown) == "" {
			continue
		}
		docs = append(docs, Document{FileName: fileName, SourceURI: documentURL, Page: p.Index, Text: p.Markdown})
	}
	if len(docs) == 0 {
		return 0, fmt.Errorf("%w: no text extracted from %s", ErrInvalidInput, fileName)
	}
	return in.IngestText(ctx, scope, docs...)
}

func (in *Ingestor) logger() *slog.Logger {
	if in.Logger != nil {
		return in.Logger
	}
	return slog.Default()
}
