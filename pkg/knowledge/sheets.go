package knowledge

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/mikeboe/report-helper/pkg/search"
	"github.com/mikeboe/report-helper/pkg/vectorstore"
)

const (
	handlePrefix = "sheets:"
	csvSheetName = "Sheet1"
)

// SheetIndex is the per-project spreadsheet index: one embedded record per cell.
type SheetIndex struct {
	Store    Store
	Embedder Embedder
	TopK     int
	Logger   *slog.Logger
}

func NewSheetIndex(store Store, embedder Embedder) *SheetIndex {
	return &SheetIndex{Store: store, Embedder: embedder, TopK: 10, Logger: slog.Default()}
}

// Lookup reports whether any spreadsheet was indexed for the tenant.
func (s *SheetIndex) Lookup(ctx context.Context, scope search.Scope) (string, bool, error) {
	if !scope.Valid() {
		return "", false, ErrUnscoped
	}
	ok, err := s.Store.Exists(ctx, ScopeFilter(scope))
	if err != nil || !ok {
		return "", false, err
	}
	return encodeHandle(scope), true, nil
}

func (s *SheetIndex) Query(ctx context.Context, handle string, query string) ([]search.Cell, error) {
	scope, err := decodeHandle(handle)
	if err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	embedding, err := s.Embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}
	topK := s.TopK
	if topK <= 0 {
		topK = 10
	}
	results, err := s.Store.SimilaritySearch(ctx, embedding, topK, ScopeFilter(scope))
	if err != nil {
		return nil, fmt.Errorf("failed to search spreadsheet index: %w", err)
	}

	cells := make([]search.Cell, 0, len(results))
	for _, res := range results {
		md := res.Document.Metadata
		cells = append(cells, search.Cell{
			FileName: metaString(md, metaFileName),
			Sheet:    metaString(md, metaSheet),
			Row:      metaInt(md, metaRow),
			Col:      metaInt(md, metaCol),
			Value:    metaString(md, metaValue),
			Label:    metaString(md, metaLabel),
		})
	}
	return cells, nil
}

// IndexWorkbook parses an xlsx or csv file and replaces the cells previously indexed
// under the same file name. It returns the number of cells indexed.
func (s *SheetIndex) IndexWorkbook(ctx context.Context, scope search.Scope, fileName string, r io.Reader) (int, error) {
	if !scope.Valid() {
		return 0, ErrUnscoped
	}
	cells, err := ParseWorkbook(fileName, r)
	if err != nil {
		return 0, err
	}
	if len(cells) == 0 {
		return 0, fmt.Errorf("%w: no cells found in %s", ErrInvalidInput, fileName)
	}

	texts := make([]string, len(cells))
	for i, c := range cells {
		texts[i] = cellText(c)
	}
	vectors, err := s.Embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("failed to embed %s: %w", fileName, err)
	}
	if len(vectors) != len(cells) {
		return 0, fmt.Errorf("embedder returned %d vectors for %d cells", len(vectors), len(cells))
	}

	docs := make([]vectorstore.Document, len(cells))
	for i, c := range cells {
		md := tenantMetadata(scope)
		md[metaFileName] = c.FileName
		md[metaSheet] = c.Sheet
		md[metaRow] = c.Row
		md[metaCol] = c.Col
		md[metaValue] = c.Value
		md[metaLabel] = c.Label
		docs[i] = vectorstore.Document{Content: texts[i], Metadata: md, Embedding: vectors[i]}
	}

	if _, err := s.Store.ReplaceByMetadata(ctx, fileFilter(scope, fileName), docs); err != nil {
		return 0, fmt.Errorf("failed to store %s: %w", fileName, err)
	}
	if s.Logger != nil {
		s.Logger.Info("Indexed spreadsheet", "file", fileName, "scope", scope.String(), "cells", len(docs))
	}
	return len(docs), nil
}

// ParseWorkbook reads every non-empty cell. Rows and columns are 1-based. The first
// row supplies column headers and the first column supplies row labels; both are
// folded into each data cell's Label.
func ParseWorkbook(fileName string, r io.Reader) ([]search.Cell, error) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".csv":
		rows, err := csv.NewReader(r).ReadAll()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read csv %s: %v", ErrInvalidInput, fileName, err)
		}
		return sheetCells(fileName, csvSheetName, rows), nil
	case ".xlsx", ".xlsm":
		f, err := excelize.OpenReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to open %s: %v", ErrInvalidInput, fileName, err)
		}
		defer f.Close()

		var cells []search.Cell
		for _, sheet := range f.GetSheetList() {
			rows, err := f.GetRows(sheet)
			if err != nil {
				return nil, fmt.Errorf("%w: failed to read sheet %s: %v", ErrInvalidInput, sheet, err)
			}
			cells = append(cells, sheetCells(fileName, sheet, rows)...)
		}
		return cells, nil
	default:
		return nil, fmt.Errorf("%w: unsupported spreadsheet type %q", ErrInvalidInput, filepath.Ext(fileName))
	}
}

func sheetCells(fileName, sheet string, rows [][]string) []search.Cell {
	var cells []search.Cell
	if len(rows) == 0 {
		return nil
	}
	if len(rows) == 1 {
		for c, v := range rows[0] {
			if v = strings.TrimSpace(v); v != "" {
				cells = append(cells, search.Cell{FileName: fileName, Sheet: sheet, Row: 1, Col: c + 1, Value: v})
			}
		}
		return cells
	}

	headers := rows[0]
	for r, row := range rows[1:] {
		rowLabel := ""
		if len(row) > 0 {
			rowLabel = strings.TrimSpace(row[0])
		}
		for c, v := range row {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			var parts []string
			if c > 0 && rowLabel != "" {
				parts = append(parts, rowLabel)
			}
			if c < len(headers) {
				if h := strings.TrimSpace(headers[c]); h != "" {
					parts = append(parts, h)
				}
			}
			cells = append(cells, search.Cell{
				FileName: fileName,
				Sheet:    sheet,
				Row:      r + 2,
				Col:      c + 1,
				Value:    v,
				Label:    strings.Join(parts, " / "),
			})
		}
	}
	return cells
}

// cellText is the text embedded for a cell.
func cellText(c search.Cell) string {
	if c.Label == "" {
		return fmt.Sprintf("%s: %s", c.Sheet, c.Value)
	}
	return fmt.Sprintf("%s / %s: %s", c.Sheet, c.Label, c.Value)
}

func encodeHandle(scope search.Scope) string {
	return handlePrefix + url.PathEscape(scope.UserID) + "/" + url.PathEscape(scope.ProjectID)
}

func decodeHandle(handle string) (search.Scope, error) {
	rest, ok := strings.CutPrefix(handle, handlePrefix)
	if !ok {
		return search.Scope{}, fmt.Errorf("invalid spreadsheet handle %q", handle)
	}
	user, project, ok := strings.Cut(rest, "/")
	if !ok {
		return search.Scope{}, fmt.Errorf("invalid spreadsheet handle %q", handle)
	}
	var err error
	scope := search.Scope{}
	if scope.UserID, err = url.PathUnescape(user); err != nil {
		return search.Scope{}, err
	}
	if scope.ProjectID, err = url.PathUnescape(project); err != nil {
		return search.Scope{}, err
	}
	if !scope.Valid() {
		return search.Scope{}, errors.Join(ErrUnscoped, fmt.Errorf("handle %q", handle))
	}
	return scope, nil
}
