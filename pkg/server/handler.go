package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mikeboe/report-helper/pkg/database"
	"github.com/mikeboe/report-helper/pkg/knowledge"
	"github.com/mikeboe/report-helper/pkg/report"
	"github.com/mikeboe/report-helper/pkg/search"
)

// Tenant headers.
const (
	HeaderUserID    = "X-User-ID"
	HeaderProjectID = "X-Project-ID"

	scopeKey = "scope"

	maxUploadBytes = 32 << 20
)

// DocumentIngestor adds documents to the tenant's knowledge base.
type DocumentIngestor interface {
	IngestText(ctx context.Context, scope search.Scope, docs ...knowledge.Document) (int, error)
	IngestPDF(ctx context.Context, scope search.Scope, fileName, documentURL string) (int, error)
}

// KnowledgeReader searches the knowledge base and loads whole documents from it.
type KnowledgeReader interface {
	search.Retriever
	Document(ctx context.Context, scope search.Scope, fileName string) (string, error)
}

// SheetIndexer indexes uploaded workbooks for spreadsheet search.
type SheetIndexer interface {
	IndexWorkbook(ctx context.Context, scope search.Scope, fileName string, r io.Reader) (int, error)
}

type Handler struct {
	Service   *Service
	Ingestor  DocumentIngestor
	Sheets    SheetIndexer
	Retriever KnowledgeReader

	mcp *mcpSessions
}

func NewHandler(s *Service, ingestor DocumentIngestor, sheets SheetIndexer, retriever KnowledgeReader) *Handler {
	return &Handler{
		Service:   s,
		Ingestor:  ingestor,
		Sheets:    sheets,
		Retriever: retriever,
		mcp:       newMCPSessions(),
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/mcp", h.MCPHandler)

	api := r.Group("/api", tenant)
	{
		api.POST("/reports", h.createReport)
		api.GET("/reports", h.listReports)
		api.GET("/reports/:id", h.getReport)
		api.GET("/reports/:id/logs", h.getReportLogs)
		api.POST("/reports/:id/updates", h.updateReport)

		api.POST("/knowledge/documents", h.ingestDocument)
		api.POST("/knowledge/spreadsheets", h.ingestSpreadsheet)
	}
}

// tenant rejects requests without both tenant headers.
func tenant(c *gin.Context) {
	scope := search.Scope{
		UserID:    strings.TrimSpace(c.GetHeader(HeaderUserID)),
		ProjectID: strings.TrimSpace(c.GetHeader(HeaderProjectID)),
	}
	if !scope.Valid() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": HeaderUserID + " and " + HeaderProjectID + " headers are required"})
		return
	}
	c.Set(scopeKey, scope)
	c.Next()
}

func scopeOf(c *gin.Context) search.Scope {
	scope, _ := c.MustGet(scopeKey).(search.Scope)
	return scope
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, database.ErrNotFound), errors.Is(err, knowledge.ErrNoDocument):
		return http.StatusNotFound
	case errors.Is(err, ErrReportBusy):
		return http.StatusConflict
	case errors.Is(err, report.ErrNoMatchingSection), errors.Is(err, report.ErrNoReport):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, report.ErrInvalidState), errors.Is(err, knowledge.ErrUnscoped),
		errors.Is(err, knowledge.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid uuid"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) createReport(c *gin.Context) {
	var req CreateReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.Service.CreateReport(c.Request.Context(), scopeOf(c), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *Handler) listReports(c *gin.Context) {
	reports, err := h.Service.ListReports(c.Request.Context(), scopeOf(c))
	if err != nil {
		fail(c, err)
		return
	}
	if reports == nil {
		reports = []database.Report{}
	}
	c.JSON(http.StatusOK, reports)
}

func (h *Handler) getReport(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	rec, err := h.Service.GetReport(c.Request.Context(), id, scopeOf(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) getReportLogs(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	logs, err := h.Service.GetReportLogs(c.Request.Context(), id, scopeOf(c))
	if err != nil {
		fail(c, err)
		return
	}
	if logs == nil {
		logs = []database.LogEntry{}
	}
	c.JSON(http.StatusOK, logs)
}

func (h *Handler) updateReport(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req UpdateReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.Service.UpdateReport(c.Request.Context(), id, scopeOf(c), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type ingestDocumentRequest struct {
	FileName  string `json:"file_name"`
	Text      string `json:"text"`
	SourceURI string `json:"source_uri"`
	// URL of a PDF to run through OCR instead of Text.
	URL string `json:"url"`
}

func (h *Handler) ingestDocument(c *gin.Context) {
	var req ingestDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.Ingestor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "knowledge base is not configured"})
		return
	}

	var (
		n   int
		err error
	)
	switch {
	case req.URL != "":
		n, err = h.Ingestor.IngestPDF(c.Request.Context(), scopeOf(c), req.FileName, req.URL)
	case strings.TrimSpace(req.Text) != "":
		n, err = h.Ingestor.IngestText(c.Request.Context(), scopeOf(c), knowledge.Document{
			FileName:  req.FileName,
			SourceURI: req.SourceURI,
			Text:      req.Text,
		})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "text or url is required"})
		return
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"file_name": req.FileName, "chunks": n})
}

func (h *Handler) ingestSpreadsheet(c *gin.Context) {
	if h.Sheets == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "spreadsheet search is not configured"})
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field \"file\" is required"})
		return
	}
	if fh.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()

	n, err := h.Sheets.IndexWorkbook(c.Request.Context(), scopeOf(c), fh.Filename, f)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"file_name": fh.Filename, "cells": n})
}
