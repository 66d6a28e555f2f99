package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeboe/report-helper/pkg/completion"
	"github.com/mikeboe/report-helper/pkg/database"
	"github.com/mikeboe/report-helper/pkg/knowledge"
	"github.com/mikeboe/report-helper/pkg/report"
	"github.com/mikeboe/report-helper/pkg/search"
)

var prose = strings.TrimSpace(strings.Repeat("The business serves a broad customer base with steady demand. ", 15))

// memStore is an in-memory Store.
type memStore struct {
	mu      sync.Mutex
	reports map[uuid.UUID]*database.Report
	logs    map[uuid.UUID][]database.LogEntry
}

func newMemStore() *memStore {
	return &memStore{reports: map[uuid.UUID]*database.Report{}, logs: map[uuid.UUID][]database.LogEntry{}}
}

func (m *memStore) CreateReport(_ context.Context, userID, projectID, topic, reportType string, state json.RawMessage) (*database.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := &database.Report{
		ID: uuid.New(), UserID: userID, ProjectID: projectID, Topic: topic, ReportType: reportType,
		Status: database.StatusPending, State: state, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	m.reports[r.ID] = r
	cp := *r
	return &cp, nil
}

func (m *memStore) GetReport(_ context.Context, id uuid.UUID, userID, projectID string) (*database.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok || r.UserID != userID || r.ProjectID != projectID {
		return nil, database.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) ClaimReport(_ context.Context, id uuid.UUID, userID, projectID string) (*database.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok || r.UserID != userID || r.ProjectID != projectID {
		return nil, database.ErrNotFound
	}
	if r.Status != database.StatusCompleted && r.Status != database.StatusFailed {
		return nil, database.ErrReportBusy
	}
	cp := *r
	r.Status = database.StatusRunning
	return &cp, nil
}

func (m *memStore) ListReports(_ context.Context, userID, projectID string) ([]database.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.Report
	for _, r := range m.reports {
		if r.UserID == userID && r.ProjectID == projectID {
			cp := *r
			cp.State = nil
			out = append(out, cp)
		}
	}
	return out, nil
}

func (m *memStore) SetStatus(_ context.Context, id uuid.UUID, status, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return database.ErrNotFound
	}
	r.Status = status
	r.Error = nil
	if reason != "" {
		r.Error = &reason
	}
	return nil
}

func (m *memStore) SaveState(_ context.Context, id uuid.UUID, state json.RawMessage, finalReport string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return database.ErrNotFound
	}
	r.State = state
	r.FinalReport = &finalReport
	return nil
}

func (m *memStore) InsertLog(_ context.Context, reportID uuid.UUID, ts time.Time, level, message string, metadata json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	logs := m.logs[reportID]
	m.logs[reportID] = append(logs, database.LogEntry{ID: len(logs) + 1, Timestamp: ts, Level: level, Message: message, Metadata: metadata})
	return nil
}

func (m *memStore) GetReportLogs(_ context.Context, reportID uuid.UUID) ([]database.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]database.LogEntry(nil), m.logs[reportID]...), nil
}

func (m *memStore) put(r database.Report) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[r.ID] = &r
}

// stubModel answers structured requests with a section match or update queries and
// everything else with prose.
func stubModel(match string) completion.Completer {
	return completion.CompleterFunc(func(_ context.Context, req completion.Request) (string, error) {
		switch {
		case strings.Contains(req.Schema, "section_index"):
			return fmt.Sprintf(`{"section_index": %s}`, match), nil
		case req.Schema != "":
			return `{"queries": ["first query", "second query"]}`, nil
		default:
			return prose, nil
		}
	})
}

// gatedModel holds the next prose request until release is closed.
type gatedModel struct {
	inner completion.Completer

	mu      sync.Mutex
	entered chan struct{}
	release chan struct{}
}

func (g *gatedModel) hold() (entered, release chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entered, g.release = make(chan struct{}), make(chan struct{})
	return g.entered, g.release
}

func (g *gatedModel) Complete(ctx context.Context, req completion.Request) (string, error) {
	if req.Schema == "" {
		g.mu.Lock()
		entered, release := g.entered, g.release
		g.entered = nil
		g.mu.Unlock()
		if entered != nil {
			close(entered)
			<-release
		}
	}
	return g.inner.Complete(ctx, req)
}

type fakeIngestor struct {
	docs []knowledge.Document
	pdf  string
}

func (f *fakeIngestor) IngestText(_ context.Context, scope search.Scope, docs ...knowledge.Document) (int, error) {
	if !scope.Valid() {
		return 0, knowledge.ErrUnscoped
	}
	if docs[0].FileName == "" {
		return 0, fmt.Errorf("%w: file name is required", knowledge.ErrInvalidInput)
	}
	f.docs = append(f.docs, docs...)
	return 3, nil
}

func (f *fakeIngestor) IngestPDF(_ context.Context, _ search.Scope, _ string, url string) (int, error) {
	f.pdf = url
	return 7, nil
}

type fakeRetriever struct{}

func (fakeRetriever) Retrieve(_ context.Context, q string, scope search.Scope) ([]search.Passage, error) {
	return []search.Passage{
		{Text: "Revenue grew in " + scope.ProjectID, FileName: "annual.pdf", Page: 2},
		{Text: "Second passage about " + q, FileName: "notes.txt"},
	}, nil
}

func (fakeRetriever) Document(_ context.Context, _ search.Scope, fileName string) (string, error) {
	if fileName != "annual.pdf" {
		return "", fmt.Errorf("%w: %s", knowledge.ErrNoDocument, fileName)
	}
	return "Full annual report text", nil
}

type testEnv struct {
	store    *memStore
	service  *Service
	router   *gin.Engine
	ingestor *fakeIngestor
}

func newTestEnv(t *testing.T, match string) *testEnv {
	t.Helper()
	return newTestEnvWithModel(t, stubModel(match))
}

func newTestEnvWithModel(t *testing.T, model completion.Completer) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := newMemStore()
	engine := report.NewEngine(model, model, search.Suite{})
	engine.Logger = slog.New(slog.DiscardHandler)
	planner := report.NewPlanner(engine, nil)
	planner.Logger = slog.New(slog.DiscardHandler)

	svc := NewService(store, engine, planner, report.DefaultConfig())
	svc.Logger = slog.New(slog.DiscardHandler)

	ingestor := &fakeIngestor{}
	h := NewHandler(svc, ingestor, nil, fakeRetriever{})
	r := gin.New()
	h.RegisterRoutes(r)
	return &testEnv{store: store, service: svc, router: r, ingestor: ingestor}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderUserID, "u1")
	req.Header.Set(HeaderProjectID, "p1")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

var noSources = map[string]bool{"web_research": false, "knowledge_base_search": false, "spreadsheet_search": false}

func (e *testEnv) built(t *testing.T) database.Report {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/reports", map[string]any{
		"topic":              "Acme Corp",
		"report_type":        "company_profile",
		"capabilities":       noSources,
		"section_iterations": 1,
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created database.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	e.service.Wait()

	got, err := e.store.GetReport(context.Background(), created.ID, "u1", "p1")
	require.NoError(t, err)
	return *got
}

func TestTenantHeadersRequired(t *testing.T) {
	env := newTestEnv(t, "0")
	w := env.do(t, http.MethodGet, "/api/reports", nil, map[string]string{HeaderProjectID: ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateReportBuildsInBackground(t *testing.T) {
	env := newTestEnv(t, "0")
	rec := env.built(t)

	assert.Equal(t, database.StatusCompleted, rec.Status)
	require.NotNil(t, rec.FinalReport)
	assert.Contains(t, *rec.FinalReport, "The business serves a broad customer base")

	var state report.ReportState
	require.NoError(t, json.Unmarshal(rec.State, &state))
	assert.NotEmpty(t, state.Outline)
	assert.Equal(t, "Acme Corp", state.Topic)

	logs, err := env.store.GetReportLogs(context.Background(), rec.ID)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, "Report build started", logs[0].Message)
	assert.Equal(t, "Report build completed", logs[len(logs)-1].Message)
}

func TestCreateReportValidation(t *testing.T) {
	env := newTestEnv(t, "0")

	w := env.do(t, http.MethodPost, "/api/reports", map[string]any{"topic": "  "}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/reports", map[string]any{"topic": "Acme", "report_type": "poem"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/reports", map[string]any{"topic": "Acme", "outline_strategy": "random"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetReportIsTenantScoped(t *testing.T) {
	env := newTestEnv(t, "0")
	rec := env.built(t)

	w := env.do(t, http.MethodGet, "/api/reports/"+rec.ID.String(), nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/reports/"+rec.ID.String(), nil, map[string]string{HeaderProjectID: "other"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/reports/"+rec.ID.String()+"/logs", nil, map[string]string{HeaderUserID: "intruder"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/reports/not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListReportsEmptyIsArray(t *testing.T) {
	env := newTestEnv(t, "0")
	w := env.do(t, http.MethodGet, "/api/reports", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestUpdateReportAppendsParagraph(t *testing.T) {
	env := newTestEnv(t, "0")
	rec := env.built(t)

	var before report.ReportState
	require.NoError(t, json.Unmarshal(rec.State, &before))

	w := env.do(t, http.MethodPost, "/api/reports/"+rec.ID.String()+"/updates",
		map[string]string{"query": "add the latest headcount"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var updated database.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
	var after report.ReportState
	require.NoError(t, json.Unmarshal(updated.State, &after))

	require.Len(t, after.Outline, len(before.Outline))
	assert.Greater(t, len(after.Outline[0].Content), len(before.Outline[0].Content))
	assert.True(t, strings.HasPrefix(after.Outline[0].Content, before.Outline[0].Content))
	for i := 1; i < len(after.Outline); i++ {
		assert.Equal(t, before.Outline[i].Content, after.Outline[i].Content)
	}
	assert.Equal(t, []string{"first query", "second query"}, after.UpdateQueries)
}

func TestOverlappingUpdateIsRejected(t *testing.T) {
	model := &gatedModel{inner: stubModel("0")}
	env := newTestEnvWithModel(t, model)
	rec := env.built(t)
	path := "/api/reports/" + rec.ID.String() + "/updates"

	var before report.ReportState
	require.NoError(t, json.Unmarshal(rec.State, &before))

	entered, release := model.hold()
	first := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		first <- env.do(t, http.MethodPost, path, map[string]string{"query": "add the latest headcount"}, nil)
	}()
	<-entered

	w := env.do(t, http.MethodPost, path, map[string]string{"query": "add competitor pricing"}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	close(release)
	w = <-first
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var once report.ReportState
	got, err := env.store.GetReport(context.Background(), rec.ID, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, database.StatusCompleted, got.Status)
	require.NoError(t, json.Unmarshal(got.State, &once))

	w = env.do(t, http.MethodPost, path, map[string]string{"query": "add competitor pricing"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got, err = env.store.GetReport(context.Background(), rec.ID, "u1", "p1")
	require.NoError(t, err)
	var twice report.ReportState
	require.NoError(t, json.Unmarshal(got.State, &twice))
	assert.True(t, strings.HasPrefix(once.Outline[0].Content, before.Outline[0].Content))
	assert.True(t, strings.HasPrefix(twice.Outline[0].Content, once.Outline[0].Content))
	assert.Greater(t, len(twice.Outline[0].Content), len(once.Outline[0].Content))
}

func TestFailedUpdateReleasesReport(t *testing.T) {
	env := newTestEnv(t, "null")
	rec := env.built(t)

	w := env.do(t, http.MethodPost, "/api/reports/"+rec.ID.String()+"/updates",
		map[string]string{"query": "something unrelated"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	got, err := env.store.GetReport(context.Background(), rec.ID, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, database.StatusCompleted, got.Status)
	assert.Equal(t, rec.State, got.State)
}

func TestUpdateReportNoMatchingSection(t *testing.T) {
	env := newTestEnv(t, "null")
	rec := env.built(t)

	w := env.do(t, http.MethodPost, "/api/reports/"+rec.ID.String()+"/updates",
		map[string]string{"query": "something unrelated"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestUpdateReportErrors(t *testing.T) {
	env := newTestEnv(t, "0")

	pending := database.Report{ID: uuid.New(), UserID: "u1", ProjectID: "p1", Status: database.StatusRunning}
	env.store.put(pending)
	w := env.do(t, http.MethodPost, "/api/reports/"+pending.ID.String()+"/updates", map[string]string{"query": "x"}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	empty := database.Report{ID: uuid.New(), UserID: "u1", ProjectID: "p1", Status: database.StatusFailed, State: json.RawMessage(`{"outline": []}`)}
	env.store.put(empty)
	w = env.do(t, http.MethodPost, "/api/reports/"+empty.ID.String()+"/updates", map[string]string{"query": "x"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	got, err := env.store.GetReport(context.Background(), empty.ID, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, database.StatusFailed, got.Status)

	w = env.do(t, http.MethodPost, "/api/reports/"+empty.ID.String()+"/updates", map[string]string{"query": " "}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/reports/"+empty.ID.String()+"/updates", map[string]string{"query": "x", "mode": "rewrite"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestDocument(t *testing.T) {
	env := newTestEnv(t, "0")

	w := env.do(t, http.MethodPost, "/api/knowledge/documents", map[string]string{"file_name": "notes.txt", "text": "hello"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"file_name": "notes.txt", "chunks": 3}`, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/knowledge/documents", map[string]string{"file_name": "a.pdf", "url": "https://example.com/a.pdf"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "https://example.com/a.pdf", env.ingestor.pdf)

	w = env.do(t, http.MethodPost, "/api/knowledge/documents", map[string]string{"text": "no name"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/knowledge/documents", map[string]string{"file_name": "empty.txt"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestSpreadsheetNotConfigured(t *testing.T) {
	env := newTestEnv(t, "0")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "figures.csv")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("a,b\n1,2\n"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/knowledge/spreadsheets", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(HeaderUserID, "u1")
	req.Header.Set(HeaderProjectID, "p1")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{database.ErrNotFound, http.StatusNotFound},
		{knowledge.ErrNoDocument, http.StatusNotFound},
		{ErrReportBusy, http.StatusConflict},
		{fmt.Errorf("wrap: %w", report.ErrNoMatchingSection), http.StatusUnprocessableEntity},
		{report.ErrNoReport, http.StatusUnprocessableEntity},
		{report.ErrInvalidState, http.StatusBadRequest},
		{knowledge.ErrUnscoped, http.StatusBadRequest},
		{knowledge.ErrInvalidInput, http.StatusBadRequest},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func (e *testEnv) rpc(t *testing.T, session string, method string, params any) (*httptest.ResponseRecorder, MCPResponse) {
	t.Helper()
	body := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		body["params"] = params
	}
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(http.MethodPost, "/mcp", &buf)
	req.Header.Set("Content-Type", "application/json")
	if session != "" {
		req.Header.Set("Mcp-Session-Id", session)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var resp MCPResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w, resp
}

func mcpText(t *testing.T, resp MCPResponse) string {
	t.Helper()
	require.Nil(t, resp.Error)
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	content, ok := result["content"].([]any)
	require.True(t, ok)
	require.Len(t, content, 1)
	return content[0].(map[string]any)["text"].(string)
}

func TestMCPSessionRequired(t *testing.T) {
	env := newTestEnv(t, "0")

	_, resp := env.rpc(t, "", "tools/list", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcBadSession, resp.Error.Code)

	_, resp = env.rpc(t, "unknown", "ping", nil)
	require.NotNil(t, resp.Error)
}

func TestMCPTools(t *testing.T) {
	env := newTestEnv(t, "0")
	rec := env.built(t)

	w, resp := env.rpc(t, "", "initialize", map[string]any{})
	require.Nil(t, resp.Error)
	session := w.Header().Get("Mcp-Session-Id")
	require.NotEmpty(t, session)

	_, resp = env.rpc(t, session, "tools/list", nil)
	require.Nil(t, resp.Error)
	tools := resp.Result.(map[string]any)["tools"].([]any)
	assert.Len(t, tools, 4)

	_, resp = env.rpc(t, session, "tools/call", map[string]any{
		"name":      "search_knowledge",
		"arguments": map[string]any{"user_id": "u1", "project_id": "p1", "query": "revenue", "top_k": 1},
	})
	text := mcpText(t, resp)
	assert.Equal(t, "[1] annual.pdf (page 2)\nRevenue grew in p1", text)

	_, resp = env.rpc(t, session, "tools/call", map[string]any{
		"name":      "get_document",
		"arguments": map[string]any{"user_id": "u1", "project_id": "p1", "file_name": "annual.pdf"},
	})
	assert.Equal(t, "Full annual report text", mcpText(t, resp))

	_, resp = env.rpc(t, session, "tools/call", map[string]any{
		"name":      "get_report",
		"arguments": map[string]any{"user_id": "u1", "project_id": "p1", "report_id": rec.ID.String()},
	})
	assert.Equal(t, *rec.FinalReport, mcpText(t, resp))

	_, resp = env.rpc(t, session, "tools/call", map[string]any{
		"name":      "list_reports",
		"arguments": map[string]any{"user_id": "u1", "project_id": "p1"},
	})
	assert.Contains(t, mcpText(t, resp), rec.ID.String())

	_, resp = env.rpc(t, session, "tools/call", map[string]any{
		"name":      "search_knowledge",
		"arguments": map[string]any{"query": "revenue"},
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcInvalidParams, resp.Error.Code)

	_, resp = env.rpc(t, session, "tools/call", map[string]any{"name": "delete_everything"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcMethodNotFound, resp.Error.Code)
}
