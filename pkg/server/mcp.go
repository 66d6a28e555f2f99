package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mikeboe/report-helper/pkg/search"
)

const mcpProtocolVersion = "2024-11-05"

// JSON-RPC error codes.
const (
	rpcParseError     = -32700
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcInternalError  = -32603
	rpcBadSession     = -32000
)

// MCPRequest represents an MCP JSON-RPC request
type MCPRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// MCPResponse represents an MCP JSON-RPC response
type MCPResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *MCPError `json:"error,omitempty"`
}

type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type mcpSessions struct {
	mu       sync.RWMutex
	sessions map[string]time.Time
}

func newMCPSessions() *mcpSessions {
	return &mcpSessions{sessions: make(map[string]time.Time)}
}

func (s *mcpSessions) open() string {
	id := uuid.New().String()
	s.mu.Lock()
	s.sessions[id] = time.Now()
	s.mu.Unlock()
	return id
}

func (s *mcpSessions) valid(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[id]
	return ok
}

// tenantArgs are required by every tool; MCP clients do not send tenant headers.
type tenantArgs struct {
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id"`
}

func (a tenantArgs) scope() search.Scope {
	return search.Scope{UserID: strings.TrimSpace(a.UserID), ProjectID: strings.TrimSpace(a.ProjectID)}
}

type searchKnowledgeArgs struct {
	tenantArgs
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type documentArgs struct {
	tenantArgs
	FileName string `json:"file_name"`
}

type reportArgs struct {
	tenantArgs
	ReportID string `json:"report_id"`
}

// MCPHandler handles MCP protocol requests
func (h *Handler) MCPHandler(c *gin.Context) {
	sessionID := c.GetHeader("Mcp-Session-Id")

	var req MCPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, MCPResponse{
			JSONRPC: "2.0",
			Error:   &MCPError{Code: rpcParseError, Message: "Parse error"},
		})
		return
	}

	if req.Method == "initialize" {
		if sessionID == "" || !h.mcp.valid(sessionID) {
			sessionID = h.mcp.open()
		}
		c.Header("Mcp-Session-Id", sessionID)
		h.sendRaw(c, req.ID, map[string]any{
			"protocolVersion": mcpProtocolVersion,
			"serverInfo": map[string]any{
				"name":    "report-helper-mcp",
				"version": "1.0.0",
			},
			"capabilities": map[string]any{
				"tools": map[string]any{},
			},
		})
		return
	}

	if sessionID == "" || !h.mcp.valid(sessionID) {
		c.JSON(http.StatusBadRequest, MCPResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &MCPError{Code: rpcBadSession, Message: "Bad Request: No valid session ID provided"},
		})
		return
	}

	switch req.Method {
	case "tools/list":
		h.sendRaw(c, req.ID, map[string]any{"tools": mcpTools()})
	case "tools/call":
		h.handleToolsCall(c, req)
	case "ping":
		h.sendRaw(c, req.ID, map[string]any{})
	default:
		h.sendError(c, req.ID, rpcMethodNotFound, "Method not found")
	}
}

func mcpTools() []map[string]any {
	tenantProps := func(extra map[string]any) map[string]any {
		props := map[string]any{
			"user_id":    map[string]any{"type": "string", "description": "Owner of the data."},
			"project_id": map[string]any{"type": "string", "description": "Project the data belongs to."},
		}
		for k, v := range extra {
			props[k] = v
		}
		return props
	}

	return []map[string]any{
		{
			"name":        "search_knowledge",
			"description": "Semantic search over the project's knowledge base documents.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": tenantProps(map[string]any{
					"query": map[string]any{"type": "string", "description": "The search query."},
					"top_k": map[string]any{"type": "number", "description": "Maximum number of passages.", "default": 5},
				}),
				"required": []string{"user_id", "project_id", "query"},
			},
		},
		{
			"name":        "get_document",
			"description": "Return the full stored text of one knowledge base file.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": tenantProps(map[string]any{
					"file_name": map[string]any{"type": "string", "description": "Name the file was ingested under."},
				}),
				"required": []string{"user_id", "project_id", "file_name"},
			},
		},
		{
			"name":        "get_report",
			"description": "Return the compiled Markdown of a report.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": tenantProps(map[string]any{
					"report_id": map[string]any{"type": "string", "description": "Report UUID."},
				}),
				"required": []string{"user_id", "project_id", "report_id"},
			},
		},
		{
			"name":        "list_reports",
			"description": "List the project's most recent reports.",
			"inputSchema": map[string]any{
				"type":       "object",
				"properties": tenantProps(nil),
				"required":   []string{"user_id", "project_id"},
			},
		},
	}
}

func (h *Handler) handleToolsCall(c *gin.Context, req MCPRequest) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		h.sendError(c, req.ID, rpcInvalidParams, "Invalid params")
		return
	}

	var (
		text string
		err  error
	)
	ctx := c.Request.Context()
	switch params.Name {
	case "search_knowledge":
		var args searchKnowledgeArgs
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			h.sendError(c, req.ID, rpcInvalidParams, "Invalid arguments")
			return
		}
		text, err = h.searchKnowledge(ctx, args)
	case "get_document":
		var args documentArgs
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			h.sendError(c, req.ID, rpcInvalidParams, "Invalid arguments")
			return
		}
		text, err = h.documentText(ctx, args)
	case "get_report":
		var args reportArgs
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			h.sendError(c, req.ID, rpcInvalidParams, "Invalid arguments")
			return
		}
		text, err = h.reportText(ctx, args)
	case "list_reports":
		var args tenantArgs
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			h.sendError(c, req.ID, rpcInvalidParams, "Invalid arguments")
			return
		}
		text, err = h.reportList(ctx, args)
	default:
		h.sendError(c, req.ID, rpcMethodNotFound, fmt.Sprintf("Tool not found: %s", params.Name))
		return
	}
	if err != nil {
		code := rpcInternalError
		if statusFor(err) == http.StatusBadRequest {
			code = rpcInvalidParams
		}
		h.sendError(c, req.ID, code, err.Error())
		return
	}
	h.sendText(c, req.ID, text)
}

func (h *Handler) searchKnowledge(ctx context.Context, args searchKnowledgeArgs) (string, error) {
	if h.Retriever == nil {
		return "", fmt.Errorf("knowledge base is not configured")
	}
	if !args.scope().Valid() {
		return "", fmt.Errorf("%w: user_id and project_id are required", ErrInvalidRequest)
	}
	passages, err := h.Retriever.Retrieve(ctx, args.Query, args.scope())
	if err != nil {
		return "", err
	}
	if args.TopK > 0 && len(passages) > args.TopK {
		passages = passages[:args.TopK]
	}
	if len(passages) == 0 {
		return "No matching passages.", nil
	}

	var sb strings.Builder
	for i, p := range passages {
		fmt.Fprintf(&sb, "[%d] %s", i+1, p.FileName)
		if p.Page > 0 {
			fmt.Fprintf(&sb, " (page %d)", p.Page)
		}
		sb.WriteString("\n")
		sb.WriteString(p.Text)
		sb.WriteString("\n\n")
	}
	return strings.TrimSpace(sb.String()), nil
}

func (h *Handler) documentText(ctx context.Context, args documentArgs) (string, error) {
	if h.Retriever == nil {
		return "", fmt.Errorf("knowledge base is not configured")
	}
	if !args.scope().Valid() {
		return "", fmt.Errorf("%w: user_id and project_id are required", ErrInvalidRequest)
	}
	return h.Retriever.Document(ctx, args.scope(), args.FileName)
}

func (h *Handler) reportText(ctx context.Context, args reportArgs) (string, error) {
	id, err := uuid.Parse(args.ReportID)
	if err != nil {
		return "", fmt.Errorf("%w: invalid report_id", ErrInvalidRequest)
	}
	rec, err := h.Service.GetReport(ctx, id, args.scope())
	if err != nil {
		return "", err
	}
	if rec.FinalReport == nil || *rec.FinalReport == "" {
		return fmt.Sprintf("Report %s is %s and has no content yet.", rec.ID, rec.Status), nil
	}
	return *rec.FinalReport, nil
}

func (h *Handler) reportList(ctx context.Context, args tenantArgs) (string, error) {
	reports, err := h.Service.ListReports(ctx, args.scope())
	if err != nil {
		return "", err
	}
	if len(reports) == 0 {
		return "No reports.", nil
	}
	var sb strings.Builder
	for _, r := range reports {
		fmt.Fprintf(&sb, "- %s [%s] %s: %s\n", r.ID, r.Status, r.ReportType, r.Topic)
	}
	return strings.TrimSuffix(sb.String(), "\n"), nil
}

func (h *Handler) sendError(c *gin.Context, id any, code int, msg string) {
	c.JSON(http.StatusOK, MCPResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &MCPError{Code: code, Message: msg},
	})
}

func (h *Handler) sendRaw(c *gin.Context, id any, result any) {
	c.JSON(http.StatusOK, MCPResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (h *Handler) sendText(c *gin.Context, id any, text string) {
	h.sendRaw(c, id, map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
	})
}
