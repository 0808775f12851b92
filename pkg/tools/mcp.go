package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/codeforge-ai/worker/pkg/httpclient"
	"github.com/codeforge-ai/worker/pkg/protocol"
	"github.com/codeforge-ai/worker/version"
)

const (
	mcpProtocolVersion = "2024-11-05"

	// mcpSSETimeout bounds reading one JSON-RPC response off an SSE stream.
	mcpSSETimeout = 5 * time.Minute
)

// Workbench holds the live MCP server connections for one run and routes
// tool calls by server id. stdio servers run as subprocesses; http and sse
// servers are reached over JSON-RPC with retry/backoff.
type Workbench struct {
	mu      sync.Mutex
	servers map[string]*mcpServer
	logger  *slog.Logger
}

type mcpServer struct {
	def protocol.MCPServerDef

	stdio     *client.Client
	http      *httpclient.Client
	sessionMu sync.RWMutex
	sessionID string
}

// NewWorkbench creates an empty workbench.
func NewWorkbench(logger *slog.Logger) *Workbench {
	return &Workbench{
		servers: make(map[string]*mcpServer),
		logger:  logger,
	}
}

// MCPToolName is the registry name of a server's tool.
func MCPToolName(serverID, toolName string) string {
	return fmt.Sprintf("mcp__%s__%s", serverID, toolName)
}

// Connect establishes a connection to one MCP server and registers its tools
// into the registry under synthetic mcp__{server_id}__{tool} names.
func (w *Workbench) Connect(ctx context.Context, def protocol.MCPServerDef, registry *Registry) error {
	srv := &mcpServer{def: def}

	var tools []mcp.Tool
	var err error
	if def.Command != "" || def.Transport == "stdio" {
		tools, err = srv.connectStdio(ctx)
	} else {
		tools, err = srv.connectHTTP(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to MCP server %s: %w", def.ID, err)
	}

	w.mu.Lock()
	w.servers[def.ID] = srv
	w.mu.Unlock()

	for _, t := range tools {
		registry.Register(&mcpTool{
			workbench: w,
			serverID:  def.ID,
			toolName:  t.Name,
			desc:      t.Description,
			schema:    mcpSchemaToMap(t.InputSchema),
		})
	}

	w.logger.Info("connected to MCP server",
		"server_id", def.ID,
		"transport", def.Transport,
		"tools", len(tools),
	)
	return nil
}

// Call forwards a tool call to the owning server.
func (w *Workbench) Call(ctx context.Context, serverID, toolName string, args map[string]any) protocol.ToolResult {
	w.mu.Lock()
	srv, ok := w.servers[serverID]
	w.mu.Unlock()
	if !ok {
		return failf("MCP server %s is not connected", serverID)
	}
	return srv.call(ctx, toolName, args)
}

// Close shuts down every server connection.
func (w *Workbench) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, srv := range w.servers {
		if srv.stdio != nil {
			if err := srv.stdio.Close(); err != nil {
				w.logger.Warn("failed to close MCP server", "server_id", id, "error", err)
			}
		}
	}
	w.servers = make(map[string]*mcpServer)
}

func (s *mcpServer) connectStdio(ctx context.Context) ([]mcp.Tool, error) {
	env := make([]string, 0, len(s.def.Env))
	for k, v := range s.def.Env {
		env = append(env, k+"="+v)
	}

	mcpClient, err := client.NewStdioMCPClient(s.def.Command, env, s.def.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "codeforge-worker",
		Version: version.Version,
	}
	initReq.Params.ProtocolVersion = mcpProtocolVersion
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("failed to initialize: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	s.stdio = mcpClient
	return listResp.Tools, nil
}

func (s *mcpServer) connectHTTP(ctx context.Context) ([]mcp.Tool, error) {
	s.http = httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		httpclient.WithMaxRetries(3),
		httpclient.WithBaseDelay(2*time.Second),
	)

	initResp, err := s.rpc(ctx, "initialize", map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"clientInfo": map[string]any{
			"name":    "codeforge-worker",
			"version": version.Version,
		},
		"capabilities": map[string]any{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize: %w", err)
	}
	if initResp.Error != nil {
		return nil, fmt.Errorf("initialize error: %s", initResp.Error.Message)
	}

	listResp, err := s.rpc(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	if listResp.Error != nil {
		return nil, fmt.Errorf("tools/list error: %s", listResp.Error.Message)
	}

	raw, err := json.Marshal(listResp.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to re-marshal tools/list result: %w", err)
	}
	var parsed struct {
		Tools []mcp.Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("unexpected tools/list result: %w", err)
	}
	return parsed.Tools, nil
}

func (s *mcpServer) call(ctx context.Context, toolName string, args map[string]any) protocol.ToolResult {
	if s.stdio != nil {
		req := mcp.CallToolRequest{}
		req.Params.Name = toolName
		req.Params.Arguments = args

		resp, err := s.stdio.CallTool(ctx, req)
		if err != nil {
			return failf("MCP call failed: %v", err)
		}
		return parseCallResult(resp)
	}

	resp, err := s.rpc(ctx, "tools/call", map[string]any{
		"name":      toolName,
		"arguments": args,
	})
	if err != nil {
		return failf("MCP call failed: %v", err)
	}
	if resp.Error != nil {
		return failf("MCP call error: %s", resp.Error.Message)
	}

	raw, err := json.Marshal(resp.Result)
	if err != nil {
		return failf("failed to re-marshal MCP result: %v", err)
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ok(string(raw))
	}
	return parseCallResult(&result)
}

func parseCallResult(resp *mcp.CallToolResult) protocol.ToolResult {
	var texts []string
	for _, content := range resp.Content {
		if tc, isText := content.(mcp.TextContent); isText {
			texts = append(texts, tc.Text)
		}
	}
	joined := strings.Join(texts, "\n")

	if resp.IsError {
		if joined == "" {
			joined = "unknown error"
		}
		return protocol.ToolResult{Success: false, Error: joined}
	}
	return ok(joined)
}

// JSON-RPC plumbing for http and sse transports.

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *mcpServer) rpc(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	body, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.def.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	s.sessionMu.RLock()
	sessionID := s.sessionID
	s.sessionMu.RUnlock()
	if sessionID != "" {
		httpReq.Header.Set("mcp-session-id", sessionID)
	}

	httpResp, err := s.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if newSession := httpResp.Header.Get("mcp-session-id"); newSession != "" {
		s.sessionMu.Lock()
		s.sessionID = newSession
		s.sessionMu.Unlock()
	}

	if httpResp.StatusCode != http.StatusOK {
		responseBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("HTTP error %d: %s", httpResp.StatusCode, string(responseBody))
	}

	if strings.Contains(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		return readSSEResponse(httpResp)
	}

	responseBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var resp jsonRPCResponse
	if err := json.Unmarshal(responseBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &resp, nil
}

// readSSEResponse reads the first complete JSON-RPC response off an SSE
// stream, with a timeout.
func readSSEResponse(httpResp *http.Response) (*jsonRPCResponse, error) {
	type result struct {
		response *jsonRPCResponse
		err      error
	}
	results := make(chan result, 1)

	go func() {
		reader := bufio.NewReader(httpResp.Body)
		var data strings.Builder

		flush := func() *jsonRPCResponse {
			if data.Len() == 0 {
				return nil
			}
			var resp jsonRPCResponse
			if err := json.Unmarshal([]byte(data.String()), &resp); err == nil {
				return &resp
			}
			data.Reset()
			return nil
		}

		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				break
			}
			trimmed := strings.TrimSpace(string(line))
			if trimmed == "" {
				if resp := flush(); resp != nil {
					results <- result{response: resp}
					return
				}
				continue
			}
			if strings.HasPrefix(trimmed, "data:") {
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(trimmed, "data:")))
			}
		}

		if resp := flush(); resp != nil {
			results <- result{response: resp}
			return
		}
		results <- result{err: fmt.Errorf("SSE stream ended without a complete message")}
	}()

	select {
	case res := <-results:
		return res.response, res.err
	case <-time.After(mcpSSETimeout):
		return nil, fmt.Errorf("timeout reading SSE response after %v", mcpSSETimeout)
	}
}

// mcpTool exposes one remote MCP tool through the registry.
type mcpTool struct {
	workbench *Workbench
	serverID  string
	toolName  string
	desc      string
	schema    map[string]any
}

func (t *mcpTool) Definition() protocol.ToolDefinition {
	schema := t.schema
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	return protocol.ToolDefinition{
		Name:        MCPToolName(t.serverID, t.toolName),
		Description: t.desc,
		Parameters:  schema,
	}
}

func (t *mcpTool) Execute(ctx context.Context, arguments string) protocol.ToolResult {
	if arguments == "" {
		arguments = "{}"
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return failf("invalid tool arguments: %v", err)
	}
	return t.workbench.Call(ctx, t.serverID, t.toolName, args)
}

func mcpSchemaToMap(schema mcp.ToolInputSchema) map[string]any {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
