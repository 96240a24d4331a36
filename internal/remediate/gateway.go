// Package remediate implements the remediation executor: it owns a
// long-lived session with the tool gateway, discovers its tool catalog,
// and executes remediation plans against it in priority order.
package remediate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

func (e *jsonRPCError) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Message)
}

type toolDescriptor struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

type toolListResultDTO struct {
	Tools []struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"inputSchema"`
	} `json:"tools"`
}

type toolCallResultDTO struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// gatewaySession owns the mutable session token and tool catalog
// exclusively: every action execution is a request submitted to it, and
// it serializes them internally rather than exposing the token for
// ad-hoc external locking.
type gatewaySession struct {
	httpClient *http.Client
	baseURL    string
	logger     *zap.Logger

	mu        sync.Mutex
	sessionID string
	tools     map[string]toolDescriptor
}

func newGatewaySession(baseURL string, logger *zap.Logger) *gatewaySession {
	return &gatewaySession{
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    baseURL,
		logger:     logger.Named("gateway-session"),
		tools:      make(map[string]toolDescriptor),
	}
}

// ensure establishes a session and discovers the tool catalog if neither
// is already in hand.
func (g *gatewaySession) ensure(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sessionID != "" && len(g.tools) > 0 {
		return nil
	}
	return g.handshakeLocked(ctx)
}

// reset drops the cached session, forcing the next ensure to re-handshake.
func (g *gatewaySession) reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessionID = ""
}

func (g *gatewaySession) handshakeLocked(ctx context.Context) error {
	sessionID, _, err := g.call(ctx, "", "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]string{"name": "sre-sentinel", "version": "1"},
	})
	if err != nil {
		return fmt.Errorf("gateway handshake failed: %w", err)
	}
	if sessionID == "" {
		return fmt.Errorf("gateway handshake did not return a session id")
	}
	g.sessionID = sessionID

	_, result, err := g.call(ctx, sessionID, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("tool catalog discovery failed: %w", err)
	}

	var dto toolListResultDTO
	if err := json.Unmarshal(result, &dto); err != nil {
		return fmt.Errorf("parse tool catalog: %w", err)
	}

	catalog := make(map[string]toolDescriptor, len(dto.Tools))
	for _, t := range dto.Tools {
		catalog[t.Name] = toolDescriptor{Name: t.Name, Description: t.Description, Schema: t.InputSchema}
	}
	g.tools = catalog
	g.logger.Info("gateway session established", zap.Int("tool_count", len(catalog)))
	return nil
}

func (g *gatewaySession) lookupTool(name string) (toolDescriptor, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tools[name]
	return t, ok
}

// callTool invokes a single tool within the current session and reports
// transport success/failure independently of the tool's own
// success/error payload.
func (g *gatewaySession) callTool(ctx context.Context, name string, params map[string]any) (output string, toolFailed bool, err error) {
	g.mu.Lock()
	sessionID := g.sessionID
	g.mu.Unlock()

	_, result, err := g.call(ctx, sessionID, "tools/call", map[string]any{
		"name":      name,
		"arguments": params,
	})
	if err != nil {
		return "", false, err
	}

	var dto toolCallResultDTO
	if err := json.Unmarshal(result, &dto); err != nil {
		return "", false, fmt.Errorf("parse tool call result: %w", err)
	}

	var text string
	if len(dto.Content) > 0 {
		text = dto.Content[0].Text
	}
	if dto.IsError {
		return text, true, nil
	}
	return text, false, toolReportedFailure(text)
}

// toolReportedFailure inspects a successfully-transported tool payload
// for an explicit success=false marker. A payload with no such field
// (e.g. a read-only probe) is treated as successful.
func toolReportedFailure(text string) bool {
	var payload struct {
		Success *bool `json:"success"`
	}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return false
	}
	return payload.Success != nil && !*payload.Success
}

// call sends a single JSON-RPC request over the gateway's HTTP+SSE
// transport and returns any session id advertised on the response along
// with the decoded result payload.
func (g *gatewaySession) call(ctx context.Context, sessionID, method string, params any) (string, json.RawMessage, error) {
	body := jsonRPCRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params}
	encoded, err := json.Marshal(body)
	if err != nil {
		return "", nil, fmt.Errorf("encode gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL, bytes.NewReader(encoded))
	if err != nil {
		return "", nil, fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	newSessionID := resp.Header.Get("Mcp-Session-Id")

	rpcResp, err := parseSSE(resp.Body)
	if err != nil {
		return newSessionID, nil, err
	}
	if rpcResp.Error != nil {
		return newSessionID, nil, rpcResp.Error
	}
	return newSessionID, rpcResp.Result, nil
}

func parseSSE(body io.Reader) (*jsonRPCResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var rpcResp jsonRPCResponse
		if err := json.Unmarshal([]byte(data), &rpcResp); err != nil {
			return nil, fmt.Errorf("parse SSE payload: %w", err)
		}
		return &rpcResp, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("gateway response contained no data event")
}

// sessionLost reports whether err indicates the gateway no longer
// recognizes the session, warranting exactly one re-handshake attempt.
func sessionLost(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "session")
}

const requestTimeout = 30 * time.Second
const recreateTimeout = 120 * time.Second
