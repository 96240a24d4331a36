package remediate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sre-sentinel/sentinel/internal/model"
)

func newFakeGateway(t *testing.T, toolResults map[string]string) *httptest.Server {
	t.Helper()
	const sessionID = "sess-123"

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &req))

		w.Header().Set("Content-Type", "text/event-stream")

		switch req.Method {
		case "initialize":
			w.Header().Set("Mcp-Session-Id", sessionID)
			fmt.Fprintf(w, "data: %s\n\n", `{"jsonrpc":"2.0","id":1,"result":{}}`)
		case "tools/list":
			fmt.Fprintf(w, "data: %s\n\n", `{"jsonrpc":"2.0","id":1,"result":{"tools":[`+
				`{"name":"restart_container","description":"restart","inputSchema":{"required":["container_name"]}},`+
				`{"name":"scale_service","description":"scale","inputSchema":{}}`+
				`]}}`)
		case "tools/call":
			var call struct {
				Name string `json:"name"`
			}
			require.NoError(t, json.Unmarshal(req.Params, &call))
			result := toolResults[call.Name]
			if result == "" {
				result = `{"success":true}`
			}
			encoded, _ := json.Marshal(result)
			fmt.Fprintf(w, "data: %s\n\n", fmt.Sprintf(
				`{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":%s}],"isError":false}}`, encoded))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
}

func TestExecuteHappyPathRestartSucceeds(t *testing.T) {
	srv := newFakeGateway(t, map[string]string{"restart_container": `{"success":true}`})
	defer srv.Close()

	e := New(srv.URL, zaptest.NewLogger(t))
	plan := &model.RemediationPlan{Actions: []model.PlanAction{
		{Tool: "restart_container", TargetID: "demo-postgres", Priority: 1, Params: map[string]any{"container_name": "demo-postgres"}},
	}}

	outcomes, fatal, err := e.Execute(context.Background(), &model.Container{ID: "c1"}, plan)
	require.NoError(t, err)
	require.False(t, fatal)
	require.Len(t, outcomes, 1)
	require.True(t, outcomes[0].Success)
}

func TestExecuteUnknownToolIsFatalAtHighPriority(t *testing.T) {
	srv := newFakeGateway(t, nil)
	defer srv.Close()

	e := New(srv.URL, zaptest.NewLogger(t))
	plan := &model.RemediationPlan{Actions: []model.PlanAction{
		{Tool: "unknown_tool", TargetID: "c1", Priority: 1, Params: map[string]any{}},
	}}

	outcomes, fatal, err := e.Execute(context.Background(), &model.Container{ID: "c1"}, plan)
	require.NoError(t, err)
	require.True(t, fatal)
	require.Len(t, outcomes, 1)
	require.Equal(t, model.ErrKindToolNotFound, outcomes[0].ErrorKind)
}

func TestExecuteSchemaViolationIsFatalAtHighPriority(t *testing.T) {
	srv := newFakeGateway(t, nil)
	defer srv.Close()

	e := New(srv.URL, zaptest.NewLogger(t))
	plan := &model.RemediationPlan{Actions: []model.PlanAction{
		{Tool: "restart_container", TargetID: "c1", Priority: 2, Params: map[string]any{}},
	}}

	outcomes, fatal, err := e.Execute(context.Background(), &model.Container{ID: "c1"}, plan)
	require.NoError(t, err)
	require.True(t, fatal)
	require.Equal(t, model.ErrKindSchemaViolation, outcomes[0].ErrorKind)
}

func TestExecuteRunsActionsInPriorityOrder(t *testing.T) {
	srv := newFakeGateway(t, nil)
	defer srv.Close()

	e := New(srv.URL, zaptest.NewLogger(t))
	plan := &model.RemediationPlan{Actions: []model.PlanAction{
		{Tool: "scale_service", TargetID: "c1", Priority: 5},
		{Tool: "restart_container", TargetID: "c1", Priority: 1, Params: map[string]any{"container_name": "c1"}},
	}}

	outcomes, fatal, err := e.Execute(context.Background(), &model.Container{ID: "c1"}, plan)
	require.NoError(t, err)
	require.False(t, fatal)
	require.Len(t, outcomes, 2)
	require.Equal(t, "restart_container", outcomes[0].Action.Tool)
	require.Equal(t, "scale_service", outcomes[1].Action.Tool)
}

func TestExecuteToolExecutionErrorIsNotFatal(t *testing.T) {
	srv := newFakeGateway(t, map[string]string{"restart_container": `{"success":false}`})
	defer srv.Close()

	e := New(srv.URL, zaptest.NewLogger(t))
	plan := &model.RemediationPlan{Actions: []model.PlanAction{
		{Tool: "restart_container", TargetID: "c1", Priority: 1, Params: map[string]any{"container_name": "c1"}},
	}}

	outcomes, fatal, err := e.Execute(context.Background(), &model.Container{ID: "c1"}, plan)
	require.NoError(t, err)
	require.False(t, fatal)
	require.False(t, outcomes[0].Success)
	require.Equal(t, model.ErrKindToolExecutionError, outcomes[0].ErrorKind)
}
