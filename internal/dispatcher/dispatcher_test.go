package dispatcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mcpforge/coreserver/internal/domain"
	"github.com/mcpforge/coreserver/internal/invocation"
	"github.com/mcpforge/coreserver/internal/registry"
	"github.com/mcpforge/coreserver/internal/rpcerr"
	"github.com/mcpforge/coreserver/internal/schema"
	"github.com/mcpforge/coreserver/internal/session"
	"github.com/mcpforge/coreserver/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	disp *Dispatcher
	reg  *registry.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := registry.New()
	sessions := session.New(time.Hour)
	eng := invocation.New(reg, invocation.Config{DefaultTimeout: time.Second})
	orch := workflow.New(eng)
	disp := New(Config{Registry: reg, Sessions: sessions, Engine: eng, Orchestrator: orch})
	return &harness{disp: disp, reg: reg}
}

func (h *harness) initialize(t *testing.T) string {
	t.Helper()
	resp := h.disp.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`))
	require.Nil(t, resp.Error)
	b, _ := json.Marshal(resp.Result)
	var res InitializeResult
	require.NoError(t, json.Unmarshal(b, &res))
	return res.SessionID
}

func rawCall(sessionID, method string, params map[string]interface{}, id int) []byte {
	params["sessionId"] = sessionID
	req := map[string]interface{}{"jsonrpc": "2.0", "id": id, "method": method, "params": params}
	b, _ := json.Marshal(req)
	return b
}

// Scenario 1: echo tool call.
func TestScenario_EchoToolCall(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.reg.Register(&domain.Descriptor{
		Name: "echo", Kind: domain.KindTool,
		InputSchema:  schema.Object(map[string]*schema.Schema{"message": schema.String()}, "message"),
		OutputSchema: schema.Object(map[string]*schema.Schema{"echo": schema.String()}, "echo"),
		Handler: func(ctx context.Context, in map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"echo": in["message"]}, nil
		},
	}))
	sessionID := h.initialize(t)

	resp := h.disp.Handle(context.Background(), rawCall(sessionID, "tools/call", map[string]interface{}{
		"name": "echo", "arguments": map[string]interface{}{"message": "hi"},
	}, 2))
	require.Nil(t, resp.Error)

	b, _ := json.Marshal(resp.Result)
	var result invocation.Result
	require.NoError(t, json.Unmarshal(b, &result))
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "hi", result.Content[0].Data["echo"])
}

// Scenario 2: schema violation.
func TestScenario_SchemaViolation(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.reg.Register(&domain.Descriptor{
		Name: "echo", Kind: domain.KindTool,
		InputSchema:  schema.Object(map[string]*schema.Schema{"message": schema.String()}, "message"),
		OutputSchema: schema.Object(map[string]*schema.Schema{"echo": schema.String()}, "echo"),
		Handler: func(ctx context.Context, in map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"echo": in["message"]}, nil
		},
	}))
	sessionID := h.initialize(t)

	resp := h.disp.Handle(context.Background(), rawCall(sessionID, "tools/call", map[string]interface{}{
		"name": "echo", "arguments": map[string]interface{}{},
	}, 2))
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcerr.Code(rpcerr.InvalidParams), resp.Error.Code)

	data, ok := resp.Error.Data.(map[string]interface{})
	require.True(t, ok)
	violations, ok := data["violations"].([]schema.Violation)
	require.True(t, ok)
	require.Len(t, violations, 1)
	assert.Equal(t, "message", violations[0].Path)
	assert.Equal(t, "string", violations[0].Expected)
	assert.Equal(t, "missing", violations[0].Actual)
}

// Scenario 3: resource URI resolution.
func TestScenario_ResourceURIResolution(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.reg.Register(&domain.Descriptor{
		Name: "dom://{page_id}", Kind: domain.KindResource,
		InputSchema:  schema.Object(nil),
		OutputSchema: schema.Object(map[string]*schema.Schema{"page_id": schema.String(), "html": schema.String()}, "page_id", "html"),
		Handler: func(ctx context.Context, in map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"page_id": in["page_id"], "html": "<html/>"}, nil
		},
	}))
	sessionID := h.initialize(t)

	resp := h.disp.Handle(context.Background(), rawCall(sessionID, "resources/read", map[string]interface{}{"uri": "dom://abc123"}, 2))
	require.Nil(t, resp.Error)
	b, _ := json.Marshal(resp.Result)
	var result invocation.Result
	require.NoError(t, json.Unmarshal(b, &result))
	assert.Equal(t, "abc123", result.Content[0].Data["page_id"])

	resp2 := h.disp.Handle(context.Background(), rawCall(sessionID, "resources/read", map[string]interface{}{"uri": "unknown://x"}, 3))
	require.NotNil(t, resp2.Error)
	assert.Equal(t, rpcerr.Code(rpcerr.PrimitiveNotFound), resp2.Error.Code)
}

// Scenario 4: cancellation.
func TestScenario_Cancellation(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	require.NoError(t, h.reg.Register(&domain.Descriptor{
		Name: "sleep", Kind: domain.KindTool,
		InputSchema: schema.Object(nil), OutputSchema: schema.Object(nil),
		Handler: func(ctx context.Context, in map[string]interface{}) (map[string]interface{}, error) {
			close(started)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(10 * time.Second):
				return map[string]interface{}{}, nil
			}
		},
	}))
	sessionID := h.initialize(t)

	var resp *Response
	done := make(chan struct{})
	go func() {
		resp = h.disp.Handle(context.Background(), rawCall(sessionID, "tools/call", map[string]interface{}{
			"name": "sleep", "arguments": map[string]interface{}{},
		}, 7))
		close(done)
	}()

	<-started
	// Find the in-flight invocation id via the engine's TraceIDs and cancel it.
	sess, err := h.disp.sessions.Get(sessionID)
	require.NoError(t, err)
	var invocationID string
	assert.Eventually(t, func() bool {
		ids := sess.TraceIDs()
		if len(ids) == 0 {
			return false
		}
		invocationID = ids[0]
		return true
	}, time.Second, time.Millisecond)

	h.disp.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","method":"$/cancel","params":{"invocationId":"`+invocationID+`"}}`))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected cancellation to resolve within 1s")
	}
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcerr.Code(rpcerr.Cancelled), resp.Error.Code)
}

// Scenario 5: timeout.
func TestScenario_Timeout(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.reg.Register(&domain.Descriptor{
		Name: "hang", Kind: domain.KindTool,
		InputSchema: schema.Object(nil), OutputSchema: schema.Object(nil),
		Timeout: time.Second,
		Handler: func(ctx context.Context, in map[string]interface{}) (map[string]interface{}, error) {
			time.Sleep(5 * time.Second)
			return map[string]interface{}{}, nil
		},
	}))
	sessionID := h.initialize(t)

	start := time.Now()
	resp := h.disp.Handle(context.Background(), rawCall(sessionID, "tools/call", map[string]interface{}{
		"name": "hang", "arguments": map[string]interface{}{},
	}, 2))
	elapsed := time.Since(start)

	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcerr.Code(rpcerr.InvocationTimeout), resp.Error.Code)
	assert.Less(t, elapsed, 2*time.Second)
}

// Scenario 6: workflow chaining.
func TestScenario_WorkflowChaining(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.reg.Register(&domain.Descriptor{
		Name: "gen_story", Kind: domain.KindTool,
		InputSchema:  schema.Object(nil),
		OutputSchema: schema.Object(map[string]*schema.Schema{"story": schema.String()}, "story"),
		Handler: func(ctx context.Context, in map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"story": "once upon a time"}, nil
		},
	}))
	require.NoError(t, h.reg.Register(&domain.Descriptor{
		Name: "gen_bdd", Kind: domain.KindTool,
		InputSchema:  schema.Object(map[string]*schema.Schema{"story": schema.String()}, "story"),
		OutputSchema: schema.Object(map[string]*schema.Schema{"gherkin": schema.String()}, "gherkin"),
		Handler: func(ctx context.Context, in map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"gherkin": "Given " + in["story"].(string)}, nil
		},
	}))
	sessionID := h.initialize(t)

	params := map[string]interface{}{
		"steps": []domain.Step{
			{StepName: "step1", PrimitiveName: "gen_story", OutputMapping: map[string]string{"story": "story"}},
			{StepName: "step2", PrimitiveName: "gen_bdd", InputMapping: map[string]string{"story": "story"}, OutputMapping: map[string]string{"gherkin": "gherkin"}},
		},
	}
	resp := h.disp.Handle(context.Background(), rawCall(sessionID, "workflow/submit", params, 9))
	require.Nil(t, resp.Error)

	b, _ := json.Marshal(resp.Result)
	var run workflow.Run
	require.NoError(t, json.Unmarshal(b, &run))
	require.Len(t, run.Steps, 2)
	assert.Equal(t, "Given once upon a time", run.Steps[1].Output["gherkin"])
}

// Round-trip: initialize -> shutdown -> SessionGone.
func TestRoundTrip_ShutdownThenSessionGone(t *testing.T) {
	h := newHarness(t)
	sessionID := h.initialize(t)

	resp := h.disp.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":2,"method":"shutdown","params":{"sessionId":"`+sessionID+`"}}`))
	require.Nil(t, resp.Error)

	resp2 := h.disp.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":3,"method":"ping","params":{"sessionId":"`+sessionID+`"}}`))
	require.NotNil(t, resp2.Error)
	assert.Equal(t, rpcerr.Code(rpcerr.SessionGone), resp2.Error.Code)
}

type denyAllLimiter struct{}

func (denyAllLimiter) Allow(string) bool { return false }

func TestRateLimited_PerPrincipalLimiterDenies(t *testing.T) {
	reg := registry.New()
	sessions := session.New(time.Hour)
	eng := invocation.New(reg, invocation.Config{DefaultTimeout: time.Second})
	orch := workflow.New(eng)
	disp := New(Config{Registry: reg, Sessions: sessions, Engine: eng, Orchestrator: orch, Limiter: denyAllLimiter{}})
	h := &harness{disp: disp, reg: reg}

	sessionID := h.initialize(t)
	resp := h.disp.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":2,"method":"ping","params":{"sessionId":"`+sessionID+`"}}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcerr.Code(rpcerr.RateLimited), resp.Error.Code)
}

func TestNotification_NoResponse(t *testing.T) {
	h := newHarness(t)
	resp := h.disp.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","method":"ping","params":{}}`))
	assert.Nil(t, resp)
}
