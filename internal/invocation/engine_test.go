package invocation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mcpforge/coreserver/internal/domain"
	"github.com/mcpforge/coreserver/internal/registry"
	"github.com/mcpforge/coreserver/internal/rpcerr"
	"github.com/mcpforge/coreserver/internal/schema"
	"github.com/mcpforge/coreserver/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoSchema() (*schema.Schema, *schema.Schema) {
	in := schema.Object(map[string]*schema.Schema{"text": schema.String()}, "text")
	out := schema.Object(map[string]*schema.Schema{"text": schema.String()}, "text")
	return in, out
}

func newTestEngine(t *testing.T, handler domain.Handler, timeout time.Duration) (*Engine, *session.Context) {
	t.Helper()
	reg := registry.New()
	in, out := echoSchema()
	require.NoError(t, reg.Register(&domain.Descriptor{
		Name: "echo", Kind: domain.KindTool,
		InputSchema: in, OutputSchema: out,
		Handler: handler,
		Timeout: timeout,
	}))
	eng := New(reg, Config{DefaultTimeout: time.Second})
	store := session.New(time.Hour)
	sess := store.Create("tester", nil, 0)
	return eng, sess
}

func TestInvoke_Success(t *testing.T) {
	eng, sess := newTestEngine(t, func(ctx context.Context, in map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"text": in["text"]}, nil
	}, 0)

	res, rerr := eng.Invoke(context.Background(), sess, domain.KindTool, "echo", map[string]interface{}{"text": "hi"})
	require.Nil(t, rerr)
	require.Len(t, res.Content, 1)
	assert.Equal(t, "hi", res.Content[0].Data["text"])
}

func TestInvoke_NotFound(t *testing.T) {
	eng, sess := newTestEngine(t, func(ctx context.Context, in map[string]interface{}) (map[string]interface{}, error) {
		return nil, nil
	}, 0)
	_, rerr := eng.Invoke(context.Background(), sess, domain.KindTool, "missing", nil)
	require.NotNil(t, rerr)
	assert.Equal(t, rpcerr.PrimitiveNotFound, rerr.Kind)
}

func TestInvoke_InvalidParams(t *testing.T) {
	eng, sess := newTestEngine(t, func(ctx context.Context, in map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"text": "x"}, nil
	}, 0)
	_, rerr := eng.Invoke(context.Background(), sess, domain.KindTool, "echo", map[string]interface{}{})
	require.NotNil(t, rerr)
	assert.Equal(t, rpcerr.InvalidParams, rerr.Kind)
}

func TestInvoke_CapabilityDenied(t *testing.T) {
	reg := registry.New()
	in, out := echoSchema()
	require.NoError(t, reg.Register(&domain.Descriptor{
		Name: "echo", Kind: domain.KindTool,
		InputSchema: in, OutputSchema: out,
		Handler:  func(ctx context.Context, in map[string]interface{}) (map[string]interface{}, error) { return in, nil },
		Metadata: domain.Metadata{Capabilities: []string{"admin"}},
	}))
	eng := New(reg, Config{DefaultTimeout: time.Second})
	store := session.New(time.Hour)
	sess := store.Create("tester", nil, 0)

	_, rerr := eng.Invoke(context.Background(), sess, domain.KindTool, "echo", map[string]interface{}{"text": "hi"})
	require.NotNil(t, rerr)
	assert.Equal(t, rpcerr.CapabilityDenied, rerr.Kind)
}

func TestInvoke_Timeout(t *testing.T) {
	eng, sess := newTestEngine(t, func(ctx context.Context, in map[string]interface{}) (map[string]interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, 10*time.Millisecond)

	_, rerr := eng.Invoke(context.Background(), sess, domain.KindTool, "echo", map[string]interface{}{"text": "hi"})
	require.NotNil(t, rerr)
	assert.Equal(t, rpcerr.InvocationTimeout, rerr.Kind)
}

func TestInvoke_HandlerError(t *testing.T) {
	eng, sess := newTestEngine(t, func(ctx context.Context, in map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("boom")
	}, 0)
	_, rerr := eng.Invoke(context.Background(), sess, domain.KindTool, "echo", map[string]interface{}{"text": "hi"})
	require.NotNil(t, rerr)
	assert.Equal(t, rpcerr.InternalError, rerr.Kind)
}

func TestInvoke_HandlerDomainError(t *testing.T) {
	eng, sess := newTestEngine(t, func(ctx context.Context, in map[string]interface{}) (map[string]interface{}, error) {
		return nil, domain.NewDomainError("text must not be blank", map[string]interface{}{"field": "text"})
	}, 0)
	res, rerr := eng.Invoke(context.Background(), sess, domain.KindTool, "echo", map[string]interface{}{"text": "hi"})
	require.Nil(t, rerr)
	require.NotNil(t, res)
	assert.True(t, res.IsError)
	require.Len(t, res.Content, 2)
	assert.Equal(t, "text must not be blank", res.Content[0].Text)
	assert.Equal(t, "text", res.Content[1].Data["field"])
}

func TestInvoke_HandlerPanic(t *testing.T) {
	eng, sess := newTestEngine(t, func(ctx context.Context, in map[string]interface{}) (map[string]interface{}, error) {
		panic("kaboom")
	}, 0)
	_, rerr := eng.Invoke(context.Background(), sess, domain.KindTool, "echo", map[string]interface{}{"text": "hi"})
	require.NotNil(t, rerr)
	assert.Equal(t, rpcerr.InternalError, rerr.Kind)
}

func TestInvoke_OutputSchemaViolation(t *testing.T) {
	eng, sess := newTestEngine(t, func(ctx context.Context, in map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil // missing required "text"
	}, 0)
	_, rerr := eng.Invoke(context.Background(), sess, domain.KindTool, "echo", map[string]interface{}{"text": "hi"})
	require.NotNil(t, rerr)
	assert.Equal(t, rpcerr.InternalError, rerr.Kind)
}

func TestCancel(t *testing.T) {
	started := make(chan struct{})
	eng, sess := newTestEngine(t, func(ctx context.Context, in map[string]interface{}) (map[string]interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, time.Minute)

	var rerr *rpcerr.Error
	done := make(chan struct{})
	go func() {
		_, rerr = eng.Invoke(context.Background(), sess, domain.KindTool, "echo", map[string]interface{}{"text": "hi"})
		close(done)
	}()

	<-started
	assert.Eventually(t, func() bool {
		eng.cancelMu.Lock()
		n := len(eng.cancels)
		eng.cancelMu.Unlock()
		return n == 1
	}, time.Second, time.Millisecond)

	eng.cancelMu.Lock()
	var invocationID string
	for id := range eng.cancels {
		invocationID = id
	}
	eng.cancelMu.Unlock()
	require.True(t, eng.Cancel(invocationID))

	<-done
	require.NotNil(t, rerr)
	assert.Equal(t, rpcerr.Cancelled, rerr.Kind)
}
