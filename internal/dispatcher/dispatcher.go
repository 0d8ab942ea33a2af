package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/google/uuid"
	"github.com/mcpforge/coreserver/internal/auth"
	"github.com/mcpforge/coreserver/internal/domain"
	"github.com/mcpforge/coreserver/internal/invocation"
	"github.com/mcpforge/coreserver/internal/registry"
	"github.com/mcpforge/coreserver/internal/rpcerr"
	"github.com/mcpforge/coreserver/internal/session"
	"github.com/mcpforge/coreserver/internal/workflow"
	"github.com/sirupsen/logrus"
)

// InitializeResult is returned from initialize (spec.md §4.D).
type InitializeResult struct {
	SessionID       string   `json:"sessionId"`
	ProtocolVersion string   `json:"protocolVersion"`
	Capabilities    []string `json:"capabilities"`
}

// Dispatcher decodes JSON-RPC envelopes, authorizes/binds a session, and
// routes each method to the registry, invocation engine or workflow
// orchestrator. It is transport-agnostic: httpsse and stdio both call
// Handle for each inbound message.
type Dispatcher struct {
	reg      *registry.Registry
	sessions *session.Store
	engine   *invocation.Engine
	orch     *workflow.Orchestrator
	verifier auth.Verifier
	limiter  PrincipalLimiter
	broker   CancelPublisher
	log      *logrus.Entry

	protocolVersion string
	pageSize        int
}

// CancelPublisher fans a $/cancel out to other server instances that may
// be holding the targeted invocation (SPEC_FULL.md §4.J). Satisfied by
// *notify.NATSBroker and notify.NoopBroker.
type CancelPublisher interface {
	PublishCancel(invocationID string) error
}

// PrincipalLimiter gates per-principal request throughput (spec.md §6's
// MCP_RATE_LIMIT_PER_MIN). Satisfied by *ratelimit.Limiter; the interface
// keeps the dispatcher free of a direct import and easy to fake in tests.
type PrincipalLimiter interface {
	Allow(principal string) bool
}

// Config bundles Dispatcher's collaborators.
type Config struct {
	Registry        *registry.Registry
	Sessions        *session.Store
	Engine          *invocation.Engine
	Orchestrator    *workflow.Orchestrator
	Verifier        auth.Verifier
	Limiter         PrincipalLimiter
	Broker          CancelPublisher
	Logger          *logrus.Entry
	ProtocolVersion string
	PageSize        int
}

// New constructs a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Verifier == nil {
		cfg.Verifier = auth.Anonymous{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = "2026-01-01"
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	return &Dispatcher{
		reg:             cfg.Registry,
		sessions:        cfg.Sessions,
		engine:          cfg.Engine,
		orch:            cfg.Orchestrator,
		verifier:        cfg.Verifier,
		limiter:         cfg.Limiter,
		broker:          cfg.Broker,
		log:             cfg.Logger,
		protocolVersion: cfg.ProtocolVersion,
		pageSize:        cfg.PageSize,
	}
}

// Handle decodes and routes a single raw JSON-RPC message. For
// notifications (no id) it returns a nil Response — callers must not
// write anything back to the transport in that case (spec.md §4.D).
func (d *Dispatcher) Handle(ctx context.Context, raw []byte) (resp *Response) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return newError(nil, rpcerr.Code(rpcerr.ParseError), "malformed JSON-RPC envelope", nil)
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return newError(req.ID, rpcerr.Code(rpcerr.InvalidRequest), "invalid JSON-RPC request", nil)
	}

	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			d.log.WithFields(logrus.Fields{"method": req.Method, "correlationId": correlationID}).
				Errorf("panic in dispatcher: %v\n%s", r, debug.Stack())
			if !req.IsNotification() {
				resp = newError(req.ID, rpcerr.Code(rpcerr.InternalError), "internal error", map[string]string{"correlationId": correlationID})
			} else {
				resp = nil
			}
		}
	}()

	result, rerr := d.route(ctx, &req)
	if req.IsNotification() {
		return nil
	}
	if rerr != nil {
		return newError(req.ID, rerr.Code(), rerr.Message, rerr.Data)
	}
	return newResult(req.ID, result)
}

func (d *Dispatcher) route(ctx context.Context, req *Request) (interface{}, *rpcerr.Error) {
	switch req.Method {
	case "initialize":
		return d.handleInitialize(ctx, req)
	case "shutdown":
		return d.handleShutdown(req)
	case "ping":
		return d.handlePing(req)
	case "tools/list":
		return d.handleList(req, domain.KindTool)
	case "prompts/list":
		return d.handleList(req, domain.KindPrompt)
	case "resources/list":
		return d.handleList(req, domain.KindResource)
	case "tools/call":
		return d.handleCall(ctx, req, domain.KindTool)
	case "prompts/get":
		return d.handleCall(ctx, req, domain.KindPrompt)
	case "resources/read":
		return d.handleResourceRead(ctx, req)
	case "$/cancel":
		return d.handleCancel(req)
	case "workflow/submit":
		return d.handleWorkflowSubmit(ctx, req)
	default:
		return nil, rpcerr.New(rpcerr.MethodNotFound, fmt.Sprintf("unknown method %q", req.Method), nil)
	}
}

type initializeParams struct {
	ClientCapabilities []string `json:"clientCapabilities"`
	Authorization      string   `json:"authorization"`
}

// handleInitialize binds a verified principal/capability set to a new
// session (spec.md §4.H). The HTTP transport already verifies the
// Authorization header at the edge and stashes the result on ctx via
// auth.WithPrincipal; stdio has no such edge check, so its first-message
// handshake credential (params.Authorization) is verified here instead.
func (d *Dispatcher) handleInitialize(ctx context.Context, req *Request) (interface{}, *rpcerr.Error) {
	var params initializeParams
	_ = json.Unmarshal(req.Params, &params)

	principal, caps, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		var err error
		principal, caps, err = d.verifier.Verify(ctx, params.Authorization)
		if err != nil {
			return nil, rpcerr.New(rpcerr.Unauthorized, err.Error(), nil)
		}
	}

	sess := d.sessions.Create(principal, caps, 0)
	return InitializeResult{SessionID: sess.ID, ProtocolVersion: d.protocolVersion, Capabilities: caps}, nil
}

type sessionParams struct {
	SessionID string `json:"sessionId"`
}

func (d *Dispatcher) handleShutdown(req *Request) (interface{}, *rpcerr.Error) {
	var p sessionParams
	_ = json.Unmarshal(req.Params, &p)
	if p.SessionID != "" {
		d.sessions.Destroy(p.SessionID)
	}
	return map[string]interface{}{"ok": true}, nil
}

func (d *Dispatcher) handlePing(req *Request) (interface{}, *rpcerr.Error) {
	var p sessionParams
	_ = json.Unmarshal(req.Params, &p)
	sess, rerr := d.sessionFromID(p.SessionID)
	if rerr != nil {
		return nil, rerr
	}
	_ = d.sessions.Touch(sess.ID)
	return map[string]interface{}{}, nil
}

type listParams struct {
	SessionID    string `json:"sessionId"`
	Cursor       string `json:"cursor"`
	WithSchemas  bool   `json:"withSchemas"`
}

func (d *Dispatcher) handleList(req *Request, kind domain.Kind) (interface{}, *rpcerr.Error) {
	var p listParams
	_ = json.Unmarshal(req.Params, &p)
	if _, rerr := d.sessionFromID(p.SessionID); rerr != nil {
		return nil, rerr
	}

	all := d.reg.List(kind, p.WithSchemas)
	start := 0
	if p.Cursor != "" {
		idx, err := decodeCursor(p.Cursor)
		if err != nil {
			return nil, rpcerr.New(rpcerr.InvalidParams, "malformed cursor", nil)
		}
		start = idx
	}
	if start > len(all) {
		start = len(all)
	}
	end := start + d.pageSize
	if end > len(all) {
		end = len(all)
	}
	page := Page{Items: all[start:end]}
	if end < len(all) {
		page.NextCursor = encodeCursor(end)
	}
	return page, nil
}

func (d *Dispatcher) sessionFromID(id string) (*session.Context, *rpcerr.Error) {
	if id == "" {
		return nil, rpcerr.New(rpcerr.InvalidParams, "missing sessionId", nil)
	}
	sess, err := d.sessions.Get(id)
	if err != nil {
		return nil, rpcerr.New(rpcerr.SessionGone, "session not found or expired", nil)
	}
	if d.limiter != nil && !d.limiter.Allow(sess.Principal) {
		return nil, rpcerr.New(rpcerr.RateLimited, "per-principal rate limit exceeded", map[string]interface{}{"retryAfterMs": 1000})
	}
	return sess, nil
}

type callParams struct {
	SessionID string                 `json:"sessionId"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

func (d *Dispatcher) handleCall(ctx context.Context, req *Request, kind domain.Kind) (interface{}, *rpcerr.Error) {
	var p callParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, rpcerr.New(rpcerr.InvalidParams, "malformed params", nil)
	}
	sess, rerr := d.sessionFromID(p.SessionID)
	if rerr != nil {
		return nil, rerr
	}
	res, rerr := d.engine.Invoke(ctx, sess, kind, p.Name, p.Arguments)
	if rerr != nil {
		return nil, rerr
	}
	return res, nil
}

type resourceReadParams struct {
	SessionID string `json:"sessionId"`
	URI       string `json:"uri"`
}

func (d *Dispatcher) handleResourceRead(ctx context.Context, req *Request) (interface{}, *rpcerr.Error) {
	var p resourceReadParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, rpcerr.New(rpcerr.InvalidParams, "malformed params", nil)
	}
	sess, rerr := d.sessionFromID(p.SessionID)
	if rerr != nil {
		return nil, rerr
	}
	desc, params, err := d.reg.ResolveResource(p.URI)
	if err != nil {
		if registry.IsAmbiguous(err) {
			return nil, rpcerr.New(rpcerr.AmbiguousResource, err.Error(), nil)
		}
		return nil, rpcerr.New(rpcerr.PrimitiveNotFound, err.Error(), nil)
	}
	args := make(map[string]interface{}, len(params)+1)
	for k, v := range params {
		args[k] = v
	}
	args["uri"] = p.URI
	return d.engine.Invoke(ctx, sess, domain.KindResource, desc.Name, args)
}

type cancelParams struct {
	InvocationID string `json:"invocationId"`
}

func (d *Dispatcher) handleCancel(req *Request) (interface{}, *rpcerr.Error) {
	var p cancelParams
	_ = json.Unmarshal(req.Params, &p)
	d.engine.Cancel(p.InvocationID)
	if d.broker != nil {
		// The invocation may be held by a sibling instance rather than
		// this one; fan the signal out so its local engine.Cancel fires
		// too (SPEC_FULL.md §4.J). Best-effort: a publish failure must
		// not fail the caller's own (possibly-local) cancellation.
		_ = d.broker.PublishCancel(p.InvocationID)
	}
	return map[string]interface{}{"ok": true}, nil
}

type workflowSubmitParams struct {
	SessionID string         `json:"sessionId"`
	Steps     []domain.Step  `json:"steps"`
}

func (d *Dispatcher) handleWorkflowSubmit(ctx context.Context, req *Request) (interface{}, *rpcerr.Error) {
	var p workflowSubmitParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, rpcerr.New(rpcerr.InvalidParams, "malformed params", nil)
	}
	sess, rerr := d.sessionFromID(p.SessionID)
	if rerr != nil {
		return nil, rerr
	}
	return d.orch.Run(ctx, sess, p.Steps)
}

func encodeCursor(idx int) string { return fmt.Sprintf("o%d", idx) }

func decodeCursor(cursor string) (int, error) {
	var idx int
	if _, err := fmt.Sscanf(cursor, "o%d", &idx); err != nil {
		return 0, err
	}
	return idx, nil
}
