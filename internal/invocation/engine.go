// Package invocation implements the Invocation Engine (spec.md §4.E): the
// resolve -> authorize -> validate -> call -> wrap pipeline that executes a single
// primitive, enforcing per-call deadlines and cooperative cancellation.
//
// Grounded on the teacher's tool.Registry.Execute debug-logging hook
// (_examples/viant-agently/genai/tool/registry.go) and its
// ToolTimeout/TimeoutResolver convention
// (_examples/viant-agently/genai/tool/scoped_registry.go).
package invocation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcpforge/coreserver/internal/domain"
	"github.com/mcpforge/coreserver/internal/obslog"
	"github.com/mcpforge/coreserver/internal/registry"
	"github.com/mcpforge/coreserver/internal/rpcerr"
	"github.com/mcpforge/coreserver/internal/schema"
	"github.com/mcpforge/coreserver/internal/session"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Result is the MCP result envelope described in spec.md §6.
type Result struct {
	Content []ContentElem `json:"content"`
	IsError bool          `json:"isError"`
}

// ContentElem is one content block of a Result.
type ContentElem struct {
	Type string                 `json:"type"`
	Text string                 `json:"text,omitempty"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// Engine executes primitives against a Registry, enforcing capability
// checks, schema validation, deadlines, cancellation and concurrency caps.
type Engine struct {
	registry *registry.Registry
	logger   *logrus.Entry

	defaultTimeout    time.Duration
	perSessionCap     int32
	globalSem         chan struct{}
	debugWriter       io.Writer

	tracer trace.Tracer
	meter  metric.Meter

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc

	inflightCounter metric.Int64UpDownCounter
	latencyHist     metric.Float64Histogram
}

// Config bundles the Engine's tunables, sourced from spec.md §6's
// MCP_* environment variables.
type Config struct {
	DefaultTimeout    time.Duration
	PerSessionCap     int32
	GlobalCap         int
	Logger            *logrus.Entry
	DebugWriter       io.Writer
}

// New constructs an Engine bound to reg.
func New(reg *registry.Registry, cfg Config) *Engine {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.PerSessionCap <= 0 {
		cfg.PerSessionCap = 64
	}
	if cfg.GlobalCap <= 0 {
		cfg.GlobalCap = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	meter := otel.GetMeterProvider().Meter("mcpforge/coreserver/invocation")
	inflight, _ := meter.Int64UpDownCounter("mcp_invocations_inflight")
	latency, _ := meter.Float64Histogram("mcp_invocation_duration_seconds")

	return &Engine{
		registry:        reg,
		logger:          cfg.Logger,
		defaultTimeout:  cfg.DefaultTimeout,
		perSessionCap:   cfg.PerSessionCap,
		globalSem:       make(chan struct{}, cfg.GlobalCap),
		debugWriter:     cfg.DebugWriter,
		tracer:          otel.Tracer("mcpforge/coreserver/invocation"),
		meter:           meter,
		cancels:         map[string]context.CancelFunc{},
		inflightCounter: inflight,
		latencyHist:     latency,
	}
}

// SetDebugWriter attaches (or clears, with nil) a writer that receives
// every call's name/args/result/error — grounded on the teacher's
// Registry.SetDebugLogger (SPEC_FULL.md §4.K).
func (e *Engine) SetDebugWriter(w io.Writer) { e.debugWriter = w }

// Invoke runs the full pipeline from spec.md §4.E steps 1-9 for a single
// primitive call against sess.
func (e *Engine) Invoke(ctx context.Context, sess *session.Context, kind domain.Kind, name string, args map[string]interface{}) (*Result, *rpcerr.Error) {
	// Step 1: resolve.
	desc, err := e.registry.Lookup(kind, name)
	if err != nil {
		if registry.IsAmbiguous(err) {
			return nil, rpcerr.New(rpcerr.AmbiguousResource, err.Error(), nil)
		}
		return nil, rpcerr.New(rpcerr.PrimitiveNotFound, fmt.Sprintf("%s %q not found", kind, name), nil)
	}

	// Step 2: authorize.
	for _, cap := range desc.Metadata.Capabilities {
		if !sess.HasCapability(cap) {
			return nil, rpcerr.New(rpcerr.CapabilityDenied, fmt.Sprintf("missing capability %q", cap), nil)
		}
	}

	// Backpressure: per-session and global in-flight caps.
	if !sess.BeginInvocation(e.perSessionCap) {
		return nil, rpcerr.New(rpcerr.RateLimited, "per-session concurrency limit exceeded", map[string]interface{}{"retryAfterMs": 250})
	}
	defer sess.EndInvocation()

	select {
	case e.globalSem <- struct{}{}:
		defer func() { <-e.globalSem }()
	default:
		return nil, rpcerr.New(rpcerr.RateLimited, "server concurrency limit exceeded", map[string]interface{}{"retryAfterMs": 500})
	}

	// Step 3: validate input.
	fixed := schema.ApplyDefaults(desc.InputSchema, args)
	if violations := schema.Validate(desc.InputSchema, toValue(fixed)); len(violations) > 0 {
		return nil, rpcerr.New(rpcerr.InvalidParams, "input validation failed", map[string]interface{}{"violations": violations})
	}

	// Step 4: create InvocationRecord and attach trace id.
	invocationID := uuid.NewString()
	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	deadline := time.Now().Add(timeout)
	record := domain.NewInvocationRecord(invocationID, sess.ID, name, kind, fixed, deadline)
	record.Transition(domain.StateRunning)
	obslog.Publish(obslog.Event{Time: time.Now(), EventType: obslog.InvocationStart, Payload: map[string]interface{}{
		"invocationId": invocationID, "sessionId": sess.ID, "primitive": name, "kind": string(kind),
	}})
	sess.AddTraceID(invocationID)
	defer sess.RemoveTraceID(invocationID)

	callCtx, cancel := context.WithDeadline(ctx, deadline)
	callCtx = session.WithSessionID(callCtx, sess.ID)
	callCtx = session.WithInvocationID(callCtx, invocationID)
	e.registerCancel(invocationID, cancel)
	defer e.clearCancel(invocationID)
	defer cancel()

	spanCtx, span := e.tracer.Start(callCtx, "mcp.invoke",
		trace.WithAttributes(
			attribute.String("mcp.primitive.kind", string(kind)),
			attribute.String("mcp.primitive.name", name),
			attribute.String("mcp.session.id", sess.ID),
		))
	defer span.End()

	e.inflightCounter.Add(spanCtx, 1)
	start := time.Now()
	defer func() {
		e.inflightCounter.Add(spanCtx, -1)
		e.latencyHist.Record(spanCtx, time.Since(start).Seconds())
	}()

	e.debugLog("call", name, fixed, nil, nil)

	// Steps 5-7: enforce deadline, invoke handler, observe cancellation.
	type callOutcome struct {
		out map[string]interface{}
		err error
	}
	done := make(chan callOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callOutcome{err: fmt.Errorf("panic: %v\n%s", r, debug.Stack())}
			}
		}()
		out, herr := desc.Handler(spanCtx, fixed)
		done <- callOutcome{out: out, err: herr}
	}()

	select {
	case outcome := <-done:
		if outcome.err != nil {
			return e.handleOutcomeError(record, span, name, fixed, outcome.err)
		}
		return e.handleOutcomeSuccess(record, span, desc, name, fixed, outcome.out)

	case <-spanCtx.Done():
		if spanCtx.Err() == context.DeadlineExceeded {
			record.Transition(domain.StateTimedOut)
			e.debugLog("timeout", name, fixed, nil, spanCtx.Err())
			span.RecordError(spanCtx.Err())
			e.publishEnd(invocationID, sess.ID, name, domain.StateTimedOut)
			return nil, rpcerr.New(rpcerr.InvocationTimeout, "invocation exceeded its deadline", map[string]interface{}{"invocationId": invocationID})
		}
		// Cancelled via $/cancel: the handler may still be running; the
		// engine abandons the result (spec.md §4.E step 7).
		record.Transition(domain.StateCancelled)
		e.debugLog("cancelled", name, fixed, nil, spanCtx.Err())
		e.publishEnd(invocationID, sess.ID, name, domain.StateCancelled)
		return nil, rpcerr.New(rpcerr.Cancelled, "invocation cancelled; handler may still be running", map[string]interface{}{"invocationId": invocationID})
	}
}

func (e *Engine) publishEnd(invocationID, sessionID, name string, state domain.State) {
	obslog.Publish(obslog.Event{Time: time.Now(), EventType: obslog.InvocationEnd, Payload: map[string]interface{}{
		"invocationId": invocationID, "sessionId": sessionID, "primitive": name, "state": string(state),
	}})
}

func (e *Engine) handleOutcomeError(record *domain.InvocationRecord, span trace.Span, name string, fixed map[string]interface{}, cause interface{}) (*Result, *rpcerr.Error) {
	err := asError(cause)

	// A handler-signalled domain failure is not a bug: the record ends in
	// StateFailed, but the caller receives a result envelope with
	// isError=true rather than a protocol error (spec.md §4.E step 9, §7
	// stratum 3).
	var domainErr *domain.DomainError
	if errors.As(err, &domainErr) {
		record.Complete(domain.StateFailed, nil, domainErr)
		e.logger.WithFields(logrus.Fields{"primitive": name, "invocationId": record.InvocationID}).WithError(domainErr).Warn("handler reported domain failure")
		e.debugLog("domain_error", name, fixed, nil, domainErr)
		e.publishEnd(record.InvocationID, record.SessionID, name, domain.StateFailed)
		content := []ContentElem{{Type: "text", Text: domainErr.Message}}
		if domainErr.Detail != nil {
			content = append(content, ContentElem{Type: "json", Data: domainErr.Detail})
		}
		return &Result{Content: content, IsError: true}, nil
	}

	record.Transition(domain.StateFailed)
	span.RecordError(err)
	e.logger.WithFields(logrus.Fields{"primitive": name, "invocationId": record.InvocationID}).WithError(err).Error("handler failed")
	e.debugLog("error", name, fixed, nil, err)
	e.publishEnd(record.InvocationID, record.SessionID, name, domain.StateFailed)
	corr := uuid.NewString()
	return nil, rpcerr.Internal(corr, err)
}

func (e *Engine) handleOutcomeSuccess(record *domain.InvocationRecord, span trace.Span, desc *domain.Descriptor, name string, fixed, out map[string]interface{}) (*Result, *rpcerr.Error) {
	// Step 8: validate output — a violation indicates a tool bug and is
	// surfaced as InternalError, never InvalidParams (spec.md §4.E step 8).
	if violations := schema.Validate(desc.OutputSchema, toValue(out)); len(violations) > 0 {
		e.logger.WithFields(logrus.Fields{"primitive": name, "invocationId": record.InvocationID, "violations": violations}).Error("output schema violation")
		record.Transition(domain.StateFailed)
		e.publishEnd(record.InvocationID, record.SessionID, name, domain.StateFailed)
		corr := uuid.NewString()
		return nil, rpcerr.Internal(corr, fmt.Errorf("output schema violation: %+v", violations))
	}

	record.Complete(domain.StateSucceeded, out, nil)
	e.debugLog("result", name, fixed, out, nil)
	e.publishEnd(record.InvocationID, record.SessionID, name, domain.StateSucceeded)
	return &Result{Content: []ContentElem{{Type: "json", Data: out}}, IsError: false}, nil
}

// Cancel signals the cancellation token for invocationID. Returns false
// if no matching in-flight invocation is tracked.
func (e *Engine) Cancel(invocationID string) bool {
	e.cancelMu.Lock()
	cancel, ok := e.cancels[invocationID]
	e.cancelMu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

func (e *Engine) registerCancel(id string, cancel context.CancelFunc) {
	e.cancelMu.Lock()
	e.cancels[id] = cancel
	e.cancelMu.Unlock()
}

func (e *Engine) clearCancel(id string) {
	e.cancelMu.Lock()
	delete(e.cancels, id)
	e.cancelMu.Unlock()
}

func (e *Engine) debugLog(event, name string, args, result map[string]interface{}, err error) {
	if e.debugWriter == nil {
		return
	}
	switch {
	case err != nil:
		fmt.Fprintf(e.debugWriter, "[invoke] %s %s args=%v err=%v\n", event, name, args, err)
	case result != nil:
		fmt.Fprintf(e.debugWriter, "[invoke] %s %s args=%v result=%v\n", event, name, args, result)
	default:
		fmt.Fprintf(e.debugWriter, "[invoke] %s %s args=%v\n", event, name, args)
	}
}

func toValue(m map[string]interface{}) interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func asError(v interface{}) error {
	if err, ok := v.(error); ok {
		return err
	}
	return fmt.Errorf("%v", v)
}
