// Package workflow implements the Workflow Orchestrator (spec.md §4.F):
// sequential by default, with an opt-in parallel fan-out/fan-in extension
// for sibling steps that share no data dependency.
//
// Grounded on the teacher's own indirect dependency on
// golang.org/x/sync/errgroup (_examples/viant-agently/go.mod) promoted
// here to direct use for the parallel-group join, in place of hand-rolled
// sync.WaitGroup + error-channel bookkeeping (SPEC_FULL.md §4.J).
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/mcpforge/coreserver/internal/domain"
	"github.com/mcpforge/coreserver/internal/invocation"
	"github.com/mcpforge/coreserver/internal/obslog"
	"github.com/mcpforge/coreserver/internal/rpcerr"
	"github.com/mcpforge/coreserver/internal/session"
	"golang.org/x/sync/errgroup"
)

// maxBackoff caps a retry step's exponential backoff (spec.md §4.F).
const maxBackoff = 10 * time.Second

// Run is the accumulated outcome of a workflow submission.
type Run struct {
	Steps []domain.StepResult `json:"steps"`
}

// Orchestrator executes a caller-submitted chain of Steps against an
// invocation.Engine, threading a per-run domain.Context between them.
type Orchestrator struct {
	engine *invocation.Engine
}

// New constructs an Orchestrator bound to engine.
func New(engine *invocation.Engine) *Orchestrator {
	return &Orchestrator{engine: engine}
}

// Run validates steps for cycles, then executes them sequentially; a Step
// with a non-empty Group fans its members out concurrently and joins
// before the orchestrator proceeds (spec.md §4.F).
func (o *Orchestrator) Run(ctx context.Context, sess *session.Context, steps []domain.Step) (*Run, *rpcerr.Error) {
	if err := detectCycles(steps); err != nil {
		return nil, rpcerr.New(rpcerr.InvalidParams, err.Error(), nil)
	}

	wfCtx := domain.NewContext(nil)
	results := make([]domain.StepResult, 0, len(steps))

	for i, step := range steps {
		if len(step.Group) > 0 {
			groupResults, rerr := o.runGroup(ctx, sess, i, step.Group, wfCtx)
			if rerr != nil {
				return &Run{Steps: results}, rerr
			}
			results = append(results, groupResults...)
			continue
		}

		res, rerr := o.runStep(ctx, sess, i, step, wfCtx)
		results = append(results, res)
		if rerr != nil {
			return &Run{Steps: results}, rerr
		}
		if res.Error != "" && step.OnError.Mode == domain.OnErrorStop {
			return &Run{Steps: results}, rpcerr.New(rpcerr.InvalidParams, fmt.Sprintf("step %d (%s) failed: %s", i, step.StepName, res.Error), nil)
		}
	}

	return &Run{Steps: results}, nil
}

func (o *Orchestrator) runGroup(ctx context.Context, sess *session.Context, idx int, group []domain.Step, wfCtx *domain.Context) ([]domain.StepResult, *rpcerr.Error) {
	results := make([]domain.StepResult, len(group))
	g, gctx := errgroup.WithContext(ctx)
	for gi, gstep := range group {
		gi, gstep := gi, gstep
		g.Go(func() error {
			res, rerr := o.runStep(gctx, sess, idx, gstep, wfCtx)
			results[gi] = res
			if rerr != nil {
				return rerr
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if rerr, ok := err.(*rpcerr.Error); ok {
			return results, rerr
		}
		return results, rpcerr.New(rpcerr.InternalError, err.Error(), nil)
	}
	return results, nil
}

// runStep builds a step's input from InputMapping, invokes the primitive,
// and merges its output into wfCtx via OutputMapping. Missing required
// input keys abort with InvalidParams, reporting the step index (spec.md
// §4.F step 2).
func (o *Orchestrator) runStep(ctx context.Context, sess *session.Context, idx int, step domain.Step, wfCtx *domain.Context) (domain.StepResult, *rpcerr.Error) {
	input := map[string]interface{}{}
	for inputKey, ctxKey := range step.InputMapping {
		v, ok := wfCtx.Get(ctxKey)
		if !ok {
			return domain.StepResult{StepName: step.StepName}, rpcerr.New(rpcerr.InvalidParams, fmt.Sprintf("step %d (%s): missing workflow context key %q", idx, step.StepName, ctxKey), nil)
		}
		input[inputKey] = v
	}

	attempts := 1
	maxAttempts := 1
	if step.OnError.Mode == domain.OnErrorRetry && step.OnError.MaxAttempts > 1 {
		maxAttempts = step.OnError.MaxAttempts
	}

	var lastErr *rpcerr.Error
	var res *invocation.Result
	backoff := time.Duration(step.OnError.BackoffMS) * time.Millisecond
	for ; attempts <= maxAttempts; attempts++ {
		if attempts > 1 {
			wait := backoff
			if wait <= 0 {
				wait = 100 * time.Millisecond
			}
			if wait > maxBackoff {
				wait = maxBackoff
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return domain.StepResult{StepName: step.StepName, Attempts: attempts}, rpcerr.New(rpcerr.InternalError, ctx.Err().Error(), nil)
			}
			backoff *= 2
		}
		res, lastErr = o.engine.Invoke(ctx, sess, domain.KindTool, step.PrimitiveName, input)
		if lastErr == nil {
			break
		}
		if step.OnError.Mode != domain.OnErrorRetry {
			break
		}
	}
	if attempts > maxAttempts {
		attempts = maxAttempts
	}

	result := domain.StepResult{StepName: step.StepName, Attempts: attempts}
	if lastErr != nil {
		result.Error = lastErr.Error()
		obslog.Publish(obslog.Event{Time: time.Now(), EventType: obslog.WorkflowStep, Payload: map[string]interface{}{
			"sessionId": sess.ID, "stepName": step.StepName, "primitiveName": step.PrimitiveName, "error": result.Error, "attempts": attempts,
		}})
		if step.OnError.Mode == domain.OnErrorContinue {
			return result, nil
		}
		// retry exhaustion is treated as stop (spec.md §4.F).
		return result, lastErr
	}

	out := map[string]interface{}{}
	if len(res.Content) > 0 {
		out = res.Content[0].Data
	}
	result.Output = out
	for outputKey, ctxKey := range step.OutputMapping {
		if v, ok := out[outputKey]; ok {
			wfCtx.Set(ctxKey, v)
		}
	}
	obslog.Publish(obslog.Event{Time: time.Now(), EventType: obslog.WorkflowStep, Payload: map[string]interface{}{
		"sessionId": sess.ID, "stepName": step.StepName, "primitiveName": step.PrimitiveName, "attempts": attempts,
	}})
	return result, nil
}

// detectCycles rejects a submission where a Group's InputMapping depends
// on a workflow-context key no preceding step can ever produce — the
// cheap, submission-time half of spec.md §4.F's "cycles are forbidden"
// invariant. Cross-group ordering cycles are caught by requiring every
// InputMapping reference to resolve to a context key written by a
// strictly earlier top-level step.
func detectCycles(steps []domain.Step) error {
	produced := map[string]struct{}{}
	for i, step := range steps {
		group := step.Group
		if group == nil {
			group = []domain.Step{step}
		}
		for _, gstep := range group {
			for _, ctxKey := range gstep.InputMapping {
				if _, ok := produced[ctxKey]; !ok {
					return fmt.Errorf("step %d (%s): input mapping references %q before it is produced", i, gstep.StepName, ctxKey)
				}
			}
		}
		for _, gstep := range group {
			for _, ctxKey := range gstep.OutputMapping {
				produced[ctxKey] = struct{}{}
			}
		}
	}
	return nil
}
