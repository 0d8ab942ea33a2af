package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mcpforge/coreserver/internal/domain"
	"github.com/mcpforge/coreserver/internal/invocation"
	"github.com/mcpforge/coreserver/internal/registry"
	"github.com/mcpforge/coreserver/internal/schema"
	"github.com/mcpforge/coreserver/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *session.Context) {
	t.Helper()
	reg := registry.New()

	storyIn := schema.Object(nil)
	storyOut := schema.Object(map[string]*schema.Schema{"story": schema.String()}, "story")
	require.NoError(t, reg.Register(&domain.Descriptor{
		Name: "gen_story", Kind: domain.KindTool,
		InputSchema: storyIn, OutputSchema: storyOut,
		Handler: func(ctx context.Context, in map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"story": "once upon a time"}, nil
		},
	}))

	bddIn := schema.Object(map[string]*schema.Schema{"story": schema.String()}, "story")
	bddOut := schema.Object(map[string]*schema.Schema{"bdd": schema.String()}, "bdd")
	require.NoError(t, reg.Register(&domain.Descriptor{
		Name: "gen_bdd", Kind: domain.KindTool,
		InputSchema: bddIn, OutputSchema: bddOut,
		Handler: func(ctx context.Context, in map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"bdd": "Given " + in["story"].(string)}, nil
		},
	}))

	require.NoError(t, reg.Register(&domain.Descriptor{
		Name: "always_fails", Kind: domain.KindTool,
		InputSchema: schema.Object(nil), OutputSchema: schema.Object(nil),
		Handler: func(ctx context.Context, in map[string]interface{}) (map[string]interface{}, error) {
			return nil, errors.New("boom")
		},
	}))

	eng := invocation.New(reg, invocation.Config{DefaultTimeout: time.Second})
	store := session.New(time.Hour)
	sess := store.Create("tester", nil, 0)
	return New(eng), sess
}

func TestOrchestrator_SequentialChain(t *testing.T) {
	orch, sess := newTestOrchestrator(t)
	steps := []domain.Step{
		{StepName: "step1", PrimitiveName: "gen_story", OutputMapping: map[string]string{"story": "story"}},
		{StepName: "step2", PrimitiveName: "gen_bdd", InputMapping: map[string]string{"story": "story"}, OutputMapping: map[string]string{"bdd": "bdd"}},
	}
	run, rerr := orch.Run(context.Background(), sess, steps)
	require.Nil(t, rerr)
	require.Len(t, run.Steps, 2)
	assert.Equal(t, "Given once upon a time", run.Steps[1].Output["bdd"])
}

func TestOrchestrator_MissingInputMapping(t *testing.T) {
	orch, sess := newTestOrchestrator(t)
	steps := []domain.Step{
		{StepName: "step1", PrimitiveName: "gen_bdd", InputMapping: map[string]string{"story": "nonexistent"}},
	}
	_, rerr := orch.Run(context.Background(), sess, steps)
	require.NotNil(t, rerr)
}

func TestOrchestrator_CycleDetection(t *testing.T) {
	orch, sess := newTestOrchestrator(t)
	steps := []domain.Step{
		{StepName: "step1", PrimitiveName: "gen_bdd", InputMapping: map[string]string{"story": "bdd"}, OutputMapping: map[string]string{"bdd": "bdd"}},
	}
	_, rerr := orch.Run(context.Background(), sess, steps)
	require.NotNil(t, rerr)
}

func TestOrchestrator_OnErrorContinue(t *testing.T) {
	orch, sess := newTestOrchestrator(t)
	steps := []domain.Step{
		{StepName: "step1", PrimitiveName: "always_fails", OnError: domain.OnError{Mode: domain.OnErrorContinue}},
		{StepName: "step2", PrimitiveName: "gen_story", OutputMapping: map[string]string{"story": "story"}},
	}
	run, rerr := orch.Run(context.Background(), sess, steps)
	require.Nil(t, rerr)
	require.Len(t, run.Steps, 2)
	assert.NotEmpty(t, run.Steps[0].Error)
	assert.Equal(t, "once upon a time", run.Steps[1].Output["story"])
}

func TestOrchestrator_RetryExhaustionTreatedAsStop(t *testing.T) {
	orch, sess := newTestOrchestrator(t)
	steps := []domain.Step{
		{StepName: "step1", PrimitiveName: "always_fails", OnError: domain.OnError{Mode: domain.OnErrorRetry, MaxAttempts: 3, BackoffMS: 1}},
	}
	run, rerr := orch.Run(context.Background(), sess, steps)
	require.NotNil(t, rerr)
	require.Len(t, run.Steps, 1)
	assert.Equal(t, 3, run.Steps[0].Attempts)
}

func TestOrchestrator_ParallelGroup(t *testing.T) {
	orch, sess := newTestOrchestrator(t)
	steps := []domain.Step{
		{Group: []domain.Step{
			{StepName: "a", PrimitiveName: "gen_story", OutputMapping: map[string]string{"story": "storyA"}},
			{StepName: "b", PrimitiveName: "gen_story", OutputMapping: map[string]string{"story": "storyB"}},
		}},
	}
	run, rerr := orch.Run(context.Background(), sess, steps)
	require.Nil(t, rerr)
	require.Len(t, run.Steps, 2)
}
