// Package demo registers the example tools/resources/prompts from
// spec.md §8's end-to-end scenarios: echo, sleep, hang, gen_story,
// gen_bdd, and the dom://{page_id} resource. They exist so a fresh
// deployment has something to call immediately; the dispatcher's
// scenario tests register their own copies rather than calling Register.
package demo

import (
	"context"
	"time"

	"github.com/mcpforge/coreserver/internal/domain"
	"github.com/mcpforge/coreserver/internal/registry"
	"github.com/mcpforge/coreserver/internal/schema"
)

// Register adds every demo primitive to reg. It is safe to call once per
// process; calling it twice returns the registry's duplicate-name error.
func Register(reg *registry.Registry) error {
	for _, desc := range []*domain.Descriptor{
		echoDescriptor(),
		sleepDescriptor(),
		hangDescriptor(),
		genStoryDescriptor(),
		genBDDDescriptor(),
		domResourceDescriptor(),
	} {
		if err := reg.Register(desc); err != nil {
			return err
		}
	}
	return nil
}

func echoDescriptor() *domain.Descriptor {
	return &domain.Descriptor{
		Name: "echo", Kind: domain.KindTool,
		Metadata:     domain.Metadata{Description: "returns its message argument unchanged"},
		InputSchema:  schema.Object(map[string]*schema.Schema{"message": schema.String()}, "message"),
		OutputSchema: schema.Object(map[string]*schema.Schema{"echo": schema.String()}, "echo"),
		Handler: func(_ context.Context, in map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"echo": in["message"]}, nil
		},
	}
}

// sleepDescriptor is a well-behaved long-running tool: it observes
// ctx.Done() at its only suspension point, so a $/cancel resolves it
// promptly (spec.md §8 scenario 4).
func sleepDescriptor() *domain.Descriptor {
	return &domain.Descriptor{
		Name: "sleep", Kind: domain.KindTool,
		Metadata:     domain.Metadata{Description: "sleeps up to 10s, observing cancellation"},
		InputSchema:  schema.Object(nil),
		OutputSchema: schema.Object(nil),
		Handler: func(ctx context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(10 * time.Second):
				return map[string]interface{}{}, nil
			}
		},
	}
}

// hangDescriptor deliberately ignores cancellation to exercise the
// engine's deadline-drop path (spec.md §8 scenario 5): the descriptor's
// own 1s timeout, not the handler, is what ends the call.
func hangDescriptor() *domain.Descriptor {
	return &domain.Descriptor{
		Name: "hang", Kind: domain.KindTool,
		Metadata:     domain.Metadata{Description: "ignores cancellation; bounded only by its descriptor timeout"},
		InputSchema:  schema.Object(nil),
		OutputSchema: schema.Object(nil),
		Timeout:      time.Second,
		Handler: func(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
			time.Sleep(5 * time.Second)
			return map[string]interface{}{}, nil
		},
	}
}

func genStoryDescriptor() *domain.Descriptor {
	return &domain.Descriptor{
		Name: "gen_story", Kind: domain.KindTool,
		Metadata:     domain.Metadata{Description: "generates a short placeholder story"},
		InputSchema:  schema.Object(nil),
		OutputSchema: schema.Object(map[string]*schema.Schema{"story": schema.String()}, "story"),
		Handler: func(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"story": "A traveler arrives at a crossroads with two paths and no map."}, nil
		},
	}
}

func genBDDDescriptor() *domain.Descriptor {
	return &domain.Descriptor{
		Name: "gen_bdd", Kind: domain.KindTool,
		Metadata: domain.Metadata{Description: "renders a story into a Given/When/Then scenario skeleton"},
		InputSchema: schema.Object(map[string]*schema.Schema{"story": schema.String()}, "story"),
		OutputSchema: schema.Object(map[string]*schema.Schema{"gherkin": schema.String()}, "gherkin"),
		Handler: func(_ context.Context, in map[string]interface{}) (map[string]interface{}, error) {
			story, _ := in["story"].(string)
			if story == "" {
				return nil, domain.NewDomainError("story must not be empty", map[string]interface{}{"field": "story"})
			}
			return map[string]interface{}{"gherkin": "Given " + story + "\nWhen the traveler chooses a path\nThen a new scene unfolds"}, nil
		},
	}
}

func domResourceDescriptor() *domain.Descriptor {
	return &domain.Descriptor{
		Name: "dom://{page_id}", Kind: domain.KindResource,
		Metadata:     domain.Metadata{Description: "returns a placeholder DOM snapshot for a page id"},
		InputSchema:  schema.Object(nil),
		OutputSchema: schema.Object(map[string]*schema.Schema{"page_id": schema.String(), "html": schema.String()}, "page_id", "html"),
		Handler: func(_ context.Context, in map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"page_id": in["page_id"], "html": "<html/>"}, nil
		},
	}
}
