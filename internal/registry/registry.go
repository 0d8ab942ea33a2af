// Package registry implements the Primitive Registry (spec.md §4.B): a
// read-mostly, concurrent-safe store of Tool/Prompt/Resource descriptors
// keyed by name, plus URI-template resolution for Resources.
//
// Grounded on the teacher's internal/registry.Registry[T] generic
// read-mostly map and internal/tool/registry.Registry's
// LastWarnings/ClearWarnings ring buffer
// (_examples/viant-agently/internal/registry/registry.go,
// internal/tool/registry/registry.go).
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mcpforge/coreserver/internal/domain"
)

const maxWarnings = 50

// Registry holds descriptors for all three primitive kinds. Reads (List,
// Lookup, ResolveResource) take the read lock only; no lock is ever held
// across a handler invocation — that happens entirely outside this
// package, in the invocation engine.
type Registry struct {
	mu sync.RWMutex

	byKindName map[domain.Kind]map[string]*domain.Descriptor
	templates  map[string]*uriTemplate // resource name -> compiled template

	version  int64
	warnings []string
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byKindName: map[domain.Kind]map[string]*domain.Descriptor{
			domain.KindTool:     {},
			domain.KindPrompt:   {},
			domain.KindResource: {},
		},
		templates: map[string]*uriTemplate{},
	}
}

// Register adds a descriptor. Returns ErrDuplicateName if (kind, name) is
// already registered, or a wrapped schema/template error.
func (r *Registry) Register(desc *domain.Descriptor) error {
	if err := desc.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}

	var tpl *uriTemplate
	if desc.Kind == domain.KindResource {
		var err error
		tpl, err = compileTemplate(desc.Name)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byName := r.byKindName[desc.Kind]
	if _, exists := byName[desc.Name]; exists {
		return fmt.Errorf("%w: %s %q", ErrDuplicateName, desc.Kind, desc.Name)
	}
	byName[desc.Name] = desc
	if tpl != nil {
		r.templates[desc.Name] = tpl
	}
	r.version++
	return nil
}

// Unregister removes a descriptor.
func (r *Registry) Unregister(kind domain.Kind, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	byName := r.byKindName[kind]
	if _, ok := byName[name]; !ok {
		return fmt.Errorf("%w: %s %q", ErrNotFound, kind, name)
	}
	delete(byName, name)
	delete(r.templates, name)
	r.version++
	return nil
}

// List returns descriptor summaries for kind, sorted by name for stable,
// order-repeatable output across calls within a registry epoch (spec.md
// §8, "tools/list is idempotent and order-stable").
func (r *Registry) List(kind domain.Kind, withSchemas bool) []domain.Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byName := r.byKindName[kind]
	out := make([]domain.Summary, 0, len(byName))
	for _, d := range byName {
		out = append(out, d.ToSummary(withSchemas))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup finds a descriptor by (kind, name). Per SPEC_FULL.md §4.K, names
// may be namespaced "service.method"; a bare, unqualified name also
// resolves here when it unambiguously suffix-matches exactly one
// registered namespaced name (mirrors the teacher's resolveToolName).
func (r *Registry) Lookup(kind domain.Kind, name string) (*domain.Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byName := r.byKindName[kind]
	if d, ok := byName[name]; ok {
		return d, nil
	}
	if strings.Contains(name, ".") {
		return nil, fmt.Errorf("%w: %s %q", ErrNotFound, kind, name)
	}

	var match *domain.Descriptor
	ambiguous := false
	for registered, d := range byName {
		if strings.HasSuffix(registered, "."+name) {
			if match != nil {
				ambiguous = true
				break
			}
			match = d
		}
	}
	if ambiguous {
		return nil, fmt.Errorf("%w: %s %q matches multiple namespaced names", ErrAmbiguousResource, kind, name)
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %s %q", ErrNotFound, kind, name)
	}
	return match, nil
}

// ResolveResource matches uri against every registered resource template.
// When more than one template matches, the one with the longest literal
// prefix wins; an exact tie is reported as ErrAmbiguousResource.
func (r *Registry) ResolveResource(uri string) (*domain.Descriptor, map[string]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type candidate struct {
		desc   *domain.Descriptor
		params map[string]string
		score  int
	}
	var best *candidate
	tied := false

	for name, tpl := range r.templates {
		params, score, ok := tpl.match(uri)
		if !ok {
			continue
		}
		d := r.byKindName[domain.KindResource][name]
		if d == nil {
			continue
		}
		switch {
		case best == nil || score > best.score:
			best = &candidate{desc: d, params: params, score: score}
			tied = false
		case score == best.score:
			tied = true
		}
	}

	if best == nil {
		return nil, nil, fmt.Errorf("%w: resource %q", ErrNotFound, uri)
	}
	if tied {
		return nil, nil, fmt.Errorf("%w: %q matches multiple templates", ErrAmbiguousResource, uri)
	}
	return best.desc, best.params, nil
}

// Version returns a monotonically increasing counter bumped on every
// Register/Unregister call.
func (r *Registry) Version() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Warn records a non-fatal registration/refresh warning, surfaced by
// GET /health in its top-level "warnings" field (SPEC_FULL.md §4.K).
func (r *Registry) Warn(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, msg)
	if len(r.warnings) > maxWarnings {
		r.warnings = r.warnings[len(r.warnings)-maxWarnings:]
	}
}

// Warnings returns a copy of the current warning ring.
func (r *Registry) Warnings() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.warnings))
	copy(out, r.warnings)
	return out
}

// ClearWarnings empties the warning ring.
func (r *Registry) ClearWarnings() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = nil
}

// Counts returns the number of registered descriptors per kind, for
// GET /health's registry:{tools,prompts,resources} summary.
func (r *Registry) Counts() (tools, prompts, resources int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKindName[domain.KindTool]), len(r.byKindName[domain.KindPrompt]), len(r.byKindName[domain.KindResource])
}
