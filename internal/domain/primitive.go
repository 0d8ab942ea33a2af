// Package domain holds the wire-agnostic types shared by the registry,
// invocation engine and workflow orchestrator: descriptors, invocation
// records and workflow steps.
package domain

import (
	"context"
	"time"

	"github.com/mcpforge/coreserver/internal/schema"
)

// Kind is the tagged variant of a primitive: Tool, Prompt or Resource.
type Kind string

const (
	KindTool     Kind = "tool"
	KindPrompt   Kind = "prompt"
	KindResource Kind = "resource"
)

// Handler is the opaque callable a descriptor wraps. Implementations are
// black-box collaborators (business logic, DOM parsing, BDD generation,
// ...) out of scope for this repository; the engine only knows the
// signature.
type Handler func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)

// DomainError lets a Handler signal an expected, business-level failure
// (bad input the schema couldn't catch, an upstream it talked to being
// unavailable, ...) as distinct from a bug. The engine wraps it as
// {content: <detail>, isError: true} rather than escalating it to
// InternalError (spec.md §4.E step 9, §7 stratum 3). A handler that
// returns any other error is assumed to have failed unexpectedly.
type DomainError struct {
	Message string
	Detail  map[string]interface{}
}

func (e *DomainError) Error() string { return e.Message }

// NewDomainError builds a DomainError; detail is attached to the result
// envelope's error content verbatim and may be nil.
func NewDomainError(message string, detail map[string]interface{}) *DomainError {
	return &DomainError{Message: message, Detail: detail}
}

// Metadata carries human-facing and authorization information about a
// descriptor.
type Metadata struct {
	Description  string   `json:"description,omitempty"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"` // required session capabilities
}

// Descriptor is the immutable registration record for one primitive.
// For Resources, Name holds the URI template (e.g. "dom://{page_id}").
type Descriptor struct {
	Name         string
	Kind         Kind
	InputSchema  *schema.Schema
	OutputSchema *schema.Schema
	Handler      Handler
	Metadata     Metadata

	// Timeout overrides the engine's default per-call deadline when > 0.
	Timeout time.Duration
}

// Validate checks the registration invariants from spec.md §3: schemas and
// handler must be present, name non-empty.
func (d *Descriptor) Validate() error {
	if d == nil {
		return errNilDescriptor
	}
	if d.Name == "" {
		return errEmptyName
	}
	switch d.Kind {
	case KindTool, KindPrompt, KindResource:
	default:
		return errUnknownKind
	}
	if d.InputSchema == nil || d.OutputSchema == nil {
		return errMissingSchema
	}
	if d.Handler == nil {
		return errNilHandler
	}
	return nil
}

// Summary is the list-friendly projection of a Descriptor: name and
// metadata, with schemas included only on request (spec.md §4.B).
type Summary struct {
	Name         string   `json:"name"`
	Kind         Kind     `json:"kind"`
	Description  string   `json:"description,omitempty"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	InputSchema  *schema.Schema `json:"inputSchema,omitempty"`
	OutputSchema *schema.Schema `json:"outputSchema,omitempty"`
}

// ToSummary projects a descriptor; schemas are attached only when
// withSchemas is true.
func (d *Descriptor) ToSummary(withSchemas bool) Summary {
	s := Summary{
		Name:         d.Name,
		Kind:         d.Kind,
		Description:  d.Metadata.Description,
		Version:      d.Metadata.Version,
		Capabilities: d.Metadata.Capabilities,
	}
	if withSchemas {
		s.InputSchema = d.InputSchema
		s.OutputSchema = d.OutputSchema
	}
	return s
}
