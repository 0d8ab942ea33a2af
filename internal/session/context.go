package session

import "context"

// sessionIDKey propagates the current session id via context so
// downstream collaborators (handlers, the workflow orchestrator, loggers)
// can tag their work without threading an extra parameter through every
// signature. Grounded on the teacher's ConversationIDKey pattern
// (_examples/viant-agently/genai/memory/context.go).
type sessionIDKey struct{}

// WithSessionID attaches id to ctx.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, id)
}

// IDFromContext returns the propagated session id, or "" if none.
func IDFromContext(ctx context.Context) string {
	v := ctx.Value(sessionIDKey{})
	if v == nil {
		return ""
	}
	id, _ := v.(string)
	return id
}

// invocationIDKey propagates the current invocation id for correlation
// in logs and the debug event bus.
type invocationIDKey struct{}

func WithInvocationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, invocationIDKey{}, id)
}

func InvocationIDFromContext(ctx context.Context) string {
	v := ctx.Value(invocationIDKey{})
	if v == nil {
		return ""
	}
	id, _ := v.(string)
	return id
}
