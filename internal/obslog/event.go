// Package obslog is the ambient logging/event-bus stack: a logrus setup
// following spec.md §9's "no global mutable state" spirit for business
// logic, paired with a pub/sub event bus for the debug/observability
// surface the session store, invocation engine and workflow orchestrator
// emit to.
//
// The Collector/Publish/Subscribe shape is adapted from the teacher's
// internal/log.Collector (_examples/viant-agently/internal/log/event.go),
// generalized from LLM/Task/Tool event types to the MCP lifecycle events
// this server actually emits.
package obslog

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// EventType classifies an emitted lifecycle event.
type EventType string

const (
	SessionCreated  EventType = "session_created"
	SessionDestroyed EventType = "session_destroyed"
	InvocationStart EventType = "invocation_start"
	InvocationEnd   EventType = "invocation_end"
	WorkflowStep    EventType = "workflow_step"
)

// Event is one emitted record. Payload is always a string-keyed map (every
// publisher in this repository fills "sessionId") so SubscribeSession can
// correlate events to a session without a type assertion at every call
// site.
type Event struct {
	Time      time.Time              `json:"ts"`
	EventType EventType              `json:"eventType"`
	Payload   map[string]interface{} `json:"payload"`
}

// Collector fans events out to subscribers, dropping for any subscriber
// whose buffer is full rather than blocking the publisher.
type Collector struct {
	mu   sync.RWMutex
	subs []chan Event
}

// Default is the process-wide collector; most callers use the package
// functions below rather than constructing their own Collector.
var Default = &Collector{}

// Publish sends e to Default's subscribers.
func Publish(e Event) { Default.Publish(e) }

func (c *Collector) Publish(e Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ch := range c.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a receive-only channel buffered to buf events.
func (c *Collector) Subscribe(buf int) <-chan Event {
	ch := make(chan Event, buf)
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()
	return ch
}

// SubscribeSession returns a receive-only channel carrying only the
// events scoped to sessionID (spec.md §4.C: a session's lifecycle is
// the unit callers reason about, not the raw server-wide event firehose
// Subscribe exposes). The returned channel is closed when the caller's
// context is done, so callers that only care about one session's debug
// stream — e.g. a future per-session SSE "log" event — never have to
// filter the global feed themselves.
func (c *Collector) SubscribeSession(ctx context.Context, buf int, sessionID string) <-chan Event {
	src := c.Subscribe(buf)
	out := make(chan Event, buf)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-src:
				if !ok {
					return
				}
				if sid, _ := ev.Payload["sessionId"].(string); sid != sessionID {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// SubscribeSession filters Default's events to sessionID. See
// Collector.SubscribeSession.
func SubscribeSession(ctx context.Context, buf int, sessionID string) <-chan Event {
	return Default.SubscribeSession(ctx, buf, sessionID)
}

// FileSink writes every Default event (JSON-encoded, one per line) to w,
// optionally filtered to the given types.
func FileSink(w io.Writer, filters ...EventType) {
	want := map[EventType]bool{}
	for _, f := range filters {
		want[f] = true
	}
	go func() {
		enc := json.NewEncoder(w)
		for ev := range Default.Subscribe(100) {
			if len(want) > 0 && !want[ev.EventType] {
				continue
			}
			_ = enc.Encode(ev)
		}
	}()
}
