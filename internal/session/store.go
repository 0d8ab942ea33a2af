// Package session implements the Session Store (spec.md §4.C): per-session
// state with TTL, a concurrent-safe top-level id table, and a background
// reaper. Grounded on the teacher's per-conversation context propagation
// (_examples/viant-agently/genai/memory/context.go,
// genai/tool/scoped_registry.go) generalized from "conversation" to the
// spec's broader SessionContext.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mcpforge/coreserver/internal/obslog"
)

// entry is one memory slot: a JSON-serializable value with its own TTL,
// independent of the session's overall idle expiry.
type entry struct {
	value     interface{}
	expiresAt time.Time
}

// Context is the mutable per-session state described in spec.md §3. All
// mutation happens under mu; Store never holds two sessions' locks
// simultaneously.
type Context struct {
	ID           string
	Principal    string
	Capabilities map[string]struct{}
	CreatedAt    time.Time

	mu            sync.Mutex
	lastTouchedAt time.Time
	expiresAt     time.Time
	idleTTL       time.Duration
	memory        map[string]entry
	traceIDs      []string
	inFlight      int32
}

// HasCapability reports whether the session was granted capability c.
func (c *Context) HasCapability(capability string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.Capabilities[capability]
	return ok
}

// LastTouchedAt and ExpiresAt return the session's current idle window.
func (c *Context) LastTouchedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTouchedAt
}

func (c *Context) ExpiresAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expiresAt
}

func (c *Context) isExpired(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.After(c.expiresAt)
}

// touchLocked refreshes last-touched/expiry; caller holds c.mu.
func (c *Context) touchLocked(now time.Time) {
	c.lastTouchedAt = now
	c.expiresAt = now.Add(c.idleTTL)
}

// AddTraceID appends an in-flight invocation id.
func (c *Context) AddTraceID(id string) {
	c.mu.Lock()
	c.traceIDs = append(c.traceIDs, id)
	c.mu.Unlock()
}

// RemoveTraceID removes a completed invocation id.
func (c *Context) RemoveTraceID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, t := range c.traceIDs {
		if t == id {
			c.traceIDs = append(c.traceIDs[:i], c.traceIDs[i+1:]...)
			return
		}
	}
}

// TraceIDs returns a snapshot of in-flight invocation ids.
func (c *Context) TraceIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.traceIDs))
	copy(out, c.traceIDs)
	return out
}

// BeginInvocation and EndInvocation track the in-flight counter used by
// the invocation engine's per-session concurrency cap (spec.md §4.E).
func (c *Context) BeginInvocation(max int32) bool {
	for {
		cur := atomic.LoadInt32(&c.inFlight)
		if max > 0 && cur >= max {
			return false
		}
		if atomic.CompareAndSwapInt32(&c.inFlight, cur, cur+1) {
			return true
		}
	}
}

func (c *Context) EndInvocation() { atomic.AddInt32(&c.inFlight, -1) }

func (c *Context) InFlight() int32 { return atomic.LoadInt32(&c.inFlight) }

// newSessionID mints a server-generated id: a 128-bit ULID, which is
// lexicographically time-sortable. Its first 48 bits are the creation
// timestamp and only the remaining 80 bits are random, so the id does not
// carry 128 bits of entropy.
func newSessionID() string {
	return ulid.Make().String()
}

// Store is the top-level concurrent-safe session table. Per-session
// mutation is isolated to that session's own lock; cross-session
// operations never hold two session locks at once.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Context

	defaultIdleTTL time.Duration
	backend        KVStore // optional persistence; nil = pure in-memory

	reaperInterval time.Duration
	stopReaper     chan struct{}
	reaperOnce     sync.Once
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithBackend attaches an optional KVStore used to persist session
// snapshots so they can survive a process restart (SPEC_FULL.md §4.J).
func WithBackend(kv KVStore) Option { return func(s *Store) { s.backend = kv } }

// WithReaperInterval overrides the default 60s sweep cadence (spec.md §4.C).
func WithReaperInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.reaperInterval = d
		}
	}
}

// New creates a Store with the given default idle TTL (spec.md default 3600s).
func New(defaultIdleTTL time.Duration, opts ...Option) *Store {
	if defaultIdleTTL <= 0 {
		defaultIdleTTL = time.Hour
	}
	s := &Store{
		sessions:       map[string]*Context{},
		defaultIdleTTL: defaultIdleTTL,
		reaperInterval: 60 * time.Second,
		stopReaper:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers a new session and returns its SessionContext.
func (s *Store) Create(principal string, capabilities []string, ttl time.Duration) *Context {
	if ttl <= 0 {
		ttl = s.defaultIdleTTL
	}
	now := time.Now()
	caps := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		caps[c] = struct{}{}
	}
	ctx := &Context{
		ID:            newSessionID(),
		Principal:     principal,
		Capabilities:  caps,
		CreatedAt:     now,
		lastTouchedAt: now,
		expiresAt:     now.Add(ttl),
		idleTTL:       ttl,
		memory:        map[string]entry{},
	}

	s.mu.Lock()
	s.sessions[ctx.ID] = ctx
	s.mu.Unlock()

	s.persist(ctx)
	obslog.Publish(obslog.Event{Time: now, EventType: obslog.SessionCreated, Payload: map[string]interface{}{
		"sessionId": ctx.ID, "principal": ctx.Principal,
	}})
	return ctx
}

// Get returns the session, ErrNotFound, or ErrExpired. A lookup always
// re-checks expiry itself — correctness never depends on reaper progress
// (spec.md §4.C) — and a successful lookup refreshes the idle window.
func (s *Store) Get(id string) (*Context, error) {
	s.mu.RLock()
	ctx, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	now := time.Now()
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if now.After(ctx.expiresAt) {
		return nil, ErrExpired
	}
	ctx.touchLocked(now)
	return ctx, nil
}

// Touch refreshes a session's idle window.
func (s *Store) Touch(id string) error {
	ctx, err := s.Get(id)
	if err != nil {
		return err
	}
	ctx.mu.Lock()
	ctx.touchLocked(time.Now())
	ctx.mu.Unlock()
	s.persist(ctx)
	return nil
}

// Put stores a value under key with its own TTL, refreshing the session's
// idle window (any lookup/mutation touches last_touched_at).
func (s *Store) Put(id, key string, value interface{}, entryTTL time.Duration) error {
	ctx, err := s.Get(id)
	if err != nil {
		return err
	}
	now := time.Now()
	ctx.mu.Lock()
	if entryTTL <= 0 {
		entryTTL = ctx.idleTTL
	}
	ctx.memory[key] = entry{value: value, expiresAt: now.Add(entryTTL)}
	ctx.touchLocked(now)
	ctx.mu.Unlock()
	s.persist(ctx)
	return nil
}

// Take reads a value by key, returning ErrMissing or ErrExpired as
// appropriate; entries with expiresAt < now are invisible even before the
// reaper reclaims them.
func (s *Store) Take(id, key string) (interface{}, error) {
	ctx, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	e, ok := ctx.memory[key]
	if !ok {
		ctx.touchLocked(now)
		return nil, ErrMissing
	}
	if now.After(e.expiresAt) {
		delete(ctx.memory, key)
		ctx.touchLocked(now)
		return nil, ErrExpired
	}
	ctx.touchLocked(now)
	return e.value, nil
}

// Destroy removes a session immediately (explicit shutdown).
func (s *Store) Destroy(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	if s.backend != nil {
		_ = s.backend.Delete(context.Background(), sessionKey(id))
	}
	obslog.Publish(obslog.Event{Time: time.Now(), EventType: obslog.SessionDestroyed, Payload: map[string]interface{}{"sessionId": id}})
}

// Count returns the number of currently-tracked sessions (including ones
// the reaper hasn't yet swept but that are already logically expired).
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func sessionKey(id string) string { return "mcp:session:" + id }
