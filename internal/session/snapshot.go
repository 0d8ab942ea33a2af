package session

import (
	"context"
	"encoding/json"
	"time"
)

// snapshot is the wire shape persisted to the optional KVStore backend.
// Per-key memory TTLs travel with the snapshot so a restored session
// still honors its entries' individual expiry.
type snapshot struct {
	ID            string               `json:"id"`
	Principal     string               `json:"principal"`
	Capabilities  []string             `json:"capabilities"`
	CreatedAt     time.Time            `json:"createdAt"`
	LastTouchedAt time.Time            `json:"lastTouchedAt"`
	ExpiresAt     time.Time            `json:"expiresAt"`
	IdleTTL       time.Duration        `json:"idleTtl"`
	Memory        map[string]snapEntry `json:"memory,omitempty"`
}

type snapEntry struct {
	Value     json.RawMessage `json:"value"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// persist is a best-effort write-through: failures are swallowed because
// the backend only ever provides restart durability, never correctness —
// every read still goes through the in-memory table.
func (s *Store) persist(ctx *Context) {
	if s.backend == nil {
		return
	}
	ctx.mu.Lock()
	snap := snapshot{
		ID:            ctx.ID,
		Principal:     ctx.Principal,
		CreatedAt:     ctx.CreatedAt,
		LastTouchedAt: ctx.lastTouchedAt,
		ExpiresAt:     ctx.expiresAt,
		IdleTTL:       ctx.idleTTL,
		Memory:        make(map[string]snapEntry, len(ctx.memory)),
	}
	for k := range ctx.Capabilities {
		snap.Capabilities = append(snap.Capabilities, k)
	}
	for k, e := range ctx.memory {
		raw, err := json.Marshal(e.value)
		if err != nil {
			continue
		}
		snap.Memory[k] = snapEntry{Value: raw, ExpiresAt: e.expiresAt}
	}
	ctx.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	ttl := time.Until(snap.ExpiresAt)
	if ttl <= 0 {
		return
	}
	_ = s.backend.Set(context.Background(), sessionKey(ctx.ID), data, ttl)
}

// Restore loads a session snapshot from the backend into the in-memory
// table, e.g. after a process restart. Returns ErrNotFound if no
// snapshot exists, or ErrExpired if the snapshot's session has expired.
func (s *Store) Restore(ctx context.Context, id string) (*Context, error) {
	if s.backend == nil {
		return nil, ErrNotFound
	}
	data, ok, err := s.backend.Get(ctx, sessionKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	if time.Now().After(snap.ExpiresAt) {
		return nil, ErrExpired
	}

	caps := make(map[string]struct{}, len(snap.Capabilities))
	for _, c := range snap.Capabilities {
		caps[c] = struct{}{}
	}
	restored := &Context{
		ID:            snap.ID,
		Principal:     snap.Principal,
		Capabilities:  caps,
		CreatedAt:     snap.CreatedAt,
		lastTouchedAt: snap.LastTouchedAt,
		expiresAt:     snap.ExpiresAt,
		idleTTL:       snap.IdleTTL,
		memory:        map[string]entry{},
	}
	for k, e := range snap.Memory {
		var v interface{}
		_ = json.Unmarshal(e.Value, &v)
		restored.memory[k] = entry{value: v, expiresAt: e.ExpiresAt}
	}

	s.mu.Lock()
	s.sessions[id] = restored
	s.mu.Unlock()
	return restored, nil
}
