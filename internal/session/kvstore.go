package session

import (
	"context"
	"time"
)

// KVStore is the persistence collaborator named in spec.md §1: a generic
// database abstraction this repo treats as an external interface. It is
// used here only to optionally persist a session snapshot so that a
// restart doesn't silently drop live sessions. Get and Take never read
// from it (reads stay purely in-memory per spec.md §4.C's concurrency
// model); Create, Touch and Put write a snapshot through to it.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
