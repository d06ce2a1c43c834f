package core

import (
	"context"
	"encoding/json"
)

// Unsubscribe stops a subscription. Safe to call more than once.
type Unsubscribe func()

// SignalStore is a shared, hierarchical key-value store used as the only
// signaling transport between peers.
//
// Paths are slash separated. Writing an object explodes it into child paths,
// reading a path composes its subtree back into one JSON document. Writing
// nil removes the path.
//
// Subscription callbacks are delivered at least once for committed data and
// in order per subscription, but there is no ordering between subscriptions.
type SignalStore interface {
	Set(ctx context.Context, path string, value any) error
	// SetIfAbsent writes value only if nothing exists at path.
	SetIfAbsent(ctx context.Context, path string, value any) (bool, error)
	// Update merges fields into the object at path; nil values remove the child.
	Update(ctx context.Context, path string, fields map[string]any) error
	// Push appends value under a new time-ordered child key and returns the key.
	Push(ctx context.Context, path string, value any) (string, error)
	Get(ctx context.Context, path string) (json.RawMessage, bool, error)
	Remove(ctx context.Context, path string) error

	// SubscribeValue calls fn with the current value at path, then again every
	// time anything at or below path changes.
	SubscribeValue(ctx context.Context, path string, fn func(value json.RawMessage, exists bool)) (Unsubscribe, error)
	// SubscribeChildAdded calls fn once for every existing child of path, then
	// for every child added later. A child whose value is replaced is
	// delivered again.
	SubscribeChildAdded(ctx context.Context, path string, fn func(key string, value json.RawMessage)) (Unsubscribe, error)
}
