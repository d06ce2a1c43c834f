package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dkeye/Podcast/internal/core"
)

// MemoryStore is a process-local SignalStore. Used for single-process
// deployments and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	leaves map[string]json.RawMessage
	subs   map[*subscription]struct{}
}

var _ core.SignalStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		leaves: make(map[string]json.RawMessage),
		subs:   make(map[*subscription]struct{}),
	}
}

func (m *MemoryStore) paths() []string {
	out := make([]string, 0, len(m.leaves))
	for p := range m.leaves {
		out = append(out, p)
	}
	return out
}

// apply runs the writes under the lock and notifies subscribers afterwards.
func (m *MemoryStore) apply(writes []write, cond func(existing []string) bool) (bool, error) {
	m.mu.Lock()
	existing := m.paths()
	if cond != nil && !cond(existing) {
		m.mu.Unlock()
		return false, nil
	}
	del, set := plan(existing, writes)
	for _, p := range del {
		delete(m.leaves, p)
	}
	for p, raw := range set {
		m.leaves[p] = raw
	}
	subs := make([]*subscription, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		for _, w := range writes {
			s.notify(w.Path)
		}
	}
	return true, nil
}

func prepare(p string, v any) (write, error) {
	clean, err := cleanPath(p)
	if err != nil {
		return write{}, err
	}
	raw, err := encode(v)
	if err != nil {
		return write{}, err
	}
	leaves, err := flatten(clean, raw)
	if err != nil {
		return write{}, err
	}
	return write{Path: clean, Leaves: leaves}, nil
}

func prepareUpdate(p string, fields map[string]any) ([]write, error) {
	writes := make([]write, 0, len(fields))
	for k, v := range fields {
		w, err := prepare(p+"/"+k, v)
		if err != nil {
			return nil, err
		}
		writes = append(writes, w)
	}
	return writes, nil
}

func (m *MemoryStore) Set(_ context.Context, p string, v any) error {
	w, err := prepare(p, v)
	if err != nil {
		return err
	}
	_, err = m.apply([]write{w}, nil)
	return err
}

func (m *MemoryStore) SetIfAbsent(_ context.Context, p string, v any) (bool, error) {
	w, err := prepare(p, v)
	if err != nil {
		return false, err
	}
	return m.apply([]write{w}, func(existing []string) bool {
		return !exists(w.Path, existing)
	})
}

func (m *MemoryStore) Update(_ context.Context, p string, fields map[string]any) error {
	writes, err := prepareUpdate(p, fields)
	if err != nil {
		return err
	}
	_, err = m.apply(writes, nil)
	return err
}

func (m *MemoryStore) Push(ctx context.Context, p string, v any) (string, error) {
	key := pushKey()
	return key, m.Set(ctx, p+"/"+key, v)
}

func (m *MemoryStore) Get(_ context.Context, p string) (json.RawMessage, bool, error) {
	clean, err := cleanPath(p)
	if err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return compose(clean, m.leaves)
}

func (m *MemoryStore) Remove(ctx context.Context, p string) error {
	return m.Set(ctx, p, nil)
}

func (m *MemoryStore) children(_ context.Context, p string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return childKeys(p, m.paths()), nil
}

func (m *MemoryStore) subscribe(ctx context.Context, p string, kind subKind) (*subscription, error) {
	clean, err := cleanPath(p)
	if err != nil {
		return nil, err
	}
	s := newSubscription(clean, kind, m)
	s.onStop = func() {
		m.mu.Lock()
		delete(m.subs, s)
		m.mu.Unlock()
	}
	m.mu.Lock()
	m.subs[s] = struct{}{}
	m.mu.Unlock()
	return s, nil
}

func (m *MemoryStore) SubscribeValue(ctx context.Context, p string, fn func(json.RawMessage, bool)) (core.Unsubscribe, error) {
	s, err := m.subscribe(ctx, p, valueSub)
	if err != nil {
		return nil, err
	}
	s.onValue = fn
	go s.run(ctx)
	s.notify(s.base)
	return s.unsubscribe(), nil
}

func (m *MemoryStore) SubscribeChildAdded(ctx context.Context, p string, fn func(string, json.RawMessage)) (core.Unsubscribe, error) {
	s, err := m.subscribe(ctx, p, childSub)
	if err != nil {
		return nil, err
	}
	s.onChild = fn
	go s.run(ctx)
	s.notify(s.base)
	return s.unsubscribe(), nil
}

// Len reports the number of stored leaves below p.
func (m *MemoryStore) Len(p string) int {
	clean, err := cleanPath(p)
	if err != nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for k := range m.leaves {
		if within(k, clean) {
			n++
		}
	}
	return n
}
