package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/dkeye/Podcast/internal/core"
	"github.com/rs/zerolog/log"
)

type reader interface {
	Get(ctx context.Context, path string) (json.RawMessage, bool, error)
	children(ctx context.Context, path string) ([]string, error)
}

type subKind int

const (
	valueSub subKind = iota
	childSub
)

// subscription turns raw change notifications into callbacks. Each
// subscription has its own goroutine so callbacks are ordered per subscription
// and never run under a store lock.
type subscription struct {
	base    string
	kind    subKind
	r       reader
	onValue func(json.RawMessage, bool)
	onChild func(string, json.RawMessage)
	seen    map[string]string

	mu      sync.Mutex
	pending []string
	wake    chan struct{}
	done    chan struct{}
	stop    sync.Once
	onStop  func()
}

func newSubscription(base string, kind subKind, r reader) *subscription {
	return &subscription{
		base: base,
		kind: kind,
		r:    r,
		seen: make(map[string]string),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// notify records a change at p. Unrelated paths are ignored.
func (s *subscription) notify(p string) {
	if !related(p, s.base) {
		return
	}
	s.mu.Lock()
	s.pending = append(s.pending, p)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) unsubscribe() core.Unsubscribe {
	return func() {
		s.stop.Do(func() {
			close(s.done)
			if s.onStop != nil {
				s.onStop()
			}
		})
	}
}

func (s *subscription) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *subscription) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.unsubscribe()()
			return
		case <-s.done:
			return
		case <-s.wake:
		}
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()
		if len(batch) > 0 {
			s.deliver(ctx, batch)
		}
	}
}

func (s *subscription) deliver(ctx context.Context, batch []string) {
	logger := log.With().Str("module", "store").Str("path", s.base).Logger()
	if s.kind == valueSub {
		raw, ok, err := s.r.Get(ctx, s.base)
		if err != nil {
			logger.Error().Err(err).Msg("value subscription read")
			return
		}
		if !s.stopped() {
			s.onValue(raw, ok)
		}
		return
	}

	keys := make(map[string]bool)
	rescan := false
	for _, p := range batch {
		if within(s.base, p) {
			rescan = true
			continue
		}
		if k, ok := childKey(s.base, p); ok {
			keys[k] = true
		}
	}
	if rescan {
		present, err := s.r.children(ctx, s.base)
		if err != nil {
			logger.Error().Err(err).Msg("child subscription scan")
			return
		}
		live := make(map[string]bool, len(present))
		for _, k := range present {
			live[k] = true
			keys[k] = true
		}
		for k := range s.seen {
			if !live[k] {
				delete(s.seen, k)
			}
		}
	}

	ordered := make([]string, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)
	for _, k := range ordered {
		raw, ok, err := s.r.Get(ctx, s.base+"/"+k)
		if err != nil {
			logger.Error().Err(err).Str("child", k).Msg("child subscription read")
			continue
		}
		if !ok {
			delete(s.seen, k)
			continue
		}
		if prev, dup := s.seen[k]; dup && prev == string(raw) {
			continue
		}
		s.seen[k] = string(raw)
		if s.stopped() {
			return
		}
		s.onChild(k, raw)
	}
}
