package app

import (
	"context"
	"sort"
	"sync"

	"github.com/dkeye/Podcast/internal/core"
	"github.com/dkeye/Podcast/internal/domain"
	"github.com/rs/zerolog/log"
)

// BroadcastFactory builds the host side of one room.
type BroadcastFactory func(id domain.RoomID) (core.Broadcast, error)

// RoomManager keeps one running broadcast per room.
type RoomManager struct {
	factory BroadcastFactory

	mu         sync.RWMutex
	broadcasts map[domain.RoomID]core.Broadcast
}

func NewRoomManager(factory BroadcastFactory) *RoomManager {
	return &RoomManager{
		factory:    factory,
		broadcasts: make(map[domain.RoomID]core.Broadcast),
	}
}

// Start builds and starts the broadcast of id unless it is already running.
func (m *RoomManager) Start(ctx context.Context, id domain.RoomID) (core.Broadcast, error) {
	m.mu.RLock()
	b, ok := m.broadcasts[id]
	m.mu.RUnlock()
	if ok {
		return b, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.broadcasts[id]; ok {
		return b, nil
	}
	b, err := m.factory(id)
	if err != nil {
		return nil, err
	}
	if err := b.Start(ctx); err != nil {
		return nil, err
	}
	m.broadcasts[id] = b
	log.Info().Str("module", "app.rooms").Str("room", string(id)).Msg("broadcast started")
	return b, nil
}

func (m *RoomManager) Get(id domain.RoomID) (core.Broadcast, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.broadcasts[id]
	return b, ok
}

func (m *RoomManager) List() []core.RoomInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.RoomInfo, 0, len(m.broadcasts))
	for id, b := range m.broadcasts {
		out = append(out, core.RoomInfo{ID: id, ListenerCount: b.ListenerCount()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StopRoom stops and forgets the broadcast of id. Unknown ids are a no-op.
func (m *RoomManager) StopRoom(ctx context.Context, id domain.RoomID) error {
	m.mu.Lock()
	b, ok := m.broadcasts[id]
	delete(m.broadcasts, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	log.Info().Str("module", "app.rooms").Str("room", string(id)).Msg("stopping broadcast")
	return b.Stop(ctx)
}

// StopAll stops every running broadcast, returning the first error.
func (m *RoomManager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	all := m.broadcasts
	m.broadcasts = make(map[domain.RoomID]core.Broadcast)
	m.mu.Unlock()

	var first error
	for _, b := range all {
		if err := b.Stop(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
