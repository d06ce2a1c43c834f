package rooms

import (
	"context"
	"sync"

	"github.com/dkeye/Podcast/internal/core"
	"github.com/dkeye/Podcast/internal/domain"
)

// MemoryStore keeps room records in process.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]domain.Room
}

var _ core.RoomStore = (*MemoryStore)(nil)

func NewMemoryStore(seed ...domain.Room) *MemoryStore {
	s := &MemoryStore{rooms: make(map[domain.RoomID]domain.Room)}
	for _, r := range seed {
		s.rooms[r.ID] = r
	}
	return s
}

func (s *MemoryStore) GetRoom(_ context.Context, id domain.RoomID) (*domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &r, nil
}

func (s *MemoryStore) CreateRoom(_ context.Context, r *domain.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[r.ID] = *r
	return nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id domain.RoomID, status domain.RoomStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.Status = status
	s.rooms[id] = r
	return nil
}
