package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Podcast/internal/core"
	"github.com/dkeye/Podcast/internal/domain"
	"github.com/rs/zerolog/log"
)

// roomMeta is the read-only copy of a durable record kept in the signaling
// store so listeners can resolve a room without the durable store.
type roomMeta struct {
	Title     string `json:"title"`
	HostID    string `json:"hostId"`
	Approved  bool   `json:"approved"`
	CreatedAt int64  `json:"createdAt"`
}

// Registry resolves room ids. The durable store is authoritative for
// existence and approval; the signaling store's status overlays it once the
// room goes live, since that is what the host flips to end a broadcast.
type Registry struct {
	rooms core.RoomStore
	store core.SignalStore

	mu       sync.RWMutex
	mirrored map[domain.RoomID]struct{}
}

func NewRegistry(rooms core.RoomStore, store core.SignalStore) *Registry {
	return &Registry{
		rooms:    rooms,
		store:    store,
		mirrored: make(map[domain.RoomID]struct{}),
	}
}

// RoomStatus returns the merged record of id, approved or not.
func (r *Registry) RoomStatus(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	room, err := r.rooms.GetRoom(ctx, id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		room, err = r.mirror(ctx, id)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("lookup %s: %w", id, err)
	}

	raw, ok, err := r.store.Get(ctx, domain.StatusPath(id))
	if err != nil {
		return nil, fmt.Errorf("room status %s: %w", id, err)
	}
	if ok {
		var status domain.RoomStatus
		if err := json.Unmarshal(raw, &status); err == nil && status != "" {
			room.Status = status
		}
	}
	return room, nil
}

func (r *Registry) mirror(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	raw, ok, err := r.store.Get(ctx, domain.MetaPath(id))
	if err != nil {
		return nil, fmt.Errorf("room meta %s: %w", id, err)
	}
	if !ok {
		return nil, domain.ErrNotFound
	}
	var meta roomMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("room meta %s: %w", id, err)
	}
	return &domain.Room{
		ID:        id,
		Title:     meta.Title,
		HostID:    meta.HostID,
		Approved:  meta.Approved,
		Status:    domain.RoomPending,
		CreatedAt: time.UnixMilli(meta.CreatedAt),
	}, nil
}

// Lookup is RoomStatus restricted to approved rooms. Unapproved rooms are
// reported as domain.ErrNotFound.
func (r *Registry) Lookup(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	room, err := r.RoomStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if !room.Approved {
		return nil, fmt.Errorf("%w: %s not approved", domain.ErrNotFound, id)
	}
	return room, nil
}

func (r *Registry) RoomExists(ctx context.Context, id domain.RoomID) (bool, error) {
	_, err := r.Lookup(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// MirrorLive copies room's metadata and status into the signaling store
// unless they are already there.
func (r *Registry) MirrorLive(ctx context.Context, room *domain.Room) error {
	r.mu.RLock()
	_, done := r.mirrored[room.ID]
	r.mu.RUnlock()
	if done {
		return nil
	}

	meta := roomMeta{
		Title:     room.Title,
		HostID:    room.HostID,
		Approved:  room.Approved,
		CreatedAt: room.CreatedAt.UnixMilli(),
	}
	if _, err := r.store.SetIfAbsent(ctx, domain.MetaPath(room.ID), meta); err != nil {
		return fmt.Errorf("mirror meta %s: %w", room.ID, err)
	}
	status := room.Status
	if status == "" || status == domain.RoomPending {
		status = domain.RoomLive
	}
	if _, err := r.store.SetIfAbsent(ctx, domain.StatusPath(room.ID), status); err != nil {
		return fmt.Errorf("mirror status %s: %w", room.ID, err)
	}

	r.mu.Lock()
	r.mirrored[room.ID] = struct{}{}
	r.mu.Unlock()
	log.Info().Str("module", "app.registry").Str("room", string(room.ID)).Msg("mirrored room")
	return nil
}

// MarkLive flags the room live in both stores.
func (r *Registry) MarkLive(ctx context.Context, id domain.RoomID) error {
	return r.setStatus(ctx, id, domain.RoomLive)
}

// MarkEnded flags the room ended in both stores. Calling it again is a no-op
// in effect. A room only known from its mirror is ended in the signaling
// store alone.
func (r *Registry) MarkEnded(ctx context.Context, id domain.RoomID) error {
	return r.setStatus(ctx, id, domain.RoomEnded)
}

func (r *Registry) setStatus(ctx context.Context, id domain.RoomID, status domain.RoomStatus) error {
	if err := r.store.Set(ctx, domain.StatusPath(id), status); err != nil {
		return fmt.Errorf("set status %s: %w", id, err)
	}
	if err := r.rooms.SetStatus(ctx, id, status); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("persist status %s: %w", id, err)
	}
	log.Info().Str("module", "app.registry").Str("room", string(id)).Str("status", string(status)).Msg("room status changed")
	return nil
}
