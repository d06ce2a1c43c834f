package core

import (
	"context"

	"github.com/dkeye/Podcast/internal/domain"
)

// RoomStore is the durable record store owned by the approval workflow.
// GetRoom returns domain.ErrNotFound when no record exists.
type RoomStore interface {
	GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	CreateRoom(ctx context.Context, room *domain.Room) error
	SetStatus(ctx context.Context, id domain.RoomID, status domain.RoomStatus) error
}

// Broadcast is a running host session for one room.
type Broadcast interface {
	Room() domain.RoomID
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	ListenerCount() int
}

type RoomInfo struct {
	ID            domain.RoomID `json:"roomId"`
	ListenerCount int           `json:"listener_count"`
}
