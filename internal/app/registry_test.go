package app

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/Podcast/internal/adapters/rooms"
	"github.com/dkeye/Podcast/internal/adapters/store"
	"github.com/dkeye/Podcast/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	approvedID   = domain.RoomID("SKCMP-AB12C-20250101")
	unapprovedID = domain.RoomID("SKCMP-ZZZZZ-20250101")
	missingID    = domain.RoomID("SKCMP-NOPE2-20250101")
)

func newRegistry(t *testing.T) (*Registry, *rooms.MemoryStore, *store.MemoryStore) {
	t.Helper()
	created := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	rs := rooms.NewMemoryStore(
		domain.Room{ID: approvedID, Title: "Morning show", HostID: "host-1", Status: domain.RoomPending, Approved: true, CreatedAt: created},
		domain.Room{ID: unapprovedID, Title: "Draft", HostID: "host-2", Status: domain.RoomPending, CreatedAt: created},
	)
	ss := store.NewMemoryStore()
	return NewRegistry(rs, ss), rs, ss
}

func TestLookup(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ctx := context.Background()

	room, err := reg.Lookup(ctx, approvedID)
	require.NoError(t, err)
	assert.Equal(t, "Morning show", room.Title)
	assert.Equal(t, domain.RoomPending, room.Status)

	_, err = reg.Lookup(ctx, unapprovedID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = reg.Lookup(ctx, missingID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	room, err = reg.RoomStatus(ctx, unapprovedID)
	require.NoError(t, err)
	assert.False(t, room.Approved)
}

func TestRoomExists(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ctx := context.Background()

	ok, err := reg.RoomExists(ctx, approvedID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = reg.RoomExists(ctx, unapprovedID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMirrorLiveWritesOnce(t *testing.T) {
	reg, _, ss := newRegistry(t)
	ctx := context.Background()
	room, err := reg.Lookup(ctx, approvedID)
	require.NoError(t, err)

	require.NoError(t, reg.MirrorLive(ctx, room))
	raw, ok, err := ss.Get(ctx, domain.StatusPath(approvedID))
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `"live"`, string(raw))

	// an ended room is never flipped back by a late mirror
	require.NoError(t, ss.Set(ctx, domain.StatusPath(approvedID), domain.RoomEnded))
	reg2 := NewRegistry(rooms.NewMemoryStore(*room), ss)
	require.NoError(t, reg2.MirrorLive(ctx, room))
	raw, _, err = ss.Get(ctx, domain.StatusPath(approvedID))
	require.NoError(t, err)
	assert.JSONEq(t, `"ended"`, string(raw))
}

func TestLookupFallsBackToMirror(t *testing.T) {
	reg, _, ss := newRegistry(t)
	ctx := context.Background()
	room, err := reg.Lookup(ctx, approvedID)
	require.NoError(t, err)
	require.NoError(t, reg.MirrorLive(ctx, room))

	// a listener process without the durable record
	listenerSide := NewRegistry(rooms.NewMemoryStore(), ss)
	got, err := listenerSide.Lookup(ctx, approvedID)
	require.NoError(t, err)
	assert.Equal(t, "Morning show", got.Title)
	assert.Equal(t, "host-1", got.HostID)
	assert.Equal(t, domain.RoomLive, got.Status)
	assert.Equal(t, room.CreatedAt.UnixMilli(), got.CreatedAt.UnixMilli())
}

func TestMarkEndedIsIdempotent(t *testing.T) {
	reg, rs, _ := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.MarkLive(ctx, approvedID))
	require.NoError(t, reg.MarkEnded(ctx, approvedID))
	require.NoError(t, reg.MarkEnded(ctx, approvedID))

	room, err := reg.Lookup(ctx, approvedID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomEnded, room.Status)
	assert.False(t, room.Joinable())

	durable, err := rs.GetRoom(ctx, approvedID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomEnded, durable.Status)

	// mirror-only rooms end in the signaling store alone
	require.NoError(t, reg.MarkEnded(ctx, missingID))
}
