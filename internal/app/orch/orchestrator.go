// Package orch runs the host side of a broadcast: it answers every
// listener's offer, relays media to them and ends the room.
package orch

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dkeye/Podcast/internal/app"
	"github.com/dkeye/Podcast/internal/app/peer"
	"github.com/dkeye/Podcast/internal/app/presence"
	"github.com/dkeye/Podcast/internal/app/sfu"
	"github.com/dkeye/Podcast/internal/core"
	"github.com/dkeye/Podcast/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const cleanupTimeout = 5 * time.Second

type Deps struct {
	Registry *app.Registry
	Presence *presence.Tracker
	Peers    *peer.Manager
	Store    core.SignalStore
	// Relays may be nil, listeners then get a connection without tracks.
	Relays  *sfu.RelayManager
	Sources []sfu.RTPSource
}

type listenerEntry struct {
	conn    *peer.Conn
	offerTS int64
	unsub   core.Unsubscribe
}

type Orchestrator struct {
	Deps
	room   domain.RoomID
	host   domain.Participant
	logger zerolog.Logger

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	unsubs    []core.Unsubscribe
	listeners map[domain.ParticipantID]*listenerEntry
	present   map[domain.ParticipantID]struct{}
	stopped   bool
}

var _ core.Broadcast = (*Orchestrator)(nil)

func New(room domain.RoomID, host domain.Participant, deps Deps) *Orchestrator {
	host.Role = domain.RoleHost
	return &Orchestrator{
		Deps:      deps,
		room:      room,
		host:      host,
		listeners: make(map[domain.ParticipantID]*listenerEntry),
		present:   make(map[domain.ParticipantID]struct{}),
		logger:    log.With().Str("module", "orch").Str("room", string(room)).Logger(),
	}
}

func (o *Orchestrator) Room() domain.RoomID { return o.room }

func (o *Orchestrator) ListenerCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.listeners)
}

// Start takes the room live. The broadcast outlives ctx; it runs until Stop.
func (o *Orchestrator) Start(ctx context.Context) error {
	room, err := o.Registry.Lookup(ctx, o.room)
	if err != nil {
		return err
	}
	if room.Status == domain.RoomEnded {
		return domain.ErrRoomEnded
	}
	if err := o.Registry.MirrorLive(ctx, room); err != nil {
		return err
	}
	if err := o.Registry.MarkLive(ctx, o.room); err != nil {
		return err
	}

	host := o.host
	host.JoinedAt = time.Now().UnixMilli()
	if err := o.Presence.Join(ctx, o.room, &host); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.mu.Lock()
	o.ctx, o.cancel = runCtx, cancel
	o.mu.Unlock()

	if o.Relays != nil {
		for _, src := range o.Sources {
			o.Relays.StartRelay(runCtx, src)
		}
	}

	if err := o.watchRoom(runCtx); err != nil {
		_ = o.Stop(ctx)
		return fmt.Errorf("watch room %s: %w", o.room, err)
	}
	o.logger.Info().Str("title", room.Title).Msg("broadcast live")
	return nil
}

// Stop ends the room for everyone. Safe to call more than once.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.stopped = true
	unsubs := o.unsubs
	o.unsubs = nil
	pids := make([]domain.ParticipantID, 0, len(o.listeners))
	for pid := range o.listeners {
		pids = append(pids, pid)
	}
	cancel := o.cancel
	o.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}

	cctx, done := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer done()
	err := o.Registry.MarkEnded(cctx, o.room)

	for _, pid := range pids {
		o.kick(pid, nil, true)
	}
	if o.Relays != nil {
		o.Relays.StopAll()
	}
	for _, src := range o.Sources {
		if c, ok := src.(io.Closer); ok {
			_ = c.Close()
		}
	}
	if cancel != nil {
		cancel()
	}
	if lerr := o.Presence.Leave(cctx, o.room, o.host.ID); lerr != nil {
		o.logger.Warn().Err(lerr).Msg("host presence cleanup")
	}
	o.logger.Info().Msg("broadcast ended")
	return err
}
