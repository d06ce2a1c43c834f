// Package session drives one listener through a live room: resolve the
// room, register presence, negotiate the peer connection and watch the room
// until it ends or the listener leaves.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Podcast/internal/app/peer"
	"github.com/dkeye/Podcast/internal/app/presence"
	"github.com/dkeye/Podcast/internal/core"
	"github.com/dkeye/Podcast/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultAnswerTimeout = 20 * time.Second
	cleanupTimeout       = 5 * time.Second
	eventBuffer          = 64
)

var ErrNotConnected = errors.New("session not connected")

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateEnded      State = "ended"
	// StateFailed is a transport failure; a new session may be attempted.
	StateFailed   State = "failed"
	StateError    State = "error"
	StateNotFound State = "not_found"
)

func (s State) Terminal() bool {
	switch s {
	case StateEnded, StateFailed, StateError, StateNotFound:
		return true
	}
	return false
}

// Rooms resolves and mirrors room records.
type Rooms interface {
	Lookup(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	MirrorLive(ctx context.Context, room *domain.Room) error
}

type Config struct {
	Room          domain.RoomID
	Participant   domain.Participant
	AnswerTimeout time.Duration
}

type Controller struct {
	cfg      Config
	rooms    Rooms
	peers    *peer.Manager
	presence *presence.Tracker
	store    core.SignalStore
	logger   zerolog.Logger

	events   chan Event
	done     chan struct{}
	doneOnce sync.Once

	// owned by the event loop once Join returns
	conn        *peer.Conn
	joined      bool
	unsubs      []core.Unsubscribe
	answerUnsub core.Unsubscribe
	timer       *time.Timer

	mu       sync.RWMutex
	state    State
	err      error
	roster   []domain.Participant
	watchers []func(State)
}

func New(cfg Config, rooms Rooms, peers *peer.Manager, tracker *presence.Tracker, store core.SignalStore) *Controller {
	if cfg.AnswerTimeout == 0 {
		cfg.AnswerTimeout = DefaultAnswerTimeout
	}
	cfg.Participant.Role = domain.RoleListener
	return &Controller{
		cfg:      cfg,
		rooms:    rooms,
		peers:    peers,
		presence: tracker,
		store:    store,
		events:   make(chan Event, eventBuffer),
		done:     make(chan struct{}),
		state:    StateIdle,
		logger: log.With().
			Str("module", "session").
			Str("room", string(cfg.Room)).
			Str("pid", string(cfg.Participant.ID)).
			Logger(),
	}
}

// OnStateChange registers fn for every state transition. Register before Join.
func (c *Controller) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.watchers = append(c.watchers, fn)
	c.mu.Unlock()
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Err is the reason the session reached a terminal state, if any.
func (c *Controller) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *Controller) Roster() []domain.Participant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]domain.Participant(nil), c.roster...)
}

// Done is closed once the session is torn down.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) setState(s State, err error) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	if err != nil {
		c.err = err
	}
	watchers := append([]func(State)(nil), c.watchers...)
	c.mu.Unlock()

	ev := c.logger.Info()
	if err != nil {
		ev = c.logger.Warn().Err(err)
	}
	ev.Str("state", string(s)).Msg("session state")
	for _, fn := range watchers {
		fn(s)
	}
}

// Join runs the join sequence and, on success, starts the event loop that
// lives until ctx is cancelled, the room ends, the transport fails or Leave
// is called. Every failure after presence registration tears down what was
// created.
func (c *Controller) Join(ctx context.Context) error {
	if c.State() != StateIdle {
		return fmt.Errorf("join: session already %s", c.State())
	}
	c.setState(StateConnecting, nil)

	room, err := c.rooms.Lookup(ctx, c.cfg.Room)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.finish(StateNotFound, err)
		return err
	case err != nil:
		c.finish(StateError, err)
		return err
	case room.Status == domain.RoomEnded:
		c.finish(StateEnded, domain.ErrRoomEnded)
		return domain.ErrRoomEnded
	}

	conn, err := c.peers.CreateConnection(ctx, c.cfg.Room, c.cfg.Participant.ID, func(s peer.State) {
		c.post(TransportChanged{State: s})
	})
	if err != nil {
		err = fmt.Errorf("%w: %w", domain.ErrTransportFailure, err)
		c.finish(StateFailed, err)
		return err
	}
	c.conn = conn

	p := c.cfg.Participant
	p.JoinedAt = time.Now().UnixMilli()
	if err := c.presence.Join(ctx, c.cfg.Room, &p); err != nil {
		c.teardown(ctx, StateError, err)
		return err
	}
	c.joined = true

	if err := c.rooms.MirrorLive(ctx, room); err != nil {
		c.logger.Warn().Err(err).Msg("mirror room")
	}

	if err := c.subscribe(ctx); err != nil {
		c.teardown(ctx, StateError, err)
		return err
	}

	if err := c.peers.SendOffer(ctx, conn); err != nil {
		c.teardown(ctx, StateFailed, err)
		return err
	}
	if c.cfg.AnswerTimeout > 0 {
		c.timer = time.AfterFunc(c.cfg.AnswerTimeout, func() { c.post(AnswerTimedOut{}) })
	}

	c.setState(StateConnected, nil)
	go c.run(ctx)
	return nil
}

func (c *Controller) subscribe(ctx context.Context) error {
	room, pid := c.cfg.Room, c.cfg.Participant.ID

	unsub, err := c.store.SubscribeValue(ctx, domain.StatusPath(room), func(raw json.RawMessage, exists bool) {
		if !exists {
			return
		}
		status, err := decodeStatus(raw)
		if err != nil {
			c.logger.Warn().Err(err).Msg("status dropped")
			return
		}
		c.post(StatusChanged{Status: status})
	})
	if err != nil {
		return err
	}
	c.unsubs = append(c.unsubs, unsub)

	unsub, err = c.presence.OnParticipants(ctx, room, func(ps []domain.Participant) {
		c.post(RosterChanged{Participants: ps})
	})
	if err != nil {
		return err
	}
	c.unsubs = append(c.unsubs, unsub)

	unsub, err = c.store.SubscribeChildAdded(ctx, domain.HostCandidatesPath(room, pid), func(key string, raw json.RawMessage) {
		cand, err := decodeCandidate(raw)
		if err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("candidate dropped")
			return
		}
		c.post(CandidateReceived{Key: key, Candidate: cand})
	})
	if err != nil {
		return err
	}
	c.unsubs = append(c.unsubs, unsub)

	c.answerUnsub, err = c.store.SubscribeValue(ctx, domain.AnswerPath(room, pid), func(raw json.RawMessage, exists bool) {
		if !exists {
			return
		}
		desc, err := decodeAnswer(raw)
		if err != nil {
			c.logger.Warn().Err(err).Msg("answer dropped")
			return
		}
		c.post(AnswerReceived{Answer: desc})
	})
	return err
}

func (c *Controller) post(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Controller) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.teardown(ctx, StateEnded, ctx.Err())
			return
		case ev := <-c.events:
			if c.handle(ctx, ev) {
				return
			}
		}
	}
}

// handle applies one event. It returns true once the session is over.
func (c *Controller) handle(ctx context.Context, ev Event) bool {
	if c.State().Terminal() {
		return true
	}
	c.logger.Debug().Str("event", ev.eventName()).Msg("event")

	switch ev := ev.(type) {
	case AnswerReceived:
		applied, err := c.peers.ConsumeAnswer(c.conn, ev.Answer)
		if err != nil {
			c.teardown(ctx, StateFailed, err)
			return true
		}
		if applied {
			c.stopTimer()
			if c.answerUnsub != nil {
				c.answerUnsub()
				c.answerUnsub = nil
			}
		}

	case CandidateReceived:
		c.peers.ConsumeCandidate(c.conn, ev.Key, ev.Candidate)

	case RosterChanged:
		c.mu.Lock()
		c.roster = ev.Participants
		c.mu.Unlock()

	case StatusChanged:
		if ev.Status == domain.RoomEnded {
			c.teardown(ctx, StateEnded, domain.ErrRoomEnded)
			return true
		}

	case TransportChanged:
		switch ev.State {
		case peer.StateFailed, peer.StateEnded:
			c.teardown(ctx, StateFailed, fmt.Errorf("%w: peer connection %s", domain.ErrTransportFailure, ev.State))
			return true
		}

	case AnswerTimedOut:
		if c.conn.Phase() == peer.PhaseOfferSent {
			c.teardown(ctx, StateFailed, fmt.Errorf("%w: no answer within %s", domain.ErrTransportFailure, c.cfg.AnswerTimeout))
			return true
		}

	case LeaveRequested:
		c.teardown(ctx, StateEnded, nil)
		return true
	}
	return false
}

func (c *Controller) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// teardown is the one exit path: stop listening, close the transport and
// remove everything this participant wrote. Cleanup writes use their own
// deadline so they still run after ctx is cancelled.
func (c *Controller) teardown(ctx context.Context, final State, err error) {
	c.stopTimer()
	if c.answerUnsub != nil {
		c.answerUnsub()
		c.answerUnsub = nil
	}
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil

	if c.conn != nil {
		c.peers.Close(c.conn)
	}
	if c.joined {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		if lerr := c.presence.Leave(cctx, c.cfg.Room, c.cfg.Participant.ID); lerr != nil {
			c.logger.Error().Err(lerr).Msg("cleanup incomplete")
		}
		cancel()
		c.joined = false
	}
	c.finish(final, err)
}

func (c *Controller) finish(final State, err error) {
	c.setState(final, err)
	c.doneOnce.Do(func() { close(c.done) })
}

// Leave ends the session and waits for cleanup.
func (c *Controller) Leave(ctx context.Context) error {
	if s := c.State(); s == StateIdle || s.Terminal() {
		return nil
	}
	select {
	case c.events <- LeaveRequested{}:
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// React shows emoji next to this listener for the reaction window.
func (c *Controller) React(ctx context.Context, emoji string) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	_, err := c.presence.SendReaction(ctx, c.cfg.Room, c.cfg.Participant.ID, emoji)
	return err
}
