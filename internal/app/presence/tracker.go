// Package presence maintains the participant roster of a room and the
// transient emoji reactions shown next to each participant.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dkeye/Podcast/internal/core"
	"github.com/dkeye/Podcast/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	DefaultReactionWindow = 3 * time.Second
	maxEmojiLen           = 16
)

var (
	ErrInvalidReaction = errors.New("invalid reaction")
	ErrNotJoined       = errors.New("participant has no roster row")
)

type timer interface {
	Stop() bool
}

type reactionKey struct {
	room domain.RoomID
	pid  domain.ParticipantID
}

// pendingClear is the scheduled removal of one reaction. Only the clear
// whose timestamp is still current may remove the emoji.
type pendingClear struct {
	ts    int64
	timer timer
}

type Tracker struct {
	store     core.SignalStore
	window    time.Duration
	now       func() time.Time
	afterFunc func(time.Duration, func()) timer

	mu      sync.Mutex
	pending map[reactionKey]*pendingClear
}

type Option func(*Tracker)

func WithWindow(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.window = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(store core.SignalStore, opts ...Option) *Tracker {
	t := &Tracker{
		store:  store,
		window: DefaultReactionWindow,
		now:    time.Now,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
		pending: make(map[reactionKey]*pendingClear),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Join writes the participant record. It is the only full write of the
// record; reactions update single fields afterwards.
func (t *Tracker) Join(ctx context.Context, room domain.RoomID, p *domain.Participant) error {
	if err := p.ID.Validate(); err != nil {
		return err
	}
	if err := t.store.Set(ctx, domain.ParticipantPath(room, p.ID), p); err != nil {
		return fmt.Errorf("join %s: %w", p.ID, err)
	}
	log.Info().
		Str("module", "presence").
		Str("room", string(room)).
		Str("pid", string(p.ID)).
		Str("role", string(p.Role)).
		Msg("participant joined")
	return nil
}

// Leave removes everything pid ever wrote in room: the roster row, the
// offer and the per-peer signaling subtree. Every removal is attempted even
// if an earlier one fails.
func (t *Tracker) Leave(ctx context.Context, room domain.RoomID, pid domain.ParticipantID) error {
	t.mu.Lock()
	key := reactionKey{room, pid}
	if p, ok := t.pending[key]; ok {
		p.timer.Stop()
		delete(t.pending, key)
	}
	t.mu.Unlock()

	var errs []error
	for _, p := range []string{
		domain.ParticipantPath(room, pid),
		domain.OfferPath(room, pid),
		domain.PeerPath(room, pid),
	} {
		if err := t.store.Remove(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", p, err))
		}
	}
	log.Info().Str("module", "presence").Str("room", string(room)).Str("pid", string(pid)).Msg("participant left")
	return errors.Join(errs...)
}

// SendReaction shows emoji next to pid and schedules its removal after the
// reaction window. A newer reaction supersedes the pending removal of an
// older one. Returns the reaction timestamp, or ErrNotJoined when pid has no
// roster row.
func (t *Tracker) SendReaction(ctx context.Context, room domain.RoomID, pid domain.ParticipantID, emoji string) (int64, error) {
	if emoji == "" || len(emoji) > maxEmojiLen || !utf8.ValidString(emoji) {
		return 0, ErrInvalidReaction
	}

	participant := domain.ParticipantPath(room, pid)
	ts := t.now().UnixMilli()
	err := t.store.Update(ctx, participant, map[string]any{
		"emoji":          emoji,
		"emojiTimestamp": ts,
	})
	if err != nil {
		return 0, fmt.Errorf("reaction: %w", err)
	}

	// pid may have left between the caller's check and the update above
	_, joined, err := t.store.Get(ctx, participant+"/name")
	if err != nil {
		return 0, fmt.Errorf("reaction: %w", err)
	}
	if !joined {
		t.dropEmoji(ctx, room, pid)
		return 0, ErrNotJoined
	}

	key := reactionKey{room, pid}
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.pending[key]; ok {
		if old.ts > ts {
			return ts, nil
		}
		old.timer.Stop()
	}
	delay := time.UnixMilli(ts).Add(t.window).Sub(t.now())
	t.pending[key] = &pendingClear{
		ts: ts,
		timer: t.afterFunc(delay, func() {
			t.clear(context.WithoutCancel(ctx), key, ts)
		}),
	}
	return ts, nil
}

// clear removes the reaction of key if ts is still the latest one, both in
// memory and in the store. A stored reaction older than ts is stale and goes
// too; a newer one belongs to another writer and stays.
func (t *Tracker) clear(ctx context.Context, key reactionKey, ts int64) {
	t.mu.Lock()
	p, ok := t.pending[key]
	if !ok || p.ts != ts {
		t.mu.Unlock()
		return
	}
	delete(t.pending, key)
	t.mu.Unlock()

	raw, exists, err := t.store.Get(ctx, domain.ParticipantPath(key.room, key.pid)+"/emojiTimestamp")
	if err != nil {
		log.Warn().Err(err).Str("module", "presence").Str("room", string(key.room)).Str("pid", string(key.pid)).Msg("read reaction timestamp")
		return
	}
	if !exists {
		return
	}
	if stored, err := strconv.ParseInt(string(raw), 10, 64); err != nil || stored > ts {
		return
	}
	t.dropEmoji(ctx, key.room, key.pid)
}

// dropEmoji clears the reaction fields. A row holding nothing else, left by
// a reaction racing a leave, disappears with them.
func (t *Tracker) dropEmoji(ctx context.Context, room domain.RoomID, pid domain.ParticipantID) {
	err := t.store.Update(ctx, domain.ParticipantPath(room, pid), map[string]any{
		"emoji":          nil,
		"emojiTimestamp": nil,
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "presence").Str("room", string(room)).Str("pid", string(pid)).Msg("clear reaction")
	}
}

// Snapshot reads the current roster once.
func (t *Tracker) Snapshot(ctx context.Context, room domain.RoomID) ([]domain.Participant, error) {
	raw, ok, err := t.store.Get(ctx, domain.ParticipantsPath(room))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return DecodeRoster(raw)
}

// OnParticipants calls fn with the full roster on subscribe and after every
// change.
func (t *Tracker) OnParticipants(ctx context.Context, room domain.RoomID, fn func([]domain.Participant)) (core.Unsubscribe, error) {
	return t.store.SubscribeValue(ctx, domain.ParticipantsPath(room), func(raw json.RawMessage, exists bool) {
		if !exists {
			fn(nil)
			return
		}
		roster, err := DecodeRoster(raw)
		if err != nil {
			log.Warn().Err(err).Str("module", "presence").Str("room", string(room)).Msg("bad roster payload")
			return
		}
		fn(roster)
	})
}

// DecodeRoster turns the participants subtree into a list ordered by join time.
func DecodeRoster(raw json.RawMessage) ([]domain.Participant, error) {
	var byID map[string]domain.Participant
	if err := json.Unmarshal(raw, &byID); err != nil {
		return nil, err
	}
	out := make([]domain.Participant, 0, len(byID))
	for id, p := range byID {
		p.ID = domain.ParticipantID(id)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt != out[j].JoinedAt {
			return out[i].JoinedAt < out[j].JoinedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
