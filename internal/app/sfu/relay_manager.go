package sfu

import (
	"context"
	"sync"

	"github.com/dkeye/Podcast/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// CodecFor returns the codec listeners are offered for kind.
func CodecFor(kind webrtc.RTPCodecType) webrtc.RTPCodecCapability {
	if kind == webrtc.RTPCodecTypeVideo {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

// RelayManager holds one relay per media kind of a room.
type RelayManager struct {
	room domain.RoomID

	mu     sync.RWMutex
	relays map[webrtc.RTPCodecType]*Relay
}

func NewRelayManager(room domain.RoomID) *RelayManager {
	return &RelayManager{
		room:   room,
		relays: make(map[webrtc.RTPCodecType]*Relay),
	}
}

// StartRelay creates a Relay for src's kind and starts its loop, replacing
// any relay of the same kind.
func (m *RelayManager) StartRelay(ctx context.Context, src RTPSource) {
	kind := src.Kind()
	logger := log.With().
		Str("module", "relay").
		Str("room", string(m.room)).
		Str("kind", kind.String()).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(src, CodecFor(kind), cancel)

	m.mu.Lock()
	if old, ok := m.relays[kind]; ok {
		logger.Info().Msg("replacing existing relay")
		old.markAllDelete()
		if old.cancel != nil {
			old.cancel()
		}
	}
	m.relays[kind] = relay
	m.mu.Unlock()

	logger.Info().Msg("starting relay loop")

	go relay.loop(relayCtx, &logger)
}

// Subscribe creates one local track per running relay for listener dst.
func (m *RelayManager) Subscribe(dst domain.ParticipantID) ([]webrtc.TrackLocal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tracks := make([]webrtc.TrackLocal, 0, len(m.relays))
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		relay, ok := m.relays[kind]
		if !ok {
			continue
		}
		track, err := relay.subscribe(m.room, dst)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, track)
	}
	return tracks, nil
}

// MarkSubscriberDelete stops forwarding to dst on every relay.
func (m *RelayManager) MarkSubscriberDelete(dst domain.ParticipantID) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, relay := range m.relays {
		if ot, ok := relay.outTrack(dst); ok {
			ot.MarkDelete()
		}
	}
}

// StopAll stops every relay.
func (m *RelayManager) StopAll() {
	m.mu.Lock()
	relays := m.relays
	m.relays = make(map[webrtc.RTPCodecType]*Relay)
	m.mu.Unlock()
	for _, relay := range relays {
		relay.markAllDelete()
		if relay.cancel != nil {
			relay.cancel()
		}
	}
}

// HasRelay reports whether a relay of kind is running.
func (m *RelayManager) HasRelay(kind webrtc.RTPCodecType) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[kind]
	return ok
}

// Subscribers is the number of live listener tracks of kind.
func (m *RelayManager) Subscribers(kind webrtc.RTPCodecType) int {
	m.mu.RLock()
	relay, ok := m.relays[kind]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return relay.subscribers()
}
