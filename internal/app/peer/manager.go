// Package peer owns WebRTC peer connections and the signaling rules around
// them: one outstanding offer, a guarded answer, and queued ICE candidates.
package peer

import (
	"context"
	"time"

	"github.com/dkeye/Podcast/internal/core"
	"github.com/dkeye/Podcast/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const candidateWriteTimeout = 5 * time.Second

// Sinks receive remote tracks by kind. Either may be nil.
type Sinks struct {
	Audio core.TrackSink
	Video core.TrackSink
}

type Manager struct {
	store   core.SignalStore
	factory core.MediaFactory
	sinks   Sinks
	now     func() time.Time
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(store core.SignalStore, factory core.MediaFactory, sinks Sinks, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		factory: factory,
		sinks:   sinks,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateConnection allocates a receive-only connection for a listener and
// wires it to publish local candidates and route remote tracks. The
// connection starts in PhaseIdle.
func (m *Manager) CreateConnection(ctx context.Context, room domain.RoomID, pid domain.ParticipantID, onState func(State)) (*Conn, error) {
	media, err := m.factory(core.SessionID(pid))
	if err != nil {
		return nil, err
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if err := media.AddRecvOnly(kind); err != nil {
			_ = media.Close()
			return nil, err
		}
	}

	c := m.newConn(room, pid, media, onState, "listener")
	media.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.routeTrack(ctx, c, track)
	})
	m.wire(ctx, c, domain.ListenerCandidatesPath(room, pid))
	return c, nil
}

// CreateSender allocates a host-side connection that sends tracks to the
// listener pid. Local candidates go to the host candidate list.
func (m *Manager) CreateSender(ctx context.Context, room domain.RoomID, pid domain.ParticipantID, tracks []webrtc.TrackLocal, onState func(State)) (*Conn, error) {
	media, err := m.factory(core.SessionID(pid))
	if err != nil {
		return nil, err
	}
	for _, t := range tracks {
		if _, err := media.AddLocalTrack(t); err != nil {
			_ = media.Close()
			return nil, err
		}
	}
	c := m.newConn(room, pid, media, onState, "host")
	m.wire(ctx, c, domain.HostCandidatesPath(room, pid))
	return c, nil
}

func (m *Manager) newConn(room domain.RoomID, pid domain.ParticipantID, media core.MediaConnection, onState func(State), side string) *Conn {
	return &Conn{
		room:    room,
		pid:     pid,
		media:   media,
		store:   m.store,
		now:     m.now,
		phase:   PhaseIdle,
		seen:    make(map[string]struct{}),
		onState: onState,
		logger: log.With().
			Str("module", "peer").
			Str("side", side).
			Str("room", string(room)).
			Str("pid", string(pid)).
			Logger(),
	}
}

func (m *Manager) wire(ctx context.Context, c *Conn, candidates string) {
	c.media.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		m.publishCandidate(ctx, c, candidates, ci)
	})
	c.media.OnStateChange(c.handleTransport)
}

// publishCandidate appends a local candidate. Failures are logged, not retried.
func (m *Manager) publishCandidate(ctx context.Context, c *Conn, path string, ci webrtc.ICECandidateInit) {
	if c.Phase().closed() {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), candidateWriteTimeout)
	defer cancel()

	cand := domain.Candidate{
		Candidate:     ci.Candidate,
		SDPMid:        ci.SDPMid,
		SDPMLineIndex: ci.SDPMLineIndex,
		Timestamp:     m.now().UnixMilli(),
	}
	if _, err := m.store.Push(wctx, path, cand); err != nil {
		c.logger.Error().Err(err).Str("path", path).Msg("publish candidate failed")
	}
}

// SendOffer creates the local offer and publishes it. Exactly one offer may
// be outstanding per connection.
func (m *Manager) SendOffer(ctx context.Context, c *Conn) error {
	return c.sendOffer(ctx)
}

// ConsumeAnswer applies desc only while an offer is outstanding and the
// transport is in have-local-offer. Anything else is a no-op, so repeated
// deliveries of the same answer are harmless. The bool reports whether the
// answer was applied.
func (m *Manager) ConsumeAnswer(c *Conn, desc domain.SessionDescription) (bool, error) {
	return c.consumeAnswer(desc)
}

// AcceptOffer is the host counterpart of ConsumeAnswer: it applies the
// listener's offer and publishes the answer.
func (m *Manager) AcceptOffer(ctx context.Context, c *Conn, offer domain.OfferMessage) error {
	return c.acceptOffer(ctx, offer)
}

// ConsumeCandidate applies a remote candidate or queues it until the remote
// description is set. key deduplicates redelivered entries; malformed
// candidates are dropped.
func (m *Manager) ConsumeCandidate(c *Conn, key string, cand domain.Candidate) {
	c.consumeCandidate(key, cand)
}

func (m *Manager) Close(c *Conn) {
	c.Close()
}

func (m *Manager) sinkFor(kind webrtc.RTPCodecType) core.TrackSink {
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		return m.sinks.Audio
	case webrtc.RTPCodecTypeVideo:
		return m.sinks.Video
	default:
		return nil
	}
}

func (m *Manager) routeTrack(ctx context.Context, c *Conn, track *webrtc.TrackRemote) {
	logger := c.logger.With().Str("kind", track.Kind().String()).Logger()
	sink := m.sinkFor(track.Kind())
	if sink == nil {
		logger.Warn().Msg("no sink for track, ignoring")
		return
	}
	logger.Info().Str("track_id", track.ID()).Msg("attaching remote track")
	sink.Attach(logger.WithContext(ctx), track)
}
