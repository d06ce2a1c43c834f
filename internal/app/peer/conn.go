package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Podcast/internal/core"
	"github.com/dkeye/Podcast/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var ErrOfferOutstanding = errors.New("offer already sent")

// Conn is one peer connection plus its signaling bookkeeping. Remote
// candidates that arrive before the remote description are held in a FIFO
// queue and flushed in arrival order right after it is applied.
type Conn struct {
	room  domain.RoomID
	pid   domain.ParticipantID
	media core.MediaConnection
	store core.SignalStore
	now   func() time.Time

	logger zerolog.Logger

	mu      sync.Mutex
	phase   Phase
	queue   []webrtc.ICECandidateInit
	seen    map[string]struct{}
	applied int
	onState func(State)

	closeOnce sync.Once
}

func (c *Conn) Room() domain.RoomID { return c.room }

// Participant is the listener this connection belongs to.
func (c *Conn) Participant() domain.ParticipantID { return c.pid }

func (c *Conn) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Conn) State() State {
	return c.Phase().State()
}

// Queued is the number of remote candidates waiting for the remote description.
func (c *Conn) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Applied is the number of remote candidates handed to the transport.
func (c *Conn) Applied() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied
}

func (c *Conn) sendOffer(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseIdle {
		return fmt.Errorf("%w (phase %s)", ErrOfferOutstanding, c.phase)
	}

	desc, err := c.media.CreateAndSetOffer()
	if err != nil {
		c.phase = PhaseFailed
		return fmt.Errorf("%w: create offer: %w", domain.ErrTransportFailure, err)
	}
	msg := domain.OfferMessage{
		Offer: domain.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP},
		From:  c.pid,
		// ms since epoch
		Timestamp: c.now().UnixMilli(),
	}
	if err := c.store.Set(ctx, domain.OfferPath(c.room, c.pid), msg); err != nil {
		c.phase = PhaseFailed
		return fmt.Errorf("%w: publish offer: %w", domain.ErrTransportFailure, err)
	}
	c.phase = PhaseOfferSent
	c.logger.Info().Msg("offer published")
	return nil
}

func (c *Conn) consumeAnswer(desc domain.SessionDescription) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != PhaseOfferSent {
		c.logger.Debug().Str("phase", c.phase.String()).Msg("answer ignored")
		return false, nil
	}
	if state := c.media.SignalingState(); state != webrtc.SignalingStateHaveLocalOffer {
		c.logger.Debug().Str("signaling_state", state.String()).Msg("answer ignored")
		return false, nil
	}
	if desc.Type != webrtc.SDPTypeAnswer.String() || desc.SDP == "" {
		c.logger.Warn().Err(domain.ErrStaleMessage).Str("type", desc.Type).Msg("malformed answer dropped")
		return false, nil
	}

	err := c.media.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: desc.SDP})
	if err != nil {
		c.phase = PhaseFailed
		c.queue = nil
		return false, fmt.Errorf("%w: apply answer: %w", domain.ErrTransportFailure, err)
	}
	c.phase = PhaseNegotiated
	c.logger.Info().Int("queued", len(c.queue)).Msg("answer applied")
	c.flushLocked()
	return true, nil
}

func (c *Conn) acceptOffer(ctx context.Context, offer domain.OfferMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != PhaseIdle {
		c.logger.Debug().Str("phase", c.phase.String()).Msg("offer ignored")
		return nil
	}
	if offer.Offer.Type != webrtc.SDPTypeOffer.String() || offer.Offer.SDP == "" {
		return fmt.Errorf("%w: malformed offer from %s", domain.ErrStaleMessage, offer.From)
	}

	answer, err := c.media.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.Offer.SDP,
	})
	if err != nil {
		c.phase = PhaseFailed
		c.queue = nil
		return fmt.Errorf("%w: answer offer: %w", domain.ErrTransportFailure, err)
	}
	c.phase = PhaseNegotiated
	c.flushLocked()

	msg := domain.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}
	if err := c.store.Set(ctx, domain.AnswerPath(c.room, c.pid), msg); err != nil {
		c.phase = PhaseFailed
		return fmt.Errorf("%w: publish answer: %w", domain.ErrTransportFailure, err)
	}
	c.logger.Info().Msg("answer published")
	return nil
}

func (c *Conn) consumeCandidate(key string, cand domain.Candidate) {
	if err := cand.Validate(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("candidate dropped")
		return
	}
	if key == "" {
		key = cand.Candidate
	}
	ci := webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.seen[key]; dup {
		return
	}
	c.seen[key] = struct{}{}

	switch {
	case c.phase.closed():
		c.logger.Debug().Str("key", key).Msg("candidate after close dropped")
	case c.phase.remoteKnown():
		c.applyLocked(ci)
	default:
		c.queue = append(c.queue, ci)
	}
}

func (c *Conn) flushLocked() {
	queued := c.queue
	c.queue = nil
	for _, ci := range queued {
		c.applyLocked(ci)
	}
}

func (c *Conn) applyLocked(ci webrtc.ICECandidateInit) {
	if err := c.media.AddICECandidate(ci); err != nil {
		// one bad candidate must not take the connection down
		c.logger.Warn().Err(err).Str("candidate", ci.Candidate).Msg("add ICE candidate failed")
		return
	}
	c.applied++
}

func (c *Conn) handleTransport(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	next, moved := c.phase.next(s)
	if moved {
		c.phase = next
		if next.closed() {
			c.queue = nil
		}
	}
	fn := c.onState
	c.mu.Unlock()

	if !moved {
		return
	}
	c.logger.Info().Str("phase", next.String()).Msg("transport state changed")
	if fn != nil {
		fn(next.State())
	}
}

// Close releases the transport and drops queued candidates. A failed
// connection stays failed.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.phase != PhaseFailed {
		c.phase = PhaseEnded
	}
	c.queue = nil
	c.onState = nil
	c.mu.Unlock()

	// outside the lock: closing may fire the state callback synchronously
	c.closeOnce.Do(func() {
		if err := c.media.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("close media")
		}
	})
}
