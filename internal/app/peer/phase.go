package peer

import "github.com/pion/webrtc/v4"

// Phase is the single source of truth for where a connection is in
// negotiation. Candidate routing and answer acceptance both key off it.
type Phase int

const (
	// PhaseIdle: transport allocated, no description exchanged.
	PhaseIdle Phase = iota
	// PhaseOfferSent: local offer set and published, answer outstanding.
	PhaseOfferSent
	// PhaseNegotiated: remote description applied, candidates go straight through.
	PhaseNegotiated
	PhaseConnected
	PhaseFailed
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseOfferSent:
		return "offer_sent"
	case PhaseNegotiated:
		return "negotiated"
	case PhaseConnected:
		return "connected"
	case PhaseFailed:
		return "failed"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// remoteKnown reports whether remote candidates can be applied directly.
func (p Phase) remoteKnown() bool {
	return p == PhaseNegotiated || p == PhaseConnected
}

func (p Phase) closed() bool {
	return p == PhaseFailed || p == PhaseEnded
}

// State is the coarse connection state reported to owners.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateFailed     State = "failed"
	StateEnded      State = "ended"
)

func (p Phase) State() State {
	switch p {
	case PhaseIdle:
		return StateIdle
	case PhaseOfferSent, PhaseNegotiated:
		return StateConnecting
	case PhaseConnected:
		return StateConnected
	case PhaseFailed:
		return StateFailed
	default:
		return StateEnded
	}
}

// next maps a transport event onto the phase machine. ok is false when the
// event does not move the phase.
func (p Phase) next(s webrtc.PeerConnectionState) (Phase, bool) {
	if p.closed() {
		return p, false
	}
	switch s {
	case webrtc.PeerConnectionStateConnected:
		if p == PhaseNegotiated {
			return PhaseConnected, true
		}
	case webrtc.PeerConnectionStateFailed:
		return PhaseFailed, true
	case webrtc.PeerConnectionStateClosed:
		return PhaseEnded, true
	}
	return p, false
}
