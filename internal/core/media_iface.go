package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

type SessionID string

// MediaConnection is one local peer connection. Callbacks may fire on
// transport goroutines.
type MediaConnection interface {
	// AddRecvOnly adds a receive-only transceiver of the given kind.
	AddRecvOnly(kind webrtc.RTPCodecType) error
	// AddLocalTrack attaches a local track for sending.
	AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	CreateAndSetOffer() (*webrtc.SessionDescription, error)
	ApplyAnswer(webrtc.SessionDescription) error
	ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState

	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	OnStateChange(func(webrtc.PeerConnectionState))

	// Close should stop all underlying media resources. Idempotent.
	Close() error
}

// MediaFactory builds a fresh connection; failed connections are never reused.
type MediaFactory func(sid SessionID) (MediaConnection, error)

// TrackSink is the playback/display primitive a remote track is handed to.
type TrackSink interface {
	Attach(ctx context.Context, track *webrtc.TrackRemote)
}
