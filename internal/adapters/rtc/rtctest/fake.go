// Package rtctest provides an in-memory core.MediaConnection for tests.
package rtctest

import (
	"errors"
	"sync"

	"github.com/dkeye/Podcast/internal/core"
	"github.com/pion/webrtc/v4"
)

var ErrNoRemoteDescription = errors.New("remote description not set")

// Conn mimics the signaling rules of a real peer connection: candidates
// are rejected until a remote description exists, and an answer is only
// accepted in have-local-offer.
type Conn struct {
	mu        sync.Mutex
	signaling webrtc.SignalingState
	remote    bool
	kinds     []webrtc.RTPCodecType
	tracks    []webrtc.TrackLocal
	applied   []webrtc.ICECandidateInit
	answers   int
	closed    int

	FailOffer  error
	FailAnswer error

	onICE   func(webrtc.ICECandidateInit)
	onTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onState func(webrtc.PeerConnectionState)
}

var _ core.MediaConnection = (*Conn)(nil)

func NewConn() *Conn {
	return &Conn{signaling: webrtc.SignalingStateStable}
}

func (c *Conn) AddRecvOnly(kind webrtc.RTPCodecType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kinds = append(c.kinds, kind)
	return nil
}

func (c *Conn) AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks = append(c.tracks, track)
	return nil, nil
}

func (c *Conn) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailOffer != nil {
		return nil, c.FailOffer
	}
	c.signaling = webrtc.SignalingStateHaveLocalOffer
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 fake-offer"}, nil
}

func (c *Conn) ApplyAnswer(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailAnswer != nil {
		return c.FailAnswer
	}
	if c.signaling != webrtc.SignalingStateHaveLocalOffer {
		return errors.New("answer in wrong signaling state")
	}
	c.signaling = webrtc.SignalingStateStable
	c.remote = true
	c.answers++
	return nil
}

func (c *Conn) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailAnswer != nil {
		return nil, c.FailAnswer
	}
	c.remote = true
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 fake-answer"}, nil
}

func (c *Conn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.remote {
		return ErrNoRemoteDescription
	}
	c.applied = append(c.applied, ci)
	return nil
}

func (c *Conn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signaling
}

func (c *Conn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

func (c *Conn) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

func (c *Conn) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

// EmitCandidate simulates local ICE gathering.
func (c *Conn) EmitCandidate(ci webrtc.ICECandidateInit) {
	c.mu.Lock()
	fn := c.onICE
	c.mu.Unlock()
	if fn != nil {
		fn(ci)
	}
}

// EmitState simulates a transport state change.
func (c *Conn) EmitState(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// Applied returns the candidate strings applied so far, in order.
func (c *Conn) Applied() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.applied))
	for _, ci := range c.applied {
		out = append(out, ci.Candidate)
	}
	return out
}

func (c *Conn) Kinds() []webrtc.RTPCodecType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.RTPCodecType(nil), c.kinds...)
}

func (c *Conn) Tracks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tracks)
}

func (c *Conn) Answers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answers
}

func (c *Conn) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Factory hands out fake connections and remembers them in creation order.
type Factory struct {
	mu    sync.Mutex
	conns []*Conn
	Err   error
	// Prepare, when set, configures each connection before it is returned.
	Prepare func(*Conn)
}

func (f *Factory) New(core.SessionID) (core.MediaConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	c := NewConn()
	if f.Prepare != nil {
		f.Prepare(c)
	}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *Factory) Conns() []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Conn(nil), f.conns...)
}

func (f *Factory) Last() *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}
