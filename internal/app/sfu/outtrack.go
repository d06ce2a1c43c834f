package sfu

import (
	"sync/atomic"

	"github.com/dkeye/Podcast/internal/domain"
	"github.com/pion/webrtc/v4"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// OutTrack is one listener's copy of a relayed track.
type OutTrack struct {
	Listener domain.ParticipantID
	Track    *webrtc.TrackLocalStaticRTP

	state   atomic.Int32 // TrackStateOk by default
	packets atomic.Uint64
}

func NewOutTrack(listener domain.ParticipantID, track *webrtc.TrackLocalStaticRTP) *OutTrack {
	return &OutTrack{Listener: listener, Track: track}
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) MarkOk() {
	ot.state.Store(int32(TrackStateOk))
}

func (ot *OutTrack) MarkMuted() {
	ot.state.Store(int32(TrackStateMuted))
}

func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}

// Packets is the number of packets written to this listener.
func (ot *OutTrack) Packets() uint64 {
	return ot.packets.Load()
}
