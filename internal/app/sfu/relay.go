// Package sfu fans the host's RTP streams out to every listener connection.
package sfu

import (
	"context"
	"maps"
	"sync"

	"github.com/dkeye/Podcast/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// RTPSource is where a relay reads packets from: a remote track or a
// local ingest socket.
type RTPSource interface {
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, error)
}

type Relay struct {
	Src   RTPSource
	codec webrtc.RTPCodecCapability

	mu        sync.RWMutex
	outTracks map[domain.ParticipantID]*OutTrack

	cancel context.CancelFunc
}

func NewRelay(src RTPSource, codec webrtc.RTPCodecCapability, cancel context.CancelFunc) *Relay {
	return &Relay{
		Src:       src,
		codec:     codec,
		outTracks: make(map[domain.ParticipantID]*OutTrack),
		cancel:    cancel,
	}
}

// loop reads RTP packets from the source and forwards them to all OutTracks.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, marking all out tracks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, err := r.Src.ReadRTP()
		if err != nil {
			logger.Error().Err(err).Msg("relay read RTP error, stopping")
			r.markAllDelete()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := maps.Clone(r.outTracks)
	r.mu.RUnlock()

	var dirty []domain.ParticipantID
	for dst, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, dst)
		case TrackStateMuted:
		case TrackStateOk:
			if err := ot.Track.WriteRTP(pkt); err != nil {
				logger.Error().
					Err(err).
					Str("listener", string(dst)).
					Msg("relay write RTP error, marking outtrack as delete")
				ot.MarkDelete()
				dirty = append(dirty, dst)
				continue
			}
			ot.packets.Add(1)
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []domain.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pid := range dirty {
		if ot, ok := r.outTracks[pid]; ok && ot.GetState() == TrackStateDelete {
			delete(r.outTracks, pid)
		}
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
}

// subscribe creates the local track a listener connection sends.
func (r *Relay) subscribe(room domain.RoomID, dst domain.ParticipantID) (*webrtc.TrackLocalStaticRTP, error) {
	kind := r.Src.Kind().String()
	track, err := webrtc.NewTrackLocalStaticRTP(r.codec, kind, "podcast-"+string(room))
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.outTracks[dst]; ok {
		old.MarkDelete()
	}
	r.outTracks[dst] = NewOutTrack(dst, track)
	return track, nil
}

func (r *Relay) outTrack(dst domain.ParticipantID) (*OutTrack, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ot, ok := r.outTracks[dst]
	return ot, ok
}

func (r *Relay) subscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, ot := range r.outTracks {
		if ot.GetState() != TrackStateDelete {
			n++
		}
	}
	return n
}
