package orch

import (
	"encoding/json"

	"github.com/dkeye/Podcast/internal/app/peer"
	"github.com/dkeye/Podcast/internal/domain"
	"github.com/pion/webrtc/v4"
)

// connect answers msg with a new sending connection carrying the relayed tracks.
func (o *Orchestrator) connect(pid domain.ParticipantID, msg domain.OfferMessage) {
	logger := o.logger.With().Str("pid", string(pid)).Logger()

	o.mu.Lock()
	ctx := o.ctx
	o.mu.Unlock()

	var tracks []webrtc.TrackLocal
	if o.Relays != nil {
		var err error
		if tracks, err = o.Relays.Subscribe(pid); err != nil {
			logger.Error().Err(err).Msg("relay subscribe failed")
			return
		}
	}

	entry := &listenerEntry{offerTS: msg.Timestamp}
	conn, err := o.Peers.CreateSender(ctx, o.room, pid, tracks, func(s peer.State) {
		if s == peer.StateFailed || s == peer.StateEnded {
			logger.Info().Str("state", string(s)).Msg("listener connection closed")
			o.kick(pid, entry, true)
		}
	})
	if err != nil {
		logger.Error().Err(err).Msg("create connection failed")
		if o.Relays != nil {
			o.Relays.MarkSubscriberDelete(pid)
		}
		return
	}
	entry.conn = conn

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		o.Peers.Close(conn)
		return
	}
	o.listeners[pid] = entry
	o.mu.Unlock()

	// candidates that arrive before the offer is applied are queued by conn
	unsub, err := o.Store.SubscribeChildAdded(ctx, domain.ListenerCandidatesPath(o.room, pid), func(key string, raw json.RawMessage) {
		var cand domain.Candidate
		if err := json.Unmarshal(raw, &cand); err != nil {
			logger.Warn().Err(err).Str("key", key).Msg("candidate dropped")
			return
		}
		o.Peers.ConsumeCandidate(conn, key, cand)
	})
	if err != nil {
		logger.Error().Err(err).Msg("candidate subscription failed")
		o.kick(pid, entry, true)
		return
	}
	o.mu.Lock()
	if o.listeners[pid] != entry {
		o.mu.Unlock()
		unsub()
		return
	}
	entry.unsub = unsub
	o.mu.Unlock()

	if err := o.Peers.AcceptOffer(ctx, conn, msg); err != nil {
		logger.Error().Err(err).Msg("answer failed")
		o.kick(pid, entry, true)
		return
	}
	logger.Info().Int("tracks", len(tracks)).Msg("listener connected")
}
