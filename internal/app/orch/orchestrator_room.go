package orch

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Podcast/internal/domain"
)

func (o *Orchestrator) watchRoom(ctx context.Context) error {
	unsub, err := o.Store.SubscribeChildAdded(ctx, domain.OffersPath(o.room), o.onOffer)
	if err != nil {
		return err
	}
	o.addUnsub(unsub)

	unsub, err = o.Presence.OnParticipants(ctx, o.room, o.onRoster)
	if err != nil {
		return err
	}
	o.addUnsub(unsub)
	return nil
}

func (o *Orchestrator) addUnsub(unsub func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.unsubs = append(o.unsubs, unsub)
}

func (o *Orchestrator) onOffer(key string, raw json.RawMessage) {
	pid := domain.ParticipantID(key)
	logger := o.logger.With().Str("pid", key).Logger()
	if err := pid.Validate(); err != nil {
		logger.Warn().Err(err).Msg("offer under invalid key")
		return
	}
	var msg domain.OfferMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		logger.Warn().Err(err).Msg("malformed offer dropped")
		return
	}
	if msg.From != "" && msg.From != pid {
		logger.Warn().Str("from", string(msg.From)).Msg("offer sender mismatch")
	}

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	old, exists := o.listeners[pid]
	o.mu.Unlock()
	if exists {
		if old.offerTS == msg.Timestamp {
			return
		}
		logger.Info().Msg("newer offer replaces connection")
		o.kick(pid, old, false)
	}

	o.connect(pid, msg)
}

// onRoster kicks listeners that were in the roster and are gone now.
func (o *Orchestrator) onRoster(participants []domain.Participant) {
	current := make(map[domain.ParticipantID]struct{}, len(participants))
	for _, p := range participants {
		current[p.ID] = struct{}{}
	}

	o.mu.Lock()
	var gone []*listenerEntry
	var goneIDs []domain.ParticipantID
	for pid := range o.present {
		if _, ok := current[pid]; ok {
			continue
		}
		if entry, ok := o.listeners[pid]; ok {
			gone = append(gone, entry)
			goneIDs = append(goneIDs, pid)
		}
	}
	o.present = current
	o.mu.Unlock()

	for i, pid := range goneIDs {
		o.logger.Info().Str("pid", string(pid)).Msg("listener left")
		o.kick(pid, gone[i], true)
	}
}

// kick drops the listener's connection. With a non-nil entry only that
// exact connection is dropped, so a stale kick cannot take down a newer one.
// purge also clears what the host wrote for pid; a replacing connection
// keeps it because its own answer goes to the same place.
func (o *Orchestrator) kick(pid domain.ParticipantID, entry *listenerEntry, purge bool) {
	o.mu.Lock()
	cur, ok := o.listeners[pid]
	if !ok || (entry != nil && cur != entry) {
		o.mu.Unlock()
		return
	}
	delete(o.listeners, pid)
	unsub := cur.unsub
	o.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	o.Peers.Close(cur.conn)
	if o.Relays != nil {
		o.Relays.MarkSubscriberDelete(pid)
	}
	if purge {
		o.purge(pid)
	}
}

// purge removes the answer and host candidates for pid. The listener owns
// the rest of the peer subtree and removes it when leaving.
func (o *Orchestrator) purge(pid domain.ParticipantID) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	err := o.Store.Update(ctx, domain.PeerPath(o.room, pid), map[string]any{
		"answer":            nil,
		"hostIceCandidates": nil,
	})
	if err != nil {
		o.logger.Warn().Err(err).Str("pid", string(pid)).Msg("clear host signaling")
	}
}
