package signal

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dkeye/Podcast/internal/app/presence"
	"github.com/dkeye/Podcast/internal/domain"
	"github.com/rs/zerolog/log"
)

func (ctl *Controller) handlePing(
	conn *WsSignalConn,
) {
	resp := struct {
		Type string `json:"type"`
	}{
		Type: "pong",
	}
	ctl.sendJSON(conn, resp)
}

func (ctl *Controller) handleReact(
	ctx context.Context,
	room domain.RoomID,
	pid domain.ParticipantID,
	conn *WsSignalConn,
	data []byte,
) {
	var p struct {
		Type  string `json:"type"`
		Emoji string `json:"emoji"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad react payload")
		ctl.sendJSON(conn, errorFrame("bad_payload"))
		return
	}
	if _, err := ctl.React(ctx, room, pid, p.Emoji); err != nil {
		ctl.sendJSON(conn, errorFrame(ErrorCode(err)))
	}
}

// React sends emoji for pid, who must be in the room's roster.
func (ctl *Controller) React(ctx context.Context, room domain.RoomID, pid domain.ParticipantID, emoji string) (int64, error) {
	if err := pid.Validate(); err != nil {
		return 0, ErrNotInRoom
	}
	if ctl.Limiter != nil && !ctl.Limiter.Allow(pid) {
		return 0, ErrRateLimited
	}
	_, ok, err := ctl.Store.Get(ctx, domain.ParticipantPath(room, pid)+"/name")
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNotInRoom
	}
	ts, err := ctl.Presence.SendReaction(ctx, room, pid, emoji)
	if errors.Is(err, presence.ErrNotJoined) {
		return 0, ErrNotInRoom
	}
	return ts, err
}

// ErrorCode maps reaction errors to the codes clients see.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrNotInRoom):
		return "not_in_room"
	case errors.Is(err, presence.ErrInvalidReaction):
		return "invalid_reaction"
	default:
		return "internal"
	}
}

func errorFrame(code string) map[string]any {
	return map[string]any{
		"type":  "error",
		"error": code,
	}
}
