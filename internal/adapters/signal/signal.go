// Package signal streams a room's roster and status to browsers over a
// websocket and accepts reactions back.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Podcast/internal/app/presence"
	"github.com/dkeye/Podcast/internal/core"
	"github.com/dkeye/Podcast/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrRateLimited  = errors.New("too many reactions")
	ErrNotInRoom    = errors.New("participant not in room")
)

// Frame is one encoded websocket message.
type Frame []byte

type Controller struct {
	Presence *presence.Tracker
	Store    core.SignalStore
	Limiter  *RoomRateLimiter

	// ReadLimit caps inbound message size; PingPeriod enables keepalive pings.
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewController(tracker *presence.Tracker, store core.SignalStore, limiter *RoomRateLimiter) *Controller {
	return &Controller{Presence: tracker, Store: store, Limiter: limiter}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type rosterFrame struct {
	Type         string                   `json:"type"`
	Room         domain.RoomID            `json:"room"`
	Participants []domain.ParticipantView `json:"participants"`
}

type statusFrame struct {
	Type   string            `json:"type"`
	Status domain.RoomStatus `json:"status"`
}

// HandleRoom upgrades the request and streams room's roster and status
// until either side closes.
func (ctl *Controller) HandleRoom(ctx context.Context, c *gin.Context, room domain.RoomID) {
	pid := domain.ParticipantID(c.GetString("client_token"))
	logger := log.With().Str("module", "signal").Str("room", string(room)).Str("pid", string(pid)).Logger()
	logger.Info().Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}

	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}
	if ctl.PingPeriod > 0 {
		pongWait := ctl.PingPeriod * 10 / 9
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan Frame, 32),
	}
	ctx, cancel := context.WithCancel(ctx)

	unsubRoster, err := ctl.Presence.OnParticipants(ctx, room, func(ps []domain.Participant) {
		ctl.sendJSON(conn, rosterFrame{Type: "roster", Room: room, Participants: domain.Views(ps)})
	})
	if err != nil {
		logger.Error().Err(err).Msg("roster subscription")
		cancel()
		conn.Close()
		return
	}
	unsubStatus, err := ctl.Store.SubscribeValue(ctx, domain.StatusPath(room), func(raw json.RawMessage, ok bool) {
		if !ok {
			return
		}
		var status domain.RoomStatus
		if err := json.Unmarshal(raw, &status); err != nil {
			return
		}
		ctl.sendJSON(conn, statusFrame{Type: "status", Status: status})
	})
	if err != nil {
		logger.Error().Err(err).Msg("status subscription")
		unsubRoster()
		cancel()
		conn.Close()
		return
	}

	go ctl.writePump(ctx, conn)
	go func() {
		ctl.readPump(ctx, room, pid, conn)
		unsubRoster()
		unsubStatus()
		cancel()
	}()
}
