package http

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/dkeye/Podcast/internal/adapters/signal"
	"github.com/dkeye/Podcast/internal/app"
	"github.com/dkeye/Podcast/internal/app/presence"
	"github.com/dkeye/Podcast/internal/config"
	"github.com/dkeye/Podcast/internal/core"
	"github.com/dkeye/Podcast/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const clientTokenKey = "ct"

type Deps struct {
	Registry   *app.Registry
	Rooms      core.RoomStore
	Presence   *presence.Tracker
	Broadcasts *app.RoomManager
	Signal     *signal.Controller
}

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

// ClientTokenMiddleware gives every browser a stable id kept in the cookie
// session. It doubles as the participant id for reactions.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get(clientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			session.Set(clientTokenKey, token)
			if err := session.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
			}
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions("PodcastSessions", store))
	r.Use(ClientTokenMiddleware())

	if _, err := os.Stat(cfg.StaticPath); err == nil {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	h := &handlers{Deps: deps}
	api := r.Group("/api")
	api.GET("/rooms", h.listRooms)
	api.POST("/rooms", h.createRoom)

	room := api.Group("/rooms/:id", h.roomID)
	room.GET("", h.getRoom)
	room.POST("/live", h.goLive)
	room.POST("/end", h.endRoom)
	room.GET("/participants", h.participants)
	room.POST("/reactions", h.react)
	room.GET("/ws", func(c *gin.Context) {
		id := roomOf(c)
		if _, err := h.Registry.Lookup(c.Request.Context(), id); err != nil {
			writeError(c, err)
			return
		}
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws room endpoint hit")
		h.Signal.HandleRoom(ctx, c, id)
	})

	return r
}

type handlers struct {
	Deps
}

// roomID validates :id and stores the parsed id for the handlers below.
func (h *handlers) roomID(c *gin.Context) {
	id, err := domain.ParseRoomID(c.Param("id"))
	if err != nil {
		writeError(c, err)
		c.Abort()
		return
	}
	c.Set("room_id", id)
	c.Next()
}

func roomOf(c *gin.Context) domain.RoomID {
	id, _ := c.Get("room_id")
	return id.(domain.RoomID)
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidRoomID),
		errors.Is(err, presence.ErrInvalidReaction):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrRoomEnded):
		status = http.StatusGone
	case errors.Is(err, signal.ErrNotInRoom):
		status = http.StatusForbidden
	case errors.Is(err, signal.ErrRateLimited):
		status = http.StatusTooManyRequests
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

type roomResponse struct {
	*domain.Room
	Running       bool `json:"running"`
	ListenerCount int  `json:"listener_count"`
}

func (h *handlers) listRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.Broadcasts.List()})
}

type createRoomRequest struct {
	Title  string `json:"title" binding:"required"`
	HostID string `json:"hostId" binding:"required"`
}

func (h *handlers) createRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid title/hostId"})
		return
	}
	now := time.Now()
	room := &domain.Room{
		ID:        domain.NewRoomID(now),
		Title:     req.Title,
		HostID:    req.HostID,
		Status:    domain.RoomPending,
		Approved:  true,
		CreatedAt: now,
	}
	if err := h.Rooms.CreateRoom(c.Request.Context(), room); err != nil {
		writeError(c, err)
		return
	}
	log.Info().Str("module", "adapters.http").Str("room", string(room.ID)).Msg("room created")
	c.JSON(http.StatusCreated, room)
}

func (h *handlers) getRoom(c *gin.Context) {
	room, err := h.Registry.RoomStatus(c.Request.Context(), roomOf(c))
	if err != nil {
		writeError(c, err)
		return
	}
	resp := roomResponse{Room: room}
	if b, ok := h.Broadcasts.Get(room.ID); ok {
		resp.Running = true
		resp.ListenerCount = b.ListenerCount()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) goLive(c *gin.Context) {
	b, err := h.Broadcasts.Start(c.Request.Context(), roomOf(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"roomId": b.Room(), "status": domain.RoomLive})
}

func (h *handlers) endRoom(c *gin.Context) {
	ctx := c.Request.Context()
	id := roomOf(c)
	if _, err := h.Registry.RoomStatus(ctx, id); err != nil {
		writeError(c, err)
		return
	}
	if _, running := h.Broadcasts.Get(id); running {
		if err := h.Broadcasts.StopRoom(ctx, id); err != nil {
			writeError(c, err)
			return
		}
	} else if err := h.Registry.MarkEnded(ctx, id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"roomId": id, "status": domain.RoomEnded})
}

func (h *handlers) participants(c *gin.Context) {
	ctx := c.Request.Context()
	id := roomOf(c)
	room, err := h.Registry.Lookup(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	if room.Status == domain.RoomEnded {
		writeError(c, domain.ErrRoomEnded)
		return
	}
	roster, err := h.Presence.Snapshot(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": domain.Views(roster)})
}

type reactionRequest struct {
	Emoji string `json:"emoji" binding:"required"`
}

func (h *handlers) react(c *gin.Context) {
	var req reactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing emoji"})
		return
	}
	pid := domain.ParticipantID(c.GetString("client_token"))
	ts, err := h.Signal.React(c.Request.Context(), roomOf(c), pid, req.Emoji)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"emoji": req.Emoji, "emojiTimestamp": ts})
}
