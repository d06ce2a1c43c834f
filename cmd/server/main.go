package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Podcast/internal/adapters/http"
	"github.com/dkeye/Podcast/internal/adapters/media"
	"github.com/dkeye/Podcast/internal/adapters/rooms"
	"github.com/dkeye/Podcast/internal/adapters/rtc"
	sigadapter "github.com/dkeye/Podcast/internal/adapters/signal"
	"github.com/dkeye/Podcast/internal/adapters/store"
	"github.com/dkeye/Podcast/internal/app"
	"github.com/dkeye/Podcast/internal/app/orch"
	"github.com/dkeye/Podcast/internal/app/peer"
	"github.com/dkeye/Podcast/internal/app/presence"
	"github.com/dkeye/Podcast/internal/app/sfu"
	"github.com/dkeye/Podcast/internal/config"
	"github.com/dkeye/Podcast/internal/core"
	"github.com/dkeye/Podcast/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	flags := pflag.NewFlagSet("podcast", pflag.ExitOnError)
	flags.Int("port", 8080, "http listen port")
	flags.String("store-driver", "memory", "signaling store: memory or redis")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(flags)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	signals, closeStore, err := openSignalStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	roomStore, closeRooms, err := openRoomStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRooms()

	reg := app.NewRegistry(roomStore, signals)
	tracker := presence.NewTracker(signals, presence.WithWindow(cfg.Presence.ReactionWindow))
	peers := peer.NewManager(signals, rtc.Factory(rtc.DefaultWebRTCConfig(cfg.WebRTC.ICEURLs)), peer.Sinks{})

	manager := app.NewRoomManager(func(id domain.RoomID) (core.Broadcast, error) {
		lctx, done := context.WithTimeout(ctx, 5*time.Second)
		defer done()
		room, err := reg.Lookup(lctx, id)
		if err != nil {
			return nil, err
		}
		host := domain.Participant{ID: domain.ParticipantID(room.HostID), Name: "Host"}
		if host.ID.Validate() != nil {
			host.ID = domain.NewParticipantID()
		}
		return orch.New(id, host, orch.Deps{
			Registry: reg,
			Presence: tracker,
			Peers:    peers,
			Store:    signals,
			Relays:   sfu.NewRelayManager(id),
			Sources:  openIngest(cfg, id),
		}), nil
	})

	ctl := sigadapter.NewController(tracker, signals, sigadapter.NewRoomRateLimiter(cfg.Reactions.Limit, cfg.Reactions.Interval))
	ctl.ReadLimit = cfg.ReadLimit
	ctl.PingPeriod = cfg.PingPeriod

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Registry:   reg,
		Rooms:      roomStore,
		Presence:   tracker,
		Broadcasts: manager,
		Signal:     ctl,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Podcast server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := manager.StopAll(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("stop broadcasts")
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})
	return g.Wait()
}

func openSignalStore(ctx context.Context, cfg *config.Config) (core.SignalStore, func(), error) {
	if cfg.Store.Driver != "redis" {
		log.Info().Str("module", "main").Msg("signaling store: memory")
		return store.NewMemoryStore(), func() {}, nil
	}
	rs, err := store.NewRedisStore(ctx, store.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.Prefix,
		Resync:   cfg.Redis.Resync,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("redis store: %w", err)
	}
	log.Info().Str("module", "main").Str("addr", cfg.Redis.Addr).Msg("signaling store: redis")
	return rs, func() { _ = rs.Close() }, nil
}

func openRoomStore(ctx context.Context, cfg *config.Config) (core.RoomStore, func(), error) {
	if cfg.Database.URL == "" {
		log.Warn().Str("module", "main").Msg("database.url empty, rooms kept in memory")
		return rooms.NewMemoryStore(), func() {}, nil
	}
	pool, err := rooms.NewPostgresPool(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	ps := rooms.NewPostgresStore(pool)
	if err := ps.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return ps, pool.Close, nil
}

// openIngest binds the RTP ingest ports for one room. A port that cannot be
// bound leaves that kind without a relay.
func openIngest(cfg *config.Config, id domain.RoomID) []sfu.RTPSource {
	var out []sfu.RTPSource
	for kind, addr := range map[webrtc.RTPCodecType]string{
		webrtc.RTPCodecTypeAudio: cfg.Ingest.AudioAddr,
		webrtc.RTPCodecTypeVideo: cfg.Ingest.VideoAddr,
	} {
		if addr == "" {
			continue
		}
		src, err := media.ListenUDP(addr, kind)
		if err != nil {
			log.Warn().Err(err).Str("module", "main").Str("room", string(id)).Str("kind", kind.String()).Msg("ingest disabled")
			continue
		}
		log.Info().Str("module", "main").Str("room", string(id)).Str("kind", kind.String()).Str("addr", src.Addr().String()).Msg("ingest listening")
		out = append(out, src)
	}
	return out
}
