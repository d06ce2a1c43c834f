// Command listener joins a live room as a listener from the terminal and
// drains the received media. Useful for load checks and smoke tests.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Podcast/internal/adapters/media"
	"github.com/dkeye/Podcast/internal/adapters/rooms"
	"github.com/dkeye/Podcast/internal/adapters/rtc"
	"github.com/dkeye/Podcast/internal/adapters/store"
	"github.com/dkeye/Podcast/internal/app"
	"github.com/dkeye/Podcast/internal/app/peer"
	"github.com/dkeye/Podcast/internal/app/presence"
	"github.com/dkeye/Podcast/internal/app/session"
	"github.com/dkeye/Podcast/internal/config"
	"github.com/dkeye/Podcast/internal/core"
	"github.com/dkeye/Podcast/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	flags := pflag.NewFlagSet("listener", pflag.ExitOnError)
	flags.String("listener-room", "", "room id to join, e.g. SKCMP-AB12C-20250101")
	flags.String("listener-name", "listener", "display name")
	flags.String("listener-avatar", "", "avatar url")
	flags.String("redis-addr", "localhost:6379", "redis address of the signaling store")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(flags)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("listener stopped")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	roomID, err := domain.ParseRoomID(cfg.Listener.Room)
	if err != nil {
		return err
	}

	signals, err := store.NewRedisStore(ctx, store.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.Prefix,
		Resync:   cfg.Redis.Resync,
	})
	if err != nil {
		return err
	}
	defer signals.Close()

	var roomStore core.RoomStore = rooms.NewMemoryStore()
	if cfg.Database.URL != "" {
		pool, err := rooms.NewPostgresPool(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
		roomStore = rooms.NewPostgresStore(pool)
	}

	audio, video := &media.DrainSink{}, &media.DrainSink{}
	l := &listener{
		cfg:     cfg,
		room:    roomID,
		reg:     app.NewRegistry(roomStore, signals),
		tracker: presence.NewTracker(signals, presence.WithWindow(cfg.Presence.ReactionWindow)),
		peers: peer.NewManager(signals, rtc.Factory(rtc.DefaultWebRTCConfig(cfg.WebRTC.ICEURLs)), peer.Sinks{
			Audio: audio,
			Video: video,
		}),
		store:  signals,
		policy: app.SimplePolicy{MaxRetries: cfg.Session.MaxRetries, Backoff: cfg.Session.RetryBackoff},
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stop()
		return l.loop(gctx)
	})
	g.Go(func() error {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				log.Info().
					Str("module", "listener").
					Uint64("audio_packets", audio.Packets()).
					Uint64("video_packets", video.Packets()).
					Uint64("bytes", audio.Bytes()+video.Bytes()).
					Msg("media stats")
			}
		}
	})
	return g.Wait()
}

type listener struct {
	cfg     *config.Config
	room    domain.RoomID
	reg     *app.Registry
	tracker *presence.Tracker
	peers   *peer.Manager
	store   core.SignalStore
	policy  app.Policy
}

// loop runs sessions until one ends for good. Each retry gets a fresh
// participant id and a fresh connection.
func (l *listener) loop(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		state, err := l.once(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch state {
		case session.StateEnded:
			log.Info().Str("module", "listener").Str("room", string(l.room)).Msg("room ended")
			return nil
		case session.StateNotFound:
			return fmt.Errorf("room %s: %w", l.room, domain.ErrNotFound)
		}

		action, wait := l.policy.OnSessionEnd(attempt, err)
		if action == app.GiveUp {
			return fmt.Errorf("session %s: %w", state, err)
		}
		log.Warn().Err(err).Str("module", "listener").Int("attempt", attempt).Dur("backoff", wait).Msg("retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (l *listener) once(ctx context.Context) (session.State, error) {
	p, err := domain.NewParticipant(domain.NewParticipantID(), l.cfg.Listener.Name, domain.RoleListener, l.cfg.Listener.Avatar, time.Now())
	if err != nil {
		return session.StateError, err
	}
	s := session.New(session.Config{
		Room:          l.room,
		Participant:   *p,
		AnswerTimeout: l.cfg.Session.AnswerTimeout,
	}, l.reg, l.peers, l.tracker, l.store)
	s.OnStateChange(func(st session.State) {
		log.Info().Str("module", "listener").Str("pid", string(p.ID)).Str("state", string(st)).Msg("state")
	})

	if err := s.Join(ctx); err != nil {
		return s.State(), err
	}
	<-s.Done()
	return s.State(), s.Err()
}
