package media

import (
	"context"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// DrainSink reads a remote track to completion so its jitter buffers keep
// moving, counting packets. Playback is up to whatever consumes the counters.
type DrainSink struct {
	packets atomic.Uint64
	bytes   atomic.Uint64
}

func (s *DrainSink) Attach(ctx context.Context, track *webrtc.TrackRemote) {
	logger := log.With().Str("module", "sink").Str("kind", track.Kind().String()).Logger()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			pkt, _, err := track.ReadRTP()
			if err != nil {
				logger.Info().Err(err).Uint64("packets", s.packets.Load()).Msg("track ended")
				return
			}
			s.packets.Add(1)
			s.bytes.Add(uint64(len(pkt.Payload)))
		}
	}()
}

func (s *DrainSink) Packets() uint64 { return s.packets.Load() }

func (s *DrainSink) Bytes() uint64 { return s.bytes.Load() }
