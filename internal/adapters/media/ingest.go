// Package media holds the host's RTP ingest sockets and the listener's
// track sinks.
package media

import (
	"errors"
	"net"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const maxPacket = 1500

// UDPSource reads RTP packets from a local UDP port, as produced by
// ffmpeg or gstreamer pointed at rtp://host:port.
type UDPSource struct {
	conn *net.UDPConn
	kind webrtc.RTPCodecType
	buf  []byte
}

func ListenUDP(addr string, kind webrtc.RTPCodecType) (*UDPSource, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "ingest").Str("kind", kind.String()).Str("addr", conn.LocalAddr().String()).Msg("listening for RTP")
	return &UDPSource{conn: conn, kind: kind, buf: make([]byte, maxPacket)}, nil
}

func (s *UDPSource) Kind() webrtc.RTPCodecType { return s.kind }

func (s *UDPSource) Addr() net.Addr { return s.conn.LocalAddr() }

// ReadRTP blocks for the next parseable packet. Garbage datagrams are skipped.
func (s *UDPSource) ReadRTP() (*rtp.Packet, error) {
	for {
		n, _, err := s.conn.ReadFrom(s.buf)
		if err != nil {
			return nil, err
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(append([]byte(nil), s.buf[:n]...)); err != nil {
			log.Debug().Err(err).Str("module", "ingest").Msg("dropping non-RTP datagram")
			continue
		}
		return pkt, nil
	}
}

// Close unblocks a pending ReadRTP.
func (s *UDPSource) Close() error {
	err := s.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
