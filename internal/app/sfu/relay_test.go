package sfu

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanSource struct {
	kind webrtc.RTPCodecType
	pkts chan *rtp.Packet
}

func newChanSource(kind webrtc.RTPCodecType) *chanSource {
	return &chanSource{kind: kind, pkts: make(chan *rtp.Packet, 16)}
}

func (s *chanSource) Kind() webrtc.RTPCodecType { return s.kind }

func (s *chanSource) ReadRTP() (*rtp.Packet, error) {
	pkt, ok := <-s.pkts
	if !ok {
		return nil, io.EOF
	}
	return pkt, nil
}

func packet(seq uint16) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: seq}, Payload: []byte{1, 2, 3}}
}

func TestRelayFansOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewRelayManager("SKCMP-AB12C-20250101")
	audio := newChanSource(webrtc.RTPCodecTypeAudio)
	m.StartRelay(ctx, audio)
	require.True(t, m.HasRelay(webrtc.RTPCodecTypeAudio))
	assert.False(t, m.HasRelay(webrtc.RTPCodecTypeVideo))

	tracks, err := m.Subscribe("l1")
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, tracks[0].Kind())
	_, err = m.Subscribe("l2")
	require.NoError(t, err)
	assert.Equal(t, 2, m.Subscribers(webrtc.RTPCodecTypeAudio))

	audio.pkts <- packet(1)
	audio.pkts <- packet(2)

	relay := m.relays[webrtc.RTPCodecTypeAudio]
	require.Eventually(t, func() bool {
		a, _ := relay.outTrack("l1")
		b, _ := relay.outTrack("l2")
		return a.Packets() == 2 && b.Packets() == 2
	}, time.Second, 5*time.Millisecond)

	m.MarkSubscriberDelete("l1")
	assert.Equal(t, 1, m.Subscribers(webrtc.RTPCodecTypeAudio))
	audio.pkts <- packet(3)
	require.Eventually(t, func() bool {
		_, ok := relay.outTrack("l1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestMutedTrackSkipsPackets(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewRelayManager("SKCMP-AB12C-20250101")
	src := newChanSource(webrtc.RTPCodecTypeVideo)
	m.StartRelay(ctx, src)
	_, err := m.Subscribe("l1")
	require.NoError(t, err)

	relay := m.relays[webrtc.RTPCodecTypeVideo]
	ot, ok := relay.outTrack("l1")
	require.True(t, ok)
	ot.MarkMuted()
	src.pkts <- packet(1)
	ot.MarkOk()
	src.pkts <- packet(2)

	require.Eventually(t, func() bool { return ot.Packets() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSourceEndMarksDelete(t *testing.T) {
	m := NewRelayManager("SKCMP-AB12C-20250101")
	src := newChanSource(webrtc.RTPCodecTypeAudio)
	m.StartRelay(context.Background(), src)
	_, err := m.Subscribe("l1")
	require.NoError(t, err)

	close(src.pkts)
	require.Eventually(t, func() bool {
		return m.Subscribers(webrtc.RTPCodecTypeAudio) == 0
	}, time.Second, 5*time.Millisecond)

	m.StopAll()
	assert.False(t, m.HasRelay(webrtc.RTPCodecTypeAudio))
}

func TestCodecFor(t *testing.T) {
	assert.Equal(t, webrtc.MimeTypeOpus, CodecFor(webrtc.RTPCodecTypeAudio).MimeType)
	assert.Equal(t, webrtc.MimeTypeVP8, CodecFor(webrtc.RTPCodecTypeVideo).MimeType)
}
