package rtc

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultWebRTCConfig(t *testing.T) {
	cfg := DefaultWebRTCConfig(nil)
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.ICEServers[0].URLs)

	cfg = DefaultWebRTCConfig([]string{"stun:a", "turn:b"})
	assert.Equal(t, []string{"stun:a", "turn:b"}, cfg.ICEServers[0].URLs)
}

// Two real pion connections negotiate through the wrapper without a network.
func TestOfferAnswerBetweenWrappers(t *testing.T) {
	listener, err := NewWebRTCConnection(webrtc.Configuration{}, "listener")
	require.NoError(t, err)
	defer listener.Close()
	host, err := NewWebRTCConnection(webrtc.Configuration{}, "host")
	require.NoError(t, err)
	defer host.Close()

	require.NoError(t, listener.AddRecvOnly(webrtc.RTPCodecTypeAudio))
	require.NoError(t, listener.AddRecvOnly(webrtc.RTPCodecTypeVideo))

	offer, err := listener.CreateAndSetOffer()
	require.NoError(t, err)
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, listener.SignalingState())

	answer, err := host.ApplyOfferAndCreateAnswer(*offer)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)

	require.NoError(t, listener.ApplyAnswer(*answer))
	assert.Equal(t, webrtc.SignalingStateStable, listener.SignalingState())

	require.NoError(t, listener.Close())
	require.NoError(t, listener.Close())
}
