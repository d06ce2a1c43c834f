package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dkeye/Podcast/internal/adapters/rooms"
	"github.com/dkeye/Podcast/internal/adapters/rtc/rtctest"
	"github.com/dkeye/Podcast/internal/adapters/store"
	"github.com/dkeye/Podcast/internal/app"
	"github.com/dkeye/Podcast/internal/app/peer"
	"github.com/dkeye/Podcast/internal/app/presence"
	"github.com/dkeye/Podcast/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	liveRoom    = domain.RoomID("SKCMP-AB12C-20250101")
	endedRoom   = domain.RoomID("SKCMP-END22-20250101")
	pendingRoom = domain.RoomID("SKCMP-PEND3-20250101")
	wait        = time.Second
	tick        = 5 * time.Millisecond
)

type env struct {
	store    *store.MemoryStore
	registry *app.Registry
	factory  *rtctest.Factory
	peers    *peer.Manager
	tracker  *presence.Tracker
}

func newEnv(t *testing.T) *env {
	t.Helper()
	created := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	rs := rooms.NewMemoryStore(
		domain.Room{ID: liveRoom, Title: "Live", HostID: "host", Status: domain.RoomLive, Approved: true, CreatedAt: created},
		domain.Room{ID: endedRoom, Title: "Over", HostID: "host", Status: domain.RoomEnded, Approved: true, CreatedAt: created},
		domain.Room{ID: pendingRoom, Title: "Pending", HostID: "host", Status: domain.RoomPending, CreatedAt: created},
	)
	e := &env{store: store.NewMemoryStore(), factory: &rtctest.Factory{}}
	e.registry = app.NewRegistry(rs, e.store)
	e.peers = peer.NewManager(e.store, e.factory.New, peer.Sinks{})
	e.tracker = presence.NewTracker(e.store)
	return e
}

func (e *env) controller(room domain.RoomID, pid domain.ParticipantID, timeout time.Duration) *Controller {
	return New(Config{
		Room:          room,
		Participant:   domain.Participant{ID: pid, Name: "Listener " + string(pid)},
		AnswerTimeout: timeout,
	}, e.registry, e.peers, e.tracker, e.store)
}

func (e *env) answer(t *testing.T, room domain.RoomID, pid domain.ParticipantID) {
	t.Helper()
	require.NoError(t, e.store.Set(context.Background(), domain.AnswerPath(room, pid),
		domain.SessionDescription{Type: "answer", SDP: "v=0 host-answer"}))
}

func (e *env) hostCandidate(t *testing.T, room domain.RoomID, pid domain.ParticipantID, c string) {
	t.Helper()
	idx := uint16(0)
	_, err := e.store.Push(context.Background(), domain.HostCandidatesPath(room, pid),
		domain.Candidate{Candidate: c, SDPMLineIndex: &idx, Timestamp: time.Now().UnixMilli()})
	require.NoError(t, err)
}

func (e *env) assertClean(t *testing.T, room domain.RoomID, pid domain.ParticipantID) {
	t.Helper()
	assert.Zero(t, e.store.Len(domain.ParticipantPath(room, pid)), "participant record left behind")
	assert.Zero(t, e.store.Len(domain.OfferPath(room, pid)), "offer left behind")
	assert.Zero(t, e.store.Len(domain.PeerPath(room, pid)), "peer signaling left behind")
}

func waitDone(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(wait):
		t.Fatalf("session still %s", c.State())
	}
}

func TestJoinRoundTrip(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := e.controller(liveRoom, "p1", time.Minute)
	require.NoError(t, c.Join(ctx))
	assert.Equal(t, StateConnected, c.State())

	media := e.factory.Last()
	require.NotNil(t, media)
	assert.Equal(t, []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo}, media.Kinds())

	raw, ok, err := e.store.Get(ctx, domain.OfferPath(liveRoom, "p1"))
	require.NoError(t, err)
	require.True(t, ok)
	var offer domain.OfferMessage
	require.NoError(t, json.Unmarshal(raw, &offer))
	assert.Equal(t, "offer", offer.Offer.Type)
	assert.Equal(t, domain.ParticipantID("p1"), offer.From)

	// host candidate races ahead of the answer
	e.hostCandidate(t, liveRoom, "p1", "host-c1")
	e.answer(t, liveRoom, "p1")
	require.Eventually(t, func() bool { return media.Answers() == 1 }, wait, tick)
	e.hostCandidate(t, liveRoom, "p1", "host-c2")

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"host-c1", "host-c2"}, media.Applied())
	}, wait, tick)

	require.Eventually(t, func() bool {
		roster := c.Roster()
		return len(roster) == 1 && roster[0].ID == "p1" && roster[0].Role == domain.RoleListener
	}, wait, tick)

	raw, ok, err = e.store.Get(ctx, domain.StatusPath(liveRoom))
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `"live"`, string(raw))

	require.NoError(t, c.Leave(ctx))
	assert.Equal(t, StateEnded, c.State())
	assert.NoError(t, c.Err())
	assert.Equal(t, 1, media.Closed())
	e.assertClean(t, liveRoom, "p1")
}

func TestJoinNotFound(t *testing.T) {
	for _, id := range []domain.RoomID{"SKCMP-MISS1-20250101", pendingRoom} {
		t.Run(string(id), func(t *testing.T) {
			e := newEnv(t)
			c := e.controller(id, "p1", time.Minute)

			err := c.Join(context.Background())
			assert.ErrorIs(t, err, domain.ErrNotFound)
			assert.Equal(t, StateNotFound, c.State())
			assert.Empty(t, e.factory.Conns(), "no peer connection for a missing room")
			assert.Zero(t, e.store.Len(domain.RoomPath(id)))
			waitDone(t, c)
		})
	}
}

func TestJoinEndedRoom(t *testing.T) {
	e := newEnv(t)
	c := e.controller(endedRoom, "p1", time.Minute)

	err := c.Join(context.Background())
	assert.ErrorIs(t, err, domain.ErrRoomEnded)
	assert.Equal(t, StateEnded, c.State())
	assert.Empty(t, e.factory.Conns())
}

func TestRoomEndsWhileConnected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.controller(liveRoom, "p1", time.Minute)

	var states []State
	c.OnStateChange(func(s State) { states = append(states, s) })

	require.NoError(t, c.Join(ctx))
	e.answer(t, liveRoom, "p1")
	media := e.factory.Last()
	require.Eventually(t, func() bool { return media.Answers() == 1 }, wait, tick)

	require.NoError(t, e.registry.MarkEnded(ctx, liveRoom))
	waitDone(t, c)

	assert.Equal(t, StateEnded, c.State())
	assert.ErrorIs(t, c.Err(), domain.ErrRoomEnded)
	assert.Equal(t, 1, media.Closed())
	e.assertClean(t, liveRoom, "p1")
	assert.Equal(t, []State{StateConnecting, StateConnected, StateEnded}, states)
}

func TestTransportFailure(t *testing.T) {
	e := newEnv(t)
	c := e.controller(liveRoom, "p1", time.Minute)
	require.NoError(t, c.Join(context.Background()))
	e.answer(t, liveRoom, "p1")
	media := e.factory.Last()
	require.Eventually(t, func() bool { return media.Answers() == 1 }, wait, tick)

	media.EmitState(webrtc.PeerConnectionStateFailed)
	waitDone(t, c)

	assert.Equal(t, StateFailed, c.State())
	assert.ErrorIs(t, c.Err(), domain.ErrTransportFailure)
	e.assertClean(t, liveRoom, "p1")
}

func TestAnswerTimeout(t *testing.T) {
	e := newEnv(t)
	c := e.controller(liveRoom, "p1", 30*time.Millisecond)
	require.NoError(t, c.Join(context.Background()))

	waitDone(t, c)
	assert.Equal(t, StateFailed, c.State())
	assert.ErrorIs(t, c.Err(), domain.ErrTransportFailure)
	e.assertClean(t, liveRoom, "p1")
}

func TestAnswerAfterTimerStopped(t *testing.T) {
	e := newEnv(t)
	c := e.controller(liveRoom, "p1", 50*time.Millisecond)
	require.NoError(t, c.Join(context.Background()))
	e.answer(t, liveRoom, "p1")
	media := e.factory.Last()
	require.Eventually(t, func() bool { return media.Answers() == 1 }, wait, tick)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateConnected, c.State())
	require.NoError(t, c.Leave(context.Background()))
}

func TestRepeatedAnswerIsIgnored(t *testing.T) {
	e := newEnv(t)
	c := e.controller(liveRoom, "p1", time.Minute)
	require.NoError(t, c.Join(context.Background()))
	media := e.factory.Last()

	e.answer(t, liveRoom, "p1")
	require.Eventually(t, func() bool { return media.Answers() == 1 }, wait, tick)
	require.NoError(t, e.store.Set(context.Background(), domain.AnswerPath(liveRoom, "p1"),
		domain.SessionDescription{Type: "answer", SDP: "v=0 second"}))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, media.Answers())
	assert.Equal(t, StateConnected, c.State())
	require.NoError(t, c.Leave(context.Background()))
}

func TestContextCancelCleansUp(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	c := e.controller(liveRoom, "p1", time.Minute)
	require.NoError(t, c.Join(ctx))

	cancel()
	waitDone(t, c)
	assert.Equal(t, StateEnded, c.State())
	e.assertClean(t, liveRoom, "p1")
}

func TestPresenceFailureClosesConnection(t *testing.T) {
	e := newEnv(t)
	c := e.controller(liveRoom, "bad/id", time.Minute)

	err := c.Join(context.Background())
	require.ErrorIs(t, err, domain.ErrParticipantIDInvalid)
	assert.Equal(t, StateError, c.State())
	require.Len(t, e.factory.Conns(), 1)
	assert.Equal(t, 1, e.factory.Last().Closed())
	assert.Zero(t, e.store.Len(domain.OffersPath(liveRoom)))
}

func TestOfferFailureIsTransportFailure(t *testing.T) {
	e := newEnv(t)
	e.factory.Prepare = func(c *rtctest.Conn) { c.FailOffer = assert.AnError }
	c := e.controller(liveRoom, "p1", time.Minute)

	err := c.Join(context.Background())
	require.ErrorIs(t, err, domain.ErrTransportFailure)
	assert.Equal(t, StateFailed, c.State())
	e.assertClean(t, liveRoom, "p1")
}

func TestReact(t *testing.T) {
	e := newEnv(t)
	c := e.controller(liveRoom, "p1", time.Minute)
	assert.ErrorIs(t, c.React(context.Background(), "👍"), ErrNotConnected)

	require.NoError(t, c.Join(context.Background()))
	require.NoError(t, c.React(context.Background(), "👍"))
	require.Eventually(t, func() bool {
		roster := c.Roster()
		return len(roster) == 1 && roster[0].Emoji == "👍"
	}, wait, tick)
	require.NoError(t, c.Leave(context.Background()))
}

func TestLeaveBeforeJoin(t *testing.T) {
	e := newEnv(t)
	c := e.controller(liveRoom, "p1", time.Minute)
	require.NoError(t, c.Leave(context.Background()))
	assert.Equal(t, StateIdle, c.State())
}

func TestTwoListenersAreIsolated(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.controller(liveRoom, "a", time.Minute)
	b := e.controller(liveRoom, "b", time.Minute)
	require.NoError(t, a.Join(ctx))
	require.NoError(t, b.Join(ctx))

	require.Eventually(t, func() bool { return len(a.Roster()) == 2 && len(b.Roster()) == 2 }, wait, tick)

	require.NoError(t, a.Leave(ctx))
	e.assertClean(t, liveRoom, "a")
	assert.Positive(t, e.store.Len(domain.ParticipantPath(liveRoom, "b")))
	assert.Positive(t, e.store.Len(domain.OfferPath(liveRoom, "b")))
	require.Eventually(t, func() bool { return len(b.Roster()) == 1 }, wait, tick)
	require.NoError(t, b.Leave(ctx))
}

func TestStateTerminal(t *testing.T) {
	for s, want := range map[State]bool{
		StateIdle:       false,
		StateConnecting: false,
		StateConnected:  false,
		StateEnded:      true,
		StateFailed:     true,
		StateError:      true,
		StateNotFound:   true,
	} {
		assert.Equal(t, want, s.Terminal(), s)
	}
}
