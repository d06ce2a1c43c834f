package presence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Podcast/internal/adapters/store"
	"github.com/dkeye/Podcast/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const room = domain.RoomID("SKCMP-AB12C-20250101")

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (f *fakeTimer) Stop() bool {
	was := !f.stopped
	f.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{delay: d, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func newTracker(t *testing.T) (*Tracker, *store.MemoryStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	s := store.NewMemoryStore()
	tr := NewTracker(s, WithClock(clock.Now))
	tr.afterFunc = clock.AfterFunc
	return tr, s, clock
}

func join(t *testing.T, tr *Tracker, pid domain.ParticipantID, name string, at time.Time) {
	t.Helper()
	p, err := domain.NewParticipant(pid, name, domain.RoleListener, "", at)
	require.NoError(t, err)
	require.NoError(t, tr.Join(context.Background(), room, p))
}

func readParticipant(t *testing.T, s *store.MemoryStore, pid domain.ParticipantID) domain.Participant {
	t.Helper()
	raw, ok, err := s.Get(context.Background(), domain.ParticipantPath(room, pid))
	require.NoError(t, err)
	require.True(t, ok)
	var p domain.Participant
	require.NoError(t, json.Unmarshal(raw, &p))
	return p
}

func TestJoinWritesRecord(t *testing.T) {
	tr, s, clock := newTracker(t)
	join(t, tr, "p1", "Ana", clock.Now())

	p := readParticipant(t, s, "p1")
	assert.Equal(t, "Ana", p.Name)
	assert.Equal(t, domain.RoleListener, p.Role)
	assert.Equal(t, int64(1_700_000_000_000), p.JoinedAt)
	assert.Empty(t, p.Emoji)
}

func TestJoinRejectsBadID(t *testing.T) {
	tr, _, _ := newTracker(t)
	err := tr.Join(context.Background(), room, &domain.Participant{ID: "a/b", Name: "x"})
	assert.ErrorIs(t, err, domain.ErrParticipantIDInvalid)
}

func TestReactionClearsAfterWindow(t *testing.T) {
	tr, s, clock := newTracker(t)
	join(t, tr, "p1", "Ana", clock.Now())

	ts, err := tr.SendReaction(context.Background(), room, "p1", "👏")
	require.NoError(t, err)
	p := readParticipant(t, s, "p1")
	assert.Equal(t, "👏", p.Emoji)
	assert.Equal(t, ts, p.EmojiTimestamp)

	require.Len(t, clock.timers, 1)
	assert.Equal(t, DefaultReactionWindow, clock.timers[0].delay)

	clock.Advance(DefaultReactionWindow)
	clock.timers[0].fn()

	p = readParticipant(t, s, "p1")
	assert.Empty(t, p.Emoji)
	assert.Zero(t, p.EmojiTimestamp)
	assert.Equal(t, "Ana", p.Name)
}

// A at t=0, B at t=1s: A's clear at t=3s must leave B visible until t=4s.
func TestNewerReactionSurvivesOlderClear(t *testing.T) {
	tr, s, clock := newTracker(t)
	ctx := context.Background()
	join(t, tr, "p1", "Ana", clock.Now())

	_, err := tr.SendReaction(ctx, room, "p1", "A")
	require.NoError(t, err)
	clock.Advance(time.Second)
	tsB, err := tr.SendReaction(ctx, room, "p1", "B")
	require.NoError(t, err)

	require.Len(t, clock.timers, 2)
	assert.True(t, clock.timers[0].stopped)

	// the first timer already fired before Stop took effect
	clock.Advance(2 * time.Second)
	clock.timers[0].fn()
	p := readParticipant(t, s, "p1")
	assert.Equal(t, "B", p.Emoji)
	assert.Equal(t, tsB, p.EmojiTimestamp)

	clock.Advance(time.Second)
	clock.timers[1].fn()
	p = readParticipant(t, s, "p1")
	assert.Empty(t, p.Emoji)
}

func TestClearSkipsWhenStoreHasNewerTimestamp(t *testing.T) {
	tr, s, clock := newTracker(t)
	ctx := context.Background()
	join(t, tr, "p1", "Ana", clock.Now())

	_, err := tr.SendReaction(ctx, room, "p1", "A")
	require.NoError(t, err)
	// another tab of the same participant reacted
	require.NoError(t, s.Update(ctx, domain.ParticipantPath(room, "p1"), map[string]any{
		"emoji":          "Z",
		"emojiTimestamp": int64(1_700_000_009_999),
	}))

	clock.timers[0].fn()
	assert.Equal(t, "Z", readParticipant(t, s, "p1").Emoji)
}

// An older reaction whose write lands after a newer one must not keep the
// newer clear from running.
func TestOlderReactionDoesNotReplaceNewerClear(t *testing.T) {
	tr, s, clock := newTracker(t)
	ctx := context.Background()
	join(t, tr, "p1", "Ana", clock.Now())

	clock.Advance(time.Second)
	_, err := tr.SendReaction(ctx, room, "p1", "B")
	require.NoError(t, err)
	clock.Advance(-time.Second)
	_, err = tr.SendReaction(ctx, room, "p1", "A")
	require.NoError(t, err)

	require.Len(t, clock.timers, 1)
	assert.False(t, clock.timers[0].stopped)
	assert.Equal(t, "A", readParticipant(t, s, "p1").Emoji)

	clock.Advance(DefaultReactionWindow + time.Second)
	clock.timers[0].fn()
	p := readParticipant(t, s, "p1")
	assert.Empty(t, p.Emoji)
	assert.Zero(t, p.EmojiTimestamp)
	assert.Equal(t, "Ana", p.Name)
}

func TestReactionWithoutRosterRow(t *testing.T) {
	tr, s, _ := newTracker(t)
	_, err := tr.SendReaction(context.Background(), room, "ghost", "A")
	assert.ErrorIs(t, err, ErrNotJoined)
	assert.Zero(t, s.Len(domain.ParticipantPath(room, "ghost")))
}

// clear finds a row with only the reaction left in it
func TestClearDropsEmojiOnlyRow(t *testing.T) {
	tr, s, clock := newTracker(t)
	ctx := context.Background()
	join(t, tr, "p1", "Ana", clock.Now())
	_, err := tr.SendReaction(ctx, room, "p1", "A")
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, domain.ParticipantPath(room, "p1"), map[string]any{"name": nil, "role": nil, "joinedAt": nil}))

	clock.Advance(DefaultReactionWindow)
	clock.timers[0].fn()
	assert.Zero(t, s.Len(domain.ParticipantPath(room, "p1")))
}

// blockingStore holds updates to one path until release is closed.
type blockingStore struct {
	*store.MemoryStore
	path    string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingStore) Update(ctx context.Context, p string, fields map[string]any) error {
	if p == b.path {
		b.once.Do(func() {
			close(b.entered)
			<-b.release
		})
	}
	return b.MemoryStore.Update(ctx, p, fields)
}

func TestSlowReactionWriteDoesNotBlockOthers(t *testing.T) {
	bs := &blockingStore{
		MemoryStore: store.NewMemoryStore(),
		path:        domain.ParticipantPath(room, "p1"),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	tr := NewTracker(bs, WithClock(clock.Now))
	tr.afterFunc = clock.AfterFunc
	join(t, tr, "p1", "Ana", clock.Now())
	join(t, tr, "p2", "Bo", clock.Now())

	slow := make(chan error, 1)
	go func() {
		_, err := tr.SendReaction(context.Background(), room, "p1", "A")
		slow <- err
	}()
	<-bs.entered

	done := make(chan error, 1)
	go func() {
		_, err := tr.SendReaction(context.Background(), room, "p2", "B")
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaction for p2 waited on p1's write")
	}

	close(bs.release)
	require.NoError(t, <-slow)
}

func TestReactionsAreKeyedPerParticipant(t *testing.T) {
	tr, s, clock := newTracker(t)
	ctx := context.Background()
	join(t, tr, "p1", "Ana", clock.Now())
	join(t, tr, "p2", "Bo", clock.Now())

	_, err := tr.SendReaction(ctx, room, "p1", "A")
	require.NoError(t, err)
	_, err = tr.SendReaction(ctx, room, "p2", "B")
	require.NoError(t, err)
	assert.False(t, clock.timers[0].stopped)

	clock.timers[0].fn()
	assert.Empty(t, readParticipant(t, s, "p1").Emoji)
	assert.Equal(t, "B", readParticipant(t, s, "p2").Emoji)
}

func TestSendReactionValidates(t *testing.T) {
	tr, _, _ := newTracker(t)
	_, err := tr.SendReaction(context.Background(), room, "p1", "")
	assert.ErrorIs(t, err, ErrInvalidReaction)
	_, err = tr.SendReaction(context.Background(), room, "p1", "this is far too long for an emoji")
	assert.ErrorIs(t, err, ErrInvalidReaction)
}

func TestLeaveRemovesEverything(t *testing.T) {
	tr, s, clock := newTracker(t)
	ctx := context.Background()
	join(t, tr, "p1", "Ana", clock.Now())
	require.NoError(t, s.Set(ctx, domain.OfferPath(room, "p1"), map[string]any{"from": "p1"}))
	require.NoError(t, s.Set(ctx, domain.AnswerPath(room, "p1"), map[string]any{"type": "answer", "sdp": "x"}))
	_, err := s.Push(ctx, domain.ListenerCandidatesPath(room, "p1"), map[string]any{"candidate": "c"})
	require.NoError(t, err)
	_, err = tr.SendReaction(ctx, room, "p1", "A")
	require.NoError(t, err)

	require.NoError(t, tr.Leave(ctx, room, "p1"))

	assert.Zero(t, s.Len(domain.ParticipantPath(room, "p1")))
	assert.Zero(t, s.Len(domain.OfferPath(room, "p1")))
	assert.Zero(t, s.Len(domain.PeerPath(room, "p1")))
	assert.True(t, clock.timers[0].stopped)

	// the clear firing after leave must not resurrect the row
	clock.timers[0].fn()
	assert.Zero(t, s.Len(domain.ParticipantPath(room, "p1")))
}

func TestSnapshotOrdersByJoinTime(t *testing.T) {
	tr, _, clock := newTracker(t)
	join(t, tr, "late", "Late", clock.Now().Add(time.Minute))
	join(t, tr, "early", "Early", clock.Now())

	roster, err := tr.Snapshot(context.Background(), room)
	require.NoError(t, err)
	require.Len(t, roster, 2)
	assert.Equal(t, domain.ParticipantID("early"), roster[0].ID)
	assert.Equal(t, domain.ParticipantID("late"), roster[1].ID)
}

func TestOnParticipantsFollowsRoster(t *testing.T) {
	tr, _, clock := newTracker(t)
	ctx := context.Background()

	var (
		mu   sync.Mutex
		last []domain.Participant
		seen int
	)
	unsub, err := tr.OnParticipants(ctx, room, func(ps []domain.Participant) {
		mu.Lock()
		defer mu.Unlock()
		last = ps
		seen++
	})
	require.NoError(t, err)
	defer unsub()

	join(t, tr, "p1", "Ana", clock.Now())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 1 && last[0].Name == "Ana"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, tr.Leave(ctx, room, "p1"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 0 && seen >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestRealTimerClears(t *testing.T) {
	s := store.NewMemoryStore()
	tr := NewTracker(s, WithWindow(20*time.Millisecond))
	p, err := domain.NewParticipant("p1", "Ana", domain.RoleListener, "", time.Now())
	require.NoError(t, err)
	require.NoError(t, tr.Join(context.Background(), room, p))

	_, err = tr.SendReaction(context.Background(), room, "p1", "🎉")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.Len(domain.ParticipantPath(room, "p1")+"/emoji") == 0
	}, time.Second, 5*time.Millisecond)
}
