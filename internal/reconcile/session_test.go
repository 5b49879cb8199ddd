package reconcile_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"portal-backend/internal/apperr"
	"portal-backend/internal/broadcast"
	"portal-backend/internal/feed"
	"portal-backend/internal/models"
	"portal-backend/internal/notify"
	"portal-backend/internal/reconcile"
	"portal-backend/internal/repository"
	"portal-backend/internal/services"
	"portal-backend/internal/testutil"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const waitFor = 3 * time.Second

type fakeSink struct {
	mu     sync.Mutex
	frames []reconcile.Frame
}

func (s *fakeSink) Send(f reconcile.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

// last returns the latest state frame.
func (s *fakeSink) last() (reconcile.View, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.frames) - 1; i >= 0; i-- {
		if s.frames[i].Type == reconcile.FrameState {
			return s.frames[i].Data.(reconcile.View), true
		}
	}
	return reconcile.View{}, false
}

func (s *fakeSink) count(frameType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.frames {
		if f.Type == frameType {
			n++
		}
	}
	return n
}

func (s *fakeSink) await(t *testing.T, msg string, cond func(reconcile.View) bool) reconcile.View {
	t.Helper()
	var view reconcile.View
	require.Eventually(t, func() bool {
		v, ok := s.last()
		if ok && cond(v) {
			view = v
			return true
		}
		return false
	}, waitFor, 10*time.Millisecond, msg)
	return view
}

type fixture struct {
	db      *gorm.DB
	hub     *feed.Hub
	bus     *broadcast.MemoryBus
	moods   *repository.MoodRepository
	scores  *repository.ScoreRepository
	couples *repository.CoupleRepository
	deps    reconcile.Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	hub := feed.NewHub(0)
	bus := broadcast.NewMemoryBus()

	profiles := repository.NewProfileRepository(db, hub)
	moods := repository.NewMoodRepository(db, hub)
	scores := repository.NewScoreRepository(db, hub)
	stars := repository.NewStarRepository(db, hub)
	drawings := repository.NewDrawingRepository(db, hub)
	presence := services.NewPresence(bus)

	return &fixture{
		db:      db,
		hub:     hub,
		bus:     bus,
		moods:   moods,
		scores:  scores,
		couples: repository.NewCoupleRepository(db, hub),
		deps: reconcile.Deps{
			Members:   services.NewMemberResolver(profiles),
			Profiles:  profiles,
			Snapshots: services.NewSnapshotService(profiles, moods, scores, stars),
			Moods:     services.NewMoodService(moods, profiles, bus),
			Stars:     services.NewStarService(stars, nil),
			Settings:  services.NewAccountService(profiles, nil, nil, nil),
			Games:     services.NewGameService(scores, bus),
			Drawings:  services.NewDrawingService(drawings, nil, bus),
			Pokes:     services.NewPokeService(profiles, presence, bus, notify.Noop{}),
			Presence:  presence,
			Feed:      hub,
			Bus:       bus,
			NewBackOff: func() backoff.BackOff {
				return backoff.NewConstantBackOff(20 * time.Millisecond)
			},
		},
	}
}

func (f *fixture) pair(t *testing.T, a, b string) {
	t.Helper()
	testutil.SeedProfile(t, f.db, a, a[:1]+"AAAAA")
	testutil.SeedProfile(t, f.db, b, b[:1]+"BBBBB")
	_, err := f.couples.Link(context.Background(), a, b)
	require.NoError(t, err)
}

// start runs a session until the test ends.
func (f *fixture) start(t *testing.T, userID string, deps reconcile.Deps) (*reconcile.Session, *fakeSink) {
	t.Helper()
	sink := &fakeSink{}
	session := reconcile.NewSession(userID, deps, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		session.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return session, sink
}

func action(t *testing.T, actionType string, data any) reconcile.Action {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return reconcile.Action{Type: actionType, Data: raw}
}

func synced(v reconcile.View) bool {
	return v.Paired && v.Synced
}

func TestSessionPropagatesMoodToPartner(t *testing.T) {
	f := newFixture(t)
	f.pair(t, "alice", "bob")

	alice, aliceSink := f.start(t, "alice", f.deps)
	_, bobSink := f.start(t, "bob", f.deps)
	aliceSink.await(t, "alice synced", synced)
	view := bobSink.await(t, "bob synced", synced)
	assert.Equal(t, "alice", view.Partner.ID)

	err := alice.Do(context.Background(), action(t, reconcile.ActionSetMood, map[string]string{"mood": "love"}))
	require.NoError(t, err)

	bobSink.await(t, "bob sees alice's mood", func(v reconcile.View) bool {
		m, ok := v.Mood("alice")
		return ok && m.Mood == models.MoodLove && !m.Pending
	})
	aliceSink.await(t, "alice's write is confirmed", func(v reconcile.View) bool {
		m, ok := v.Mood("alice")
		return ok && m.Mood == models.MoodLove && !m.Pending && m.Error == ""
	})
}

type failingMoods struct {
	mu       sync.Mutex
	calls    int
	failures int
	err      error
	next     reconcile.MoodWriter
}

func (m *failingMoods) SetMood(ctx context.Context, userID string, mood models.MoodType) (*models.Mood, error) {
	m.mu.Lock()
	m.calls++
	fail := m.calls <= m.failures
	m.mu.Unlock()
	if fail {
		return nil, m.err
	}
	return m.next.SetMood(ctx, userID, mood)
}

func (m *failingMoods) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func TestSessionRevertsFailedWrite(t *testing.T) {
	f := newFixture(t)
	f.pair(t, "alice", "bob")
	coupleID := mustCouple(t, f, "alice")
	_, err := f.moods.Upsert(context.Background(), "alice", &coupleID, models.MoodHappy)
	require.NoError(t, err)

	moods := &failingMoods{failures: 1, err: apperr.New(apperr.KindForbidden, "no"), next: f.deps.Moods}
	deps := f.deps
	deps.Moods = moods
	alice, sink := f.start(t, "alice", deps)
	sink.await(t, "synced", synced)

	err = alice.Do(context.Background(), action(t, reconcile.ActionSetMood, map[string]string{"mood": "angry"}))
	require.ErrorIs(t, err, apperr.ErrForbidden)
	assert.Equal(t, 1, moods.Calls(), "non-retryable errors are not retried")

	view := sink.await(t, "mood reverted", func(v reconcile.View) bool {
		m, ok := v.Mood("alice")
		return ok && m.Error != ""
	})
	m, _ := view.Mood("alice")
	assert.Equal(t, models.MoodHappy, m.Mood)
	assert.False(t, m.Pending)
	require.Eventually(t, func() bool { return sink.count(reconcile.FrameError) == 1 }, waitFor, 10*time.Millisecond)
}

func TestSessionRetriesRetryableWrite(t *testing.T) {
	f := newFixture(t)
	f.pair(t, "alice", "bob")

	moods := &failingMoods{failures: 2, err: apperr.ErrStoreUnavailable, next: f.deps.Moods}
	deps := f.deps
	deps.Moods = moods
	alice, sink := f.start(t, "alice", deps)
	sink.await(t, "synced", synced)

	err := alice.Do(context.Background(), action(t, reconcile.ActionSetMood, map[string]string{"mood": "busy"}))
	require.NoError(t, err)
	assert.Equal(t, 3, moods.Calls())

	sink.await(t, "mood confirmed", func(v reconcile.View) bool {
		m, ok := v.Mood("alice")
		return ok && m.Mood == models.MoodBusy && !m.Pending
	})
}

func TestSessionRefetchesAfterFeedDisconnect(t *testing.T) {
	f := newFixture(t)
	f.pair(t, "alice", "bob")
	coupleID := mustCouple(t, f, "alice")

	_, sink := f.start(t, "alice", f.deps)
	sink.await(t, "synced", synced)

	// written behind the feed's back, so only a re-fetch can see it
	silent := repository.NewStarRepository(f.db, feed.Discard)
	require.NoError(t, silent.Create(context.Background(), &models.Star{
		ID: "missed", CoupleID: coupleID, UserID: "bob", X: 50, Y: 50,
	}))

	f.hub.DisconnectAll(apperr.ErrChannelDisconnected)

	view := sink.await(t, "missed star appears", func(v reconcile.View) bool {
		return v.Synced && len(v.Stars) == 1
	})
	assert.Equal(t, "missed", view.Stars[0].ID)
}

func TestSessionWaitsForPairing(t *testing.T) {
	f := newFixture(t)
	testutil.SeedProfile(t, f.db, "alice", "AAAAAA")
	testutil.SeedProfile(t, f.db, "bob", "BBBBBB")

	alice, sink := f.start(t, "alice", f.deps)
	view := sink.await(t, "unpaired view", func(v reconcile.View) bool { return v.Synced && v.Me != nil })
	assert.False(t, view.Paired)

	err := alice.Do(context.Background(), action(t, reconcile.ActionPoke, nil))
	require.ErrorIs(t, err, services.ErrNotPaired)

	_, err = f.couples.Link(context.Background(), "bob", "alice")
	require.NoError(t, err)

	view = sink.await(t, "paired view", synced)
	require.NotNil(t, view.Partner)
	assert.Equal(t, "bob", view.Partner.ID)
	assert.Equal(t, models.SideOf("alice", "bob"), view.Side)
}

func TestSessionStarsStayConsistentAcrossPartners(t *testing.T) {
	f := newFixture(t)
	f.pair(t, "alice", "bob")

	alice, aliceSink := f.start(t, "alice", f.deps)
	bob, bobSink := f.start(t, "bob", f.deps)
	aliceSink.await(t, "alice synced", synced)
	bobSink.await(t, "bob synced", synced)

	err := alice.Do(context.Background(), action(t, reconcile.ActionPlantStar, services.PlantStarRequest{X: 12, Y: 34, Message: "first date"}))
	require.NoError(t, err)

	view := bobSink.await(t, "bob sees the star", func(v reconcile.View) bool { return len(v.Stars) == 1 })
	starID := view.Stars[0].ID
	assert.Equal(t, "alice", view.Stars[0].UserID)

	err = bob.Do(context.Background(), action(t, reconcile.ActionDeleteStar, map[string]string{"id": starID}))
	require.NoError(t, err)

	aliceSink.await(t, "alice sees the delete", func(v reconcile.View) bool { return len(v.Stars) == 0 })
	bobSink.await(t, "bob's delete is final", func(v reconcile.View) bool { return len(v.Stars) == 0 })
}

func TestSessionRelaysPokesAndPresence(t *testing.T) {
	f := newFixture(t)
	f.pair(t, "alice", "bob")

	alice, aliceSink := f.start(t, "alice", f.deps)
	_, bobSink := f.start(t, "bob", f.deps)
	bobSink.await(t, "bob synced", synced)
	aliceSink.await(t, "alice sees bob online", func(v reconcile.View) bool { return synced(v) && v.PartnerOnline })

	require.NoError(t, alice.Do(context.Background(), action(t, reconcile.ActionPoke, nil)))
	require.Eventually(t, func() bool { return bobSink.count(reconcile.FramePoke) == 1 }, waitFor, 10*time.Millisecond)
	assert.Zero(t, aliceSink.count(reconcile.FramePoke), "own pokes are not echoed")
}

func TestSessionRejectsUnknownAction(t *testing.T) {
	f := newFixture(t)
	f.pair(t, "alice", "bob")
	alice, sink := f.start(t, "alice", f.deps)
	sink.await(t, "synced", synced)

	err := alice.Do(context.Background(), reconcile.Action{Type: "dance"})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

// lossyBus drops tap events matching drop.
type lossyBus struct {
	broadcast.Bus
	drop func(services.TapEvent) bool
}

func (b *lossyBus) Publish(ctx context.Context, topic broadcast.Topic, event string, payload any) error {
	if tap, ok := payload.(services.TapEvent); ok && event == broadcast.EventTap && b.drop(tap) {
		return nil
	}
	return b.Bus.Publish(ctx, topic, event, payload)
}

// quickRounds shortens the countdown and round so a whole round fits in
// a test.
func quickRounds(f *fixture, bus broadcast.Bus) reconcile.Deps {
	deps := f.deps
	deps.Games = services.NewGameService(f.scores, bus).WithTiming(50*time.Millisecond, 400*time.Millisecond)
	deps.SettleWait = 100 * time.Millisecond
	return deps
}

// playRound starts a round from the first session, waits until every
// session plays it, then taps taps[i] times on sessions[i].
func playRound(t *testing.T, sessions []*reconcile.Session, sinks []*fakeSink, taps []int) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, sessions[0].Do(ctx, action(t, reconcile.ActionStartGame, nil)))

	first := sinks[0].await(t, "round announced", func(v reconcile.View) bool { return v.Game.RoundID != "" })
	roundID := first.Game.RoundID
	for _, sink := range sinks[1:] {
		sink.await(t, "round adopted", func(v reconcile.View) bool { return v.Game.RoundID == roundID })
	}
	time.Sleep(time.Until(first.Game.StartsAt) + 10*time.Millisecond)

	for i, session := range sessions {
		for n := 0; n < taps[i]; n++ {
			require.NoError(t, session.Do(ctx, action(t, reconcile.ActionTap, nil)))
		}
	}
	return roundID
}

// awaitRound waits until the round is stored and returns the score row.
func awaitRound(t *testing.T, f *fixture, coupleID, roundID string) *models.GameScore {
	t.Helper()
	ctx := context.Background()
	require.Eventually(t, func() bool {
		_, err := f.scores.GetRound(ctx, coupleID, roundID)
		return err == nil
	}, 3*waitFor, 20*time.Millisecond, "round stored")
	score, err := f.scores.Get(ctx, coupleID)
	require.NoError(t, err)
	return score
}

func TestSessionTapWarRecordsWinner(t *testing.T) {
	f := newFixture(t)
	f.pair(t, "alice", "bob")
	coupleID := mustCouple(t, f, "alice")
	deps := quickRounds(f, f.bus)

	alice, aliceSink := f.start(t, "alice", deps)
	bob, bobSink := f.start(t, "bob", deps)
	aliceSink.await(t, "alice synced", synced)
	bobSink.await(t, "bob synced", synced)

	roundID := playRound(t, []*reconcile.Session{alice, bob}, []*fakeSink{aliceSink, bobSink}, []int{2, 5})

	score := awaitRound(t, f, coupleID, roundID)
	bobSide := models.SideOf("bob", "alice")
	assert.Equal(t, 1, score.Score(bobSide))
	assert.Equal(t, 0, score.Score(bobSide.Other()))

	round, err := f.scores.GetRound(context.Background(), coupleID, roundID)
	require.NoError(t, err)
	assert.Equal(t, bobSide, round.Winner)

	aliceSink.await(t, "alice sees the stored score", func(v reconcile.View) bool {
		return v.Score != nil && v.Score.Theirs == 1 && v.Score.Mine == 0
	})
}

func TestSessionTapWarTieScoresNobody(t *testing.T) {
	f := newFixture(t)
	f.pair(t, "alice", "bob")
	coupleID := mustCouple(t, f, "alice")
	deps := quickRounds(f, f.bus)

	alice, aliceSink := f.start(t, "alice", deps)
	bob, bobSink := f.start(t, "bob", deps)
	aliceSink.await(t, "alice synced", synced)
	bobSink.await(t, "bob synced", synced)

	roundID := playRound(t, []*reconcile.Session{alice, bob}, []*fakeSink{aliceSink, bobSink}, []int{3, 3})

	score := awaitRound(t, f, coupleID, roundID)
	assert.Zero(t, score.SideAScore)
	assert.Zero(t, score.SideBScore)

	round, err := f.scores.GetRound(context.Background(), coupleID, roundID)
	require.NoError(t, err)
	assert.Equal(t, models.Tie, round.Winner)
}

func TestSessionTapWarIgnoresLostTapBroadcast(t *testing.T) {
	f := newFixture(t)
	f.pair(t, "alice", "bob")
	coupleID := mustCouple(t, f, "alice")

	// alice never hears bob past his second tap, final count included
	lossy := &lossyBus{Bus: f.bus, drop: func(e services.TapEvent) bool {
		return e.UserID == "bob" && e.Count > 2
	}}
	alice, aliceSink := f.start(t, "alice", quickRounds(f, f.bus))
	bob, bobSink := f.start(t, "bob", quickRounds(f, lossy))
	aliceSink.await(t, "alice synced", synced)
	bobSink.await(t, "bob synced", synced)

	roundID := playRound(t, []*reconcile.Session{alice, bob}, []*fakeSink{aliceSink, bobSink}, []int{3, 4})

	score := awaitRound(t, f, coupleID, roundID)
	bobSide := models.SideOf("bob", "alice")
	assert.Equal(t, 1, score.Score(bobSide), "bob's own count decides the round")
	assert.Equal(t, 0, score.Score(bobSide.Other()))

	view, ok := aliceSink.last()
	require.True(t, ok)
	assert.Equal(t, 2, view.Game.PartnerTaps)
}

func TestSessionTapWarSettlesWithoutPartner(t *testing.T) {
	f := newFixture(t)
	f.pair(t, "alice", "bob")
	coupleID := mustCouple(t, f, "alice")

	alice, sink := f.start(t, "alice", quickRounds(f, f.bus))
	sink.await(t, "synced", synced)

	roundID := playRound(t, []*reconcile.Session{alice}, []*fakeSink{sink}, []int{2})

	score := awaitRound(t, f, coupleID, roundID)
	aliceSide := models.SideOf("alice", "bob")
	assert.Equal(t, 1, score.Score(aliceSide))
	assert.Equal(t, 0, score.Score(aliceSide.Other()))
}

func mustCouple(t *testing.T, f *fixture, userID string) string {
	t.Helper()
	var profile models.Profile
	require.NoError(t, f.db.First(&profile, "id = ?", userID).Error)
	require.True(t, profile.Paired())
	return *profile.CoupleID
}
