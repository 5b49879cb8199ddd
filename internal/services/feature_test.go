package services_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"portal-backend/internal/apperr"
	"portal-backend/internal/broadcast"
	"portal-backend/internal/models"
	"portal-backend/internal/notify"
	"portal-backend/internal/services"
	"portal-backend/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetMood(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a, _ := e.pair(t, "user-a", "user-b")
	moods := services.NewMoodService(e.moods, e.profiles, e.bus)

	_, err := moods.SetMood(ctx, a.UserID, "ecstatic")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	stored, err := moods.SetMood(ctx, a.UserID, models.MoodHappy)
	require.NoError(t, err)
	assert.Equal(t, a.CoupleID, *stored.CoupleID)

	events := e.bus.Events(broadcast.EventMoodUpdate)
	require.Len(t, events, 1)
	assert.Equal(t, broadcast.TopicFor(broadcast.FeatureMood, a.CoupleID), events[0].Topic)
	event := events[0].Payload.(services.MoodEvent)
	assert.Equal(t, models.MoodHappy, event.Mood)
	assert.True(t, event.UpdatedAt.Equal(stored.UpdatedAt))

	list, err := moods.ListMoods(ctx, a)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSetMoodUnpairedDoesNotBroadcast(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	testutil.SeedProfile(t, e.db, "solo", "SOLO00")
	moods := services.NewMoodService(e.moods, e.profiles, e.bus)

	stored, err := moods.SetMood(ctx, "solo", models.MoodSleepy)
	require.NoError(t, err)
	assert.Nil(t, stored.CoupleID)
	assert.Empty(t, e.bus.Events(broadcast.EventMoodUpdate))
}

func TestRecordRoundWaitsForBothReports(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a, b := e.pair(t, "user-a", "user-b")
	game := services.NewGameService(e.scores, e.bus)

	_, err := game.Setup(ctx, a)
	require.NoError(t, err)

	// a's view of b's count is stale; only b's own report counts
	outA, err := game.RecordRound(ctx, a, services.RoundResult{RoundID: "r1", MyTaps: 51, PartnerTaps: 40})
	require.NoError(t, err)
	assert.False(t, outA.Decided)
	assert.Zero(t, outA.Score.SideAScore)

	outB, err := game.RecordRound(ctx, b, services.RoundResult{RoundID: "r1", MyTaps: 52, PartnerTaps: 51})
	require.NoError(t, err)
	assert.True(t, outB.Decided)
	assert.True(t, outB.Recorded)
	assert.Equal(t, b.Side, outB.Winner)

	score, err := game.Score(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 1, score.Score(b.Side))
	assert.Equal(t, 0, score.Score(a.Side))

	// duplicate delivery of the same report
	again, err := game.RecordRound(ctx, a, services.RoundResult{RoundID: "r1", MyTaps: 99})
	require.NoError(t, err)
	assert.True(t, again.Decided)
	assert.False(t, again.Recorded)
	assert.Equal(t, b.Side, again.Winner)
	assert.Equal(t, 1, again.Score.Score(b.Side))
}

func TestRecordRoundTieIncrementsNeither(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a, b := e.pair(t, "user-a", "user-b")
	game := services.NewGameService(e.scores, e.bus)

	// each side missed the other's last tap
	_, err := game.RecordRound(ctx, a, services.RoundResult{RoundID: "r1", MyTaps: 50, PartnerTaps: 49})
	require.NoError(t, err)
	out, err := game.RecordRound(ctx, b, services.RoundResult{RoundID: "r1", MyTaps: 50, PartnerTaps: 49})
	require.NoError(t, err)
	assert.True(t, out.Decided)
	assert.Equal(t, models.Tie, out.Winner)

	score, err := game.Score(ctx, a)
	require.NoError(t, err)
	assert.Zero(t, score.SideAScore+score.SideBScore)
}

func TestRecordRoundRaceCountsOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a, b := e.pair(t, "user-a", "user-b")
	game := services.NewGameService(e.scores, e.bus)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		decided int
	)
	counts := map[*services.Member]int{a: 50, b: 49}
	for m, taps := range counts {
		wg.Add(1)
		go func(m *services.Member, taps int) {
			defer wg.Done()
			out, err := game.RecordRound(ctx, m, services.RoundResult{RoundID: "r1", MyTaps: taps, PartnerTaps: 0})
			assert.NoError(t, err)
			if out != nil && out.Recorded {
				mu.Lock()
				decided++
				mu.Unlock()
			}
		}(m, taps)
	}
	wg.Wait()

	assert.Equal(t, 1, decided)
	score, err := game.Score(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 1, score.Score(a.Side))
	assert.Equal(t, 0, score.Score(b.Side))
}

func TestSettleRoundUsesFallbackForMissingSide(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a, b := e.pair(t, "user-a", "user-b")
	game := services.NewGameService(e.scores, e.bus)

	out, err := game.RecordRound(ctx, a, services.RoundResult{RoundID: "r1", MyTaps: 7, PartnerTaps: 9})
	require.NoError(t, err)
	require.False(t, out.Decided)

	// stored count of a wins over the fallback a passes again
	out, err = game.SettleRound(ctx, a, services.RoundResult{RoundID: "r1", MyTaps: 100, PartnerTaps: 9})
	require.NoError(t, err)
	assert.True(t, out.Recorded)
	assert.Equal(t, b.Side, out.Winner)

	// a late report from b changes nothing
	late, err := game.RecordRound(ctx, b, services.RoundResult{RoundID: "r1", MyTaps: 1})
	require.NoError(t, err)
	assert.False(t, late.Recorded)
	assert.Equal(t, b.Side, late.Winner)
	assert.Equal(t, 1, late.Score.Score(b.Side))
	assert.Equal(t, 0, late.Score.Score(a.Side))
}

func TestRecordRoundValidation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a, _ := e.pair(t, "user-a", "user-b")
	game := services.NewGameService(e.scores, e.bus)

	_, err := game.RecordRound(ctx, a, services.RoundResult{MyTaps: 1})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = game.RecordRound(ctx, a, services.RoundResult{RoundID: "r1", MyTaps: -1})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestStartRoundAndTaps(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a, _ := e.pair(t, "user-a", "user-b")
	game := services.NewGameService(e.scores, e.bus)

	start, err := game.StartRound(ctx, a)
	require.NoError(t, err)
	assert.NotEmpty(t, start.RoundID)
	assert.Equal(t, services.RoundDuration, start.EndsAt.Sub(start.StartsAt))
	assert.WithinDuration(t, time.Now().Add(services.CountdownDuration), start.StartsAt, time.Second)

	require.NoError(t, game.Tap(ctx, a, start.RoundID, 3))
	assert.ErrorIs(t, game.Tap(ctx, a, start.RoundID, -1), apperr.ErrInvalidArgument)
	require.NoError(t, game.Reset(ctx, a))

	taps := e.bus.Events(broadcast.EventTap)
	require.Len(t, taps, 1)
	tap := taps[0].Payload.(services.TapEvent)
	assert.Equal(t, a.Side, tap.Side)
	assert.Equal(t, 3, tap.Count)
	assert.Len(t, e.bus.Events(broadcast.EventGameStart), 1)
	assert.Len(t, e.bus.Events(broadcast.EventGameReset), 1)
}

func TestStars(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a, b := e.pair(t, "user-a", "user-b")
	c, _ := e.pair(t, "user-c", "user-d")
	blobs := &fakeBlobs{}
	stars := services.NewStarService(e.stars, blobs)

	_, err := stars.Plant(ctx, a, services.PlantStarRequest{X: 101, Y: 50})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	plain, err := stars.Plant(ctx, a, services.PlantStarRequest{X: 10, Y: 20, Message: " first date "})
	require.NoError(t, err)
	assert.Equal(t, "first date", *plain.Message)
	assert.Nil(t, plain.ImageURL)

	// overlapping positions are allowed
	photo, err := stars.Plant(ctx, b, services.PlantStarRequest{X: 10, Y: 20, Image: "aGVsbG8="})
	require.NoError(t, err)
	require.NotNil(t, photo.ImageURL)
	assert.Contains(t, *photo.ImageURL, a.CoupleID+"/stars")

	list, err := stars.List(ctx, a)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, plain.ID, list[0].ID)

	err = stars.Delete(ctx, c, photo.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, stars.Delete(ctx, a, photo.ID))
	assert.Equal(t, []string{*photo.ImageURL}, blobs.deleted)
}

func TestPlantStarUploadFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a, _ := e.pair(t, "user-a", "user-b")
	blobs := &fakeBlobs{failNext: apperr.New(apperr.KindStoreUnavailable, "s3 down")}
	stars := services.NewStarService(e.stars, blobs)

	_, err := stars.Plant(ctx, a, services.PlantStarRequest{X: 1, Y: 1, Image: "aGVsbG8="})
	assert.ErrorIs(t, err, apperr.ErrStoreUnavailable)

	list, err := stars.List(ctx, a)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDrawingSnapshotsAreTrimmed(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a, _ := e.pair(t, "user-a", "user-b")
	blobs := &fakeBlobs{}
	drawings := services.NewDrawingService(e.drawings, blobs, e.bus)

	var first *models.Drawing
	for i := 0; i < services.KeepDrawings+1; i++ {
		d, err := drawings.SaveSnapshot(ctx, a, "aW1hZ2U=")
		require.NoError(t, err)
		if first == nil {
			first = d
		}
		time.Sleep(time.Millisecond)
	}

	list, err := drawings.ListSnapshots(ctx, a)
	require.NoError(t, err)
	assert.Len(t, list, services.KeepDrawings)
	assert.Equal(t, []string{first.ImageURL}, blobs.deleted)
}

func TestStrokeRelay(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a, _ := e.pair(t, "user-a", "user-b")
	drawings := services.NewDrawingService(e.drawings, &fakeBlobs{}, e.bus)

	err := drawings.Stroke(ctx, a, models.Stroke{ID: "s1", Points: []models.Point{{X: 1, Y: 1}}, Color: "#FFB6C1", Size: 8})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	stroke := models.Stroke{ID: "s1", Points: []models.Point{{X: 1, Y: 1}, {X: 2, Y: 2}}, Color: "#FFB6C1", Size: 8}
	require.NoError(t, drawings.Stroke(ctx, a, stroke))
	require.NoError(t, drawings.Clear(ctx, a))

	strokes := e.bus.Events(broadcast.EventStroke)
	require.Len(t, strokes, 1)
	assert.Equal(t, broadcast.TopicFor(broadcast.FeatureDrawing, a.CoupleID), strokes[0].Topic)
	assert.Len(t, e.bus.Events(broadcast.EventClear), 1)
}

func TestPokePushesOnlyWhenPartnerOffline(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a, b := e.pair(t, "user-a", "user-b")
	require.NoError(t, e.profiles.UpdatePushToken(ctx, b.UserID, ptr("device-b")))

	presence := services.NewPresence(e.bus)
	pusher := &fakePusher{}
	pokes := services.NewPokeService(e.profiles, presence, e.bus, pusher)

	result, err := pokes.Poke(ctx, a)
	require.NoError(t, err)
	assert.True(t, result.Broadcast)
	assert.True(t, result.Pushed)
	assert.Equal(t, []string{"device-b"}, pusher.tokens)

	presence.Register(ctx, b)
	result, err = pokes.Poke(ctx, a)
	require.NoError(t, err)
	assert.False(t, result.Pushed)
	assert.Len(t, pusher.tokens, 1)
	assert.Len(t, e.bus.Events(broadcast.EventPoke), 2)
}

func TestPokeDropsInvalidToken(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a, b := e.pair(t, "user-a", "user-b")
	require.NoError(t, e.profiles.UpdatePushToken(ctx, b.UserID, ptr("stale")))

	pusher := &fakePusher{err: errors.Join(notify.ErrTokenInvalid)}
	pokes := services.NewPokeService(e.profiles, services.NewPresence(e.bus), e.bus, pusher)

	result, err := pokes.Poke(ctx, a)
	require.NoError(t, err)
	assert.False(t, result.Pushed)

	partner, err := e.profiles.GetByID(ctx, b.UserID)
	require.NoError(t, err)
	assert.Nil(t, partner.PushToken)
}

func TestPokeStoreFailureBroadcastsNothing(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a, _ := e.pair(t, "user-a", "user-b")
	pokes := services.NewPokeService(e.profiles, services.NewPresence(e.bus), e.bus, &fakePusher{})

	sqlDB, err := e.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = pokes.Poke(ctx, a)
	require.ErrorIs(t, err, apperr.ErrStoreUnavailable)
	assert.Empty(t, e.bus.Events(broadcast.EventPoke), "a retried poke must not be delivered twice")
}

func TestPresenceCountsSessions(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a, _ := e.pair(t, "user-a", "user-b")
	presence := services.NewPresence(e.bus)

	presence.Register(ctx, a)
	presence.Register(ctx, a)
	presence.Unregister(ctx, a)
	assert.True(t, presence.IsOnline(a.UserID))

	presence.Unregister(ctx, a)
	assert.False(t, presence.IsOnline(a.UserID))

	events := e.bus.Events(broadcast.EventPresence)
	require.Len(t, events, 2)
	assert.True(t, events[0].Payload.(services.PresenceEvent).Online)
	assert.False(t, events[1].Payload.(services.PresenceEvent).Online)
}

func ptr(s string) *string { return &s }
