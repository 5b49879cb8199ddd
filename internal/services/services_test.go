package services_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"portal-backend/internal/apperr"
	"portal-backend/internal/feed"
	"portal-backend/internal/repository"
	"portal-backend/internal/services"
	"portal-backend/internal/testutil"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type env struct {
	db       *gorm.DB
	bus      *testutil.RecordingBus
	profiles *repository.ProfileRepository
	moods    *repository.MoodRepository
	scores   *repository.ScoreRepository
	stars    *repository.StarRepository
	drawings *repository.DrawingRepository
	couples  *repository.CoupleRepository
	resolver *services.MemberResolver
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := testutil.NewDB(t)
	profiles := repository.NewProfileRepository(db, feed.Discard)
	return &env{
		db:       db,
		bus:      testutil.NewRecordingBus(),
		profiles: profiles,
		moods:    repository.NewMoodRepository(db, feed.Discard),
		scores:   repository.NewScoreRepository(db, feed.Discard),
		stars:    repository.NewStarRepository(db, feed.Discard),
		drawings: repository.NewDrawingRepository(db, feed.Discard),
		couples:  repository.NewCoupleRepository(db, feed.Discard),
		resolver: services.NewMemberResolver(profiles),
	}
}

// pair seeds two linked profiles and returns both memberships.
func (e *env) pair(t *testing.T, a, b string) (*services.Member, *services.Member) {
	t.Helper()
	ctx := context.Background()
	testutil.SeedProfile(t, e.db, a, codeFor(a))
	testutil.SeedProfile(t, e.db, b, codeFor(b))
	_, err := e.couples.Link(ctx, a, b)
	require.NoError(t, err)

	ma, err := e.resolver.Resolve(ctx, a)
	require.NoError(t, err)
	mb, err := e.resolver.Resolve(ctx, b)
	require.NoError(t, err)
	return ma, mb
}

func codeFor(id string) string {
	return fmt.Sprintf("%-6.6s", id+"XXXXXX")
}

type fakeBlobs struct {
	mu       sync.Mutex
	uploads  []string
	deleted  []string
	failNext error
}

func (f *fakeBlobs) UploadBase64(_ context.Context, prefix, encoded string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return "", err
	}
	if encoded == "" {
		return "", apperr.New(apperr.KindInvalidArgument, "image is empty")
	}
	url := fmt.Sprintf("https://cdn.test/%s/%d.png", prefix, len(f.uploads))
	f.uploads = append(f.uploads, url)
	return url, nil
}

func (f *fakeBlobs) Delete(_ context.Context, urls ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, urls...)
	return nil
}

type fakePusher struct {
	mu     sync.Mutex
	tokens []string
	err    error
}

func (f *fakePusher) Poke(_ context.Context, deviceToken, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, deviceToken)
	return f.err
}
