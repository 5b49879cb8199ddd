package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"portal-backend/internal/apperr"
	"portal-backend/internal/broadcast"
	"portal-backend/internal/feed"
	"portal-backend/internal/models"
	"portal-backend/internal/services"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

const (
	inboxSize           = 256
	defaultWriteTimeout = 10 * time.Second
	// grace after the round end before the final count is reported, so
	// the partner's last taps can still be shown
	roundGrace = 750 * time.Millisecond
	// how long after the grace a round may wait for the partner's report
	defaultSettleWait = 5 * time.Second
)

// ErrSessionClosed is returned by Do after Run has returned.
var ErrSessionClosed = apperr.New(apperr.KindChannelDisconnected, "session closed")

// Members resolves couple membership.
type Members interface {
	Resolve(ctx context.Context, userID string) (*services.Member, error)
}

// Profiles reads a single profile.
type Profiles interface {
	GetByID(ctx context.Context, id string) (*models.Profile, error)
}

// Snapshots reads the full state of a couple.
type Snapshots interface {
	Snapshot(ctx context.Context, coupleID string) (*services.Snapshot, error)
}

// MoodWriter stores moods.
type MoodWriter interface {
	SetMood(ctx context.Context, userID string, mood models.MoodType) (*models.Mood, error)
}

// StarWriter plants and removes stars.
type StarWriter interface {
	Plant(ctx context.Context, member *services.Member, req services.PlantStarRequest) (*models.Star, error)
	Delete(ctx context.Context, member *services.Member, starID string) error
}

// SettingsWriter stores profile settings.
type SettingsWriter interface {
	UpdateSettings(ctx context.Context, userID string, req services.SettingsRequest) (*models.Profile, error)
}

// GameWriter drives tap war rounds.
type GameWriter interface {
	StartRound(ctx context.Context, member *services.Member) (*services.GameStartEvent, error)
	Tap(ctx context.Context, member *services.Member, roundID string, count int) error
	Reset(ctx context.Context, member *services.Member) error
	RecordRound(ctx context.Context, member *services.Member, result services.RoundResult) (*services.RoundOutcome, error)
	SettleRound(ctx context.Context, member *services.Member, result services.RoundResult) (*services.RoundOutcome, error)
}

// DrawingRelay relays canvas events.
type DrawingRelay interface {
	Stroke(ctx context.Context, member *services.Member, stroke models.Stroke) error
	Clear(ctx context.Context, member *services.Member) error
}

// Poker sends pokes.
type Poker interface {
	Poke(ctx context.Context, member *services.Member) (*services.PokeResult, error)
}

// PresenceTracker counts live sessions.
type PresenceTracker interface {
	Register(ctx context.Context, member *services.Member)
	Unregister(ctx context.Context, member *services.Member)
	IsOnline(userID string) bool
}

// Deps are the collaborators of a session.
type Deps struct {
	Members   Members
	Profiles  Profiles
	Snapshots Snapshots
	Moods     MoodWriter
	Stars     StarWriter
	Settings  SettingsWriter
	Games     GameWriter
	Drawings  DrawingRelay
	Pokes     Poker
	Presence  PresenceTracker
	Feed      feed.Source
	Bus       broadcast.Bus

	// WriteTimeout bounds each write including retries.
	WriteTimeout time.Duration
	// SettleWait is how long a reported round waits for the partner's
	// report before it is settled with the partner count seen locally.
	SettleWait time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
	// NewBackOff returns the policy for resubscribing and retrying writes.
	NewBackOff func() backoff.BackOff
}

// DefaultBackOff is the resubscribe and write retry policy.
func DefaultBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	return bo
}

// Session reconciles the state of one client connection. Run owns every
// field below inbox; other goroutines reach them through the inbox only.
type Session struct {
	userID string
	deps   Deps
	sink   Sink

	member atomic.Pointer[services.Member]
	inbox  chan func()
	done   chan struct{}

	paired        bool
	synced        bool
	partnerOnline bool
	dirty         bool
	resync        bool
	registered    *services.Member

	profiles *ProfileView
	moods    *MoodView
	score    ScoreView
	stars    *StarSet
	game     TapWar
	timer    *time.Timer
}

// NewSession creates a session for userID that pushes frames to sink.
func NewSession(userID string, deps Deps, sink Sink) *Session {
	if deps.WriteTimeout <= 0 {
		deps.WriteTimeout = defaultWriteTimeout
	}
	if deps.SettleWait <= 0 {
		deps.SettleWait = defaultSettleWait
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewBackOff == nil {
		deps.NewBackOff = DefaultBackOff
	}
	timer := time.NewTimer(time.Hour)
	timer.Stop()

	return &Session{
		userID:   userID,
		deps:     deps,
		sink:     sink,
		inbox:    make(chan func(), inboxSize),
		done:     make(chan struct{}),
		profiles: NewProfileView(),
		moods:    NewMoodView(),
		stars:    NewStarSet(),
		timer:    timer,
	}
}

// Run processes events until ctx is done. Each cycle resolves the couple,
// subscribes, fetches a full snapshot and then applies feed changes,
// broadcasts and write results in arrival order. A lost feed subscription
// starts a new cycle after a backoff.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	defer s.leave()

	bo := s.deps.NewBackOff()
	for {
		fetched, err := s.cycle(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if fetched {
			bo.Reset()
		}
		if err == nil {
			continue
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		log.Warn().Err(err).Str("user_id", s.userID).Dur("retry_in", wait).Msg("Session lost sync, refetching")
		s.synced = false
		s.dirty = true
		s.flush()

		if err := s.idle(ctx, wait); err != nil {
			return err
		}
	}
}

// idle processes the inbox until wait elapses or a resync is requested.
func (s *Session) idle(ctx context.Context, wait time.Duration) error {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case fn := <-s.inbox:
			fn()
		}
		s.flush()
		if s.resync {
			s.resync = false
			return nil
		}
	}
}

// cycle reports whether it completed a fetch. A nil error asks Run to
// start over right away.
func (s *Session) cycle(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	member, err := s.deps.Members.Resolve(ctx, s.userID)
	if errors.Is(err, services.ErrNotPaired) {
		return s.waitForPairing(ctx)
	}
	if err != nil {
		return false, err
	}
	s.member.Store(member)

	sub := s.deps.Feed.Subscribe(coupleFilters(member.CoupleID)...)
	defer sub.Close()

	unsubscribe, err := s.subscribeTopics(ctx, member)
	defer unsubscribe()
	if err != nil {
		return false, err
	}

	if s.registered == nil {
		s.deps.Presence.Register(ctx, member)
		s.registered = member
	}

	if err := s.refetch(ctx, member); err != nil {
		return false, err
	}
	s.flush()

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case change, ok := <-sub.Changes():
			if !ok {
				return true, disconnected(sub)
			}
			s.applyChange(member, change)
		case fn := <-s.inbox:
			fn()
		case <-s.timer.C:
			s.finishRound(member, false)
		}

		if s.resync {
			s.resync = false
			return true, nil
		}
		s.armTimer()
		s.flush()
	}
}

func coupleFilters(coupleID string) []feed.Filter {
	tables := []feed.Table{
		feed.TableProfiles,
		feed.TableMoods,
		feed.TableGameScores,
		feed.TableStars,
		feed.TableDrawings,
	}
	filters := make([]feed.Filter, len(tables))
	for i, table := range tables {
		filters[i] = feed.Filter{Table: table, CoupleID: coupleID}
	}
	return filters
}

func disconnected(sub *feed.Subscription) error {
	if err := sub.Err(); err != nil {
		return err
	}
	return apperr.ErrChannelDisconnected
}

// waitForPairing shows the account's own profile and watches its row until
// a couple id appears.
func (s *Session) waitForPairing(ctx context.Context) (bool, error) {
	s.member.Store(nil)

	sub := s.deps.Feed.Subscribe(feed.Filter{Table: feed.TableProfiles, Key: s.userID})
	defer sub.Close()

	profile, err := s.deps.Profiles.GetByID(ctx, s.userID)
	if err != nil {
		return false, err
	}
	if profile.Paired() {
		return true, nil
	}
	s.profiles.Reset([]models.Profile{*profile})
	s.paired, s.synced, s.dirty = false, true, true
	s.flush()

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case change, ok := <-sub.Changes():
			if !ok {
				return true, disconnected(sub)
			}
			var p models.Profile
			if len(change.Row) == 0 || change.Decode(&p) != nil || p.Paired() {
				return true, nil
			}
			s.profiles.Apply(p, SourceStore)
			s.dirty = true
		case fn := <-s.inbox:
			fn()
		}

		if s.resync {
			s.resync = false
			return true, nil
		}
		s.flush()
	}
}

func (s *Session) refetch(ctx context.Context, member *services.Member) error {
	snap, err := s.deps.Snapshots.Snapshot(ctx, member.CoupleID)
	if err != nil {
		return err
	}
	s.profiles.Reset(snap.Profiles)
	s.moods.Reset(snap.Moods)
	s.score.Reset(snap.Score)
	s.stars.Reset(snap.Stars)
	s.partnerOnline = s.deps.Presence.IsOnline(member.PartnerID)
	s.paired, s.synced, s.dirty = true, true, true

	log.Debug().
		Str("user_id", s.userID).
		Str("couple_id", member.CoupleID).
		Int("stars", len(snap.Stars)).
		Msg("Session synced")
	return nil
}

func (s *Session) applyChange(member *services.Member, c feed.Change) {
	if len(c.Row) == 0 && c.Op != feed.OpDelete {
		// row too large for the notification; fetch it instead
		s.resync = true
		return
	}

	var err error
	switch c.Table {
	case feed.TableProfiles:
		var p models.Profile
		if err = c.Decode(&p); err == nil {
			if p.CoupleID == nil || *p.CoupleID != member.CoupleID {
				s.resync = true
				return
			}
			s.dirty = s.profiles.Apply(p, SourceStore) || s.dirty
		}
	case feed.TableMoods:
		var m models.Mood
		if err = c.Decode(&m); err == nil {
			s.dirty = s.moods.Apply(m, SourceStore) || s.dirty
		}
	case feed.TableGameScores:
		var score models.GameScore
		if err = c.Decode(&score); err == nil {
			s.dirty = s.score.Apply(score, SourceStore) || s.dirty
		}
	case feed.TableStars:
		if c.Op == feed.OpDelete {
			s.stars.Delete(c.Key, c.CommitTime)
			s.dirty = true
			return
		}
		var star models.Star
		if err = c.Decode(&star); err == nil {
			s.dirty = s.stars.Insert(star) || s.dirty
		}
	case feed.TableDrawings:
		if c.Op == feed.OpDelete {
			s.send(Frame{Type: FrameDrawingRemoved, Data: map[string]string{"id": c.Key}})
			return
		}
		var drawing models.Drawing
		if err = c.Decode(&drawing); err == nil {
			s.send(Frame{Type: FrameDrawing, Data: drawing})
		}
	}
	if err != nil {
		log.Error().Err(err).Str("table", string(c.Table)).Str("key", c.Key).Msg("Failed to decode change")
		s.resync = true
	}
}

// subscribeTopics subscribes every couple topic through one bus
// subscription. The handler runs on a bus goroutine and hands messages to
// the inbox.
func (s *Session) subscribeTopics(ctx context.Context, member *services.Member) (broadcast.Unsubscribe, error) {
	handlers := map[broadcast.Topic]func(broadcast.Message){
		broadcast.TopicFor(broadcast.FeatureMood, member.CoupleID):     s.onMood,
		broadcast.TopicFor(broadcast.FeatureTapWar, member.CoupleID):   func(msg broadcast.Message) { s.onTapWar(member, msg) },
		broadcast.TopicFor(broadcast.FeaturePoke, member.CoupleID):     s.onPoke,
		broadcast.TopicFor(broadcast.FeatureDrawing, member.CoupleID):  s.onDrawing,
		broadcast.TopicFor(broadcast.FeaturePresence, member.CoupleID): func(msg broadcast.Message) { s.onPresence(member, msg) },
		broadcast.TopicFor(broadcast.FeatureProfile, member.CoupleID):  func(broadcast.Message) { s.resync = true },
	}
	topics := make([]broadcast.Topic, 0, len(handlers))
	for topic := range handlers {
		topics = append(topics, topic)
	}

	unsubscribe, err := s.deps.Bus.SubscribeTopics(ctx, topics, func(msg broadcast.Message) {
		if handle, ok := handlers[msg.Topic]; ok {
			s.offer(func() { handle(msg) })
		}
	})
	if err != nil {
		return func() {}, apperr.Wrap(apperr.KindChannelDisconnected, "failed to subscribe couple topics", err)
	}
	return unsubscribe, nil
}

func (s *Session) onMood(msg broadcast.Message) {
	var e services.MoodEvent
	if err := msg.Decode(&e); err != nil {
		log.Warn().Err(err).Str("topic", string(msg.Topic)).Msg("Dropping malformed broadcast")
		return
	}
	mood := models.Mood{UserID: e.UserID, Mood: e.Mood, UpdatedAt: e.UpdatedAt}
	s.dirty = s.moods.Apply(mood, SourceBroadcast) || s.dirty
}

func (s *Session) onTapWar(member *services.Member, msg broadcast.Message) {
	var err error
	switch msg.Event {
	case broadcast.EventGameStart:
		var e services.GameStartEvent
		if err = msg.Decode(&e); err == nil {
			s.dirty = s.game.Start(e, s.now()) || s.dirty
		}
	case broadcast.EventTap:
		var e services.TapEvent
		if err = msg.Decode(&e); err == nil {
			s.dirty = s.game.Merge(e.RoundID, e.Side, e.Count) || s.dirty
		}
	case broadcast.EventGameReset:
		if round := s.game.Current(); round != nil && !round.Reported && round.Phase(s.now()) == PhaseFinished {
			s.finishRound(member, false)
		}
		s.game.Reset()
		s.dirty = true
	}
	if err != nil {
		log.Warn().Err(err).Str("event", msg.Event).Msg("Dropping malformed broadcast")
	}
}

func (s *Session) onPoke(msg broadcast.Message) {
	var e services.PokeEvent
	if err := msg.Decode(&e); err != nil || e.From == s.userID {
		return
	}
	s.send(Frame{Type: FramePoke, Data: e})
}

func (s *Session) onDrawing(msg broadcast.Message) {
	switch msg.Event {
	case broadcast.EventStroke:
		var e services.StrokeEvent
		if err := msg.Decode(&e); err != nil || e.UserID == s.userID {
			return
		}
		s.send(Frame{Type: FrameStroke, Data: e})
	case broadcast.EventClear:
		var e services.ClearEvent
		if err := msg.Decode(&e); err != nil || e.UserID == s.userID {
			return
		}
		s.send(Frame{Type: FrameClear, Data: e})
	}
}

func (s *Session) onPresence(member *services.Member, msg broadcast.Message) {
	var e services.PresenceEvent
	if err := msg.Decode(&e); err != nil || e.UserID != member.PartnerID {
		return
	}
	if s.partnerOnline != e.Online {
		s.partnerOnline = e.Online
		s.dirty = true
	}
}

// finishRound reports the round once it is over. Reporting runs off the
// session goroutine and posts the outcome back.
func (s *Session) finishRound(member *services.Member, force bool) {
	round := s.game.Current()
	result, ok := s.game.Finish(member.Side, s.now(), force)
	if !ok {
		return
	}
	s.dirty = true
	go func() {
		if err := s.reportRound(context.Background(), member, result, round.EndsAt); err != nil {
			log.Warn().Err(err).Str("round_id", result.RoundID).Msg("Failed to report round")
			s.post(func() { s.sendError(ActionEndRound, err) })
		}
	}()
}

// reportRound re-broadcasts the final count for display and stores it as
// this side's tally. A round the partner has not reported yet is settled
// later.
func (s *Session) reportRound(ctx context.Context, member *services.Member, result services.RoundResult, endsAt time.Time) error {
	if err := s.deps.Games.Tap(ctx, member, result.RoundID, result.MyTaps); err != nil {
		log.Debug().Err(err).Str("round_id", result.RoundID).Msg("Final tap broadcast failed")
	}

	outcome, err := s.storeRound(ctx, member, result, s.deps.Games.RecordRound)
	if err != nil {
		return err
	}
	if !outcome.Decided {
		go s.settleLater(member, result, endsAt)
	}
	return nil
}

// settleLater waits for the partner's report until the settle deadline,
// then decides the round with the partner count seen locally.
func (s *Session) settleLater(member *services.Member, result services.RoundResult, endsAt time.Time) {
	timer := time.NewTimer(max(endsAt.Add(roundGrace+s.deps.SettleWait).Sub(s.now()), 0))
	defer timer.Stop()
	select {
	case <-s.done:
		return
	case <-timer.C:
	}

	// the partner's final count may have arrived since
	err := s.exec(func() {
		if round := s.game.Current(); round != nil && round.ID == result.RoundID {
			result.PartnerTaps = max(result.PartnerTaps, round.Taps[member.Side.Other()])
		}
	})
	if err != nil {
		return
	}

	outcome, err := s.storeRound(context.Background(), member, result, s.deps.Games.SettleRound)
	if err != nil {
		log.Warn().Err(err).Str("round_id", result.RoundID).Msg("Failed to settle round")
		s.post(func() { s.sendError(ActionEndRound, err) })
		return
	}
	if outcome.Recorded {
		log.Info().
			Str("user_id", s.userID).
			Str("round_id", result.RoundID).
			Msg("Settled round without partner report")
	}
}

func (s *Session) storeRound(
	ctx context.Context,
	member *services.Member,
	result services.RoundResult,
	store func(context.Context, *services.Member, services.RoundResult) (*services.RoundOutcome, error),
) (*services.RoundOutcome, error) {
	var outcome *services.RoundOutcome
	err := s.write(ctx, func(ctx context.Context) error {
		var err error
		outcome, err = store(ctx, member, result)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.post(func() {
		if outcome.Score != nil {
			s.dirty = s.score.Apply(*outcome.Score, SourceStore) || s.dirty
		}
	})
	return outcome, nil
}

func (s *Session) armTimer() {
	round := s.game.Current()
	if round == nil || round.Reported {
		s.timer.Stop()
		return
	}
	s.timer.Reset(max(round.EndsAt.Add(roundGrace).Sub(s.now()), 0))
}

// leave stops the round timer and drops the presence registration.
func (s *Session) leave() {
	s.timer.Stop()
	if s.registered != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.deps.WriteTimeout)
		defer cancel()
		s.deps.Presence.Unregister(ctx, s.registered)
	}
}

func (s *Session) flush() {
	if !s.dirty {
		return
	}
	s.dirty = false
	s.send(Frame{Type: FrameState, Data: s.render()})
}

func (s *Session) send(f Frame) {
	if err := s.sink.Send(f); err != nil {
		log.Debug().Err(err).Str("user_id", s.userID).Str("frame", f.Type).Msg("Failed to send frame")
	}
}

func (s *Session) sendError(action string, err error) {
	s.send(Frame{Type: FrameError, Data: ErrorFrame{
		Action:  action,
		Kind:    string(apperr.KindOf(err)),
		Message: err.Error(),
	}})
}

func (s *Session) now() time.Time {
	return s.deps.Now().UTC()
}

// offer queues fn without blocking. Broadcasts are best effort, so a full
// inbox drops them.
func (s *Session) offer(fn func()) {
	select {
	case s.inbox <- fn:
	default:
		log.Warn().Str("user_id", s.userID).Msg("Session inbox full, dropping broadcast")
	}
}

// post queues fn, blocking until there is room or the session ends.
func (s *Session) post(fn func()) bool {
	select {
	case s.inbox <- fn:
		return true
	case <-s.done:
		return false
	}
}

// exec runs fn on the session goroutine and waits for it.
func (s *Session) exec(fn func()) error {
	ran := make(chan struct{})
	if !s.post(func() { fn(); close(ran) }) {
		return ErrSessionClosed
	}
	select {
	case <-ran:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// write runs op with a deadline that the caller's cancellation does not
// cut short, retrying errors that may succeed on a second attempt.
func (s *Session) write(ctx context.Context, op func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.deps.WriteTimeout)
	defer cancel()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op(ctx)
		if err != nil && !apperr.Retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(s.deps.NewBackOff()), backoff.WithMaxTries(writeTries))
	return err
}
