package repository

import (
	"context"
	"time"

	"portal-backend/internal/feed"
	"portal-backend/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ScoreRepository handles database operations for tap war scores
type ScoreRepository struct {
	db    *gorm.DB
	feed  feed.Publisher
	clock Clock
}

// NewScoreRepository creates a new score repository
func NewScoreRepository(db *gorm.DB, publisher feed.Publisher) *ScoreRepository {
	return &ScoreRepository{db: db, feed: publisher, clock: DefaultClock}
}

// Ensure creates the couple's score row if absent and returns it.
func (r *ScoreRepository) Ensure(ctx context.Context, coupleID string) (*models.GameScore, error) {
	var (
		score   models.GameScore
		created bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		created, err = ensureScore(tx, coupleID, r.clock())
		if err != nil {
			return err
		}
		return tx.First(&score, "couple_id = ?", coupleID).Error
	})
	if err != nil {
		return nil, storeErr("failed to set up score", err)
	}

	if created {
		publish(ctx, r.feed, scoreChange(feed.OpInsert, &score))
	}
	return &score, nil
}

// Get returns the couple's score
func (r *ScoreRepository) Get(ctx context.Context, coupleID string) (*models.GameScore, error) {
	var score models.GameScore
	if err := r.db.WithContext(ctx).First(&score, "couple_id = ?", coupleID).Error; err != nil {
		return nil, storeErr("score not found", err)
	}
	return &score, nil
}

// RecordRound stores the outcome of a round and increments the winner's
// counter, at most once per (couple_id, round_id). It reports whether this
// call recorded the round; a repeated round id changes nothing.
func (r *ScoreRepository) RecordRound(ctx context.Context, round models.GameRound) (*models.GameScore, bool, error) {
	var (
		score    models.GameScore
		recorded bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := lockScore(tx, round.CoupleID, r.clock())
		if err != nil {
			return err
		}
		if recorded, err = r.recordRound(tx, round, current); err != nil {
			return err
		}
		return tx.First(&score, "couple_id = ?", round.CoupleID).Error
	})
	if err != nil {
		return nil, false, storeErr("failed to record round", err)
	}

	if recorded && round.Winner != models.Tie {
		publish(ctx, r.feed, scoreChange(feed.OpUpdate, &score))
	}
	return &score, recorded, nil
}

// RoundDecision is the state of a round after a tally was stored.
type RoundDecision struct {
	Score models.GameScore
	// Round is nil until both sides' final counts are known.
	Round *models.GameRound
	// Recorded reports whether this call decided the round.
	Recorded bool
}

// ReportTaps stores one side's final tap count. Each side reports once;
// a repeated report keeps the first count. When both sides have reported,
// the round is decided from the stored counts and recorded.
func (r *ScoreRepository) ReportTaps(ctx context.Context, tally models.RoundTally) (*RoundDecision, error) {
	return r.tally(ctx, tally.CoupleID, tally.RoundID, tally.ReportedBy, []models.RoundTally{tally})
}

// SettleRound decides a round that is still missing a report. Sides with
// a stored count keep it; missing sides take the count from fallback.
func (r *ScoreRepository) SettleRound(ctx context.Context, coupleID, roundID, settledBy string, fallback map[models.Side]int) (*RoundDecision, error) {
	tallies := make([]models.RoundTally, 0, 2)
	for _, side := range []models.Side{models.SideA, models.SideB} {
		tallies = append(tallies, models.RoundTally{
			CoupleID:   coupleID,
			RoundID:    roundID,
			Side:       side,
			Taps:       fallback[side],
			ReportedBy: settledBy,
		})
	}
	return r.tally(ctx, coupleID, roundID, settledBy, tallies)
}

// tally runs under the score row lock, so concurrent reports for the same
// round see each other and exactly one of them decides it.
func (r *ScoreRepository) tally(ctx context.Context, coupleID, roundID, by string, reports []models.RoundTally) (*RoundDecision, error) {
	var decision RoundDecision
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := r.clock()
		current, err := lockScore(tx, coupleID, now)
		if err != nil {
			return err
		}

		for _, report := range reports {
			report.CreatedAt = now
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&report).Error; err != nil {
				return err
			}
		}

		var rounds []models.GameRound
		if err := tx.Where("couple_id = ? AND round_id = ?", coupleID, roundID).Limit(1).Find(&rounds).Error; err != nil {
			return err
		}
		if len(rounds) == 0 {
			var tallies []models.RoundTally
			if err := tx.Where("couple_id = ? AND round_id = ?", coupleID, roundID).Find(&tallies).Error; err != nil {
				return err
			}
			taps := make(map[models.Side]int, len(tallies))
			for _, t := range tallies {
				taps[t.Side] = t.Taps
			}
			_, haveA := taps[models.SideA]
			_, haveB := taps[models.SideB]
			if haveA && haveB {
				round := models.GameRound{
					CoupleID:   coupleID,
					RoundID:    roundID,
					Winner:     models.Winner(taps[models.SideA], taps[models.SideB]),
					RecordedBy: by,
				}
				if decision.Recorded, err = r.recordRound(tx, round, current); err != nil {
					return err
				}
				rounds = append(rounds, round)
			}
		}
		if len(rounds) > 0 {
			decision.Round = &rounds[0]
		}
		return tx.First(&decision.Score, "couple_id = ?", coupleID).Error
	})
	if err != nil {
		return nil, storeErr("failed to report round", err)
	}

	if decision.Recorded && decision.Round.Winner != models.Tie {
		publish(ctx, r.feed, scoreChange(feed.OpUpdate, &decision.Score))
	}
	return &decision, nil
}

// recordRound inserts the round and bumps the winner. current must be the
// locked score row.
func (r *ScoreRepository) recordRound(tx *gorm.DB, round models.GameRound, current *models.GameScore) (bool, error) {
	round.CreatedAt = r.clock()
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&round)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected != 1 || round.Winner == models.Tie {
		return res.RowsAffected == 1, nil
	}

	column := scoreColumn(round.Winner)
	err := tx.Model(&models.GameScore{}).
		Where("couple_id = ?", round.CoupleID).
		Updates(map[string]any{
			column:       gorm.Expr(column + " + 1"),
			"updated_at": nextTimestamp(r.clock, current.UpdatedAt),
		}).Error
	return err == nil, err
}

// GetRound returns a recorded round
func (r *ScoreRepository) GetRound(ctx context.Context, coupleID, roundID string) (*models.GameRound, error) {
	var round models.GameRound
	err := r.db.WithContext(ctx).First(&round, "couple_id = ? AND round_id = ?", coupleID, roundID).Error
	if err != nil {
		return nil, storeErr("round not found", err)
	}
	return &round, nil
}

// lockScore ensures the couple's score row and locks it for the rest of
// the transaction.
func lockScore(tx *gorm.DB, coupleID string, now time.Time) (*models.GameScore, error) {
	if _, err := ensureScore(tx, coupleID, now); err != nil {
		return nil, err
	}
	var score models.GameScore
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&score, "couple_id = ?", coupleID).Error
	if err != nil {
		return nil, err
	}
	return &score, nil
}

// ensureScore inserts a zero score row unless one exists and reports
// whether it did.
func ensureScore(tx *gorm.DB, coupleID string, now time.Time) (bool, error) {
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.GameScore{
		CoupleID:  coupleID,
		UpdatedAt: now,
	})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func scoreColumn(side models.Side) string {
	if side == models.SideA {
		return "side_a_score"
	}
	return "side_b_score"
}

func scoreChange(op feed.Op, score *models.GameScore) feed.Change {
	return feed.Change{
		Table:      feed.TableGameScores,
		Op:         op,
		Key:        score.CoupleID,
		CoupleID:   score.CoupleID,
		Row:        models.Row(score),
		CommitTime: score.UpdatedAt,
	}
}
