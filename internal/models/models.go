package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// DateLayout is the wire and storage format of calendar dates (meet date).
const DateLayout = "2006-01-02"

// Profile represents an account in the system
type Profile struct {
	ID              string    `gorm:"primaryKey;size:36" json:"id"`
	FullName        string    `gorm:"size:128;not null;default:''" json:"full_name"`
	Username        *string   `gorm:"uniqueIndex;size:64" json:"username,omitempty"`
	AvatarURL       *string   `gorm:"size:512" json:"avatar_url,omitempty"`
	PairingCode     string    `gorm:"uniqueIndex;size:6;not null" json:"pairing_code"`
	CoupleID        *string   `gorm:"index;size:36" json:"couple_id,omitempty"`
	MeetDate        *string   `gorm:"size:10" json:"meet_date,omitempty"`
	PartnerTZOffset float64   `gorm:"not null;default:0" json:"partner_tz_offset"`
	PushToken       *string   `gorm:"size:256" json:"-"`
	CreatedAt       time.Time `gorm:"autoUpdateTime:false" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime:false" json:"updated_at"`
}

// Paired reports whether the profile already belongs to a couple.
func (p *Profile) Paired() bool {
	return p.CoupleID != nil && *p.CoupleID != ""
}

// Couple is the implicit two-member group formed by pairing
type Couple struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `gorm:"autoUpdateTime:false" json:"created_at"`
}

// Mood is the single active mood of an account
type Mood struct {
	UserID    string    `gorm:"primaryKey;size:36" json:"user_id"`
	CoupleID  *string   `gorm:"index;size:36" json:"couple_id,omitempty"`
	Mood      MoodType  `gorm:"size:16;not null" json:"mood"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime:false" json:"updated_at"`
}

// GameScore holds the tap war totals of a couple
type GameScore struct {
	CoupleID   string    `gorm:"primaryKey;size:36" json:"couple_id"`
	SideAScore int       `gorm:"not null;default:0" json:"side_a_score"`
	SideBScore int       `gorm:"not null;default:0" json:"side_b_score"`
	UpdatedAt  time.Time `gorm:"not null;autoUpdateTime:false" json:"updated_at"`
}

// Score returns the counter for the given side.
func (s *GameScore) Score(side Side) int {
	if side == SideA {
		return s.SideAScore
	}
	return s.SideBScore
}

// GameRound records the outcome of one tap war round.
// Composite PK (couple_id, round_id) makes recording a round idempotent.
type GameRound struct {
	CoupleID   string    `gorm:"primaryKey;size:36" json:"couple_id"`
	RoundID    string    `gorm:"primaryKey;size:64" json:"round_id"`
	Winner     Side      `gorm:"size:8;not null" json:"winner"`
	RecordedBy string    `gorm:"size:36;not null" json:"recorded_by"`
	CreatedAt  time.Time `gorm:"autoUpdateTime:false" json:"created_at"`
}

// RoundTally is one side's final tap count for a round. A side reports
// once; the round is decided from the two tallies.
type RoundTally struct {
	CoupleID   string    `gorm:"primaryKey;size:36" json:"couple_id"`
	RoundID    string    `gorm:"primaryKey;size:64" json:"round_id"`
	Side       Side      `gorm:"primaryKey;size:8" json:"side"`
	Taps       int       `gorm:"not null" json:"taps"`
	ReportedBy string    `gorm:"size:36;not null" json:"reported_by"`
	CreatedAt  time.Time `gorm:"autoUpdateTime:false" json:"created_at"`
}

// TableName overrides the table name
func (RoundTally) TableName() string {
	return "game_round_taps"
}

// Star is a memory planted on the shared sky
type Star struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CoupleID  string    `gorm:"index;size:36;not null" json:"couple_id"`
	UserID    string    `gorm:"size:36;not null" json:"user_id"`
	X         float64   `gorm:"not null" json:"x"`
	Y         float64   `gorm:"not null" json:"y"`
	Message   *string   `json:"message,omitempty"`
	ImageURL  *string   `gorm:"size:512" json:"image_url,omitempty"`
	CreatedAt time.Time `gorm:"index;autoUpdateTime:false" json:"created_at"`
}

// Drawing is a saved raster snapshot of the shared canvas
type Drawing struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CoupleID  string    `gorm:"index;size:36;not null" json:"couple_id"`
	UserID    string    `gorm:"size:36;not null" json:"user_id"`
	ImageURL  string    `gorm:"size:512;not null" json:"image_url"`
	CreatedAt time.Time `gorm:"index;autoUpdateTime:false" json:"created_at"`
}

// Point is a canvas coordinate
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Stroke is one pointer-down/up cycle on the shared canvas. Never persisted.
type Stroke struct {
	ID     string  `json:"id"`
	Points []Point `json:"points"`
	Color  string  `json:"color"`
	Size   float64 `json:"size"`
}

const (
	maxStrokePoints = 4096
	maxStrokeSize   = 64
)

var colorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// Validate checks that a stroke is small enough to relay and well formed.
func (s *Stroke) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("stroke id is required")
	}
	if len(s.Points) < 2 {
		return fmt.Errorf("stroke needs at least 2 points")
	}
	if len(s.Points) > maxStrokePoints {
		return fmt.Errorf("stroke has more than %d points", maxStrokePoints)
	}
	if !colorPattern.MatchString(s.Color) {
		return fmt.Errorf("invalid stroke color %q", s.Color)
	}
	if s.Size <= 0 || s.Size > maxStrokeSize {
		return fmt.Errorf("stroke size must be in (0, %d]", maxStrokeSize)
	}
	return nil
}

// Row marshals a model into the JSON snapshot carried by change feed events.
func Row(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
