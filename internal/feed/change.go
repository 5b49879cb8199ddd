// Package feed delivers committed row changes to subscribers filtered by
// table, operation and couple. It is the authoritative notification path:
// there is no replay, and a subscriber that cannot keep up is disconnected
// so that it re-fetches instead of silently missing a change.
package feed

import (
	"context"
	"encoding/json"
	"slices"
	"time"
)

// Op is the kind of row mutation.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Table names a feed-enabled table.
type Table string

const (
	TableProfiles   Table = "profiles"
	TableMoods      Table = "moods"
	TableGameScores Table = "game_scores"
	TableStars      Table = "stars"
	TableDrawings   Table = "drawings"
)

// Change is one committed row mutation.
type Change struct {
	Table      Table           `json:"table"`
	Op         Op              `json:"op"`
	Key        string          `json:"key"`
	CoupleID   string          `json:"couple_id,omitempty"`
	Row        json.RawMessage `json:"row,omitempty"`
	CommitTime time.Time       `json:"commit_time"`
}

// Decode unmarshals the row snapshot into v.
func (c Change) Decode(v any) error {
	return json.Unmarshal(c.Row, v)
}

// Filter selects changes. Zero fields match everything.
type Filter struct {
	Table    Table
	Ops      []Op
	CoupleID string
	Key      string
}

// Match reports whether the change passes the filter.
func (f Filter) Match(c Change) bool {
	if f.Table != "" && f.Table != c.Table {
		return false
	}
	if len(f.Ops) > 0 && !slices.Contains(f.Ops, c.Op) {
		return false
	}
	if f.CoupleID != "" && f.CoupleID != c.CoupleID {
		return false
	}
	if f.Key != "" && f.Key != c.Key {
		return false
	}
	return true
}

// Publisher emits changes after they are committed.
type Publisher interface {
	Publish(ctx context.Context, changes ...Change) error
}

// Source hands out subscriptions.
type Source interface {
	Subscribe(filters ...Filter) *Subscription
}

// Discard is a Publisher that drops every change.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, ...Change) error { return nil }
