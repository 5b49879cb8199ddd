// Package reconcile merges the initial fetch, change-feed rows, partner
// broadcasts and the client's own optimistic writes into one view per
// client session.
//
// Committed rows (fetch, feed, write results) outrank broadcasts carrying
// the same timestamp; otherwise the newer timestamp wins. Applying the same
// inputs in any order yields the same confirmed state.
package reconcile

import "time"

// Source ranks where a value came from. Higher wins at equal timestamps.
type Source int

const (
	SourceNone Source = iota
	// SourceBroadcast is a partner's optimistic broadcast.
	SourceBroadcast
	// SourceStore is a committed row from a fetch, the feed or a write result.
	SourceStore
)

// Register holds one last-write-wins value plus an optional local
// optimistic value that overlays it until confirmed or failed.
type Register[T any] struct {
	value  T
	at     time.Time
	source Source
	set    bool

	pending   *T
	pendingAt time.Time
	err       error
}

// Apply merges a value stamped with at. It reports whether the value was
// taken.
func (r *Register[T]) Apply(v T, at time.Time, src Source) bool {
	if r.set && !supersedes(at, src, r.at, r.source) {
		return false
	}
	r.value, r.at, r.source, r.set = v, at, src, true

	if src == SourceStore && r.pending != nil && !at.Before(r.pendingAt) {
		r.pending = nil
		r.err = nil
	}
	return true
}

func supersedes(at time.Time, src Source, curAt time.Time, curSrc Source) bool {
	if at.Equal(curAt) {
		return src > curSrc
	}
	return at.After(curAt)
}

// Propose shows v locally until the write is confirmed or fails.
func (r *Register[T]) Propose(v T, now time.Time) {
	r.pending = &v
	r.pendingAt = now
	r.err = nil
}

// Confirm applies the write result and drops the optimistic value.
func (r *Register[T]) Confirm(v T, at time.Time) {
	r.Apply(v, at, SourceStore)
	r.pending = nil
	r.err = nil
}

// Fail reverts to the last confirmed value and keeps the error.
func (r *Register[T]) Fail(err error) {
	r.pending = nil
	r.err = err
}

// Value returns the displayed value: the optimistic one if any, else the
// confirmed one.
func (r *Register[T]) Value() (T, bool) {
	if r.pending != nil {
		return *r.pending, true
	}
	return r.value, r.set
}

// Confirmed returns the merged value ignoring optimistic state.
func (r *Register[T]) Confirmed() (T, time.Time, bool) {
	return r.value, r.at, r.set
}

// Pending reports whether an optimistic value is shown.
func (r *Register[T]) Pending() bool { return r.pending != nil }

// Err returns the error of the last failed write, if not yet superseded.
func (r *Register[T]) Err() error { return r.err }
