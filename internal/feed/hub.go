package feed

import (
	"context"
	"sync"
	"time"

	"portal-backend/internal/apperr"

	"github.com/rs/zerolog/log"
)

const (
	defaultBuffer = 256
	// rows whose last change is older than this are forgotten by the
	// per-row ordering check
	orderWindow    = time.Minute
	orderPruneSize = 10000
)

// Subscription is a live feed subscription.
type Subscription struct {
	id      uint64
	filters []Filter
	ch      chan Change
	hub     *Hub

	once sync.Once
	mu   sync.Mutex
	err  error
}

// Changes returns the delivery channel. It is closed when the
// subscription ends; check Err to learn why.
func (s *Subscription) Changes() <-chan Change {
	return s.ch
}

// Err returns nil if the subscription was closed by its owner and an
// apperr.KindChannelDisconnected error if the hub dropped it.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription.
func (s *Subscription) Close() {
	s.hub.remove(s.id, nil)
}

func (s *Subscription) matches(c Change) bool {
	if len(s.filters) == 0 {
		return true
	}
	for _, f := range s.filters {
		if f.Match(c) {
			return true
		}
	}
	return false
}

func (s *Subscription) end(reason error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = reason
		s.mu.Unlock()
		close(s.ch)
	})
}

type rowKey struct {
	table Table
	key   string
}

// Hub fans changes out to in-process subscribers.
type Hub struct {
	mu         sync.Mutex
	subs       map[uint64]*Subscription
	next       uint64
	buffer     int
	lastCommit map[rowKey]time.Time
}

// NewHub creates a hub whose subscriptions buffer up to buffer changes.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		subs:       make(map[uint64]*Subscription),
		buffer:     buffer,
		lastCommit: make(map[rowKey]time.Time),
	}
}

// Subscribe registers a subscription receiving changes that match any of
// the filters (all changes when none are given).
func (h *Hub) Subscribe(filters ...Filter) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.next++
	sub := &Subscription{
		id:      h.next,
		filters: filters,
		ch:      make(chan Change, h.buffer),
		hub:     h,
	}
	h.subs[sub.id] = sub
	return sub
}

// Publish delivers changes to matching subscribers. A change older than one
// already delivered for the same row is superseded and skipped, which keeps
// delivery ordered per row even when commits race to publish.
func (h *Hub) Publish(_ context.Context, changes ...Change) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, change := range changes {
		key := rowKey{table: change.Table, key: change.Key}
		if last, ok := h.lastCommit[key]; ok && change.CommitTime.Before(last) {
			log.Debug().
				Str("table", string(change.Table)).
				Str("key", change.Key).
				Msg("Skipping superseded change")
			continue
		}
		h.lastCommit[key] = change.CommitTime

		for id, sub := range h.subs {
			if !sub.matches(change) {
				continue
			}
			select {
			case sub.ch <- change:
			default:
				log.Warn().Uint64("subscription", id).Msg("Feed subscriber too slow, disconnecting")
				delete(h.subs, id)
				sub.end(apperr.New(apperr.KindChannelDisconnected, "feed subscriber fell behind"))
			}
		}
	}
	h.pruneLocked()
	return nil
}

// DisconnectAll ends every subscription with a ChannelDisconnected error.
// Used when the upstream source of changes is lost.
func (h *Hub) DisconnectAll(cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subs {
		delete(h.subs, id)
		sub.end(apperr.Wrap(apperr.KindChannelDisconnected, "feed source lost", cause))
	}
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) remove(id uint64, reason error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub, ok := h.subs[id]; ok {
		delete(h.subs, id)
		sub.end(reason)
	}
}

func (h *Hub) pruneLocked() {
	if len(h.lastCommit) < orderPruneSize {
		return
	}
	cutoff := time.Now().Add(-orderWindow)
	for key, ts := range h.lastCommit {
		if ts.Before(cutoff) {
			delete(h.lastCommit, key)
		}
	}
}
