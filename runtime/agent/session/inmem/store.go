// Package inmem provides in-memory implementations of the session ports.
//
// It is intended for tests and local development. Production deployments use
// the Redis adapters in features/session/redis and features/stream/redis.
package inmem

import (
	"context"
	"slices"
	"sync"
	"time"

	"goa.design/chorus/runtime/agent/session"
)

type (
	// Store is an in-memory implementation of session.Store.
	// It is safe for concurrent use.
	Store struct {
		mu          sync.RWMutex
		limit       int
		unavailable bool
		recent      map[string][]session.Message
		summaries   map[string]session.Summary
		facts       map[string][]string
		known       map[string]struct{}
	}
)

// DefaultRecentLimit is the recent window size used when New is given a
// non-positive limit.
const DefaultRecentLimit = 50

// New returns an empty Store keeping at most limit recent messages per session.
func New(limit int) *Store {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	return &Store{
		limit:     limit,
		recent:    make(map[string][]session.Message),
		summaries: make(map[string]session.Summary),
		facts:     make(map[string][]string),
		known:     make(map[string]struct{}),
	}
}

// SetAvailable toggles simulated substrate availability. While unavailable
// the store behaves like a store whose backend is down.
func (s *Store) SetAvailable(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = !ok
}

// AppendRecent implements session.Store.
func (s *Store) AppendRecent(_ context.Context, sessionID string, msg session.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return
	}
	win := append(s.recent[sessionID], msg)
	if len(win) > s.limit {
		win = slices.Clone(win[len(win)-s.limit:])
	}
	s.recent[sessionID] = win
}

// RecentMessages implements session.Store.
func (s *Store) RecentMessages(_ context.Context, sessionID string) []session.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.unavailable {
		return nil
	}
	return slices.Clone(s.recent[sessionID])
}

// UpdateSummary implements session.Store.
func (s *Store) UpdateSummary(_ context.Context, sessionID, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return
	}
	s.summaries[sessionID] = session.Summary{Text: text, UpdatedAt: time.Now().UTC()}
}

// Summary implements session.Store.
func (s *Store) Summary(_ context.Context, sessionID string) session.Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.unavailable {
		return session.Summary{}
	}
	return s.summaries[sessionID]
}

// AddFact implements session.Store. At most limit+1 facts are kept.
func (s *Store) AddFact(_ context.Context, sessionID, fact string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return
	}
	facts := append([]string{fact}, s.facts[sessionID]...)
	if len(facts) > s.limit+1 {
		facts = facts[:s.limit+1]
	}
	s.facts[sessionID] = facts
}

// Facts implements session.Store.
func (s *Store) Facts(_ context.Context, sessionID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.unavailable {
		return nil
	}
	return slices.Clone(s.facts[sessionID])
}

// RegisterSession implements session.Store.
func (s *Store) RegisterSession(_ context.Context, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return
	}
	s.known[sessionID] = struct{}{}
}

// KnownSessions implements session.Store. Ids are returned sorted.
func (s *Store) KnownSessions(_ context.Context) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.unavailable {
		return nil
	}
	out := make([]string, 0, len(s.known))
	for id := range s.known {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// ForgetSession removes the session from the registry.
func (s *Store) ForgetSession(_ context.Context, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.known, sessionID)
}

// Available implements session.Store.
func (s *Store) Available(context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.unavailable
}
