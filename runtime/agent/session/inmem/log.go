package inmem

import (
	"context"
	"maps"
	"strconv"
	"sync"

	"goa.design/chorus/runtime/agent/session"
)

type (
	// Log is an in-memory implementation of session.Log with a single
	// consumer group. Entries are delivered once to the first reader and stay
	// pending until acknowledged.
	Log struct {
		mu      sync.Mutex
		seq     int
		streams map[string]*stream
	}

	stream struct {
		entries   []session.Event
		hasGroup  bool
		delivered int
		pending   map[string]string
	}
)

// NewLog returns an empty Log.
func NewLog() *Log {
	return &Log{streams: make(map[string]*stream)}
}

// EnsureGroup implements session.Log.
func (l *Log) EnsureGroup(_ context.Context, sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stream(sessionID).hasGroup = true
}

// Enqueue implements session.Log.
func (l *Log) Enqueue(_ context.Context, sessionID string, fields map[string]string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	id := strconv.Itoa(l.seq) + "-0"
	s := l.stream(sessionID)
	s.entries = append(s.entries, session.Event{ID: id, SessionID: sessionID, Fields: maps.Clone(fields)})
	return id
}

// Read implements session.Log. It never blocks.
func (l *Log) Read(_ context.Context, consumer string, sessionIDs []string) ([]session.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range sessionIDs {
		if !l.stream(id).hasGroup {
			for _, id := range sessionIDs {
				l.stream(id).hasGroup = true
			}
			return nil, nil
		}
	}
	for _, id := range sessionIDs {
		s := l.streams[id]
		if s.delivered < len(s.entries) {
			ev := s.entries[s.delivered]
			s.delivered++
			s.pending[ev.ID] = consumer
			ev.Fields = maps.Clone(ev.Fields)
			return []session.Event{ev}, nil
		}
	}
	return nil, nil
}

// Ack implements session.Log.
func (l *Log) Ack(_ context.Context, ev session.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.streams[ev.SessionID]; ok {
		delete(s.pending, ev.ID)
	}
	return nil
}

// Entries returns a copy of every entry appended to the session log.
func (l *Log) Entries(sessionID string) []session.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[sessionID]
	if !ok {
		return nil
	}
	out := make([]session.Event, len(s.entries))
	for i, ev := range s.entries {
		ev.Fields = maps.Clone(ev.Fields)
		out[i] = ev
	}
	return out
}

// Pending returns the number of delivered but unacknowledged entries.
func (l *Log) Pending(sessionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.streams[sessionID]; ok {
		return len(s.pending)
	}
	return 0
}

func (l *Log) stream(sessionID string) *stream {
	s, ok := l.streams[sessionID]
	if !ok {
		s = &stream{pending: make(map[string]string)}
		l.streams[sessionID] = s
	}
	return s
}
