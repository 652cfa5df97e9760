// Package pulse records every payload broadcast to a session in a bounded
// Pulse stream, the session audit log. The log is write-only: live
// subscribers are hydrated from the recent window, not from this stream.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"goa.design/chorus/features/stream/pulse/clients/pulse"
	"goa.design/chorus/runtime/agent/session"
)

const (
	// DefaultMaxLen is the number of entries kept in each session audit stream.
	DefaultMaxLen = 1000
	// DefaultMaxStreams is the number of stream handles kept open.
	DefaultMaxStreams = 1024
)

type (
	// Options configures the audit log.
	Options struct {
		// Client is the Pulse client used to append entries. Required.
		Client pulse.Client
		// StreamName derives the stream of a session. Defaults to
		// "session:<id>:eventlog".
		StreamName func(sessionID string) string
		// MaxStreams bounds the cached stream handles, least recently used
		// first out. Defaults to DefaultMaxStreams.
		MaxStreams int
	}

	// EventLog appends broadcast payloads to per-session Pulse streams.
	// It is safe for concurrent use.
	EventLog struct {
		client     pulse.Client
		streamName func(string) string

		mu      sync.Mutex
		streams *lru.Cache[string, pulse.Stream]
	}

	// entry is the JSON document stored for each payload.
	entry struct {
		Type      string          `json:"type"`
		SessionID string          `json:"session_id"`
		Timestamp time.Time       `json:"timestamp"`
		Data      json.RawMessage `json:"data"`
	}
)

// NewEventLog returns an EventLog.
func NewEventLog(opts Options) (*EventLog, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.StreamName
	if name == nil {
		name = defaultStreamName
	}
	size := opts.MaxStreams
	if size <= 0 {
		size = DefaultMaxStreams
	}
	streams, err := lru.New[string, pulse.Stream](size)
	if err != nil {
		return nil, err
	}
	return &EventLog{
		client:     opts.Client,
		streamName: name,
		streams:    streams,
	}, nil
}

// Record appends the encoded payload to the session audit stream.
func (l *EventLog) Record(ctx context.Context, sessionID string, p session.Payload) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	h, err := l.stream(sessionID)
	if err != nil {
		return err
	}
	doc, err := json.Marshal(entry{
		Type:      string(p.Type),
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      p.Encode(),
	})
	if err != nil {
		return err
	}
	_, err = h.Add(ctx, string(p.Type), doc)
	return err
}

// Forget drops the cached stream handle of the session and destroys its
// audit stream.
func (l *EventLog) Forget(ctx context.Context, sessionID string) error {
	h, err := l.stream(sessionID)
	if err != nil {
		return err
	}
	l.streams.Remove(sessionID)
	return h.Destroy(ctx)
}

// Close releases the Pulse client.
func (l *EventLog) Close(ctx context.Context) error {
	return l.client.Close(ctx)
}

func (l *EventLog) stream(sessionID string) (pulse.Stream, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.streams.Get(sessionID); ok {
		return h, nil
	}
	h, err := l.client.Stream(l.streamName(sessionID))
	if err != nil {
		return nil, err
	}
	l.streams.Add(sessionID, h)
	return h, nil
}

func defaultStreamName(sessionID string) string {
	return "session:" + sessionID + ":eventlog"
}
