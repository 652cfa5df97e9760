// Package session defines the conversational state of a chat session and the
// ports the cascade runtime uses to read and mutate it.
//
// A session is identified by an opaque caller-provided id. Its state lives in
// an ephemeral store (recent window, summary, facts), an append-only log
// consumed by workers, a per-session lock and a live fanout channel. All of it
// expires together after a period of inactivity.
package session

import (
	"context"
	"errors"
	"time"
)

type (
	// Message is one entry of the recent window. Messages are immutable once
	// created.
	Message struct {
		MessageID string      `json:"messageId"`
		SessionID string      `json:"sessionId"`
		Author    string      `json:"author"`
		Role      MessageRole `json:"role"`
		AgentID   string      `json:"agentId,omitempty"`
		AgentName string      `json:"agentName,omitempty"`
		InReplyTo string      `json:"inReplyTo,omitempty"`
		Text      string      `json:"text"`
		Timestamp time.Time   `json:"timestamp"`
	}

	// MessageRole distinguishes user messages from agent replies.
	MessageRole string

	// Summary is the latest condensed view of a session. The last write wins.
	Summary struct {
		Text      string
		UpdatedAt time.Time
	}

	// Event is one entry read from a session log.
	Event struct {
		// ID is the log assigned identifier, strictly increasing per session.
		ID string
		// SessionID is the session whose log holds the entry.
		SessionID string
		// Fields holds the flat string fields of the entry. The "type" field
		// selects the handler.
		Fields map[string]string
	}

	// EventType is the value of the "type" field of a log entry.
	EventType string

	// Store is the keyed ephemeral store holding per-session conversational
	// context. Implementations never fail: when the backing substrate is
	// unavailable writes are dropped and reads return neutral values.
	Store interface {
		// AppendRecent appends msg to the recent window and trims the window
		// to the configured limit, oldest entries first.
		AppendRecent(ctx context.Context, sessionID string, msg Message)
		// RecentMessages returns the recent window, oldest first.
		RecentMessages(ctx context.Context, sessionID string) []Message
		// UpdateSummary replaces the session summary.
		UpdateSummary(ctx context.Context, sessionID, text string)
		// Summary returns the current summary, zero when absent.
		Summary(ctx context.Context, sessionID string) Summary
		// AddFact records a fact, most recent first, bounded.
		AddFact(ctx context.Context, sessionID, fact string)
		// Facts returns the recorded facts, most recent first.
		Facts(ctx context.Context, sessionID string) []string
		// RegisterSession adds the session to the registry of known sessions.
		RegisterSession(ctx context.Context, sessionID string)
		// KnownSessions returns every registered session id.
		KnownSessions(ctx context.Context) []string
		// Available reports whether the backing substrate is reachable.
		Available(ctx context.Context) bool
	}

	// Log is the durable per-session event log consumed by a consumer group.
	Log interface {
		// EnsureGroup creates the consumer group for the session log if it
		// does not exist yet. It is idempotent.
		EnsureGroup(ctx context.Context, sessionID string)
		// Enqueue appends an entry to the session log and returns its id, or
		// "" when the log is unavailable.
		Enqueue(ctx context.Context, sessionID string, fields map[string]string) string
		// Read returns at most one pending entry across the given sessions on
		// behalf of consumer, blocking briefly when there is none. A missing
		// consumer group is created and reported as no entries.
		Read(ctx context.Context, consumer string, sessionIDs []string) ([]Event, error)
		// Ack acknowledges ev for the consumer group.
		Ack(ctx context.Context, ev Event) error
	}

	// Locker provides per-session mutual exclusion across processes.
	Locker interface {
		// Acquire tries to take the session lock within the configured wait
		// bound. On success it returns a release function that must be called
		// exactly once. Acquire fails closed: when the lock substrate is
		// unavailable it reports false.
		Acquire(ctx context.Context, sessionID string) (release func(), ok bool)
	}

	// Publisher delivers payloads to the live subscribers of a session.
	Publisher interface {
		// Broadcast sends p to every current subscriber of the session. It
		// never fails; delivery is best effort.
		Broadcast(ctx context.Context, sessionID string, p Payload)
		// Subscribe opens a live subscription to the session channel.
		Subscribe(ctx context.Context, sessionID string) (Subscription, error)
	}

	// Subscription is a live view of a session channel.
	Subscription interface {
		// Messages returns the channel of raw encoded payloads. The channel is
		// closed when the subscription is closed.
		Messages() <-chan []byte
		// Close releases the subscription. It is safe to call more than once.
		Close() error
	}
)

const (
	// RoleUser marks messages authored by a human.
	RoleUser MessageRole = "user"
	// RoleAgent marks replies produced by an agent.
	RoleAgent MessageRole = "agent"
)

const (
	// EventMessageNew records a user message awaiting a primary turn.
	EventMessageNew EventType = "message:new"
	// EventAgentMsg records a persisted agent reply.
	EventAgentMsg EventType = "agent:msg"
	// EventAgentFail records a failed primary turn.
	EventAgentFail EventType = "agent:fail"
)

// Log entry field names.
const (
	FieldType      = "type"
	FieldMessageID = "message_id"
	FieldAuthor    = "author"
	FieldText      = "text"
	FieldAgentID   = "agentId"
	FieldAgentName = "agentName"
	FieldAgentRole = "agentRole"
	FieldInReplyTo = "inReplyTo"
	FieldReason    = "reason"
)

// ErrStoreUnavailable is returned when the session substrate cannot be reached.
var ErrStoreUnavailable = errors.New("session: store unavailable")

// Type returns the entry type.
func (e Event) Type() EventType { return EventType(e.Fields[FieldType]) }

// WithLock runs fn while holding the session lock. It reports false without
// running fn when the lock cannot be acquired. The lock is released on every
// exit path, including panics.
func WithLock(ctx context.Context, l Locker, sessionID string, fn func(context.Context)) bool {
	release, ok := l.Acquire(ctx, sessionID)
	if !ok {
		return false
	}
	defer release()
	fn(ctx)
	return true
}

// NewUserEntry returns the log fields recording a new user message.
func NewUserEntry(messageID, author, text string) map[string]string {
	return map[string]string{
		FieldType:      string(EventMessageNew),
		FieldMessageID: messageID,
		FieldAuthor:    author,
		FieldText:      text,
	}
}
