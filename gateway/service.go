package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"goa.design/chorus/runtime/agent"
	"goa.design/chorus/runtime/agent/session"
	"goa.design/chorus/runtime/agent/telemetry"
)

type (
	// ServiceOptions configures a Service.
	ServiceOptions struct {
		// Roster describes the deployed agents. Required.
		Roster *agent.Roster
		// Store holds the session context. Required.
		Store session.Store
		// Log receives the ingested user messages. Required.
		Log session.Log
		// Publisher delivers payloads to live subscribers. Required.
		Publisher session.Publisher
		// KeepAlive is the idle period after which a stream receives a ping
		// comment. Defaults to 10 seconds.
		KeepAlive time.Duration
		Logger    telemetry.Logger
		// NewID generates message ids. Defaults to random UUIDs.
		NewID func() string
		// Now returns the current time. Defaults to time.Now.
		Now func() time.Time
	}

	// Service implements the chat operations exposed over HTTP.
	Service struct {
		roster    *agent.Roster
		store     session.Store
		log       session.Log
		pub       session.Publisher
		keepAlive time.Duration
		logger    telemetry.Logger
		newID     func() string
		now       func() time.Time
	}

	// IngestRequest is a user message posted to a session.
	IngestRequest struct {
		SessionID string
		Text      string
		// Author defaults to "user".
		Author string
		// MessageID is generated when empty.
		MessageID string
	}

	// HealthReport describes the gateway dependencies and configured models.
	HealthReport struct {
		Status          string   `json:"status"`
		Redis           string   `json:"redis"`
		PrimaryModel    string   `json:"primaryModel"`
		ObserverModel   string   `json:"observerModel"`
		ObserverModels  []string `json:"observerModels"`
		SummarizerModel string   `json:"summarizerModel"`
	}

	// EventWriter receives the frames of a live session stream.
	EventWriter interface {
		// WriteEvent sends one encoded payload.
		WriteEvent(data []byte) error
		// WritePing sends a keepalive.
		WritePing() error
	}
)

// DefaultKeepAlive is the idle period after which streams are pinged.
const DefaultKeepAlive = 10 * time.Second

// ErrInvalidMessage is returned by Ingest when the session id or the text is
// missing.
var ErrInvalidMessage = errors.New("sessionId and text are required")

// NewService returns a Service.
func NewService(opts ServiceOptions) (*Service, error) {
	switch {
	case opts.Roster == nil:
		return nil, errors.New("gateway: roster is required")
	case opts.Store == nil:
		return nil, errors.New("gateway: store is required")
	case opts.Log == nil:
		return nil, errors.New("gateway: log is required")
	case opts.Publisher == nil:
		return nil, errors.New("gateway: publisher is required")
	}
	s := &Service{
		roster:    opts.Roster,
		store:     opts.Store,
		log:       opts.Log,
		pub:       opts.Publisher,
		keepAlive: opts.KeepAlive,
		logger:    opts.Logger,
		newID:     opts.NewID,
		now:       opts.Now,
	}
	if s.keepAlive <= 0 {
		s.keepAlive = DefaultKeepAlive
	}
	if s.logger == nil {
		s.logger = telemetry.NewNoopLogger()
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Ingest records a user message: the session is registered, the message is
// appended to the recent window and broadcast, and a message:new entry is
// added to the session log for the workers. It returns the message id.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (string, error) {
	text := strings.TrimSpace(req.Text)
	if req.SessionID == "" || text == "" {
		return "", ErrInvalidMessage
	}
	if !s.store.Available(ctx) {
		return "", session.ErrStoreUnavailable
	}
	author := req.Author
	if author == "" {
		author = "user"
	}
	messageID := req.MessageID
	if messageID == "" {
		messageID = s.newID()
	}
	sid := req.SessionID
	s.store.RegisterSession(ctx, sid)
	s.log.EnsureGroup(ctx, sid)
	s.store.AppendRecent(ctx, sid, session.Message{
		MessageID: messageID,
		SessionID: sid,
		Author:    author,
		Role:      session.RoleUser,
		Text:      text,
		Timestamp: s.now(),
	})
	s.pub.Broadcast(ctx, sid, session.UserMsg(sid, messageID, author, text))
	if s.log.Enqueue(ctx, sid, session.NewUserEntry(messageID, author, text)) == "" {
		s.logger.Warn(ctx, "user message not enqueued", "session", sid, "message_id", messageID)
	}
	return messageID, nil
}

// Health reports the store status and the configured models.
func (s *Service) Health(ctx context.Context) HealthReport {
	r := HealthReport{
		Status:         "ok",
		Redis:          "down",
		PrimaryModel:   s.roster.Primary().Model,
		ObserverModels: []string{},
	}
	if s.store.Available(ctx) {
		r.Redis = "up"
	}
	for _, o := range s.roster.Observers() {
		r.ObserverModels = append(r.ObserverModels, o.Model)
	}
	if len(r.ObserverModels) > 0 {
		r.ObserverModel = r.ObserverModels[0]
	}
	if sum, ok := s.roster.Summarizer(); ok {
		r.SummarizerModel = sum.Model
	}
	return r
}

// Agents returns the credential-free view of the roster.
func (s *Service) Agents() []agent.Public {
	return s.roster.Public()
}

// Stream writes the live view of a session to w until ctx is done or the
// subscription ends. The stream starts with a connected marker followed by
// the recent window. When the store is unavailable a single redis_down error
// is written instead.
func (s *Service) Stream(ctx context.Context, sessionID string, w EventWriter) error {
	if !s.store.Available(ctx) {
		return w.WriteEvent(session.StateError(sessionID, session.ReasonRedisDown, "").Encode())
	}
	sub, err := s.pub.Subscribe(ctx, sessionID)
	if err != nil {
		s.logger.Debug(ctx, "subscribe failed", "session", sessionID, "err", err)
		return w.WriteEvent(session.StateError(sessionID, session.ReasonRedisDown, "").Encode())
	}
	defer func() {
		if err := sub.Close(); err != nil {
			s.logger.Debug(ctx, "unsubscribe failed", "session", sessionID, "err", err)
		}
	}()

	if err := w.WriteEvent(session.Connected(sessionID).Encode()); err != nil {
		return err
	}
	for _, msg := range s.store.RecentMessages(ctx, sessionID) {
		if err := w.WriteEvent(session.Hydrate(sessionID, msg, s.author(msg)).Encode()); err != nil {
			return err
		}
	}

	idle := time.NewTimer(s.keepAlive)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			if err := w.WriteEvent(data); err != nil {
				return err
			}
		case <-idle.C:
			if err := w.WritePing(); err != nil {
				return err
			}
		}
		idle.Reset(s.keepAlive)
	}
}

// author resolves the agent of a recent message. Agents no longer in the
// roster are named after the primary and carry no role.
func (s *Service) author(msg session.Message) session.AgentRef {
	if a, ok := s.roster.Lookup(agent.Ident(msg.AgentID)); ok {
		return session.AgentRef{ID: a.ID.String(), Name: a.Name, Role: string(a.Role)}
	}
	return session.AgentRef{ID: msg.AgentID, Name: s.roster.Primary().Name}
}
