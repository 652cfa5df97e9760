// Package cascade runs the agent turns triggered by a user message: the
// primary reply, then the summarizer and observer turns reacting to it. The
// Worker drains the session logs and hands message:new entries to the
// Orchestrator.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"goa.design/chorus/runtime/agent"
	"goa.design/chorus/runtime/agent/model"
	"goa.design/chorus/runtime/agent/session"
	"goa.design/chorus/runtime/agent/telemetry"
)

type (
	// Options configures an Orchestrator.
	Options struct {
		// Roster lists the agents taking part in every session. Required.
		Roster *agent.Roster
		// Clients maps agent ids to their completion clients. Agents without
		// a client are skipped, except the primary whose turns then fail.
		Clients map[agent.Ident]model.Client
		// Store holds the per-session conversational context. Required.
		Store session.Store
		// Log receives the entries derived from primary turns. Required.
		Log session.Log
		// Locker serializes the turns that mutate session state. Required.
		Locker session.Locker
		// Publisher delivers turn progress to live subscribers. Required.
		Publisher session.Publisher

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer

		// NewID generates message ids. Defaults to random UUIDs.
		NewID func() string
		// Now returns the current time. Defaults to time.Now.
		Now func() time.Time
	}

	// Orchestrator sequences the agent turns of a session.
	Orchestrator struct {
		roster  *agent.Roster
		clients map[agent.Ident]model.Client
		store   session.Store
		log     session.Log
		locker  session.Locker
		pub     session.Publisher
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
		newID   func() string
		now     func() time.Time
	}

	// turn is one agent completion in reply to a message.
	turn struct {
		sessionID string
		agent     agent.Config
		inReplyTo string
		messageID string
	}
)

// NewOrchestrator validates opts and returns an Orchestrator.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Roster == nil:
		return nil, errors.New("cascade: roster is required")
	case opts.Store == nil:
		return nil, errors.New("cascade: store is required")
	case opts.Log == nil:
		return nil, errors.New("cascade: log is required")
	case opts.Locker == nil:
		return nil, errors.New("cascade: locker is required")
	case opts.Publisher == nil:
		return nil, errors.New("cascade: publisher is required")
	}
	o := &Orchestrator{
		roster:  opts.Roster,
		clients: opts.Clients,
		store:   opts.Store,
		log:     opts.Log,
		locker:  opts.Locker,
		pub:     opts.Publisher,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		newID:   opts.NewID,
		now:     opts.Now,
	}
	if o.logger == nil {
		o.logger = telemetry.NewNoopLogger()
	}
	if o.metrics == nil {
		o.metrics = telemetry.NewNoopMetrics()
	}
	if o.tracer == nil {
		o.tracer = telemetry.NewNoopTracer()
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// Roster returns the agents orchestrated by o.
func (o *Orchestrator) Roster() *agent.Roster { return o.roster }

// HandleUserMessage runs the primary turn for the user message recorded in
// ev, then the summarizer and observer turns once the session lock has been
// released.
func (o *Orchestrator) HandleUserMessage(ctx context.Context, ev session.Event) {
	sessionID := ev.SessionID
	inbound := ev.Fields[session.FieldMessageID]
	if inbound == "" {
		inbound = o.newID()
	}
	reply, ok := o.primaryTurn(ctx, sessionID, inbound, ev.Fields[session.FieldText])
	if !ok {
		return
	}
	if a, ok := o.roster.Summarizer(); ok {
		o.reactionTurn(ctx, sessionID, a, reply)
	}
	for _, a := range o.roster.Observers() {
		o.reactionTurn(ctx, sessionID, a, reply)
	}
}

// primaryTurn answers the user message under the session lock. It returns
// the persisted reply when the turn succeeded.
func (o *Orchestrator) primaryTurn(ctx context.Context, sessionID, inbound, prompt string) (session.Message, bool) {
	t := turn{sessionID: sessionID, agent: o.roster.Primary(), inReplyTo: inbound, messageID: o.newID()}
	var (
		reply session.Message
		ok    bool
	)
	acquired := session.WithLock(ctx, o.locker, sessionID, func(ctx context.Context) {
		o.working(ctx, t)
		req := primaryRequest(t.agent, o.store.Summary(ctx, sessionID), o.store.RecentMessages(ctx, sessionID), prompt)
		text, err := o.complete(ctx, t, req)
		if err != nil || text == "" {
			o.log.Enqueue(ctx, sessionID, failEntry(t))
			o.fail(ctx, t, session.ReasonAPIError, "Failed to get response from API")
			return
		}
		reply = o.message(t, text)
		o.store.AppendRecent(ctx, sessionID, reply)
		o.log.Enqueue(ctx, sessionID, replyEntry(t, text))
		o.pub.Broadcast(ctx, sessionID, session.AgentMsg(sessionID, ref(t.agent), t.inReplyTo, t.messageID, text))
		ok = true
	})
	if !acquired {
		o.metrics.IncCounter(telemetry.MetricLockTimeout, 1, "role", string(agent.RolePrimary))
		o.logger.Warn(ctx, "session lock timeout", "session", sessionID, "in_reply_to", inbound)
		o.pub.Broadcast(ctx, sessionID, session.StateError(sessionID, session.ReasonLockTimeout, "session is busy"))
		return session.Message{}, false
	}
	return reply, ok
}

// reactionTurn lets a summarizer or observer react to the primary reply.
// Roles that mutate session state hold the session lock and a lock timeout
// skips the turn.
func (o *Orchestrator) reactionTurn(ctx context.Context, sessionID string, a agent.Config, primary session.Message) {
	if o.clients[a.ID] == nil {
		o.logger.Debug(ctx, "turn skipped, no client", "agent", a.ID.String(), "role", string(a.Role))
		return
	}
	if primary.Text == "" {
		return
	}
	t := turn{sessionID: sessionID, agent: a, inReplyTo: primary.MessageID, messageID: o.newID()}
	run := func(ctx context.Context) { o.react(ctx, t, primary) }
	if !a.Role.RequiresLock() {
		run(ctx)
		return
	}
	if !session.WithLock(ctx, o.locker, sessionID, run) {
		o.metrics.IncCounter(telemetry.MetricLockTimeout, 1, "role", string(a.Role))
		o.logger.Warn(ctx, "turn skipped, session lock timeout", "session", sessionID, "role", string(a.Role))
	}
}

func (o *Orchestrator) react(ctx context.Context, t turn, primary session.Message) {
	o.working(ctx, t)
	recent := o.store.RecentMessages(ctx, t.sessionID)
	label := "Observer"
	req := observerRequest(t.agent, recent, primary.Text)
	if t.agent.Role == agent.RoleSummarizer {
		label = "Summarizer"
		req = summarizerRequest(t.agent, recent)
	}
	text, err := o.complete(ctx, t, req)
	if err != nil {
		o.fail(ctx, t, session.ReasonAPIError, "Failed to get response from "+strings.ToLower(label)+" API")
		return
	}
	if text == "" {
		o.fail(ctx, t, session.ReasonEmptyResponse, label+" returned empty response")
		return
	}
	o.pub.Broadcast(ctx, t.sessionID, session.AgentMsg(t.sessionID, ref(t.agent), t.inReplyTo, t.messageID, text))
	if t.agent.Role.PersistsReply() {
		o.store.AppendRecent(ctx, t.sessionID, o.message(t, text))
	}
	if t.agent.Role == agent.RoleSummarizer {
		o.store.UpdateSummary(ctx, t.sessionID, text)
		o.store.AddFact(ctx, t.sessionID, text)
	}
}

// complete calls the agent client. Panics raised by the client are returned
// as errors.
func (o *Orchestrator) complete(ctx context.Context, t turn, req model.Request) (text string, err error) {
	role := string(t.agent.Role)
	ctx, span := o.tracer.Start(ctx, "cascade."+role+"_turn")
	start := o.now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("completion panic: %v", r)
		}
		o.metrics.RecordTimer(telemetry.MetricTurnDuration, o.now().Sub(start), "role", role, "agent", t.agent.ID.String())
		if err != nil {
			o.metrics.IncCounter(telemetry.MetricTurnFailed, 1, "role", role, "agent", t.agent.ID.String())
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			kind := model.ProviderErrorKindUnknown
			if pe, ok := model.AsProviderError(err); ok {
				kind = pe.Kind()
			}
			o.logger.Error(ctx, "completion failed", "session", t.sessionID, "agent", t.agent.ID.String(), "kind", string(kind), "err", err)
		}
		span.End()
	}()
	client := o.clients[t.agent.ID]
	if client == nil {
		return "", model.ErrNotConfigured
	}
	resp, err := client.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	span.AddEvent("completion", "output_tokens", resp.Usage.OutputTokens, "stop_reason", resp.StopReason)
	return model.Text(resp.Text), nil
}

func (o *Orchestrator) working(ctx context.Context, t turn) {
	p := session.AgentWorking(t.sessionID, ref(t.agent), t.inReplyTo)
	p.MessageID = t.messageID
	o.pub.Broadcast(ctx, t.sessionID, p)
}

func (o *Orchestrator) fail(ctx context.Context, t turn, reason, msg string) {
	p := session.AgentFail(t.sessionID, ref(t.agent), t.inReplyTo, reason, msg)
	p.MessageID = t.messageID
	o.pub.Broadcast(ctx, t.sessionID, p)
}

func (o *Orchestrator) message(t turn, text string) session.Message {
	return session.Message{
		MessageID: t.messageID,
		SessionID: t.sessionID,
		Author:    session.AgentAuthor(t.agent.ID.String()),
		Role:      session.RoleAgent,
		AgentID:   t.agent.ID.String(),
		AgentName: t.agent.Name,
		InReplyTo: t.inReplyTo,
		Text:      text,
		Timestamp: o.now(),
	}
}

func ref(a agent.Config) session.AgentRef {
	return session.AgentRef{ID: a.ID.String(), Name: a.Name, Role: string(a.Role)}
}

func replyEntry(t turn, text string) map[string]string {
	return map[string]string{
		session.FieldType:      string(session.EventAgentMsg),
		session.FieldAgentID:   t.agent.ID.String(),
		session.FieldAgentName: t.agent.Name,
		session.FieldAgentRole: string(t.agent.Role),
		session.FieldMessageID: t.messageID,
		session.FieldInReplyTo: t.inReplyTo,
		session.FieldText:      text,
	}
}

func failEntry(t turn) map[string]string {
	return map[string]string{
		session.FieldType:      string(session.EventAgentFail),
		session.FieldAgentID:   t.agent.ID.String(),
		session.FieldAgentName: t.agent.Name,
		session.FieldAgentRole: string(t.agent.Role),
		session.FieldMessageID: t.messageID,
		session.FieldInReplyTo: t.inReplyTo,
		session.FieldReason:    session.ReasonAPIError,
	}
}
