package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/chorus/runtime/agent/session"
	"goa.design/chorus/runtime/agent/session/inmem"
)

func TestWithLockReleasesOnPanic(t *testing.T) {
	ctx := context.Background()
	l := inmem.NewLocker(20 * time.Millisecond)

	require.Panics(t, func() {
		session.WithLock(ctx, l, "s1", func(context.Context) { panic("boom") })
	})
	require.False(t, l.Held("s1"))

	ran := session.WithLock(ctx, l, "s1", func(context.Context) {
		require.True(t, l.Held("s1"))
		require.False(t, session.WithLock(ctx, l, "s1", func(context.Context) {
			t.Fatal("nested acquire must time out")
		}))
	})
	require.True(t, ran)
	require.False(t, l.Held("s1"))
}

func TestAgentPayloads(t *testing.T) {
	ref := session.AgentRef{ID: "primary", Name: "Nova", Role: "primary"}

	msg := session.AgentMsg("s1", ref, "m1", "a1", "hello")
	require.Equal(t, session.PayloadAgentMsg, msg.Type)
	require.Equal(t, "agent:primary", msg.Author)
	require.Equal(t, "m1", msg.InReplyTo)
	require.Equal(t, "s1", msg.SessionID)

	fail := session.AgentFail("s1", ref, "m1", session.ReasonAPIError, "no reply")
	require.Equal(t, session.ReasonAPIError, fail.Reason)
	require.Equal(t, "Nova", fail.AgentName)

	decoded, err := session.DecodePayload(session.Connected("s1").Encode())
	require.NoError(t, err)
	require.Equal(t, session.PayloadStateUpdate, decoded.Type)
	require.Equal(t, session.StatusConnected, decoded.Status)
	require.JSONEq(t, `{"type":"state:update","sessionId":"s1","status":"connected"}`, string(session.Connected("s1").Encode()))

	merr := session.MessageError("s1", "m1", "boom")
	require.Equal(t, session.ReasonWorkerFailure, merr.Reason)
	require.Equal(t, "boom", merr.Details)
}

func TestHydrate(t *testing.T) {
	nova := session.AgentRef{ID: "primary", Name: "Nova", Role: "primary"}
	user := session.Hydrate("s1", session.Message{MessageID: "m1", Role: session.RoleUser, Text: "hi"}, nova)
	require.Equal(t, session.PayloadUserMsg, user.Type)
	require.Equal(t, "user", user.Author)
	require.Equal(t, "s1", user.SessionID)
	require.Empty(t, user.AgentRole)

	agentMsg := session.Hydrate("s1", session.Message{MessageID: "a1", Role: session.RoleAgent, AgentID: "primary", InReplyTo: "m1", Text: "yo"}, nova)
	require.Equal(t, session.PayloadAgentMsg, agentMsg.Type)
	require.Equal(t, "Nova", agentMsg.AgentName)
	require.Equal(t, "primary", agentMsg.AgentRole)
	require.Equal(t, "agent:primary", agentMsg.Author)
	require.Equal(t, "m1", agentMsg.InReplyTo)

	sage := session.AgentRef{ID: "sage", Name: "Sage Bot", Role: "summarizer"}
	named := session.Hydrate("s1", session.Message{Role: session.RoleAgent, AgentID: "sage", AgentName: "Sage", Author: "agent:sage"}, sage)
	require.Equal(t, "Sage", named.AgentName)
	require.Equal(t, "summarizer", named.AgentRole)
	require.Equal(t, "agent:sage", named.Author)
}

func TestEventType(t *testing.T) {
	ev := session.Event{Fields: session.NewUserEntry("m1", "user", "hi")}
	require.Equal(t, session.EventMessageNew, ev.Type())
	require.Equal(t, "m1", ev.Fields[session.FieldMessageID])
	require.Equal(t, session.EventType(""), session.Event{}.Type())
}
