package session

import "encoding/json"

type (
	// Payload is a message delivered to live subscribers. Only the fields
	// relevant to the payload type are set.
	Payload struct {
		Type      PayloadType `json:"type"`
		SessionID string      `json:"sessionId,omitempty"`
		MessageID string      `json:"messageId,omitempty"`
		Author    string      `json:"author,omitempty"`
		AgentID   string      `json:"agentId,omitempty"`
		AgentName string      `json:"agentName,omitempty"`
		AgentRole string      `json:"agentRole,omitempty"`
		InReplyTo string      `json:"inReplyTo,omitempty"`
		Text      string      `json:"text,omitempty"`
		Status    string      `json:"status,omitempty"`
		Reason    string      `json:"reason,omitempty"`
		Message   string      `json:"message,omitempty"`
		Details   string      `json:"details,omitempty"`
	}

	// PayloadType is the closed vocabulary of broadcast payloads.
	PayloadType string

	// AgentRef identifies the agent an agent payload refers to.
	AgentRef struct {
		ID   string
		Name string
		Role string
	}
)

const (
	PayloadUserMsg      PayloadType = "user:msg"
	PayloadAgentWorking PayloadType = "agent:working"
	PayloadAgentMsg     PayloadType = "agent:msg"
	PayloadAgentFail    PayloadType = "agent:fail"
	PayloadStateUpdate  PayloadType = "state:update"
	PayloadStateError   PayloadType = "state:error"
	PayloadMessageError PayloadType = "message:error"
)

// Failure reasons carried by agent:fail, state:error and message:error.
const (
	ReasonAPIError      = "api_error"
	ReasonEmptyResponse = "empty_response"
	ReasonLockTimeout   = "lock_timeout"
	ReasonRedisDown     = "redis_down"
	ReasonWorkerFailure = "worker_failure"
)

// StatusConnected is the status of the marker sent when a subscriber attaches.
const StatusConnected = "connected"

// Encode returns the JSON encoding of p.
func (p Payload) Encode() []byte {
	b, err := json.Marshal(p)
	if err != nil {
		// All fields are strings.
		panic(err)
	}
	return b
}

// DecodePayload parses an encoded payload.
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	err := json.Unmarshal(data, &p)
	return p, err
}

// UserMsg reports a new user message.
func UserMsg(sessionID, messageID, author, text string) Payload {
	return Payload{
		Type:      PayloadUserMsg,
		SessionID: sessionID,
		MessageID: messageID,
		Author:    author,
		Text:      text,
	}
}

// AgentWorking reports that an agent started a turn in reply to inReplyTo.
func AgentWorking(sessionID string, a AgentRef, inReplyTo string) Payload {
	return agentPayload(PayloadAgentWorking, sessionID, a, inReplyTo)
}

// AgentMsg reports an agent reply.
func AgentMsg(sessionID string, a AgentRef, inReplyTo, messageID, text string) Payload {
	p := agentPayload(PayloadAgentMsg, sessionID, a, inReplyTo)
	p.MessageID = messageID
	p.Author = AgentAuthor(a.ID)
	p.Text = text
	return p
}

// AgentFail reports a failed agent turn with a human readable message.
func AgentFail(sessionID string, a AgentRef, inReplyTo, reason, message string) Payload {
	p := agentPayload(PayloadAgentFail, sessionID, a, inReplyTo)
	p.Reason = reason
	p.Message = message
	return p
}

// AgentAuthor returns the author recorded for messages produced by agent id.
func AgentAuthor(id string) string {
	if id == "" {
		id = "agent"
	}
	return "agent:" + id
}

// Connected is the marker sent first on every live subscription.
func Connected(sessionID string) Payload {
	return Payload{Type: PayloadStateUpdate, SessionID: sessionID, Status: StatusConnected}
}

// StateError reports a session level failure such as a lock timeout.
func StateError(sessionID, reason, message string) Payload {
	return Payload{Type: PayloadStateError, SessionID: sessionID, Reason: reason, Message: message}
}

// MessageError reports that processing a log entry failed.
func MessageError(sessionID, messageID, details string) Payload {
	return Payload{
		Type:      PayloadMessageError,
		SessionID: sessionID,
		MessageID: messageID,
		Reason:    ReasonWorkerFailure,
		Details:   details,
	}
}

// Hydrate converts a recent window entry into the payload replayed to a new
// subscriber of sessionID. a describes the agent that authored msg; its name
// fills in agent messages recorded without one.
func Hydrate(sessionID string, msg Message, a AgentRef) Payload {
	if msg.Role != RoleAgent {
		author := msg.Author
		if author == "" {
			author = "user"
		}
		return UserMsg(sessionID, msg.MessageID, author, msg.Text)
	}
	name := msg.AgentName
	if name == "" {
		name = a.Name
	}
	author := msg.Author
	if author == "" {
		author = AgentAuthor(msg.AgentID)
	}
	return Payload{
		Type:      PayloadAgentMsg,
		SessionID: sessionID,
		MessageID: msg.MessageID,
		Author:    author,
		AgentID:   msg.AgentID,
		AgentName: name,
		AgentRole: a.Role,
		InReplyTo: msg.InReplyTo,
		Text:      msg.Text,
	}
}

func agentPayload(t PayloadType, sessionID string, a AgentRef, inReplyTo string) Payload {
	return Payload{
		Type:      t,
		SessionID: sessionID,
		AgentID:   a.ID,
		AgentName: a.Name,
		AgentRole: a.Role,
		InReplyTo: inReplyTo,
	}
}
