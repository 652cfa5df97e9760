// Package agent describes the agents taking part in a conversation: their
// identity, role, model endpoint and prompts. The roster is built once at
// startup and is read-only afterwards.
package agent

// Ident identifies an agent (e.g. "primary", "scout"). It is the value
// carried in the agentId field of broadcast payloads and log entries.
type Ident string

// String returns the identifier as a plain string.
func (id Ident) String() string { return string(id) }
