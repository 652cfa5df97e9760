package cascade

import (
	"fmt"
	"strings"

	"goa.design/chorus/runtime/agent"
	"goa.design/chorus/runtime/agent/model"
	"goa.design/chorus/runtime/agent/session"
)

const (
	summaryPreamble    = "Conversation summary so far:\n"
	summarizeDirective = "Please summarize this conversation in approximately 200 words:\n\n"
	observerTemplate   = "Primary agent just responded with:\n%s\n\nReact briefly with a helpful, concise observer note."
)

// primaryRequest builds the completion request answering prompt. The latest
// summary, when present, is added as extra system context. prompt is not
// repeated when it is already the last entry of the history.
func primaryRequest(a agent.Config, summary session.Summary, history []session.Message, prompt string) model.Request {
	system := systemPrompts(a)
	if summary.Text != "" {
		system = append(system, summaryPreamble+summary.Text)
	}
	msgs := historyMessages(history)
	if prompt != "" && (len(msgs) == 0 || msgs[len(msgs)-1].Content != prompt) {
		msgs = append(msgs, model.Message{Role: model.RoleUser, Content: prompt})
	}
	return request(a, system, msgs)
}

// observerRequest asks an observer to react to the primary reply.
func observerRequest(a agent.Config, history []session.Message, primaryText string) model.Request {
	msgs := historyMessages(history)
	msgs = append(msgs, model.Message{
		Role:    model.RoleUser,
		Content: fmt.Sprintf(observerTemplate, primaryText),
	})
	return request(a, systemPrompts(a), msgs)
}

// summarizerRequest flattens the window into a single transcript and asks
// for a short summary of it.
func summarizerRequest(a agent.Config, history []session.Message) model.Request {
	var b strings.Builder
	b.WriteString(summarizeDirective)
	for _, m := range history {
		author := m.Author
		if author == "" {
			author = "Unknown"
		}
		b.WriteString(author)
		b.WriteString(": ")
		b.WriteString(m.Text)
		b.WriteString("\n\n")
	}
	msgs := []model.Message{{Role: model.RoleUser, Content: b.String()}}
	return request(a, systemPrompts(a), msgs)
}

func request(a agent.Config, system []string, msgs []model.Message) model.Request {
	return model.Request{
		Model:       a.Model,
		System:      system,
		Messages:    msgs,
		Temperature: a.EffectiveTemperature(),
		MaxTokens:   a.EffectiveMaxTokens(),
	}
}

func systemPrompts(a agent.Config) []string {
	var out []string
	if a.SystemPrompt != "" {
		out = append(out, a.SystemPrompt)
	}
	if a.Persona != "" {
		out = append(out, a.Persona)
	}
	return out
}

// historyMessages maps the recent window to conversation turns. Agent
// replies become assistant turns; everything else is a user turn. Entries
// without text are skipped.
func historyMessages(history []session.Message) []model.Message {
	out := make([]model.Message, 0, len(history)+1)
	for _, m := range history {
		if m.Text == "" {
			continue
		}
		out = append(out, model.Message{Role: conversationRole(m.Role), Content: m.Text})
	}
	return out
}

func conversationRole(r session.MessageRole) model.ConversationRole {
	if r == session.RoleAgent {
		return model.RoleAssistant
	}
	return model.RoleUser
}
