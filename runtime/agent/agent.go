package agent

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

type (
	// Role is the closed set of parts an agent can play in the cascade.
	Role string

	// Provider selects the completion API spoken by the agent endpoint.
	Provider string

	// Config is the static configuration of one agent.
	Config struct {
		ID           Ident    `yaml:"id"`
		Name         string   `yaml:"name"`
		Role         Role     `yaml:"role"`
		Provider     Provider `yaml:"provider"`
		Model        string   `yaml:"model"`
		APIURL       string   `yaml:"api_url"`
		APIKey       string   `yaml:"api_key"`
		SystemPrompt string   `yaml:"system_prompt"`
		Persona      string   `yaml:"persona"`
		// Temperature and MaxTokens default per role when zero.
		Temperature float64 `yaml:"temperature"`
		MaxTokens   int64   `yaml:"max_tokens"`
	}

	// Public is the sanitized view of a Config exposed to UIs. Credentials
	// never appear in it.
	Public struct {
		AgentID      string `json:"agentId"`
		Name         string `json:"name"`
		Role         string `json:"role"`
		Provider     string `json:"provider"`
		Model        string `json:"model"`
		SystemPrompt string `json:"systemPrompt"`
		Persona      string `json:"persona"`
	}

	// Roster is the immutable set of agents of a deployment: exactly one
	// primary, any number of observers and at most one summarizer.
	Roster struct {
		primary    Config
		observers  []Config
		summarizer *Config
	}

	rosterFile struct {
		Agents []Config `yaml:"agents"`
	}
)

const (
	// RolePrimary answers user messages.
	RolePrimary Role = "primary"
	// RoleObserver comments on primary replies; its output is not persisted.
	RoleObserver Role = "observer"
	// RoleSummarizer maintains the session summary. The wire name is kept
	// for compatibility with existing UIs.
	RoleSummarizer Role = "hidden_agent"
)

const (
	// ProviderOpenAI targets OpenAI-compatible chat completion endpoints.
	ProviderOpenAI Provider = "openai"
	// ProviderAnthropic targets the Anthropic Messages API.
	ProviderAnthropic Provider = "anthropic"
)

// ErrNoPrimary is returned when a roster does not contain a primary agent.
var ErrNoPrimary = errors.New("agent: roster requires exactly one primary agent")

// Validate reports whether r is one of the known roles.
func (r Role) Validate() error {
	switch r {
	case RolePrimary, RoleObserver, RoleSummarizer:
		return nil
	default:
		return fmt.Errorf("agent: unknown role %q", string(r))
	}
}

// RequiresLock reports whether turns for this role mutate per-session
// state and must hold the session lock.
func (r Role) RequiresLock() bool {
	switch r {
	case RolePrimary, RoleSummarizer:
		return true
	case RoleObserver:
		return false
	}
	panic(fmt.Sprintf("agent: unhandled role %q", string(r)))
}

// PersistsReply reports whether a successful reply is appended to the
// session recent window.
func (r Role) PersistsReply() bool {
	switch r {
	case RolePrimary, RoleSummarizer:
		return true
	case RoleObserver:
		return false
	}
	panic(fmt.Sprintf("agent: unhandled role %q", string(r)))
}

// DefaultTemperature returns the sampling temperature used when the agent
// configuration leaves it unset.
func (r Role) DefaultTemperature() float64 {
	if r == RoleObserver {
		return 0.5
	}
	return 0.6
}

// DefaultMaxTokens returns the response token bound used when the agent
// configuration leaves it unset.
func (r Role) DefaultMaxTokens() int64 {
	if r == RoleSummarizer {
		return 250
	}
	return 200
}

// Public returns the credential-free view of the agent.
func (c Config) Public() Public {
	return Public{
		AgentID:      string(c.ID),
		Name:         c.Name,
		Role:         string(c.Role),
		Provider:     string(c.EffectiveProvider()),
		Model:        c.Model,
		SystemPrompt: c.SystemPrompt,
		Persona:      c.Persona,
	}
}

// EffectiveProvider returns the configured provider, OpenAI when unset.
func (c Config) EffectiveProvider() Provider {
	if c.Provider == "" {
		return ProviderOpenAI
	}
	return c.Provider
}

// EffectiveTemperature returns the configured temperature or the role default.
func (c Config) EffectiveTemperature() float64 {
	if c.Temperature > 0 {
		return c.Temperature
	}
	return c.Role.DefaultTemperature()
}

// EffectiveMaxTokens returns the configured token bound or the role default.
func (c Config) EffectiveMaxTokens() int64 {
	if c.MaxTokens > 0 {
		return c.MaxTokens
	}
	return c.Role.DefaultMaxTokens()
}

// Usable reports whether the agent has what it needs to call its endpoint.
func (c Config) Usable() bool {
	return c.APIKey != "" && c.Model != ""
}

func (c Config) validate() error {
	if c.ID == "" {
		return errors.New("agent: id is required")
	}
	if err := c.Role.Validate(); err != nil {
		return fmt.Errorf("%s: %w", c.ID, err)
	}
	switch c.EffectiveProvider() {
	case ProviderOpenAI, ProviderAnthropic:
	default:
		return fmt.Errorf("agent %s: unknown provider %q", c.ID, c.Provider)
	}
	return nil
}

// NewRoster validates the agent list and builds a Roster. Agent ids must be
// unique.
func NewRoster(agents ...Config) (*Roster, error) {
	var (
		r          Roster
		hasPrimary bool
		seen       = make(map[Ident]struct{}, len(agents))
	)
	for _, a := range agents {
		if err := a.validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[a.ID]; dup {
			return nil, fmt.Errorf("agent: duplicate id %q", a.ID)
		}
		seen[a.ID] = struct{}{}
		if a.Name == "" {
			a.Name = string(a.ID)
		}
		switch a.Role {
		case RolePrimary:
			if hasPrimary {
				return nil, errors.New("agent: roster accepts exactly one primary")
			}
			r.primary = a
			hasPrimary = true
		case RoleObserver:
			r.observers = append(r.observers, a)
		case RoleSummarizer:
			if r.summarizer != nil {
				return nil, errors.New("agent: roster accepts at most one summarizer")
			}
			s := a
			r.summarizer = &s
		}
	}
	if !hasPrimary {
		return nil, ErrNoPrimary
	}
	return &r, nil
}

// ParseRoster decodes a YAML document of the form
//
//	agents:
//	  - id: primary
//	    role: primary
//	    model: gpt-4o-mini
//	    api_key: ...
func ParseRoster(data []byte) (*Roster, error) {
	var f rosterFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("agent: decode roster: %w", err)
	}
	return NewRoster(f.Agents...)
}

// Primary returns the primary agent.
func (r *Roster) Primary() Config { return r.primary }

// Observers returns a copy of the observer list in configuration order.
func (r *Roster) Observers() []Config {
	out := make([]Config, len(r.observers))
	copy(out, r.observers)
	return out
}

// Summarizer returns the summarizer agent, if any.
func (r *Roster) Summarizer() (Config, bool) {
	if r.summarizer == nil {
		return Config{}, false
	}
	return *r.summarizer, true
}

// All returns every agent: primary, observers, then summarizer.
func (r *Roster) All() []Config {
	out := make([]Config, 0, len(r.observers)+2)
	out = append(out, r.primary)
	out = append(out, r.observers...)
	if r.summarizer != nil {
		out = append(out, *r.summarizer)
	}
	return out
}

// Lookup returns the agent with the given id.
func (r *Roster) Lookup(id Ident) (Config, bool) {
	for _, a := range r.All() {
		if a.ID == id {
			return a, true
		}
	}
	return Config{}, false
}

// Public returns the sanitized view of every agent.
func (r *Roster) Public() []Public {
	all := r.All()
	out := make([]Public, 0, len(all))
	for _, a := range all {
		out = append(out, a.Public())
	}
	return out
}
