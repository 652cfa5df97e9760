package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"goa.design/chorus/runtime/agent"
)

// config is the process configuration resolved from flags and environment.
type config struct {
	Name              string
	HTTPAddr          string
	RedisURL          string
	SessionTTL        time.Duration
	RecentLimit       int
	Group             string
	WorkerAutostart   bool
	Workers           int
	IdleSleep         time.Duration
	RateLimitTPM      float64
	ReaperInterval    time.Duration
	CompletionTimeout time.Duration
	KeepAlive         time.Duration
	AgentsFile        string
	Debug             bool
}

// agentEnv names the environment variables describing one agent.
type agentEnv struct {
	prefix  string
	role    agent.Role
	idKey   string
	nameKey string
	id      string
	name    string
	model   string
	prompt  string
	persona string
}

const defaultAPIURL = "https://api.openai.com/v1"

var agentEnvs = []agentEnv{
	{
		prefix: "PRIMARY", role: agent.RolePrimary,
		idKey: "PRIMARY_AGENT_ID", nameKey: "PRIMARY_AGENT_NAME",
		id: "primary", name: "Nova", model: "gpt-4o-mini",
		prompt:  "You are Nova, the primary agent. Be concise, calm, and synthesize inputs from observers.",
		persona: "Primary orchestrator with balanced tone.",
	},
	{
		prefix: "OBSERVER1", role: agent.RoleObserver,
		idKey: "OBSERVER1_ID", nameKey: "OBSERVER1_NAME",
		id: "scout", name: "Scout", model: "gpt-4o-mini-research",
		prompt:  "You are Scout, a research-focused observer. Provide sources, examples, and quick facts.",
		persona: "Curious researcher, crisp bullets.",
	},
	{
		prefix: "OBSERVER2", role: agent.RoleObserver,
		idKey: "OBSERVER2_ID", nameKey: "OBSERVER2_NAME",
		id: "sage", name: "Sage", model: "gpt-4o-mini-critic",
		prompt:  "You are Sage, a critical observer. Challenge assumptions and highlight risks briefly.",
		persona: "Critical reviewer, terse and pointed.",
	},
	{
		prefix: "SUMMARIZER", role: agent.RoleSummarizer,
		idKey: "SUMMARIZER_ID", nameKey: "SUMMARIZER_NAME",
		id: "summarizer", name: "Summarizer", model: "gpt-4o-mini",
		prompt:  "You are a summarizer agent. Generate concise summaries of conversations.",
		persona: "Concise summarizer, factual and brief.",
	},
}

// newViper returns a viper instance reading the environment with the
// process defaults.
func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("CHORUS_NAME", "chorus")
	v.SetDefault("HTTP_ADDR", ":8000")
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("SESSION_TTL_SECONDS", 86400)
	v.SetDefault("SESSION_RECENT_LIMIT", 50)
	v.SetDefault("STREAM_GROUP", "worker-group")
	v.SetDefault("WORKER_AUTOSTART", "1")
	v.SetDefault("WORKERS", 1)
	v.SetDefault("WORKER_IDLE_SLEEP", 0.05)
	v.SetDefault("RATE_LIMIT_TPM", 0)
	v.SetDefault("REAPER_INTERVAL", "1m")
	v.SetDefault("COMPLETION_TIMEOUT", "60s")
	v.SetDefault("KEEPALIVE_INTERVAL", "10s")
	for _, a := range agentEnvs {
		v.SetDefault(a.idKey, a.id)
		v.SetDefault(a.nameKey, a.name)
		v.SetDefault(a.prefix+"_MODEL", a.model)
		v.SetDefault(a.prefix+"_API_URL", defaultAPIURL)
		v.SetDefault(a.prefix+"_SYSTEM_PROMPT", a.prompt)
		v.SetDefault(a.prefix+"_PERSONA", a.persona)
	}
	return v
}

// loadConfig resolves the process configuration from v.
func loadConfig(v *viper.Viper) (*config, error) {
	cfg := &config{
		Name:        v.GetString("CHORUS_NAME"),
		HTTPAddr:    v.GetString("HTTP_ADDR"),
		RedisURL:    v.GetString("REDIS_URL"),
		SessionTTL:  time.Duration(v.GetInt64("SESSION_TTL_SECONDS")) * time.Second,
		RecentLimit: v.GetInt("SESSION_RECENT_LIMIT"),
		Group:       v.GetString("STREAM_GROUP"),
		// Anything but "1" disables the in-process workers.
		WorkerAutostart:   v.GetString("WORKER_AUTOSTART") == "1",
		Workers:           v.GetInt("WORKERS"),
		IdleSleep:         time.Duration(v.GetFloat64("WORKER_IDLE_SLEEP") * float64(time.Second)),
		RateLimitTPM:      v.GetFloat64("RATE_LIMIT_TPM"),
		ReaperInterval:    v.GetDuration("REAPER_INTERVAL"),
		CompletionTimeout: v.GetDuration("COMPLETION_TIMEOUT"),
		KeepAlive:         v.GetDuration("KEEPALIVE_INTERVAL"),
		AgentsFile:        v.GetString("AGENTS_FILE"),
		Debug:             v.GetBool("DEBUG"),
	}
	switch {
	case cfg.SessionTTL <= 0:
		return nil, errors.New("SESSION_TTL_SECONDS must be positive")
	case cfg.RecentLimit <= 0:
		return nil, errors.New("SESSION_RECENT_LIMIT must be positive")
	case cfg.Workers <= 0:
		return nil, errors.New("WORKERS must be positive")
	case cfg.RateLimitTPM < 0:
		return nil, errors.New("RATE_LIMIT_TPM must not be negative")
	}
	return cfg, nil
}

// loadRoster reads the roster from AGENTS_FILE when set, from the agent
// environment variables otherwise.
func loadRoster(v *viper.Viper, cfg *config) (*agent.Roster, error) {
	if cfg.AgentsFile != "" {
		data, err := os.ReadFile(cfg.AgentsFile)
		if err != nil {
			return nil, fmt.Errorf("read agents file: %w", err)
		}
		r, err := agent.ParseRoster(data)
		if err != nil {
			return nil, fmt.Errorf("parse agents file %s: %w", cfg.AgentsFile, err)
		}
		return r, nil
	}
	agents := make([]agent.Config, 0, len(agentEnvs))
	for _, a := range agentEnvs {
		agents = append(agents, agent.Config{
			ID:           agent.Ident(v.GetString(a.idKey)),
			Name:         v.GetString(a.nameKey),
			Role:         a.role,
			Provider:     agent.Provider(v.GetString(a.prefix + "_PROVIDER")),
			Model:        v.GetString(a.prefix + "_MODEL"),
			APIURL:       v.GetString(a.prefix + "_API_URL"),
			APIKey:       v.GetString(a.prefix + "_API_KEY"),
			SystemPrompt: v.GetString(a.prefix + "_SYSTEM_PROMPT"),
			Persona:      v.GetString(a.prefix + "_PERSONA"),
			Temperature:  v.GetFloat64(a.prefix + "_TEMPERATURE"),
			MaxTokens:    v.GetInt64(a.prefix + "_MAX_TOKENS"),
		})
	}
	return agent.NewRoster(agents...)
}

// redisOptions accepts both redis:// URLs and bare host:port addresses.
func redisOptions(url string) (*goredis.Options, error) {
	if !strings.Contains(url, "://") {
		return &goredis.Options{Addr: url}, nil
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return opts, nil
}
