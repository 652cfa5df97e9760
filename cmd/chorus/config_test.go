package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/chorus/runtime/agent"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(newViper())
	require.NoError(t, err)
	require.Equal(t, "chorus", cfg.Name)
	require.Equal(t, ":8000", cfg.HTTPAddr)
	require.Equal(t, 24*time.Hour, cfg.SessionTTL)
	require.Equal(t, 50, cfg.RecentLimit)
	require.Equal(t, "worker-group", cfg.Group)
	require.True(t, cfg.WorkerAutostart)
	require.Equal(t, 1, cfg.Workers)
	require.Equal(t, 50*time.Millisecond, cfg.IdleSleep)
	require.Zero(t, cfg.RateLimitTPM)
	require.Equal(t, time.Minute, cfg.ReaperInterval)
	require.Equal(t, 10*time.Second, cfg.KeepAlive)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("SESSION_TTL_SECONDS", "60")
	t.Setenv("SESSION_RECENT_LIMIT", "5")
	t.Setenv("STREAM_GROUP", "g2")
	t.Setenv("WORKER_AUTOSTART", "0")
	t.Setenv("WORKER_IDLE_SLEEP", "0.2")
	t.Setenv("RATE_LIMIT_TPM", "12000")
	cfg, err := loadConfig(newViper())
	require.NoError(t, err)
	require.Equal(t, time.Minute, cfg.SessionTTL)
	require.Equal(t, 5, cfg.RecentLimit)
	require.Equal(t, "g2", cfg.Group)
	require.False(t, cfg.WorkerAutostart)
	require.Equal(t, 200*time.Millisecond, cfg.IdleSleep)
	require.Equal(t, 12000.0, cfg.RateLimitTPM)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	for key, val := range map[string]string{
		"SESSION_TTL_SECONDS":  "0",
		"SESSION_RECENT_LIMIT": "-1",
		"WORKERS":              "0",
		"RATE_LIMIT_TPM":       "-5",
	} {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			_, err := loadConfig(newViper())
			require.ErrorContains(t, err, key)
		})
	}
}

func TestLoadRosterFromEnv(t *testing.T) {
	t.Setenv("PRIMARY_API_KEY", "sk-primary")
	t.Setenv("OBSERVER2_NAME", "Critic")
	t.Setenv("SUMMARIZER_PROVIDER", "anthropic")
	v := newViper()
	cfg, err := loadConfig(v)
	require.NoError(t, err)
	r, err := loadRoster(v, cfg)
	require.NoError(t, err)

	p := r.Primary()
	require.Equal(t, agent.Ident("primary"), p.ID)
	require.Equal(t, "Nova", p.Name)
	require.Equal(t, "sk-primary", p.APIKey)
	require.Equal(t, "gpt-4o-mini", p.Model)
	require.True(t, p.Usable())

	obs := r.Observers()
	require.Len(t, obs, 2)
	require.Equal(t, agent.Ident("scout"), obs[0].ID)
	require.Equal(t, "Critic", obs[1].Name)
	require.False(t, obs[0].Usable())

	sum, ok := r.Summarizer()
	require.True(t, ok)
	require.Equal(t, agent.ProviderAnthropic, sum.EffectiveProvider())
}

func TestLoadRosterFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agents:
  - id: lead
    name: Lead
    role: primary
    model: claude-sonnet
    provider: anthropic
  - id: watcher
    name: Watcher
    role: observer
    model: gpt-4o-mini
`), 0o600))
	t.Setenv("AGENTS_FILE", path)
	v := newViper()
	cfg, err := loadConfig(v)
	require.NoError(t, err)
	r, err := loadRoster(v, cfg)
	require.NoError(t, err)
	require.Equal(t, agent.Ident("lead"), r.Primary().ID)
	require.Len(t, r.Observers(), 1)
	_, ok := r.Summarizer()
	require.False(t, ok)
}

func TestLoadRosterMissingFile(t *testing.T) {
	t.Setenv("AGENTS_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	v := newViper()
	cfg, err := loadConfig(v)
	require.NoError(t, err)
	_, err = loadRoster(v, cfg)
	require.ErrorContains(t, err, "read agents file")
}

func TestRedisOptions(t *testing.T) {
	opts, err := redisOptions("redis://:pw@cache:6380/2")
	require.NoError(t, err)
	require.Equal(t, "cache:6380", opts.Addr)
	require.Equal(t, "pw", opts.Password)
	require.Equal(t, 2, opts.DB)

	opts, err = redisOptions("localhost:6379")
	require.NoError(t, err)
	require.Equal(t, "localhost:6379", opts.Addr)

	_, err = redisOptions("http://nope")
	require.Error(t, err)
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd(newViper())
	names := make([]string, 0, 2)
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	require.ElementsMatch(t, []string{"serve", "worker"}, names)
}
