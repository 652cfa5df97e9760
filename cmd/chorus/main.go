// Command chorus runs the multi-agent chat gateway.
//
// The serve command exposes the HTTP API (message ingestion, SSE streams,
// health and agent listing) and, unless WORKER_AUTOSTART is set to anything
// but "1", runs the worker pool in the same process. The worker command runs
// the worker pool alone so ingestion and agent turns can scale separately.
//
// # Configuration
//
// Environment variables:
//
//	HTTP_ADDR             - HTTP listen address (default: ":8000")
//	REDIS_URL             - Redis URL or host:port (default: "redis://localhost:6379/0")
//	SESSION_TTL_SECONDS   - Sliding expiry of session state (default: 86400)
//	SESSION_RECENT_LIMIT  - Recent window size (default: 50)
//	STREAM_GROUP          - Session log consumer group (default: "worker-group")
//	WORKER_AUTOSTART      - "1" runs workers inside serve (default: "1")
//	WORKERS               - Number of workers (default: 1)
//	WORKER_IDLE_SLEEP     - Seconds between empty polls (default: 0.05)
//	RATE_LIMIT_TPM        - Shared completion tokens per minute, 0 disables (default: 0)
//	REAPER_INTERVAL       - Period of expired session sweeps (default: "1m")
//	COMPLETION_TIMEOUT    - Bound on a completion request (default: "60s")
//	KEEPALIVE_INTERVAL    - Idle period before streams are pinged (default: "10s")
//	AGENTS_FILE           - YAML roster replacing the agent variables below
//
// Each agent is configured with <PREFIX>_MODEL, <PREFIX>_API_URL,
// <PREFIX>_API_KEY, <PREFIX>_PROVIDER, <PREFIX>_SYSTEM_PROMPT,
// <PREFIX>_PERSONA, <PREFIX>_TEMPERATURE and <PREFIX>_MAX_TOKENS where PREFIX
// is PRIMARY, OBSERVER1, OBSERVER2 or SUMMARIZER. Identities come from
// PRIMARY_AGENT_ID, PRIMARY_AGENT_NAME, OBSERVER1_ID, OBSERVER1_NAME,
// OBSERVER2_ID, OBSERVER2_NAME, SUMMARIZER_ID and SUMMARIZER_NAME.
//
// # Example
//
//	REDIS_URL=redis://localhost:6379/0 PRIMARY_API_KEY=sk-... chorus serve
//	WORKERS=4 chorus worker
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"goa.design/clue/log"

	"goa.design/chorus/gateway"
	"goa.design/chorus/runtime/agent/telemetry"
)

func main() {
	if err := newRootCmd(newViper()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:          "chorus",
		Short:        "Multi-agent chat gateway",
		Long:         "chorus relays user messages to a primary agent and lets observer and summarizer agents react, streaming every step to subscribers.",
		SilenceUsage: true,
	}
	root.PersistentFlags().Bool("debug", false, "Log debug messages and mount the debug endpoints")
	_ = v.BindPFlag("DEBUG", root.PersistentFlags().Lookup("debug"))

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), v, true)
		},
	}
	serve.Flags().String("addr", ":8000", "HTTP listen address")
	_ = v.BindPFlag("HTTP_ADDR", serve.Flags().Lookup("addr"))

	worker := &cobra.Command{
		Use:   "worker",
		Short: "Run the worker pool only",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), v, false)
		},
	}
	worker.Flags().Int("workers", 1, "Number of workers")
	_ = v.BindPFlag("WORKERS", worker.Flags().Lookup("workers"))

	root.AddCommand(serve, worker)
	return root
}

// run builds the gateway and serves until interrupted. With serve unset only
// the workers run.
func run(ctx context.Context, v *viper.Viper, serve bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	ctx = logContext(ctx, cfg.Debug)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	roster, err := loadRoster(v, cfg)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "invalid agent configuration"})
		return err
	}
	opts, err := redisOptions(cfg.RedisURL)
	if err != nil {
		return err
	}
	rdb := goredis.NewClient(opts)
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Errorf(ctx, err, "close redis")
		}
	}()

	gw, err := gateway.New(ctx, gateway.Config{
		Redis:             rdb,
		Roster:            roster,
		Name:              cfg.Name,
		SessionTTL:        cfg.SessionTTL,
		RecentLimit:       cfg.RecentLimit,
		Group:             cfg.Group,
		Workers:           cfg.Workers,
		IdleSleep:         cfg.IdleSleep,
		ReaperInterval:    cfg.ReaperInterval,
		RateLimitTPM:      cfg.RateLimitTPM,
		CompletionTimeout: cfg.CompletionTimeout,
		KeepAlive:         cfg.KeepAlive,
		Logger:            telemetry.NewClueLogger(),
		Metrics:           telemetry.NewOTELMetrics(),
		Tracer:            telemetry.NewOTELTracer(),
	})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	defer func() {
		if err := gw.Close(context.WithoutCancel(ctx)); err != nil {
			log.Errorf(ctx, err, "close gateway")
		}
	}()

	if !serve {
		log.Printf(ctx, "starting %d workers", cfg.Workers)
		return gw.RunWorkers(ctx)
	}
	return gw.Run(ctx, cfg.HTTPAddr, cfg.WorkerAutostart, cfg.Debug)
}

func logContext(ctx context.Context, dbg bool) context.Context {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format))
	if dbg {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	return ctx
}
