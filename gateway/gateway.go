// Package gateway wires the chat cascade into a running process: the Redis
// backed session ports, the Pulse audit log and reaper, the completion
// clients, the worker pool and the HTTP API.
//
// # Multi-Node Deployment
//
// Processes sharing the same Redis instance and Name cooperate:
//
//   - Workers of every process join one consumer group per session log
//   - The registry reaper runs on a single node at a time
//   - The completion token budget is shared through a replicated map
//
// When Redis cannot be reached at startup the gateway runs degraded: the API
// answers, ingestion reports redis_down and the Pulse backed components are
// disabled.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"
	"goa.design/pulse/pool"
	"goa.design/pulse/rmap"

	"goa.design/chorus/features/model/middleware"
	sessionredis "goa.design/chorus/features/session/redis"
	streampulse "goa.design/chorus/features/stream/pulse"
	clientspulse "goa.design/chorus/features/stream/pulse/clients/pulse"
	streamredis "goa.design/chorus/features/stream/redis"
	"goa.design/chorus/runtime/agent"
	"goa.design/chorus/runtime/agent/model"
	"goa.design/chorus/runtime/agent/telemetry"
	"goa.design/chorus/runtime/cascade"
)

type (
	// Config configures a Gateway.
	Config struct {
		// Redis backs every session port. Nil runs the gateway degraded.
		Redis *goredis.Client
		// Roster lists the deployed agents. Required.
		Roster *agent.Roster
		// Clients overrides the completion clients built from the roster.
		Clients map[agent.Ident]model.Client
		// Name prefixes the shared Pulse resources. Defaults to "chorus".
		Name string
		// SessionTTL is the sliding expiry of session state.
		SessionTTL time.Duration
		// RecentLimit bounds the recent window of every session.
		RecentLimit int
		// Group is the consumer group of the session logs.
		Group string
		// Workers is the number of in-process workers. Defaults to 1.
		Workers int
		// IdleSleep is the worker pause between empty polls.
		IdleSleep time.Duration
		// ReaperInterval is the period of registry sweeps.
		ReaperInterval time.Duration
		// RateLimitTPM is the shared completion token budget per minute.
		// Zero disables rate limiting.
		RateLimitTPM float64
		// CompletionTimeout bounds each completion request.
		CompletionTimeout time.Duration
		// KeepAlive is the idle period before streams are pinged.
		KeepAlive time.Duration

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer

		// PoolNodeOptions are additional options for the Pulse pool node.
		PoolNodeOptions []pool.NodeOption
	}

	// Gateway owns the components of a chorus process.
	Gateway struct {
		cfg      Config
		store    *sessionredis.Store
		log      *sessionredis.Log
		locker   *sessionredis.Locker
		pub      *streamredis.Publisher
		orch     *cascade.Orchestrator
		service  *Service
		http     *HTTPServer
		pulse    clientspulse.Client
		eventLog *streampulse.EventLog
		rateMap  *rmap.Map
		poolNode *pool.Node
		reaper   *Reaper
		cancel   context.CancelFunc
	}
)

// New builds a Gateway. The caller must call Close to release the Pulse
// resources. The Redis client is not closed by the gateway.
func New(ctx context.Context, cfg Config) (*Gateway, error) {
	if cfg.Roster == nil {
		return nil, errors.New("roster is required")
	}
	if cfg.Name == "" {
		cfg.Name = "chorus"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewNoopMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.NewNoopTracer()
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = sessionredis.DefaultTTL
	}

	g := &Gateway{cfg: cfg}
	rdb := cfg.Redis
	if rdb != nil {
		if err := rdb.Ping(ctx).Err(); err != nil {
			cfg.Logger.Warn(ctx, "redis unreachable, pulse components disabled", "err", err)
		} else if err := g.joinPulse(ctx); err != nil {
			return nil, errors.Join(err, g.Close(ctx))
		}
	}

	g.store = sessionredis.NewStore(sessionredis.Options{
		Redis:       rdb,
		TTL:         cfg.SessionTTL,
		RecentLimit: cfg.RecentLimit,
		Logger:      cfg.Logger,
	})
	g.log = sessionredis.NewLog(sessionredis.LogOptions{
		Redis:  rdb,
		Group:  cfg.Group,
		Touch:  g.store.Touch,
		Logger: cfg.Logger,
	})
	g.locker = sessionredis.NewLocker(sessionredis.LockOptions{Redis: rdb, Logger: cfg.Logger})
	pubOpts := streamredis.Options{
		Redis:  rdb,
		Touch:  g.store.Touch,
		Logger: cfg.Logger,
	}
	if g.eventLog != nil {
		pubOpts.Audit = g.eventLog
	}
	g.pub = streamredis.New(pubOpts)

	clients := cfg.Clients
	if clients == nil {
		var limiter *middleware.AdaptiveRateLimiter
		if cfg.RateLimitTPM > 0 {
			// The limiter watcher lives as long as the gateway.
			lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			g.cancel = cancel
			limiter = middleware.NewAdaptiveRateLimiter(lctx, g.rateMap, "tpm", cfg.RateLimitTPM, cfg.RateLimitTPM)
		}
		var err error
		clients, err = NewClients(ctx, cfg.Roster, cfg.CompletionTimeout, limiter, cfg.Logger)
		if err != nil {
			return nil, errors.Join(err, g.Close(ctx))
		}
	}

	orch, err := cascade.NewOrchestrator(cascade.Options{
		Roster:    cfg.Roster,
		Clients:   clients,
		Store:     g.store,
		Log:       g.log,
		Locker:    g.locker,
		Publisher: g.pub,
		Logger:    cfg.Logger,
		Metrics:   cfg.Metrics,
		Tracer:    cfg.Tracer,
	})
	if err != nil {
		return nil, errors.Join(err, g.Close(ctx))
	}
	g.orch = orch

	g.service, err = NewService(ServiceOptions{
		Roster:    cfg.Roster,
		Store:     g.store,
		Log:       g.log,
		Publisher: g.pub,
		KeepAlive: cfg.KeepAlive,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, errors.Join(err, g.Close(ctx))
	}
	g.http, err = NewHTTPServer(g.service)
	if err != nil {
		return nil, errors.Join(err, g.Close(ctx))
	}

	if g.poolNode != nil {
		g.reaper = NewReaper(g.store, g.eventLog, cfg.Logger)
		if err := g.reaper.Start(ctx, g.poolNode, cfg.ReaperInterval); err != nil {
			return nil, errors.Join(err, g.Close(ctx))
		}
	}
	return g, nil
}

// joinPulse creates the Pulse client, audit log, rate map and pool node.
func (g *Gateway) joinPulse(ctx context.Context) error {
	rdb := g.cfg.Redis
	pc, err := clientspulse.New(clientspulse.Options{
		Redis:        rdb,
		StreamMaxLen: streampulse.DefaultMaxLen,
		TTL:          g.cfg.SessionTTL,
	})
	if err != nil {
		return fmt.Errorf("create pulse client: %w", err)
	}
	g.pulse = pc
	g.eventLog, err = streampulse.NewEventLog(streampulse.Options{Client: pc})
	if err != nil {
		return fmt.Errorf("create audit log: %w", err)
	}
	if g.cfg.RateLimitTPM > 0 {
		g.rateMap, err = rmap.Join(ctx, g.cfg.Name+":ratelimit", rdb)
		if err != nil {
			return fmt.Errorf("join rate limit map: %w", err)
		}
	}
	g.poolNode, err = pool.AddNode(ctx, g.cfg.Name, rdb, g.cfg.PoolNodeOptions...)
	if err != nil {
		return fmt.Errorf("add pool node: %w", err)
	}
	return nil
}

// Service returns the transport independent API.
func (g *Gateway) Service() *Service { return g.service }

// Orchestrator returns the cascade orchestrator.
func (g *Gateway) Orchestrator() *cascade.Orchestrator { return g.orch }

// Handler returns the HTTP handler of the API. With dbg set the pprof
// endpoints are mounted and request bodies other than streams are logged.
func (g *Gateway) Handler(ctx context.Context, dbg bool) http.Handler {
	mux := goahttp.NewMuxer()
	if dbg {
		debug.MountPprofHandlers(debug.Adapt(mux))
	}
	debug.MountDebugLogEnabler(debug.Adapt(mux))
	mux.Handle(http.MethodGet, "/livez", health.Handler(health.NewChecker(g.store)))
	g.http.Mount(mux)
	handler := Handler(ctx, mux)
	if !dbg {
		return handler
	}
	logged := debug.HTTP()(handler)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == StreamPath {
			handler.ServeHTTP(w, r)
			return
		}
		logged.ServeHTTP(w, r)
	})
}

// RunWorkers runs the worker pool until ctx is cancelled.
func (g *Gateway) RunWorkers(ctx context.Context) error {
	return cascade.RunPool(ctx, g.cfg.Workers, func() (*cascade.Worker, error) {
		return cascade.NewWorker(g.store, g.log, g.pub, g.orch,
			cascade.WithIdleSleep(g.cfg.IdleSleep),
			cascade.WithRoster(g.cfg.Roster),
			cascade.WithWorkerLogger(g.cfg.Logger),
			cascade.WithWorkerMetrics(g.cfg.Metrics),
		)
	})
}

// Run serves the HTTP API on addr and, when workers is set, runs the worker
// pool. It blocks until ctx is cancelled, then shuts the server down
// gracefully.
func (g *Gateway) Run(ctx context.Context, addr string, workers, dbg bool) error {
	srv := &http.Server{Addr: addr, Handler: g.Handler(ctx, dbg), ReadHeaderTimeout: 60 * time.Second}

	var (
		wg   sync.WaitGroup
		errc = make(chan error, 2)
	)
	if workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.RunWorkers(ctx); err != nil {
				errc <- fmt.Errorf("workers: %w", err)
			}
		}()
	}
	go func() {
		log.Printf(ctx, "HTTP server listening on %q", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
	}
	log.Printf(ctx, "shutting down HTTP server at %q", addr)
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("shutdown: %w", err))
	}
	wg.Wait()
	return runErr
}

// Close stops the reaper and releases the Pulse resources.
func (g *Gateway) Close(ctx context.Context) error {
	var errs []error
	if g.reaper != nil {
		g.reaper.Stop()
	}
	if g.cancel != nil {
		g.cancel()
	}
	if g.poolNode != nil {
		if err := g.poolNode.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close pool node: %w", err))
		}
	}
	if g.rateMap != nil {
		g.rateMap.Close()
	}
	if g.pulse != nil {
		if err := g.pulse.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close pulse client: %w", err))
		}
	}
	return errors.Join(errs...)
}
