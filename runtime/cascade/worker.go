package cascade

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/chorus/runtime/agent"
	"goa.design/chorus/runtime/agent/session"
	"goa.design/chorus/runtime/agent/telemetry"
)

type (
	// Handler runs the turns triggered by a user message.
	// *Orchestrator implements it.
	Handler interface {
		HandleUserMessage(ctx context.Context, ev session.Event)
	}

	// HandlerFunc adapts a function to Handler.
	HandlerFunc func(ctx context.Context, ev session.Event)

	// WorkerOption configures a Worker.
	WorkerOption func(*workerOptions)

	workerOptions struct {
		consumer  string
		idleSleep time.Duration
		roster    *agent.Roster
		logger    telemetry.Logger
		metrics   telemetry.Metrics
	}

	// Worker consumes the logs of every registered session as one member of
	// the shared consumer group.
	Worker struct {
		store     session.Store
		log       session.Log
		pub       session.Publisher
		handler   Handler
		consumer  string
		idleSleep time.Duration
		roster    *agent.Roster
		logger    telemetry.Logger
		metrics   telemetry.Metrics
	}
)

// DefaultIdleSleep is the pause between polls that handled nothing.
const DefaultIdleSleep = 50 * time.Millisecond

// HandleUserMessage calls f.
func (f HandlerFunc) HandleUserMessage(ctx context.Context, ev session.Event) { f(ctx, ev) }

// WithConsumer sets the consumer identity. Defaults to "worker-" followed by
// 8 random hex characters.
func WithConsumer(name string) WorkerOption {
	return func(o *workerOptions) { o.consumer = name }
}

// WithIdleSleep sets the pause between polls that handled nothing.
func WithIdleSleep(d time.Duration) WorkerOption {
	return func(o *workerOptions) { o.idleSleep = d }
}

// WithRoster lets the worker name the agents of the entries it skips.
func WithRoster(r *agent.Roster) WorkerOption {
	return func(o *workerOptions) { o.roster = r }
}

// WithWorkerLogger sets the worker logger.
func WithWorkerLogger(l telemetry.Logger) WorkerOption {
	return func(o *workerOptions) { o.logger = l }
}

// WithWorkerMetrics sets the worker metrics recorder.
func WithWorkerMetrics(m telemetry.Metrics) WorkerOption {
	return func(o *workerOptions) { o.metrics = m }
}

// NewWorker returns a worker reading the logs of the sessions registered in
// store and dispatching user messages to h.
func NewWorker(store session.Store, log session.Log, pub session.Publisher, h Handler, opts ...WorkerOption) (*Worker, error) {
	if store == nil || log == nil || pub == nil {
		return nil, errors.New("cascade: store, log and publisher are required")
	}
	if h == nil {
		return nil, errors.New("cascade: handler is required")
	}
	o := &workerOptions{idleSleep: DefaultIdleSleep}
	for _, opt := range opts {
		opt(o)
	}
	if o.consumer == "" {
		o.consumer = NewConsumerName()
	}
	if o.idleSleep <= 0 {
		o.idleSleep = DefaultIdleSleep
	}
	if o.logger == nil {
		o.logger = telemetry.NewNoopLogger()
	}
	if o.metrics == nil {
		o.metrics = telemetry.NewNoopMetrics()
	}
	return &Worker{
		store:     store,
		log:       log,
		pub:       pub,
		handler:   h,
		consumer:  o.consumer,
		idleSleep: o.idleSleep,
		roster:    o.roster,
		logger:    o.logger,
		metrics:   o.metrics,
	}, nil
}

// NewConsumerName returns a random consumer identity of the form
// "worker-1a2b3c4d".
func NewConsumerName() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "worker-" + id[:8]
}

// Consumer returns the consumer identity of w.
func (w *Worker) Consumer() string { return w.consumer }

// Run polls until ctx is cancelled, sleeping between polls that handled
// nothing.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info(ctx, "worker started", "consumer", w.consumer)
	defer w.logger.Info(context.WithoutCancel(ctx), "worker stopped", "consumer", w.consumer)
	idle := time.NewTimer(w.idleSleep)
	defer idle.Stop()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if w.ProcessOnce(ctx) {
			continue
		}
		idle.Reset(w.idleSleep)
		select {
		case <-ctx.Done():
			return nil
		case <-idle.C:
		}
	}
}

// ProcessOnce reads at most one entry across the registered sessions and
// handles it. It reports whether an entry was handled. Every entry read is
// acknowledged, whatever the outcome of its handler.
func (w *Worker) ProcessOnce(ctx context.Context) bool {
	sessions := w.store.KnownSessions(ctx)
	if len(sessions) == 0 {
		return false
	}
	events, err := w.log.Read(ctx, w.consumer, sessions)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			w.logger.Debug(ctx, "log read failed", "consumer", w.consumer, "err", err)
		}
		return false
	}
	for _, ev := range events {
		w.handle(ctx, ev)
	}
	return len(events) > 0
}

func (w *Worker) handle(ctx context.Context, ev session.Event) {
	defer func() {
		if err := w.log.Ack(context.WithoutCancel(ctx), ev); err != nil {
			w.logger.Warn(ctx, "ack failed", "session", ev.SessionID, "entry", ev.ID, "err", err)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			details := fmt.Sprint(r)
			w.metrics.IncCounter(telemetry.MetricEventsFailed, 1, "type", string(ev.Type()))
			w.logger.Error(ctx, "event handler failed", "session", ev.SessionID, "entry", ev.ID, "err", fmt.Errorf("%s", details))
			w.pub.Broadcast(ctx, ev.SessionID, session.MessageError(ev.SessionID, ev.Fields[session.FieldMessageID], details))
		}
	}()
	w.dispatch(ctx, ev)
	w.metrics.IncCounter(telemetry.MetricEventsHandled, 1, "type", string(ev.Type()))
}

func (w *Worker) dispatch(ctx context.Context, ev session.Event) {
	switch ev.Type() {
	case session.EventMessageNew:
		w.handler.HandleUserMessage(ctx, ev)
	case session.EventAgentMsg:
		w.logger.Debug(ctx, "agent reply already handled", "session", ev.SessionID, "agent", ev.Fields[session.FieldAgentID], "role", w.agentRole(ev))
	case session.EventAgentFail:
		w.logger.Debug(ctx, "agent failure recorded", "session", ev.SessionID, "agent", ev.Fields[session.FieldAgentID])
	default:
		w.logger.Warn(ctx, "unknown log entry", "session", ev.SessionID, "entry", ev.ID, "type", string(ev.Type()))
	}
}

func (w *Worker) agentRole(ev session.Event) string {
	if role := ev.Fields[session.FieldAgentRole]; role != "" {
		return role
	}
	if w.roster == nil {
		return ""
	}
	if a, ok := w.roster.Lookup(agent.Ident(ev.Fields[session.FieldAgentID])); ok {
		return string(a.Role)
	}
	return ""
}

// RunPool runs n workers built by newWorker until ctx is cancelled and waits
// for all of them to return.
func RunPool(ctx context.Context, n int, newWorker func() (*Worker, error)) error {
	if n <= 0 {
		n = 1
	}
	workers := make([]*Worker, 0, n)
	for range n {
		w, err := newWorker()
		if err != nil {
			return err
		}
		workers = append(workers, w)
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
