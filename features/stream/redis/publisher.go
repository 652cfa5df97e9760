// Package redis implements session.Publisher on Redis pub/sub. Every payload
// is published on the session fanout channel and then recorded in the session
// audit log.
package redis

import (
	"context"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"goa.design/chorus/runtime/agent/session"
	"goa.design/chorus/runtime/agent/telemetry"
)

type (
	// Recorder appends broadcast payloads to a durable audit trail.
	Recorder interface {
		Record(ctx context.Context, sessionID string, p session.Payload) error
	}

	// Options configures the publisher.
	Options struct {
		// Redis is the pub/sub connection. Nil makes Broadcast a no-op and
		// Subscribe fail with session.ErrStoreUnavailable.
		Redis *goredis.Client
		// Audit records every broadcast payload. Optional.
		Audit Recorder
		// Touch refreshes the session TTL after a payload was recorded.
		// Optional.
		Touch func(ctx context.Context, sessionID string)
		// Channel derives the pub/sub channel of a session. Defaults to
		// "session:<id>:fanout".
		Channel func(sessionID string) string
		// Buffer is the per-subscription delivery buffer. Defaults to 64.
		Buffer int
		// Logger receives swallowed errors.
		Logger telemetry.Logger
	}

	// Publisher implements session.Publisher.
	Publisher struct {
		rdb     *goredis.Client
		audit   Recorder
		touch   func(context.Context, string)
		channel func(string) string
		buffer  int
		logger  telemetry.Logger
	}

	subscription struct {
		ps   *goredis.PubSub
		out  chan []byte
		done chan struct{}
		once sync.Once
		wg   sync.WaitGroup
	}
)

var _ session.Publisher = (*Publisher)(nil)

// New returns a Publisher.
func New(opts Options) *Publisher {
	p := &Publisher{
		rdb:     opts.Redis,
		audit:   opts.Audit,
		touch:   opts.Touch,
		channel: opts.Channel,
		buffer:  opts.Buffer,
		logger:  opts.Logger,
	}
	if p.channel == nil {
		p.channel = defaultChannel
	}
	if p.buffer <= 0 {
		p.buffer = 64
	}
	if p.logger == nil {
		p.logger = telemetry.NewNoopLogger()
	}
	return p
}

// Broadcast implements session.Publisher. Publish and audit failures are
// logged and swallowed; the audit append is attempted even when the publish
// fails.
func (p *Publisher) Broadcast(ctx context.Context, sessionID string, payload session.Payload) {
	if p.rdb == nil {
		return
	}
	if err := p.rdb.Publish(ctx, p.channel(sessionID), payload.Encode()).Err(); err != nil {
		p.logger.Debug(ctx, "publish failed", "session", sessionID, "type", string(payload.Type), "err", err)
	}
	if p.audit == nil {
		return
	}
	if err := p.audit.Record(ctx, sessionID, payload); err != nil {
		p.logger.Debug(ctx, "audit append failed", "session", sessionID, "type", string(payload.Type), "err", err)
		return
	}
	if p.touch != nil {
		p.touch(ctx, sessionID)
	}
}

// Subscribe implements session.Publisher. It returns once the subscription is
// confirmed by Redis so no payload published afterwards is missed.
func (p *Publisher) Subscribe(ctx context.Context, sessionID string) (session.Subscription, error) {
	if p.rdb == nil {
		return nil, session.ErrStoreUnavailable
	}
	ps := p.rdb.Subscribe(ctx, p.channel(sessionID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: subscribe: %v", session.ErrStoreUnavailable, err)
	}
	s := &subscription{
		ps:   ps,
		out:  make(chan []byte, p.buffer),
		done: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.forward()
	return s, nil
}

func (s *subscription) forward() {
	defer s.wg.Done()
	defer close(s.out)
	in := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- []byte(msg.Payload):
			case <-s.done:
				return
			}
		}
	}
}

func (s *subscription) Messages() <-chan []byte { return s.out }

// Close unsubscribes and waits for the forwarding goroutine to exit.
func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
		s.wg.Wait()
	})
	return err
}

func defaultChannel(sessionID string) string {
	return "session:" + sessionID + ":fanout"
}
