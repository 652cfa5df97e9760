package inmem

import (
	"context"
	"slices"
	"sync"

	"goa.design/chorus/runtime/agent/session"
)

type (
	// Publisher is an in-memory implementation of session.Publisher. It
	// records every broadcast payload in order.
	Publisher struct {
		mu        sync.Mutex
		subs      map[string]map[*subscription]struct{}
		published map[string][]session.Payload
		all       []session.Payload
	}

	subscription struct {
		pub       *Publisher
		sessionID string
		ch        chan []byte
		once      sync.Once
	}
)

// NewPublisher returns a Publisher with no subscribers.
func NewPublisher() *Publisher {
	return &Publisher{
		subs:      make(map[string]map[*subscription]struct{}),
		published: make(map[string][]session.Payload),
	}
}

// Broadcast implements session.Publisher. Slow subscribers drop payloads.
func (p *Publisher) Broadcast(_ context.Context, sessionID string, payload session.Payload) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published[sessionID] = append(p.published[sessionID], payload)
	p.all = append(p.all, payload)
	data := payload.Encode()
	for s := range p.subs[sessionID] {
		select {
		case s.ch <- data:
		default:
		}
	}
}

// Subscribe implements session.Publisher.
func (p *Publisher) Subscribe(_ context.Context, sessionID string) (session.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &subscription{pub: p, sessionID: sessionID, ch: make(chan []byte, 64)}
	if p.subs[sessionID] == nil {
		p.subs[sessionID] = make(map[*subscription]struct{})
	}
	p.subs[sessionID][s] = struct{}{}
	return s, nil
}

// Published returns the payloads broadcast to the session, in order.
func (p *Publisher) Published(sessionID string) []session.Payload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.published[sessionID])
}

// Types returns the payload types broadcast to the session, in order.
func (p *Publisher) Types(sessionID string) []session.PayloadType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]session.PayloadType, 0, len(p.published[sessionID]))
	for _, pl := range p.published[sessionID] {
		out = append(out, pl.Type)
	}
	return out
}

// Subscribers returns the number of open subscriptions for the session.
func (p *Publisher) Subscribers(sessionID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs[sessionID])
}

func (s *subscription) Messages() <-chan []byte { return s.ch }

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.pub.mu.Lock()
		delete(s.pub.subs[s.sessionID], s)
		s.pub.mu.Unlock()
		close(s.ch)
	})
	return nil
}
