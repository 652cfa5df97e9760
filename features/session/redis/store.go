package redis

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"goa.design/chorus/runtime/agent/session"
	"goa.design/chorus/runtime/agent/telemetry"
)

const (
	// DefaultTTL is the sliding expiry applied to every session key.
	DefaultTTL = 24 * time.Hour
	// DefaultRecentLimit is the size of the recent window.
	DefaultRecentLimit = 50

	defaultOpTimeout = 2 * time.Second
	storeClientName  = "session-redis"
)

type (
	// Options configures the Redis session store.
	Options struct {
		// Redis is the client used for every operation. When nil the store
		// runs degraded: writes are dropped and reads return empty values.
		Redis *goredis.Client
		// TTL is the sliding expiry of session keys. Defaults to DefaultTTL.
		TTL time.Duration
		// RecentLimit bounds the recent window. Defaults to DefaultRecentLimit.
		RecentLimit int
		// Timeout bounds each Redis round trip. Defaults to 2s.
		Timeout time.Duration
		// Logger receives swallowed substrate errors at debug level.
		Logger telemetry.Logger
	}

	// Store implements session.Store on Redis. It also implements the clue
	// health.Pinger interface.
	Store struct {
		rdb     *goredis.Client
		ttl     time.Duration
		limit   int
		timeout time.Duration
		logger  telemetry.Logger
	}
)

var _ session.Store = (*Store)(nil)

// NewStore returns a Store. It never fails; a nil client yields a degraded
// store.
func NewStore(opts Options) *Store {
	s := &Store{
		rdb:     opts.Redis,
		ttl:     opts.TTL,
		limit:   opts.RecentLimit,
		timeout: opts.Timeout,
		logger:  opts.Logger,
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	if s.limit <= 0 {
		s.limit = DefaultRecentLimit
	}
	if s.timeout <= 0 {
		s.timeout = defaultOpTimeout
	}
	if s.logger == nil {
		s.logger = telemetry.NewNoopLogger()
	}
	return s
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeClientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if s.rdb == nil {
		return session.ErrStoreUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.rdb.Ping(ctx).Err()
}

// Available implements session.Store.
func (s *Store) Available(ctx context.Context) bool {
	return s.Ping(ctx) == nil
}

// RecentLimit returns the size of the recent window.
func (s *Store) RecentLimit() int { return s.limit }

// AppendRecent implements session.Store.
func (s *Store) AppendRecent(ctx context.Context, sessionID string, msg session.Message) {
	if s.rdb == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error(ctx, "encode recent message failed", "session", sessionID, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	key := RecentKey(sessionID)
	_, err = s.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.RPush(ctx, key, data)
		p.LTrim(ctx, key, int64(-s.limit), -1)
		return nil
	})
	if err != nil {
		s.swallow(ctx, "append recent", sessionID, err)
		return
	}
	s.Touch(ctx, sessionID)
}

// RecentMessages implements session.Store. Entries that fail to decode are
// skipped.
func (s *Store) RecentMessages(ctx context.Context, sessionID string) []session.Message {
	if s.rdb == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	vals, err := s.rdb.LRange(ctx, RecentKey(sessionID), 0, -1).Result()
	if err != nil {
		s.swallow(ctx, "read recent", sessionID, err)
		return nil
	}
	out := make([]session.Message, 0, len(vals))
	for _, v := range vals {
		var m session.Message
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			s.logger.Debug(ctx, "skipping undecodable recent message", "session", sessionID, "err", err)
			continue
		}
		out = append(out, m)
	}
	return out
}

// UpdateSummary implements session.Store.
func (s *Store) UpdateSummary(ctx context.Context, sessionID, text string) {
	if s.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	now := strconv.FormatFloat(float64(time.Now().UnixMicro())/1e6, 'f', 6, 64)
	if err := s.rdb.HSet(ctx, SummaryKey(sessionID), "text", text, "updated_at", now).Err(); err != nil {
		s.swallow(ctx, "update summary", sessionID, err)
		return
	}
	s.Touch(ctx, sessionID)
}

// Summary implements session.Store.
func (s *Store) Summary(ctx context.Context, sessionID string) session.Summary {
	if s.rdb == nil {
		return session.Summary{}
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	vals, err := s.rdb.HMGet(ctx, SummaryKey(sessionID), "text", "updated_at").Result()
	if err != nil {
		s.swallow(ctx, "read summary", sessionID, err)
		return session.Summary{}
	}
	var sum session.Summary
	if text, ok := vals[0].(string); ok {
		sum.Text = text
	}
	if ts, ok := vals[1].(string); ok {
		if secs, err := strconv.ParseFloat(ts, 64); err == nil {
			sum.UpdatedAt = time.UnixMicro(int64(secs * 1e6)).UTC()
		}
	}
	return sum
}

// AddFact implements session.Store. The list keeps RecentLimit+1 entries.
func (s *Store) AddFact(ctx context.Context, sessionID, fact string) {
	if s.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	key := FactsKey(sessionID)
	_, err := s.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.LPush(ctx, key, fact)
		p.LTrim(ctx, key, 0, int64(s.limit))
		return nil
	})
	if err != nil {
		s.swallow(ctx, "add fact", sessionID, err)
		return
	}
	s.Touch(ctx, sessionID)
}

// Facts implements session.Store.
func (s *Store) Facts(ctx context.Context, sessionID string) []string {
	if s.rdb == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	facts, err := s.rdb.LRange(ctx, FactsKey(sessionID), 0, -1).Result()
	if err != nil {
		s.swallow(ctx, "read facts", sessionID, err)
		return nil
	}
	return facts
}

// RegisterSession implements session.Store. The session TTL is refreshed
// even when the registration fails.
func (s *Store) RegisterSession(ctx context.Context, sessionID string) {
	if s.rdb == nil {
		return
	}
	defer s.Touch(ctx, sessionID)
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.rdb.SAdd(ctx, RegistryKey, sessionID).Err(); err != nil {
		s.swallow(ctx, "register session", sessionID, err)
	}
}

// KnownSessions implements session.Store.
func (s *Store) KnownSessions(ctx context.Context) []string {
	if s.rdb == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ids, err := s.rdb.SMembers(ctx, RegistryKey).Result()
	if err != nil {
		s.swallow(ctx, "list sessions", "", err)
		return nil
	}
	return ids
}

// ForgetSession removes the session from the registry. Its keys are left to
// expire.
func (s *Store) ForgetSession(ctx context.Context, sessionID string) error {
	if s.rdb == nil {
		return session.ErrStoreUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.rdb.SRem(ctx, RegistryKey, sessionID).Err()
}

// Expired reports whether every context key of the session is gone, meaning
// the session sliding TTL elapsed.
func (s *Store) Expired(ctx context.Context, sessionID string) (bool, error) {
	if s.rdb == nil {
		return false, session.ErrStoreUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.rdb.Exists(ctx, sessionKeys(sessionID)...).Result()
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// Touch refreshes the sliding TTL of every session key. Keys that do not
// exist are unaffected.
func (s *Store) Touch(ctx context.Context, sessionID string) {
	if s.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.rdb.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for _, key := range sessionKeys(sessionID) {
			p.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		s.swallow(ctx, "refresh ttl", sessionID, err)
	}
}

func (s *Store) swallow(ctx context.Context, op, sessionID string, err error) {
	if errors.Is(err, goredis.Nil) {
		return
	}
	s.logger.Debug(ctx, "redis operation failed", "op", op, "session", sessionID, "err", err)
}
