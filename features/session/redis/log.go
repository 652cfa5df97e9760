package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"goa.design/chorus/runtime/agent/session"
	"goa.design/chorus/runtime/agent/telemetry"
)

const (
	// DefaultGroup is the consumer group shared by all workers.
	DefaultGroup = "worker-group"
	// DefaultMaxLen is the approximate length cap of a session event stream.
	DefaultMaxLen = 500
	// DefaultBlock is how long a read waits for new entries.
	DefaultBlock = 50 * time.Millisecond
)

type (
	// LogOptions configures the Redis session log.
	LogOptions struct {
		// Redis is the client used for every operation. Nil disables the log.
		Redis *goredis.Client
		// Group is the consumer group name. Defaults to DefaultGroup.
		Group string
		// MaxLen caps each stream length. Defaults to DefaultMaxLen.
		MaxLen int64
		// Block is the read blocking duration. Defaults to DefaultBlock.
		Block time.Duration
		// Touch refreshes session TTLs after each append. Optional.
		Touch func(ctx context.Context, sessionID string)
		// Logger receives swallowed substrate errors.
		Logger telemetry.Logger
	}

	// Log implements session.Log with one Redis stream per session and a
	// shared consumer group.
	Log struct {
		rdb    *goredis.Client
		group  string
		maxLen int64
		block  time.Duration
		touch  func(context.Context, string)
		logger telemetry.Logger
	}
)

var _ session.Log = (*Log)(nil)

// NewLog returns a Log.
func NewLog(opts LogOptions) *Log {
	l := &Log{
		rdb:    opts.Redis,
		group:  opts.Group,
		maxLen: opts.MaxLen,
		block:  opts.Block,
		touch:  opts.Touch,
		logger: opts.Logger,
	}
	if l.group == "" {
		l.group = DefaultGroup
	}
	if l.maxLen <= 0 {
		l.maxLen = DefaultMaxLen
	}
	if l.block <= 0 {
		l.block = DefaultBlock
	}
	if l.logger == nil {
		l.logger = telemetry.NewNoopLogger()
	}
	return l
}

// Group returns the consumer group name.
func (l *Log) Group() string { return l.group }

// EnsureGroup implements session.Log. The stream is created if needed and
// the group starts at the beginning of the stream.
func (l *Log) EnsureGroup(ctx context.Context, sessionID string) {
	if l.rdb == nil {
		return
	}
	err := l.rdb.XGroupCreateMkStream(ctx, EventsKey(sessionID), l.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		l.logger.Debug(ctx, "create consumer group failed", "session", sessionID, "group", l.group, "err", err)
	}
}

// Enqueue implements session.Log.
func (l *Log) Enqueue(ctx context.Context, sessionID string, fields map[string]string) string {
	if l.rdb == nil {
		return ""
	}
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := l.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: EventsKey(sessionID),
		MaxLen: l.maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		l.logger.Debug(ctx, "enqueue failed", "session", sessionID, "err", err)
		return ""
	}
	l.EnsureGroup(ctx, sessionID)
	if l.touch != nil {
		l.touch(ctx, sessionID)
	}
	return id
}

// Read implements session.Log. It issues a single XREADGROUP for one entry
// over every watched stream. A NOGROUP error creates the missing groups on
// the streams that still exist and retries once without the expired ones.
func (l *Log) Read(ctx context.Context, consumer string, sessionIDs []string) ([]session.Event, error) {
	if l.rdb == nil {
		return nil, session.ErrStoreUnavailable
	}
	if len(sessionIDs) == 0 {
		return nil, nil
	}
	out, err := l.read(ctx, consumer, sessionIDs)
	if err == nil || !isNoGroup(err) {
		return out, err
	}
	live := l.joinExisting(ctx, sessionIDs)
	if len(live) == 0 || len(live) == len(sessionIDs) {
		return nil, nil
	}
	out, err = l.read(ctx, consumer, live)
	if err != nil && isNoGroup(err) {
		return nil, nil
	}
	return out, err
}

func (l *Log) read(ctx context.Context, consumer string, sessionIDs []string) ([]session.Event, error) {
	streams := make([]string, 0, 2*len(sessionIDs))
	byKey := make(map[string]string, len(sessionIDs))
	for _, id := range sessionIDs {
		key := EventsKey(id)
		streams = append(streams, key)
		byKey[key] = id
	}
	for range sessionIDs {
		streams = append(streams, ">")
	}
	res, err := l.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    l.group,
		Consumer: consumer,
		Streams:  streams,
		Count:    1,
		Block:    l.block,
	}).Result()
	switch {
	case errors.Is(err, goredis.Nil):
		return nil, nil
	case err != nil && isNoGroup(err):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("read session logs: %w", err)
	}
	var out []session.Event
	for _, st := range res {
		for _, msg := range st.Messages {
			out = append(out, session.Event{
				ID:        msg.ID,
				SessionID: byKey[st.Stream],
				Fields:    stringFields(msg.Values),
			})
		}
	}
	return out, nil
}

// joinExisting creates the consumer group on the streams of sessionIDs that
// exist and returns their sessions. Streams of expired sessions are not
// recreated so their keys stay gone.
func (l *Log) joinExisting(ctx context.Context, sessionIDs []string) []string {
	cmds := make([]*goredis.StatusCmd, len(sessionIDs))
	_, _ = l.rdb.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for i, id := range sessionIDs {
			cmds[i] = p.XGroupCreate(ctx, EventsKey(id), l.group, "0")
		}
		return nil
	})
	live := make([]string, 0, len(sessionIDs))
	for i, cmd := range cmds {
		err := cmd.Err()
		switch {
		case err == nil || isBusyGroup(err):
			live = append(live, sessionIDs[i])
		case isMissingKey(err):
		default:
			l.logger.Debug(ctx, "create consumer group failed", "session", sessionIDs[i], "group", l.group, "err", err)
		}
	}
	return live
}

// Ack implements session.Log.
func (l *Log) Ack(ctx context.Context, ev session.Event) error {
	if l.rdb == nil {
		return session.ErrStoreUnavailable
	}
	return l.rdb.XAck(ctx, EventsKey(ev.SessionID), l.group, ev.ID).Err()
}

func stringFields(values map[string]any) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		switch t := v.(type) {
		case string:
			out[k] = t
		case nil:
			out[k] = ""
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}

func isBusyGroup(err error) bool {
	return strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func isNoGroup(err error) bool {
	return strings.HasPrefix(err.Error(), "NOGROUP")
}

func isMissingKey(err error) bool {
	return strings.Contains(err.Error(), "requires the key to exist")
}
