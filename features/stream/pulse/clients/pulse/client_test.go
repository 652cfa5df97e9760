package pulse

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresRedis(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestStreamRequiresName(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer func() { _ = rdb.Close() }()

	c, err := New(Options{Redis: rdb, StreamMaxLen: 10, TTL: time.Hour})
	require.NoError(t, err)
	_, err = c.Stream("")
	require.Error(t, err)

	h, err := c.Stream("session:s1:eventlog")
	require.NoError(t, err)
	_, err = h.Add(context.Background(), "", nil)
	require.Error(t, err, "event name is required")
	require.NoError(t, c.Close(context.Background()))
}
