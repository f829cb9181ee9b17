package redislock_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
	"github.com/ardanlabs/txrelay/foundation/blockchain/keylock/redislock"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestLocker(t *testing.T) {
	addr := os.Getenv("NODE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("NODE_TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	l := redislock.New(client, "test:"+uuid.NewString()+":", 5*time.Second)

	unlock, err := l.Lock(ctx, "sender", time.Second)
	require.NoError(t, err)

	_, err = l.Lock(ctx, "sender", 50*time.Millisecond)
	require.ErrorIs(t, err, database.ErrResourceBusy)

	unlock()

	again, err := l.Lock(ctx, "sender", time.Second)
	require.NoError(t, err)
	again()
}
