// Package redislock provides a per key critical section backed by redis so
// several node processes sharing one store serialize admission per sender.
package redislock

import (
	"context"
	"fmt"
	"time"

	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// release deletes the key only when it still holds our token.
var release = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Locker acquires locks with SET NX and a lease so a crashed holder never
// keeps a key locked forever.
type Locker struct {
	client redis.UniversalClient
	prefix string
	lease  time.Duration
	poll   time.Duration
}

// New constructs a redis backed locker.
func New(client redis.UniversalClient, prefix string, lease time.Duration) *Locker {
	return &Locker{
		client: client,
		prefix: prefix,
		lease:  lease,
		poll:   10 * time.Millisecond,
	}
}

// Lock waits up to the specified duration to acquire the lock for the key.
// ErrResourceBusy is returned if the lock could not be acquired in time.
func (l *Locker) Lock(ctx context.Context, key string, wait time.Duration) (func(), error) {
	name := l.prefix + key
	token := uuid.NewString()

	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, name, token, l.lease).Result()
		if err != nil {
			return nil, fmt.Errorf("redislock: setnx %s: %w", name, err)
		}

		if ok {
			unlock := func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				release.Run(ctx, l.client, []string{name}, token)
			}
			return unlock, nil
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			return nil, database.ErrResourceBusy
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
