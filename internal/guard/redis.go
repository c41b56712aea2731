package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token, so a lease
// that outlived its TTL cannot release a newer holder's claim.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis guards ticket ids across processes with SET NX PX. The TTL bounds
// how long a crashed holder can block a ticket.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Guard = (*Redis)(nil)

// NewRedis returns a distributed guard. ttl should exceed the processing
// timeout so a live holder never loses its claim mid-run.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

// Acquire claims id.
func (g *Redis) Acquire(ctx context.Context, id string) (Lease, error) {
	key := g.prefix + id
	token := uuid.NewString()
	ok, err := g.client.SetNX(ctx, key, token, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire guard %s: %w", id, err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return &redisLease{client: g.client, key: key, token: token}, nil
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string

	once sync.Once
	err  error
}

func (l *redisLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
			l.err = fmt.Errorf("release guard %s: %w", l.key, err)
		}
	})
	return l.err
}
