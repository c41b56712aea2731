package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a list-backed queue shared by every ticketd process pointed at
// the same key. Producers LPUSH, consumers BRPOP.
type Redis struct {
	client *redis.Client
	key    string
}

var _ Queue = (*Redis)(nil)

// NewRedis returns a queue on key. The client is owned by the caller.
func NewRedis(client *redis.Client, key string) *Redis {
	return &Redis{client: client, key: key}
}

// Enqueue pushes id.
func (q *Redis) Enqueue(ctx context.Context, id string) error {
	if err := q.client.LPush(ctx, q.key, id).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", id, err)
	}
	return nil
}

// Dequeue blocks on BRPOP for up to wait.
func (q *Redis) Dequeue(ctx context.Context, wait time.Duration) (string, bool, error) {
	if wait < time.Second {
		// BRPOP timeouts below one second are rounded by older servers.
		wait = time.Second
	}
	res, err := q.client.BRPop(ctx, wait, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		return "", false, fmt.Errorf("dequeue: %w", err)
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return "", false, fmt.Errorf("dequeue: unexpected reply %v", res)
	}
	return res[1], true, nil
}

// Len returns LLEN of the queue key.
func (q *Redis) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// Close is a no-op; the shared client is closed by its owner.
func (q *Redis) Close() error {
	return nil
}
