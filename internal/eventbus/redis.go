package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alekspetrov/ticketd/internal/logging"
	"github.com/alekspetrov/ticketd/internal/ticket"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "ticketd:events"

const (
	publishTimeout = 5 * time.Second
	flushTimeout   = 10 * time.Second

	// DefaultPublishBuffer is how many events may wait for Redis before new
	// ones are dropped.
	DefaultPublishBuffer = 1024
)

// Publisher is anything that accepts events.
type Publisher interface {
	Publish(e *ticket.Event)
}

// publishClient is the part of the Redis client the publisher uses.
type publishClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher publishes events to a Redis channel from a single sender
// goroutine, so Publish never waits on Redis and events keep their order.
// When the buffer is full the event is dropped and logged; pub/sub delivery
// is best effort anyway.
type RedisPublisher struct {
	client  publishClient
	channel string
	log     *slog.Logger

	pending chan *ticket.Event
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewRedisPublisher creates a publisher on channel and starts its sender.
// Call Close to flush and stop it.
func NewRedisPublisher(client redis.UniversalClient, channel string) *RedisPublisher {
	return newRedisPublisher(client, channel, DefaultPublishBuffer)
}

func newRedisPublisher(client publishClient, channel string, buffer int) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &RedisPublisher{
		client:  client,
		channel: channel,
		log:     logging.WithComponent("eventbus"),
		pending: make(chan *ticket.Event, buffer),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	go p.run()
	return p
}

// Publish queues e for sending. It never blocks.
func (p *RedisPublisher) Publish(e *ticket.Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.dropped.Add(1)
		return
	}
	select {
	case p.pending <- e:
	default:
		p.dropped.Add(1)
		p.log.Warn("Event queue full, dropping event",
			slog.String("ticket_id", e.TicketID),
			slog.String("state", string(e.State)),
		)
	}
}

// Dropped returns how many events were discarded without being sent.
func (p *RedisPublisher) Dropped() int64 {
	return p.dropped.Load()
}

// Close stops accepting events and sends the queued ones, giving up after
// flushTimeout.
func (p *RedisPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.pending)
	p.mu.Unlock()

	timer := time.NewTimer(flushTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		p.log.Warn("Timed out flushing events", slog.Int("pending", len(p.pending)))
		p.cancel()
		<-p.done
	}
	p.cancel()
	return nil
}

func (p *RedisPublisher) run() {
	defer close(p.done)
	for e := range p.pending {
		p.send(e)
	}
}

func (p *RedisPublisher) send(e *ticket.Event) {
	data, err := Encode(e)
	if err != nil {
		p.log.Error("Failed to encode event", slog.String("ticket_id", e.TicketID), slog.Any("error", err))
		return
	}
	ctx, cancel := context.WithTimeout(p.ctx, publishTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		p.log.Warn("Failed to publish event",
			slog.String("ticket_id", e.TicketID),
			slog.String("state", string(e.State)),
			slog.Any("error", err),
		)
	}
}

// Relay forwards events from a Redis channel to a local publisher, usually
// the hub.
type Relay struct {
	client  redis.UniversalClient
	channel string
	dst     Publisher
	log     *slog.Logger
}

// NewRelay creates a relay from channel into dst.
func NewRelay(client redis.UniversalClient, channel string, dst Publisher) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Relay{
		client:  client,
		channel: channel,
		dst:     dst,
		log:     logging.WithComponent("eventbus"),
	}
}

// Run subscribes and forwards events until ctx is cancelled. It returns nil
// on cancellation and an error if the subscription cannot be established or
// is lost.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	r.log.Info("Event relay subscribed", slog.String("channel", r.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("event subscription closed")
			}
			e, err := Decode([]byte(msg.Payload))
			if err != nil {
				r.log.Warn("Dropping undecodable event", slog.Any("error", err))
				continue
			}
			r.dst.Publish(e)
		}
	}
}
