package eventbus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alekspetrov/ticketd/internal/ticket"
)

func sampleEvent() *ticket.Event {
	return &ticket.Event{
		ID:           "e-1",
		TicketID:     "t-1",
		Owner:        "alice",
		Kind:         ticket.KindReportWriting,
		Title:        "Quarterly",
		State:        ticket.StateFailed,
		AttemptCount: 2,
		Result:       json.RawMessage(`{"paper_content":"# Q3"}`),
		Error:        "upstream timed out",
		ErrorCode:    ticket.CodeTimeout,
		Retryable:    true,
		Timestamp:    time.Date(2026, 3, 1, 12, 30, 0, 123456789, time.UTC),
	}
}

func TestCodecPreservesEvent(t *testing.T) {
	in := sampleEvent()
	data, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if !out.Timestamp.Equal(in.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", out.Timestamp, in.Timestamp)
	}
	if !bytes.Equal(out.Result, in.Result) {
		t.Errorf("Result = %s, want %s", out.Result, in.Result)
	}
	if out.State != in.State || out.ErrorCode != in.ErrorCode || !out.Retryable || out.AttemptCount != 2 {
		t.Errorf("decoded = %+v", out)
	}
}

func TestCodecIsDeterministic(t *testing.T) {
	a, err := Encode(sampleEvent())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, _ := Encode(sampleEvent())
	if !bytes.Equal(a, b) {
		t.Error("same event encoded to different bytes")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte{0xff, 0x00}); err == nil {
		t.Error("expected error")
	}
}

type collector struct {
	mu     sync.Mutex
	events []*ticket.Event
	got    chan struct{}
}

func (c *collector) Publish(e *ticket.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	select {
	case c.got <- struct{}{}:
	default:
	}
}

// gatedClient holds every publish until gate is closed, like a Redis server
// that stopped answering.
type gatedClient struct {
	gate chan struct{}
	mu   sync.Mutex
	sent []string
}

func (c *gatedClient) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "publish", channel, message)
	select {
	case <-c.gate:
	case <-ctx.Done():
		cmd.SetErr(ctx.Err())
		return cmd
	}
	e, err := Decode(message.([]byte))
	if err != nil {
		cmd.SetErr(err)
		return cmd
	}
	c.mu.Lock()
	c.sent = append(c.sent, e.TicketID)
	c.mu.Unlock()
	cmd.SetVal(1)
	return cmd
}

func TestPublishDoesNotWaitForRedis(t *testing.T) {
	client := &gatedClient{gate: make(chan struct{})}
	pub := newRedisPublisher(client, "ticketd:test", 4)

	const n = 20
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			e := sampleEvent()
			e.TicketID = fmt.Sprintf("t-%d", i)
			pub.Publish(e)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a stalled Redis")
	}
	if pub.Dropped() == 0 {
		t.Error("full buffer dropped nothing")
	}

	close(client.gate)
	if err := pub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	client.mu.Lock()
	sent := append([]string(nil), client.sent...)
	client.mu.Unlock()
	if int64(len(sent))+pub.Dropped() != n {
		t.Errorf("sent %d + dropped %d != %d", len(sent), pub.Dropped(), n)
	}
	last := -1
	for _, id := range sent {
		i, _ := strconv.Atoi(strings.TrimPrefix(id, "t-"))
		if i <= last {
			t.Errorf("events out of order: %v", sent)
			break
		}
		last = i
	}

	before := pub.Dropped()
	pub.Publish(sampleEvent())
	if pub.Dropped() != before+1 {
		t.Error("publish after Close was not counted as dropped")
	}
}

func TestRedisRelay(t *testing.T) {
	url := os.Getenv("TICKETD_TEST_REDIS_URL")
	if url == "" {
		t.Skip("TICKETD_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	client := redis.NewClient(opts)
	defer func() { _ = client.Close() }()

	channel := "ticketd:test:events:" + uuid.NewString()
	dst := &collector{got: make(chan struct{}, 4)}
	relay := NewRelay(client, channel, dst)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	pub := NewRedisPublisher(client, channel)
	defer func() { _ = pub.Close() }()
	deadline := time.Now().Add(5 * time.Second)
wait:
	for {
		// Keep publishing until the relay's subscription is live.
		pub.Publish(sampleEvent())
		select {
		case <-dst.got:
			break wait
		case <-time.After(50 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("relay never received an event")
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
	dst.mu.Lock()
	defer dst.mu.Unlock()
	if dst.events[0].TicketID != "t-1" {
		t.Errorf("relayed %+v", dst.events[0])
	}
}
