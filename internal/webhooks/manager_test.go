package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alekspetrov/ticketd/internal/testutil"
	"github.com/alekspetrov/ticketd/internal/ticket"
)

func ticketEvent(state ticket.State, owner string) *ticket.Event {
	return &ticket.Event{
		ID:           "e-1",
		TicketID:     "t-1",
		Owner:        owner,
		Kind:         ticket.KindCustom,
		State:        state,
		AttemptCount: 1,
		Timestamp:    time.Now().UTC(),
	}
}

func fastRetry() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestManager_Dispatch_SignsAndDelivers(t *testing.T) {
	type delivery struct {
		event     Event
		signature string
		eventType string
		body      []byte
	}
	received := make(chan delivery, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var d delivery
		if err := json.Unmarshal(body, &d.event); err != nil {
			t.Errorf("failed to decode event: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		d.body = body
		d.signature = r.Header.Get("X-Ticketd-Signature")
		d.eventType = r.Header.Get("X-Ticketd-Event")
		received <- d
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	manager := NewManager(&Config{
		Enabled: true,
		Endpoints: []*EndpointConfig{{
			ID:      "ep_test",
			Name:    "Test Endpoint",
			URL:     server.URL,
			Secret:  testutil.FakeWebhookSecret,
			Events:  []EventType{EventTicketCompleted},
			Enabled: true,
		}},
	}, nil)
	defer manager.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := manager.Dispatch(ctx, NewEvent(ticketEvent(ticket.StateCompleted, "alice")))
	if len(results) != 1 || !results[0].Success || results[0].StatusCode != 200 {
		t.Fatalf("results = %+v", results)
	}

	select {
	case d := <-received:
		if d.event.Type != EventTicketCompleted || d.eventType != string(EventTicketCompleted) {
			t.Errorf("type = %s / header %s", d.event.Type, d.eventType)
		}
		if d.event.Data.TicketID != "t-1" || d.event.ID != "evt_e-1" {
			t.Errorf("data = %+v id = %s", d.event.Data, d.event.ID)
		}
		if !VerifySignature(d.body, d.signature, testutil.FakeWebhookSecret) {
			t.Error("signature does not verify")
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for event")
	}

	if got := manager.Stats().Deliveries; got != 1 {
		t.Errorf("Deliveries = %d, want 1", got)
	}
}

func TestManager_Dispatch_Filters(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	manager := NewManager(&Config{
		Enabled: true,
		Endpoints: []*EndpointConfig{{
			ID:      "ep_test",
			URL:     server.URL,
			Events:  []EventType{EventTicketCompleted, EventTicketFailed},
			Owners:  []string{"alice"},
			Enabled: true,
		}},
	}, nil)
	defer manager.Close()
	ctx := context.Background()

	manager.Dispatch(ctx, NewEvent(ticketEvent(ticket.StateProcessing, "alice")))
	manager.Dispatch(ctx, NewEvent(ticketEvent(ticket.StateFailed, "bob")))
	manager.Dispatch(ctx, NewEvent(ticketEvent(ticket.StateFailed, "alice")))

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected 1 call, got %d", got)
	}
}

func TestManager_Dispatch_RetryOnServerError(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	manager := NewManager(&Config{
		Enabled:   true,
		Endpoints: []*EndpointConfig{{ID: "ep_test", URL: server.URL, Enabled: true, Retry: fastRetry()}},
	}, nil)
	defer manager.Close()

	results := manager.Dispatch(context.Background(), NewEvent(ticketEvent(ticket.StateCompleted, "alice")))
	if len(results) != 1 || !results[0].Success || results[0].Attempts != 3 {
		t.Fatalf("results = %+v", results)
	}
	if got := manager.Stats().Retries; got != 2 {
		t.Errorf("Retries = %d, want 2", got)
	}
}

func TestManager_Dispatch_NoRetryOnClientError(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	manager := NewManager(&Config{
		Enabled:   true,
		Endpoints: []*EndpointConfig{{ID: "ep_test", URL: server.URL, Enabled: true, Retry: fastRetry()}},
	}, nil)
	defer manager.Close()

	results := manager.Dispatch(context.Background(), NewEvent(ticketEvent(ticket.StateCompleted, "alice")))
	if len(results) != 1 || results[0].Success || results[0].Attempts != 1 {
		t.Fatalf("results = %+v", results)
	}
	if got := manager.Stats().Failures; got != 1 {
		t.Errorf("Failures = %d, want 1", got)
	}
}

func TestManager_Disabled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("webhook should not be called when disabled")
	}))
	defer server.Close()

	manager := NewManager(&Config{
		Enabled:   false,
		Endpoints: []*EndpointConfig{{ID: "ep_test", URL: server.URL, Enabled: true}},
	}, nil)
	defer manager.Close()

	if results := manager.Dispatch(context.Background(), NewEvent(ticketEvent(ticket.StateCompleted, "alice"))); results != nil {
		t.Error("expected nil results when webhooks disabled")
	}
	if err := manager.Send(ticketEvent(ticket.StateCompleted, "alice")); err != nil {
		t.Errorf("Send: %v", err)
	}
}

func TestManager_SendDeliversInOrder(t *testing.T) {
	types := make(chan string, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		types <- r.Header.Get("X-Ticketd-Event")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	manager := NewManager(&Config{
		Enabled:   true,
		Endpoints: []*EndpointConfig{{ID: "ep_test", URL: server.URL, Enabled: true}},
	}, nil)

	for _, s := range []ticket.State{ticket.StateProcessing, ticket.StateFailed, ticket.StatePending} {
		if err := manager.Send(ticketEvent(s, "alice")); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	want := []EventType{EventTicketProcessing, EventTicketFailed, EventTicketPending}
	for i, w := range want {
		select {
		case got := <-types:
			if got != string(w) {
				t.Errorf("delivery %d = %s, want %s", i, got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("delivery %d never arrived", i)
		}
	}

	if err := manager.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	_ = manager.Close()
}

func TestSignature(t *testing.T) {
	payload := []byte(`{"type":"ticket.completed"}`)

	sig := Sign(payload, testutil.FakeWebhookSecret)
	if len(sig) != len("sha256=")+64 {
		t.Errorf("signature = %q", sig)
	}
	if !VerifySignature(payload, sig, testutil.FakeWebhookSecret) {
		t.Error("valid signature rejected")
	}
	if VerifySignature(payload, sig, "other-secret") {
		t.Error("signature accepted with wrong secret")
	}
	if VerifySignature([]byte(`{}`), sig, testutil.FakeWebhookSecret) {
		t.Error("signature accepted for different payload")
	}
	if Sign(payload, "") != "" {
		t.Error("expected empty signature without secret")
	}
}

func TestEventTypeFor(t *testing.T) {
	for _, s := range ticket.States() {
		et := EventTypeFor(s)
		found := false
		for _, known := range AllEventTypes() {
			if et == known {
				found = true
			}
		}
		if !found {
			t.Errorf("state %s maps to unknown event type %s", s, et)
		}
	}
}
