package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alekspetrov/ticketd/internal/gateway"
	"github.com/alekspetrov/ticketd/internal/orchestrator"
	"github.com/alekspetrov/ticketd/internal/ticket"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/tickets", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if body["kind"] == "bogus" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown task kind"})
			return
		}
		status := http.StatusCreated
		if body["title"] == "slow queue" {
			status = http.StatusAccepted
		}
		writeJSON(w, status, ticket.Ticket{
			ID:    "t-1",
			Owner: r.Header.Get(gateway.OwnerHeader),
			Kind:  ticket.Kind(body["kind"].(string)),
			State: ticket.StatePending,
		})
	})
	mux.HandleFunc("GET /api/v1/tickets", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != "failed" || q.Get("limit") != "5" || q.Has("offset") {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unexpected query " + r.URL.RawQuery})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tickets": []ticket.Ticket{{ID: "t-1", State: ticket.StateFailed}},
			"total":   1, "limit": 5, "offset": 0,
		})
	})
	mux.HandleFunc("GET /api/v1/tickets/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "t-1" {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "ticket not found"})
			return
		}
		writeJSON(w, http.StatusOK, ticket.Ticket{ID: "t-1", State: ticket.StateCompleted})
	})
	mux.HandleFunc("POST /api/v1/tickets/{id}/reprocess", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "only failed tickets can be reprocessed"})
	})
	mux.HandleFunc("GET /api/v1/tickets/{id}/attempts", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"ticket_id": r.PathValue("id"),
			"attempts":  []ticket.Attempt{{ID: "a-1", TicketID: r.PathValue("id"), Number: 1}},
		})
	})
	mux.HandleFunc("DELETE /api/v1/tickets/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret-token" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing token"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("PATCH /api/v1/tickets/{id}", func(w http.ResponseWriter, r *http.Request) {
		var req orchestrator.DetailsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "nothing to update"})
			return
		}
		writeJSON(w, http.StatusOK, ticket.Ticket{ID: r.PathValue("id"), Title: *req.Title})
	})
	mux.HandleFunc("POST /api/v1/files", func(w http.ResponseWriter, r *http.Request) {
		f, header, err := r.FormFile("file")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		defer func() { _ = f.Close() }()
		data, _ := io.ReadAll(f)
		writeJSON(w, http.StatusCreated, map[string]any{
			"file_ref":   r.Header.Get(gateway.OwnerHeader) + "/id-" + header.Filename,
			"name":       header.Filename,
			"size_bytes": len(data),
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSubmit(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.URL+"/", WithOwner("alice"))
	ctx := context.Background()

	res, err := c.Submit(ctx, orchestrator.SubmitRequest{Kind: ticket.KindCustom, Input: json.RawMessage(`{"prompt":"hi"}`)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.Queued || res.Ticket.ID != "t-1" || res.Ticket.Owner != "alice" {
		t.Errorf("result = %+v, ticket %+v", res, res.Ticket)
	}

	res, err = c.Submit(ctx, orchestrator.SubmitRequest{Kind: ticket.KindCustom, Title: "slow queue"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Queued {
		t.Error("202 should report the ticket as not queued")
	}

	_, err = c.Submit(ctx, orchestrator.SubmitRequest{Kind: "bogus"})
	if !errors.Is(err, ticket.ErrInvalidInput) {
		t.Fatalf("bogus kind err = %v", err)
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Message != "unknown task kind" {
		t.Errorf("api error = %+v", apiErr)
	}
}

func TestGetListAttempts(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.URL)
	ctx := context.Background()

	got, err := c.Get(ctx, "t-1")
	if err != nil || got.State != ticket.StateCompleted {
		t.Fatalf("Get = %+v, %v", got, err)
	}
	if _, err := c.Get(ctx, "missing"); !errors.Is(err, ticket.ErrNotFound) {
		t.Errorf("missing ticket err = %v", err)
	}

	list, err := c.List(ctx, ListOptions{State: ticket.StateFailed, Limit: 5})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if list.Total != 1 || len(list.Tickets) != 1 || list.Limit != 5 {
		t.Errorf("list = %+v", list)
	}

	attempts, err := c.Attempts(ctx, "t-1")
	if err != nil {
		t.Fatalf("Attempts: %v", err)
	}
	if len(attempts) != 1 || attempts[0].Number != 1 {
		t.Errorf("attempts = %+v", attempts)
	}
}

func TestReprocessAndDelete(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	c := New(srv.URL, WithToken("secret-token"))
	if _, err := c.Reprocess(ctx, "t-1"); !errors.Is(err, ticket.ErrConflict) {
		t.Errorf("reprocess err = %v", err)
	}
	if err := c.Delete(ctx, "t-1"); err != nil {
		t.Errorf("Delete: %v", err)
	}

	anon := New(srv.URL)
	if err := anon.Delete(ctx, "t-1"); !errors.Is(err, gateway.ErrInvalidToken) {
		t.Errorf("unauthenticated delete err = %v", err)
	}
}

func TestUpdateDetailsAndUpload(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.URL, WithOwner("alice"))
	ctx := context.Background()

	title := "Renamed"
	got, err := c.UpdateDetails(ctx, "t-7", orchestrator.DetailsRequest{Title: &title})
	if err != nil || got.ID != "t-7" || got.Title != "Renamed" {
		t.Fatalf("UpdateDetails = %+v, %v", got, err)
	}
	if _, err := c.UpdateDetails(ctx, "t-7", orchestrator.DetailsRequest{}); !errors.Is(err, ticket.ErrInvalidInput) {
		t.Errorf("empty update err = %v", err)
	}

	stored, err := c.Upload(ctx, "notes.md", strings.NewReader("ship it"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if stored.FileRef != "alice/id-notes.md" || stored.Name != "notes.md" || stored.SizeBytes != 7 {
		t.Errorf("stored = %+v", stored)
	}
}

func TestWebSocketURL(t *testing.T) {
	tests := map[string]string{
		"http://127.0.0.1:8080":    "ws://127.0.0.1:8080/ws",
		"https://tickets.example/": "wss://tickets.example/ws",
	}
	for base, want := range tests {
		if got := New(base).WebSocketURL(); got != want {
			t.Errorf("WebSocketURL(%q) = %q, want %q", base, got, want)
		}
	}
}

func TestHeader(t *testing.T) {
	h := New("http://x", WithToken("tok"), WithOwner("bob")).Header()
	if h.Get("Authorization") != "Bearer tok" || h.Get(gateway.OwnerHeader) != "bob" {
		t.Errorf("header = %v", h)
	}
	if len(New("http://x").Header()) != 0 {
		t.Error("anonymous client should send no credentials")
	}
}
