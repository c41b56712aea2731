package dataplatform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alekspetrov/ticketd/internal/clients"
	"github.com/alekspetrov/ticketd/internal/testutil"
)

func TestQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/query" || r.Method != http.MethodPost {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer "+testutil.FakeDataPlatformToken {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		var req queryRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Question != "top customers" {
			t.Errorf("question = %q", req.Question)
		}
		_, _ = w.Write([]byte(`{"sql":"SELECT name FROM customers LIMIT 2",
			"rows":[{"name":"a"},{"name":"b"}],"summary":"two customers"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, testutil.FakeDataPlatformToken, 5*time.Second)
	ans, err := c.Query(context.Background(), "top customers")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if ans.SQL == "" || len(ans.Rows) != 2 || ans.Query != "top customers" {
		t.Errorf("answer = %+v", ans)
	}
}

func TestQueryErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantStage Stage
		transient bool
	}{
		{"translation", http.StatusUnprocessableEntity, `{"error":{"stage":"translation","message":"ambiguous"}}`, StageTranslation, false},
		{"execution", http.StatusOK, `{"error":{"stage":"execution","message":"table missing"}}`, StageExecution, false},
		{"unavailable", http.StatusServiceUnavailable, `down`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewClient(server.URL, "", time.Second).Query(context.Background(), "q")
			if err == nil {
				t.Fatal("expected error")
			}
			var qe *QueryError
			if tt.wantStage != "" {
				if !errors.As(err, &qe) || qe.Stage != tt.wantStage {
					t.Errorf("err = %v, want stage %s", err, tt.wantStage)
				}
			}
			if clients.IsTransient(err) != tt.transient {
				t.Errorf("IsTransient = %v, want %v", clients.IsTransient(err), tt.transient)
			}
		})
	}
}
