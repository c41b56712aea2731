package clients

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"429", &StatusError{StatusCode: 429}, true},
		{"503", fmt.Errorf("fetch: %w", &StatusError{StatusCode: 503}), true},
		{"404", &StatusError{StatusCode: 404}, false},
		{"403", &StatusError{StatusCode: 403}, false},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"net", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"eof", io.ErrUnexpectedEOF, true},
		{"decode", errors.New("invalid character"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCheckResponse(t *testing.T) {
	ok := &http.Response{StatusCode: 204, Body: io.NopCloser(strings.NewReader(""))}
	if err := CheckResponse("github", ok); err != nil {
		t.Errorf("2xx should pass: %v", err)
	}

	bad := &http.Response{StatusCode: 502, Body: io.NopCloser(strings.NewReader("bad gateway"))}
	err := CheckResponse("github", bad)
	if StatusCode(err) != 502 {
		t.Fatalf("StatusCode = %d", StatusCode(err))
	}
	if !strings.Contains(err.Error(), "bad gateway") {
		t.Errorf("error = %q", err)
	}
}
