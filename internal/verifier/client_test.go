package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/unclebandit/outreach-sequencer/internal/config"
	appErrors "github.com/unclebandit/outreach-sequencer/internal/errors"
)

func newTestClient(url string) *Client {
	c := NewClient(config.VerificationConfig{
		BaseURL:  url,
		Username: "user",
		Password: "secret",
		Timeout:  2 * time.Second,
	}, nil)
	c.pollInterval = time.Millisecond
	return c
}

func completedJob(classification string) string {
	return `{"overview":{"id":"job-1","status":"Completed"},"entries":{"data":[{"classification":"` + classification + `"}]}}`
}

func TestCheck_Completed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "user" || pass != "secret" {
			t.Errorf("missing basic auth")
		}
		var body submitRequest
		json.NewDecoder(r.Body).Decode(&body)
		if len(body.Entries) != 1 || body.Entries[0].InputData != "katie@acme.example" {
			t.Errorf("unexpected body %+v", body)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(completedJob("Deliverable")))
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL).Check(context.Background(), "katie@acme.example")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Deliverable" {
		t.Fatalf("expected Deliverable, got %s", got)
	}
}

func TestCheck_AcceptedThenPolled(t *testing.T) {
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusAccepted)
			w.Write([]byte(`{"overview":{"id":"job-9","status":"InProgress"}}`))
			return
		}
		if !strings.HasSuffix(r.URL.Path, "/job-9") {
			t.Errorf("unexpected poll path %s", r.URL.Path)
		}
		if atomic.AddInt32(&polls, 1) < 2 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Write([]byte(completedJob("Risky")))
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL).Check(context.Background(), "x@y.example")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Risky" {
		t.Fatalf("expected Risky, got %s", got)
	}
}

func TestCheck_QuotaAndAuthAreVerificationErrors(t *testing.T) {
	for _, code := range []int{http.StatusUnauthorized, http.StatusPaymentRequired, http.StatusTooManyRequests, http.StatusBadGateway} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))

		_, err := newTestClient(srv.URL).Check(context.Background(), "x@y.example")
		var verr *appErrors.VerificationError
		if !errors.As(err, &verr) {
			t.Errorf("status %d: expected VerificationError, got %v", code, err)
		} else if verr.StatusCode != code {
			t.Errorf("status %d: wrong code %d", code, verr.StatusCode)
		}
		srv.Close()
	}
}

func TestCheck_UnexpectedStatusIsUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad input"}`))
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL).Check(context.Background(), "x@y.example")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Unknown" {
		t.Fatalf("expected Unknown, got %s", got)
	}
}

func TestCheck_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url).Check(context.Background(), "x@y.example")
	var verr *appErrors.VerificationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected VerificationError, got %v", err)
	}
}
