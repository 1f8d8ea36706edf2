package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mojisejr/mimi-vibe-backend/internal/models"
)

func payload() models.ReadingPayload {
	return models.ReadingPayload{Question: "should I take the job?", Topic: "career"}
}

func TestGenerateSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("missing auth header, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"gpt-test","choices":[{"message":{"role":"assistant","content":"a door opens"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "test-key", "gpt-test", time.Second)
	res, err := c.Generate(context.Background(), payload())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text != "a door opens" {
		t.Fatalf("text = %q", res.Text)
	}
	if res.Model != "gpt-test" {
		t.Fatalf("model = %q", res.Model)
	}
}

func TestGenerateClassifiesFailures(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusInternalServerError, true},
		{"bad gateway", http.StatusBadGateway, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			c := NewOpenAIClient(srv.URL, "k", "m", time.Second)
			_, err := c.Generate(context.Background(), payload())
			if err == nil {
				t.Fatalf("expected error for status %d", tc.status)
			}
			if IsTransient(err) != tc.transient {
				t.Fatalf("status %d: transient = %v, want %v (%v)", tc.status, IsTransient(err), tc.transient, err)
			}
		})
	}
}

func TestGenerateNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused from here on

	c := NewOpenAIClient(srv.URL, "k", "m", time.Second)
	_, err := c.Generate(context.Background(), payload())
	if err == nil || !IsTransient(err) {
		t.Fatalf("expected transient network error, got %v", err)
	}
}

func TestGenerateEmptyChoicesIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"model":"gpt-test","choices":[]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "k", "m", time.Second)
	_, err := c.Generate(context.Background(), payload())
	if err == nil || IsTransient(err) {
		t.Fatalf("expected terminal error for empty choices, got %v", err)
	}
}

func TestMockProvider(t *testing.T) {
	res, err := NewMockProvider().Generate(context.Background(), payload())
	if err != nil {
		t.Fatalf("mock: %v", err)
	}
	if res.Text == "" || res.Model != "mock" {
		t.Fatalf("unexpected mock result: %+v", res)
	}
}
