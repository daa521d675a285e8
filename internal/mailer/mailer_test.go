package mailer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSend_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/send" {
			t.Fatalf("path = %s, want /api/send", r.URL.Path)
		}

		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.To != "amina@mail.com" || req.Subject != "Bienvenue" {
			t.Fatalf("unexpected payload: %+v", req)
		}

		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := client.Send(ctx, "amina@mail.com", "Bienvenue", "<p>hi</p>"); err != nil {
		t.Fatalf("Send error: %v", err)
	}
}

func TestSend_RetriesServerErrors(t *testing.T) {
	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := client.Send(ctx, "amina@mail.com", "Bienvenue", "<p>hi</p>"); err != nil {
		t.Fatalf("Send error after retry: %v", err)
	}
	if attempts < 2 {
		t.Fatalf("attempts = %d, want at least 2", attempts)
	}
}

func TestSend_NotConfigured(t *testing.T) {
	var client *Client

	if err := client.Send(context.Background(), "a@b.c", "s", "h"); err == nil {
		t.Fatalf("nil client must report not configured")
	}
}
