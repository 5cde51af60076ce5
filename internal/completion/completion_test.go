package completion

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, "google/gemma-2-9b-it:free", "sk-or-test", 5*time.Second)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestComplete_Success(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody struct {
		Model    string    `json:"model"`
		Messages []Message `json:"messages"`
	}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"At your service, sir."}}]}`))
	})

	reply, err := client.Complete(t.Context(), "You are CHARLES.", "Hello?")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if reply != "At your service, sir." {
		t.Fatalf("unexpected reply %q", reply)
	}
	if gotPath != "/chat/completions" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer sk-or-test" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotBody.Model != "google/gemma-2-9b-it:free" {
		t.Fatalf("unexpected model %q", gotBody.Model)
	}
	if len(gotBody.Messages) != 2 || gotBody.Messages[0].Role != "system" || gotBody.Messages[1].Role != "user" {
		t.Fatalf("unexpected messages %+v", gotBody.Messages)
	}
}

func TestComplete_NonOKStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limit exceeded"}}`))
	})

	_, err := client.Complete(t.Context(), "sys", "msg")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "rate limit exceeded") {
		t.Fatalf("error should carry API message: %v", err)
	}
}

func TestComplete_EmptyChoices(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	})
	_, err := client.Complete(t.Context(), "sys", "msg")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestComplete_MalformedBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	})
	_, err := client.Complete(t.Context(), "sys", "msg")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestComplete_TimeoutIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, "test-model", "", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	_, err = client.Complete(t.Context(), "sys", "msg")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on timeout, got %v", err)
	}
}

func TestNewClient_Validation(t *testing.T) {
	if _, err := NewClient("", "model", "", 0); err == nil {
		t.Fatal("expected error for empty API base")
	}
	if _, err := NewClient("https://openrouter.ai/api/v1", "", "", 0); err == nil {
		t.Fatal("expected error for empty model")
	}
}
