package engine

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/charlesd/internal/completion"
	"github.com/basket/charlesd/internal/gate"
	"github.com/basket/charlesd/internal/incidents"
	"github.com/basket/charlesd/internal/ledger"
	"github.com/basket/charlesd/internal/mood"
	"github.com/basket/charlesd/internal/persona"
	"github.com/basket/charlesd/internal/records"
	"github.com/basket/charlesd/internal/visitors"
)

type fixture struct {
	engine *Engine
	store  *records.Store
	ledger *ledger.Ledger
	gate   *gate.Gate

	// reply is returned by the fake completion backend; status overrides
	// the response code when non-zero.
	reply  string
	status int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := records.Open(filepath.Join(t.TempDir(), "charlesd.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{store: store, reply: "At your service."}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.status != 0 {
			w.WriteHeader(f.status)
			return
		}
		fmt.Fprintf(w, `{"choices":[{"message":{"content":%q}}]}`, f.reply)
	}))
	t.Cleanup(srv.Close)

	client, err := completion.NewClient(srv.URL, "test-model", "", 5*time.Second)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	f.ledger = ledger.New(store, 3, 20, []string{"i don't know", "unknown"})
	f.gate = gate.New(store)
	f.engine = New(Options{
		Moods:      mood.NewScheduler(store),
		Ledger:     f.ledger,
		Visitors:   visitors.New(store, 50),
		Incidents:  incidents.New(store),
		Gate:       f.gate,
		Persona:    persona.NewBuilder(""),
		Completion: client,
		AdminName:  "JOse",
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:        func() time.Time { return time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC) },
	})
	return f
}

func TestClassify_PriorityOrder(t *testing.T) {
	cases := []struct {
		name string
		req  Request
		want Intent
	}{
		{"intrusion beats everything", Request{IsIntrusion: true, IsAdmin: true, IsLogin: true, IsUpdateGrant: true, IsOverrideToggle: true}, IntentIntrusion},
		{"update grant beats toggle and login", Request{IsAdmin: true, IsUpdateGrant: true, IsOverrideToggle: true, IsLogin: true}, IntentUpdateGrant},
		{"toggle beats login", Request{IsAdmin: true, IsOverrideToggle: true, IsLogin: true}, IntentOverrideToggle},
		{"admin login", Request{IsAdmin: true, IsLogin: true}, IntentLogin},
		{"plain chat", Request{Message: "hi"}, IntentChat},
		{"non-admin login falls to chat", Request{IsLogin: true}, IntentChat},
		{"non-admin update grant falls to chat", Request{IsUpdateGrant: true}, IntentChat},
		{"non-admin toggle falls to chat", Request{IsOverrideToggle: true}, IntentChat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.req); got != tc.want {
				t.Fatalf("Classify = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestHandle_IntrusionLogsAndAcks(t *testing.T) {
	f := newFixture(t)
	resp, err := f.engine.Handle(t.Context(), Request{IsIntrusion: true, UserName: "J0se"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Status != "Alert Logged" {
		t.Fatalf("unexpected status %q", resp.Status)
	}

	pending, err := incidents.New(f.store).Peek(t.Context())
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if len(pending) != 1 || !strings.Contains(pending[0].Event, `"J0se"`) {
		t.Fatalf("unexpected incident entries %+v", pending)
	}
}

func TestHandle_UpdateGrantResetsCounters(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	for range 4 {
		if _, err := f.engine.Handle(ctx, Request{Message: "hi", UserName: "guest"}); err != nil {
			t.Fatalf("chat turn: %v", err)
		}
	}

	resp, err := f.engine.Handle(ctx, Request{IsAdmin: true, IsUpdateGrant: true, UserName: "JOse"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(resp.Reply, "Logic recompiled") {
		t.Fatalf("unexpected reply %q", resp.Reply)
	}

	stats, err := f.ledger.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if stats != (ledger.Stats{}) {
		t.Fatalf("expected zeroed counters, got %+v", stats)
	}
}

func TestHandle_ToggleFlipsGate(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	resp, err := f.engine.Handle(ctx, Request{IsAdmin: true, IsOverrideToggle: true, UserName: "JOse"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Lockdown == nil || !*resp.Lockdown {
		t.Fatalf("expected lockdown true, got %+v", resp.Lockdown)
	}
	if resp.Mood == nil {
		t.Fatal("toggle response should carry the mood")
	}

	resp, err = f.engine.Handle(ctx, Request{IsAdmin: true, IsOverrideToggle: true, UserName: "JOse"})
	if err != nil {
		t.Fatalf("second toggle: %v", err)
	}
	if resp.Lockdown == nil || *resp.Lockdown {
		t.Fatalf("expected lockdown false after second toggle, got %+v", resp.Lockdown)
	}
}

func TestHandle_LockdownRefusesGuests(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	if _, err := f.engine.Handle(ctx, Request{IsAdmin: true, IsOverrideToggle: true}); err != nil {
		t.Fatalf("toggle: %v", err)
	}

	_, err := f.engine.Handle(ctx, Request{Message: "hi", UserName: "guest"})
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}

	// Refusal must not touch the counters.
	stats, err := f.ledger.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if stats != (ledger.Stats{}) {
		t.Fatalf("refused request mutated counters: %+v", stats)
	}
}

func TestHandle_LockdownStillServesAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	if _, err := f.engine.Handle(ctx, Request{IsAdmin: true, IsOverrideToggle: true}); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	resp, err := f.engine.Handle(ctx, Request{IsAdmin: true, IsLogin: true, UserName: "JOse"})
	if err != nil {
		t.Fatalf("admin login under lockdown: %v", err)
	}
	if !strings.Contains(resp.Reply, "Lockdown active.") {
		t.Fatalf("report should mention lockdown: %q", resp.Reply)
	}
}

func TestHandle_LoginDrainsIncidents(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	if _, err := f.engine.Handle(ctx, Request{IsIntrusion: true, UserName: "jose"}); err != nil {
		t.Fatalf("intrusion: %v", err)
	}

	resp, err := f.engine.Handle(ctx, Request{IsAdmin: true, IsLogin: true, UserName: "JOse"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !strings.HasPrefix(resp.Reply, "Welcome back, JOse.") {
		t.Fatalf("unexpected reply %q", resp.Reply)
	}
	if len(resp.Logs) != 1 || !strings.Contains(resp.Logs[0], `"jose"`) {
		t.Fatalf("unexpected logs %+v", resp.Logs)
	}
	if resp.NeedsUpdate == nil || *resp.NeedsUpdate {
		t.Fatalf("fresh counters should not need an update: %+v", resp.NeedsUpdate)
	}

	// Each incident is surfaced exactly once.
	resp, err = f.engine.Handle(ctx, Request{IsAdmin: true, IsLogin: true, UserName: "JOse"})
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	if len(resp.Logs) != 0 {
		t.Fatalf("incidents reported twice: %+v", resp.Logs)
	}
	if !strings.Contains(resp.Reply, "REPORTS: Quiet.") {
		t.Fatalf("unexpected reply %q", resp.Reply)
	}
}

func TestHandle_ChatCountsTurnsAndFailures(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	for i := range 4 {
		f.reply = "Certainly."
		if i == 2 {
			f.reply = "I don't know, sir."
		}
		resp, err := f.engine.Handle(ctx, Request{Message: "q", UserName: "guest"})
		if err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
		if resp.Reply != f.reply {
			t.Fatalf("turn %d reply %q, want %q", i, resp.Reply, f.reply)
		}
		if resp.Mood == nil {
			t.Fatalf("turn %d missing mood", i)
		}
	}

	stats, err := f.ledger.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if stats.TotalMessages != 4 || stats.FailedQueries != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestHandle_AdminChatSkipsLedger(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	if _, err := f.engine.Handle(ctx, Request{Message: "hi", UserName: "JOse", IsAdmin: true}); err != nil {
		t.Fatalf("admin chat: %v", err)
	}
	stats, err := f.ledger.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if stats != (ledger.Stats{}) {
		t.Fatalf("admin chat mutated counters: %+v", stats)
	}
}

func TestHandle_ChatAppendsVisitorEntry(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	if _, err := f.engine.Handle(ctx, Request{Message: "hi", UserName: "guest", Origin: "203.0.113.9"}); err != nil {
		t.Fatalf("chat: %v", err)
	}
	// Anonymous and admin turns are not logged.
	if _, err := f.engine.Handle(ctx, Request{Message: "hi"}); err != nil {
		t.Fatalf("anonymous chat: %v", err)
	}
	if _, err := f.engine.Handle(ctx, Request{Message: "hi", UserName: "JOse"}); err != nil {
		t.Fatalf("admin-named chat: %v", err)
	}

	entries, err := visitors.New(f.store, 50).List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 visitor entry, got %d", len(entries))
	}
	if entries[0].User != "guest" || entries[0].Origin != "203.0.113.9" {
		t.Fatalf("unexpected entry %+v", entries[0])
	}
}

func TestHandle_CompletionFailureSkipsLedger(t *testing.T) {
	f := newFixture(t)
	f.status = http.StatusInternalServerError

	_, err := f.engine.Handle(t.Context(), Request{Message: "hi", UserName: "guest"})
	if !errors.Is(err, completion.ErrUnavailable) {
		t.Fatalf("expected completion.ErrUnavailable, got %v", err)
	}

	stats, loadErr := f.ledger.Load(t.Context())
	if loadErr != nil {
		t.Fatalf("Load: %v", loadErr)
	}
	if stats != (ledger.Stats{}) {
		t.Fatalf("failed turn mutated counters: %+v", stats)
	}
}

func TestHandle_LoginReportsNeedsUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	for range 21 {
		if _, err := f.engine.Handle(ctx, Request{Message: "hi", UserName: "guest"}); err != nil {
			t.Fatalf("chat turn: %v", err)
		}
	}

	resp, err := f.engine.Handle(ctx, Request{IsAdmin: true, IsLogin: true, UserName: "JOse"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.NeedsUpdate == nil || !*resp.NeedsUpdate {
		t.Fatalf("expected needsUpdate true after 21 turns, got %+v", resp.NeedsUpdate)
	}
	if !strings.Contains(resp.Reply, "logic rewrite") {
		t.Fatalf("unexpected reply %q", resp.Reply)
	}
}
