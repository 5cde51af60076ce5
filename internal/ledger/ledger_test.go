package ledger

import (
	"path/filepath"
	"testing"

	"github.com/basket/charlesd/internal/records"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	store, err := records.Open(filepath.Join(t.TempDir(), "charlesd.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store, 3, 20, []string{"i don't know", "unknown"})
}

func TestLoad_EmptyStore(t *testing.T) {
	l := newTestLedger(t)
	stats, err := l.Load(t.Context())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if stats != (Stats{}) {
		t.Fatalf("expected zero stats, got %+v", stats)
	}
}

func TestRecord_Increments(t *testing.T) {
	l := newTestLedger(t)
	ctx := t.Context()

	if _, err := l.Record(ctx, false); err != nil {
		t.Fatalf("Record: %v", err)
	}
	stats, err := l.Record(ctx, true)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if stats.TotalMessages != 2 || stats.FailedQueries != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	loaded, err := l.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded != stats {
		t.Fatalf("persisted stats %+v differ from returned %+v", loaded, stats)
	}
}

func TestReset_ZeroesCounters(t *testing.T) {
	l := newTestLedger(t)
	ctx := t.Context()

	for range 5 {
		if _, err := l.Record(ctx, true); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := l.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	stats, err := l.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if stats != (Stats{}) {
		t.Fatalf("expected zero stats after reset, got %+v", stats)
	}
}

func TestNeedsEvolution(t *testing.T) {
	l := newTestLedger(t)
	cases := []struct {
		stats Stats
		want  bool
	}{
		{Stats{}, false},
		{Stats{TotalMessages: 20}, false},
		{Stats{TotalMessages: 21}, true},
		{Stats{FailedQueries: 3}, false},
		{Stats{FailedQueries: 4}, true},
		{Stats{FailedQueries: 4, TotalMessages: 5}, true},
	}
	for _, tc := range cases {
		if got := l.NeedsEvolution(tc.stats); got != tc.want {
			t.Errorf("NeedsEvolution(%+v) = %v, want %v", tc.stats, got, tc.want)
		}
	}
}

func TestIsFailure(t *testing.T) {
	l := newTestLedger(t)
	cases := []struct {
		reply string
		want  bool
	}{
		{"The answer is 42.", false},
		{"I don't know what you mean.", true},
		{"That variable is UNKNOWN to me.", true},
		{"Unknowable things fascinate me.", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := l.IsFailure(tc.reply); got != tc.want {
			t.Errorf("IsFailure(%q) = %v, want %v", tc.reply, got, tc.want)
		}
	}
}
