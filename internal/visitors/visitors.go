// Package visitors keeps the rolling log of chat turns: who said what,
// from where, and when. The log is capped; the oldest entries are evicted
// first.
package visitors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/charlesd/internal/records"
)

// RecordName is the store key for the visitor log.
const RecordName = "visitor_log"

// DefaultCap is the number of entries retained when no cap is configured.
const DefaultCap = 50

type Entry struct {
	User      string    `json:"user"`
	Message   string    `json:"message"`
	Origin    string    `json:"origin"`
	Timestamp time.Time `json:"timestamp"`
}

type Log struct {
	store *records.Store
	cap   int
}

func New(store *records.Store, capEntries int) *Log {
	if capEntries <= 0 {
		capEntries = DefaultCap
	}
	return &Log{store: store, cap: capEntries}
}

// Append records a chat turn, evicting the oldest entries beyond the cap.
// The write is version-checked so concurrent turns never drop each other.
func (l *Log) Append(ctx context.Context, entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	err := l.store.Update(ctx, RecordName, []byte(`[]`), func(cur []byte) ([]byte, error) {
		var entries []Entry
		if err := json.Unmarshal(cur, &entries); err != nil {
			entries = nil
		}
		entries = append(entries, entry)
		if len(entries) > l.cap {
			entries = entries[len(entries)-l.cap:]
		}
		return json.Marshal(entries)
	})
	if err != nil {
		return fmt.Errorf("append visitor entry: %w", err)
	}
	return nil
}

// List returns the retained entries, oldest first.
func (l *Log) List(ctx context.Context) ([]Entry, error) {
	raw, _, err := l.store.Get(ctx, RecordName)
	if err != nil {
		if records.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list visitor entries: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, nil
	}
	return entries, nil
}
