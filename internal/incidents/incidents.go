// Package incidents records intrusion attempts against the admin identity.
// Entries accumulate until the admin reads them; reading drains the log.
package incidents

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/charlesd/internal/records"
)

// RecordName is the store key for the incident log.
const RecordName = "system_updates"

type Entry struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}

type Log struct {
	store *records.Store
}

func New(store *records.Store) *Log {
	return &Log{store: store}
}

// RecordIntrusion appends an intrusion entry naming the identity the
// caller tried to claim.
func (l *Log) RecordIntrusion(ctx context.Context, claimedName string, at time.Time) error {
	entry := Entry{
		Event:     fmt.Sprintf("CRITICAL: Intrusion attempt! Someone used code 3105 but failed name check. Name tried: %q", claimedName),
		Timestamp: at.UTC(),
	}
	err := l.store.Update(ctx, RecordName, []byte(`[]`), func(cur []byte) ([]byte, error) {
		var entries []Entry
		if err := json.Unmarshal(cur, &entries); err != nil {
			entries = nil
		}
		entries = append(entries, entry)
		return json.Marshal(entries)
	})
	if err != nil {
		return fmt.Errorf("record intrusion: %w", err)
	}
	return nil
}

// ReadAndClear returns all pending entries and empties the log in the same
// version-checked step, so an entry recorded during the read is never lost.
func (l *Log) ReadAndClear(ctx context.Context) ([]Entry, error) {
	var drained []Entry
	err := l.store.Update(ctx, RecordName, []byte(`[]`), func(cur []byte) ([]byte, error) {
		drained = nil
		if err := json.Unmarshal(cur, &drained); err != nil {
			drained = nil
		}
		return []byte(`[]`), nil
	})
	if err != nil {
		return nil, fmt.Errorf("drain incident log: %w", err)
	}
	return drained, nil
}

// Peek returns pending entries without clearing them.
func (l *Log) Peek(ctx context.Context) ([]Entry, error) {
	raw, _, err := l.store.Get(ctx, RecordName)
	if err != nil {
		if records.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("peek incident log: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, nil
	}
	return entries, nil
}
