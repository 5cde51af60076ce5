// Package ledger tracks the persona's usage counters: how many messages
// it has answered and how many of those answers it failed to answer well.
// Crossing the message limit arms the self-update offer to the admin.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/charlesd/internal/records"
)

// RecordName is the store key for the usage counters.
const RecordName = "evolution_stats"

type Stats struct {
	FailedQueries int `json:"failedQueries"`
	TotalMessages int `json:"totalMessages"`
}

type Ledger struct {
	store *records.Store

	failedQueryLimit int
	messageLimit     int
	failurePhrases   []string
}

func New(store *records.Store, failedQueryLimit, messageLimit int, failurePhrases []string) *Ledger {
	phrases := make([]string, 0, len(failurePhrases))
	for _, p := range failurePhrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			phrases = append(phrases, p)
		}
	}
	return &Ledger{
		store:            store,
		failedQueryLimit: failedQueryLimit,
		messageLimit:     messageLimit,
		failurePhrases:   phrases,
	}
}

// Load returns the current counters, zero-valued when none are stored yet.
func (l *Ledger) Load(ctx context.Context) (Stats, error) {
	raw, _, err := l.store.Get(ctx, RecordName)
	if err != nil {
		if records.IsNotFound(err) {
			return Stats{}, nil
		}
		return Stats{}, fmt.Errorf("load usage counters: %w", err)
	}
	var stats Stats
	if err := json.Unmarshal(raw, &stats); err != nil {
		// Malformed counters reset to zero rather than wedging the persona.
		return Stats{}, nil
	}
	return stats, nil
}

// Record increments the message counter, and the failure counter when the
// reply was judged a failure, under a version-checked update. It returns
// the counters after the increment.
func (l *Ledger) Record(ctx context.Context, failed bool) (Stats, error) {
	var after Stats
	err := l.store.Update(ctx, RecordName, []byte(`{"failedQueries":0,"totalMessages":0}`), func(cur []byte) ([]byte, error) {
		var stats Stats
		if err := json.Unmarshal(cur, &stats); err != nil {
			stats = Stats{}
		}
		stats.TotalMessages++
		if failed {
			stats.FailedQueries++
		}
		after = stats
		return json.Marshal(stats)
	})
	if err != nil {
		return Stats{}, fmt.Errorf("record usage: %w", err)
	}
	return after, nil
}

// Reset zeroes both counters. Used when the admin grants the self-update.
func (l *Ledger) Reset(ctx context.Context) error {
	payload, _ := json.Marshal(Stats{})
	if err := l.store.Put(ctx, RecordName, payload); err != nil {
		return fmt.Errorf("reset usage counters: %w", err)
	}
	return nil
}

// NeedsEvolution reports whether the counters have crossed either limit.
func (l *Ledger) NeedsEvolution(stats Stats) bool {
	return stats.TotalMessages > l.messageLimit || stats.FailedQueries > l.failedQueryLimit
}

// IsFailure judges a completion reply as a failed answer when it contains
// one of the configured failure phrases, case-insensitively.
func (l *Ledger) IsFailure(reply string) bool {
	lower := strings.ToLower(reply)
	for _, phrase := range l.failurePhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
