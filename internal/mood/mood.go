// Package mood manages the persona's mood of the day. The mood is derived
// deterministically from the calendar date, so every replica resolves the
// same mood for the same day without coordination; the stored record is a
// cache, and concurrent writers of identical payloads are harmless.
package mood

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/basket/charlesd/internal/records"
)

// RecordName is the store key for the mood of the day.
const RecordName = "daily_mood"

type Mood struct {
	Name  string `json:"name"`
	Tone  string `json:"tone"`
	Color string `json:"color"`
}

// Record is the persisted daily mood, keyed by local calendar date. The
// mood nests under its own key, same shape as the response field.
type Record struct {
	Date string `json:"date"`
	Mood `json:"mood"`
}

// Palette is the fixed mood set, in selection order.
var Palette = []Mood{
	{Name: "Stark Ego", Tone: "Arrogant, Marvel fanboy, thinks he's JARVIS.", Color: "#00d4ff"},
	{Name: "Imperial Grump", Tone: "Cold, Star Wars Imperialist, aggressive.", Color: "#ff003c"},
	{Name: "Systems Low", Tone: "Tired, bored, low-energy roasts.", Color: "#888"},
	{Name: "Protector Mode", Tone: "Secretly kind, soft spot for sad users.", Color: "#00ff88"},
}

type Scheduler struct {
	store *records.Store
}

func NewScheduler(store *records.Store) *Scheduler {
	return &Scheduler{store: store}
}

// DateKey formats now as the local calendar date used to key the daily mood.
func DateKey(now time.Time) string {
	return now.Format("2006-01-02")
}

// Pick returns the mood for the given date key. The palette index comes
// from a PRNG seeded with the date, so the choice is stable for the whole
// day and uniform across days.
func Pick(date string) Mood {
	h := fnv.New64a()
	_, _ = h.Write([]byte(date))
	rng := rand.New(rand.NewPCG(h.Sum64(), 0x63686172))
	return Palette[rng.IntN(len(Palette))]
}

// Resolve returns today's mood, reading the stored record when it is
// current and rolling a fresh one when the date has changed. The write is
// an unconditional put: all writers for the same date produce the same
// payload, and a same-day overwrite is idempotent.
func (s *Scheduler) Resolve(ctx context.Context, now time.Time) (Mood, error) {
	today := DateKey(now)

	raw, _, err := s.store.Get(ctx, RecordName)
	if err == nil {
		var rec Record
		if unmarshalErr := json.Unmarshal(raw, &rec); unmarshalErr == nil && rec.Date == today && rec.Name != "" {
			return rec.Mood, nil
		}
		// Stale or malformed record; fall through and re-roll.
	} else if !errors.Is(err, records.ErrNotFound) {
		return Mood{}, fmt.Errorf("resolve daily mood: %w", err)
	}

	rec := Record{Date: today, Mood: Pick(today)}
	payload, err := json.Marshal(rec)
	if err != nil {
		return Mood{}, fmt.Errorf("encode daily mood: %w", err)
	}
	if err := s.store.Put(ctx, RecordName, payload); err != nil {
		return Mood{}, fmt.Errorf("persist daily mood: %w", err)
	}
	return rec.Mood, nil
}
