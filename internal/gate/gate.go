// Package gate holds the access lockdown flag. When lockdown is enabled,
// non-admin callers are refused before any completion work happens.
package gate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/charlesd/internal/records"
)

// RecordName is the store key for the lockdown flag.
const RecordName = "access_lockdown"

type state struct {
	Lockdown bool `json:"lockdown"`
}

type Gate struct {
	store *records.Store
}

func New(store *records.Store) *Gate {
	return &Gate{store: store}
}

// IsLocked reports whether lockdown is enabled. An absent or malformed
// record means unlocked.
func (g *Gate) IsLocked(ctx context.Context) (bool, error) {
	raw, _, err := g.store.Get(ctx, RecordName)
	if err != nil {
		if records.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("read lockdown flag: %w", err)
	}
	var st state
	if err := json.Unmarshal(raw, &st); err != nil {
		return false, nil
	}
	return st.Lockdown, nil
}

// Toggle flips the lockdown flag under a version-checked update and
// returns the new state.
func (g *Gate) Toggle(ctx context.Context) (bool, error) {
	var enabled bool
	err := g.store.Update(ctx, RecordName, []byte(`{"lockdown":false}`), func(cur []byte) ([]byte, error) {
		var st state
		if err := json.Unmarshal(cur, &st); err != nil {
			st = state{}
		}
		st.Lockdown = !st.Lockdown
		enabled = st.Lockdown
		return json.Marshal(st)
	})
	if err != nil {
		return false, fmt.Errorf("toggle lockdown flag: %w", err)
	}
	return enabled, nil
}
