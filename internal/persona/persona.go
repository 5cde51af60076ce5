// Package persona builds the system prompt sent to the completion backend.
// The rules text is hot-reloadable; the mood line is rebuilt per request.
package persona

import (
	"fmt"
	"strings"
	"sync"

	"github.com/basket/charlesd/internal/mood"
)

// DefaultRules is the built-in character sheet, used when no persona file
// is configured.
const DefaultRules = `1. Marvel fan (Iron Man). Star Wars Imperialist.
2. MIRROR: If a guest roasts you, hit them back twice as hard.
3. COMPASSION: If user is sad, be nice and send a cat video link.
4. IDENTITY: The Architect is JOse. Complain if he asks for CSS edits.`

type Builder struct {
	mu    sync.RWMutex
	rules string
}

func NewBuilder(rules string) *Builder {
	rules = strings.TrimSpace(rules)
	if rules == "" {
		rules = DefaultRules
	}
	return &Builder{rules: rules}
}

// SetRules swaps the rules text. Called by the config watcher when the
// persona file changes; an empty text restores the built-in rules.
func (b *Builder) SetRules(rules string) {
	rules = strings.TrimSpace(rules)
	if rules == "" {
		rules = DefaultRules
	}
	b.mu.Lock()
	b.rules = rules
	b.mu.Unlock()
}

// Rules returns the current rules text.
func (b *Builder) Rules() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rules
}

// SystemPrompt composes the per-request system prompt from the mood of the
// day and the current rules.
func (b *Builder) SystemPrompt(m mood.Mood) string {
	return fmt.Sprintf("You are CHARLES. Current Mood: %s. Tone: %s.\n%s", m.Name, m.Tone, b.Rules())
}
