package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// PromptSource produces the combined system prompt. It never fails;
// unreadable sources yield a fallback prompt.
type PromptSource interface {
	Reload() string
}

// Entry is one session's conversation state. history is only read or
// written while guard is held.
type Entry struct {
	id        string
	createdAt time.Time
	guard     *semaphore.Weighted
	history   []Message
}

func newEntry(id, prompt string) *Entry {
	return &Entry{
		id:        id,
		createdAt: time.Now(),
		guard:     semaphore.NewWeighted(1),
		history:   []Message{SystemMessage(prompt)},
	}
}

func (e *Entry) ID() string           { return e.id }
func (e *Entry) CreatedAt() time.Time { return e.createdAt }

// lock suspends the calling goroutine until the guard is free or ctx ends.
func (e *Entry) lock(ctx context.Context) error { return e.guard.Acquire(ctx, 1) }
func (e *Entry) unlock()                        { e.guard.Release(1) }

// History returns a copy of the committed history.
func (e *Entry) History(ctx context.Context) ([]Message, error) {
	if err := e.lock(ctx); err != nil {
		return nil, err
	}
	defer e.unlock()
	return e.snapshotLocked(), nil
}

func (e *Entry) snapshotLocked() []Message {
	out := make([]Message, len(e.history))
	copy(out, e.history)
	return out
}

func (e *Entry) commitLocked(user Message, reply string) {
	e.history = append(e.history, user, Message{Role: RoleAssistant, Content: reply})
}

func (e *Entry) setSystemLocked(m Message) {
	if len(e.history) == 0 {
		e.history = []Message{m}
		return
	}
	e.history[0] = m
}

// SetSystem overwrites index 0 under the entry's guard.
func (e *Entry) SetSystem(ctx context.Context, m Message) error {
	if err := e.lock(ctx); err != nil {
		return err
	}
	defer e.unlock()
	e.setSystemLocked(m)
	return nil
}

// Table maps session ids to entries. mu covers only the map and epoch;
// prompt loads and steady-state traffic never hold it for long.
type Table struct {
	mu      sync.RWMutex
	prompts PromptSource
	entries map[string]*Entry
	epoch   uint64 // bumped before every broadcast reload
}

func NewTable(prompts PromptSource) *Table {
	return &Table{prompts: prompts, entries: make(map[string]*Entry)}
}

// GetOrCreate returns the entry for id, creating it seeded with the current
// system prompt if absent. created reports whether this call inserted it.
//
// The prompt is loaded outside the lock. If a broadcast started meanwhile
// the load is repeated, so a new entry never misses the newest documents.
func (t *Table) GetOrCreate(id string) (e *Entry, created bool) {
	if e, ok := t.Get(id); ok {
		return e, false
	}
	for {
		t.mu.RLock()
		epoch := t.epoch
		t.mu.RUnlock()

		prompt := t.prompts.Reload()

		t.mu.Lock()
		if e, ok := t.entries[id]; ok {
			t.mu.Unlock()
			return e, false
		}
		if t.epoch == epoch {
			e = newEntry(id, prompt)
			t.entries[id] = e
			t.mu.Unlock()
			return e, true
		}
		t.mu.Unlock()
	}
}

// invalidate marks prompts loaded before this call as stale for creation.
func (t *Table) invalidate() {
	t.mu.Lock()
	t.epoch++
	t.mu.Unlock()
}

func (t *Table) Get(id string) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	return e, ok
}

// ForEach calls fn for a snapshot of all entries, outside the table lock,
// in id order. It stops at the first error.
func (t *Table) ForEach(fn func(*Entry) error) error {
	for _, e := range t.snapshot() {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) snapshot() []*Entry {
	t.mu.RLock()
	out := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// IDs lists session ids in sorted order, for diagnostics.
func (t *Table) IDs() []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.entries))
	for id := range t.entries {
		out = append(out, id)
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
