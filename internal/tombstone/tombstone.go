// Package tombstone keeps the deletion ledger that stops a stale peer from
// resurrecting a removed note.
package tombstone

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/google/uuid"

	"github.com/nhardt/footnote-sub000/internal/clock"
	"github.com/nhardt/footnote-sub000/internal/storage"
)

// File is the ledger location relative to the vault root.
const File = ".footnote/tombstones.json"

// Tombstone marks a note uuid as deleted at a causal time.
type Tombstone struct {
	UUID      uuid.UUID       `json:"uuid"`
	DeletedAt clock.Timestamp `json:"deleted_at"`
}

// Ledger is an in-memory copy of the tombstone file. It is not safe for
// concurrent use.
type Ledger struct {
	store   storage.Provider
	entries map[uuid.UUID]clock.Timestamp
}

// Load reads the ledger from store. A missing file yields an empty ledger.
func Load(store storage.Provider) (*Ledger, error) {
	l := &Ledger{store: store, entries: make(map[uuid.UUID]clock.Timestamp)}
	data, err := store.Read(File)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return l, nil
		}
		return nil, fmt.Errorf("tombstone: load: %w", err)
	}
	var list []Tombstone
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("tombstone: decode: %w", err)
	}
	for _, t := range list {
		l.Record(t.UUID, t.DeletedAt)
	}
	return l, nil
}

// Save writes the ledger atomically.
func (l *Ledger) Save() error {
	data, err := json.MarshalIndent(l.Entries(), "", "  ")
	if err != nil {
		return fmt.Errorf("tombstone: encode: %w", err)
	}
	if err := l.store.Write(File, data); err != nil {
		return fmt.Errorf("tombstone: save: %w", err)
	}
	return nil
}

// Record adds a tombstone, keeping the later time if one already exists.
// It reports whether the ledger changed.
func (l *Ledger) Record(id uuid.UUID, at clock.Timestamp) bool {
	if prev, ok := l.entries[id]; ok && prev >= at {
		return false
	}
	l.entries[id] = at
	return true
}

// Remove drops the tombstone for id. It reports whether one existed.
func (l *Ledger) Remove(id uuid.UUID) bool {
	if _, ok := l.entries[id]; !ok {
		return false
	}
	delete(l.entries, id)
	return true
}

// Get returns the deletion time for id.
func (l *Ledger) Get(id uuid.UUID) (clock.Timestamp, bool) {
	at, ok := l.entries[id]
	return at, ok
}

// Suppresses reports whether a copy of id last modified at modified is
// covered by a deletion and must not be restored.
func (l *Ledger) Suppresses(id uuid.UUID, modified clock.Timestamp) bool {
	at, ok := l.entries[id]
	return ok && modified <= at
}

// Len returns the number of tombstones.
func (l *Ledger) Len() int { return len(l.entries) }

// Entries returns all tombstones sorted by uuid.
func (l *Ledger) Entries() []Tombstone {
	out := make([]Tombstone, 0, len(l.entries))
	for id, at := range l.entries {
		out = append(out, Tombstone{UUID: id, DeletedAt: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID.String() < out[j].UUID.String() })
	return out
}
