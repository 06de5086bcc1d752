package vault

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nhardt/footnote-sub000/internal/apperr"
	"github.com/nhardt/footnote-sub000/internal/clock"
	"github.com/nhardt/footnote-sub000/internal/note"
	"github.com/nhardt/footnote-sub000/internal/tombstone"
)

func checkNotePath(rel string) error {
	if !strings.HasSuffix(rel, ".md") {
		return fmt.Errorf("vault: note path %q must end in .md", rel)
	}
	if strings.HasPrefix(rel, ControlDir+"/") || rel == ControlDir {
		return fmt.Errorf("vault: note path %q is inside the control directory", rel)
	}
	return nil
}

// NoteCreate writes a new note with fresh frontmatter.
func (v *Vault) NoteCreate(rel, body string) (*note.Note, error) {
	if err := checkNotePath(rel); err != nil {
		return nil, err
	}
	if v.fs.Exists(rel) {
		return nil, fmt.Errorf("vault: note %s: %w", rel, apperr.ErrAlreadyExists)
	}
	n := note.New(body)
	if err := n.Save(v.fs, rel); err != nil {
		return nil, err
	}
	return n, nil
}

// NoteRead parses the note at rel.
func (v *Vault) NoteRead(rel string) (*note.Note, error) {
	if !v.fs.Exists(rel) {
		return nil, fmt.Errorf("vault: note %s: %w", rel, apperr.ErrNotFound)
	}
	return note.ReadFile(v.fs, rel, false)
}

// NoteDelete records a tombstone for the note and then removes the file.
// Files without usable frontmatter have no identity to tombstone and are
// simply removed.
func (v *Vault) NoteDelete(rel string) error {
	if err := checkNotePath(rel); err != nil {
		return err
	}
	if !v.fs.Exists(rel) {
		return fmt.Errorf("vault: note %s: %w", rel, apperr.ErrNotFound)
	}
	n, err := note.ReadFile(v.fs, rel, false)
	if err == nil && n.Frontmatter.UUID != uuid.Nil {
		err := v.WithTombstones(func(l *tombstone.Ledger) error {
			l.Record(n.Frontmatter.UUID, clock.Next(n.Frontmatter.Modified))
			return nil
		})
		if err != nil {
			return err
		}
	}
	return v.fs.Delete(rel)
}

// NoteShare adds nickname to the note's share list. The contact must exist.
func (v *Vault) NoteShare(rel, nickname string) error {
	if _, err := v.ContactGet(nickname); err != nil {
		return err
	}
	n, err := v.NoteRead(rel)
	if err != nil {
		return err
	}
	if !n.AddShare(nickname) {
		return nil
	}
	return n.Save(v.fs, rel)
}

// ReplyCreate writes a response note for the note with uuid to.
func (v *Vault) ReplyCreate(to uuid.UUID, body string) (string, error) {
	rel := fmt.Sprintf("%s/response-to-%s.md", RepliesDir, to)
	if _, err := v.NoteCreate(rel, body); err != nil {
		return "", err
	}
	return rel, nil
}

// CanDeviceReadNote reports whether endpoint may receive the note at rel.
// Own devices may read everything; a contact's device may read a note only
// when the contact's nickname is in its share list.
func (v *Vault) CanDeviceReadNote(endpoint, rel string) (bool, error) {
	if v.IsOwnDevice(endpoint) {
		return true, nil
	}
	c, err := v.FindContactByEndpoint(endpoint)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	n, err := note.ReadFile(v.fs, rel, false)
	if err != nil {
		return false, err
	}
	return n.SharesWith(c.Nickname), nil
}

// WithTombstones loads the ledger, runs fn, and saves the ledger if fn
// returns nil.
func (v *Vault) WithTombstones(fn func(*tombstone.Ledger) error) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	l, err := tombstone.Load(v.fs)
	if err != nil {
		return err
	}
	if err := fn(l); err != nil {
		return err
	}
	return l.Save()
}

// Tombstones returns a snapshot of the ledger.
func (v *Vault) Tombstones() ([]tombstone.Tombstone, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	l, err := tombstone.Load(v.fs)
	if err != nil {
		return nil, err
	}
	return l.Entries(), nil
}
