package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/nhardt/footnote-sub000/internal/apperr"
	"github.com/nhardt/footnote-sub000/internal/identity"
	"github.com/nhardt/footnote-sub000/internal/manifest"
	"github.com/nhardt/footnote-sub000/internal/note"
	"github.com/nhardt/footnote-sub000/internal/status"
	"github.com/nhardt/footnote-sub000/internal/storage"
	"github.com/nhardt/footnote-sub000/internal/tombstone"
	"github.com/nhardt/footnote-sub000/internal/transport"
	"github.com/nhardt/footnote-sub000/internal/vault"
	"github.com/nhardt/footnote-sub000/internal/wire"
)

// Receive handles an accepted sync connection whose handshake has
// completed. The peer's endpoint id selects Mirror or Share.
func (s *Syncer) Receive(ctx context.Context, conn *transport.Conn) error {
	remote := conn.RemoteID()
	if s.vault.IsOwnDevice(remote) {
		return s.ReceiveMirror(ctx, conn)
	}
	c, err := s.vault.FindContactByEndpoint(remote)
	if errors.Is(err, apperr.ErrNotFound) {
		s.logger.Warn("listener: unknown peer", slog.String("peer", short(remote)), slog.Bool("security", true))
		return fmt.Errorf("transfer: %s: %w", short(remote), ErrUnknownPeer)
	}
	if err != nil {
		return err
	}
	return s.ReceiveShare(ctx, conn, c.Nickname)
}

// ReceiveMirror pulls from another device of this identity.
func (s *Syncer) ReceiveMirror(ctx context.Context, conn *transport.Conn) (err error) {
	remote := conn.RemoteID()
	defer s.lockPeer(remote, status.Inbound)()
	defer closeOnCancel(ctx, conn)()

	tr, err := s.status.Start(remote, status.Mirror, status.Inbound)
	if err != nil {
		return err
	}
	defer func() { s.finish(tr, err) }()

	log := s.logger.With(slog.String("peer", short(remote)), slog.String("kind", string(status.Mirror)))

	var record identity.Contact
	if err := wire.ReadJSON(conn, &record); err != nil {
		return err
	}
	if err := record.Verify(); err != nil {
		log.Warn("sync: record signature invalid", slog.String("error", err.Error()), slog.Bool("security", true))
		return fmt.Errorf("%w: %v", ErrRejectedRecord, err)
	}
	accepted, err := s.acceptUserRecord(log, &record)
	if err != nil {
		return err
	}
	if _, ok := accepted.Device(remote); !ok {
		return fmt.Errorf("transfer: sender %s is not in the identity's device set: %w", short(remote), ErrUnknownPeer)
	}

	var contacts []*identity.Contact
	if err := wire.ReadJSON(conn, &contacts); err != nil {
		return err
	}
	s.applyContacts(log, remote, accepted, contacts)

	remoteManifest, err := readManifest(conn)
	if err != nil {
		return err
	}
	var stones []tombstone.Tombstone
	if err := wire.ReadJSON(conn, &stones); err != nil {
		return err
	}

	target := s.vault.FS()
	local, err := manifest.Build(target, manifest.WithIgnore(s.ignore...), manifest.WithLogger(s.logger))
	if err != nil {
		return err
	}
	want, err := s.applyTombstones(log, target, local, remoteManifest, stones)
	if err != nil {
		return err
	}
	return s.pullAndClear(conn, log, target, local, want, tr)
}

// acceptUserRecord stores record if it succeeds the local user record and
// returns the record now in force. An older copy of the same identity is
// tolerated so a device that missed an update can still push notes.
func (s *Syncer) acceptUserRecord(log *slog.Logger, record *identity.Contact) (*identity.Contact, error) {
	current, err := s.vault.UserRead()
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("transfer: mirror: %w", vault.ErrNoUser)
	}
	changed, err := s.vault.UserAccept(record)
	switch {
	case err == nil:
		if changed {
			log.Info("sync: user record updated")
		}
		return record, nil
	case errors.Is(err, identity.ErrNotSuccessor) && record.IDPublicKey == current.IDPublicKey:
		log.Warn("sync: peer sent stale user record", slog.String("error", err.Error()))
		return current, nil
	default:
		log.Warn("sync: user record rejected", slog.String("error", err.Error()), slog.Bool("security", true))
		return nil, fmt.Errorf("%w: %v", ErrRejectedRecord, err)
	}
}

// applyContacts stores contacts received from an own device. A non-empty
// list from the device leader replaces the local set; any other device can
// only advance contacts already known here. An empty list from the leader
// changes nothing.
func (s *Syncer) applyContacts(log *slog.Logger, remote string, record *identity.Contact, contacts []*identity.Contact) {
	if record.DeviceLeader == remote {
		if len(contacts) == 0 {
			log.Debug("sync: leader sent no contacts, keeping local set")
			return
		}
		if err := s.vault.ContactsReplace(contacts); err != nil {
			log.Warn("sync: contacts from leader rejected", slog.String("error", err.Error()))
		}
		return
	}
	for _, c := range contacts {
		changed, err := s.vault.ContactUpdate(c.Nickname, c)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
		case err != nil:
			log.Warn("sync: contact update rejected",
				slog.String("nickname", c.Nickname), slog.String("error", err.Error()))
		case changed:
			log.Info("sync: contact updated", slog.String("nickname", c.Nickname))
		}
	}
}

// applyTombstones merges the peer's tombstones into the ledger, removes
// local copies they cover, and returns the remote entries still worth
// pulling. The ledger is saved before any local file is removed.
func (s *Syncer) applyTombstones(log *slog.Logger, target *storage.FS, local, remote manifest.Manifest, stones []tombstone.Tombstone) ([]manifest.Entry, error) {
	var ledger *tombstone.Ledger
	err := s.vault.WithTombstones(func(l *tombstone.Ledger) error {
		for _, t := range stones {
			if t.UUID != uuid.Nil {
				l.Record(t.UUID, t.DeletedAt)
			}
		}
		ledger = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	for id, e := range local {
		if !ledger.Suppresses(id, e.Modified) {
			continue
		}
		if err := target.Delete(e.Path); err != nil {
			return nil, fmt.Errorf("transfer: apply tombstone: %w", err)
		}
		delete(local, id)
		log.Info("sync: deleted by tombstone", slog.String("path", e.Path))
	}
	return unsuppressed(log, ledger, manifest.Diff(local, remote)), nil
}

// unsuppressed drops entries that a tombstone at or after their modified
// time covers.
func unsuppressed(log *slog.Logger, l *tombstone.Ledger, want []manifest.Entry) []manifest.Entry {
	out := want[:0]
	for _, e := range want {
		if l.Suppresses(e.UUID, e.Modified) {
			log.Debug("sync: skipped deleted note", slog.String("path", e.Path))
			continue
		}
		out = append(out, e)
	}
	return out
}

// pullAndClear pulls want and then drops the tombstones of notes that
// arrived newer than their deletion. A tombstone stays until its note has
// actually been stored.
func (s *Syncer) pullAndClear(conn *transport.Conn, log *slog.Logger, target *storage.FS, local manifest.Manifest, want []manifest.Entry, tr *status.Tracker) error {
	var stored []manifest.Entry
	err := s.pull(conn, log, target, local, want, tr, func(e manifest.Entry) { stored = append(stored, e) })
	if len(stored) == 0 {
		return err
	}
	clearErr := s.vault.WithTombstones(func(l *tombstone.Ledger) error {
		for _, e := range stored {
			if !l.Suppresses(e.UUID, e.Modified) {
				l.Remove(e.UUID)
			}
		}
		return nil
	})
	if clearErr != nil {
		log.Warn("sync: could not clear tombstones", slog.String("error", clearErr.Error()))
	}
	return err
}

// ReceiveShare pulls notes a contact shared with this identity into
// footnotes/<nickname>/.
func (s *Syncer) ReceiveShare(ctx context.Context, conn *transport.Conn, nickname string) (err error) {
	remote := conn.RemoteID()
	defer s.lockPeer(remote, status.Inbound)()
	defer closeOnCancel(ctx, conn)()

	tr, err := s.status.Start(remote, status.Share, status.Inbound)
	if err != nil {
		return err
	}
	defer func() { s.finish(tr, err) }()

	log := s.logger.With(slog.String("peer", short(remote)), slog.String("kind", string(status.Share)),
		slog.String("nickname", nickname))

	var record identity.Contact
	if err := wire.ReadJSON(conn, &record); err != nil {
		return err
	}
	if err := record.Verify(); err != nil {
		log.Warn("sync: record signature invalid", slog.String("error", err.Error()), slog.Bool("security", true))
		return fmt.Errorf("%w: %v", ErrRejectedRecord, err)
	}
	if err := s.acceptContactRecord(log, nickname, &record); err != nil {
		return err
	}

	var contacts []*identity.Contact
	if err := wire.ReadJSON(conn, &contacts); err != nil {
		return err
	}
	if len(contacts) > 0 {
		log.Warn("sync: ignoring contact list from contact", slog.Int("count", len(contacts)))
	}
	remoteManifest, err := readManifest(conn)
	if err != nil {
		return err
	}
	// A contact's deletions are not applied here.
	var stones []tombstone.Tombstone
	if err := wire.ReadJSON(conn, &stones); err != nil {
		return err
	}

	target, err := s.vault.FS().Sub(manifest.SharedDir + "/" + nickname)
	if err != nil {
		return err
	}
	local, err := manifest.Build(target, manifest.WithLogger(s.logger))
	if err != nil {
		return err
	}
	// Only this side's own deletions apply here.
	ledger, err := tombstone.Load(s.vault.FS())
	if err != nil {
		return err
	}
	want := unsuppressed(log, ledger, manifest.Diff(local, remoteManifest))
	return s.pullAndClear(conn, log, target, local, want, tr)
}

// acceptContactRecord advances the stored contact to record. A stale copy
// of the same identity is tolerated; a record for a different identity is
// not.
func (s *Syncer) acceptContactRecord(log *slog.Logger, nickname string, record *identity.Contact) error {
	stored, err := s.vault.ContactGet(nickname)
	if err != nil {
		return err
	}
	changed, err := s.vault.ContactUpdate(nickname, record)
	switch {
	case err == nil:
		if changed {
			log.Info("sync: contact updated")
		}
		return nil
	case errors.Is(err, identity.ErrNotSuccessor) && record.IDPublicKey == stored.IDPublicKey:
		log.Warn("sync: contact sent stale record", slog.String("error", err.Error()))
		return nil
	default:
		log.Warn("sync: contact record rejected", slog.String("error", err.Error()), slog.Bool("security", true))
		return fmt.Errorf("%w: %v", ErrRejectedRecord, err)
	}
}

func readManifest(conn *transport.Conn) (manifest.Manifest, error) {
	var entries []manifest.Entry
	if err := wire.ReadJSON(conn, &entries); err != nil {
		return nil, err
	}
	m := make(manifest.Manifest, len(entries))
	for _, e := range entries {
		if e.UUID == uuid.Nil {
			return nil, fmt.Errorf("%w: nil uuid for %q", ErrBadManifest, e.Path)
		}
		if _, dup := m[e.UUID]; dup {
			return nil, fmt.Errorf("%w: duplicate uuid %s", ErrBadManifest, e.UUID)
		}
		m[e.UUID] = e
	}
	return m, nil
}

// checkRemotePath accepts only clean, relative, slash-separated .md paths
// with no hidden or parent components.
func checkRemotePath(p string) error {
	if p == "" || strings.ContainsAny(p, "\\\x00") || path.IsAbs(p) || path.Clean(p) != p {
		return fmt.Errorf("%w: %q", storage.ErrPathEscape, p)
	}
	for _, part := range strings.Split(p, "/") {
		if part == "" || part == ".." || strings.HasPrefix(part, ".") {
			return fmt.Errorf("%w: %q", storage.ErrPathEscape, p)
		}
	}
	if !strings.HasSuffix(p, ".md") {
		return fmt.Errorf("transfer: not a note path: %q", p)
	}
	return nil
}

// pull requests each wanted entry and writes it under target, calling
// stored for each one written, then sends the end marker. Every path is
// checked before the first request.
func (s *Syncer) pull(conn *transport.Conn, log *slog.Logger, target *storage.FS, local manifest.Manifest, want []manifest.Entry, tr *status.Tracker, stored func(manifest.Entry)) error {
	for _, e := range want {
		if err := checkRemotePath(e.Path); err != nil {
			log.Warn("sync: rejected path", slog.String("path", e.Path), slog.Bool("security", true))
			return err
		}
	}
	if err := tr.SetTotal(len(want)); err != nil {
		log.Warn("sync: status update failed", slog.String("error", err.Error()))
	}

	byPath := make(map[string]uuid.UUID, len(local))
	for id, e := range local {
		byPath[e.Path] = id
	}

	for _, e := range want {
		if err := wire.WriteFrame(conn, []byte(e.UUID.String())); err != nil {
			return err
		}
		content, ok, err := wire.ReadContent(conn)
		if err != nil {
			return err
		}
		if !ok {
			log.Info("sync: peer withheld note", slog.String("path", e.Path))
			continue
		}
		if err := s.store(log, target, local, byPath, e, content); err != nil {
			if errors.Is(err, storage.ErrPathEscape) {
				log.Warn("sync: rejected path", slog.String("path", e.Path), slog.Bool("security", true))
				return err
			}
			log.Warn("sync: skipped note", slog.String("path", e.Path), slog.String("error", err.Error()))
			continue
		}
		stored(e)
		if err := tr.FileDone(status.File{UUID: e.UUID, Path: e.Path, Modified: e.Modified}); err != nil {
			log.Warn("sync: status update failed", slog.String("error", err.Error()))
		}
	}
	if err := wire.WriteEnd(conn); err != nil {
		return err
	}
	log.Info("sync: pull finished", slog.Int("files", tr.Attempt().FilesTransferred), slog.Int("wanted", len(want)))
	return nil
}

// store writes one received note. The content must carry the uuid that was
// requested, and the destination must be free or hold an older copy of the
// same note. A copy of the note at another path is removed afterwards.
func (s *Syncer) store(log *slog.Logger, target *storage.FS, local manifest.Manifest, byPath map[string]uuid.UUID, e manifest.Entry, content []byte) error {
	n, err := note.Parse(content, false)
	if err != nil {
		return fmt.Errorf("transfer: received content is not a note: %w", err)
	}
	if n.Frontmatter.UUID != e.UUID {
		return fmt.Errorf("transfer: received note %s for request %s", n.Frontmatter.UUID, e.UUID)
	}
	if occupant, ok := byPath[e.Path]; ok && occupant != e.UUID {
		return fmt.Errorf("transfer: %s holds a different note: %w", e.Path, apperr.ErrConflict)
	}
	if _, ok := byPath[e.Path]; !ok && target.Exists(e.Path) {
		return fmt.Errorf("transfer: %s exists and is not a note: %w", e.Path, apperr.ErrConflict)
	}

	if err := target.Write(e.Path, content); err != nil {
		return err
	}
	if old, ok := local[e.UUID]; ok && old.Path != e.Path {
		if err := target.Delete(old.Path); err != nil {
			log.Warn("sync: could not remove moved note", slog.String("path", old.Path), slog.String("error", err.Error()))
		}
		delete(byPath, old.Path)
	}
	byPath[e.Path] = e.UUID
	local[e.UUID] = e
	return nil
}
