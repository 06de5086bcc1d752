package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nhardt/footnote-sub000/internal/identity"
	"github.com/nhardt/footnote-sub000/internal/manifest"
	"github.com/nhardt/footnote-sub000/internal/status"
	"github.com/nhardt/footnote-sub000/internal/tombstone"
	"github.com/nhardt/footnote-sub000/internal/transport"
	"github.com/nhardt/footnote-sub000/internal/vault"
	"github.com/nhardt/footnote-sub000/internal/wire"
)

// offer is everything the dialing side sends before serving requests.
type offer struct {
	record     *identity.Contact
	contacts   []*identity.Contact
	manifest   manifest.Manifest
	tombstones []tombstone.Tombstone
}

// Mirror pushes this vault to another device of the same identity.
func (s *Syncer) Mirror(ctx context.Context, endpointID string) error {
	self, _, err := s.vault.DeviceEndpoint()
	if err != nil {
		return err
	}
	if endpointID == self {
		return nil
	}
	if !s.vault.IsOwnDevice(endpointID) {
		return fmt.Errorf("transfer: mirror %s: not an own device: %w", short(endpointID), ErrUnknownPeer)
	}

	record, err := s.vault.UserRead()
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("transfer: mirror: %w", vault.ErrNoUser)
	}
	contacts, err := s.vault.ContactRead()
	if err != nil {
		return err
	}
	m, err := manifest.Build(s.vault.FS(), manifest.WithIgnore(s.ignore...), manifest.WithLogger(s.logger))
	if err != nil {
		return err
	}
	stones, err := s.vault.Tombstones()
	if err != nil {
		return err
	}
	return s.push(ctx, endpointID, status.Mirror, offer{
		record:     record,
		contacts:   contacts,
		manifest:   m,
		tombstones: stones,
	})
}

// Share pushes the notes shared with nickname to that contact's primary
// device.
func (s *Syncer) Share(ctx context.Context, nickname string) error {
	endpointID, err := s.vault.FindPrimaryDeviceByNickname(nickname)
	if err != nil {
		return err
	}
	record, err := s.vault.UserRead()
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("transfer: share: %w", vault.ErrNoUser)
	}
	m, err := manifest.BuildForShare(s.vault.FS(), nickname,
		manifest.WithIgnore(s.ignore...), manifest.WithLogger(s.logger))
	if err != nil {
		return err
	}
	return s.push(ctx, endpointID, status.Share, offer{
		record:     record,
		contacts:   []*identity.Contact{},
		manifest:   m,
		tombstones: []tombstone.Tombstone{},
	})
}

func (s *Syncer) push(ctx context.Context, endpointID string, kind status.Kind, o offer) (err error) {
	defer s.lockPeer(endpointID, status.Outbound)()

	tr, err := s.status.Start(endpointID, kind, status.Outbound)
	if err != nil {
		return err
	}
	defer func() { s.finish(tr, err) }()

	log := s.logger.With(slog.String("peer", short(endpointID)), slog.String("kind", string(kind)))

	conn, err := s.endpoint.Dial(ctx, endpointID, transport.ALPNSync)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer closeOnCancel(ctx, conn)()

	if err := send(conn, o); err != nil {
		return err
	}
	served, err := s.serve(conn, endpointID, o.manifest, tr)
	if err != nil {
		return err
	}
	log.Info("sync: push finished", slog.Int("files", served))
	return nil
}

func send(conn *transport.Conn, o offer) error {
	if err := wire.WriteJSON(conn, o.record); err != nil {
		return err
	}
	if err := wire.WriteJSON(conn, o.contacts); err != nil {
		return err
	}
	if err := wire.WriteJSON(conn, o.manifest.Entries()); err != nil {
		return err
	}
	return wire.WriteJSON(conn, o.tombstones)
}

// serve answers file requests until the peer sends the end marker.
func (s *Syncer) serve(conn *transport.Conn, endpointID string, m manifest.Manifest, tr *status.Tracker) (int, error) {
	served := 0
	for {
		frame, err := wire.ReadFrame(conn)
		if errors.Is(err, wire.ErrEnd) {
			return served, nil
		}
		if err != nil {
			return served, err
		}
		id, err := uuid.ParseBytes(frame)
		if err != nil {
			return served, fmt.Errorf("transfer: bad file request: %w", err)
		}

		content, ok := s.lookup(endpointID, m, id)
		if !ok {
			if err := wire.WriteContent(conn, wire.Withheld, nil); err != nil {
				return served, err
			}
			continue
		}
		if err := wire.WriteContent(conn, wire.Delivered, content); err != nil {
			return served, err
		}
		served++
		e := m[id]
		if err := tr.FileDone(status.File{UUID: id, Path: e.Path, Modified: e.Modified}); err != nil {
			s.logger.Warn("sync: status update failed", slog.String("error", err.Error()))
		}
	}
}

// lookup returns the content for a requested note if it is in the offered
// manifest and the peer may read it.
func (s *Syncer) lookup(endpointID string, m manifest.Manifest, id uuid.UUID) ([]byte, bool) {
	e, ok := m[id]
	if !ok {
		s.logger.Warn("sync: request for note not offered", slog.String("uuid", id.String()))
		return nil, false
	}
	allowed, err := s.vault.CanDeviceReadNote(endpointID, e.Path)
	if err != nil {
		s.logger.Warn("sync: access check failed", slog.String("path", e.Path), slog.String("error", err.Error()))
		return nil, false
	}
	if !allowed {
		s.logger.Warn("sync: request denied", slog.String("path", e.Path), slog.String("peer", short(endpointID)))
		return nil, false
	}
	content, err := s.vault.FS().Read(e.Path)
	if err != nil {
		s.logger.Warn("sync: read failed", slog.String("path", e.Path), slog.String("error", err.Error()))
		return nil, false
	}
	return content, true
}
