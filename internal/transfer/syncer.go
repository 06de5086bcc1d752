// Package transfer implements the sync exchange between two devices. The
// dialing side offers its signed record, its contacts, a manifest and its
// tombstones, then serves file requests; the accepting side validates what
// it was offered and pulls the notes it is missing.
//
// Mirror runs between devices of the same identity and covers the whole
// vault. Share runs toward a contact and covers only the notes whose
// share_with names that contact; received notes land in
// footnotes/<nickname>/ on the receiver.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/nhardt/footnote-sub000/internal/status"
	"github.com/nhardt/footnote-sub000/internal/transport"
	"github.com/nhardt/footnote-sub000/internal/vault"
)

var (
	// ErrUnknownPeer is returned when a connection comes from an endpoint
	// that is neither an own device nor a contact's device.
	ErrUnknownPeer = errors.New("transfer: unknown peer")

	// ErrRejectedRecord is returned when the peer's signed record is not an
	// acceptable successor of the stored one.
	ErrRejectedRecord = errors.New("transfer: peer record rejected")

	// ErrBadManifest is returned when a received manifest is malformed.
	ErrBadManifest = errors.New("transfer: malformed manifest")
)

// SyncerOptions configures a Syncer.
type SyncerOptions struct {
	Vault    *vault.Vault
	Endpoint *transport.Endpoint
	Status   *status.Store
	Logger   *slog.Logger
	// Ignore holds doublestar globs excluded from manifests on both sides.
	Ignore []string
}

// Syncer runs sync exchanges for one vault.
type Syncer struct {
	vault    *vault.Vault
	endpoint *transport.Endpoint
	status   *status.Store
	logger   *slog.Logger
	ignore   []string

	mu    sync.Mutex
	peers map[peerKey]*sync.Mutex
}

type peerKey struct {
	endpoint string
	dir      status.Direction
}

// NewSyncer validates opts and returns a Syncer.
func NewSyncer(opts SyncerOptions) (*Syncer, error) {
	if opts.Vault == nil {
		return nil, fmt.Errorf("transfer: vault is required")
	}
	if opts.Endpoint == nil {
		return nil, fmt.Errorf("transfer: endpoint is required")
	}
	if opts.Status == nil {
		return nil, fmt.Errorf("transfer: status store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Syncer{
		vault:    opts.Vault,
		endpoint: opts.Endpoint,
		status:   opts.Status,
		logger:   logger,
		ignore:   opts.Ignore,
		peers:    make(map[peerKey]*sync.Mutex),
	}, nil
}

// lockPeer serializes attempts with one peer in one direction.
func (s *Syncer) lockPeer(endpoint string, dir status.Direction) func() {
	k := peerKey{endpoint, dir}
	s.mu.Lock()
	m, ok := s.peers[k]
	if !ok {
		m = new(sync.Mutex)
		s.peers[k] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// closeOnCancel closes c when ctx ends so blocked reads return.
func closeOnCancel(ctx context.Context, c io.Closer) func() bool {
	return context.AfterFunc(ctx, func() { _ = c.Close() })
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// finish records the outcome of tr from err.
func (s *Syncer) finish(tr *status.Tracker, err error) {
	var serr error
	if err != nil {
		serr = tr.Fail(err)
	} else {
		serr = tr.Succeed()
	}
	if serr != nil {
		s.logger.Warn("sync: status update failed", slog.String("error", serr.Error()))
	}
}
