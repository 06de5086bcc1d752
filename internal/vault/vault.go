// Package vault owns the on-disk layout of a notes vault: its lifecycle
// state, the device and identity keys, the user's own signed record, the
// trusted contacts, and the notes themselves.
package vault

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/nhardt/footnote-sub000/internal/manifest"
	"github.com/nhardt/footnote-sub000/internal/storage"
)

// Layout, relative to the vault root.
const (
	ControlDir        = ".footnote"
	ContactsDir       = ".footnote/contacts"
	IDKeyFile         = ".footnote/id_key"
	DeviceKeyFile     = ".footnote/device_key"
	UserFile          = ".footnote/user.json"
	PeersFile         = ".footnote/peers.json"
	AuthorizationFile = ".footnote/device_authorization.json"
	StatusDBFile      = ".footnote/status.db"
	SharedDir         = manifest.SharedDir
	RepliesDir        = "_replies"
)

var (
	// ErrInvalidState is returned when an operation is not legal in the
	// vault's current lifecycle state.
	ErrInvalidState = errors.New("vault: invalid state for operation")

	// ErrUnjoinUnsupported is returned when a joined secondary device tries
	// to become a primary.
	ErrUnjoinUnsupported = errors.New("vault: a joined device cannot become primary")

	// ErrNotPrimary is returned when an operation needs the identity key.
	ErrNotPrimary = errors.New("vault: identity key not present on this device")

	// ErrNoUser is returned when an operation needs user.json.
	ErrNoUser = errors.New("vault: no user record")
)

// State is derived from which control files exist.
type State int

const (
	StateUninitialized State = iota
	StateStandAlone
	StatePrimary
	StateSecondaryJoined
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStandAlone:
		return "standalone"
	case StatePrimary:
		return "primary"
	case StateSecondaryJoined:
		return "secondary"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Vault is a handle on a vault directory. Methods that read, modify and
// write a control file hold mu so concurrent syncs with different peers do
// not lose each other's updates.
type Vault struct {
	fs *storage.FS
	mu sync.Mutex
}

// Open returns a handle on the vault at path, creating the directory.
func Open(path string) (*Vault, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("vault: create dir: %w", err)
	}
	store, err := storage.NewFS(path)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	return &Vault{fs: store}, nil
}

// Path returns the canonical vault root.
func (v *Vault) Path() string { return v.fs.Root() }

// FS returns the vault's storage.
func (v *Vault) FS() *storage.FS { return v.fs }

// StateRead derives the lifecycle state.
func (v *Vault) StateRead() (State, error) {
	switch {
	case v.fs.Exists(IDKeyFile):
		return StatePrimary, nil
	case v.fs.Exists(UserFile):
		return StateSecondaryJoined, nil
	}
	info, err := os.Stat(v.abs(ControlDir))
	switch {
	case err == nil && info.IsDir():
		return StateStandAlone, nil
	case err == nil || errors.Is(err, fs.ErrNotExist):
		return StateUninitialized, nil
	default:
		return StateUninitialized, fmt.Errorf("vault: state: %w", err)
	}
}

func (v *Vault) abs(rel string) string {
	return filepath.Join(v.fs.Root(), filepath.FromSlash(rel))
}

func (v *Vault) createSkeleton() error {
	for _, dir := range []string{ControlDir, ContactsDir, SharedDir, RepliesDir} {
		if err := v.fs.MkdirAll(dir); err != nil {
			return fmt.Errorf("vault: skeleton: %w", err)
		}
	}
	return nil
}

func (v *Vault) removeIfExists(rel string) error {
	if !v.fs.Exists(rel) {
		return nil
	}
	return v.fs.Delete(rel)
}
