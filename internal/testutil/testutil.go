// Package testutil provides shared test helpers for setting up vaults,
// status databases and loopback endpoints.
package testutil

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/nhardt/footnote-sub000/internal/identity"
	"github.com/nhardt/footnote-sub000/internal/status"
	"github.com/nhardt/footnote-sub000/internal/transport"
	"github.com/nhardt/footnote-sub000/internal/vault"
)

// StatusDB creates a temporary status database that is closed on cleanup.
func StatusDB(t *testing.T) *status.Store {
	t.Helper()
	db, err := status.Open(filepath.Join(t.TempDir(), "status.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// Vault opens an empty vault in a temporary directory.
func Vault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.Open(filepath.Join(t.TempDir(), "vault"))
	if err != nil {
		t.Fatal(err)
	}
	return v
}

// PrimaryVault creates a vault that is the primary device of a new identity.
func PrimaryVault(t *testing.T, username, device string) *vault.Vault {
	t.Helper()
	v := Vault(t)
	if err := v.TransitionToPrimary(username, device); err != nil {
		t.Fatal(err)
	}
	return v
}

// JoinDevice enrolls a fresh vault as a secondary device of primary.
func JoinDevice(t *testing.T, primary *vault.Vault, device string) *vault.Vault {
	t.Helper()
	key, err := identity.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	auth, user, err := primary.DeviceAuthorize(device, identity.PublicKeyString(key))
	if err != nil {
		t.Fatal(err)
	}
	primaryEndpoint, _, err := primary.DeviceEndpoint()
	if err != nil {
		t.Fatal(err)
	}
	v := Vault(t)
	if err := v.CompleteJoin(key, device, user, auth, primaryEndpoint, ""); err != nil {
		t.Fatal(err)
	}
	return v
}

// Introduce stores b's identity in a under nickname.
func Introduce(t *testing.T, a *vault.Vault, nickname string, b *vault.Vault) {
	t.Helper()
	var buf bytes.Buffer
	if err := b.ContactExport(&buf); err != nil {
		t.Fatal(err)
	}
	if _, err := a.ContactImport(nickname, buf.Bytes()); err != nil {
		t.Fatal(err)
	}
}

// Endpoint returns a transport endpoint for v's device key using resolver.
func Endpoint(t *testing.T, v *vault.Vault, resolver transport.Resolver) *transport.Endpoint {
	t.Helper()
	key, _, err := v.DeviceKey()
	if err != nil {
		t.Fatal(err)
	}
	e, err := transport.NewEndpoint(key, resolver)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

// Listen opens a loopback listener for e and records its address in book.
func Listen(t *testing.T, e *transport.Endpoint, book transport.StaticResolver, alpns ...string) *transport.Listener {
	t.Helper()
	ln, err := e.Listen("127.0.0.1:0", alpns...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	book[e.ID()] = ln.Addr().String()
	return ln
}
