package vault

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/nhardt/footnote-sub000/internal/identity"
)

// CompleteJoin commits the result of a successful pairing: the new device
// key, the primary's authorization, the identity's signed record, and the
// primary's address. The record must verify and list key's endpoint under
// deviceName, and auth must be issued by the record's identity for the same
// device. If any write fails the files already written are removed again.
func (v *Vault) CompleteJoin(key ed25519.PrivateKey, deviceName string, user *identity.Contact, auth *identity.DeviceAuthorization, primaryEndpoint, primaryAddr string) (err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.CanJoin(); err != nil {
		return err
	}
	if err := user.Verify(); err != nil {
		return fmt.Errorf("vault: join: %w", err)
	}
	endpoint := identity.PublicKeyString(key)
	if d, ok := user.Device(endpoint); !ok || d.Name != deviceName {
		return fmt.Errorf("vault: join: user record does not list this device")
	}
	if auth == nil {
		return fmt.Errorf("vault: join: missing device authorization")
	}
	if err := auth.Verify(user.IDPublicKey); err != nil {
		return fmt.Errorf("vault: join: %w", err)
	}
	if auth.EndpointID != endpoint || auth.DeviceName != deviceName {
		return fmt.Errorf("vault: join: authorization is for another device")
	}

	if err := v.createSkeleton(); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = v.removeIfExists(UserFile)
			_ = v.removeIfExists(AuthorizationFile)
			_ = v.removeIfExists(DeviceKeyFile)
		}
	}()

	if primaryAddr != "" {
		if err := v.peerSet(primaryEndpoint, primaryAddr); err != nil {
			return err
		}
	}
	if err := v.writeDeviceKey(key, deviceName); err != nil {
		return err
	}
	data, err := json.MarshalIndent(auth, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: encode authorization: %w", err)
	}
	if err := v.fs.Write(AuthorizationFile, data); err != nil {
		return fmt.Errorf("vault: write authorization: %w", err)
	}
	// user.json last: its presence is what makes the state SecondaryJoined.
	return v.writeUser(user)
}

// Authorization returns the device authorization stored when this device
// joined, or nil if it never joined.
func (v *Vault) Authorization() (*identity.DeviceAuthorization, error) {
	data, err := v.fs.Read(AuthorizationFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("vault: read authorization: %w", err)
	}
	var a identity.DeviceAuthorization
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("vault: decode authorization: %w", err)
	}
	return &a, nil
}
