package vault

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/nhardt/footnote-sub000/internal/identity"
)

// DeviceKey returns this device's private key and name.
func (v *Vault) DeviceKey() (ed25519.PrivateKey, string, error) {
	data, err := v.fs.Read(DeviceKeyFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, "", fmt.Errorf("%w: no device key", ErrInvalidState)
		}
		return nil, "", fmt.Errorf("vault: read device key: %w", err)
	}
	secret, name, ok := strings.Cut(strings.TrimSpace(string(data)), " ")
	if !ok || name == "" {
		return nil, "", fmt.Errorf("vault: malformed device key file")
	}
	key, err := identity.DecodePrivateKey(secret)
	if err != nil {
		return nil, "", fmt.Errorf("vault: device key: %w", err)
	}
	return key, name, nil
}

// DeviceEndpoint returns this device's endpoint id and name.
func (v *Vault) DeviceEndpoint() (string, string, error) {
	key, name, err := v.DeviceKey()
	if err != nil {
		return "", "", err
	}
	return identity.PublicKeyString(key), name, nil
}

func (v *Vault) writeDeviceKey(key ed25519.PrivateKey, name string) error {
	line := identity.EncodePrivateKey(key) + " " + name
	if err := v.fs.WriteSecret(DeviceKeyFile, []byte(line)); err != nil {
		return fmt.Errorf("vault: write device key: %w", err)
	}
	return nil
}

// DeviceKeyUpdate renames this device. On the primary the signed device
// set is updated as well.
func (v *Vault) DeviceKeyUpdate(name string) error {
	if err := identity.ValidateName(name); err != nil {
		return fmt.Errorf("vault: device name: %w", err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	key, _, err := v.DeviceKey()
	if err != nil {
		return err
	}
	idKey, err := v.IDKey()
	if errors.Is(err, ErrNotPrimary) {
		return v.writeDeviceKey(key, name)
	}
	if err != nil {
		return err
	}

	user, err := v.UserRead()
	if err != nil {
		return err
	}
	if user == nil {
		return v.writeDeviceKey(key, name)
	}
	endpoint := identity.PublicKeyString(key)
	if d, ok := user.DeviceByName(name); ok && d.EndpointID != endpoint {
		return fmt.Errorf("vault: device name %q already in use", name)
	}
	for i := range user.Devices {
		if user.Devices[i].EndpointID == endpoint {
			user.Devices[i].Name = name
		}
	}
	if err := identity.Sign(user, idKey); err != nil {
		return fmt.Errorf("vault: sign user: %w", err)
	}
	if err := v.writeUser(user); err != nil {
		return err
	}
	return v.writeDeviceKey(key, name)
}

// IDKey returns the identity signing key. Only the primary holds it.
func (v *Vault) IDKey() (ed25519.PrivateKey, error) {
	data, err := v.fs.Read(IDKeyFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotPrimary
		}
		return nil, fmt.Errorf("vault: read id key: %w", err)
	}
	key, err := identity.DecodePrivateKey(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("vault: id key: %w", err)
	}
	return key, nil
}
