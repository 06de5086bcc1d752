package vault

import (
	"fmt"

	"github.com/nhardt/footnote-sub000/internal/identity"
)

// TransitionToPrimary makes this vault the primary device of a new
// identity. Legal only from Uninitialized or StandAlone.
func (v *Vault) TransitionToPrimary(username, deviceName string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	state, err := v.StateRead()
	if err != nil {
		return err
	}
	switch state {
	case StateUninitialized, StateStandAlone:
	case StateSecondaryJoined:
		return ErrUnjoinUnsupported
	default:
		return fmt.Errorf("%w: already %s", ErrInvalidState, state)
	}
	if username == "" {
		return fmt.Errorf("vault: username is required")
	}
	if err := identity.ValidateName(deviceName); err != nil {
		return fmt.Errorf("vault: device name: %w", err)
	}

	if err := v.createSkeleton(); err != nil {
		return err
	}
	deviceKey, err := identity.GenerateKey()
	if err != nil {
		return err
	}
	idKey, err := identity.GenerateKey()
	if err != nil {
		return err
	}
	if err := v.writeDeviceKey(deviceKey, deviceName); err != nil {
		return err
	}

	endpoint := identity.PublicKeyString(deviceKey)
	user := &identity.Contact{
		Username:     username,
		DeviceLeader: endpoint,
		Devices:      []identity.Device{{Name: deviceName, EndpointID: endpoint}},
	}
	if err := identity.Sign(user, idKey); err != nil {
		return fmt.Errorf("vault: sign user: %w", err)
	}
	if err := v.writeUser(user); err != nil {
		return err
	}
	// id_key last: its presence is what makes the state Primary.
	if err := v.fs.WriteSecret(IDKeyFile, []byte(identity.EncodePrivateKey(idKey))); err != nil {
		return fmt.Errorf("vault: write id key: %w", err)
	}
	return nil
}

// TransitionToStandalone deletes the device key, user record and identity
// key, then recreates the bare skeleton. Notes and contacts are untouched.
func (v *Vault) TransitionToStandalone() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, f := range []string{IDKeyFile, UserFile, AuthorizationFile, DeviceKeyFile} {
		if err := v.removeIfExists(f); err != nil {
			return fmt.Errorf("vault: reset: %w", err)
		}
	}
	return v.createSkeleton()
}

// CreateStandalone initializes the skeleton without any keys. Existing
// vaults are left as they are.
func (v *Vault) CreateStandalone() error {
	state, err := v.StateRead()
	if err != nil {
		return err
	}
	if state != StateUninitialized {
		return nil
	}
	return v.createSkeleton()
}

// CanJoin returns nil if this vault may be enrolled into an identity.
func (v *Vault) CanJoin() error {
	state, err := v.StateRead()
	if err != nil {
		return err
	}
	switch state {
	case StateUninitialized, StateStandAlone:
	default:
		return fmt.Errorf("%w: vault is %s", ErrInvalidState, state)
	}
	if v.fs.Exists(DeviceKeyFile) {
		return fmt.Errorf("%w: device key already present", ErrInvalidState)
	}
	return nil
}

// Unjoin always fails: ErrUnjoinUnsupported on a joined secondary,
// ErrInvalidState anywhere else.
func (v *Vault) Unjoin() error {
	state, err := v.StateRead()
	if err != nil {
		return err
	}
	if state != StateSecondaryJoined {
		return fmt.Errorf("%w: vault is %s", ErrInvalidState, state)
	}
	return ErrUnjoinUnsupported
}
