package vault

import (
	"fmt"

	"github.com/nhardt/footnote-sub000/internal/apperr"
	"github.com/nhardt/footnote-sub000/internal/identity"
)

// DeviceRead returns the signed device set, or a single entry built from
// the local device key when there is no user record yet.
func (v *Vault) DeviceRead() ([]identity.Device, error) {
	user, err := v.UserRead()
	if err != nil {
		return nil, err
	}
	if user != nil {
		return append([]identity.Device(nil), user.Devices...), nil
	}
	endpoint, name, err := v.DeviceEndpoint()
	if err != nil {
		return nil, err
	}
	return []identity.Device{{Name: name, EndpointID: endpoint}}, nil
}

// DeviceAuthorize admits a device into the identity, re-signs the user
// record, and returns an authorization for the new device. Primary only.
// Authorizing an endpoint that is already a member under the same name is
// idempotent.
func (v *Vault) DeviceAuthorize(name, endpointID string) (*identity.DeviceAuthorization, *identity.Contact, error) {
	d := identity.Device{Name: name, EndpointID: endpointID}
	if err := d.Validate(); err != nil {
		return nil, nil, fmt.Errorf("vault: device: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	idKey, err := v.IDKey()
	if err != nil {
		return nil, nil, err
	}
	user, err := v.UserRead()
	if err != nil {
		return nil, nil, err
	}
	if user == nil {
		return nil, nil, ErrNoUser
	}

	existing, byEndpoint := user.Device(endpointID)
	if other, ok := user.DeviceByName(name); ok && other.EndpointID != endpointID {
		return nil, nil, fmt.Errorf("vault: device name %q: %w", name, apperr.ErrAlreadyExists)
	}
	if !byEndpoint || existing.Name != name {
		if byEndpoint {
			for i := range user.Devices {
				if user.Devices[i].EndpointID == endpointID {
					user.Devices[i].Name = name
				}
			}
		} else {
			user.Devices = append(user.Devices, d)
		}
		if err := identity.Sign(user, idKey); err != nil {
			return nil, nil, fmt.Errorf("vault: sign user: %w", err)
		}
		if err := v.writeUser(user); err != nil {
			return nil, nil, err
		}
	}

	auth, err := identity.AuthorizeDevice(name, endpointID, idKey)
	if err != nil {
		return nil, nil, err
	}
	return auth, user, nil
}

// DeviceDelete removes a device from the identity. Primary only. The
// current device leader cannot be removed.
func (v *Vault) DeviceDelete(endpointID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	idKey, err := v.IDKey()
	if err != nil {
		return err
	}
	user, err := v.UserRead()
	if err != nil {
		return err
	}
	if user == nil {
		return ErrNoUser
	}
	if user.DeviceLeader == endpointID {
		return fmt.Errorf("vault: cannot remove the device leader: %w", apperr.ErrForbidden)
	}
	kept := user.Devices[:0]
	found := false
	for _, d := range user.Devices {
		if d.EndpointID == endpointID {
			found = true
			continue
		}
		kept = append(kept, d)
	}
	if !found {
		return fmt.Errorf("vault: device %s: %w", endpointID, apperr.ErrNotFound)
	}
	user.Devices = kept
	if err := identity.Sign(user, idKey); err != nil {
		return fmt.Errorf("vault: sign user: %w", err)
	}
	return v.writeUser(user)
}

// IsOwnDevice reports whether endpoint belongs to this identity.
func (v *Vault) IsOwnDevice(endpoint string) bool {
	devices, err := v.DeviceRead()
	if err != nil {
		return false
	}
	for _, d := range devices {
		if d.EndpointID == endpoint {
			return true
		}
	}
	return false
}

// OwnedDeviceEndpointToName maps one of this identity's endpoints to its name.
func (v *Vault) OwnedDeviceEndpointToName(endpoint string) (string, error) {
	devices, err := v.DeviceRead()
	if err != nil {
		return "", err
	}
	for _, d := range devices {
		if d.EndpointID == endpoint {
			return d.Name, nil
		}
	}
	return "", fmt.Errorf("vault: endpoint %s: %w", endpoint, apperr.ErrNotFound)
}

// OwnedDeviceNameToEndpoint maps one of this identity's device names to its endpoint.
func (v *Vault) OwnedDeviceNameToEndpoint(name string) (string, error) {
	devices, err := v.DeviceRead()
	if err != nil {
		return "", err
	}
	for _, d := range devices {
		if d.Name == name {
			return d.EndpointID, nil
		}
	}
	return "", fmt.Errorf("vault: device %q: %w", name, apperr.ErrNotFound)
}
