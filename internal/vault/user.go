package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/nhardt/footnote-sub000/internal/identity"
)

// UserRead returns this identity's own record, or nil on a StandAlone vault.
func (v *Vault) UserRead() (*identity.Contact, error) {
	data, err := v.fs.Read(UserFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("vault: read user: %w", err)
	}
	var c identity.Contact
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("vault: decode user: %w", err)
	}
	return &c, nil
}

// UserWrite stores c as this identity's record after verifying it.
func (v *Vault) UserWrite(c *identity.Contact) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.writeUser(c)
}

func (v *Vault) writeUser(c *identity.Contact) error {
	if err := c.Verify(); err != nil {
		return fmt.Errorf("vault: refusing unverified user record: %w", err)
	}
	out := c.Clone()
	out.Nickname = ""
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: encode user: %w", err)
	}
	if err := v.fs.Write(UserFile, data); err != nil {
		return fmt.Errorf("vault: write user: %w", err)
	}
	return nil
}

// UserUpdate changes the username and re-signs. Primary only.
func (v *Vault) UserUpdate(username string) (*identity.Contact, error) {
	if username == "" {
		return nil, fmt.Errorf("vault: username is required")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	idKey, err := v.IDKey()
	if err != nil {
		return nil, err
	}
	user, err := v.UserRead()
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrNoUser
	}
	user.Username = username
	if err := identity.Sign(user, idKey); err != nil {
		return nil, fmt.Errorf("vault: sign user: %w", err)
	}
	if err := v.writeUser(user); err != nil {
		return nil, err
	}
	return user, nil
}

// UserAccept replaces the stored user record with incoming if it is a valid
// successor. It reports whether the stored record changed.
func (v *Vault) UserAccept(incoming *identity.Contact) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	current, err := v.UserRead()
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, ErrNoUser
	}
	if err := incoming.CheckSuccessor(current); err != nil {
		return false, err
	}
	if incoming.UpdatedAt == current.UpdatedAt {
		return false, nil
	}
	if err := v.writeUser(incoming); err != nil {
		return false, err
	}
	return true, nil
}

// ContactExport writes this identity's record to w so it can be handed to
// a contact and imported with ContactImport.
func (v *Vault) ContactExport(w io.Writer) error {
	user, err := v.UserRead()
	if err != nil {
		return err
	}
	if user == nil {
		return ErrNoUser
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(user); err != nil {
		return fmt.Errorf("vault: export user: %w", err)
	}
	return nil
}

// IsDeviceLeader reports whether endpoint currently leads this identity.
func (v *Vault) IsDeviceLeader(endpoint string) (bool, error) {
	user, err := v.UserRead()
	if err != nil || user == nil {
		return false, err
	}
	return user.DeviceLeader == endpoint, nil
}
