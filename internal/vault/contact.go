package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/nhardt/footnote-sub000/internal/apperr"
	"github.com/nhardt/footnote-sub000/internal/identity"
)

func contactPath(nickname string) string {
	return ContactsDir + "/" + nickname + ".json"
}

// ContactRead returns every stored contact, sorted by nickname.
func (v *Vault) ContactRead() ([]*identity.Contact, error) {
	names, err := v.fs.ReadDir(ContactsDir)
	if err != nil {
		return nil, fmt.Errorf("vault: list contacts: %w", err)
	}
	var out []*identity.Contact
	for _, name := range names {
		nickname, ok := strings.CutSuffix(name, ".json")
		if !ok || strings.HasPrefix(name, ".") {
			continue
		}
		c, err := v.ContactGet(nickname)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nickname < out[j].Nickname })
	return out, nil
}

// ContactGet returns the contact stored under nickname.
func (v *Vault) ContactGet(nickname string) (*identity.Contact, error) {
	if err := identity.ValidateName(nickname); err != nil {
		return nil, fmt.Errorf("vault: nickname: %w", err)
	}
	data, err := v.fs.Read(contactPath(nickname))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("vault: contact %q: %w", nickname, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("vault: read contact: %w", err)
	}
	var c identity.Contact
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("vault: decode contact %q: %w", nickname, err)
	}
	c.Nickname = nickname
	return &c, nil
}

func (v *Vault) writeContact(nickname string, c *identity.Contact) error {
	if err := identity.ValidateName(nickname); err != nil {
		return fmt.Errorf("vault: nickname: %w", err)
	}
	if err := c.Verify(); err != nil {
		return fmt.Errorf("vault: refusing unverified contact: %w", err)
	}
	out := c.Clone()
	out.Nickname = nickname
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: encode contact: %w", err)
	}
	if err := v.fs.Write(contactPath(nickname), data); err != nil {
		return fmt.Errorf("vault: write contact: %w", err)
	}
	return nil
}

// ContactImport stores a contact record received out of band (for example
// a file exported by ContactExport). An existing contact under nickname is
// only replaced by a valid successor.
func (v *Vault) ContactImport(nickname string, data []byte) (*identity.Contact, error) {
	var c identity.Contact
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("vault: decode contact: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("vault: contact: %w", err)
	}
	if err := c.Verify(); err != nil {
		return nil, err
	}
	if user, err := v.UserRead(); err == nil && user != nil && user.IDPublicKey == c.IDPublicKey {
		return nil, fmt.Errorf("vault: cannot import own identity as a contact")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	for _, other := range v.contactsUnlocked() {
		if other.IDPublicKey == c.IDPublicKey && other.Nickname != nickname {
			return nil, fmt.Errorf("vault: identity already stored as %q: %w", other.Nickname, apperr.ErrAlreadyExists)
		}
	}
	if existing, err := v.ContactGet(nickname); err == nil {
		if err := c.CheckSuccessor(existing); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	if err := v.writeContact(nickname, &c); err != nil {
		return nil, err
	}
	c.Nickname = nickname
	return &c, nil
}

func (v *Vault) contactsUnlocked() []*identity.Contact {
	list, _ := v.ContactRead()
	return list
}

// ContactUpdate replaces the contact stored under nickname with c if c is a
// valid successor. It reports whether the stored record changed.
func (v *Vault) ContactUpdate(nickname string, c *identity.Contact) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	existing, err := v.ContactGet(nickname)
	if err != nil {
		return false, err
	}
	if err := c.CheckSuccessor(existing); err != nil {
		return false, err
	}
	if c.UpdatedAt == existing.UpdatedAt {
		return false, nil
	}
	if err := v.writeContact(nickname, c); err != nil {
		return false, err
	}
	return true, nil
}

// ContactsReplace makes the stored contact set exactly list. Every record
// must verify; nothing is written if one does not.
func (v *Vault) ContactsReplace(list []*identity.Contact) error {
	seen := make(map[string]struct{}, len(list))
	for _, c := range list {
		if err := identity.ValidateName(c.Nickname); err != nil {
			return fmt.Errorf("vault: contact nickname %q: %w", c.Nickname, err)
		}
		if _, dup := seen[c.Nickname]; dup {
			return fmt.Errorf("vault: duplicate contact nickname %q", c.Nickname)
		}
		seen[c.Nickname] = struct{}{}
		if err := c.Verify(); err != nil {
			return fmt.Errorf("vault: contact %q: %w", c.Nickname, err)
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	for _, c := range list {
		if err := v.writeContact(c.Nickname, c); err != nil {
			return err
		}
	}
	for _, old := range v.contactsUnlocked() {
		if _, keep := seen[old.Nickname]; !keep {
			if err := v.fs.Delete(contactPath(old.Nickname)); err != nil {
				return fmt.Errorf("vault: remove contact: %w", err)
			}
		}
	}
	return nil
}

// ContactDelete removes a contact.
func (v *Vault) ContactDelete(nickname string) error {
	if err := identity.ValidateName(nickname); err != nil {
		return fmt.Errorf("vault: nickname: %w", err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.fs.Exists(contactPath(nickname)) {
		return fmt.Errorf("vault: contact %q: %w", nickname, apperr.ErrNotFound)
	}
	return v.fs.Delete(contactPath(nickname))
}

// FindContactByEndpoint returns the contact owning endpoint.
func (v *Vault) FindContactByEndpoint(endpoint string) (*identity.Contact, error) {
	contacts, err := v.ContactRead()
	if err != nil {
		return nil, err
	}
	for _, c := range contacts {
		if _, ok := c.Device(endpoint); ok {
			return c, nil
		}
	}
	return nil, fmt.Errorf("vault: no contact for endpoint %s: %w", endpoint, apperr.ErrNotFound)
}

// FindPrimaryDeviceByNickname returns the endpoint to share with for a
// contact: its device leader, or its first device if the leader is not a
// member.
func (v *Vault) FindPrimaryDeviceByNickname(nickname string) (string, error) {
	c, err := v.ContactGet(nickname)
	if err != nil {
		return "", err
	}
	if _, ok := c.Device(c.DeviceLeader); ok {
		return c.DeviceLeader, nil
	}
	if len(c.Devices) == 0 {
		return "", fmt.Errorf("vault: contact %q has no devices: %w", nickname, apperr.ErrNotFound)
	}
	return c.Devices[0].EndpointID, nil
}
