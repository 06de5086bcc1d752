// Package identity implements the signed contact record that anchors trust
// between devices and people, along with its successor rules.
package identity

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/nhardt/footnote-sub000/internal/clock"
)

// FormatVersion is written into every record this package signs.
const FormatVersion = 1

const contactDomain = "footnote/contact/v1\n"

// nameRe matches names that are safe as a single path component.
var nameRe = regexp.MustCompile(`^[^./\\\x00][^/\\\x00]*$`)

// Device is one member of an identity's device set.
type Device struct {
	Name       string `json:"name"`
	EndpointID string `json:"iroh_endpoint_id"`
}

// Validate implements validation.Validatable.
func (d Device) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Name, validation.Required, validation.Length(1, 64), validation.Match(nameRe)),
		validation.Field(&d.EndpointID, validation.Required, validation.Length(64, 64), is.Hexadecimal),
	)
}

// Contact is a signed description of a person: who they are, which key speaks
// for them, and which devices act on their behalf.
//
// Nickname is local only. It is excluded from the signature so a record can be
// renamed without touching trust.
type Contact struct {
	FormatVersion int      `json:"format_version"`
	Nickname      string   `json:"nickname"`
	Username      string   `json:"username"`
	IDPublicKey   string   `json:"id_public_key"`
	DeviceLeader  string   `json:"device_leader"`
	Devices       []Device `json:"devices"`
	// SuccessorPublicKey is set only on a transfer record. It names the key
	// allowed to sign the following takeover record.
	SuccessorPublicKey string          `json:"successor_public_key,omitempty"`
	UpdatedAt          clock.Timestamp `json:"updated_at"`
	Signature          string          `json:"signature"`
}

type signableContact struct {
	FormatVersion      int             `json:"format_version"`
	Username           string          `json:"username"`
	IDPublicKey        string          `json:"id_public_key"`
	DeviceLeader       string          `json:"device_leader"`
	Devices            []Device        `json:"devices"`
	SuccessorPublicKey string          `json:"successor_public_key,omitempty"`
	UpdatedAt          clock.Timestamp `json:"updated_at"`
}

func (c *Contact) payload() ([]byte, error) {
	devices := c.Devices
	if devices == nil {
		devices = []Device{}
	}
	body, err := json.Marshal(signableContact{
		FormatVersion:      c.FormatVersion,
		Username:           c.Username,
		IDPublicKey:        c.IDPublicKey,
		DeviceLeader:       c.DeviceLeader,
		Devices:            devices,
		SuccessorPublicKey: c.SuccessorPublicKey,
		UpdatedAt:          c.UpdatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("identity: encode payload: %w", err)
	}
	return append([]byte(contactDomain), body...), nil
}

// Sign advances UpdatedAt and signs the record with key. An empty
// IDPublicKey is filled from key; otherwise key must match it.
func Sign(c *Contact, key ed25519.PrivateKey) error {
	pub := PublicKeyString(key)
	if c.IDPublicKey == "" {
		c.IDPublicKey = pub
	} else if c.IDPublicKey != pub {
		return ErrKeyMismatch
	}
	if c.FormatVersion == 0 {
		c.FormatVersion = FormatVersion
	}
	c.UpdatedAt = clock.Next(c.UpdatedAt)
	msg, err := c.payload()
	if err != nil {
		return err
	}
	c.Signature = sign(key, msg)
	return nil
}

// Verify checks the signature against IDPublicKey.
func (c *Contact) Verify() error {
	msg, err := c.payload()
	if err != nil {
		return err
	}
	return verify(c.IDPublicKey, c.Signature, msg)
}

// CheckSuccessor returns nil if c may replace old.
func (c *Contact) CheckSuccessor(old *Contact) error {
	switch {
	case c.IDPublicKey == old.IDPublicKey:
	case old.SuccessorPublicKey != "" && c.IDPublicKey == old.SuccessorPublicKey:
		if c.DeviceLeader != old.DeviceLeader {
			return fmt.Errorf("%w: takeover changes device leader", ErrNotSuccessor)
		}
	default:
		return fmt.Errorf("%w: id key changed without a transfer record", ErrNotSuccessor)
	}

	switch {
	case c.UpdatedAt > old.UpdatedAt:
	case c.UpdatedAt == old.UpdatedAt && c.Signature == old.Signature:
	default:
		return fmt.Errorf("%w: updated_at %d does not follow %d", ErrNotSuccessor, c.UpdatedAt, old.UpdatedAt)
	}

	return c.Verify()
}

// IsValidSuccessorOf reports whether CheckSuccessor accepts c over old.
func (c *Contact) IsValidSuccessorOf(old *Contact) bool {
	return c.CheckSuccessor(old) == nil
}

// Validate checks record structure. It does not verify the signature.
func (c *Contact) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Username, validation.Required),
		validation.Field(&c.IDPublicKey, validation.Required, validation.Length(64, 64), is.Hexadecimal),
		validation.Field(&c.DeviceLeader, validation.Required),
		validation.Field(&c.Devices, validation.Required),
		validation.Field(&c.Signature, validation.Required, is.Hexadecimal),
	)
}

// Clone returns a deep copy of c.
func (c *Contact) Clone() *Contact {
	out := *c
	out.Devices = append([]Device(nil), c.Devices...)
	return &out
}

// Device returns the device with the given endpoint id.
func (c *Contact) Device(endpointID string) (Device, bool) {
	for _, d := range c.Devices {
		if d.EndpointID == endpointID {
			return d, true
		}
	}
	return Device{}, false
}

// DeviceByName returns the device with the given name.
func (c *Contact) DeviceByName(name string) (Device, bool) {
	for _, d := range c.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return Device{}, false
}

// Transfer returns a copy of c that hands leadership to newLeader, signed by
// the current id key. If newKey is non-nil the record also names the key
// that may sign the takeover.
func Transfer(c *Contact, newLeader string, newKey ed25519.PublicKey, oldKey ed25519.PrivateKey) (*Contact, error) {
	if _, ok := c.Device(newLeader); !ok {
		return nil, fmt.Errorf("identity: transfer: %s is not a member device", newLeader)
	}
	t := c.Clone()
	t.DeviceLeader = newLeader
	t.SuccessorPublicKey = ""
	if newKey != nil {
		t.SuccessorPublicKey = EncodePublicKey(newKey)
	}
	if err := Sign(t, oldKey); err != nil {
		return nil, fmt.Errorf("identity: transfer: %w", err)
	}
	return t, nil
}

// Takeover returns the record that completes a key transfer, signed by newKey.
func Takeover(transfer *Contact, newKey ed25519.PrivateKey) (*Contact, error) {
	if transfer.SuccessorPublicKey == "" {
		return nil, fmt.Errorf("identity: takeover: %w: record names no successor key", ErrNotSuccessor)
	}
	pub := PublicKeyString(newKey)
	if pub != transfer.SuccessorPublicKey {
		return nil, fmt.Errorf("identity: takeover: %w", ErrKeyMismatch)
	}
	t := transfer.Clone()
	t.IDPublicKey = pub
	t.SuccessorPublicKey = ""
	t.Signature = ""
	if err := Sign(t, newKey); err != nil {
		return nil, fmt.Errorf("identity: takeover: %w", err)
	}
	return t, nil
}

// ValidateName checks that s can serve as a nickname or device name.
func ValidateName(s string) error {
	return validation.Validate(s, validation.Required, validation.Length(1, 64), validation.Match(nameRe))
}
