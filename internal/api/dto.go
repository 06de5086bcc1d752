package api

import (
	"github.com/nhardt/footnote-sub000/internal/identity"
	"github.com/nhardt/footnote-sub000/internal/status"
	"github.com/nhardt/footnote-sub000/internal/vault"
)

// StateResponse describes this vault and device.
type StateResponse struct {
	State      string `json:"state" example:"primary" validate:"required"`
	Username   string `json:"username,omitempty" example:"ada"`
	DeviceName string `json:"device_name,omitempty" example:"laptop"`
	EndpointID string `json:"endpoint_id,omitempty"`
	IsLeader   bool   `json:"is_leader"`
}

// DeviceListResponse wraps this identity's devices.
type DeviceListResponse struct {
	Devices []identity.Device `json:"devices" validate:"required"`
	Leader  string            `json:"device_leader,omitempty"`
}

// ContactItem is a contact without its signature.
type ContactItem struct {
	Nickname     string            `json:"nickname" example:"bob" validate:"required"`
	Username     string            `json:"username" example:"bob" validate:"required"`
	IDPublicKey  string            `json:"id_public_key" validate:"required"`
	DeviceLeader string            `json:"device_leader" validate:"required"`
	Devices      []identity.Device `json:"devices" validate:"required"`
	UpdatedAt    int64             `json:"updated_at"`
}

func contactItem(c *identity.Contact) ContactItem {
	return ContactItem{
		Nickname:     c.Nickname,
		Username:     c.Username,
		IDPublicKey:  c.IDPublicKey,
		DeviceLeader: c.DeviceLeader,
		Devices:      c.Devices,
		UpdatedAt:    int64(c.UpdatedAt),
	}
}

// ContactListResponse wraps contacts.
type ContactListResponse struct {
	Contacts []ContactItem `json:"contacts" validate:"required"`
}

// StatusResponse lists per-peer sync summaries.
type StatusResponse struct {
	Peers []status.Summary `json:"peers" validate:"required"`
}

// AttemptListResponse wraps recent attempts.
type AttemptListResponse struct {
	Attempts []status.Attempt `json:"attempts" validate:"required"`
}

// AttemptDetail is an attempt with the files it moved.
type AttemptDetail struct {
	status.Attempt
	Files []status.File `json:"files"`
}

// DoctorResponse lists problems found, and whether they were fixed.
type DoctorResponse struct {
	Fixed  bool          `json:"fixed"`
	Issues []vault.Issue `json:"issues" validate:"required"`
}

// ShareRequest is the body of POST /api/notes/share.
type ShareRequest struct {
	Path     string `json:"path" example:"ideas/plan.md" validate:"required"`
	Nickname string `json:"nickname" example:"bob" validate:"required"`
}
