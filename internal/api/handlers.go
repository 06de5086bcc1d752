package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nhardt/footnote-sub000/internal/status"
	"github.com/nhardt/footnote-sub000/internal/vault"
)

// Nudger starts a sync pass without waiting for it.
type Nudger interface {
	Nudge()
}

// Handler holds API route handlers.
type Handler struct {
	vault  *vault.Vault
	status *status.Store
	sync   Nudger
}

// NewHandler creates a new Handler. sync may be nil when no service runs,
// in which case POST /sync answers 503.
func NewHandler(v *vault.Vault, st *status.Store, sync Nudger) *Handler {
	return &Handler{vault: v, status: st, sync: sync}
}

// State handles GET /api/state.
//
//	@Summary		Vault lifecycle state and local device
//	@Tags			vault
//	@Produce		json
//	@Success		200	{object}	StateResponse
//	@Security		BearerAuth
//	@Router			/state [get]
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	state, err := h.vault.StateRead()
	if err != nil {
		writeError(w, "state", err)
		return
	}
	resp := StateResponse{State: state.String()}
	if ep, name, err := h.vault.DeviceEndpoint(); err == nil {
		resp.EndpointID, resp.DeviceName = ep, name
		resp.IsLeader, _ = h.vault.IsDeviceLeader(ep)
	}
	if u, err := h.vault.UserRead(); err == nil && u != nil {
		resp.Username = u.Username
	}
	writeJSON(w, http.StatusOK, resp)
}

// Devices handles GET /api/devices.
//
//	@Summary		Devices of this identity
//	@Tags			vault
//	@Produce		json
//	@Success		200	{object}	DeviceListResponse
//	@Security		BearerAuth
//	@Router			/devices [get]
func (h *Handler) Devices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.vault.DeviceRead()
	if err != nil {
		writeError(w, "devices", err)
		return
	}
	resp := DeviceListResponse{Devices: devices}
	if u, err := h.vault.UserRead(); err == nil && u != nil {
		resp.Leader = u.DeviceLeader
	}
	writeJSON(w, http.StatusOK, resp)
}

// Contacts handles GET /api/contacts.
//
//	@Summary		Trusted contacts
//	@Tags			vault
//	@Produce		json
//	@Success		200	{object}	ContactListResponse
//	@Security		BearerAuth
//	@Router			/contacts [get]
func (h *Handler) Contacts(w http.ResponseWriter, r *http.Request) {
	list, err := h.vault.ContactRead()
	if err != nil {
		writeError(w, "contacts", err)
		return
	}
	resp := ContactListResponse{Contacts: make([]ContactItem, 0, len(list))}
	for _, c := range list {
		resp.Contacts = append(resp.Contacts, contactItem(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Status handles GET /api/status.
//
//	@Summary		Sync summary per peer and direction
//	@Tags			sync
//	@Produce		json
//	@Success		200	{object}	StatusResponse
//	@Security		BearerAuth
//	@Router			/status [get]
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	peers, err := h.status.List()
	if err != nil {
		writeError(w, "status", err)
		return
	}
	if peers == nil {
		peers = []status.Summary{}
	}
	writeJSON(w, http.StatusOK, StatusResponse{Peers: peers})
}

// Attempts handles GET /api/status/attempts.
//
//	@Summary		Most recent sync attempts
//	@Tags			sync
//	@Produce		json
//	@Param			limit	query		int	false	"Max attempts"
//	@Success		200		{object}	AttemptListResponse
//	@Security		BearerAuth
//	@Router			/status/attempts [get]
func (h *Handler) Attempts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	list, err := h.status.Recent(limit)
	if err != nil {
		writeError(w, "attempts", err)
		return
	}
	if list == nil {
		list = []status.Attempt{}
	}
	writeJSON(w, http.StatusOK, AttemptListResponse{Attempts: list})
}

// Attempt handles GET /api/status/attempts/{id}.
//
//	@Summary		One sync attempt with the files it moved
//	@Tags			sync
//	@Produce		json
//	@Param			id	path		int	true	"Attempt id"
//	@Success		200	{object}	AttemptDetail
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/status/attempts/{id} [get]
func (h *Handler) Attempt(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid id"))
		return
	}
	a, err := h.status.Get(id)
	if err != nil {
		writeError(w, "attempt", err)
		return
	}
	if a == nil {
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
		return
	}
	files, err := h.status.Files(id)
	if err != nil {
		writeError(w, "attempt files", err)
		return
	}
	if files == nil {
		files = []status.File{}
	}
	writeJSON(w, http.StatusOK, AttemptDetail{Attempt: *a, Files: files})
}

// Doctor handles POST /api/doctor.
//
//	@Summary		Check notes for structural problems
//	@Tags			vault
//	@Produce		json
//	@Param			fix	query		bool	false	"Repair what can be repaired"
//	@Success		200	{object}	DoctorResponse
//	@Security		BearerAuth
//	@Router			/doctor [post]
func (h *Handler) Doctor(w http.ResponseWriter, r *http.Request) {
	fix, _ := strconv.ParseBool(r.URL.Query().Get("fix"))
	issues, err := h.vault.Doctor(fix)
	if err != nil {
		writeError(w, "doctor", err)
		return
	}
	if issues == nil {
		issues = []vault.Issue{}
	}
	writeJSON(w, http.StatusOK, DoctorResponse{Fixed: fix, Issues: issues})
}

// ShareNote handles POST /api/notes/share.
//
//	@Summary		Share a note with a contact
//	@Tags			notes
//	@Accept			json
//	@Param			body	body	ShareRequest	true	"Note and contact"
//	@Success		204		"Shared"
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/share [post]
func (h *Handler) ShareNote(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req ShareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Path == "" || req.Nickname == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path and nickname are required"))
		return
	}
	if err := h.vault.NoteShare(req.Path, req.Nickname); err != nil {
		writeError(w, "share note", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Sync handles POST /api/sync.
//
//	@Summary		Start a sync pass now
//	@Tags			sync
//	@Success		202	"Sync requested"
//	@Failure		503	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sync [post]
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	if h.sync == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("sync service not running"))
		return
	}
	h.sync.Nudge()
	w.WriteHeader(http.StatusAccepted)
}
