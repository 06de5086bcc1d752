// Package mcpserver exposes vault state, sync status and note sharing as
// MCP tools over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nhardt/footnote-sub000/internal/status"
	"github.com/nhardt/footnote-sub000/internal/vault"
)

const formatURI = "footnote://note-format"

// Server wraps the MCP server with footnote tools.
type Server struct {
	mcp    *server.MCPServer
	vault  *vault.Vault
	status *status.Store
}

// New creates a new MCP server with all tools registered. st may be nil,
// in which case sync_status reports that no history is available.
func New(v *vault.Vault, st *status.Store, version string) *Server {
	s := &Server{vault: v, status: st}

	s.mcp = server.NewMCPServer(
		"footnote",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("vault_state",
		mcp.WithDescription("Lifecycle state of the vault (uninitialized, standalone, primary, secondary) and the local device."),
	), s.vaultState)

	s.mcp.AddTool(mcp.NewTool("list_devices",
		mcp.WithDescription("Devices that belong to this identity, with their endpoint ids."),
	), s.listDevices)

	s.mcp.AddTool(mcp.NewTool("list_contacts",
		mcp.WithDescription("Trusted contacts by nickname."),
	), s.listContacts)

	s.mcp.AddTool(mcp.NewTool("sync_status",
		mcp.WithDescription("Last sync outcome per peer and direction."),
	), s.syncStatus)

	s.mcp.AddTool(mcp.NewTool("doctor",
		mcp.WithDescription("Check notes for missing frontmatter, nil uuids and duplicate uuids."),
		mcp.WithBoolean("fix", mcp.Description("Repair the problems found")),
	), s.doctor)

	s.mcp.AddTool(mcp.NewTool("share_note",
		mcp.WithDescription("Add a contact to a note's share_with list. The note is sent on the next sync."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path to the note (e.g. ideas/plan.md)")),
		mcp.WithString("nickname", mcp.Required(), mcp.Description("Contact nickname")),
	), s.shareNote)

	s.mcp.AddTool(mcp.NewTool("read_note",
		mcp.WithDescription("Read a note including its frontmatter."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path to the note")),
	), s.readNote)

	s.mcp.AddTool(mcp.NewTool("create_note",
		mcp.WithDescription("Create a note with fresh frontmatter. Read "+formatURI+" for the format."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path for the new note (must end with .md)")),
		mcp.WithString("body", mcp.Required(), mcp.Description("Markdown body without frontmatter")),
	), s.createNote)

	s.mcp.AddResource(
		mcp.NewResource(formatURI, "Note Format",
			mcp.WithResourceDescription("Frontmatter fields every synced note carries."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) vaultState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	state, err := s.vault.StateRead()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out := map[string]any{"state": state.String()}
	if ep, name, err := s.vault.DeviceEndpoint(); err == nil {
		out["device_name"] = name
		out["endpoint_id"] = ep
	}
	if u, err := s.vault.UserRead(); err == nil && u != nil {
		out["username"] = u.Username
	}
	return jsonResult(out)
}

func (s *Server) listDevices(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	devices, err := s.vault.DeviceRead()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(devices) == 0 {
		return mcp.NewToolResultText("no devices"), nil
	}
	return jsonResult(devices)
}

func (s *Server) listContacts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	contacts, err := s.vault.ContactRead()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(contacts) == 0 {
		return mcp.NewToolResultText("no contacts"), nil
	}
	lines := make([]string, 0, len(contacts))
	for _, c := range contacts {
		lines = append(lines, fmt.Sprintf("%s (%s, %d devices)", c.Nickname, c.Username, len(c.Devices)))
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) syncStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.status == nil {
		return mcp.NewToolResultText("no sync history available"), nil
	}
	peers, err := s.status.List()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(peers) == 0 {
		return mcp.NewToolResultText("no sync history available"), nil
	}
	return jsonResult(peers)
}

func (s *Server) doctor(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	fix := req.GetBool("fix", false)
	issues, err := s.vault.Doctor(fix)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(issues) == 0 {
		return mcp.NewToolResultText("no issues found"), nil
	}
	lines := make([]string, 0, len(issues))
	for _, is := range issues {
		lines = append(lines, is.Path+": "+is.Problem)
	}
	if fix {
		lines = append(lines, fmt.Sprintf("fixed %d issues", len(issues)))
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) shareNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	nickname, err := req.RequireString("nickname")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.vault.NoteShare(path, nickname); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("shared %s with %s", path, nickname)), nil
}

func (s *Server) readNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, err := s.vault.NoteRead(path); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", path)), nil
	}
	data, err := s.vault.FS().Read(path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) createNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	body, err := req.RequireString("body")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n, err := s.vault.NoteCreate(path, body)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("created: %s (%s)", path, n.Frontmatter.UUID)), nil
}

func (s *Server) readFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      formatURI,
			MIMEType: "text/markdown",
			Text:     NoteFormat,
		},
	}, nil
}
