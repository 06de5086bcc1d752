// Package pairing enrolls a new device into an identity. The primary
// opens a one-shot session and shows a join URL carrying its endpoint id,
// its address and a single-use token; the new device dials it, proves the
// token, and receives a signed authorization and the updated user record.
package pairing

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/nhardt/footnote-sub000/internal/identity"
	"github.com/nhardt/footnote-sub000/internal/transport"
	"github.com/nhardt/footnote-sub000/internal/vault"
	"github.com/nhardt/footnote-sub000/internal/wire"
)

const (
	tokenSize = 32

	handshakeTimeout = 30 * time.Second
)

var (
	// ErrTokenMismatch is returned when a join request carries the wrong token.
	ErrTokenMismatch = errors.New("pairing: token mismatch")

	// ErrSessionUsed is returned when Wait is called again on a session.
	ErrSessionUsed = errors.New("pairing: session already used")

	// ErrRejected is returned to the joining device when the primary
	// refused the request.
	ErrRejected = errors.New("pairing: join rejected by primary")

	// ErrBadURL is returned for malformed join URLs.
	ErrBadURL = errors.New("pairing: malformed join url")
)

// Request is sent by the joining device.
type Request struct {
	DeviceName string `json:"device_name"`
	EndpointID string `json:"endpoint_id"`
	Token      string `json:"token"`
}

// Validate implements validation.Validatable.
func (r Request) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.DeviceName, validation.Required, validation.By(func(any) error {
			return identity.ValidateName(r.DeviceName)
		})),
		validation.Field(&r.EndpointID, validation.Required, validation.Length(64, 64), is.Hexadecimal),
		validation.Field(&r.Token, validation.Required, validation.Length(2*tokenSize, 2*tokenSize), is.Hexadecimal),
	)
}

// Response is sent by the primary. Error is set when the request was refused.
type Response struct {
	Authorization *identity.DeviceAuthorization `json:"authorization,omitempty"`
	User          *identity.Contact             `json:"user,omitempty"`
	Error         string                        `json:"error,omitempty"`
}

// Session is the primary's side of one pairing.
type Session struct {
	vault  *vault.Vault
	ln     *transport.Listener
	link   Link
	token  []byte
	logger *slog.Logger

	mu   sync.Mutex
	used bool
}

// Start opens a pairing listener on listenAddr. advertiseAddr is the
// address put in the join URL; when empty the bound address is used.
func Start(v *vault.Vault, ep *transport.Endpoint, listenAddr, advertiseAddr string, logger *slog.Logger) (*Session, error) {
	state, err := v.StateRead()
	if err != nil {
		return nil, err
	}
	if state != vault.StatePrimary {
		return nil, fmt.Errorf("pairing: %w: vault is %s", vault.ErrNotPrimary, state)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	token := make([]byte, tokenSize)
	if _, err := rand.Read(token); err != nil {
		return nil, fmt.Errorf("pairing: token: %w", err)
	}
	ln, err := ep.Listen(listenAddr, transport.ALPNDeviceAuth)
	if err != nil {
		return nil, err
	}
	if advertiseAddr == "" {
		advertiseAddr = ln.Addr().String()
	}
	return &Session{
		vault:  v,
		ln:     ln,
		link:   Link{EndpointID: ep.ID(), Addr: advertiseAddr, Token: hex.EncodeToString(token)},
		token:  token,
		logger: logger,
	}, nil
}

// URL returns the join URL to hand to the new device.
func (s *Session) URL() string { return s.link.String() }

// Close stops listening.
func (s *Session) Close() error { return s.ln.Close() }

// Wait serves the session until one device completes the device-auth
// handshake, then answers that device and returns what it admitted. The
// token is consumed by that connection whatever the outcome. Connections
// that fail the handshake are dropped and Wait keeps listening. The
// listener is closed when Wait returns.
func (s *Session) Wait(ctx context.Context) (*identity.Device, error) {
	s.mu.Lock()
	if s.used {
		s.mu.Unlock()
		return nil, ErrSessionUsed
	}
	s.used = true
	s.mu.Unlock()

	defer s.ln.Close()
	defer context.AfterFunc(ctx, func() { _ = s.ln.Close() })()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("pairing: accept: %w", err)
		}
		d, done, err := s.serve(ctx, conn)
		if done {
			return d, err
		}
	}
}

// serve handles one connection. done is false when the peer never got
// through the handshake and the session is still open.
func (s *Session) serve(ctx context.Context, conn *transport.Conn) (d *identity.Device, done bool, err error) {
	defer conn.Close()
	defer context.AfterFunc(ctx, func() { _ = conn.Close() })()

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	if err := conn.Handshake(hctx); err != nil {
		if ctx.Err() != nil {
			return nil, true, ctx.Err()
		}
		s.logger.Warn("pairing: handshake failed",
			slog.String("remote_addr", conn.RemoteAddr().String()),
			slog.String("error", err.Error()),
			slog.Bool("security", true))
		return nil, false, nil
	}
	if alpn := conn.ALPN(); alpn != transport.ALPNDeviceAuth {
		s.logger.Warn("pairing: wrong protocol",
			slog.String("peer", conn.RemoteID()), slog.String("alpn", alpn), slog.Bool("security", true))
		return nil, false, nil
	}

	d, err = s.admit(conn)
	if err != nil {
		_ = wire.WriteJSON(conn, Response{Error: err.Error()})
		s.logger.Warn("pairing: join refused",
			slog.String("peer", conn.RemoteID()), slog.String("error", err.Error()), slog.Bool("security", true))
		return nil, true, err
	}
	s.logger.Info("pairing: device joined", slog.String("device", d.Name), slog.String("endpoint", d.EndpointID))
	return d, true, nil
}

func (s *Session) admit(conn *transport.Conn) (*identity.Device, error) {
	var req Request
	if err := wire.ReadJSON(conn, &req); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("pairing: request: %w", err)
	}
	got, err := hex.DecodeString(req.Token)
	if err != nil || subtle.ConstantTimeCompare(got, s.token) != 1 {
		return nil, ErrTokenMismatch
	}
	if req.EndpointID != conn.RemoteID() {
		return nil, fmt.Errorf("pairing: request endpoint does not match connection key")
	}

	auth, user, err := s.vault.DeviceAuthorize(req.DeviceName, req.EndpointID)
	if err != nil {
		return nil, err
	}
	if err := wire.WriteJSON(conn, Response{Authorization: auth, User: user}); err != nil {
		return nil, err
	}
	return &identity.Device{Name: req.DeviceName, EndpointID: req.EndpointID}, nil
}

// Join enrolls v into the identity behind rawURL as deviceName. Nothing is
// written to v unless the primary admits the device and everything it
// returns verifies.
func Join(ctx context.Context, v *vault.Vault, rawURL, deviceName string, logger *slog.Logger) (*identity.Contact, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := v.CanJoin(); err != nil {
		return nil, err
	}
	if err := identity.ValidateName(deviceName); err != nil {
		return nil, fmt.Errorf("pairing: device name: %w", err)
	}
	link, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}

	key, err := identity.GenerateKey()
	if err != nil {
		return nil, err
	}
	ep, err := transport.NewEndpoint(key, nil)
	if err != nil {
		return nil, err
	}
	conn, err := ep.DialAddr(ctx, link.Addr, link.EndpointID, transport.ALPNDeviceAuth)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	defer context.AfterFunc(ctx, func() { _ = conn.Close() })()

	req := Request{DeviceName: deviceName, EndpointID: ep.ID(), Token: link.Token}
	if err := wire.WriteJSON(conn, req); err != nil {
		return nil, err
	}
	var resp Response
	if err := wire.ReadJSON(conn, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrRejected, resp.Error)
	}
	if resp.User == nil || resp.Authorization == nil {
		return nil, fmt.Errorf("%w: incomplete response", ErrRejected)
	}
	if _, ok := resp.User.Device(link.EndpointID); !ok {
		return nil, fmt.Errorf("pairing: primary is not a device of the identity it vouched for")
	}

	if err := v.CompleteJoin(key, deviceName, resp.User, resp.Authorization, link.EndpointID, link.Addr); err != nil {
		return nil, err
	}
	logger.Info("pairing: joined", slog.String("username", resp.User.Username), slog.String("device", deviceName))
	return resp.User, nil
}
