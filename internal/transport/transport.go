// Package transport carries sync and pairing streams between devices over
// mutually authenticated TLS 1.3. Each device presents a self-signed
// certificate for its Ed25519 device key, and a peer is identified by the
// hex encoding of that key (its endpoint id). The application protocol is
// chosen with ALPN before any payload is read.
package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/nhardt/footnote-sub000/internal/identity"
)

// Protocol identifiers.
const (
	ALPNSync       = "footnote/sync/2"
	ALPNDeviceAuth = "footnote/device-auth"
)

var (
	// ErrPeerMismatch is returned when the dialed peer presents a key other
	// than the expected endpoint id.
	ErrPeerMismatch = errors.New("transport: peer key does not match endpoint id")

	// ErrBadCertificate is returned when a peer certificate is not a single
	// Ed25519 certificate.
	ErrBadCertificate = errors.New("transport: peer certificate is not an ed25519 device key")
)

// Endpoint is this device's presence on the network.
type Endpoint struct {
	key      ed25519.PrivateKey
	id       string
	cert     tls.Certificate
	resolver Resolver
}

// NewEndpoint builds an endpoint for the device key. resolver maps peer
// endpoint ids to addresses for Dial and may be nil if only DialAddr is used.
func NewEndpoint(key ed25519.PrivateKey, resolver Resolver) (*Endpoint, error) {
	cert, err := selfSigned(key)
	if err != nil {
		return nil, err
	}
	return &Endpoint{
		key:      key,
		id:       identity.PublicKeyString(key),
		cert:     cert,
		resolver: resolver,
	}, nil
}

// ID returns this device's endpoint id.
func (e *Endpoint) ID() string { return e.id }

func selfSigned(key ed25519.PrivateKey) (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("transport: serial: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: identity.PublicKeyString(key)},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("transport: create certificate: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

// peerKey extracts the Ed25519 key from a raw certificate chain and checks
// the certificate is signed by that same key.
func peerKey(rawCerts [][]byte) (ed25519.PublicKey, error) {
	if len(rawCerts) != 1 {
		return nil, ErrBadCertificate
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCertificate, err)
	}
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, ErrBadCertificate
	}
	// The leaf is not a CA, so CheckSignatureFrom would refuse it.
	if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCertificate, err)
	}
	return pub, nil
}

func (e *Endpoint) serverConfig(alpns []string) *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{e.cert},
		ClientAuth:   tls.RequireAnyClientCert,
		NextProtos:   alpns,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			_, err := peerKey(rawCerts)
			return err
		},
	}
}

func (e *Endpoint) clientConfig(expect, alpn string) *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{e.cert},
		NextProtos:   []string{alpn},
		// Chain verification is replaced by pinning the key below.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			pub, err := peerKey(rawCerts)
			if err != nil {
				return err
			}
			if identity.EncodePublicKey(pub) != expect {
				return ErrPeerMismatch
			}
			return nil
		},
	}
}

// Listener accepts connections for a fixed set of protocols.
type Listener struct {
	ln  net.Listener
	cfg *tls.Config
}

// Listen opens a TCP listener on addr accepting the given protocols.
func (e *Endpoint) Listen(addr string, alpns ...string) (*Listener, error) {
	if len(alpns) == 0 {
		return nil, fmt.Errorf("transport: listen: no protocols")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen: %w", err)
	}
	return &Listener{ln: ln, cfg: e.serverConfig(alpns)}, nil
}

// Accept waits for the next connection. The TLS handshake has not run yet;
// callers run Conn.Handshake on their own goroutine.
func (l *Listener) Accept() (*Conn, error) {
	raw, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return &Conn{Conn: tls.Server(raw, l.cfg)}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting.
func (l *Listener) Close() error { return l.ln.Close() }

// Conn is an authenticated stream to a peer.
type Conn struct {
	*tls.Conn
	remote string
}

// Handshake completes the TLS handshake and records the peer's endpoint id.
func (c *Conn) Handshake(ctx context.Context) error {
	if err := c.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("transport: handshake: %w", err)
	}
	state := c.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return ErrBadCertificate
	}
	pub, ok := state.PeerCertificates[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return ErrBadCertificate
	}
	c.remote = identity.EncodePublicKey(pub)
	return nil
}

// RemoteID returns the peer's endpoint id. Valid after Handshake.
func (c *Conn) RemoteID() string { return c.remote }

// ALPN returns the negotiated protocol. Valid after Handshake.
func (c *Conn) ALPN() string { return c.ConnectionState().NegotiatedProtocol }

// Dial resolves the peer's address and connects with the given protocol.
func (e *Endpoint) Dial(ctx context.Context, endpointID, alpn string) (*Conn, error) {
	if e.resolver == nil {
		return nil, fmt.Errorf("transport: dial %s: no resolver", short(endpointID))
	}
	addr, err := e.resolver.Resolve(ctx, endpointID)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", short(endpointID), err)
	}
	return e.DialAddr(ctx, addr, endpointID, alpn)
}

// DialAddr connects to addr and requires the peer to hold endpointID's key.
func (e *Endpoint) DialAddr(ctx context.Context, addr, endpointID, alpn string) (*Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	c := &Conn{Conn: tls.Client(raw, e.clientConfig(endpointID, alpn))}
	if err := c.Handshake(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	if c.ALPN() != alpn {
		_ = c.Close()
		return nil, fmt.Errorf("transport: peer did not accept protocol %s", alpn)
	}
	return c, nil
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
