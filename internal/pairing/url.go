package pairing

import (
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Scheme is the URL scheme of join links.
const Scheme = "footnote+pair"

// Link is the content of a join URL.
type Link struct {
	EndpointID string
	Addr       string
	Token      string
}

// String renders l as footnote+pair://<endpoint>?addr=<host:port>&token=<hex>.
func (l Link) String() string {
	q := url.Values{}
	q.Set("addr", l.Addr)
	q.Set("token", l.Token)
	u := url.URL{Scheme: Scheme, Host: l.EndpointID, RawQuery: q.Encode()}
	return u.String()
}

// ParseURL parses and checks a join URL.
func ParseURL(raw string) (Link, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Link{}, fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	if u.Scheme != Scheme {
		return Link{}, fmt.Errorf("%w: scheme %q", ErrBadURL, u.Scheme)
	}
	l := Link{
		EndpointID: strings.ToLower(u.Host),
		Addr:       u.Query().Get("addr"),
		Token:      strings.ToLower(u.Query().Get("token")),
	}
	if !isHex(l.EndpointID, 64) {
		return Link{}, fmt.Errorf("%w: endpoint id", ErrBadURL)
	}
	if !isHex(l.Token, 2*tokenSize) {
		return Link{}, fmt.Errorf("%w: token", ErrBadURL)
	}
	if _, _, err := net.SplitHostPort(l.Addr); err != nil {
		return Link{}, fmt.Errorf("%w: addr: %v", ErrBadURL, err)
	}
	return l, nil
}

func isHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
