package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/nhardt/footnote-sub000/internal/apperr"
)

// PeerAddresses returns the address book mapping endpoint ids to host:port.
func (v *Vault) PeerAddresses() (map[string]string, error) {
	data, err := v.fs.Read(PeersFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("vault: read peers: %w", err)
	}
	book := map[string]string{}
	if err := json.Unmarshal(data, &book); err != nil {
		return nil, fmt.Errorf("vault: decode peers: %w", err)
	}
	return book, nil
}

// PeerSet records the network address of endpoint.
func (v *Vault) PeerSet(endpoint, addr string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.peerSet(endpoint, addr)
}

func (v *Vault) peerSet(endpoint, addr string) error {
	book, err := v.PeerAddresses()
	if err != nil {
		return err
	}
	book[endpoint] = addr
	data, err := json.MarshalIndent(book, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: encode peers: %w", err)
	}
	if err := v.fs.Write(PeersFile, data); err != nil {
		return fmt.Errorf("vault: write peers: %w", err)
	}
	return nil
}

// Resolve looks endpoint up in the address book.
func (v *Vault) Resolve(_ context.Context, endpoint string) (string, error) {
	book, err := v.PeerAddresses()
	if err != nil {
		return "", err
	}
	addr, ok := book[endpoint]
	if !ok {
		return "", fmt.Errorf("vault: no address for %s: %w", endpoint, apperr.ErrNotFound)
	}
	return addr, nil
}
