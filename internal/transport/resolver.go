package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhardt/footnote-sub000/internal/apperr"
)

// Resolver maps an endpoint id to a dialable host:port.
type Resolver interface {
	Resolve(ctx context.Context, endpointID string) (string, error)
}

// StaticResolver is a fixed address book.
type StaticResolver map[string]string

// Resolve implements Resolver.
func (s StaticResolver) Resolve(_ context.Context, endpointID string) (string, error) {
	addr, ok := s[endpointID]
	if !ok {
		return "", fmt.Errorf("transport: no address for %s: %w", short(endpointID), apperr.ErrNotFound)
	}
	return addr, nil
}

// Chain tries each resolver in order and returns the first address found.
// Lookup stops at the first error that is not ErrNotFound.
func Chain(rs ...Resolver) Resolver { return chain(rs) }

type chain []Resolver

func (c chain) Resolve(ctx context.Context, endpointID string) (string, error) {
	for _, r := range c {
		if r == nil {
			continue
		}
		addr, err := r.Resolve(ctx, endpointID)
		if err == nil {
			return addr, nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("transport: no address for %s: %w", short(endpointID), apperr.ErrNotFound)
}
