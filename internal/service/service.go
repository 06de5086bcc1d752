// Package service runs a device's background sync: it accepts inbound
// sync connections, pushes to own devices and contacts on a timer, and
// pushes early when notes change on disk.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nhardt/footnote-sub000/internal/transfer"
	"github.com/nhardt/footnote-sub000/internal/transport"
	"github.com/nhardt/footnote-sub000/internal/vault"
)

const (
	DefaultInterval = 60 * time.Second
	DefaultDebounce = 2 * time.Second

	handshakeTimeout = 15 * time.Second

	acceptBackoffMin = 5 * time.Millisecond
	acceptBackoffMax = time.Second
)

// listener is the accept side of a transport.Listener.
type listener interface {
	Accept() (*transport.Conn, error)
	Addr() net.Addr
	Close() error
}

// Options configures a Service.
type Options struct {
	Vault    *vault.Vault
	Syncer   *transfer.Syncer
	Endpoint *transport.Endpoint
	// Listen is the address the sync listener binds when Listener is nil.
	Listen   string
	Listener *transport.Listener
	Interval time.Duration
	// Watch enables filesystem nudges with the given Debounce.
	Watch    bool
	Debounce time.Duration
	Logger   *slog.Logger
}

// Service is one running device.
type Service struct {
	vault    *vault.Vault
	syncer   *transfer.Syncer
	endpoint *transport.Endpoint
	listen   string
	ln       listener
	interval time.Duration
	watch    bool
	debounce time.Duration
	logger   *slog.Logger

	nudge chan struct{}
	conns sync.WaitGroup
}

// New checks opts and fills in defaults.
func New(opts Options) (*Service, error) {
	if opts.Vault == nil || opts.Syncer == nil {
		return nil, fmt.Errorf("service: vault and syncer are required")
	}
	if opts.Listener == nil && opts.Endpoint == nil {
		return nil, fmt.Errorf("service: endpoint or listener is required")
	}
	s := &Service{
		vault:    opts.Vault,
		syncer:   opts.Syncer,
		endpoint: opts.Endpoint,
		listen:   opts.Listen,
		interval: opts.Interval,
		watch:    opts.Watch,
		debounce: opts.Debounce,
		logger:   opts.Logger,
		nudge:    make(chan struct{}, 1),
	}
	if opts.Listener != nil {
		s.ln = opts.Listener
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.debounce <= 0 {
		s.debounce = DefaultDebounce
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s, nil
}

// Nudge asks the push driver to run a pass now. It never blocks; nudges
// arriving during a pass collapse into one.
func (s *Service) Nudge() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Run serves until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ln := s.ln
	if ln == nil {
		tl, err := s.endpoint.Listen(s.listen, transport.ALPNSync)
		if err != nil {
			return err
		}
		ln = tl
	}
	s.logger.Info("service: started",
		slog.String("listen", ln.Addr().String()),
		slog.String("interval", s.interval.String()),
		slog.Bool("watch", s.watch))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		_ = ln.Close()
		return nil
	})
	g.Go(func() error { return s.accept(gctx, ln) })
	g.Go(func() error { return s.drive(gctx) })
	if s.watch {
		g.Go(func() error {
			return Watch(gctx, s.vault.Path(), s.debounce, s.logger, func(string) { s.Nudge() })
		})
	}

	err := g.Wait()
	s.conns.Wait()
	s.logger.Info("service: stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// accept serves ln until ctx is done or ln is closed. Other accept errors
// are retried with a growing delay.
func (s *Service) accept(ctx context.Context, ln listener) error {
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("service: accept: %w", err)
			}
			if delay == 0 {
				delay = acceptBackoffMin
			} else {
				delay = min(2*delay, acceptBackoffMax)
			}
			s.logger.Warn("listener: accept failed",
				slog.String("error", err.Error()),
				slog.String("retry_in", delay.String()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		delay = 0
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *Service) handle(ctx context.Context, conn *transport.Conn) {
	defer conn.Close()

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	err := conn.Handshake(hctx)
	cancel()
	if err != nil {
		s.logger.Warn("listener: handshake failed",
			slog.String("remote_addr", conn.RemoteAddr().String()),
			slog.String("error", err.Error()),
			slog.Bool("security", true))
		return
	}
	if err := s.syncer.Receive(ctx, conn); err != nil {
		s.logger.Warn("listener: receive failed",
			slog.String("peer", conn.RemoteID()),
			slog.String("error", err.Error()))
	}
}

func (s *Service) drive(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		_ = s.SyncOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		case <-s.nudge:
		}
	}
}

// SyncOnce mirrors to every other own device and then shares with every
// contact, one target at a time. A failing target does not stop the pass;
// all failures are returned together.
func (s *Service) SyncOnce(ctx context.Context) error {
	self, _, err := s.vault.DeviceEndpoint()
	if err != nil {
		return err
	}
	devices, err := s.vault.DeviceRead()
	if err != nil {
		return err
	}
	contacts, err := s.vault.ContactRead()
	if err != nil {
		return err
	}

	var errs []error
	for _, d := range devices {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.EndpointID == self {
			continue
		}
		if err := s.syncer.Mirror(ctx, d.EndpointID); err != nil {
			s.logger.Warn("sync: mirror failed", slog.String("device", d.Name), slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("mirror %s: %w", d.Name, err))
		}
	}
	for _, c := range contacts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.syncer.Share(ctx, c.Nickname); err != nil {
			s.logger.Warn("sync: share failed", slog.String("contact", c.Nickname), slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("share %s: %w", c.Nickname, err))
		}
	}
	return errors.Join(errs...)
}
