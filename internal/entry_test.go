package internal

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nhardt/footnote-sub000/internal/vault"
)

func testConfig(t *testing.T, path string) *Config {
	t.Helper()
	cfg := NewDefaultConfig()
	cfg.Vault.Path = path
	cfg.Sync.Listen = "127.0.0.1:0"
	cfg.Sync.Watch = false
	cfg.Sync.Interval = time.Hour
	return cfg
}

func TestRun_RequiresConfig(t *testing.T) {
	if err := Run(context.Background()); err == nil {
		t.Fatal("expected error without config")
	}
}

func TestRun_RefusesUnenrolledVault(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "vault"))
	var logs bytes.Buffer
	err := Run(context.Background(), WithConfig(cfg), WithLogOutput(&logs))
	if !errors.Is(err, ErrNotEnrolled) {
		t.Errorf("err = %v, want ErrNotEnrolled", err)
	}
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault")
	v, err := vault.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.TransitionToPrimary("ada", "laptop"); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(t, path)

	ctx, cancel := context.WithCancel(context.Background())
	var rt Runtime
	var logs bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, WithConfig(cfg), WithLogOutput(&logs), WithReady(func(r Runtime) {
			rt = r
			cancel()
		}))
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not stop")
	}
	if rt.Service == nil || rt.Endpoint == nil {
		t.Fatal("ready callback not invoked")
	}
	if !bytes.Contains(logs.Bytes(), []byte(`"msg":"Server stopped successfully"`)) {
		t.Errorf("missing shutdown log: %s", logs.String())
	}
}
