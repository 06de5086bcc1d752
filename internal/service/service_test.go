package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nhardt/footnote-sub000/internal/status"
	"github.com/nhardt/footnote-sub000/internal/testutil"
	"github.com/nhardt/footnote-sub000/internal/transfer"
	"github.com/nhardt/footnote-sub000/internal/transport"
	"github.com/nhardt/footnote-sub000/internal/vault"
)

type device struct {
	v   *vault.Vault
	st  *status.Store
	svc *Service
}

// newDevice builds a service for v. When listen is set the device gets a
// loopback listener registered in book.
func newDevice(t *testing.T, v *vault.Vault, book transport.StaticResolver, listen bool) *device {
	t.Helper()
	ep := testutil.Endpoint(t, v, book)
	st := testutil.StatusDB(t)
	syncer, err := transfer.NewSyncer(transfer.SyncerOptions{Vault: v, Endpoint: ep, Status: st})
	if err != nil {
		t.Fatal(err)
	}
	opts := Options{Vault: v, Syncer: syncer, Endpoint: ep, Interval: time.Hour}
	if listen {
		opts.Listener = testutil.Listen(t, ep, book, transport.ALPNSync)
	}
	svc, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return &device{v: v, st: st, svc: svc}
}

func (d *device) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
}

func waitForNote(t *testing.T, v *vault.Vault, rel string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := v.NoteRead(rel); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("note %s never arrived", rel)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error for empty options")
	}
}

func TestSyncOnce_MirrorsToListeningDevice(t *testing.T) {
	book := transport.StaticResolver{}
	laptop := testutil.PrimaryVault(t, "ada", "laptop")
	phoneVault := testutil.JoinDevice(t, laptop, "phone")

	p := newDevice(t, laptop, book, false)
	j := newDevice(t, phoneVault, book, true)
	j.run(t)

	if _, err := laptop.NoteCreate("ideas.md", "hello"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.svc.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}

	got, err := phoneVault.NoteRead("ideas.md")
	if err != nil {
		t.Fatalf("note not mirrored: %v", err)
	}
	if strings.TrimSpace(got.Body) != "hello" {
		t.Errorf("body = %q, want hello", got.Body)
	}

	laptopEP, _, err := laptop.DeviceEndpoint()
	if err != nil {
		t.Fatal(err)
	}
	// The receiver records the outcome after it releases the sender.
	deadline := time.Now().Add(5 * time.Second)
	for {
		sum, err := j.st.Record(laptopEP, status.Inbound)
		if err != nil {
			t.Fatal(err)
		}
		if sum.LastSuccess != nil {
			if sum.LastSuccess.FilesTransferred != 1 {
				t.Errorf("files transferred = %d, want 1", sum.LastSuccess.FilesTransferred)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no inbound success recorded: %+v", sum)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSyncOnce_ReportsUnreachableTargets(t *testing.T) {
	book := transport.StaticResolver{}
	laptop := testutil.PrimaryVault(t, "ada", "laptop")
	testutil.JoinDevice(t, laptop, "phone")
	p := newDevice(t, laptop, book, false)

	err := p.svc.SyncOnce(context.Background())
	if err == nil {
		t.Fatal("expected an error for a device with no known address")
	}
}

func TestRun_NudgeTriggersPush(t *testing.T) {
	book := transport.StaticResolver{}
	laptop := testutil.PrimaryVault(t, "ada", "laptop")
	phoneVault := testutil.JoinDevice(t, laptop, "phone")

	p := newDevice(t, laptop, book, true)
	j := newDevice(t, phoneVault, book, true)
	p.run(t)
	j.run(t)

	if _, err := phoneVault.NoteCreate("from-phone.md", "sent from the phone"); err != nil {
		t.Fatal(err)
	}
	j.svc.Nudge()
	waitForNote(t, laptop, "from-phone.md")
}

// flakyListener fails its first failures Accept calls before handing off
// to the wrapped listener.
type flakyListener struct {
	*transport.Listener
	mu       sync.Mutex
	failures int
}

func (l *flakyListener) Accept() (*transport.Conn, error) {
	l.mu.Lock()
	if l.failures > 0 {
		l.failures--
		l.mu.Unlock()
		return nil, errors.New("accept: too many open files")
	}
	l.mu.Unlock()
	return l.Listener.Accept()
}

func TestRun_AcceptErrorsAreRetried(t *testing.T) {
	book := transport.StaticResolver{}
	laptop := testutil.PrimaryVault(t, "ada", "laptop")
	phoneVault := testutil.JoinDevice(t, laptop, "phone")

	p := newDevice(t, laptop, book, true)
	j := newDevice(t, phoneVault, book, true)
	flaky := &flakyListener{Listener: j.svc.ln.(*transport.Listener), failures: 4}
	j.svc.ln = flaky
	j.run(t)
	p.run(t)

	if _, err := laptop.NoteCreate("after-errors.md", "still listening"); err != nil {
		t.Fatal(err)
	}
	p.svc.Nudge()
	waitForNote(t, phoneVault, "after-errors.md")

	flaky.mu.Lock()
	defer flaky.mu.Unlock()
	if flaky.failures != 0 {
		t.Errorf("%d accept failures not consumed", flaky.failures)
	}
}

func TestRun_ClosesOnCancel(t *testing.T) {
	book := transport.StaticResolver{}
	v := testutil.PrimaryVault(t, "ada", "laptop")
	d := newDevice(t, v, book, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.svc.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWatch_DebouncesNoteChanges(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".footnote"), 0o755); err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan string, 8)
	go Watch(ctx, root, 50*time.Millisecond, logger, func(rel string) { changes <- rel })
	// Give the watcher time to register the root.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(root, ".footnote", "peers.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "skip.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case rel := <-changes:
		t.Fatalf("unexpected change %q", rel)
	case <-time.After(300 * time.Millisecond):
	}

	for i := 0; i < 3; i++ {
		if err := os.WriteFile(filepath.Join(root, "a.md"), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	select {
	case rel := <-changes:
		if rel != "a.md" {
			t.Errorf("changed = %q, want a.md", rel)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}
	select {
	case rel := <-changes:
		t.Errorf("burst produced a second change %q", rel)
	case <-time.After(300 * time.Millisecond):
	}
}
