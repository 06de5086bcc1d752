package status

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "status.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSchemaCreation(t *testing.T) {
	s := testStore(t)
	var count int
	if err := s.conn.QueryRow(`SELECT count(*) FROM sync_attempts`).Scan(&count); err != nil {
		t.Fatalf("sync_attempts table missing: %v", err)
	}
	if err := s.conn.QueryRow(`SELECT count(*) FROM sync_files`).Scan(&count); err != nil {
		t.Fatalf("sync_files table missing: %v", err)
	}
}

func TestAttemptLifecycle(t *testing.T) {
	s := testStore(t)
	tr, err := s.Start("peer", Mirror, Outbound)
	if err != nil {
		t.Fatal(err)
	}
	sum, _ := s.Record("peer", Outbound)
	if sum.Current == nil || sum.Current.ID != tr.Attempt().ID {
		t.Fatalf("current = %+v", sum.Current)
	}

	if err := tr.SetTotal(2); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{"a.md", "b.md"} {
		if err := tr.FileDone(File{UUID: uuid.New(), Path: p, Modified: 5}); err != nil {
			t.Fatal(err)
		}
	}
	if err := tr.Succeed(); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(tr.Attempt().ID)
	if err != nil || got == nil {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if got.State != Success {
		t.Errorf("state = %s, want success", got.State)
	}
	if got.FilesTotal == nil || *got.FilesTotal != 2 || got.FilesTransferred != 2 {
		t.Errorf("files = %v/%d", got.FilesTotal, got.FilesTransferred)
	}
	if got.FinishedAt == 0 {
		t.Error("finished_at not set")
	}
	files, _ := s.Files(got.ID)
	if len(files) != 2 || files[0].Path != "a.md" || files[1].Path != "b.md" {
		t.Errorf("files = %+v", files)
	}

	sum, _ = s.Record("peer", Outbound)
	if sum.Current != nil {
		t.Error("finished attempt still current")
	}
	if sum.LastSuccess == nil || sum.LastSuccess.ID != got.ID {
		t.Errorf("last success = %+v", sum.LastSuccess)
	}
	if sum.LastSeen == nil || sum.LastSeen.ID != got.ID {
		t.Errorf("last seen = %+v", sum.LastSeen)
	}
}

func TestSucceed_NoFilesIsSpurious(t *testing.T) {
	s := testStore(t)
	tr, _ := s.Start("peer", Share, Inbound)
	_ = tr.SetTotal(0)
	if err := tr.Succeed(); err != nil {
		t.Fatal(err)
	}
	sum, _ := s.Record("peer", Inbound)
	if sum.LastSuccess != nil {
		t.Error("spurious attempt counted as success")
	}
	if sum.LastSeen == nil || sum.LastSeen.State != Spurious {
		t.Errorf("last seen = %+v", sum.LastSeen)
	}
}

func TestFail(t *testing.T) {
	s := testStore(t)
	tr, _ := s.Start("peer", Mirror, Inbound)
	if err := tr.Fail(errors.New("connection reset")); err != nil {
		t.Fatal(err)
	}
	// A second finish is ignored.
	if err := tr.Succeed(); err != nil {
		t.Fatal(err)
	}
	sum, _ := s.Record("peer", Inbound)
	if sum.LastFailure == nil || sum.LastFailure.Error != "connection reset" {
		t.Errorf("last failure = %+v", sum.LastFailure)
	}
	if sum.LastSuccess != nil {
		t.Error("failed attempt later marked success")
	}
}

func TestListAndRecent(t *testing.T) {
	s := testStore(t)
	for _, ep := range []string{"b", "a", "a"} {
		tr, _ := s.Start(ep, Mirror, Outbound)
		_ = tr.Succeed()
	}
	tr, _ := s.Start("a", Mirror, Inbound)
	_ = tr.Succeed()

	list, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("len = %d, want 3", len(list))
	}
	if list[0].EndpointID != "a" || list[0].Direction != Inbound {
		t.Errorf("first = %s/%s", list[0].EndpointID, list[0].Direction)
	}

	recent, _ := s.Recent(2)
	if len(recent) != 2 || recent[0].ID <= recent[1].ID {
		t.Errorf("recent = %+v", recent)
	}
}

func TestPrune(t *testing.T) {
	s := testStore(t)
	var last int64
	for range 5 {
		tr, _ := s.Start("peer", Mirror, Outbound)
		_ = tr.FileDone(File{UUID: uuid.New(), Path: "x.md"})
		_ = tr.Succeed()
		last = tr.Attempt().ID
	}
	n, err := s.Prune(2)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("pruned = %d, want 3", n)
	}
	recent, _ := s.Recent(10)
	if len(recent) != 2 || recent[0].ID != last {
		t.Errorf("recent = %+v", recent)
	}
}

func TestOnChange(t *testing.T) {
	s := testStore(t)
	var mu sync.Mutex
	var states []State
	s.OnChange(func(a Attempt) {
		mu.Lock()
		states = append(states, a.State)
		mu.Unlock()
	})
	tr, _ := s.Start("peer", Share, Outbound)
	_ = tr.SetTotal(1)
	_ = tr.FileDone(File{UUID: uuid.New(), Path: "n.md"})
	_ = tr.Succeed()

	mu.Lock()
	defer mu.Unlock()
	want := []State{InProgress, InProgress, InProgress, Success}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %s, want %s", i, states[i], want[i])
		}
	}
}
