package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func tempVault(t *testing.T) *FS {
	t.Helper()
	dir := t.TempDir()
	fs, err := NewFS(dir)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return fs
}

func TestWriteAndRead(t *testing.T) {
	s := tempVault(t)
	content := []byte("# Hello\nWorld\n")
	if err := s.Write("note.md", content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("note.md")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q", got)
	}
}

func TestWriteCreatesSubdirs(t *testing.T) {
	s := tempVault(t)
	if err := s.Write("a/b/c.md", []byte("deep")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("a/b/c.md")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "deep" {
		t.Errorf("content = %q", got)
	}
}

func TestWriteSecretPermissions(t *testing.T) {
	s := tempVault(t)
	if err := s.WriteSecret(".footnote/id_key", []byte("k")); err != nil {
		t.Fatalf("WriteSecret: %v", err)
	}
	info, err := os.Stat(filepath.Join(s.Root(), ".footnote", "id_key"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("perm = %o, want 600", perm)
	}
}

func TestDelete(t *testing.T) {
	s := tempVault(t)
	_ = s.Write("del.md", []byte("bye"))
	if err := s.Delete("del.md"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.Exists("del.md") {
		t.Error("deleted file still exists")
	}
	if err := s.Delete(""); err == nil {
		t.Error("deleting the root should fail")
	}
}

func TestMove(t *testing.T) {
	s := tempVault(t)
	_ = s.Write("old.md", []byte("data"))
	if err := s.Move("old.md", "sub/new.md"); err != nil {
		t.Fatalf("Move: %v", err)
	}
	got, err := s.Read("sub/new.md")
	if err != nil {
		t.Fatalf("Read after move: %v", err)
	}
	if string(got) != "data" {
		t.Errorf("content = %q", got)
	}
	if s.Exists("old.md") {
		t.Error("old path should not exist")
	}
}

func TestList(t *testing.T) {
	s := tempVault(t)
	_ = s.Write("a.md", []byte("a"))
	_ = s.Write("sub/b.md", []byte("b"))
	_ = s.Write("readme.txt", []byte("not md"))
	_ = s.Write(".footnote/hidden.md", []byte("hidden"))
	_ = s.Write("sub/.draft.md", []byte("hidden"))

	items, err := s.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"a.md", "sub/b.md"}
	if len(items) != len(want) {
		t.Fatalf("List = %v, want %v", items, want)
	}
	for i := range want {
		if items[i] != want[i] {
			t.Errorf("items[%d] = %q, want %q", i, items[i], want[i])
		}
	}
}

func TestList_MissingDir(t *testing.T) {
	s := tempVault(t)
	items, err := s.List("nope")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("len = %d, want 0", len(items))
	}
}

func TestTraversalBlocked(t *testing.T) {
	s := tempVault(t)

	cases := []string{
		"../../etc/passwd",
		"../outside.md",
		"a/../../outside.md",
		"/etc/shadow",
		`..\outside.md`,
	}
	for _, p := range cases {
		if _, err := s.Read(p); err == nil {
			t.Errorf("expected error for path %q", p)
		}
		if err := s.Write(p, []byte("x")); !errors.Is(err, ErrPathEscape) {
			t.Errorf("Write(%q) = %v, want ErrPathEscape", p, err)
		}
	}
}

func TestSymlinkEscapeBlocked(t *testing.T) {
	s := tempVault(t)
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(s.Root(), "link")); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}
	if err := s.Write("link/evil.md", []byte("x")); !errors.Is(err, ErrPathEscape) {
		t.Fatalf("Write through symlink = %v, want ErrPathEscape", err)
	}
	if _, err := os.Stat(filepath.Join(outside, "evil.md")); err == nil {
		t.Error("file written outside root")
	}
}

func TestSub(t *testing.T) {
	s := tempVault(t)
	sub, err := s.Sub("footnotes/alice")
	if err != nil {
		t.Fatalf("Sub: %v", err)
	}
	if err := sub.Write("n.md", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if !s.Exists("footnotes/alice/n.md") {
		t.Error("file not visible from parent")
	}
	if err := sub.Write("../escape.md", []byte("x")); !errors.Is(err, ErrPathEscape) {
		t.Errorf("Write = %v, want ErrPathEscape", err)
	}
}

func TestAtomicWriteNoCorruption(t *testing.T) {
	s := tempVault(t)
	_ = s.Write("atomic.md", []byte("original content"))

	updated := []byte("updated content")
	if err := s.Write("atomic.md", updated); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, _ := s.Read("atomic.md")
	if string(got) != string(updated) {
		t.Errorf("expected updated content, got %q", got)
	}

	matches, _ := filepath.Glob(filepath.Join(s.root, tempPattern))
	if len(matches) != 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
}

func TestIsTemp(t *testing.T) {
	if !IsTemp("/x/.footnote-tmp-123") {
		t.Error("temp file not recognised")
	}
	if IsTemp("/x/note.md") {
		t.Error("note recognised as temp")
	}
}

func TestNewFS_NonExistentDir(t *testing.T) {
	_, err := NewFS(filepath.Join(t.TempDir(), "missing"))
	if err == nil {
		t.Error("expected error for non-existent dir")
	}
}

func TestNewFS_FileNotDir(t *testing.T) {
	f, _ := os.CreateTemp(t.TempDir(), "footnote-test-*")
	_ = f.Close()
	_, err := NewFS(f.Name())
	if err == nil {
		t.Error("expected error when root is a file")
	}
}
