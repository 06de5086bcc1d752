package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrPathEscape is returned for any path that would resolve outside the root.
var ErrPathEscape = errors.New("storage: path escapes root")

const tempPattern = ".footnote-tmp-*"

// FS implements Provider backed by the local file system.
type FS struct {
	root string // canonical (absolute, symlink-free) path
}

// NewFS creates a new FS provider rooted at the given directory.
// The directory must already exist.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	info, err := os.Stat(canon)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", canon)
	}
	return &FS{root: canon}, nil
}

// Root returns the canonical root directory.
func (f *FS) Root() string { return f.root }

// Sub returns an FS rooted at dir (relative to f), creating it if needed.
func (f *FS) Sub(dir string) (*FS, error) {
	if err := f.MkdirAll(dir); err != nil {
		return nil, err
	}
	sub, err := NewFS(filepath.Join(f.root, filepath.FromSlash(dir)))
	if err != nil {
		return nil, err
	}
	if !f.within(sub.root) || sub.root == f.root {
		return nil, fmt.Errorf("%w: %s", ErrPathEscape, dir)
	}
	return sub, nil
}

// ReadDir returns the names of regular files directly inside dir.
func (f *FS) ReadDir(dir string) ([]string, error) {
	abs, err := f.safePath(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: read dir %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// checkRelative rejects absolute paths and any ".." component before the
// path is ever joined with the root.
func checkRelative(rel string) error {
	if rel == "" {
		return fmt.Errorf("storage: empty path")
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, `\`) || filepath.VolumeName(rel) != "" {
		return fmt.Errorf("%w: absolute path %q", ErrPathEscape, rel)
	}
	for _, part := range strings.FieldsFunc(rel, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return fmt.Errorf("%w: parent component in %q", ErrPathEscape, rel)
		}
	}
	return nil
}

func (f *FS) within(abs string) bool {
	return abs == f.root || strings.HasPrefix(abs, f.root+string(os.PathSeparator))
}

// safePath resolves a relative path against the root for reading. Symlinks
// along the path are resolved when they exist.
func (f *FS) safePath(rel string) (string, error) {
	if rel == "" || rel == "." {
		return f.root, nil
	}
	if err := checkRelative(rel); err != nil {
		return "", err
	}
	joined := filepath.Join(f.root, filepath.FromSlash(rel))
	if canon, err := filepath.EvalSymlinks(joined); err == nil {
		joined = canon
	}
	if !f.within(joined) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, rel)
	}
	return joined, nil
}

// Resolve returns the absolute destination for rel, suitable for writing.
// The parent directory is created and canonicalized before the containment
// check, so a symlinked directory cannot redirect the write.
func (f *FS) Resolve(rel string) (string, error) {
	if err := checkRelative(rel); err != nil {
		return "", err
	}
	joined := filepath.Join(f.root, filepath.FromSlash(rel))
	if !f.within(joined) || joined == f.root {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, rel)
	}
	parent := filepath.Dir(joined)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", fmt.Errorf("storage: mkdir: %w", err)
	}
	canonParent, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return "", fmt.Errorf("storage: resolve parent: %w", err)
	}
	dest := filepath.Join(canonParent, filepath.Base(joined))
	if !f.within(dest) || dest == f.root {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, rel)
	}
	return dest, nil
}

// MkdirAll creates dir (relative to root) and any missing parents.
func (f *FS) MkdirAll(dir string) error {
	if err := checkRelative(dir); err != nil {
		return err
	}
	abs := filepath.Join(f.root, filepath.FromSlash(dir))
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir: %w", err)
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return fmt.Errorf("storage: resolve dir: %w", err)
	}
	if !f.within(canon) {
		return fmt.Errorf("%w: %s", ErrPathEscape, dir)
	}
	return nil
}

// Rel converts an absolute path under the root into a slash separated
// relative path.
func (f *FS) Rel(abs string) (string, error) {
	rel, err := filepath.Rel(f.root, abs)
	if err != nil {
		return "", fmt.Errorf("storage: rel: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, abs)
	}
	return filepath.ToSlash(rel), nil
}

// List walks dir (relative to root) and returns every .md file, sorted.
// Hidden files and directories are skipped.
func (f *FS) List(dir string) ([]string, error) {
	base, err := f.safePath(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) && p == base {
				return filepath.SkipDir
			}
			return walkErr
		}
		if p != base && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		rel, err := f.Rel(p)
		if err != nil {
			return err
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

// Read returns the raw bytes of a file.
func (f *FS) Read(path string) ([]byte, error) {
	abs, err := f.safePath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", path, err)
	}
	return data, nil
}

// Exists reports whether path exists under the root.
func (f *FS) Exists(path string) bool {
	abs, err := f.safePath(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(abs)
	return err == nil
}

// Write atomically writes content: tmp file → fsync → rename.
func (f *FS) Write(path string, content []byte) error {
	abs, err := f.Resolve(path)
	if err != nil {
		return err
	}
	return writeAtomic(abs, content, 0o644)
}

// WriteSecret is Write with owner-only permissions.
func (f *FS) WriteSecret(path string, content []byte) error {
	abs, err := f.Resolve(path)
	if err != nil {
		return err
	}
	return writeAtomic(abs, content, 0o600)
}

func writeAtomic(abs string, content []byte, perm os.FileMode) error {
	dir := filepath.Dir(abs)
	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()

	// Clean up on any failure path.
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return fmt.Errorf("storage: chmod temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("storage: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close temp: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return fmt.Errorf("storage: rename: %w", err)
	}
	success = true
	return nil
}

// Delete removes a file.
func (f *FS) Delete(path string) error {
	abs, err := f.safePath(path)
	if err != nil {
		return err
	}
	if abs == f.root {
		return fmt.Errorf("storage: refusing to delete root")
	}
	if err := os.Remove(abs); err != nil {
		return fmt.Errorf("storage: delete %s: %w", path, err)
	}
	return nil
}

// RemoveAll removes path and any children. Missing paths are not an error.
func (f *FS) RemoveAll(path string) error {
	abs, err := f.safePath(path)
	if err != nil {
		return err
	}
	if abs == f.root {
		return fmt.Errorf("storage: refusing to delete root")
	}
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("storage: remove %s: %w", path, err)
	}
	return nil
}

// Move renames a file within the root.
func (f *FS) Move(oldPath, newPath string) error {
	absOld, err := f.safePath(oldPath)
	if err != nil {
		return err
	}
	absNew, err := f.Resolve(newPath)
	if err != nil {
		return err
	}
	if err := os.Rename(absOld, absNew); err != nil {
		return fmt.Errorf("storage: move: %w", err)
	}
	return nil
}

// IsTemp reports whether name looks like an in-flight atomic write.
func IsTemp(name string) bool {
	ok, _ := filepath.Match(tempPattern, filepath.Base(name))
	return ok
}
