// Package storage defines the vault file-system abstraction.
package storage

// Provider is the interface for vault file operations. All paths are
// relative to the provider root and use either separator.
type Provider interface {
	// List returns the relative paths of every .md file under dir, skipping hidden entries.
	List(dir string) ([]string, error)
	// Read returns the raw bytes of the file at path.
	Read(path string) ([]byte, error)
	// Write atomically writes content to path, creating parent directories.
	Write(path string, content []byte) error
	// Delete removes the file at path.
	Delete(path string) error
	// Move renames oldPath to newPath.
	Move(oldPath, newPath string) error
	// Exists reports whether path exists.
	Exists(path string) bool
}

var _ Provider = (*FS)(nil)
