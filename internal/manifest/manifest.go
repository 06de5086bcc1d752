// Package manifest builds snapshots of which notes exist under a root and
// computes which of a peer's notes the local side still needs.
package manifest

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/nhardt/footnote-sub000/internal/clock"
	"github.com/nhardt/footnote-sub000/internal/note"
	"github.com/nhardt/footnote-sub000/internal/storage"
)

// SharedDir holds notes received from contacts. It is never shared onward.
const SharedDir = "footnotes"

// Entry locates one note.
type Entry struct {
	UUID     uuid.UUID       `json:"uuid"`
	Path     string          `json:"path"`
	Modified clock.Timestamp `json:"modified"`
}

// Manifest maps note uuid to its entry.
type Manifest map[uuid.UUID]Entry

// Entries returns the entries sorted by path.
func (m Manifest) Entries() []Entry {
	out := make([]Entry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sortEntries(out)
	return out
}

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].Path != es[j].Path {
			return es[i].Path < es[j].Path
		}
		return es[i].UUID.String() < es[j].UUID.String()
	})
}

type options struct {
	ignore []string
	logger *slog.Logger
}

// Option configures a manifest build.
type Option func(*options)

// WithIgnore skips paths matching any of the doublestar globs.
func WithIgnore(globs ...string) Option {
	return func(o *options) { o.ignore = append(o.ignore, globs...) }
}

// WithLogger reports skipped files at debug level.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// ValidateIgnore checks that every glob is well formed.
func ValidateIgnore(globs []string) error {
	for _, g := range globs {
		if !doublestar.ValidatePattern(g) {
			return fmt.Errorf("manifest: invalid ignore pattern %q", g)
		}
	}
	return nil
}

// Build returns a manifest of every parseable note under the root of p.
func Build(p storage.Provider, opts ...Option) (Manifest, error) {
	return build(p, nil, opts)
}

// BuildForShare returns the notes that may be sent to the contact known
// locally as nickname. Notes received from other contacts are excluded.
func BuildForShare(p storage.Provider, nickname string, opts ...Option) (Manifest, error) {
	return build(p, func(rel string, n *note.Note) bool {
		if rel == SharedDir || strings.HasPrefix(rel, SharedDir+"/") {
			return false
		}
		return n.SharesWith(nickname)
	}, opts)
}

func build(p storage.Provider, keep func(string, *note.Note) bool, opts []Option) (Manifest, error) {
	o := options{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	paths, err := p.List("")
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}

	m := make(Manifest, len(paths))
	for _, rel := range paths {
		if ignored(o.ignore, rel) {
			continue
		}
		n, err := note.ReadFile(p, rel, false)
		if err != nil {
			o.logger.Debug("manifest: skip unparsable", slog.String("path", rel), slog.String("error", err.Error()))
			continue
		}
		id := n.Frontmatter.UUID
		if id == uuid.Nil {
			o.logger.Debug("manifest: skip nil uuid", slog.String("path", rel))
			continue
		}
		if prev, dup := m[id]; dup {
			o.logger.Debug("manifest: skip duplicate uuid",
				slog.String("path", rel), slog.String("first", prev.Path))
			continue
		}
		if keep != nil && !keep(rel, n) {
			continue
		}
		m[id] = Entry{UUID: id, Path: rel, Modified: n.Frontmatter.Modified}
	}
	return m, nil
}

func ignored(globs []string, rel string) bool {
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, rel); ok {
			return true
		}
	}
	return false
}

// Diff returns the remote entries the local side should pull: those whose
// uuid is absent locally or whose remote copy is strictly newer. Entries
// present only locally are never reported. The result is sorted by path.
func Diff(local, remote Manifest) []Entry {
	var out []Entry
	for id, r := range remote {
		if r.UUID == uuid.Nil {
			r.UUID = id
		}
		l, ok := local[r.UUID]
		if !ok || r.Modified > l.Modified {
			out = append(out, r)
		}
	}
	sortEntries(out)
	return out
}
