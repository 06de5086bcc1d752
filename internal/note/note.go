// Package note reads and writes the YAML frontmatter that gives every note a
// stable identity, a causal modification time, and a share list.
package note

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/nhardt/footnote-sub000/internal/clock"
	"github.com/nhardt/footnote-sub000/internal/storage"
)

var (
	// ErrNoFrontmatter is returned when content lacks a leading --- block.
	ErrNoFrontmatter = errors.New("note: missing frontmatter")
	// ErrInvalidFrontmatter is returned when the block is not a usable mapping.
	ErrInvalidFrontmatter = errors.New("note: invalid frontmatter")
)

const (
	keyUUID      = "uuid"
	keyModified  = "modified"
	keyShareWith = "share_with"
)

// Frontmatter is the metadata block at the top of a note.
type Frontmatter struct {
	UUID      uuid.UUID
	Modified  clock.Timestamp
	ShareWith []string

	// extra holds unknown keys as alternating key/value nodes, in file order.
	extra []*yaml.Node
}

// Extra returns the value node for an unknown key.
func (f *Frontmatter) Extra(key string) (*yaml.Node, bool) {
	for i := 0; i+1 < len(f.extra); i += 2 {
		if f.extra[i].Value == key {
			return f.extra[i+1], true
		}
	}
	return nil, false
}

// Note is a parsed note file. Body is opaque to this package.
type Note struct {
	Frontmatter Frontmatter
	Body        string
}

func freshFrontmatter() Frontmatter {
	return Frontmatter{UUID: uuid.New(), Modified: clock.Now()}
}

// New returns a note with a fresh uuid and timestamp.
func New(body string) *Note {
	return &Note{Frontmatter: freshFrontmatter(), Body: body}
}

// Parse reads a note. With coerce set, content lacking usable frontmatter is
// accepted and given fresh frontmatter instead of failing; known fields that
// are missing are backfilled and unknown keys are kept.
func Parse(data []byte, coerce bool) (*Note, error) {
	block, body, err := splitFrontmatter(data)
	if err != nil {
		if !coerce {
			return nil, err
		}
		return &Note{Frontmatter: freshFrontmatter(), Body: strings.TrimLeft(string(data), " \t\r\n")}, nil
	}

	fm, missing, err := decodeFrontmatter(block)
	if err != nil {
		if !coerce {
			return nil, err
		}
		return &Note{Frontmatter: freshFrontmatter(), Body: strings.TrimLeft(string(data), " \t\r\n")}, nil
	}
	if missing != "" {
		if !coerce {
			return nil, fmt.Errorf("%w: missing %s", ErrInvalidFrontmatter, missing)
		}
		fresh := freshFrontmatter()
		if fm.UUID == uuid.Nil {
			fm.UUID = fresh.UUID
		}
		if fm.Modified == 0 {
			fm.Modified = fresh.Modified
		}
	}
	return &Note{Frontmatter: fm, Body: body}, nil
}

// ReadFile reads and parses the note at rel.
func ReadFile(p storage.Provider, rel string, coerce bool) (*Note, error) {
	data, err := p.Read(rel)
	if err != nil {
		return nil, err
	}
	n, err := Parse(data, coerce)
	if err != nil {
		return nil, fmt.Errorf("note: parse %s: %w", rel, err)
	}
	return n, nil
}

// splitFrontmatter expects content to start with "---\n" and the block to be
// closed by "\n---\n" (or "\n---" at end of file).
func splitFrontmatter(data []byte) ([]byte, string, error) {
	const open = "---\n"
	if !bytes.HasPrefix(data, []byte(open)) {
		return nil, "", ErrNoFrontmatter
	}
	rest := data[len(open):]

	if bytes.HasPrefix(rest, []byte("---\n")) || bytes.Equal(rest, []byte("---")) {
		return nil, strings.TrimLeft(string(rest[3:]), " \t\r\n"), nil
	}

	idx := bytes.Index(rest, []byte("\n---\n"))
	end := idx + len("\n---\n")
	if idx < 0 {
		if !bytes.HasSuffix(rest, []byte("\n---")) {
			return nil, "", fmt.Errorf("%w: unterminated block", ErrNoFrontmatter)
		}
		idx = len(rest) - len("\n---")
		end = len(rest)
	}
	body := strings.TrimLeft(string(rest[end:]), " \t\r\n")
	return rest[:idx], body, nil
}

// decodeFrontmatter returns the parsed block and the name of the first
// required key that is absent.
func decodeFrontmatter(block []byte) (Frontmatter, string, error) {
	var fm Frontmatter
	var doc yaml.Node
	if err := yaml.Unmarshal(block, &doc); err != nil {
		return fm, "", fmt.Errorf("%w: %v", ErrInvalidFrontmatter, err)
	}
	if doc.Kind == 0 {
		return fm, keyUUID, nil
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 || doc.Content[0].Kind != yaml.MappingNode {
		return fm, "", fmt.Errorf("%w: not a mapping", ErrInvalidFrontmatter)
	}

	var haveUUID, haveModified bool
	m := doc.Content[0]
	for i := 0; i+1 < len(m.Content); i += 2 {
		k, v := m.Content[i], m.Content[i+1]
		switch k.Value {
		case keyUUID:
			var s string
			if err := v.Decode(&s); err != nil {
				return fm, "", fmt.Errorf("%w: uuid: %v", ErrInvalidFrontmatter, err)
			}
			id, err := uuid.Parse(s)
			if err != nil {
				return fm, "", fmt.Errorf("%w: uuid: %v", ErrInvalidFrontmatter, err)
			}
			fm.UUID = id
			haveUUID = true
		case keyModified:
			var ts int64
			if err := v.Decode(&ts); err != nil {
				return fm, "", fmt.Errorf("%w: modified: %v", ErrInvalidFrontmatter, err)
			}
			fm.Modified = clock.Timestamp(ts)
			haveModified = true
		case keyShareWith:
			if err := v.Decode(&fm.ShareWith); err != nil {
				return fm, "", fmt.Errorf("%w: share_with: %v", ErrInvalidFrontmatter, err)
			}
		default:
			fm.extra = append(fm.extra, k, v)
		}
	}

	switch {
	case !haveUUID:
		return fm, keyUUID, nil
	case !haveModified:
		return fm, keyModified, nil
	}
	return fm, "", nil
}

func encodeNode(v any) (*yaml.Node, error) {
	var n yaml.Node
	if err := n.Encode(v); err != nil {
		return nil, err
	}
	return &n, nil
}

// Marshal serializes the note. Known keys come first, followed by unknown
// keys in their original order.
func (n *Note) Marshal() ([]byte, error) {
	fm := n.Frontmatter
	share := fm.ShareWith
	if share == nil {
		share = []string{}
	}

	m := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, kv := range []struct {
		key string
		val any
	}{
		{keyUUID, fm.UUID.String()},
		{keyModified, int64(fm.Modified)},
		{keyShareWith, share},
	} {
		v, err := encodeNode(kv.val)
		if err != nil {
			return nil, fmt.Errorf("note: encode %s: %w", kv.key, err)
		}
		m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: kv.key}, v)
	}
	m.Content = append(m.Content, fm.extra...)

	var buf bytes.Buffer
	buf.WriteString("---\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("note: encode frontmatter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("note: encode frontmatter: %w", err)
	}
	buf.WriteString("---\n\n")
	buf.WriteString(n.Body)
	return buf.Bytes(), nil
}

// Save advances Modified and atomically writes the note to rel.
func (n *Note) Save(p storage.Provider, rel string) error {
	n.Frontmatter.Modified = clock.Next(n.Frontmatter.Modified)
	data, err := n.Marshal()
	if err != nil {
		return err
	}
	if err := p.Write(rel, data); err != nil {
		return fmt.Errorf("note: save %s: %w", rel, err)
	}
	return nil
}

// SharesWith reports whether nickname appears in share_with. Names are
// compared after NFC normalization.
func (n *Note) SharesWith(nickname string) bool {
	want := norm.NFC.String(nickname)
	for _, s := range n.Frontmatter.ShareWith {
		if norm.NFC.String(s) == want {
			return true
		}
	}
	return false
}

// AddShare adds nickname to share_with if absent. It reports whether the
// list changed.
func (n *Note) AddShare(nickname string) bool {
	if n.SharesWith(nickname) {
		return false
	}
	n.Frontmatter.ShareWith = append(n.Frontmatter.ShareWith, nickname)
	return true
}
