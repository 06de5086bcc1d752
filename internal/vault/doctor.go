package vault

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/nhardt/footnote-sub000/internal/note"
)

// Issue describes one structural problem found by Doctor.
type Issue struct {
	Path    string `json:"path"`
	Problem string `json:"problem"`
}

// Doctor scans every note for unparsable frontmatter, nil uuids and
// duplicate uuids. With fix set, duplicates and nil uuids get a fresh uuid
// and notes without frontmatter get one added; note bodies are never dropped.
func (v *Vault) Doctor(fix bool) ([]Issue, error) {
	paths, err := v.fs.List("")
	if err != nil {
		return nil, fmt.Errorf("vault: doctor: %w", err)
	}

	var issues []Issue
	var needsUUID, needsFrontmatter []string
	seen := make(map[uuid.UUID]string)

	for _, rel := range paths {
		n, err := note.ReadFile(v.fs, rel, false)
		if err != nil {
			issues = append(issues, Issue{Path: rel, Problem: "does not parse as note"})
			needsFrontmatter = append(needsFrontmatter, rel)
			continue
		}
		id := n.Frontmatter.UUID
		if id == uuid.Nil {
			issues = append(issues, Issue{Path: rel, Problem: "has a nil uuid"})
			needsUUID = append(needsUUID, rel)
			continue
		}
		if first, dup := seen[id]; dup {
			issues = append(issues, Issue{Path: rel, Problem: fmt.Sprintf("duplicates uuid of %s", first)})
			needsUUID = append(needsUUID, rel)
			continue
		}
		seen[id] = rel
	}

	if !fix {
		return issues, nil
	}

	for _, rel := range needsUUID {
		n, err := note.ReadFile(v.fs, rel, false)
		if err == nil {
			n.Frontmatter.UUID = uuid.New()
			err = n.Save(v.fs, rel)
		}
		if err != nil {
			issues = append(issues, Issue{Path: rel, Problem: "could not rewrite: " + err.Error()})
		}
	}
	for _, rel := range needsFrontmatter {
		n, err := note.ReadFile(v.fs, rel, true)
		if err == nil {
			err = n.Save(v.fs, rel)
		}
		if err != nil {
			issues = append(issues, Issue{Path: rel, Problem: "could not add frontmatter: " + err.Error()})
		}
	}
	return issues, nil
}
