package mcpserver

// NoteFormat describes the note file format so agents can create notes
// that sync correctly.
const NoteFormat = `# Footnote Note Format

Every note is a Markdown file ending in .md that starts with a YAML
frontmatter block.

` + "```" + `markdown
---
uuid: 0b9f3c6e-8a52-4f1e-9d3a-2c7e5b1f4a10
modified: 1760000000000000
share_with:
  - bob
---

Body text in standard Markdown.
` + "```" + `

## Rules

1. The file must begin with ` + "`---`" + ` on the first line; the block ends at the
   next line that is exactly ` + "`---`" + `.
2. ` + "`uuid`" + ` identifies the note across devices. It never changes, even when
   the file is renamed or moved. Never copy a uuid into a second file.
3. ` + "`modified`" + ` is a causal timestamp in microseconds. The newer value wins
   when two devices hold the same note.
4. ` + "`share_with`" + ` lists contact nicknames allowed to receive the note.
5. Other frontmatter keys are kept as they are.
6. Files under ` + "`footnotes/<nickname>/`" + ` were received from that contact and
   are never passed on.
7. Paths starting with a dot are private to this device and never sync.

Use the create_note tool instead of writing files by hand: it assigns the
uuid and timestamp.
`
