// Package wire implements the length-prefixed framing used on sync and
// pairing streams. A frame is a big-endian uint32 length followed by that
// many bytes; a zero-length frame marks the end of a request loop.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrame bounds a single frame. Manifests and contact lists are the
// largest frames.
const MaxFrame = 16 << 20

// MaxContent bounds a single file content block.
const MaxContent = 256 << 20

var (
	// ErrEnd is returned by ReadFrame when the peer sent the end marker.
	ErrEnd = errors.New("wire: end of stream marker")

	// ErrFrameTooLarge is returned when a declared length exceeds the limit.
	ErrFrameTooLarge = errors.New("wire: frame too large")
)

// Content status bytes.
const (
	Delivered byte = 0
	Withheld  byte = 1
)

// WriteFrame writes p as one frame. Empty payloads are rejected because a
// zero length is the end marker.
func WriteFrame(w io.Writer, p []byte) error {
	if len(p) == 0 {
		return fmt.Errorf("wire: write frame: empty payload")
	}
	if len(p) > MaxFrame {
		return fmt.Errorf("wire: write frame: %w (%d bytes)", ErrFrameTooLarge, len(p))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(p)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	if _, err := w.Write(p); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}

// WriteEnd writes the end marker.
func WriteEnd(w io.Writer) error {
	var hdr [4]byte
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write end: %w", err)
	}
	return nil
}

// ReadFrame reads exactly one frame. It returns ErrEnd for the end marker.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("wire: read frame: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return nil, ErrEnd
	}
	if n > MaxFrame {
		return nil, fmt.Errorf("wire: read frame: %w (%d bytes)", ErrFrameTooLarge, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("wire: read frame: %w", err)
	}
	return buf, nil
}

// WriteJSON encodes v as one frame.
func WriteJSON(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: encode: %w", err)
	}
	return WriteFrame(w, data)
}

// ReadJSON decodes one frame into v.
func ReadJSON(r io.Reader, v any) error {
	data, err := ReadFrame(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("wire: decode: %w", err)
	}
	return nil
}

// WriteContent writes a file response: a status byte, then for Delivered a
// uint64 length and the content.
func WriteContent(w io.Writer, status byte, content []byte) error {
	if status != Delivered {
		if _, err := w.Write([]byte{Withheld}); err != nil {
			return fmt.Errorf("wire: write content: %w", err)
		}
		return nil
	}
	if len(content) > MaxContent {
		return fmt.Errorf("wire: write content: %w (%d bytes)", ErrFrameTooLarge, len(content))
	}
	var hdr [9]byte
	hdr[0] = Delivered
	binary.BigEndian.PutUint64(hdr[1:], uint64(len(content)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write content: %w", err)
	}
	if _, err := w.Write(content); err != nil {
		return fmt.Errorf("wire: write content: %w", err)
	}
	return nil
}

// ReadContent reads a file response. ok is false when the sender withheld
// the file.
func ReadContent(r io.Reader) (content []byte, ok bool, err error) {
	var status [1]byte
	if _, err := io.ReadFull(r, status[:]); err != nil {
		return nil, false, fmt.Errorf("wire: read content: %w", err)
	}
	switch status[0] {
	case Withheld:
		return nil, false, nil
	case Delivered:
	default:
		return nil, false, fmt.Errorf("wire: read content: unknown status %d", status[0])
	}
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, false, fmt.Errorf("wire: read content: %w", err)
	}
	n := binary.BigEndian.Uint64(hdr[:])
	if n > MaxContent {
		return nil, false, fmt.Errorf("wire: read content: %w (%d bytes)", ErrFrameTooLarge, n)
	}
	content = make([]byte, n)
	if _, err := io.ReadFull(r, content); err != nil {
		return nil, false, fmt.Errorf("wire: read content: %w", err)
	}
	return content, true, nil
}
