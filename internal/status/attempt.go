package status

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nhardt/footnote-sub000/internal/clock"
)

// Kind distinguishes own-device sync from contact sync.
type Kind string

const (
	Mirror Kind = "mirror"
	Share  Kind = "share"
)

// Direction is relative to this device.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// State of an attempt.
type State string

const (
	InProgress State = "in_progress"
	Success    State = "success"
	Spurious   State = "spurious"
	Failure    State = "failure"
)

// Attempt is one sync exchange with one peer.
type Attempt struct {
	ID               int64           `json:"id"`
	EndpointID       string          `json:"endpoint_id"`
	Kind             Kind            `json:"kind"`
	Direction        Direction       `json:"direction"`
	StartedAt        clock.Timestamp `json:"started_at"`
	FinishedAt       clock.Timestamp `json:"finished_at,omitempty"`
	FilesTotal       *int            `json:"files_total,omitempty"`
	FilesTransferred int             `json:"files_transferred"`
	State            State           `json:"state"`
	Error            string          `json:"error,omitempty"`
}

// File is one note moved during an attempt.
type File struct {
	UUID     uuid.UUID       `json:"uuid"`
	Path     string          `json:"path"`
	Modified clock.Timestamp `json:"modified"`
}

type hooks struct {
	mu  sync.RWMutex
	fns []func(Attempt)
}

// OnChange registers fn to be called after every change to an attempt.
// fn runs on the goroutine that made the change and must not block.
func (s *Store) OnChange(fn func(Attempt)) {
	s.hooks.mu.Lock()
	s.hooks.fns = append(s.hooks.fns, fn)
	s.hooks.mu.Unlock()
}

func (s *Store) notify(a Attempt) {
	s.hooks.mu.RLock()
	fns := s.hooks.fns
	s.hooks.mu.RUnlock()
	for _, fn := range fns {
		fn(a)
	}
}

// Tracker updates a single in-progress attempt.
type Tracker struct {
	store *Store
	mu    sync.Mutex
	a     Attempt
	done  bool
}

// Start records a new in-progress attempt.
func (s *Store) Start(endpointID string, kind Kind, dir Direction) (*Tracker, error) {
	a := Attempt{
		EndpointID: endpointID,
		Kind:       kind,
		Direction:  dir,
		StartedAt:  clock.Now(),
		State:      InProgress,
	}
	res, err := s.conn.Exec(`
		INSERT INTO sync_attempts (endpoint_id, kind, direction, started_at, state)
		VALUES (?, ?, ?, ?, ?)
	`, a.EndpointID, a.Kind, a.Direction, int64(a.StartedAt), a.State)
	if err != nil {
		return nil, fmt.Errorf("status: start: %w", err)
	}
	if a.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("status: start: %w", err)
	}
	s.notify(a)
	return &Tracker{store: s, a: a}, nil
}

// Attempt returns a snapshot of the tracked attempt.
func (t *Tracker) Attempt() Attempt {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.a
}

// SetTotal records how many files the attempt expects to move.
func (t *Tracker) SetTotal(n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.store.conn.Exec(`UPDATE sync_attempts SET files_total = ? WHERE id = ?`, n, t.a.ID); err != nil {
		return fmt.Errorf("status: set total: %w", err)
	}
	t.a.FilesTotal = &n
	t.store.notify(t.a)
	return nil
}

// FileDone records one transferred file and bumps the counter.
func (t *Tracker) FileDone(f File) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tx, err := t.store.conn.Begin()
	if err != nil {
		return fmt.Errorf("status: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`INSERT INTO sync_files (attempt_id, uuid, path, modified) VALUES (?, ?, ?, ?)`,
		t.a.ID, f.UUID.String(), f.Path, int64(f.Modified)); err != nil {
		return fmt.Errorf("status: record file: %w", err)
	}
	if _, err := tx.Exec(`UPDATE sync_attempts SET files_transferred = files_transferred + 1 WHERE id = ?`, t.a.ID); err != nil {
		return fmt.Errorf("status: record file: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("status: record file: %w", err)
	}
	t.a.FilesTransferred++
	t.store.notify(t.a)
	return nil
}

// Succeed finalizes the attempt. An attempt that moved no files is recorded
// as Spurious.
func (t *Tracker) Succeed() error {
	state := Success
	t.mu.Lock()
	if t.a.FilesTransferred == 0 {
		state = Spurious
	}
	t.mu.Unlock()
	return t.finish(state, "")
}

// Fail finalizes the attempt as a failure with err's message.
func (t *Tracker) Fail(err error) error {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return t.finish(Failure, msg)
}

func (t *Tracker) finish(state State, msg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	now := clock.Now()
	if _, err := t.store.conn.Exec(`UPDATE sync_attempts SET state = ?, error = ?, finished_at = ? WHERE id = ?`,
		state, msg, int64(now), t.a.ID); err != nil {
		return fmt.Errorf("status: finish: %w", err)
	}
	t.done = true
	t.a.State = state
	t.a.Error = msg
	t.a.FinishedAt = now
	t.store.notify(t.a)
	return nil
}

const attemptColumns = `id, endpoint_id, kind, direction, started_at, finished_at, files_total, files_transferred, state, error`

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row scanner) (Attempt, error) {
	var a Attempt
	var started, finished int64
	var total sql.NullInt64
	err := row.Scan(&a.ID, &a.EndpointID, &a.Kind, &a.Direction, &started, &finished, &total,
		&a.FilesTransferred, &a.State, &a.Error)
	if err != nil {
		return a, err
	}
	a.StartedAt = clock.Timestamp(started)
	a.FinishedAt = clock.Timestamp(finished)
	if total.Valid {
		n := int(total.Int64)
		a.FilesTotal = &n
	}
	return a, nil
}

// Get returns the attempt with id.
func (s *Store) Get(id int64) (*Attempt, error) {
	a, err := scanAttempt(s.conn.QueryRow(`SELECT `+attemptColumns+` FROM sync_attempts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("status: get: %w", err)
	}
	return &a, nil
}

// Files returns the files moved by an attempt, in transfer order.
func (s *Store) Files(attemptID int64) ([]File, error) {
	rows, err := s.conn.Query(`SELECT uuid, path, modified FROM sync_files WHERE attempt_id = ? ORDER BY rowid`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("status: files: %w", err)
	}
	defer rows.Close()

	var out []File
	for rows.Next() {
		var f File
		var id string
		var modified int64
		if err := rows.Scan(&id, &f.Path, &modified); err != nil {
			return nil, err
		}
		if f.UUID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("status: files: %w", err)
		}
		f.Modified = clock.Timestamp(modified)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Recent returns the most recent attempts, newest first.
func (s *Store) Recent(limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.Query(`SELECT `+attemptColumns+` FROM sync_attempts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("status: recent: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Prune deletes finished attempts beyond the newest keep per peer and
// direction.
func (s *Store) Prune(keep int) (int64, error) {
	res, err := s.conn.Exec(`
		DELETE FROM sync_attempts
		WHERE state != ? AND id NOT IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY endpoint_id, direction ORDER BY id DESC) AS rn
				FROM sync_attempts
			) WHERE rn <= ?
		)
	`, InProgress, keep)
	if err != nil {
		return 0, fmt.Errorf("status: prune: %w", err)
	}
	return res.RowsAffected()
}
