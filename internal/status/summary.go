package status

import (
	"database/sql"
	"errors"
	"fmt"
)

// Summary is the status of one peer in one direction.
type Summary struct {
	EndpointID  string    `json:"endpoint_id"`
	Direction   Direction `json:"direction"`
	Current     *Attempt  `json:"current,omitempty"`
	LastSuccess *Attempt  `json:"last_success,omitempty"`
	LastFailure *Attempt  `json:"last_failure,omitempty"`
	LastSeen    *Attempt  `json:"last_seen,omitempty"`
}

func (s *Store) latest(endpointID string, dir Direction, where string, args ...any) (*Attempt, error) {
	q := `SELECT ` + attemptColumns + ` FROM sync_attempts
		WHERE endpoint_id = ? AND direction = ? AND ` + where + `
		ORDER BY id DESC LIMIT 1`
	a, err := scanAttempt(s.conn.QueryRow(q, append([]any{endpointID, dir}, args...)...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Record returns the status pointers for one peer and direction. Missing
// pointers are nil.
func (s *Store) Record(endpointID string, dir Direction) (Summary, error) {
	sum := Summary{EndpointID: endpointID, Direction: dir}
	var err error
	if sum.Current, err = s.latest(endpointID, dir, `state = ?`, InProgress); err != nil {
		return sum, fmt.Errorf("status: record: %w", err)
	}
	if sum.LastSuccess, err = s.latest(endpointID, dir, `state = ?`, Success); err != nil {
		return sum, fmt.Errorf("status: record: %w", err)
	}
	if sum.LastFailure, err = s.latest(endpointID, dir, `state = ?`, Failure); err != nil {
		return sum, fmt.Errorf("status: record: %w", err)
	}
	if sum.LastSeen, err = s.latest(endpointID, dir, `state != ?`, InProgress); err != nil {
		return sum, fmt.Errorf("status: record: %w", err)
	}
	return sum, nil
}

// List returns a summary for every peer and direction with at least one
// attempt, ordered by endpoint then direction.
func (s *Store) List() ([]Summary, error) {
	rows, err := s.conn.Query(`SELECT DISTINCT endpoint_id, direction FROM sync_attempts ORDER BY endpoint_id, direction`)
	if err != nil {
		return nil, fmt.Errorf("status: list: %w", err)
	}
	type key struct {
		ep  string
		dir Direction
	}
	var keys []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.ep, &k.dir); err != nil {
			rows.Close()
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	out := make([]Summary, 0, len(keys))
	for _, k := range keys {
		sum, err := s.Record(k.ep, k.dir)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, nil
}
