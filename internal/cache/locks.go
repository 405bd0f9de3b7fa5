// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"database/sql"
	"time"
)

// Lock is a cooperative advisory lock row, one per apply root.
type Lock struct {
	Name       string    `json:"name"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// AcquireLock attempts to take the named lock for owner. A held lock whose
// row is older than staleAfter is treated as orphaned and taken over. The
// returned Lock describes the active holder; ok reports whether owner now
// holds it.
func (s *Store) AcquireLock(ctx context.Context, name, owner string, staleAfter time.Duration) (Lock, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Lock{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var current Lock
	var acquiredAt string
	err = tx.QueryRowContext(ctx, `SELECT name, owner, acquired_at FROM locks WHERE name = ?`, name).
		Scan(&current.Name, &current.Owner, &acquiredAt)
	now := time.Now().UTC()

	switch {
	case err == sql.ErrNoRows:
		// Free: take it.
	case err != nil:
		return Lock{}, false, err
	default:
		current.AcquiredAt, _ = time.Parse(time.RFC3339, acquiredAt)
		if current.Owner == owner {
			return current, true, tx.Commit()
		}
		orphaned := staleAfter > 0 && now.Sub(current.AcquiredAt) > staleAfter
		if !orphaned {
			return current, false, tx.Commit()
		}
		// Orphaned lock: recover it below.
	}

	lock := Lock{Name: name, Owner: owner, AcquiredAt: now}
	if _, err := tx.ExecContext(ctx, `
	INSERT INTO locks (name, owner, acquired_at) VALUES (?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, acquired_at = excluded.acquired_at
	`, name, owner, now.Format(time.RFC3339)); err != nil {
		return Lock{}, false, err
	}
	return lock, true, tx.Commit()
}

// ReleaseLock removes the lock row if owner still holds it.
func (s *Store) ReleaseLock(ctx context.Context, name, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE name = ? AND owner = ?`, name, owner)
	return err
}

// IsLockHeld reports the active holder of the named lock, if any.
func (s *Store) IsLockHeld(ctx context.Context, name string) (*Lock, error) {
	var l Lock
	var acquiredAt string
	err := s.db.QueryRowContext(ctx, `SELECT name, owner, acquired_at FROM locks WHERE name = ?`, name).
		Scan(&l.Name, &l.Owner, &acquiredAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	l.AcquiredAt, _ = time.Parse(time.RFC3339, acquiredAt)
	return &l, nil
}
