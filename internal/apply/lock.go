// SPDX-License-Identifier: MIT

package apply

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ManuGH/namegnome-serve/internal/cache"
)

const lockFileName = ".namegnome.lock"

// lockFilePayload is the JSON body of the filesystem lock file. It carries
// enough metadata for the Locked error a competing apply reports.
type lockFilePayload struct {
	Owner      string    `json:"owner"`
	JobID      string    `json:"job_id,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// rootLock is the two-layer exclusive lock for one apply root: a lock file
// under the root plus an advisory row in the cache's locks table. Both must
// be acquired; either layer alone detects a competing apply.
type rootLock struct {
	store    *cache.Store
	root     string
	owner    string
	lockName string
	filePath string
}

func lockName(root string) string { return "apply:" + filepath.Clean(root) }

// acquireRootLock takes both lock layers or returns *LockedError. Locks
// older than staleAfter are treated as orphaned and recovered.
func acquireRootLock(ctx context.Context, store *cache.Store, root, owner, jobID string, staleAfter time.Duration) (*rootLock, error) {
	l := &rootLock{
		store:    store,
		root:     root,
		owner:    owner,
		lockName: lockName(root),
		filePath: filepath.Join(root, lockFileName),
	}

	row, ok, err := store.AcquireLock(ctx, l.lockName, owner, staleAfter)
	if err != nil {
		return nil, err
	}
	if !ok {
		le := &LockedError{Owner: row.Owner, AcquiredAt: row.AcquiredAt}
		// The lock file carries the holder's job id.
		if holder, err := readLockFile(l.filePath); err == nil {
			le.JobID = holder.JobID
		}
		return nil, le
	}

	if err := l.acquireFile(jobID, staleAfter); err != nil {
		_ = store.ReleaseLock(ctx, l.lockName, owner)
		return nil, err
	}
	return l, nil
}

func (l *rootLock) acquireFile(jobID string, staleAfter time.Duration) error {
	payload, err := json.Marshal(lockFilePayload{
		Owner:      l.owner,
		JobID:      jobID,
		AcquiredAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.Write(payload)
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			return werr
		}
		if !errors.Is(err, os.ErrExist) {
			return err
		}

		holder, rerr := readLockFile(l.filePath)
		if rerr != nil {
			// Unreadable lock file: report it held by an unknown owner
			// rather than clobbering it.
			return &LockedError{Owner: "unknown"}
		}
		if staleAfter > 0 && time.Since(holder.AcquiredAt) > staleAfter {
			if err := os.Remove(l.filePath); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			continue
		}
		return &LockedError{Owner: holder.Owner, JobID: holder.JobID, AcquiredAt: holder.AcquiredAt}
	}
	return fmt.Errorf("lock file %s contended", l.filePath)
}

func readLockFile(path string) (lockFilePayload, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return lockFilePayload{}, err
	}
	var p lockFilePayload
	if err := json.Unmarshal(blob, &p); err != nil {
		return lockFilePayload{}, err
	}
	return p, nil
}

// release drops both layers. Safe to call on every exit path.
func (l *rootLock) release(ctx context.Context) {
	if holder, err := readLockFile(l.filePath); err == nil && holder.Owner == l.owner {
		_ = os.Remove(l.filePath)
	}
	_ = l.store.ReleaseLock(ctx, l.lockName, l.owner)
}
