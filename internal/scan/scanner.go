// SPDX-License-Identifier: MIT

package scan

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	xglog "github.com/ManuGH/namegnome-serve/internal/log"
)

// Options controls a scan pass.
type Options struct {
	WithHash bool // compute SHA-256 content hashes (slow on large libraries)
}

// Run walks root recursively, collects files matching the media type's
// extension set, parses each filename and returns an immutable Snapshot.
func Run(ctx context.Context, root string, mediaType MediaType, opts Options) (*Snapshot, error) {
	if !mediaType.Valid() {
		return nil, fmt.Errorf("invalid media type %q", mediaType)
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %q is not a directory", root)
	}

	logger := xglog.WithComponentFromContext(ctx, "scan")
	extensions := extensionsFor(mediaType)

	var files []MediaFile
	var totalSize int64

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(name))
		if _, ok := extensions[ext]; !ok {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}

		mf := MediaFile{
			Path:      path,
			Size:      fi.Size(),
			MTime:     fi.ModTime().UTC(),
			MediaType: mediaType,
			Extension: ext,
		}
		if opts.WithHash {
			h, err := hashFile(path)
			if err != nil {
				logger.Warn().Err(err).Str(xglog.FieldPath, xglog.Path(path)).Msg("hash failed, continuing without")
			} else {
				mf.Hash = h
			}
		}
		parseFile(&mf)

		files = append(files, mf)
		totalSize += mf.Size
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	snap := &Snapshot{
		ScanID:      "scn_" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		Root:        root,
		MediaType:   mediaType,
		Files:       files,
		TotalSize:   totalSize,
		FileCount:   len(files),
		Fingerprint: Fingerprint(files),
	}

	logger.Info().
		Str(xglog.FieldEvent, "scan.done").
		Str(xglog.FieldScanID, snap.ScanID).
		Str(xglog.FieldRoot, xglog.Path(root)).
		Int("files", snap.FileCount).
		Msg("scan complete")
	return snap, nil
}

// FingerprintPaths re-hashes the given paths against the current filesystem
// state. Paths that no longer exist contribute a tombstone record, so any
// change flips the digest.
func FingerprintPaths(paths []string) string {
	records := make([]string, 0, len(paths))
	for _, p := range paths {
		if fi, err := os.Stat(p); err == nil {
			records = append(records, fmt.Sprintf("%s\x00%d\n", p, fi.ModTime().UTC().UnixNano()))
		} else {
			records = append(records, fmt.Sprintf("%s\x00gone\n", p))
		}
	}
	sort.Strings(records)

	h := sha256.New()
	for _, r := range records {
		h.Write([]byte(r))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
