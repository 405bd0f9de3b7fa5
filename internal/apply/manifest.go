// SPDX-License-Identifier: MIT

package apply

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const manifestSchemaVersion = "1.0"

// namegnomeDir is the per-root metadata directory.
const namegnomeDir = ".namegnome"

// FileStat is the size/mtime/inode triple recorded around each rename.
type FileStat struct {
	Size  int64  `json:"size"`
	MTime string `json:"mtime"`
	Inode uint64 `json:"inode"`
}

// ManifestHeader is the first JSONL line of a rollback manifest.
type ManifestHeader struct {
	SchemaVersion string   `json:"schema_version"`
	ReportID      string   `json:"report_id"`
	PlanID        string   `json:"plan_id"`
	Root          string   `json:"root"`
	Mode          Mode     `json:"mode"`
	Collision     Strategy `json:"collision_strategy"`
	CreatedAt     string   `json:"created_at"`
}

// ManifestOp records one committed rename, in execution order.
type ManifestOp struct {
	ItemID     string   `json:"item_id"`
	Src        string   `json:"src"`
	Dst        string   `json:"dst"`
	Pre        FileStat `json:"pre"`
	Post       FileStat `json:"post"`
	BackupPath string   `json:"backup_path,omitempty"`
}

// manifestWriter appends JSONL lines with an fsync after each one, so every
// committed rename is recoverable even if the process dies mid-run.
type manifestWriter struct {
	f    *os.File
	path string
}

func manifestPath(root, reportID string) string {
	return filepath.Join(root, namegnomeDir, "rollbacks", reportID+".jsonl")
}

func newManifestWriter(root string, header ManifestHeader) (*manifestWriter, error) {
	path := manifestPath(root, header.ReportID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	w := &manifestWriter{f: f, path: path}
	if err := w.writeLine(header); err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

func (w *manifestWriter) writeLine(v any) error {
	blob, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.f.Write(append(blob, '\n')); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *manifestWriter) Append(op ManifestOp) error { return w.writeLine(op) }

func (w *manifestWriter) Close() error { return w.f.Close() }

// readManifest loads a manifest's header and ops.
func readManifest(path string) (ManifestHeader, []ManifestOp, error) {
	f, err := os.Open(path)
	if err != nil {
		return ManifestHeader{}, nil, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !sc.Scan() {
		return ManifestHeader{}, nil, fmt.Errorf("manifest %s is empty", path)
	}
	var header ManifestHeader
	if err := json.Unmarshal(sc.Bytes(), &header); err != nil {
		return ManifestHeader{}, nil, fmt.Errorf("manifest %s: bad header: %w", path, err)
	}
	if header.SchemaVersion != manifestSchemaVersion {
		return ManifestHeader{}, nil, fmt.Errorf("manifest %s: unsupported schema %q", path, header.SchemaVersion)
	}

	var ops []ManifestOp
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var op ManifestOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			// A torn trailing line means the process died mid-write; every
			// fully synced op before it is still valid.
			break
		}
		ops = append(ops, op)
	}
	if err := sc.Err(); err != nil {
		return ManifestHeader{}, nil, err
	}
	return header, ops, nil
}

func statOf(path string) (FileStat, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileStat{}, err
	}
	return FileStat{
		Size:  info.Size(),
		MTime: info.ModTime().UTC().Format(time.RFC3339),
		Inode: inodeOf(info),
	}, nil
}
