// SPDX-License-Identifier: MIT

package apply

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// persistReport writes the final report atomically and durably under the
// root's metadata directory, so a crash never leaves a torn report behind.
func persistReport(root string, report *Report) error {
	path := filepath.Join(root, namegnomeDir, "reports", report.ReportID+".json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return err
	}
	defer func() { _ = pending.Cleanup() }()

	blob, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if _, err := pending.Write(blob); err != nil {
		return err
	}
	return pending.CloseAtomicallyReplace()
}

// LoadReport reads a persisted report back.
func LoadReport(root, reportID string) (*Report, error) {
	blob, err := os.ReadFile(filepath.Join(root, namegnomeDir, "reports", reportID+".json"))
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(blob, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
