// SPDX-License-Identifier: MIT

//go:build unix

package apply

import (
	"errors"
	"os"
	"syscall"
)

func inodeOf(info os.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}

func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}
