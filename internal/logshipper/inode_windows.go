//go:build windows

package logshipper

import "os"

// Windows has no portable inode via os.FileInfo, so inodeOf always
// returns 0. ensureOpenFile then never sees an inode change and keeps the
// open file: log rotation is not detected on Windows.
func inodeOf(info os.FileInfo) uint64 {
	return 0
}
