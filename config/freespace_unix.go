//go:build linux || darwin || freebsd

package config

import (
	"fmt"
	"path/filepath"

	"github.com/rbaliyan/convstore/store/sqlite"
	"golang.org/x/sys/unix"
)

// freeSpace probes the file system holding the database at path.
func freeSpace(path string) sqlite.FreeSpaceFunc {
	dir := filepath.Dir(path)
	return func() (int64, error) {
		var st unix.Statfs_t
		if err := unix.Statfs(dir, &st); err != nil {
			return 0, fmt.Errorf("statfs %s: %w", dir, err)
		}
		return int64(st.Bavail) * int64(st.Bsize), nil
	}
}
