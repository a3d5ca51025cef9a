//go:build !(linux || darwin || freebsd)

package config

import "github.com/rbaliyan/convstore/store/sqlite"

// freeSpace returns nil where the file system cannot be probed, which
// leaves the identifier migration ungated.
func freeSpace(string) sqlite.FreeSpaceFunc {
	return nil
}
