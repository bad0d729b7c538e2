//go:build linux || darwin

package fileops

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// readable reports whether the current process may read path.
func readable(path string) bool {
	return unix.Access(path, unix.R_OK) == nil
}

// writable reports whether the current process may write path.
func writable(path string) bool {
	return unix.Access(path, unix.W_OK) == nil
}

// diskFree returns the bytes available to unprivileged writes on the
// filesystem containing path.
func diskFree(path string) (uint64, bool) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, false
	}
	return uint64(st.Bavail) * uint64(st.Bsize), true
}

// fsID returns an opaque identifier for the filesystem containing path.
// Paths with equal ids share capacity.
func fsID(path string) (string, bool) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return "", false
	}
	return fmt.Sprintf("%x:%x", st.Fsid.Val[0], st.Fsid.Val[1]), true
}
