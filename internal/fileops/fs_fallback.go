//go:build !linux && !darwin

package fileops

// Platforms without cheap access(2) or statfs probes: permission
// problems surface at execution time and the disk space check is
// skipped.

func readable(path string) bool { return true }

func writable(path string) bool { return true }

func diskFree(path string) (uint64, bool) { return 0, false }

func fsID(path string) (string, bool) { return "", false }
