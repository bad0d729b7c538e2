package fileops

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"filenerd/internal/logging"
)

// copyChunkSize is the buffer used for file copies.
const copyChunkSize = 256 * 1024

// =============================================================================
// LOW-LEVEL PRIMITIVES
// =============================================================================

// copyFile copies src to dst through a fixed buffer and fsyncs before
// close, creating parent directories as needed. The destination mode
// mirrors the source. A partial copy is removed.
func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat source: %w", err)
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("source %s is not a regular file", src)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, fmt.Errorf("create target directory: %w", err)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return 0, fmt.Errorf("open target: %w", err)
	}

	buf := make([]byte, copyChunkSize)
	n, err := io.CopyBuffer(out, in, buf)
	if err != nil {
		out.Close()
		os.Remove(dst)
		return n, fmt.Errorf("copy data: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return n, fmt.Errorf("sync target: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return n, fmt.Errorf("close target: %w", err)
	}
	return n, nil
}

// moveFile renames src to dst, falling back to copy and remove when the
// paths sit on different filesystems.
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("create target directory: %w", err)
	}
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return err
	}
	logging.FileOpsDebug("rename crossed filesystems, copying: %s -> %s", src, dst)
	if _, cerr := copyFile(src, dst); cerr != nil {
		return fmt.Errorf("cross-device copy: %w", cerr)
	}
	if rerr := os.Remove(src); rerr != nil {
		// The copy landed, so keep it and report the leftover source.
		return fmt.Errorf("remove source after cross-device copy: %w", rerr)
	}
	return nil
}

// missingDirs lists the directory levels under path that do not exist
// yet, deepest first. Callers record them before MkdirAll so
// compensation can walk them back.
func missingDirs(path string) []string {
	var out []string
	p := path
	for {
		if _, err := os.Lstat(p); err == nil {
			return out
		}
		out = append(out, p)
		parent := filepath.Dir(p)
		if parent == p {
			return out
		}
		p = parent
	}
}

// =============================================================================
// BACKUP STASH
// =============================================================================

// backupPathFor builds the stash location for content one operation
// destroys: <root>/<txID>/<uuid>_<basename>.
func backupPathFor(root, txID, original string) string {
	base := filepath.Base(normalizePath(original))
	return filepath.Join(root, txID, uuid.NewString()+"_"+base)
}

// stash copies original into the transaction's backup directory and
// returns the stash path.
func stash(root, txID, original string) (string, error) {
	dst := backupPathFor(root, txID, original)
	if _, err := copyFile(original, dst); err != nil {
		return "", fmt.Errorf("backup %s: %w", original, err)
	}
	logging.FileOpsDebug("stashed %s -> %s", original, dst)
	return dst, nil
}
