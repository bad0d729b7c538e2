// Package fileops plans and executes filesystem changes. The Validator
// checks proposed operations without touching anything; the Manager is
// the only component that mutates the filesystem, and it does so inside
// compensating transactions so a half-applied batch can always be walked
// back.
package fileops

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// OPERATION TYPES
// =============================================================================

// OpType identifies a filesystem operation kind.
type OpType string

const (
	OpMove      OpType = "move"
	OpRename    OpType = "rename"
	OpCopy      OpType = "copy"
	OpDelete    OpType = "delete"
	OpCreateDir OpType = "create-dir"
)

// Valid reports whether t is a known operation type.
func (t OpType) Valid() bool {
	switch t {
	case OpMove, OpRename, OpCopy, OpDelete, OpCreateDir:
		return true
	}
	return false
}

// Operation describes one proposed filesystem change. Move and rename
// differ only in intent: rename keeps the file in its directory, move
// crosses directories. Delete uses SourcePath only, create-dir uses
// TargetPath only.
type Operation struct {
	ID           string            `json:"id"`
	Type         OpType            `json:"type"`
	SourcePath   string            `json:"source_path,omitempty"`
	TargetPath   string            `json:"target_path,omitempty"`
	Force        bool              `json:"force,omitempty"`         // Overwrite an existing target
	CreateBackup bool              `json:"create_backup,omitempty"` // Stash the source before executing
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// NewOperation builds an operation with a fresh id.
func NewOperation(typ OpType, source, target string) Operation {
	return Operation{
		ID:         uuid.NewString(),
		Type:       typ,
		SourcePath: source,
		TargetPath: target,
	}
}

// validate checks structural completeness, not filesystem state.
func (op Operation) validate() error {
	if !op.Type.Valid() {
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
	switch op.Type {
	case OpDelete:
		if op.SourcePath == "" {
			return fmt.Errorf("%s requires a source path", op.Type)
		}
	case OpCreateDir:
		if op.TargetPath == "" {
			return fmt.Errorf("%s requires a target path", op.Type)
		}
	default:
		if op.SourcePath == "" || op.TargetPath == "" {
			return fmt.Errorf("%s requires source and target paths", op.Type)
		}
	}
	return nil
}

// reverseFor computes the inverse operation recorded in the journal.
// backupPath is the stashed copy of content the operation destroys; the
// inverse of delete restores from it.
func reverseFor(op Operation, backupPath string) Operation {
	rev := Operation{ID: uuid.NewString()}
	switch op.Type {
	case OpMove:
		rev.Type = OpMove
		rev.SourcePath = op.TargetPath
		rev.TargetPath = op.SourcePath
	case OpRename:
		rev.Type = OpRename
		rev.SourcePath = op.TargetPath
		rev.TargetPath = op.SourcePath
	case OpCopy:
		rev.Type = OpDelete
		rev.SourcePath = op.TargetPath
	case OpDelete:
		rev.Type = OpCopy
		rev.SourcePath = backupPath
		rev.TargetPath = op.SourcePath
	case OpCreateDir:
		rev.Type = OpDelete
		rev.SourcePath = op.TargetPath
	}
	return rev
}

// OpResult records the outcome of one executed operation.
type OpResult struct {
	OpID     string        `json:"op_id"`
	Type     OpType        `json:"type"`
	Source   string        `json:"source,omitempty"`
	Target   string        `json:"target,omitempty"`
	Success  bool          `json:"success"`
	Err      string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// =============================================================================
// PATH HELPERS
// =============================================================================

// normalizePath cleans a path to its canonical comparable form. Relative
// paths are made absolute so two spellings of the same location collide.
func normalizePath(p string) string {
	if p == "" {
		return ""
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return abs
}

// isAncestorOrSelf reports whether ancestor contains path, or equals it,
// after normalization.
func isAncestorOrSelf(ancestor, path string) bool {
	a := normalizePath(ancestor)
	p := normalizePath(path)
	if a == p {
		return true
	}
	rel, err := filepath.Rel(a, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
