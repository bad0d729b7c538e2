package fileops

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"filenerd/internal/logging"
)

// =============================================================================
// SEVERITY AND ISSUES
// =============================================================================

// Severity ranks a validation issue.
type Severity string

const (
	SeverityWarning  Severity = "warning"  // Advisory, execution proceeds
	SeverityError    Severity = "error"    // Blocks the operation
	SeverityCritical Severity = "critical" // Blocks the whole batch
)

// Issue codes are stable identifiers surfaced to callers and logs.
const (
	CodeInvalidOp         = "invalid-op"
	CodeSourceMissing     = "source-missing"
	CodeSourceNotFile     = "source-not-file"
	CodeSourceUnreadable  = "source-unreadable"
	CodeSourceDirReadOnly = "source-dir-readonly"
	CodeTargetDirReadOnly = "target-dir-readonly"
	CodePathTooLong       = "path-too-long"
	CodeNameTooLong       = "name-too-long"
	CodeForbiddenChars    = "forbidden-chars"
	CodeReservedName      = "reserved-name"
	CodeNameEdges         = "name-edges"
	CodeSystemPath        = "system-path"
	CodeTargetExists      = "target-exists"
	CodeSamePath          = "same-path"
	CodeTargetCollision   = "target-collision"
	CodeSourceChain       = "source-chain"
	CodeOpCycle           = "op-cycle"
	CodeDiskSpace         = "disk-space"
	CodeDiskSpaceLow      = "disk-space-low"
)

// Issue is a single validation finding with a stable code.
type Issue struct {
	Code       string   `json:"code"`
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
	Path       string   `json:"path,omitempty"`
	Resolution string   `json:"resolution,omitempty"`
}

// ValidationResult aggregates the findings for one operation or a whole
// batch. Valid is false when any issue is error or critical.
type ValidationResult struct {
	Valid  bool    `json:"valid"`
	Issues []Issue `json:"issues,omitempty"`
}

// Errors returns the blocking issues, error and critical both.
func (r ValidationResult) Errors() []Issue {
	var out []Issue
	for _, is := range r.Issues {
		if is.Severity != SeverityWarning {
			out = append(out, is)
		}
	}
	return out
}

// Warnings returns the advisory issues.
func (r ValidationResult) Warnings() []Issue {
	var out []Issue
	for _, is := range r.Issues {
		if is.Severity == SeverityWarning {
			out = append(out, is)
		}
	}
	return out
}

// HasCritical reports whether any issue blocks the whole batch.
func (r ValidationResult) HasCritical() bool {
	for _, is := range r.Issues {
		if is.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

func (r *ValidationResult) add(is Issue) {
	r.Issues = append(r.Issues, is)
	if is.Severity != SeverityWarning {
		r.Valid = false
	}
}

// =============================================================================
// NAME RULES
// =============================================================================

const (
	maxTargetPathLen = 260
	maxBasenameLen   = 255
)

// forbiddenNameChars are rejected in target basenames. The set follows
// the strictest common filesystem so plans stay portable.
const forbiddenNameChars = `<>:"|?*`

// reservedNames are device names some filesystems refuse, matched
// case-insensitively against the basename before its first extension.
var reservedNames = func() map[string]bool {
	m := map[string]bool{"CON": true, "PRN": true, "AUX": true, "NUL": true}
	for i := 1; i <= 9; i++ {
		m[fmt.Sprintf("COM%d", i)] = true
		m[fmt.Sprintf("LPT%d", i)] = true
	}
	return m
}()

// DefaultProtectedPrefixes are path prefixes no operation may touch.
// Prefixes that are not absolute on the running platform are ignored.
var DefaultProtectedPrefixes = []string{
	"/boot", "/dev", "/etc", "/proc", "/sys",
	"/bin", "/sbin", "/usr/bin", "/usr/sbin", "/usr/lib",
	"/System", "/Library",
	`C:\Windows`, `C:\Program Files`,
}

func forbiddenIn(name string) (string, bool) {
	for _, r := range name {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(forbiddenNameChars, r) {
			return string(r), true
		}
	}
	return "", false
}

func isReservedName(name string) bool {
	stem := name
	if i := strings.IndexByte(stem, '.'); i >= 0 {
		stem = stem[:i]
	}
	return reservedNames[strings.ToUpper(stem)]
}

// edgeTrimmed reports whether the name starts or ends with a space or
// dot, which several filesystems silently strip.
func edgeTrimmed(name string) bool {
	if name == "" {
		return false
	}
	return name != strings.Trim(name, " .")
}

// nearestExisting walks up from dir to the closest ancestor present on
// disk. Missing levels below it are created at execution time.
func nearestExisting(dir string) string {
	p := normalizePath(dir)
	for {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return ""
		}
		p = parent
	}
}

// =============================================================================
// VALIDATOR
// =============================================================================

// Validator runs static checks against proposed operations. It never
// mutates the filesystem; probes are limited to stat, access and statfs.
type Validator struct {
	protected []string
}

// NewValidator returns a validator with the default protected prefix set.
func NewValidator() *Validator {
	return &Validator{protected: DefaultProtectedPrefixes}
}

// NewValidatorWithProtected overrides the protected prefix set.
func NewValidatorWithProtected(prefixes []string) *Validator {
	return &Validator{protected: prefixes}
}

// ValidateOperation runs every applicable single-operation check. Checks
// are independent and issues accumulate, so one bad operation reports
// all of its problems at once.
func (v *Validator) ValidateOperation(op Operation) ValidationResult {
	res := ValidationResult{Valid: true}

	if err := op.validate(); err != nil {
		res.add(Issue{
			Code:     CodeInvalidOp,
			Severity: SeverityError,
			Message:  err.Error(),
		})
		return res
	}

	switch op.Type {
	case OpDelete:
		v.checkSource(op, &res)
	case OpCreateDir:
		v.checkTarget(op, &res)
	default:
		v.checkSource(op, &res)
		v.checkTarget(op, &res)
		if normalizePath(op.SourcePath) == normalizePath(op.TargetPath) {
			res.add(Issue{
				Code:       CodeSamePath,
				Severity:   SeverityWarning,
				Message:    "source and target are the same path",
				Path:       op.SourcePath,
				Resolution: "drop the operation, it changes nothing",
			})
		}
	}

	v.checkProtected(op, &res)

	logging.FileOpsDebug("validated %s op %s: valid=%v issues=%d", op.Type, op.ID, res.Valid, len(res.Issues))
	return res
}

func (v *Validator) checkSource(op Operation, res *ValidationResult) {
	src := op.SourcePath
	info, err := os.Lstat(src)
	if err != nil {
		res.add(Issue{
			Code:       CodeSourceMissing,
			Severity:   SeverityError,
			Message:    fmt.Sprintf("source does not exist: %v", err),
			Path:       src,
			Resolution: "re-scan the directory, the file may have moved",
		})
		return
	}
	if !info.Mode().IsRegular() {
		res.add(Issue{
			Code:     CodeSourceNotFile,
			Severity: SeverityError,
			Message:  fmt.Sprintf("source is not a regular file (mode %s)", info.Mode()),
			Path:     src,
		})
		return
	}
	if !readable(src) {
		res.add(Issue{
			Code:       CodeSourceUnreadable,
			Severity:   SeverityError,
			Message:    "source is not readable",
			Path:       src,
			Resolution: "check file permissions",
		})
	}
	// Move, rename and delete unlink the source, which needs a writable
	// parent directory.
	if op.Type != OpCopy {
		dir := filepath.Dir(normalizePath(src))
		if !writable(dir) {
			res.add(Issue{
				Code:       CodeSourceDirReadOnly,
				Severity:   SeverityError,
				Message:    "source directory is not writable",
				Path:       dir,
				Resolution: "check directory permissions",
			})
		}
	}
}

func (v *Validator) checkTarget(op Operation, res *ValidationResult) {
	tgt := op.TargetPath
	norm := normalizePath(tgt)
	base := filepath.Base(norm)

	if len(norm) > maxTargetPathLen {
		res.add(Issue{
			Code:       CodePathTooLong,
			Severity:   SeverityError,
			Message:    fmt.Sprintf("target path is %d chars, limit is %d", len(norm), maxTargetPathLen),
			Path:       tgt,
			Resolution: "shorten the target path",
		})
	}
	if len(base) > maxBasenameLen {
		res.add(Issue{
			Code:       CodeNameTooLong,
			Severity:   SeverityError,
			Message:    fmt.Sprintf("target name is %d chars, limit is %d", len(base), maxBasenameLen),
			Path:       tgt,
			Resolution: "shorten the file name",
		})
	}
	if bad, found := forbiddenIn(base); found {
		res.add(Issue{
			Code:       CodeForbiddenChars,
			Severity:   SeverityError,
			Message:    fmt.Sprintf("target name contains forbidden character %q", bad),
			Path:       tgt,
			Resolution: "remove the character or pick another name",
		})
	}
	if isReservedName(base) {
		res.add(Issue{
			Code:       CodeReservedName,
			Severity:   SeverityError,
			Message:    fmt.Sprintf("%q is a reserved device name", base),
			Path:       tgt,
			Resolution: "pick another name",
		})
	}
	if edgeTrimmed(base) {
		res.add(Issue{
			Code:     CodeNameEdges,
			Severity: SeverityWarning,
			Message:  "target name starts or ends with a space or dot",
			Path:     tgt,
		})
	}

	if anchor := nearestExisting(filepath.Dir(norm)); anchor != "" && !writable(anchor) {
		res.add(Issue{
			Code:       CodeTargetDirReadOnly,
			Severity:   SeverityError,
			Message:    fmt.Sprintf("target directory is not writable: %s", anchor),
			Path:       anchor,
			Resolution: "check directory permissions",
		})
	}

	if info, err := os.Lstat(norm); err == nil {
		switch {
		case op.Type == OpCreateDir && info.IsDir():
			// Creating an existing directory is a no-op.
		case op.Type == OpCreateDir:
			res.add(Issue{
				Code:     CodeTargetExists,
				Severity: SeverityError,
				Message:  "a file occupies the target directory path",
				Path:     tgt,
			})
		case !op.Force:
			res.add(Issue{
				Code:       CodeTargetExists,
				Severity:   SeverityWarning,
				Message:    "target already exists and force is off",
				Path:       tgt,
				Resolution: "set force to overwrite, or pick another name",
			})
		}
	}
}

func (v *Validator) checkProtected(op Operation, res *ValidationResult) {
	for _, p := range []string{op.SourcePath, op.TargetPath} {
		if p == "" {
			continue
		}
		if pref := v.protectedPrefix(p); pref != "" {
			res.add(Issue{
				Code:       CodeSystemPath,
				Severity:   SeverityCritical,
				Message:    fmt.Sprintf("path is inside protected prefix %s", pref),
				Path:       p,
				Resolution: "system paths are off limits",
			})
		}
	}
}

func (v *Validator) protectedPrefix(path string) string {
	for _, pref := range v.protected {
		if !filepath.IsAbs(pref) {
			continue // a prefix for another platform
		}
		if isAncestorOrSelf(pref, path) {
			return pref
		}
	}
	return ""
}

// =============================================================================
// BATCH VALIDATION
// =============================================================================

// ValidateBatch runs per-operation checks plus the cross-operation
// checks that only make sense for a set: target collisions, source and
// target chains, dependency cycles and aggregate disk space. The
// returned map keys each operation's individual result by id; the
// summary aggregates everything.
func (v *Validator) ValidateBatch(ops []Operation) (ValidationResult, map[string]ValidationResult) {
	batch := ValidationResult{Valid: true}
	perOp := make(map[string]ValidationResult, len(ops))

	for _, op := range ops {
		r := v.ValidateOperation(op)
		perOp[op.ID] = r
		for _, is := range r.Issues {
			batch.add(is)
		}
	}

	v.checkCollisions(ops, &batch, perOp)
	v.checkChains(ops, &batch, perOp)
	v.checkCycles(ops, &batch, perOp)
	v.checkDiskSpace(ops, &batch, perOp)

	logging.FileOps("batch validated: %d ops, valid=%v, %d issues", len(ops), batch.Valid, len(batch.Issues))
	return batch, perOp
}

func (v *Validator) addBatchIssue(batch *ValidationResult, perOp map[string]ValidationResult, opID string, is Issue) {
	batch.add(is)
	r := perOp[opID]
	r.add(is)
	perOp[opID] = r
}

func (v *Validator) checkCollisions(ops []Operation, batch *ValidationResult, perOp map[string]ValidationResult) {
	byTarget := make(map[string][]int)
	for i, op := range ops {
		if op.TargetPath == "" {
			continue
		}
		key := normalizePath(op.TargetPath)
		byTarget[key] = append(byTarget[key], i)
	}
	for tgt, idxs := range byTarget {
		if len(idxs) < 2 {
			continue
		}
		for _, i := range idxs {
			v.addBatchIssue(batch, perOp, ops[i].ID, Issue{
				Code:       CodeTargetCollision,
				Severity:   SeverityError,
				Message:    fmt.Sprintf("%d operations resolve to the same target", len(idxs)),
				Path:       tgt,
				Resolution: "rename one of the colliding operations",
			})
		}
	}
}

func (v *Validator) checkChains(ops []Operation, batch *ValidationResult, perOp map[string]ValidationResult) {
	sources := make(map[string]string)
	for _, op := range ops {
		if op.SourcePath != "" {
			sources[normalizePath(op.SourcePath)] = op.ID
		}
	}
	for _, op := range ops {
		if op.TargetPath == "" {
			continue
		}
		if srcOp, ok := sources[normalizePath(op.TargetPath)]; ok && srcOp != op.ID {
			v.addBatchIssue(batch, perOp, op.ID, Issue{
				Code:     CodeSourceChain,
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("target is also the source of operation %s, execution order matters", srcOp),
				Path:     op.TargetPath,
			})
		}
	}
}

func (v *Validator) checkCycles(ops []Operation, batch *ValidationResult, perOp map[string]ValidationResult) {
	n := len(ops)
	adj := make([][]int, n)
	for i, a := range ops {
		if a.TargetPath == "" {
			continue
		}
		for j, b := range ops {
			if i == j || b.SourcePath == "" {
				continue
			}
			if isAncestorOrSelf(a.TargetPath, b.SourcePath) {
				adj[i] = append(adj[i], j)
			}
		}
	}

	// Three-color DFS. A back edge marks everything between its head and
	// the stack top as cycling.
	state := make([]int, n) // 0 unvisited, 1 on stack, 2 done
	inCycle := make([]bool, n)
	var stack []int
	var visit func(u int)
	visit = func(u int) {
		state[u] = 1
		stack = append(stack, u)
		for _, w := range adj[u] {
			switch state[w] {
			case 0:
				visit(w)
			case 1:
				for k := len(stack) - 1; k >= 0; k-- {
					inCycle[stack[k]] = true
					if stack[k] == w {
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[u] = 2
	}
	for i := 0; i < n; i++ {
		if state[i] == 0 {
			visit(i)
		}
	}

	for i, cyc := range inCycle {
		if cyc {
			v.addBatchIssue(batch, perOp, ops[i].ID, Issue{
				Code:       CodeOpCycle,
				Severity:   SeverityError,
				Message:    "operation participates in a dependency cycle",
				Path:       ops[i].TargetPath,
				Resolution: "split the batch so each round has a free target",
			})
		}
	}
}

func (v *Validator) checkDiskSpace(ops []Operation, batch *ValidationResult, perOp map[string]ValidationResult) {
	type fsNeed struct {
		need  uint64
		avail uint64
		dir   string
		opIDs []string
	}
	needs := make(map[string]*fsNeed)

	for _, op := range ops {
		if op.SourcePath == "" || op.TargetPath == "" {
			continue
		}
		if op.Type != OpCopy && op.Type != OpMove && op.Type != OpRename {
			continue
		}
		info, err := os.Lstat(op.SourcePath)
		if err != nil || !info.Mode().IsRegular() {
			continue // a missing source is already reported
		}
		dir := nearestExisting(filepath.Dir(normalizePath(op.TargetPath)))
		if dir == "" {
			continue
		}
		key, ok := fsID(dir)
		if !ok {
			continue // platform probe unavailable
		}
		// A same-filesystem move shuffles directory entries and needs no
		// new blocks.
		if op.Type != OpCopy {
			if srcKey, ok := fsID(filepath.Dir(normalizePath(op.SourcePath))); ok && srcKey == key {
				continue
			}
		}
		entry := needs[key]
		if entry == nil {
			free, ok := diskFree(dir)
			if !ok {
				continue
			}
			entry = &fsNeed{avail: free, dir: dir}
			needs[key] = entry
		}
		entry.need += uint64(info.Size())
		entry.opIDs = append(entry.opIDs, op.ID)
	}

	for _, e := range needs {
		// Keep a 10% reserve of what is currently free.
		usable := e.avail - e.avail/10
		switch {
		case e.need > usable:
			for _, id := range e.opIDs {
				v.addBatchIssue(batch, perOp, id, Issue{
					Code:       CodeDiskSpace,
					Severity:   SeverityError,
					Message:    fmt.Sprintf("batch needs %d bytes on %s, only %d usable after reserve", e.need, e.dir, usable),
					Path:       e.dir,
					Resolution: "free disk space or shrink the batch",
				})
			}
		case e.avail < 2*e.need:
			for _, id := range e.opIDs {
				v.addBatchIssue(batch, perOp, id, Issue{
					Code:     CodeDiskSpaceLow,
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("free space on %s is below twice the batch requirement", e.dir),
					Path:     e.dir,
				})
			}
		}
	}
}
