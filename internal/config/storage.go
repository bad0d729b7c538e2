package config

import "path/filepath"

// JournalConfig configures the operation journal.
type JournalConfig struct {
	DatabasePath  string `yaml:"database_path" json:"database_path"`   // Relative paths resolve against the workspace
	RetentionDays int    `yaml:"retention_days" json:"retention_days"` // Minimum history kept for undo
}

// DefaultJournalConfig returns journal defaults.
func DefaultJournalConfig() JournalConfig {
	return JournalConfig{
		DatabasePath:  ".filenerd/journal.db",
		RetentionDays: 30,
	}
}

func (j *JournalConfig) normalize() {
	if j.DatabasePath == "" {
		j.DatabasePath = ".filenerd/journal.db"
	}
	// Retention below 30 days would break the undo guarantee
	if j.RetentionDays < 30 {
		j.RetentionDays = 30
	}
}

// ResolvePath returns the journal DB path resolved against the workspace.
func (j *JournalConfig) ResolvePath(workspace string) string {
	if filepath.IsAbs(j.DatabasePath) {
		return j.DatabasePath
	}
	return filepath.Join(workspace, j.DatabasePath)
}

// StoreConfig configures the catalog store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path" json:"database_path"`
}

// DefaultStoreConfig returns store defaults.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		DatabasePath: ".filenerd/catalog.db",
	}
}

// ResolvePath returns the catalog DB path resolved against the workspace.
func (s *StoreConfig) ResolvePath(workspace string) string {
	if filepath.IsAbs(s.DatabasePath) {
		return s.DatabasePath
	}
	return filepath.Join(workspace, s.DatabasePath)
}

// BackupsConfig configures where destructive operations stash originals.
type BackupsConfig struct {
	Directory string `yaml:"directory" json:"directory"`
}

// DefaultBackupsConfig returns backup defaults.
func DefaultBackupsConfig() BackupsConfig {
	return BackupsConfig{
		Directory: ".filenerd/backups",
	}
}

// ResolveDir returns the backups directory resolved against the workspace.
func (b *BackupsConfig) ResolveDir(workspace string) string {
	if filepath.IsAbs(b.Directory) {
		return b.Directory
	}
	return filepath.Join(workspace, b.Directory)
}
