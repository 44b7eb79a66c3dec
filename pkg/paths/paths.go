// Package paths resolves the application's directory layout relative to
// the running executable.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dirs holds the resolved application directory layout.
type Dirs struct {
	App        string
	Resources  string
	Data       string
	Temp       string
	Database   string
	Sqlite     string
	File       string
	Chat       string
	Note       string
	UserProfile string
	Logs       string
}

// Resolve derives $APP from the executable's parent directory and
// returns every directory the rest of the module needs, creating the
// writable ones (data/*, logs) if missing.
func Resolve() (*Dirs, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving executable path: %w", err)
	}
	app := filepath.Dir(exe)
	return ResolveIn(app)
}

// ResolveIn builds a Dirs rooted at app, useful for tests that don't
// want to depend on os.Executable.
func ResolveIn(app string) (*Dirs, error) {
	data := filepath.Join(app, "data")
	d := &Dirs{
		App:         app,
		Resources:   filepath.Join(app, "resources"),
		Data:        data,
		Temp:        filepath.Join(data, "temp"),
		Database:    filepath.Join(data, "database"),
		Sqlite:      filepath.Join(data, "sqlite"),
		File:        filepath.Join(data, "file"),
		Chat:        filepath.Join(data, "chat"),
		Note:        filepath.Join(data, "note"),
		UserProfile: filepath.Join(data, "user", "profile"),
		Logs:        filepath.Join(app, "logs"),
	}

	for _, dir := range []string{d.Data, d.Temp, d.Database, d.Sqlite, d.File, d.Chat, d.Note, d.UserProfile, d.Logs} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating directory %q: %w", dir, err)
		}
	}

	return d, nil
}

// MetadataDB returns the path to the single metadata database.
func (d *Dirs) MetadataDB() string {
	return filepath.Join(d.Sqlite, "fs-kb-app.db")
}

// RelationalDB returns the path to a knowledge base's relational database file.
func (d *Dirs) RelationalDB(kbTableName string) string {
	return filepath.Join(d.Database, kbTableName+".sqlite", "data.db")
}

// VectorDB returns the path to a knowledge base's vector table database.
func (d *Dirs) VectorDB(kbTableName string) string {
	return filepath.Join(d.Database, kbTableName+".vectors.db")
}

// SnapshotRefDir returns the directory holding page-snapshot images for
// one import record's vector row ids.
func (d *Dirs) SnapshotRefDir(kbTableName string, importRecordID int64) string {
	return filepath.Join(d.Database, kbTableName+".lance", "refs", fmt.Sprintf("%020d", importRecordID))
}
