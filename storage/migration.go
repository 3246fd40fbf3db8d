package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/samber/oops"
)

// MigrationResult describes a finished (or dry-run) migration
type MigrationResult struct {
	Success        bool
	SourcePath     string
	DestPath       string
	EntitiesCount  int
	RelationsCount int
	Duration       time.Duration
	BackupPath     string
}

// Migrator copies a snapshot from one backend to another
type Migrator struct {
	logger       *slog.Logger
	progressFunc func(current, total int, message string)
}

// NewMigrator creates a new migrator instance
func NewMigrator(logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{logger: logger}
}

// SetProgressCallback sets a callback for migration progress updates
func (m *Migrator) SetProgressCallback(fn func(current, total int, message string)) {
	m.progressFunc = fn
}

// DetectType guesses the backend from the file extension
func DetectType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return TypeSQLite
	default:
		return TypeJSONL
	}
}

// Migrate loads the source snapshot, backs up an existing destination file,
// saves into the destination and verifies the copy.
func (m *Migrator) Migrate(ctx context.Context, src, dst Config) (*MigrationResult, error) {
	start := time.Now()
	result := &MigrationResult{SourcePath: src.FilePath, DestPath: dst.FilePath}
	errb := oops.In("migration").With("source", src.FilePath, "destination", dst.FilePath)

	if _, err := os.Stat(src.FilePath); errors.Is(err, os.ErrNotExist) {
		return result, errb.Errorf("source file does not exist: %s", src.FilePath)
	}
	if filepath.Clean(src.FilePath) == filepath.Clean(dst.FilePath) {
		return result, errb.Errorf("source and destination are the same file")
	}

	m.reportProgress(0, 100, "Reading source data...")

	graph, err := loadFrom(ctx, src)
	if err != nil {
		return result, errb.Wrapf(err, "failed to read source")
	}
	result.EntitiesCount = len(graph.Entities)
	result.RelationsCount = len(graph.Relations)

	m.reportProgress(30, 100, fmt.Sprintf("Found %d entities and %d relations",
		result.EntitiesCount, result.RelationsCount))

	if _, err := os.Stat(dst.FilePath); err == nil {
		backupPath := createBackupPath(dst.FilePath)
		if err := copyFile(dst.FilePath, backupPath); err != nil {
			return result, errb.Wrapf(err, "failed to back up destination")
		}
		// SQLite keeps its rows in the file; start from an empty database
		if dst.Type == TypeSQLite {
			if err := removeSQLiteFiles(dst.FilePath); err != nil {
				return result, errb.Wrapf(err, "failed to remove old destination")
			}
		}
		result.BackupPath = backupPath
		m.reportProgress(40, 100, "Created backup")
	}

	dest, err := NewStorage(dst)
	if err != nil {
		return result, err
	}
	if err := dest.Initialize(); err != nil {
		return result, errb.Wrapf(err, "failed to initialize destination")
	}
	defer dest.Close()

	m.reportProgress(50, 100, "Writing destination...")

	if err := dest.Save(ctx, graph); err != nil {
		return result, errb.Wrapf(err, "failed to write destination")
	}

	m.reportProgress(90, 100, "Verifying migration...")

	copied, err := dest.Load(ctx)
	if err != nil {
		return result, errb.Wrapf(err, "failed to read destination for verification")
	}
	if err := verifyMigration(graph, copied); err != nil {
		return result, errb.Wrapf(err, "migration verification failed")
	}

	result.Success = true
	result.Duration = time.Since(start)
	m.reportProgress(100, 100, "Migration completed successfully!")

	return result, nil
}

// AutoMigrate fills a new SQLite database from the JSONL file next to it,
// when that file exists and the database does not.
func (m *Migrator) AutoMigrate(ctx context.Context, dst Config) (*MigrationResult, error) {
	if dst.Type != TypeSQLite {
		return nil, nil
	}
	if _, err := os.Stat(dst.FilePath); err == nil {
		return nil, nil
	}

	ext := filepath.Ext(dst.FilePath)
	candidates := []string{
		strings.TrimSuffix(dst.FilePath, ext) + ".jsonl",
		strings.TrimSuffix(dst.FilePath, ext) + ".json",
	}
	for _, source := range candidates {
		if _, err := os.Stat(source); err != nil {
			continue
		}
		m.logger.Info("Auto-migrating memory file", "from", source, "to", dst.FilePath)
		return m.Migrate(ctx, Config{Type: TypeJSONL, FilePath: source}, dst)
	}
	return nil, nil
}

func loadFrom(ctx context.Context, cfg Config) (*KnowledgeGraph, error) {
	s, err := NewStorage(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Initialize(); err != nil {
		return nil, err
	}
	defer s.Close()
	return s.Load(ctx)
}

func verifyMigration(source, dest *KnowledgeGraph) error {
	if len(source.Entities) != len(dest.Entities) {
		return fmt.Errorf("entity count mismatch: source=%d, dest=%d",
			len(source.Entities), len(dest.Entities))
	}
	if len(source.Relations) != len(dest.Relations) {
		return fmt.Errorf("relation count mismatch: source=%d, dest=%d",
			len(source.Relations), len(dest.Relations))
	}
	if len(source.Entities) == 0 {
		return nil
	}

	destEntities := make(map[string]Entity, len(dest.Entities))
	for _, e := range dest.Entities {
		destEntities[e.Name] = e
	}

	// first, middle and last
	n := len(source.Entities)
	for _, idx := range []int{0, n / 2, n - 1} {
		want := source.Entities[idx]
		got, ok := destEntities[want.Name]
		if !ok {
			return fmt.Errorf("entity %s not found in destination", want.Name)
		}
		if want.EntityType != got.EntityType {
			return fmt.Errorf("entity type mismatch for %s: source=%s, dest=%s",
				want.Name, want.EntityType, got.EntityType)
		}
		if !slices.Equal(want.Observations, got.Observations) {
			return fmt.Errorf("observations differ for %s", want.Name)
		}
	}

	return nil
}

// createBackupPath generates a hidden, timestamped backup path
func createBackupPath(originalPath string) string {
	dir := filepath.Dir(originalPath)
	base := filepath.Base(originalPath)
	timestamp := time.Now().Format("20060102_150405")
	return filepath.Join(dir, fmt.Sprintf(".%s.backup_%s", base, timestamp))
}

func copyFile(source, backup string) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(backup, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// removeSQLiteFiles deletes a database with its journal sidecars, so a
// stale WAL is never replayed into the replacement
func removeSQLiteFiles(path string) error {
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		if err := os.Remove(path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (m *Migrator) reportProgress(current, total int, message string) {
	if m.progressFunc != nil {
		m.progressFunc(current, total, message)
	}
}

// MigrateCommand carries the migrate subcommand flags
type MigrateCommand struct {
	Source      string
	Destination string
	DryRun      bool
	Force       bool
	Verbose     bool
}

// ExecuteMigration runs a migration described by cmd. Backend types are
// derived from the file extensions.
func ExecuteMigration(ctx context.Context, logger *slog.Logger, cmd MigrateCommand) (*MigrationResult, error) {
	migrator := NewMigrator(logger)
	if cmd.Verbose {
		migrator.SetProgressCallback(func(current, total int, message string) {
			logger.Info(message, "progress", fmt.Sprintf("%d%%", current*100/total))
		})
	}

	if _, err := os.Stat(cmd.Destination); err == nil && !cmd.Force {
		return nil, oops.In("migration").
			With("destination", cmd.Destination).
			Errorf("destination file already exists: %s (use --force to overwrite)", cmd.Destination)
	}

	src := Config{Type: DetectType(cmd.Source), FilePath: cmd.Source}
	dst := Config{Type: DetectType(cmd.Destination), FilePath: cmd.Destination, WALMode: true}

	if cmd.DryRun {
		graph, err := loadFrom(ctx, src)
		if err != nil {
			return nil, oops.In("migration").Wrapf(err, "failed to read source data")
		}
		logger.Info("Dry run, nothing written",
			"source", cmd.Source,
			"destination", cmd.Destination,
			"entities", len(graph.Entities),
			"relations", len(graph.Relations))
		return &MigrationResult{
			SourcePath:     cmd.Source,
			DestPath:       cmd.Destination,
			EntitiesCount:  len(graph.Entities),
			RelationsCount: len(graph.Relations),
		}, nil
	}

	result, err := migrator.Migrate(ctx, src, dst)
	if err != nil {
		return result, err
	}

	logger.Info("Migration completed",
		"entities", result.EntitiesCount,
		"relations", result.RelationsCount,
		"duration", result.Duration,
		"backup", result.BackupPath)
	return result, nil
}
