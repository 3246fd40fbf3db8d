package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/samber/oops"
	_ "modernc.org/sqlite"
)

const (
	sqliteSchemaVersion = "2"
	// written by earlier releases: no observation order, plus FTS5 tables
	legacySchemaVersion = "1.0"
)

// SQLiteStorage keeps graph snapshots in a SQLite database. Save replaces
// every row inside one transaction, so a failed save leaves the previous
// snapshot in place.
type SQLiteStorage struct {
	db     *sql.DB
	config Config
}

// NewSQLiteStorage returns an unopened backend; call Initialize before use
func NewSQLiteStorage(config Config) (*SQLiteStorage, error) {
	if config.FilePath == "" {
		return nil, oops.In("sqlite").Errorf("file path is required")
	}
	return &SQLiteStorage{config: config}, nil
}

// Initialize opens the database, applies pragmas and creates the schema
func (s *SQLiteStorage) Initialize() error {
	errb := oops.In("sqlite").With("path", s.config.FilePath)

	db, err := sql.Open("sqlite", s.config.FilePath)
	if err != nil {
		return errb.Wrapf(err, "failed to open database")
	}
	s.db = db

	pragmas := []string{"PRAGMA foreign_keys=ON"}
	if s.config.WALMode {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	if s.config.CacheSize > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA cache_size=%d", s.config.CacheSize))
	}
	if s.config.BusyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout=%d", s.config.BusyTimeout.Milliseconds()))
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return errb.With("pragma", p).Wrapf(err, "failed to apply pragma")
		}
	}

	version, err := s.schemaVersion()
	if err != nil {
		return errb.Wrapf(err, "failed to read schema version")
	}
	switch version {
	case "", sqliteSchemaVersion:
	case legacySchemaVersion:
		if err := s.upgradeLegacySchema(); err != nil {
			return errb.With("from", version).Wrapf(err, "failed to upgrade schema")
		}
	default:
		return CorruptStoref(nil, "%s: unsupported schema version %s (want %s)", s.config.FilePath, version, sqliteSchemaVersion)
	}

	if err := s.createSchema(); err != nil {
		return errb.Wrapf(err, "failed to create schema")
	}
	return nil
}

func (s *SQLiteStorage) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		entity_type TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(entity_type);

	-- position keeps observation order; duplicates are allowed
	CREATE TABLE IF NOT EXISTS observations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		content TEXT NOT NULL,
		FOREIGN KEY (entity_id) REFERENCES entities(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_observations_entity ON observations(entity_id, position);

	CREATE TABLE IF NOT EXISTS relations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		from_entity_id INTEGER NOT NULL,
		to_entity_id INTEGER NOT NULL,
		relation_type TEXT NOT NULL,
		FOREIGN KEY (from_entity_id) REFERENCES entities(id) ON DELETE CASCADE,
		FOREIGN KEY (to_entity_id) REFERENCES entities(id) ON DELETE CASCADE,
		UNIQUE(from_entity_id, to_entity_id, relation_type)
	);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR IGNORE INTO metadata (key, value) VALUES ('schema_version', '` + sqliteSchemaVersion + `');
	`

	_, err := s.db.Exec(schema)
	return err
}

// schemaVersion returns "" for a database without a metadata table
func (s *SQLiteStorage) schemaVersion() (string, error) {
	var name string
	err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'metadata'").Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	var version string
	err = s.db.QueryRow("SELECT value FROM metadata WHERE key = 'schema_version'").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return version, err
}

// upgradeLegacySchema rewrites a 1.0 database in place: observations gain a
// position taken from their insertion order, and the full-text tables and
// triggers are dropped.
func (s *SQLiteStorage) upgradeLegacySchema() (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	statements := []string{
		"DROP TRIGGER IF EXISTS entities_fts_insert",
		"DROP TRIGGER IF EXISTS entities_fts_delete",
		"DROP TRIGGER IF EXISTS entities_fts_update",
		"DROP TRIGGER IF EXISTS observations_fts_insert",
		"DROP TRIGGER IF EXISTS observations_fts_delete",
		"DROP TRIGGER IF EXISTS observations_fts_update",
		"DROP TABLE IF EXISTS entities_fts",
		"DROP TABLE IF EXISTS observations_fts",
		"ALTER TABLE observations RENAME TO observations_legacy",
		`CREATE TABLE observations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_id INTEGER NOT NULL,
			position INTEGER NOT NULL,
			content TEXT NOT NULL,
			FOREIGN KEY (entity_id) REFERENCES entities(id) ON DELETE CASCADE
		)`,
		`INSERT INTO observations (entity_id, position, content)
			SELECT entity_id, ROW_NUMBER() OVER (PARTITION BY entity_id ORDER BY id) - 1, content
			FROM observations_legacy`,
		"DROP TABLE observations_legacy",
		"UPDATE metadata SET value = '" + sqliteSchemaVersion + "' WHERE key = 'schema_version'",
	}
	for _, stmt := range statements {
		if _, err = tx.Exec(stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return tx.Commit()
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStorage) Path() string {
	return s.config.FilePath
}

// Load rebuilds the graph from the tables
func (s *SQLiteStorage) Load(ctx context.Context) (*KnowledgeGraph, error) {
	if s.db == nil {
		return nil, Persistencef(nil, "database not initialized")
	}

	graph := &KnowledgeGraph{Entities: []Entity{}, Relations: []Relation{}}
	byID := make(map[int64]int)

	rows, err := s.db.QueryContext(ctx, "SELECT id, name, entity_type FROM entities ORDER BY id")
	if err != nil {
		return nil, Persistencef(err, "failed to query entities")
	}
	for rows.Next() {
		var id int64
		var e Entity
		if err := rows.Scan(&id, &e.Name, &e.EntityType); err != nil {
			rows.Close()
			return nil, Persistencef(err, "failed to scan entity")
		}
		e.Observations = []string{}
		byID[id] = len(graph.Entities)
		graph.Entities = append(graph.Entities, e)
	}
	if err := closeRows(rows); err != nil {
		return nil, Persistencef(err, "failed to read entities")
	}

	rows, err = s.db.QueryContext(ctx, "SELECT entity_id, content FROM observations ORDER BY entity_id, position")
	if err != nil {
		return nil, Persistencef(err, "failed to query observations")
	}
	for rows.Next() {
		var entityID int64
		var content string
		if err := rows.Scan(&entityID, &content); err != nil {
			rows.Close()
			return nil, Persistencef(err, "failed to scan observation")
		}
		idx, ok := byID[entityID]
		if !ok {
			rows.Close()
			return nil, CorruptStoref(nil, "%s: observation for unknown entity id %d", s.config.FilePath, entityID)
		}
		graph.Entities[idx].Observations = append(graph.Entities[idx].Observations, content)
	}
	if err := closeRows(rows); err != nil {
		return nil, Persistencef(err, "failed to read observations")
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT e1.name, e2.name, r.relation_type
		FROM relations r
		JOIN entities e1 ON r.from_entity_id = e1.id
		JOIN entities e2 ON r.to_entity_id = e2.id
		ORDER BY r.id`)
	if err != nil {
		return nil, Persistencef(err, "failed to query relations")
	}
	for rows.Next() {
		var r Relation
		if err := rows.Scan(&r.From, &r.To, &r.RelationType); err != nil {
			rows.Close()
			return nil, Persistencef(err, "failed to scan relation")
		}
		graph.Relations = append(graph.Relations, r)
	}
	if err := closeRows(rows); err != nil {
		return nil, Persistencef(err, "failed to read relations")
	}

	return graph, nil
}

func closeRows(rows *sql.Rows) error {
	return errors.Join(rows.Err(), rows.Close())
}

// Save replaces every row with the contents of g in a single transaction
func (s *SQLiteStorage) Save(ctx context.Context, g *KnowledgeGraph) error {
	if s.db == nil {
		return Persistencef(nil, "database not initialized")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Persistencef(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	for _, table := range []string{"relations", "observations", "entities"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return Persistencef(err, "failed to clear %s", table)
		}
	}

	entityStmt, err := tx.PrepareContext(ctx, "INSERT INTO entities (name, entity_type) VALUES (?, ?)")
	if err != nil {
		return Persistencef(err, "failed to prepare entity insert")
	}
	defer entityStmt.Close()

	obsStmt, err := tx.PrepareContext(ctx, "INSERT INTO observations (entity_id, position, content) VALUES (?, ?, ?)")
	if err != nil {
		return Persistencef(err, "failed to prepare observation insert")
	}
	defer obsStmt.Close()

	ids := make(map[string]int64, len(g.Entities))
	for _, e := range g.Entities {
		res, err := entityStmt.ExecContext(ctx, e.Name, e.EntityType)
		if err != nil {
			return Persistencef(err, "failed to insert entity %q", e.Name)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return Persistencef(err, "failed to get id for entity %q", e.Name)
		}
		ids[e.Name] = id

		for pos, obs := range e.Observations {
			if _, err := obsStmt.ExecContext(ctx, id, pos, obs); err != nil {
				return Persistencef(err, "failed to insert observation for %q", e.Name)
			}
		}
	}

	relStmt, err := tx.PrepareContext(ctx, "INSERT OR IGNORE INTO relations (from_entity_id, to_entity_id, relation_type) VALUES (?, ?, ?)")
	if err != nil {
		return Persistencef(err, "failed to prepare relation insert")
	}
	defer relStmt.Close()

	for _, r := range g.Relations {
		fromID, okFrom := ids[r.From]
		toID, okTo := ids[r.To]
		if !okFrom || !okTo {
			return Persistencef(nil, "relation %s -> %s (%s) references a missing entity", r.From, r.To, r.RelationType)
		}
		if _, err := relStmt.ExecContext(ctx, fromID, toID, r.RelationType); err != nil {
			return Persistencef(err, "failed to insert relation")
		}
	}

	if err := tx.Commit(); err != nil {
		return Persistencef(err, "failed to commit transaction")
	}
	return nil
}
