package storage

import (
	"context"
	"time"

	"github.com/samber/oops"
)

// Entity represents a node in the knowledge graph
type Entity struct {
	Name         string   `json:"name"`
	EntityType   string   `json:"entityType"`
	Observations []string `json:"observations"`
}

// Relation represents a directed, typed edge between two entities
type Relation struct {
	From         string `json:"from"`
	To           string `json:"to"`
	RelationType string `json:"relationType"`
}

// KnowledgeGraph is a full snapshot of entities and relations
type KnowledgeGraph struct {
	Entities  []Entity   `json:"entities"`
	Relations []Relation `json:"relations"`
}

// Clone returns a deep copy of the graph
func (g *KnowledgeGraph) Clone() *KnowledgeGraph {
	out := &KnowledgeGraph{
		Entities:  make([]Entity, len(g.Entities)),
		Relations: make([]Relation, len(g.Relations)),
	}
	for i, e := range g.Entities {
		out.Entities[i] = e.Clone()
	}
	copy(out.Relations, g.Relations)
	return out
}

// Clone returns a copy of the entity with its own observation slice
func (e Entity) Clone() Entity {
	obs := make([]string, len(e.Observations))
	copy(obs, e.Observations)
	e.Observations = obs
	return e
}

// Storage persists whole-graph snapshots.
//
// Implementations never keep a copy of the graph between calls: Load reads
// the durable state and Save atomically replaces it.
type Storage interface {
	// Initialize prepares the backend (directories, schema)
	Initialize() error

	// Close releases backend resources
	Close() error

	// Load returns the persisted graph; a missing store is an empty graph
	Load(ctx context.Context) (*KnowledgeGraph, error)

	// Save replaces the persisted graph with g
	Save(ctx context.Context, g *KnowledgeGraph) error

	// Path is the location of the backing file
	Path() string
}

// Config holds storage configuration
type Config struct {
	Type        string        // "jsonl" or "sqlite"
	FilePath    string        // Path to JSONL file or SQLite database
	WALMode     bool          // Enable WAL mode for SQLite
	CacheSize   int           // SQLite cache size in pages
	BusyTimeout time.Duration // SQLite busy timeout
}

const (
	TypeJSONL  = "jsonl"
	TypeSQLite = "sqlite"
)

// NewStorage creates a storage backend based on configuration
func NewStorage(config Config) (Storage, error) {
	switch config.Type {
	case TypeSQLite:
		return NewSQLiteStorage(config)
	case TypeJSONL, "":
		return NewJSONLStorage(config)
	default:
		return nil, oops.In("storage").With("type", config.Type).Errorf("unknown storage type: %s", config.Type)
	}
}
