// Package graph owns the in-memory knowledge graph and keeps it in step
// with a storage backend.
package graph

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"memory-graph-go/storage"
)

// ObservationInput is one add_observations entry
type ObservationInput struct {
	EntityName string   `json:"entityName"`
	Contents   []string `json:"contents"`
}

// ObservationResult reports the observations appended to one entity
type ObservationResult struct {
	EntityName        string   `json:"entityName"`
	AddedObservations []string `json:"addedObservations"`
}

// ObservationDeletion names observations to remove from one entity
type ObservationDeletion struct {
	EntityName   string   `json:"entityName"`
	Observations []string `json:"observations"`
}

// Store is the single owner of the knowledge graph. Mutations hold the
// write lock across mutate-then-persist and only publish the new state
// after the backend accepted it.
type Store struct {
	mu    sync.RWMutex
	state *state

	backend       storage.Storage
	logger        *slog.Logger
	recorder      Recorder
	partitionSize int
}

// Open loads the graph from backend. The backend must already be initialized.
func Open(ctx context.Context, backend storage.Storage, opts ...Option) (*Store, error) {
	s := &Store{
		backend:       backend,
		logger:        slog.Default(),
		recorder:      nopRecorder{},
		partitionSize: DefaultPartitionSize,
	}
	for _, opt := range opts {
		opt(s)
	}

	g, err := backend.Load(ctx)
	if err != nil {
		s.logger.Error("Failed to load knowledge graph", "path", backend.Path(), "error", err)
		return nil, err
	}
	st, err := newState(g)
	if err != nil {
		return nil, err
	}
	s.state = st
	s.reportSize()

	s.logger.Info("Knowledge graph loaded",
		"path", backend.Path(),
		"entities", len(st.entities),
		"relations", len(st.relations))

	return s, nil
}

// Close releases the backend
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Close()
}

// Shutdown lets the store be torn down by a DI container
func (s *Store) Shutdown() error {
	return s.Close()
}

// CreateEntities inserts entities whose names are not yet present. Existing
// names, empty names and repeats within the batch are skipped.
func (s *Store) CreateEntities(ctx context.Context, entities []storage.Entity) (created []storage.Entity, err error) {
	defer s.observe("create_entities", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.clone()
	created = []storage.Entity{}
	for _, e := range entities {
		if e.Name == "" {
			continue
		}
		if _, exists := next.index[e.Name]; exists {
			continue
		}
		e = e.Clone()
		next.index[e.Name] = len(next.entities)
		next.entities = append(next.entities, e)
		created = append(created, e.Clone())
	}

	if len(created) == 0 {
		return created, nil
	}
	if err := s.commit(ctx, next); err != nil {
		return nil, err
	}
	return created, nil
}

// CreateRelations inserts relations whose endpoints exist and whose triple is
// new. Anything else is skipped and left out of the result.
func (s *Store) CreateRelations(ctx context.Context, relations []storage.Relation) (created []storage.Relation, err error) {
	defer s.observe("create_relations", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.clone()
	created = []storage.Relation{}
	for _, r := range relations {
		if !next.has(r.From) || !next.has(r.To) {
			continue
		}
		if _, dup := next.relSet[r]; dup {
			continue
		}
		next.relSet[r] = struct{}{}
		next.relations = append(next.relations, r)
		created = append(created, r)
	}

	if len(created) == 0 {
		return created, nil
	}
	if err := s.commit(ctx, next); err != nil {
		return nil, err
	}
	return created, nil
}

// AddObservations appends observations to existing entities. If any entity
// is unknown the whole call fails with NotFound and nothing is applied.
func (s *Store) AddObservations(ctx context.Context, inputs []ObservationInput) (results []ObservationResult, err error) {
	defer s.observe("add_observations", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, in := range inputs {
		if !s.state.has(in.EntityName) {
			return nil, storage.NotFoundf("Entity with name '%s' not found", in.EntityName)
		}
	}

	next := s.state.clone()
	results = make([]ObservationResult, 0, len(inputs))
	changed := false
	for _, in := range inputs {
		idx := next.index[in.EntityName]
		e := next.entities[idx]

		obs := make([]string, 0, len(e.Observations)+len(in.Contents))
		obs = append(obs, e.Observations...)
		obs = append(obs, in.Contents...)
		e.Observations = obs
		next.entities[idx] = e

		added := make([]string, len(in.Contents))
		copy(added, in.Contents)
		results = append(results, ObservationResult{EntityName: in.EntityName, AddedObservations: added})
		changed = changed || len(in.Contents) > 0
	}

	if !changed {
		return results, nil
	}
	if err := s.commit(ctx, next); err != nil {
		return nil, err
	}
	return results, nil
}

// DeleteEntities removes the named entities and every relation touching
// them. Unknown names are ignored. It returns the names actually removed.
func (s *Store) DeleteEntities(ctx context.Context, names []string) (deleted []string, err error) {
	defer s.observe("delete_entities", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	drop := make(map[string]struct{}, len(names))
	deleted = []string{}
	for _, name := range names {
		if _, seen := drop[name]; seen || !s.state.has(name) {
			continue
		}
		drop[name] = struct{}{}
		deleted = append(deleted, name)
	}
	if len(deleted) == 0 {
		return deleted, nil
	}

	cur := s.state
	entities := make([]storage.Entity, 0, len(cur.entities)-len(deleted))
	for _, e := range cur.entities {
		if _, gone := drop[e.Name]; !gone {
			entities = append(entities, e)
		}
	}
	relations := make([]storage.Relation, 0, len(cur.relations))
	for _, r := range cur.relations {
		_, fromGone := drop[r.From]
		_, toGone := drop[r.To]
		if !fromGone && !toGone {
			relations = append(relations, r)
		}
	}

	if err := s.commit(ctx, buildState(entities, relations)); err != nil {
		return nil, err
	}
	return deleted, nil
}

// DeleteObservations removes every occurrence of the given texts. Unknown
// entities and texts are ignored. The result lists, per entity, the texts
// that were present and removed.
func (s *Store) DeleteObservations(ctx context.Context, deletions []ObservationDeletion) (removed []ObservationDeletion, err error) {
	defer s.observe("delete_observations", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.clone()
	removed = []ObservationDeletion{}
	for _, d := range deletions {
		idx, ok := next.index[d.EntityName]
		if !ok {
			continue
		}
		e := next.entities[idx]

		targets := make(map[string]bool, len(d.Observations))
		for _, o := range d.Observations {
			targets[o] = false
		}

		kept := make([]string, 0, len(e.Observations))
		for _, o := range e.Observations {
			if _, hit := targets[o]; hit {
				targets[o] = true
				continue
			}
			kept = append(kept, o)
		}
		if len(kept) == len(e.Observations) {
			continue
		}

		var gone []string
		for _, o := range d.Observations {
			if targets[o] {
				gone = append(gone, o)
				targets[o] = false
			}
		}
		e.Observations = kept
		next.entities[idx] = e
		removed = append(removed, ObservationDeletion{EntityName: d.EntityName, Observations: gone})
	}

	if len(removed) == 0 {
		return removed, nil
	}
	if err := s.commit(ctx, next); err != nil {
		return nil, err
	}
	return removed, nil
}

// DeleteRelations removes exact-match triples; missing ones are ignored
func (s *Store) DeleteRelations(ctx context.Context, relations []storage.Relation) (deleted []storage.Relation, err error) {
	defer s.observe("delete_relations", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	drop := make(map[storage.Relation]struct{}, len(relations))
	deleted = []storage.Relation{}
	for _, r := range relations {
		if _, seen := drop[r]; seen {
			continue
		}
		if _, ok := s.state.relSet[r]; !ok {
			continue
		}
		drop[r] = struct{}{}
		deleted = append(deleted, r)
	}
	if len(deleted) == 0 {
		return deleted, nil
	}

	kept := make([]storage.Relation, 0, len(s.state.relations)-len(deleted))
	for _, r := range s.state.relations {
		if _, gone := drop[r]; !gone {
			kept = append(kept, r)
		}
	}

	if err := s.commit(ctx, buildState(s.state.entities, kept)); err != nil {
		return nil, err
	}
	return deleted, nil
}

// OpenNodes returns the named entities and the relations among them
func (s *Store) OpenNodes(ctx context.Context, names []string) (g *storage.KnowledgeGraph, err error) {
	defer s.observe("open_nodes", time.Now(), &err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	selected := make(map[string]struct{}, len(names))
	entities := []storage.Entity{}
	for _, name := range names {
		idx, ok := s.state.index[name]
		if !ok {
			continue
		}
		if _, dup := selected[name]; dup {
			continue
		}
		selected[name] = struct{}{}
		entities = append(entities, s.state.entities[idx].Clone())
	}

	return &storage.KnowledgeGraph{
		Entities:  entities,
		Relations: s.state.relationsWithin(selected),
	}, nil
}

// ReadGraph returns a copy of the whole graph
func (s *Store) ReadGraph(ctx context.Context) (g *storage.KnowledgeGraph, err error) {
	defer s.observe("read_graph", time.Now(), &err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.state.snapshot().Clone(), nil
}

// commit persists next and publishes it. On failure the current state is
// left untouched. Caller holds the write lock.
func (s *Store) commit(ctx context.Context, next *state) error {
	start := time.Now()
	err := s.backend.Save(ctx, next.snapshot())
	s.recorder.ObserveSave(err, time.Since(start))

	if err != nil {
		s.logger.Error("Failed to persist knowledge graph", "path", s.backend.Path(), "error", err)
		if storage.KindOf(err) != storage.KindPersistence {
			err = storage.Persistencef(err, "failed to save graph")
		}
		return err
	}

	s.state = next
	s.reportSize()
	s.logger.Debug("Knowledge graph saved",
		"entities", len(next.entities),
		"relations", len(next.relations),
		"duration", time.Since(start))
	return nil
}

func (s *Store) reportSize() {
	s.recorder.SetGraphSize(len(s.state.entities), len(s.state.relations), s.state.observationCount())
}

func (s *Store) observe(op string, start time.Time, err *error) {
	s.recorder.ObserveOperation(op, *err, time.Since(start))
}
