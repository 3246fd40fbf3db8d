package graph

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memory-graph-go/storage"
)

// memBackend keeps snapshots in memory and can be told to fail saves
type memBackend struct {
	mu       sync.Mutex
	graph    *storage.KnowledgeGraph
	saves    int
	failSave error
}

func (m *memBackend) Initialize() error { return nil }
func (m *memBackend) Close() error      { return nil }
func (m *memBackend) Path() string      { return "mem" }

func (m *memBackend) Load(ctx context.Context) (*storage.KnowledgeGraph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.graph == nil {
		return &storage.KnowledgeGraph{}, nil
	}
	return m.graph.Clone(), nil
}

func (m *memBackend) Save(ctx context.Context, g *storage.KnowledgeGraph) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave != nil {
		return m.failSave
	}
	m.saves++
	m.graph = g.Clone()
	return nil
}

func openMem(t *testing.T) (*Store, *memBackend) {
	t.Helper()
	backend := &memBackend{}
	s, err := Open(context.Background(), backend)
	require.NoError(t, err)
	return s, backend
}

func openJSONL(t *testing.T, path string) *Store {
	t.Helper()
	backend, err := storage.NewJSONLStorage(storage.Config{FilePath: path})
	require.NoError(t, err)
	require.NoError(t, backend.Initialize())
	s, err := Open(context.Background(), backend)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seed(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	_, err := s.CreateEntities(ctx, []storage.Entity{
		{Name: "Alice", EntityType: "person", Observations: []string{"likes tea"}},
		{Name: "Bob", EntityType: "person"},
		{Name: "Carol", EntityType: "person", Observations: []string{"runs", "reads"}},
		{Name: "Apollo", EntityType: "project"},
		{Name: "Gemini", EntityType: "project"},
	})
	require.NoError(t, err)
	_, err = s.CreateRelations(ctx, []storage.Relation{
		{From: "Alice", To: "Bob", RelationType: "knows"},
		{From: "Bob", To: "Carol", RelationType: "knows"},
		{From: "Alice", To: "Apollo", RelationType: "works_on"},
		{From: "Carol", To: "Gemini", RelationType: "works_on"},
		{From: "Apollo", To: "Gemini", RelationType: "depends_on"},
	})
	require.NoError(t, err)
}

func TestCreateEntitiesIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, backend := openMem(t)

	input := []storage.Entity{
		{Name: "Alice", EntityType: "person", Observations: []string{"a"}},
		{Name: "Bob", EntityType: "person"},
	}
	created, err := s.CreateEntities(ctx, input)
	require.NoError(t, err)
	assert.Len(t, created, 2)

	first, err := s.ReadGraph(ctx)
	require.NoError(t, err)

	created, err = s.CreateEntities(ctx, input)
	require.NoError(t, err)
	assert.Empty(t, created)
	assert.Equal(t, 1, backend.saves, "a no-op call must not rewrite the store")

	second, err := s.ReadGraph(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCreateEntitiesSkipsExistingAndBatchRepeats(t *testing.T) {
	ctx := context.Background()
	s, _ := openMem(t)

	_, err := s.CreateEntities(ctx, []storage.Entity{{Name: "Alice", EntityType: "person", Observations: []string{"old"}}})
	require.NoError(t, err)

	created, err := s.CreateEntities(ctx, []storage.Entity{
		{Name: "Alice", EntityType: "robot", Observations: []string{"new"}},
		{Name: "Bob", EntityType: "person"},
		{Name: "Bob", EntityType: "duplicate"},
		{Name: "", EntityType: "nameless"},
	})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "person", created[0].EntityType)
	assert.Equal(t, []string{}, created[0].Observations)

	g, err := s.OpenNodes(ctx, []string{"Alice"})
	require.NoError(t, err)
	require.Len(t, g.Entities, 1)
	assert.Equal(t, "person", g.Entities[0].EntityType)
	assert.Equal(t, []string{"old"}, g.Entities[0].Observations)
}

// Relations with a missing endpoint are skipped, not rejected.
func TestCreateRelationsSkipsMissingEndpoints(t *testing.T) {
	ctx := context.Background()
	s, _ := openMem(t)
	_, err := s.CreateEntities(ctx, []storage.Entity{{Name: "A", EntityType: "x"}, {Name: "B", EntityType: "x"}})
	require.NoError(t, err)

	created, err := s.CreateRelations(ctx, []storage.Relation{
		{From: "A", To: "B", RelationType: "knows"},
		{From: "A", To: "Ghost", RelationType: "knows"},
		{From: "Ghost", To: "B", RelationType: "knows"},
		{From: "A", To: "B", RelationType: "knows"},
	})
	require.NoError(t, err)
	assert.Equal(t, []storage.Relation{{From: "A", To: "B", RelationType: "knows"}}, created)

	again, err := s.CreateRelations(ctx, []storage.Relation{{From: "A", To: "B", RelationType: "knows"}})
	require.NoError(t, err)
	assert.Empty(t, again)

	g, err := s.ReadGraph(ctx)
	require.NoError(t, err)
	assert.Len(t, g.Relations, 1)
}

func TestDeleteEntitiesCascades(t *testing.T) {
	ctx := context.Background()
	s, _ := openMem(t)
	seed(t, s)

	deleted, err := s.DeleteEntities(ctx, []string{"Bob", "Nobody", "Bob"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Bob"}, deleted)

	g, err := s.ReadGraph(ctx)
	require.NoError(t, err)
	assert.Len(t, g.Entities, 4)
	assert.ElementsMatch(t, []storage.Relation{
		{From: "Alice", To: "Apollo", RelationType: "works_on"},
		{From: "Carol", To: "Gemini", RelationType: "works_on"},
		{From: "Apollo", To: "Gemini", RelationType: "depends_on"},
	}, g.Relations)

	// later relations may not reference the deleted entity
	created, err := s.CreateRelations(ctx, []storage.Relation{{From: "Alice", To: "Bob", RelationType: "knows"}})
	require.NoError(t, err)
	assert.Empty(t, created)
}

func TestAddObservations(t *testing.T) {
	ctx := context.Background()
	s, _ := openMem(t)
	seed(t, s)

	results, err := s.AddObservations(ctx, []ObservationInput{
		{EntityName: "Alice", Contents: []string{"likes tea", "plays chess"}},
		{EntityName: "Bob", Contents: []string{"x"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []ObservationResult{
		{EntityName: "Alice", AddedObservations: []string{"likes tea", "plays chess"}},
		{EntityName: "Bob", AddedObservations: []string{"x"}},
	}, results)

	g, err := s.OpenNodes(ctx, []string{"Alice"})
	require.NoError(t, err)
	assert.Equal(t, []string{"likes tea", "likes tea", "plays chess"}, g.Entities[0].Observations)
}

func TestAddObservationsUnknownEntityAppliesNothing(t *testing.T) {
	ctx := context.Background()
	s, backend := openMem(t)
	seed(t, s)
	saves := backend.saves

	_, err := s.AddObservations(ctx, []ObservationInput{
		{EntityName: "Alice", Contents: []string{"new"}},
		{EntityName: "Ghost", Contents: []string{"boo"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Contains(t, err.Error(), "Ghost")
	assert.Equal(t, saves, backend.saves)

	g, err := s.OpenNodes(ctx, []string{"Alice"})
	require.NoError(t, err)
	assert.Equal(t, []string{"likes tea"}, g.Entities[0].Observations)
}

func TestDeleteObservations(t *testing.T) {
	ctx := context.Background()
	s, _ := openMem(t)
	_, err := s.CreateEntities(ctx, []storage.Entity{
		{Name: "Alice", EntityType: "person", Observations: []string{"a", "b", "a", "c"}},
	})
	require.NoError(t, err)

	removed, err := s.DeleteObservations(ctx, []ObservationDeletion{
		{EntityName: "Alice", Observations: []string{"a", "zzz"}},
		{EntityName: "Ghost", Observations: []string{"a"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []ObservationDeletion{{EntityName: "Alice", Observations: []string{"a"}}}, removed)

	g, err := s.OpenNodes(ctx, []string{"Alice"})
	require.NoError(t, err)
	require.Len(t, g.Entities, 1)
	assert.Equal(t, []string{"b", "c"}, g.Entities[0].Observations)
}

func TestDeleteRelations(t *testing.T) {
	ctx := context.Background()
	s, _ := openMem(t)
	seed(t, s)

	deleted, err := s.DeleteRelations(ctx, []storage.Relation{
		{From: "Alice", To: "Bob", RelationType: "knows"},
		{From: "Alice", To: "Bob", RelationType: "hates"},
	})
	require.NoError(t, err)
	assert.Equal(t, []storage.Relation{{From: "Alice", To: "Bob", RelationType: "knows"}}, deleted)

	g, err := s.ReadGraph(ctx)
	require.NoError(t, err)
	assert.Len(t, g.Relations, 4)
	assert.Len(t, g.Entities, 5)
}

func TestOpenNodesClosure(t *testing.T) {
	ctx := context.Background()
	s, _ := openMem(t)
	seed(t, s)

	g, err := s.OpenNodes(ctx, []string{"Alice", "Bob", "Apollo", "Nobody"})
	require.NoError(t, err)
	assert.Len(t, g.Entities, 3)
	assert.ElementsMatch(t, []storage.Relation{
		{From: "Alice", To: "Bob", RelationType: "knows"},
		{From: "Alice", To: "Apollo", RelationType: "works_on"},
	}, g.Relations)
}

func TestFailedSaveRollsBack(t *testing.T) {
	ctx := context.Background()
	s, backend := openMem(t)
	seed(t, s)
	before, err := s.ReadGraph(ctx)
	require.NoError(t, err)

	backend.failSave = errors.New("disk full")

	_, err = s.CreateEntities(ctx, []storage.Entity{{Name: "Dave", EntityType: "person"}})
	assert.ErrorIs(t, err, storage.ErrPersistence)
	_, err = s.CreateRelations(ctx, []storage.Relation{{From: "Bob", To: "Alice", RelationType: "knows"}})
	assert.ErrorIs(t, err, storage.ErrPersistence)
	_, err = s.AddObservations(ctx, []ObservationInput{{EntityName: "Alice", Contents: []string{"x"}}})
	assert.ErrorIs(t, err, storage.ErrPersistence)
	_, err = s.DeleteEntities(ctx, []string{"Alice"})
	assert.ErrorIs(t, err, storage.ErrPersistence)
	_, err = s.DeleteObservations(ctx, []ObservationDeletion{{EntityName: "Alice", Observations: []string{"likes tea"}}})
	assert.ErrorIs(t, err, storage.ErrPersistence)
	_, err = s.DeleteRelations(ctx, []storage.Relation{{From: "Alice", To: "Bob", RelationType: "knows"}})
	assert.ErrorIs(t, err, storage.ErrPersistence)

	after, err := s.ReadGraph(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	backend.failSave = nil
	_, err = s.CreateEntities(ctx, []storage.Entity{{Name: "Dave", EntityType: "person"}})
	require.NoError(t, err)
}

func TestReadGraphReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s, _ := openMem(t)
	seed(t, s)

	g, err := s.ReadGraph(ctx)
	require.NoError(t, err)
	g.Entities[0].Observations[0] = "tampered"
	g.Entities[0].Name = "Mallory"

	again, err := s.ReadGraph(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Alice", again.Entities[0].Name)
	assert.Equal(t, []string{"likes tea"}, again.Entities[0].Observations)
}

func TestStoreSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "memory.jsonl")

	s := openJSONL(t, path)
	seed(t, s)
	_, err := s.AddObservations(ctx, []ObservationInput{{EntityName: "Bob", Contents: []string{"b1", "b1"}}})
	require.NoError(t, err)
	want, err := s.ReadGraph(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened := openJSONL(t, path)
	got, err := reopened.ReadGraph(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestOpenRejectsInvalidSnapshot(t *testing.T) {
	backend := &memBackend{graph: &storage.KnowledgeGraph{
		Entities:  []storage.Entity{{Name: "A", EntityType: "x"}},
		Relations: []storage.Relation{{From: "A", To: "B", RelationType: "knows"}},
	}}
	_, err := Open(context.Background(), backend)
	assert.ErrorIs(t, err, storage.ErrCorruptStore)

	backend.graph = &storage.KnowledgeGraph{
		Entities: []storage.Entity{{Name: "A", EntityType: "x"}, {Name: "A", EntityType: "y"}},
	}
	_, err = Open(context.Background(), backend)
	assert.ErrorIs(t, err, storage.ErrCorruptStore)
}

func TestConcurrentMutationsAndReads(t *testing.T) {
	ctx := context.Background()
	s, _ := openMem(t)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			name := string(rune('a' + i))
			_, err := s.CreateEntities(ctx, []storage.Entity{{Name: name, EntityType: "letter"}})
			assert.NoError(t, err)
			_, err = s.AddObservations(ctx, []ObservationInput{{EntityName: name, Contents: []string{"o"}}})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := s.SearchNodes(ctx, "letter", 0)
			assert.NoError(t, err)
			_, err = s.GetStats(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, stats.Entities)
	assert.Equal(t, 20, stats.Observations)
}
