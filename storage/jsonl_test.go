package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJSONL(t *testing.T) *JSONLStorage {
	t.Helper()
	s, err := NewJSONLStorage(Config{FilePath: filepath.Join(t.TempDir(), "memory.jsonl")})
	require.NoError(t, err)
	require.NoError(t, s.Initialize())
	return s
}

func sampleGraph() *KnowledgeGraph {
	return &KnowledgeGraph{
		Entities: []Entity{
			{Name: "Alice", EntityType: "person", Observations: []string{"likes tea", "likes tea", "works remotely"}},
			{Name: "Bob", EntityType: "person", Observations: []string{}},
			{Name: "Apollo", EntityType: "project", Observations: []string{"unicode: 日本語 \"quoted\""}},
		},
		Relations: []Relation{
			{From: "Alice", To: "Bob", RelationType: "knows"},
			{From: "Bob", To: "Apollo", RelationType: "works_on"},
			{From: "Alice", To: "Alice", RelationType: "self"},
		},
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestJSONLRoundTrip(t *testing.T) {
	ctx := context.Background()

	for name, graph := range map[string]*KnowledgeGraph{
		"empty":  {Entities: []Entity{}, Relations: []Relation{}},
		"sample": sampleGraph(),
	} {
		t.Run(name, func(t *testing.T) {
			s := newTestJSONL(t)
			require.NoError(t, s.Save(ctx, graph))

			loaded, err := s.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, graph.Entities, loaded.Entities)
			assert.Equal(t, graph.Relations, loaded.Relations)
		})
	}
}

func TestJSONLMissingFileIsEmpty(t *testing.T) {
	s := newTestJSONL(t)

	graph, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, graph.Entities)
	assert.Empty(t, graph.Relations)
}

func TestJSONLSaveWritesEntitiesThenRelations(t *testing.T) {
	s := newTestJSONL(t)
	require.NoError(t, s.Save(context.Background(), sampleGraph()))

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, `{"type":"entity","name":"Bob","entityType":"person","observations":[]}`, lines[1])
	for _, line := range lines[3:] {
		assert.Contains(t, line, `"type":"relation"`)
	}
}

func TestJSONLLoadAcceptsAnyLineOrder(t *testing.T) {
	s := newTestJSONL(t)
	writeFile(t, s.Path(), strings.Join([]string{
		`{"relationType":"knows","to":"B","from":"A","type":"relation"}`,
		``,
		`{"type":"entity","name":"A","entityType":"person","observations":["x"]}`,
		`{"type":"entity","name":"B","entityType":"person"}`,
		`{"type":"relation","from":"A","to":"B","relationType":"knows"}`,
	}, "\n"))

	graph, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, graph.Entities, 2)
	assert.Equal(t, []string{}, graph.Entities[1].Observations)
	assert.Equal(t, []Relation{{From: "A", To: "B", RelationType: "knows"}}, graph.Relations)
}

func TestJSONLLoadRejectsCorruptFiles(t *testing.T) {
	cases := map[string]string{
		"malformed json":    `{"type":"entity","name":"A"`,
		"unknown tag":       `{"type":"thing","name":"A"}`,
		"missing tag":       `{"name":"A","entityType":"person","observations":[]}`,
		"missing name":      `{"type":"entity","entityType":"person","observations":[]}`,
		"missing to":        `{"type":"relation","from":"A","relationType":"knows"}`,
		"duplicate entity":  "{\"type\":\"entity\",\"name\":\"A\",\"entityType\":\"x\"}\n{\"type\":\"entity\",\"name\":\"A\",\"entityType\":\"y\"}",
		"dangling relation": "{\"type\":\"entity\",\"name\":\"A\",\"entityType\":\"x\"}\n{\"type\":\"relation\",\"from\":\"A\",\"to\":\"Z\",\"relationType\":\"knows\"}",
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			s := newTestJSONL(t)
			writeFile(t, s.Path(), content)

			_, err := s.Load(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrCorruptStore)
			assert.Contains(t, err.Error(), s.Path())
		})
	}
}

func TestJSONLLoadReportsLineNumber(t *testing.T) {
	s := newTestJSONL(t)
	writeFile(t, s.Path(), "{\"type\":\"entity\",\"name\":\"A\",\"entityType\":\"x\"}\n\nnot json\n")

	_, err := s.Load(context.Background())
	require.ErrorIs(t, err, ErrCorruptStore)
	assert.Contains(t, err.Error(), ":3")
}

// A crash between writing the temp file and renaming it must leave the
// live file untouched.
func TestJSONLInterruptedSaveKeepsOriginal(t *testing.T) {
	ctx := context.Background()
	s := newTestJSONL(t)

	original := sampleGraph()
	require.NoError(t, s.Save(ctx, original))
	before, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	s.rename = func(oldpath, newpath string) error {
		return errors.New("power cut")
	}

	changed := original.Clone()
	changed.Entities = changed.Entities[:1]
	changed.Relations = []Relation{{From: "Alice", To: "Alice", RelationType: "self"}}

	err = s.Save(ctx, changed)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)

	after, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)

	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file should be removed after a failed save")

	s.rename = os.Rename
	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, original.Entities, loaded.Entities)
	assert.Equal(t, original.Relations, loaded.Relations)
}

func TestJSONLSaveSyncsDirectoryAfterRename(t *testing.T) {
	ctx := context.Background()
	s := newTestJSONL(t)

	var synced []string
	s.syncDir = func(dir string) error {
		_, err := os.Stat(s.Path())
		require.NoError(t, err, "directory must be synced after the rename")
		synced = append(synced, dir)
		return nil
	}
	require.NoError(t, s.Save(ctx, sampleGraph()))
	assert.Equal(t, []string{filepath.Dir(s.Path())}, synced)

	s.syncDir = func(string) error { return errors.New("disk gone") }
	err := s.Save(ctx, sampleGraph())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)

	require.NoError(t, syncDir(filepath.Dir(s.Path())))
}

// A temp file left behind by a killed process is ignored on the next load.
func TestJSONLStrayTempFileIgnored(t *testing.T) {
	ctx := context.Background()
	s := newTestJSONL(t)
	require.NoError(t, s.Save(ctx, sampleGraph()))

	stray := filepath.Join(filepath.Dir(s.Path()), ".memory.jsonl.tmp-123")
	writeFile(t, stray, `{"type":"entity","name":"half`)

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, loaded.Entities, 3)
}

func TestJSONLSaveCancelled(t *testing.T) {
	s := newTestJSONL(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Save(ctx, sampleGraph())
	require.ErrorIs(t, err, ErrPersistence)
	_, statErr := os.Stat(s.Path())
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestJSONLSaveIntoMissingDirectoryFails(t *testing.T) {
	s, err := NewJSONLStorage(Config{FilePath: filepath.Join(t.TempDir(), "nope", "memory.jsonl")})
	require.NoError(t, err)

	err = s.Save(context.Background(), sampleGraph())
	require.ErrorIs(t, err, ErrPersistence)
}
