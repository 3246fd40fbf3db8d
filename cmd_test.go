package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memory-graph-go/graph"
)

const sampleMemory = `{"type":"entity","name":"Alice Smith","entityType":"person","observations":["likes tea"]}
{"type":"entity","name":"Apollo","entityType":"project","observations":[]}
{"type":"relation","from":"Alice Smith","to":"Apollo","relationType":"works_on"}
`

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("MEMORY_FILE_PATH", "")
	t.Setenv("MEMORY_STORAGE", "")
	t.Setenv("MEMORY_LOG_LEVEL", "error")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := runCmd(t, "version")
	require.NoError(t, err)
	assert.Equal(t, appName+" version "+version+"\n", out)
}

func TestStatsCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(sampleMemory), 0o644))

	out, err := runCmd(t, "stats", "-m", path)
	require.NoError(t, err)

	var stats graph.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 2, stats.Entities)
	assert.Equal(t, 1, stats.Relations)
	assert.Equal(t, 1, stats.Observations)
	assert.Equal(t, map[string]int{"works_on": 1}, stats.RelationTypes)
}

func TestStatsCommandDoesNotMigrateOrCreate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "m.jsonl"), []byte(sampleMemory), 0o644))
	db := filepath.Join(dir, "m.db")

	out, err := runCmd(t, "stats", "--memory", db)
	require.NoError(t, err)
	assert.NoFileExists(t, db)

	var stats graph.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Zero(t, stats.Entities)
	assert.Zero(t, stats.Relations)
}

func TestStatsCommandRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"widget"}`+"\n"), 0o644))

	_, err := runCmd(t, "stats", "-m", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt_store")
}

func TestMigrateCommand(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "memory.jsonl")
	dst := filepath.Join(dir, "memory.db")
	require.NoError(t, os.WriteFile(src, []byte(sampleMemory), 0o644))

	out, err := runCmd(t, "migrate", "--from", src, "--to", dst, "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "Dry run: would migrate 2 entities and 1 relations")
	assert.NoFileExists(t, dst)

	out, err = runCmd(t, "migrate", "--from", src, "--to", dst)
	require.NoError(t, err)
	assert.Contains(t, out, "Migrated 2 entities and 1 relations")
	assert.FileExists(t, dst)

	out, err = runCmd(t, "stats", "-m", dst)
	require.NoError(t, err)
	var stats graph.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 2, stats.Entities)

	_, err = runCmd(t, "migrate", "--from", src, "--to", dst)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}
