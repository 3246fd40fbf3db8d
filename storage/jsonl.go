package storage

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/samber/oops"
)

// JSONLStorage keeps the graph in a JSON Lines file, one record per line.
// Every Save rewrites the whole file through a temp file and a rename.
type JSONLStorage struct {
	path string

	// swapped in tests to simulate a crash around the swap
	rename  func(oldpath, newpath string) error
	syncDir func(dir string) error
}

// NewJSONLStorage creates a new JSONL storage instance
func NewJSONLStorage(config Config) (*JSONLStorage, error) {
	if config.FilePath == "" {
		return nil, oops.In("jsonl").Errorf("file path is required")
	}
	return &JSONLStorage{
		path:    config.FilePath,
		rename:  os.Rename,
		syncDir: syncDir,
	}, nil
}

// Initialize ensures the parent directory exists
func (s *JSONLStorage) Initialize() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return oops.In("jsonl").With("path", s.path).Wrapf(err, "failed to create directory")
	}
	return nil
}

// Close is a no-op; the file is only open during Load and Save
func (s *JSONLStorage) Close() error {
	return nil
}

func (s *JSONLStorage) Path() string {
	return s.path
}

// Load reads the whole file. A missing file is an empty graph; any line
// that does not decode fails the load with a CorruptStore error.
func (s *JSONLStorage) Load(ctx context.Context) (*KnowledgeGraph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &KnowledgeGraph{Entities: []Entity{}, Relations: []Relation{}}, nil
	}
	if err != nil {
		return nil, Persistencef(oops.In("jsonl").With("path", s.path).Wrap(err), "failed to open %s", s.path)
	}
	defer f.Close()

	return decodeGraph(bufio.NewReader(f), s.path)
}

type relationAt struct {
	rel  Relation
	line int
}

func decodeGraph(r *bufio.Reader, path string) (*KnowledgeGraph, error) {
	graph := &KnowledgeGraph{Entities: []Entity{}, Relations: []Relation{}}
	names := make(map[string]int)
	var pending []relationAt

	for lineNo := 1; ; lineNo++ {
		line, readErr := r.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, Persistencef(readErr, "failed to read %s", path)
		}

		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			rec, err := DecodeRecord(trimmed)
			if err != nil {
				return nil, CorruptStoref(err, "%s:%d", path, lineNo)
			}
			switch v := rec.(type) {
			case Entity:
				if first, dup := names[v.Name]; dup {
					return nil, CorruptStoref(nil, "%s:%d: duplicate entity %q (first defined on line %d)", path, lineNo, v.Name, first)
				}
				names[v.Name] = lineNo
				graph.Entities = append(graph.Entities, v)
			case Relation:
				pending = append(pending, relationAt{rel: v, line: lineNo})
			}
		}

		if errors.Is(readErr, io.EOF) {
			break
		}
	}

	// Relations may precede their endpoints in the file, so they are
	// checked once every entity is known.
	seen := make(map[Relation]struct{}, len(pending))
	for _, p := range pending {
		if _, ok := names[p.rel.From]; !ok {
			return nil, CorruptStoref(nil, "%s:%d: relation source %q does not exist", path, p.line, p.rel.From)
		}
		if _, ok := names[p.rel.To]; !ok {
			return nil, CorruptStoref(nil, "%s:%d: relation target %q does not exist", path, p.line, p.rel.To)
		}
		if _, dup := seen[p.rel]; dup {
			continue
		}
		seen[p.rel] = struct{}{}
		graph.Relations = append(graph.Relations, p.rel)
	}

	return graph, nil
}

// Save writes all entities then all relations to a temp file in the same
// directory, syncs it and renames it over the target.
func (s *JSONLStorage) Save(ctx context.Context, g *KnowledgeGraph) (err error) {
	if err := ctx.Err(); err != nil {
		return Persistencef(err, "save cancelled")
	}

	errb := oops.In("jsonl").With("path", s.path)
	dir := filepath.Dir(s.path)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return Persistencef(errb.Wrap(err), "failed to create temp file")
	}
	tmpPath := tmp.Name()

	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	w := bufio.NewWriter(tmp)
	if err := encodeGraph(w, g); err != nil {
		return Persistencef(errb.Wrap(err), "failed to write snapshot")
	}
	if err := w.Flush(); err != nil {
		return Persistencef(errb.Wrap(err), "failed to write snapshot")
	}
	if err := tmp.Sync(); err != nil {
		return Persistencef(errb.Wrap(err), "failed to sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return Persistencef(errb.Wrap(err), "failed to close temp file")
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return Persistencef(errb.Wrap(err), "failed to set permissions")
	}
	if err := s.rename(tmpPath, s.path); err != nil {
		return Persistencef(errb.With("temp", tmpPath).Wrap(err), "failed to replace %s", s.path)
	}
	// the rename is only durable once the directory entry is on disk
	if err := s.syncDir(dir); err != nil {
		return Persistencef(errb.Wrap(err), "failed to sync directory %s", dir)
	}

	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return err
	}
	return d.Close()
}

func encodeGraph(w io.Writer, g *KnowledgeGraph) error {
	for _, e := range g.Entities {
		if err := writeRecord(w, e); err != nil {
			return err
		}
	}
	for _, r := range g.Relations {
		if err := writeRecord(w, r); err != nil {
			return err
		}
	}
	return nil
}

func writeRecord(w io.Writer, r Record) error {
	line, err := EncodeRecord(r)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = w.Write(line)
	return err
}
