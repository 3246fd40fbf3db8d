package graph

import (
	"memory-graph-go/storage"
)

// state is an immutable view of the graph once published. Mutations work on
// a clone and never write into slices shared with the published state.
type state struct {
	entities  []storage.Entity
	index     map[string]int
	relations []storage.Relation
	relSet    map[storage.Relation]struct{}
}

// newState indexes a loaded snapshot and rejects graphs that break the
// unique-name or endpoint invariants.
func newState(g *storage.KnowledgeGraph) (*state, error) {
	st := buildState(g.Entities, nil)
	if len(st.index) != len(g.Entities) {
		for i, e := range g.Entities {
			if st.index[e.Name] != i {
				return nil, storage.CorruptStoref(nil, "duplicate entity %q", e.Name)
			}
		}
	}
	for _, r := range g.Relations {
		if !st.has(r.From) || !st.has(r.To) {
			return nil, storage.CorruptStoref(nil, "relation %s -> %s (%s) references a missing entity", r.From, r.To, r.RelationType)
		}
		if _, dup := st.relSet[r]; dup {
			continue
		}
		st.relSet[r] = struct{}{}
		st.relations = append(st.relations, r)
	}
	return st, nil
}

func buildState(entities []storage.Entity, relations []storage.Relation) *state {
	st := &state{
		entities:  entities,
		index:     make(map[string]int, len(entities)),
		relations: relations,
		relSet:    make(map[storage.Relation]struct{}, len(relations)),
	}
	if st.entities == nil {
		st.entities = []storage.Entity{}
	}
	if st.relations == nil {
		st.relations = []storage.Relation{}
	}
	for i, e := range entities {
		if _, dup := st.index[e.Name]; !dup {
			st.index[e.Name] = i
		}
	}
	for _, r := range relations {
		st.relSet[r] = struct{}{}
	}
	return st
}

// clone copies the containers; observation slices stay shared and must be
// replaced, not appended to, by the caller.
func (st *state) clone() *state {
	next := &state{
		entities:  make([]storage.Entity, len(st.entities), len(st.entities)+1),
		index:     make(map[string]int, len(st.index)),
		relations: make([]storage.Relation, len(st.relations), len(st.relations)+1),
		relSet:    make(map[storage.Relation]struct{}, len(st.relSet)),
	}
	copy(next.entities, st.entities)
	copy(next.relations, st.relations)
	for k, v := range st.index {
		next.index[k] = v
	}
	for k := range st.relSet {
		next.relSet[k] = struct{}{}
	}
	return next
}

func (st *state) has(name string) bool {
	_, ok := st.index[name]
	return ok
}

// snapshot shares memory with the state; callers must not modify it
func (st *state) snapshot() *storage.KnowledgeGraph {
	return &storage.KnowledgeGraph{Entities: st.entities, Relations: st.relations}
}

// relationsWithin returns the relations whose endpoints are both in names
func (st *state) relationsWithin(names map[string]struct{}) []storage.Relation {
	out := []storage.Relation{}
	for _, r := range st.relations {
		_, from := names[r.From]
		_, to := names[r.To]
		if from && to {
			out = append(out, r)
		}
	}
	return out
}

func (st *state) observationCount() int {
	n := 0
	for _, e := range st.entities {
		n += len(e.Observations)
	}
	return n
}
