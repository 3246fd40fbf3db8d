package graph

import (
	"cmp"
	"context"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/elliotchance/pie/v2"
	"golang.org/x/sync/errgroup"

	"memory-graph-go/storage"
)

// Ranking weights
const (
	exactNameWeight        = 4.0
	nameWeight             = 2.0
	typeWeight             = 1.5
	observationWeight      = 1.0
	observationCountWeight = 0.5
	connectivityWeight     = 0.3
)

// cancellation is checked every this many entities
const checkEvery = 64

type hit struct {
	idx   int
	score float64
}

// SearchNodes finds entities whose name, type or observations contain any
// query term, case-insensitively. Entities are ordered by relevance, cut to
// limit when limit > 0, and returned with the relations among them.
func (s *Store) SearchNodes(ctx context.Context, query string, limit int) (g *storage.KnowledgeGraph, err error) {
	defer s.observe("search_nodes", time.Now(), &err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	terms := queryTerms(query)
	if len(terms) == 0 {
		return &storage.KnowledgeGraph{Entities: []storage.Entity{}, Relations: []storage.Relation{}}, nil
	}

	st := s.state
	scores, err := scanEntities(ctx, st.entities, terms, s.partitionSize)
	if err != nil {
		return nil, err
	}

	degree := make(map[string]int, len(st.entities))
	for _, r := range st.relations {
		degree[r.From]++
		if r.To != r.From {
			degree[r.To]++
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hits := make([]hit, 0)
	for idx, h := range scores {
		if h.score == 0 {
			continue
		}
		e := st.entities[idx]
		h.score += observationCountWeight*math.Log1p(float64(len(e.Observations))) +
			connectivityWeight*math.Log1p(float64(degree[e.Name]))
		hits = append(hits, h)
	}

	slices.SortFunc(hits, func(a, b hit) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return strings.Compare(st.entities[a.idx].Name, st.entities[b.idx].Name)
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}

	selected := make(map[string]struct{}, len(hits))
	entities := make([]storage.Entity, 0, len(hits))
	for _, h := range hits {
		e := st.entities[h.idx]
		selected[e.Name] = struct{}{}
		entities = append(entities, e.Clone())
	}

	return &storage.KnowledgeGraph{
		Entities:  entities,
		Relations: st.relationsWithin(selected),
	}, nil
}

// queryTerms lowercases the query and splits it on whitespace
func queryTerms(query string) []string {
	return pie.Unique(strings.Fields(strings.ToLower(query)))
}

// scanEntities scores every entity against terms and returns a map from
// entity index to hit. Large graphs are split into partitions scanned
// concurrently; each partition writes only its own slot so the merge does
// not depend on completion order.
func scanEntities(ctx context.Context, entities []storage.Entity, terms []string, partitionSize int) (map[int]hit, error) {
	if partitionSize <= 0 {
		partitionSize = DefaultPartitionSize
	}

	partitions := (len(entities) + partitionSize - 1) / partitionSize
	slots := make([][]hit, partitions)

	if partitions <= 1 {
		found, err := scanRange(ctx, entities, terms, 0, len(entities))
		if err != nil {
			return nil, err
		}
		slots = [][]hit{found}
	} else {
		eg, egCtx := errgroup.WithContext(ctx)
		for p := range partitions {
			lo := p * partitionSize
			hi := min(lo+partitionSize, len(entities))
			eg.Go(func() error {
				found, err := scanRange(egCtx, entities, terms, lo, hi)
				slots[p] = found
				return err
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}
	}

	scores := make(map[int]hit)
	for _, slot := range slots {
		for _, h := range slot {
			scores[h.idx] = h
		}
	}
	return scores, nil
}

func scanRange(ctx context.Context, entities []storage.Entity, terms []string, lo, hi int) ([]hit, error) {
	var found []hit
	for i := lo; i < hi; i++ {
		if (i-lo)%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if score := scoreEntity(entities[i], terms); score > 0 {
			found = append(found, hit{idx: i, score: score})
		}
	}
	return found, nil
}

// scoreEntity returns 0 when no term matches
func scoreEntity(e storage.Entity, terms []string) float64 {
	name := strings.ToLower(e.Name)
	entityType := strings.ToLower(e.EntityType)
	observations := pie.Map(e.Observations, strings.ToLower)

	score := 0.0
	for _, term := range terms {
		switch {
		case name == term:
			score += exactNameWeight
		case strings.Contains(name, term):
			score += nameWeight
		}
		if strings.Contains(entityType, term) {
			score += typeWeight
		}
		for _, o := range observations {
			if strings.Contains(o, term) {
				score += observationWeight
			}
		}
	}
	return score
}
