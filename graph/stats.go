package graph

import (
	"context"
	"time"

	"github.com/elliotchance/pie/v2"
)

// Stats summarises the current graph
type Stats struct {
	Entities      int            `json:"entities"`
	Relations     int            `json:"relations"`
	Observations  int            `json:"observations"`
	EntityTypes   map[string]int `json:"entityTypes"`
	RelationTypes map[string]int `json:"relationTypes"`
}

// TopEntityTypes returns entity types ordered by count, then name
func (st Stats) TopEntityTypes() []string {
	return pie.SortUsing(pie.Keys(st.EntityTypes), func(a, b string) bool {
		if st.EntityTypes[a] != st.EntityTypes[b] {
			return st.EntityTypes[a] > st.EntityTypes[b]
		}
		return a < b
	})
}

// GetStats recomputes counts from the current graph on every call
func (s *Store) GetStats(ctx context.Context) (stats Stats, err error) {
	defer s.observe("get_stats", time.Now(), &err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}

	st := s.state
	stats = Stats{
		Entities:      len(st.entities),
		Relations:     len(st.relations),
		EntityTypes:   make(map[string]int),
		RelationTypes: make(map[string]int),
	}
	for _, e := range st.entities {
		stats.Observations += len(e.Observations)
		stats.EntityTypes[e.EntityType]++
	}
	for _, r := range st.relations {
		stats.RelationTypes[r.RelationType]++
	}
	return stats, nil
}
