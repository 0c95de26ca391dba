package engine

import (
	"github.com/sorashiro/kioku/internal/store"
)

func hasRelation(m *store.Memory, targetID string) bool {
	for _, r := range m.Relations {
		if r.ID == targetID {
			return true
		}
	}
	return false
}

// addRelationCapped appends a relation, evicting the edge whose target has
// the lowest retention score when the fan-out cap is full. scoreOf resolves
// a target id to its current score; unknown targets score 0 and are evicted
// first. Returns the new slice and whether the relation was added.
func addRelationCapped(m *store.Memory, rel store.Relation, maxRelations int, scoreOf func(id string) float64) ([]store.Relation, bool) {
	if hasRelation(m, rel.ID) {
		return m.Relations, false
	}

	relations := m.Relations
	if len(relations) >= maxRelations {
		lowest := -1
		lowestScore := 0.0
		for i, r := range relations {
			s := scoreOf(r.ID)
			if lowest < 0 || s < lowestScore {
				lowest = i
				lowestScore = s
			}
		}
		if lowestScore >= scoreOf(rel.ID) {
			return relations, false
		}
		relations = append(relations[:lowest], relations[lowest+1:]...)
	}

	return append(relations, rel), true
}
