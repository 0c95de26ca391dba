package engine

import (
	"math"

	"github.com/sorashiro/kioku/internal/config"
	"github.com/sorashiro/kioku/internal/store"
)

// Emotion is the current emotional context supplied at retrieval time.
type Emotion struct {
	Valence string
	Arousal int
	Tags    []string
}

// Resonance scores how strongly a memory's affect profile matches the
// current emotion: valence match + arousal proximity + tag overlap.
func Resonance(m *store.Memory, current *Emotion, cfg config.ResonanceConfig) float64 {
	if current == nil {
		return 0
	}

	score := 0.0

	if m.EmotionalValence == current.Valence {
		score += cfg.ValenceMatchBonus
	}

	arousalDiff := math.Abs(float64(m.EmotionalArousal-current.Arousal)) / 100.0
	score += math.Max(0, cfg.ArousalProximityBonus*(1-arousalDiff))

	if len(m.EmotionalTags) > 0 && len(current.Tags) > 0 {
		memTags := make(map[string]bool, len(m.EmotionalTags))
		for _, tag := range m.EmotionalTags {
			memTags[tag] = true
		}
		overlap := 0
		for _, tag := range current.Tags {
			if memTags[tag] {
				overlap++
			}
		}
		denom := len(m.EmotionalTags)
		if len(current.Tags) > denom {
			denom = len(current.Tags)
		}
		score += float64(overlap) / float64(denom) * cfg.TagsOverlapWeight
	}

	return score
}
