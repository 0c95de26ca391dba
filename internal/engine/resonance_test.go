package engine

import (
	"testing"

	"github.com/sorashiro/kioku/internal/config"
	"github.com/sorashiro/kioku/internal/store"
)

func TestResonance(t *testing.T) {
	cfg := config.Default().Resonance

	mem := &store.Memory{
		EmotionalValence: "positive",
		EmotionalArousal: 60,
		EmotionalTags:    []string{"喜び", "期待"},
	}

	cases := []struct {
		name    string
		current *Emotion
		want    float64
	}{
		{"nil emotion", nil, 0},
		{"perfect match", &Emotion{Valence: "positive", Arousal: 60, Tags: []string{"喜び", "期待"}}, 1.0},
		{"valence only", &Emotion{Valence: "positive", Arousal: 160}, 0.3 + 0.2*(1-1.0)},
		{"arousal proximity", &Emotion{Valence: "negative", Arousal: 50}, 0.2 * 0.9},
		{"half tag overlap", &Emotion{Valence: "negative", Arousal: 160, Tags: []string{"喜び"}}, 0.5 * 0.5},
		{"no overlap no match", &Emotion{Valence: "negative", Arousal: 160, Tags: []string{"不安"}}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Resonance(mem, tc.current, cfg); !approx(got, tc.want, 1e-9) {
				t.Errorf("resonance = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestResonanceEmptyTagSets(t *testing.T) {
	cfg := config.Default().Resonance
	mem := &store.Memory{EmotionalValence: "neutral", EmotionalArousal: 0}

	got := Resonance(mem, &Emotion{Valence: "neutral", Arousal: 0, Tags: []string{"不安"}}, cfg)
	if !approx(got, 0.5, 1e-9) {
		t.Errorf("resonance = %v, want 0.5 with no tag bonus", got)
	}
}
