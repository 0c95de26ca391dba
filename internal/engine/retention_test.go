package engine

import (
	"math"
	"testing"

	"github.com/sorashiro/kioku/internal/config"
)

func TestInitialDecayCoefficient(t *testing.T) {
	cfg := config.Default().Retention

	cases := []struct {
		category  string
		intensity int
		want      float64
	}{
		{"work", 45, 0.8815},
		{"work", 0, 0.85},
		{"work", 100, 0.92},
		{"casual", 50, 0.75},
		{"emotional", 100, 0.999},
		{"unknown", 45, 0.8815}, // falls back to the work range
	}
	for _, tc := range cases {
		got := InitialDecayCoefficient(cfg, tc.category, tc.intensity)
		if !approx(got, tc.want, 1e-9) {
			t.Errorf("coeff(%s, %d) = %v, want %v", tc.category, tc.intensity, got, tc.want)
		}
	}
}

func TestRetentionScore(t *testing.T) {
	if got := RetentionScore(45, 0.8815, 0); got != 45 {
		t.Errorf("zero days = %v, want 45", got)
	}
	if got := RetentionScore(45, 0.8815, 1.375); !approx(got, 38.4, 0.1) {
		t.Errorf("one aged day = %v, want ≈38.4", got)
	}
	if got := RetentionScore(0, 0.9, 10); got != 0 {
		t.Errorf("zero intensity = %v, want 0", got)
	}
	if got := RetentionScore(100, 0, 10); got != 0 {
		t.Errorf("zero coeff = %v, want 0", got)
	}

	// Huge ages decay toward zero without going NaN or negative.
	got := RetentionScore(100, 0.70, 100000)
	if math.IsNaN(got) || got < 0 {
		t.Errorf("extreme age = %v", got)
	}
}

func TestLevelFor(t *testing.T) {
	cfg := config.Default().Levels

	cases := []struct {
		score float64
		want  int
	}{
		{100, Level1},
		{50.01, Level1},
		{50, Level2}, // thresholds are strict
		{20.01, Level2},
		{20, Level3},
		{5.01, Level3},
		{5, LevelArchive},
		{0, LevelArchive},
	}
	for _, tc := range cases {
		if got := LevelFor(tc.score, cfg); got != tc.want {
			t.Errorf("LevelFor(%v) = %d, want %d", tc.score, got, tc.want)
		}
	}
}
