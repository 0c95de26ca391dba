package engine

import (
	"math"

	"github.com/sorashiro/kioku/internal/config"
)

// Memory tier levels. Level 4 means archived.
const (
	Level1       = 1
	Level2       = 2
	Level3       = 3
	LevelArchive = 4
)

// InitialDecayCoefficient interpolates the decay coefficient within the
// category's range by emotional intensity. Higher intensity decays slower.
func InitialDecayCoefficient(cfg config.RetentionConfig, category string, intensity int) float64 {
	r, ok := cfg.DecayByCategory[category]
	if !ok {
		r = config.DecayRange{Min: 0.85, Max: 0.92}
	}
	return r.Min + (r.Max-r.Min)*float64(intensity)/100.0
}

// RetentionScore computes intensity × coeff^days via exp/ln so large day
// counts neither overflow nor go NaN. A non-positive coefficient scores 0.
func RetentionScore(intensity int, coeff, days float64) float64 {
	if coeff <= 0 {
		return 0
	}
	return float64(intensity) * math.Exp(days*math.Log(coeff))
}

// LevelFor classifies a retention score into its natural tier:
// L1 above the level-1 threshold, down to archive at or below level 3's.
func LevelFor(score float64, cfg config.LevelsConfig) int {
	switch {
	case score > cfg.Level1Threshold:
		return Level1
	case score > cfg.Level2Threshold:
		return Level2
	case score > cfg.Level3Threshold:
		return Level3
	default:
		return LevelArchive
	}
}
