package engine

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/sorashiro/kioku/internal/config"
	"github.com/sorashiro/kioku/internal/llm"
	"github.com/sorashiro/kioku/internal/store"
)

// BatchResult reports what one batch invocation did, phase by phase.
type BatchResult struct {
	Executed      bool   `json:"executed"`
	SkippedReason string `json:"skipped_reason,omitempty"`

	RecalledProcessed int `json:"recalled_processed"`
	DaysUpdated       int `json:"days_updated"`
	ScoresUpdated     int `json:"scores_updated"`
	L1ToL2            int `json:"l1_to_l2"`
	L2ToL3            int `json:"l2_to_l3"`
	L3ToL4            int `json:"l3_to_l4"`
	Revived           int `json:"revived"`
	L1Forced          int `json:"l1_forced"`
	L2Forced          int `json:"l2_forced"`
	L3Forced          int `json:"l3_forced"`
	RelationsNew      int `json:"relations_new"`
	RelationsUpdated  int `json:"relations_updated"`
	Deleted           int `json:"deleted"`
}

// RunBatch executes the daily maintenance pass: recall reinforcement and
// aging, rescoring, threshold compression, archive revival, ratio
// enforcement, relation maintenance, and archive pruning. Repeat
// invocations within the configured interval are no-ops unless forced.
func (e *Engine) RunBatch(ctx context.Context, force bool) (*BatchResult, error) {
	now := e.now()
	result := &BatchResult{}

	lastRun, err := e.lastBatchRun()
	if err != nil {
		return nil, fmt.Errorf("batch: %w", err)
	}
	interval := time.Duration(e.Config.Compression.IntervalHours) * time.Hour
	if !force && !lastRun.IsZero() && now.Sub(lastRun) < interval {
		result.SkippedReason = "interval_not_elapsed"
		return result, nil
	}

	if err := e.reinforceAndAge(result); err != nil {
		return result, fmt.Errorf("batch: reinforce: %w", err)
	}
	if err := e.rescore(result); err != nil {
		return result, fmt.Errorf("batch: rescore: %w", err)
	}
	reembedded, err := e.thresholdCompression(ctx, now, result)
	if err != nil {
		return result, fmt.Errorf("batch: compression: %w", err)
	}
	if err := e.reviveArchived(now, result); err != nil {
		return result, fmt.Errorf("batch: revival: %w", err)
	}
	forcedReembeds, err := e.enforceRatios(ctx, now, result)
	if err != nil {
		return result, fmt.Errorf("batch: ratios: %w", err)
	}
	for id := range forcedReembeds {
		reembedded[id] = true
	}
	if err := e.maintainRelations(lastRun, reembedded, result); err != nil {
		return result, fmt.Errorf("batch: relations: %w", err)
	}
	if err := e.pruneArchive(now, result); err != nil {
		return result, fmt.Errorf("batch: pruning: %w", err)
	}

	if err := e.DB.SetState(StateLastCompressionRun, now.Format(time.RFC3339)); err != nil {
		return result, fmt.Errorf("batch: %w", err)
	}
	result.Executed = true
	return result, nil
}

func (e *Engine) lastBatchRun() (time.Time, error) {
	raw, err := e.DB.GetState(StateLastCompressionRun)
	if err != nil || raw == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		log.Printf("unreadable %s %q, treating as never", StateLastCompressionRun, raw)
		return time.Time{}, nil
	}
	return t, nil
}

// reinforceAndAge halves the age and boosts the decay coefficient of every
// recalled active record, ages the rest by one day, and consumes the
// recall flags. Archived records are untouched.
func (e *Engine) reinforceAndAge(result *BatchResult) error {
	return e.DB.Transaction(func(tx *store.Tx) error {
		active, err := tx.GetActive()
		if err != nil {
			return err
		}
		for _, m := range active {
			if m.RecalledSinceLastBatch {
				coeff := m.DecayCoefficient + e.Config.Recall.DecayCoefficientBoost
				if coeff > e.Config.Retention.MaxDecayCoefficient {
					coeff = e.Config.Retention.MaxDecayCoefficient
				}
				err = tx.Update(m.ID, map[string]any{
					"memory_days":               m.MemoryDays * e.Config.Recall.MemoryDaysReduction,
					"decay_coefficient":         coeff,
					"recall_count":              m.RecallCount + 1,
					"recalled_since_last_batch": false,
				})
				if err != nil {
					return err
				}
				result.RecalledProcessed++
			} else {
				if err := tx.Update(m.ID, map[string]any{"memory_days": m.MemoryDays + 1.0}); err != nil {
					return err
				}
				result.DaysUpdated++
			}
		}
		return nil
	})
}

// rescore recomputes retention_score for every active record from its
// current age and coefficient.
func (e *Engine) rescore(result *BatchResult) error {
	return e.DB.Transaction(func(tx *store.Tx) error {
		active, err := tx.GetActive()
		if err != nil {
			return err
		}
		for _, m := range active {
			score := RetentionScore(m.EmotionalIntensity, m.DecayCoefficient, m.MemoryDays)
			if err := tx.Update(m.ID, map[string]any{"retention_score": score}); err != nil {
				return err
			}
			result.ScoresUpdated++
		}
		return nil
	})
}

// transition is one planned level change for a single record, with any
// provider results already resolved.
type transition struct {
	id      string
	updates map[string]any
	l1ToL2  int
	l2ToL3  int
	l3ToL4  int
	reembed bool
}

// compressTo runs the stepwise level transitions from m's current level
// down to target, calling the provider for each text compression. A failed
// provider call stops the chain; completed steps still apply, so the
// record resumes from its new level next batch. Returns nil when no step
// succeeded.
func (e *Engine) compressTo(ctx context.Context, m *store.Memory, target int, now time.Time) *transition {
	t := &transition{id: m.ID, updates: map[string]any{}}
	level := m.CurrentLevel
	trigger, content := m.Trigger, m.Content
	textChanged := false

steps:
	for level < target {
		switch level {
		case Level1:
			c, err := e.summarize(ctx, trigger, content)
			if err != nil {
				log.Printf("summarize %s: %v", m.ID, err)
				break steps
			}
			trigger, content = c.Trigger, c.Content
			level = Level2
			textChanged = true
			t.l1ToL2++
		case Level2:
			c, err := e.extractKeywords(ctx, trigger, content)
			if err != nil {
				log.Printf("extract keywords %s: %v", m.ID, err)
				break steps
			}
			trigger, content = c.Trigger, c.Content
			level = Level3
			textChanged = true
			t.l2ToL3++
		case Level3:
			t.updates["archived_at"] = now
			level = LevelArchive
			t.l3ToL4++
		default:
			break steps
		}
	}

	if level == m.CurrentLevel {
		return nil
	}
	t.updates["current_level"] = level
	if textChanged {
		t.updates["trigger"] = trigger
		t.updates["content"] = content
		callCtx, cancel := context.WithTimeout(ctx, providerTimeout)
		vec, err := e.Embedder.Embed(callCtx, trigger+" "+content)
		cancel()
		if err != nil {
			// Keep the stale embedding rather than losing the record
			// from similarity search.
			log.Printf("re-embed %s: %v", m.ID, err)
		} else {
			t.updates["embedding"] = vec
			t.reembed = true
		}
	}
	return t
}

func (e *Engine) summarize(ctx context.Context, trigger, content string) (*llm.Compressed, error) {
	callCtx, cancel := context.WithTimeout(ctx, providerTimeout)
	defer cancel()
	return llm.Summarize(callCtx, e.LLM, trigger, content)
}

func (e *Engine) extractKeywords(ctx context.Context, trigger, content string) (*llm.Compressed, error) {
	callCtx, cancel := context.WithTimeout(ctx, providerTimeout)
	defer cancel()
	return llm.ExtractKeywords(callCtx, e.LLM, trigger, content)
}

func (t *transition) apply(tx *store.Tx, result *BatchResult) error {
	if err := tx.Update(t.id, t.updates); err != nil {
		return err
	}
	result.L1ToL2 += t.l1ToL2
	result.L2ToL3 += t.l2ToL3
	result.L3ToL4 += t.l3ToL4
	return nil
}

// thresholdCompression demotes every non-protected active record whose
// natural level fell below its stored level, cascading transitions down to
// the natural level. Provider calls happen before the transaction opens.
// Returns the set of ids whose embedding was regenerated.
func (e *Engine) thresholdCompression(ctx context.Context, now time.Time, result *BatchResult) (map[string]bool, error) {
	reembedded := map[string]bool{}

	active, err := e.DB.GetActive()
	if err != nil {
		return reembedded, err
	}

	var transitions []*transition
	for i := range active {
		m := &active[i]
		if m.Protected {
			continue
		}
		natural := LevelFor(m.RetentionScore, e.Config.Levels)
		if natural <= m.CurrentLevel {
			continue
		}
		if t := e.compressTo(ctx, m, natural, now); t != nil {
			transitions = append(transitions, t)
			if t.reembed {
				reembedded[t.id] = true
			}
		}
	}
	if len(transitions) == 0 {
		return reembedded, nil
	}

	err = e.DB.Transaction(func(tx *store.Tx) error {
		for _, t := range transitions {
			if err := t.apply(tx, result); err != nil {
				return err
			}
		}
		return nil
	})
	return reembedded, err
}

// reviveArchived processes revival requests oldest-first, admitting each
// only while the projected Level 3 share stays at or below the cap.
func (e *Engine) reviveArchived(now time.Time, result *BatchResult) error {
	return e.DB.Transaction(func(tx *store.Tx) error {
		archived, err := tx.GetArchived()
		if err != nil {
			return err
		}

		var candidates []store.Memory
		for _, m := range archived {
			if m.RevivalRequested {
				candidates = append(candidates, m)
			}
		}
		if len(candidates) == 0 {
			return nil
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			ti, tj := candidates[i].RevivalRequestedAt, candidates[j].RevivalRequestedAt
			switch {
			case ti == nil:
				return false
			case tj == nil:
				return true
			default:
				return ti.Before(*tj)
			}
		})

		active, err := tx.GetActive()
		if err != nil {
			return err
		}
		level3 := 0
		nonProtectedActive := 0
		for _, m := range active {
			if m.Protected {
				continue
			}
			nonProtectedActive++
			if m.CurrentLevel == Level3 {
				level3++
			}
		}

		for _, m := range candidates {
			if float64(level3+1)/float64(nonProtectedActive+1) > e.Config.Archive.RevivalMaxLevel3Ratio {
				// Over the cap: drop the request for this cycle.
				if err := tx.Update(m.ID, map[string]any{"revival_requested": false}); err != nil {
					return err
				}
				continue
			}

			archivedDays := ageDays(now, *m.ArchivedAt)
			score := float64(m.EmotionalIntensity) * math.Pow(e.Config.Archive.RevivalDecayPerDay, float64(archivedDays))
			floor := e.Config.Levels.Level3Threshold + e.Config.Archive.RevivalMinMargin
			if score < floor {
				score = floor
			}

			err := tx.Update(m.ID, map[string]any{
				"archived_at":               nil,
				"current_level":             Level3,
				"revival_requested":         false,
				"revival_requested_at":      nil,
				"recalled_since_last_batch": true,
				"recall_count":              m.RecallCount + 1,
				"retention_score":           score,
				"memory_days":               daysForScore(score, m.EmotionalIntensity, m.DecayCoefficient),
			})
			if err != nil {
				return err
			}
			level3++
			nonProtectedActive++
			result.Revived++
		}
		return nil
	})
}

// daysForScore inverts the retention curve so a directly assigned score
// stays consistent with the record's age on the next rescore.
func daysForScore(score float64, intensity int, coeff float64) float64 {
	if intensity <= 0 || coeff <= 0 || coeff >= 1 || score <= 0 {
		return 0
	}
	days := math.Log(score/float64(intensity)) / math.Log(coeff)
	if days < 0 || math.IsNaN(days) {
		return 0
	}
	return days
}

// enforceRatios demotes the excess of each tier above its quota, worst
// records first, letting demotions feed the next tier down. Quotas are
// fixed against the non-protected population counted at phase start.
func (e *Engine) enforceRatios(ctx context.Context, now time.Time, result *BatchResult) (map[string]bool, error) {
	reembedded := map[string]bool{}

	all, err := e.DB.GetAll()
	if err != nil {
		return reembedded, err
	}

	population := 0
	byLevel := map[int][]store.Memory{}
	for _, m := range all {
		if m.Protected {
			continue
		}
		population++
		if !m.Archived() {
			byLevel[m.CurrentLevel] = append(byLevel[m.CurrentLevel], m)
		}
	}

	quotas := map[int]float64{
		Level1: float64(population) * config.Level1Ratio,
		Level2: float64(population) * config.Level2Ratio,
		Level3: float64(population) * config.Level3Ratio,
	}

	var transitions []*transition
	forced := map[int]int{}
	for _, level := range []int{Level1, Level2, Level3} {
		tier := byLevel[level]
		excess := int(math.Floor(float64(len(tier)) - quotas[level]))
		if excess <= 0 {
			continue
		}

		sort.SliceStable(tier, func(i, j int) bool {
			if tier[i].RetentionScore != tier[j].RetentionScore {
				return tier[i].RetentionScore < tier[j].RetentionScore
			}
			if !tier[i].Created.Equal(tier[j].Created) {
				return tier[i].Created.Before(tier[j].Created)
			}
			return tier[i].RecallCount < tier[j].RecallCount
		})

		for _, m := range tier[:excess] {
			t := e.compressTo(ctx, &m, level+1, now)
			if t == nil {
				continue
			}
			transitions = append(transitions, t)
			if t.reembed {
				reembedded[t.id] = true
			}
			forced[level]++
			if level < Level3 {
				demoted := m
				demoted.CurrentLevel = level + 1
				if trg, ok := t.updates["trigger"].(string); ok {
					demoted.Trigger = trg
				}
				if c, ok := t.updates["content"].(string); ok {
					demoted.Content = c
				}
				byLevel[level+1] = append(byLevel[level+1], demoted)
			}
		}
	}
	if len(transitions) == 0 {
		return reembedded, nil
	}

	err = e.DB.Transaction(func(tx *store.Tx) error {
		for _, t := range transitions {
			if err := t.apply(tx, result); err != nil {
				return err
			}
		}
		result.L1Forced += forced[Level1]
		result.L2Forced += forced[Level2]
		result.L3Forced += forced[Level3]
		return nil
	})
	return reembedded, err
}

// maintainRelations repairs dangling edges, re-evaluates edge direction
// against current scores, and auto-links newly embedded records to their
// nearest neighbors.
func (e *Engine) maintainRelations(lastRun time.Time, reembedded map[string]bool, result *BatchResult) error {
	return e.DB.Transaction(func(tx *store.Tx) error {
		all, err := tx.GetAll()
		if err != nil {
			return err
		}

		byID := make(map[string]*store.Memory, len(all))
		for i := range all {
			byID[all[i].ID] = &all[i]
		}
		scoreOf := func(id string) float64 {
			if m, ok := byID[id]; ok {
				return m.RetentionScore
			}
			return 0
		}
		dirty := map[string]bool{}

		// Integrity: drop edges whose target is gone or archived.
		for _, m := range all {
			kept := make([]store.Relation, 0, len(m.Relations))
			for _, r := range m.Relations {
				target, ok := byID[r.ID]
				if !ok || target.Archived() {
					result.RelationsUpdated++
					dirty[m.ID] = true
					continue
				}
				kept = append(kept, r)
			}
			byID[m.ID].Relations = kept
		}

		// Direction: an edge must point from the stronger record to the
		// weaker one, within the proximity threshold.
		eps := e.Config.Relations.ScoreProximityThreshold
		for _, m := range all {
			src := byID[m.ID]
			if src.Archived() {
				continue
			}
			kept := src.Relations[:0]
			for _, r := range src.Relations {
				target := byID[r.ID]
				if target.RetentionScore-src.RetentionScore > eps {
					rels, added := addRelationCapped(target, store.Relation{ID: src.ID, Type: r.Type}, e.Config.Relations.MaxRelationsPerMemory, scoreOf)
					if added {
						target.Relations = rels
						dirty[target.ID] = true
					}
					dirty[src.ID] = true
					result.RelationsUpdated++
					continue
				}
				kept = append(kept, r)
			}
			src.Relations = kept
		}

		// Auto-link fresh embeddings to similar active records.
		if e.Config.Relations.EnableAutoLinking {
			var fresh []*store.Memory
			for _, m := range all {
				rec := byID[m.ID]
				if rec.Archived() || rec.Embedding == nil {
					continue
				}
				if reembedded[rec.ID] || lastRun.IsZero() || rec.Created.After(lastRun) {
					fresh = append(fresh, rec)
				}
			}

			normalized := map[string][]float64{}
			norm := func(id string, vec []float32) []float64 {
				if v, ok := normalized[id]; ok {
					return v
				}
				v := l2Normalize(vec)
				normalized[id] = v
				return v
			}

			for _, n := range fresh {
				nv := norm(n.ID, n.Embedding)
				if nv == nil {
					continue
				}
				for _, m := range all {
					other := byID[m.ID]
					if other.ID == n.ID || other.Archived() || other.Embedding == nil {
						continue
					}
					ov := norm(other.ID, other.Embedding)
					if ov == nil || len(ov) != len(nv) {
						continue
					}
					var dot float64
					for i := range nv {
						dot += nv[i] * ov[i]
					}
					if dot < e.Config.Relations.AutoLinkSimilarityThreshold {
						continue
					}
					if hasRelation(n, other.ID) || hasRelation(other, n.ID) {
						continue
					}

					src, dst := n, other
					if dst.RetentionScore > src.RetentionScore {
						src, dst = dst, src
					}
					rels, added := addRelationCapped(src, store.Relation{ID: dst.ID, Type: store.RelSameTopic}, e.Config.Relations.MaxRelationsPerMemory, scoreOf)
					if added {
						src.Relations = rels
						dirty[src.ID] = true
						result.RelationsNew++
					}
				}
			}
		}

		for id := range dirty {
			if err := tx.Update(id, map[string]any{"relations": byID[id].Relations}); err != nil {
				return err
			}
		}
		return nil
	})
}

// pruneArchive deletes archived records matching the configured condition
// set. Protected records are never deleted.
func (e *Engine) pruneArchive(now time.Time, result *BatchResult) error {
	if !e.Config.Archive.AutoDeleteEnabled {
		return nil
	}

	cfg := e.Config.Archive
	return e.DB.Transaction(func(tx *store.Tx) error {
		archived, err := tx.GetArchived()
		if err != nil {
			return err
		}
		for _, m := range archived {
			if m.Protected {
				continue
			}

			conditions := []bool{ageDays(now, *m.ArchivedAt) > cfg.RetentionDays}
			if cfg.DeleteRequireZeroRecall {
				conditions = append(conditions, m.RecallCount == 0)
			}
			conditions = append(conditions, m.EmotionalIntensity < cfg.DeleteMaxIntensity)

			if !combine(conditions, cfg.DeleteConditionMode) {
				continue
			}
			if err := tx.Delete(m.ID); err != nil {
				return err
			}
			result.Deleted++
		}
		return nil
	})
}

func combine(conditions []bool, mode string) bool {
	if mode == "OR" {
		for _, c := range conditions {
			if c {
				return true
			}
		}
		return false
	}
	for _, c := range conditions {
		if !c {
			return false
		}
	}
	return true
}
