package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/sorashiro/kioku/internal/llm"
	"github.com/sorashiro/kioku/internal/store"
)

// RetrieveOptions tunes one retrieval call.
type RetrieveOptions struct {
	// ActiveOnly excludes the archive even when archive recall is enabled.
	ActiveOnly bool
	// Limit overrides the configured top-k when positive.
	Limit int
	// SkipSideEffects suppresses recall marking and revival requests,
	// for read-only inspection such as the search command.
	SkipSideEffects bool
	// Emotion is the caller's emotion context for resonance scoring.
	// When nil, it is derived by classifying the query.
	Emotion *Emotion
}

// Scored is one retrieval hit with its ranking inputs.
type Scored struct {
	Memory     store.Memory
	Priority   float64
	Similarity float64
	Resonance  float64
	// Related marks hits pulled in through relation traversal rather
	// than ranked directly.
	Related bool
}

// Retrieve ranks memories against a query by similarity, retention, and
// emotional resonance, expands relations, and records the recall.
func (e *Engine) Retrieve(ctx context.Context, query string, opts RetrieveOptions) ([]Scored, error) {
	if strings.HasPrefix(strings.TrimSpace(query), "/") {
		return nil, nil
	}

	embedCtx, cancelEmbed := context.WithTimeout(ctx, providerTimeout)
	queryVec, err := e.Embedder.Embed(embedCtx, query)
	cancelEmbed()
	if err != nil {
		return nil, fmt.Errorf("retrieve: embed query: %w", err)
	}

	// Resonance uses the caller's emotion context when given; otherwise it
	// is derived by classifying the query. A failed classification degrades
	// to similarity-only ranking rather than failing the retrieval.
	emotion := opts.Emotion
	if emotion == nil && e.LLM != nil {
		classifyCtx, cancelClassify := context.WithTimeout(ctx, providerTimeout)
		c, err := llm.ClassifyQuery(classifyCtx, e.LLM, query)
		cancelClassify()
		if err != nil {
			log.Printf("query classification failed: %v", err)
		} else {
			emotion = &Emotion{Valence: c.Valence, Arousal: c.Arousal, Tags: c.Tags}
		}
	}

	includeArchive := e.Config.Archive.EnableArchiveRecall && !opts.ActiveOnly

	candidates, err := e.DB.GetActive()
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}
	if includeArchive {
		archived, err := e.DB.GetArchived()
		if err != nil {
			return nil, fmt.Errorf("retrieve: %w", err)
		}
		candidates = append(candidates, archived...)
	}

	scored := make([]Scored, 0, len(candidates))
	for _, m := range candidates {
		sim := CosineSimilarity(queryVec, m.Embedding)
		res := Resonance(&m, emotion, e.Config.Resonance)
		priority := m.RetentionScore*max0(sim)*(1+e.Config.Recall.RecallCountWeight*float64(m.RecallCount)) +
			e.Config.Resonance.PriorityWeightAlpha*res*m.RetentionScore
		if priority <= 0 {
			continue
		}
		scored = append(scored, Scored{Memory: m, Priority: priority, Similarity: sim, Resonance: res})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Priority != scored[j].Priority {
			return scored[i].Priority > scored[j].Priority
		}
		return scored[i].Memory.Created.After(scored[j].Memory.Created)
	})

	limit := e.Config.Retrieval.TopK
	if opts.Limit > 0 {
		limit = opts.Limit
	}

	above := make([]Scored, 0, limit)
	for _, s := range scored {
		if s.Priority >= e.Config.Retrieval.RelevanceThreshold {
			above = append(above, s)
		}
	}
	results := above
	if len(results) < limit {
		// Too few clear the threshold; fall back to the best of
		// whatever scored at all.
		results = scored
	}
	if len(results) > limit {
		results = results[:limit]
	}

	results = e.expandRelations(results, includeArchive)

	if !opts.SkipSideEffects {
		if err := e.recordRecall(results); err != nil {
			return nil, fmt.Errorf("retrieve: %w", err)
		}
	}
	return results, nil
}

func max0(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

// expandRelations pulls in directly related memories up to the configured
// traversal depth, skipping records already in the result set.
func (e *Engine) expandRelations(results []Scored, includeArchive bool) []Scored {
	depth := e.Config.Relations.RelationTraversalDepth
	if depth <= 0 {
		return results
	}

	seen := make(map[string]bool, len(results))
	for _, s := range results {
		seen[s.Memory.ID] = true
	}

	frontier := results
	for d := 0; d < depth; d++ {
		var next []Scored
		for _, s := range frontier {
			for _, rel := range s.Memory.Relations {
				if seen[rel.ID] {
					continue
				}
				seen[rel.ID] = true
				m, err := e.DB.Get(rel.ID)
				if err != nil {
					log.Printf("relation %s -> %s: %v", s.Memory.ID, rel.ID, err)
					continue
				}
				if m.Archived() && !includeArchive {
					continue
				}
				next = append(next, Scored{Memory: *m, Related: true})
			}
		}
		results = append(results, next...)
		frontier = next
	}
	return results
}

// recordRecall flags active hits for the next batch's reinforcement pass
// and files revival requests for archived hits, in one transaction.
func (e *Engine) recordRecall(results []Scored) error {
	var active []string
	var archived []string
	for _, s := range results {
		if s.Memory.Archived() {
			archived = append(archived, s.Memory.ID)
		} else {
			active = append(active, s.Memory.ID)
		}
	}
	if len(active) == 0 && len(archived) == 0 {
		return nil
	}

	now := e.now()
	return e.DB.Transaction(func(tx *store.Tx) error {
		if err := tx.MarkRecalled(active); err != nil {
			return err
		}
		for _, id := range archived {
			err := tx.Update(id, map[string]any{
				"revival_requested":    true,
				"revival_requested_at": now,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// FormatMemories renders retrieval results as the context block injected
// into the conversation.
func FormatMemories(results []Scored) string {
	if len(results) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("<memories>\n")
	for _, s := range results {
		m := s.Memory
		b.WriteString("- [")
		b.WriteString(m.Created.Format("2006-01-02"))
		b.WriteString("][L")
		b.WriteString(fmt.Sprintf("%d", m.CurrentLevel))
		b.WriteString("]")
		if m.Archived() {
			b.WriteString("[archived]")
		}
		if s.Related {
			b.WriteString("[related]")
		}
		b.WriteString(" ")
		b.WriteString(m.Trigger)
		b.WriteString(" → ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString("</memories>")
	return b.String()
}

// ageDays returns whole days elapsed since t, truncated.
func ageDays(now, t time.Time) int {
	d := int(now.Sub(t).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}
