package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/sorashiro/kioku/internal/llm"
	"github.com/sorashiro/kioku/internal/store"
)

// Turn is one user/assistant exchange offered for ingestion.
type Turn struct {
	UserText      string `json:"user_text"`
	AssistantText string `json:"assistant_text"`
}

// ErrSkippedTurn marks turns that are intentionally not ingested, such as
// slash commands.
var ErrSkippedTurn = errors.New("turn skipped")

// IngestTurn analyzes one exchange and persists it as a Level 1 memory.
// Slash-command turns are skipped. Analysis or embedding failure aborts
// the turn without writing anything. The bool reports when the analysis
// asked for protection but the protected slots were full, so the record
// was stored unprotected.
func (e *Engine) IngestTurn(ctx context.Context, turn Turn) (*store.Memory, bool, error) {
	user := strings.TrimSpace(turn.UserText)
	if user == "" || strings.HasPrefix(user, "/") {
		return nil, false, ErrSkippedTurn
	}

	callCtx, cancel := context.WithTimeout(ctx, providerTimeout)
	defer cancel()

	analysis, err := llm.AnalyzeTurn(callCtx, e.LLM, turn.UserText, turn.AssistantText)
	if err != nil {
		return nil, false, fmt.Errorf("ingest: %w", err)
	}

	embedding, err := e.Embedder.Embed(callCtx, analysis.Trigger+" "+analysis.Content)
	if err != nil {
		return nil, false, fmt.Errorf("ingest: embed: %w", err)
	}

	now := e.now()
	coeff := InitialDecayCoefficient(e.Config.Retention, analysis.Category, analysis.EmotionalIntensity)

	protected := analysis.Protected
	overflow := false
	if protected {
		n, err := e.DB.CountProtected()
		if err != nil {
			return nil, false, fmt.Errorf("ingest: %w", err)
		}
		if n >= e.Config.Protection.MaxProtectedMemories {
			log.Printf("protected slots full (%d); storing %q unprotected", n, analysis.Trigger)
			protected = false
			overflow = true
		}
	}

	m := &store.Memory{
		Created:            now,
		MemoryDays:         initialMemoryDays(now, e.Config.Compression.ScheduleHour),
		EmotionalIntensity: analysis.EmotionalIntensity,
		EmotionalValence:   analysis.EmotionalValence,
		EmotionalArousal:   analysis.EmotionalArousal,
		EmotionalTags:      analysis.EmotionalTags,
		DecayCoefficient:   coeff,
		Category:           analysis.Category,
		Keywords:           analysis.Keywords,
		CurrentLevel:       Level1,
		Trigger:            analysis.Trigger,
		Content:            analysis.Content,
		Embedding:          embedding,
		RetentionScore:     float64(analysis.EmotionalIntensity),
		Protected:          protected,
	}

	// Concurrent writers can race to the same sequence number; retry with
	// a fresh id.
	for attempt := 0; attempt < 3; attempt++ {
		id, err := e.DB.NextID(now)
		if err != nil {
			return nil, false, fmt.Errorf("ingest: %w", err)
		}
		m.ID = id
		err = e.DB.Insert(m)
		if err == nil {
			return m, overflow, nil
		}
		if !errors.Is(err, store.ErrDuplicateID) {
			return nil, false, fmt.Errorf("ingest: %w", err)
		}
	}
	return nil, false, fmt.Errorf("ingest: could not allocate id for %s", now.Format("20060102"))
}

// IngestResult reports what a multi-turn ingest did. ProtectedOverflow
// lists the ids stored unprotected because the protected slots were full.
type IngestResult struct {
	Stored            []string `json:"stored"`
	Skipped           int      `json:"skipped"`
	Failed            int      `json:"failed"`
	ProtectedOverflow []string `json:"protected_overflow,omitempty"`
}

// IngestTurns processes a batch of exchanges. Failures are logged per turn
// and do not stop the batch.
func (e *Engine) IngestTurns(ctx context.Context, turns []Turn) (*IngestResult, error) {
	result := &IngestResult{}
	for i, turn := range turns {
		m, overflow, err := e.IngestTurn(ctx, turn)
		switch {
		case errors.Is(err, ErrSkippedTurn):
			result.Skipped++
		case err != nil:
			log.Printf("turn %d: %v", i, err)
			result.Failed++
		default:
			result.Stored = append(result.Stored, m.ID)
			if overflow {
				result.ProtectedOverflow = append(result.ProtectedOverflow, m.ID)
			}
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
	}
	return result, nil
}
