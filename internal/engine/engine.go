package engine

import (
	"time"

	"github.com/sorashiro/kioku/internal/config"
	"github.com/sorashiro/kioku/internal/llm"
	"github.com/sorashiro/kioku/internal/store"
)

// StateLastCompressionRun is the state key guarding the daily batch.
const StateLastCompressionRun = "last_compression_run"

// providerTimeout bounds every embedding and LLM call.
const providerTimeout = 30 * time.Second

// Engine orchestrates ingestion, retrieval, and the daily batch over one
// store. It holds no state of its own; all observable state lives in the DB.
type Engine struct {
	DB       *store.DB
	LLM      llm.Client
	Embedder Embedder
	Config   config.Config

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
}

// New creates an Engine. llmClient and embedder may be nil; operations
// that need them degrade per their documented failure policy.
func New(db *store.DB, llmClient llm.Client, embedder Embedder, cfg config.Config) *Engine {
	return &Engine{
		DB:       db,
		LLM:      llmClient,
		Embedder: embedder,
		Config:   cfg,
		now:      time.Now,
	}
}

// SetClock overrides the engine's time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// initialMemoryDays returns the fractional days from now until the next
// scheduled batch hour. A record inserted at 18:00 with schedule hour 3
// starts at 9/24 days.
func initialMemoryDays(now time.Time, scheduleHour int) float64 {
	next := time.Date(now.Year(), now.Month(), now.Day(), scheduleHour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now).Hours() / 24
}
