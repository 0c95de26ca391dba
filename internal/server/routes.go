package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sorashiro/kioku/internal/engine"
	"github.com/sorashiro/kioku/internal/store"
)

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query      string `json:"query"`
		ActiveOnly bool   `json:"active_only"`
		Limit      int    `json:"limit"`
		ReadOnly   bool   `json:"read_only"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query required")
		return
	}

	results, err := s.engine.Retrieve(r.Context(), req.Query, engine.RetrieveOptions{
		ActiveOnly:      req.ActiveOnly,
		Limit:           req.Limit,
		SkipSideEffects: req.ReadOnly,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type hit struct {
		ID       string  `json:"id"`
		Level    int     `json:"level"`
		Priority float64 `json:"priority"`
		Trigger  string  `json:"trigger"`
		Content  string  `json:"content"`
		Archived bool    `json:"archived"`
		Related  bool    `json:"related"`
	}
	hits := make([]hit, 0, len(results))
	for _, res := range results {
		hits = append(hits, hit{
			ID:       res.Memory.ID,
			Level:    res.Memory.CurrentLevel,
			Priority: res.Priority,
			Trigger:  res.Memory.Trigger,
			Content:  res.Memory.Content,
			Archived: res.Memory.Archived(),
			Related:  res.Related,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

// handleContext returns the formatted memory block for injection into a
// conversation. This is the retrieval path hosts call per turn, so recall
// side effects apply.
func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q required")
		return
	}

	results, err := s.engine.Retrieve(r.Context(), query, engine.RetrieveOptions{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"context": engine.FormatMemories(results),
		"count":   len(results),
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Turns []engine.Turn `json:"turns"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.Turns) == 0 {
		writeError(w, http.StatusBadRequest, "turns required")
		return
	}

	result, err := s.engine.IngestTurns(r.Context(), req.Turns)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"

	result, err := s.engine.RunBatch(r.Context(), force)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.db.CountByLevel()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	archived, err := s.db.Count(true)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	active, err := s.db.Count(false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	protected, err := s.db.CountProtected()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	lastRun, err := s.db.GetState(engine.StateLastCompressionRun)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"active":     active,
		"archived":   archived - active,
		"levels":     map[string]int{"1": counts[1], "2": counts[2], "3": counts[3]},
		"protected":  protected,
		"last_batch": lastRun,
	})
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	m, err := s.db.Get(chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":           m.ID,
		"created":      m.Created,
		"level":        m.CurrentLevel,
		"score":        m.RetentionScore,
		"category":     m.Category,
		"valence":      m.EmotionalValence,
		"arousal":      m.EmotionalArousal,
		"tags":         m.EmotionalTags,
		"keywords":     m.Keywords,
		"trigger":      m.Trigger,
		"content":      m.Content,
		"recall_count": m.RecallCount,
		"relations":    m.Relations,
		"protected":    m.Protected,
		"archived_at":  m.ArchivedAt,
	})
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	force := r.URL.Query().Get("force") == "true"

	m, err := s.db.Get(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if m.Protected && !force {
		writeError(w, http.StatusConflict, "memory is protected")
		return
	}

	if err := s.db.Delete(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleProtect(w http.ResponseWriter, r *http.Request) {
	s.setProtected(w, r, true)
}

func (s *Server) handleUnprotect(w http.ResponseWriter, r *http.Request) {
	s.setProtected(w, r, false)
}

func (s *Server) setProtected(w http.ResponseWriter, r *http.Request, protected bool) {
	id := chi.URLParam(r, "id")

	if protected {
		n, err := s.db.CountProtected()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if n >= s.engine.Config.Protection.MaxProtectedMemories {
			writeError(w, http.StatusConflict, "protected limit reached")
			return
		}
	}

	err := s.db.Update(id, map[string]any{"protected": protected})
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"protected": protected})
}
