package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sorashiro/kioku/internal/config"
	"github.com/sorashiro/kioku/internal/engine"
	"github.com/sorashiro/kioku/internal/llm"
	"github.com/sorashiro/kioku/internal/store"
)

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}
func (fixedEmbedder) Model() string   { return "fixed" }
func (fixedEmbedder) Dimensions() int { return 3 }

func testServer(t *testing.T) (*Server, *store.DB) {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mock := &llm.MockClient{Response: &llm.Response{Content: "no json"}}
	eng := engine.New(db, mock, fixedEmbedder{}, config.Default())
	return New(db, eng, "test-version"), db
}

func putMemory(t *testing.T, db *store.DB, id string, protected bool) {
	t.Helper()
	err := db.Insert(&store.Memory{
		ID:                 id,
		Created:            time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
		EmotionalIntensity: 60,
		EmotionalValence:   "neutral",
		DecayCoefficient:   0.9,
		Category:           "work",
		CurrentLevel:       1,
		Trigger:            "相談",
		Content:            "回答",
		Embedding:          []float32{1, 0, 0},
		RetentionScore:     60,
		Protected:          protected,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest("GET", "/api/health", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" || body["version"] != "test-version" || body["db"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestSearchEndpoint(t *testing.T) {
	srv, db := testServer(t)
	putMemory(t, db, "mem_20260820_001", false)

	req := httptest.NewRequest("POST", "/api/search", strings.NewReader(`{"query": "相談"}`))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var body struct {
		Results []struct {
			ID       string  `json:"id"`
			Priority float64 `json:"priority"`
		} `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Results) != 1 || body.Results[0].ID != "mem_20260820_001" {
		t.Errorf("results = %+v", body.Results)
	}

	// The default search path counts as a recall.
	m, err := db.Get("mem_20260820_001")
	if err != nil {
		t.Fatal(err)
	}
	if !m.RecalledSinceLastBatch {
		t.Error("search did not flag the hit recalled")
	}
}

func TestSearchValidation(t *testing.T) {
	srv, _ := testServer(t)

	for _, body := range []string{`not json`, `{}`} {
		req := httptest.NewRequest("POST", "/api/search", strings.NewReader(body))
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, w.Code)
		}
	}
}

func TestContextEndpoint(t *testing.T) {
	srv, db := testServer(t)
	putMemory(t, db, "mem_20260820_001", false)

	req := httptest.NewRequest("GET", "/api/context?q=hello", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	block, _ := body["context"].(string)
	if !strings.HasPrefix(block, "<memories>") || !strings.Contains(block, "相談") {
		t.Errorf("context = %q", block)
	}
}

func TestGetMemory(t *testing.T) {
	srv, db := testServer(t)
	putMemory(t, db, "mem_20260820_001", false)

	req := httptest.NewRequest("GET", "/api/memories/mem_20260820_001", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/api/memories/mem_19990101_001", nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing id: status = %d, want 404", w.Code)
	}
}

func TestDeleteProtectedMemory(t *testing.T) {
	srv, db := testServer(t)
	putMemory(t, db, "mem_20260820_001", true)

	req := httptest.NewRequest("DELETE", "/api/memories/mem_20260820_001", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Fatalf("unforced delete: status = %d, want 409", w.Code)
	}

	req = httptest.NewRequest("DELETE", "/api/memories/mem_20260820_001?force=true", nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("forced delete: status = %d", w.Code)
	}

	if _, err := db.Get("mem_20260820_001"); err == nil {
		t.Error("record survived forced delete")
	}
}

func TestProtectEndpointLimit(t *testing.T) {
	srv, db := testServer(t)
	srv.engine.Config.Protection.MaxProtectedMemories = 1
	putMemory(t, db, "mem_20260820_001", true)
	putMemory(t, db, "mem_20260820_002", false)

	req := httptest.NewRequest("POST", "/api/memories/mem_20260820_002/protect", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Errorf("over-limit protect: status = %d, want 409", w.Code)
	}
}

func TestBatchEndpoint(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest("POST", "/api/batch?force=true", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var result engine.BatchResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if !result.Executed {
		t.Errorf("result = %+v, want executed", result)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, db := testServer(t)
	putMemory(t, db, "mem_20260820_001", false)

	req := httptest.NewRequest("GET", "/api/stats", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["active"] != float64(1) {
		t.Errorf("active = %v, want 1", body["active"])
	}
}
