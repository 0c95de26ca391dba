package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sorashiro/kioku/internal/llm"
)

const ingestAnalysisJSON = `{
	"emotional_intensity": 45,
	"emotional_valence": "positive",
	"emotional_arousal": 30,
	"emotional_tags": ["期待"],
	"category": "work",
	"keywords": ["デプロイ"],
	"trigger": "デプロイ手順の相談",
	"content": "段階リリースを提案した",
	"protected": false
}`

func TestIngestTurn(t *testing.T) {
	e, mock, emb := newTestEngine(t)
	mock.Response = &llm.Response{Content: ingestAnalysisJSON}
	emb.vectors["デプロイ手順の相談 段階リリースを提案した"] = []float32{0.5, 0.5, 0}

	at := time.Date(2026, 8, 24, 18, 0, 0, 0, time.UTC)
	e.SetClock(func() time.Time { return at })

	m, overflow, err := e.IngestTurn(context.Background(), Turn{UserText: "デプロイどうする?", AssistantText: "段階的に"})
	if err != nil {
		t.Fatalf("IngestTurn: %v", err)
	}
	if overflow {
		t.Error("unexpected protected overflow")
	}

	if m.ID != "mem_20260824_001" {
		t.Errorf("id = %s", m.ID)
	}
	if m.CurrentLevel != Level1 {
		t.Errorf("level = %d, want 1", m.CurrentLevel)
	}
	if m.RetentionScore != 45 {
		t.Errorf("score = %v, want intensity 45", m.RetentionScore)
	}
	if !approx(m.MemoryDays, 0.375, 1e-9) {
		t.Errorf("memory_days = %v, want 0.375", m.MemoryDays)
	}
	if !approx(m.DecayCoefficient, 0.8815, 1e-9) {
		t.Errorf("coeff = %v, want 0.8815", m.DecayCoefficient)
	}

	stored := getMem(t, e, m.ID)
	if stored.Trigger != "デプロイ手順の相談" || len(stored.Embedding) != 3 {
		t.Errorf("stored = %+v", stored)
	}
}

func TestIngestTurnSequentialIDs(t *testing.T) {
	e, mock, _ := newTestEngine(t)
	mock.Response = &llm.Response{Content: ingestAnalysisJSON}
	e.SetClock(func() time.Time { return time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC) })

	first, _, err := e.IngestTurn(context.Background(), Turn{UserText: "ひとつめ"})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, _, err := e.IngestTurn(context.Background(), Turn{UserText: "ふたつめ"})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.ID != "mem_20260824_001" || second.ID != "mem_20260824_002" {
		t.Errorf("ids = %s, %s", first.ID, second.ID)
	}
}

func TestIngestSkipsCommands(t *testing.T) {
	e, mock, _ := newTestEngine(t)

	for _, text := range []string{"/compact", "  /help", ""} {
		if _, _, err := e.IngestTurn(context.Background(), Turn{UserText: text}); !errors.Is(err, ErrSkippedTurn) {
			t.Errorf("%q: err = %v, want ErrSkippedTurn", text, err)
		}
	}
	if len(mock.Calls) != 0 {
		t.Errorf("provider called %d times for skipped turns", len(mock.Calls))
	}
}

func TestIngestEmbedFailureAbortsTurn(t *testing.T) {
	e, mock, emb := newTestEngine(t)
	mock.Response = &llm.Response{Content: ingestAnalysisJSON}
	emb.err = errors.New("embedding down")

	if _, _, err := e.IngestTurn(context.Background(), Turn{UserText: "覚えて"}); err == nil {
		t.Fatal("expected error")
	}
	n, err := e.DB.Count(true)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("%d records written on failed turn", n)
	}
}

func TestIngestProtectedCap(t *testing.T) {
	e, mock, _ := newTestEngine(t)
	e.Config.Protection.MaxProtectedMemories = 1

	protectedJSON := `{
		"emotional_intensity": 80, "emotional_valence": "positive", "emotional_arousal": 50,
		"emotional_tags": [], "category": "emotional", "keywords": [],
		"trigger": "大事な約束", "content": "絶対に忘れない", "protected": true
	}`
	mock.Response = &llm.Response{Content: protectedJSON}

	first, overflow, err := e.IngestTurn(context.Background(), Turn{UserText: "これは覚えておいて"})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if !first.Protected {
		t.Error("first record should be protected")
	}
	if overflow {
		t.Error("first record should not report overflow")
	}

	second, overflow, err := e.IngestTurn(context.Background(), Turn{UserText: "これも覚えておいて"})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.Protected {
		t.Error("over-cap record should be stored unprotected")
	}
	if !overflow {
		t.Error("over-cap record should report the overflow")
	}
}

func TestIngestTurnsReportsProtectedOverflow(t *testing.T) {
	e, mock, _ := newTestEngine(t)
	e.Config.Protection.MaxProtectedMemories = 0
	mock.Response = &llm.Response{Content: `{
		"emotional_intensity": 80, "emotional_valence": "positive", "emotional_arousal": 50,
		"emotional_tags": [], "category": "emotional", "keywords": [],
		"trigger": "大事な約束", "content": "絶対に忘れない", "protected": true
	}`}

	result, err := e.IngestTurns(context.Background(), []Turn{{UserText: "覚えておいて"}})
	if err != nil {
		t.Fatalf("IngestTurns: %v", err)
	}
	if len(result.Stored) != 1 {
		t.Fatalf("stored = %v", result.Stored)
	}
	if len(result.ProtectedOverflow) != 1 || result.ProtectedOverflow[0] != result.Stored[0] {
		t.Errorf("protected_overflow = %v, want [%s]", result.ProtectedOverflow, result.Stored[0])
	}
}

func TestIngestTurns(t *testing.T) {
	e, mock, _ := newTestEngine(t)
	mock.Responses = []*llm.Response{
		{Content: ingestAnalysisJSON},
		{Content: "not json at all"},
		{Content: ingestAnalysisJSON},
	}

	result, err := e.IngestTurns(context.Background(), []Turn{
		{UserText: "保存される"},
		{UserText: "/skip me"},
		{UserText: "解析に失敗する"},
		{UserText: "これも保存される"},
	})
	if err != nil {
		t.Fatalf("IngestTurns: %v", err)
	}
	if len(result.Stored) != 2 || result.Skipped != 1 || result.Failed != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestIngestAnalysisFailureWritesNothing(t *testing.T) {
	e, mock, _ := newTestEngine(t)
	mock.Err = errors.New("provider down")

	if _, _, err := e.IngestTurn(context.Background(), Turn{UserText: "どうなる"}); err == nil {
		t.Fatal("expected error")
	}
	got, err := e.DB.GetAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("%d records written", len(got))
	}
}
