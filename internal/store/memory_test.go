package store

import (
	"errors"
	"testing"
	"time"
)

func sampleMemory(id string) *Memory {
	created, _ := time.Parse(time.RFC3339, "2026-02-10T18:00:00+09:00")
	return &Memory{
		ID:                 id,
		Created:            created,
		MemoryDays:         0.375,
		EmotionalIntensity: 45,
		EmotionalValence:   "positive",
		EmotionalArousal:   30,
		EmotionalTags:      []string{"喜び", "感謝"},
		DecayCoefficient:   0.8815,
		Category:           "work",
		Keywords:           []string{"deploy", "release"},
		CurrentLevel:       1,
		Trigger:            "デプロイの相談",
		Content:            "リリース手順を整理した",
		Embedding:          []float32{0.1, -0.5, 0.25, 1.0},
		Relations:          []Relation{{ID: "mem_20260209_001", Type: RelSameTopic}},
		RetentionScore:     45,
	}
}

func TestInsertGetRoundTrip(t *testing.T) {
	db := testDB(t)
	want := sampleMemory("mem_20260210_001")

	if err := db.Insert(want); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := db.Get("mem_20260210_001")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if !got.Created.Equal(want.Created) {
		t.Errorf("Created = %v, want %v", got.Created, want.Created)
	}
	if got.MemoryDays != want.MemoryDays {
		t.Errorf("MemoryDays = %v, want %v", got.MemoryDays, want.MemoryDays)
	}
	if got.EmotionalValence != "positive" || got.Category != "work" {
		t.Errorf("valence/category = %s/%s", got.EmotionalValence, got.Category)
	}
	if len(got.EmotionalTags) != 2 || got.EmotionalTags[0] != "喜び" {
		t.Errorf("EmotionalTags = %v", got.EmotionalTags)
	}
	if len(got.Keywords) != 2 || got.Keywords[1] != "release" {
		t.Errorf("Keywords = %v", got.Keywords)
	}
	if len(got.Relations) != 1 || got.Relations[0].Type != RelSameTopic {
		t.Errorf("Relations = %v", got.Relations)
	}
	if got.Archived() {
		t.Error("fresh record reports archived")
	}

	// Embedding bytes must survive float-equal
	if len(got.Embedding) != len(want.Embedding) {
		t.Fatalf("Embedding length = %d, want %d", len(got.Embedding), len(want.Embedding))
	}
	for i := range want.Embedding {
		if got.Embedding[i] != want.Embedding[i] {
			t.Errorf("Embedding[%d] = %v, want %v", i, got.Embedding[i], want.Embedding[i])
		}
	}
}

func TestInsertDuplicateID(t *testing.T) {
	db := testDB(t)
	if err := db.Insert(sampleMemory("mem_20260210_001")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	err := db.Insert(sampleMemory("mem_20260210_001"))
	if !errors.Is(err, ErrDuplicateID) {
		t.Errorf("duplicate insert error = %v, want ErrDuplicateID", err)
	}
}

func TestGetNotFound(t *testing.T) {
	db := testDB(t)
	_, err := db.Get("mem_19990101_001")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestUpdatePartial(t *testing.T) {
	db := testDB(t)
	if err := db.Insert(sampleMemory("mem_20260210_001")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	archivedAt := time.Now()
	err := db.Update("mem_20260210_001", map[string]any{
		"memory_days":     5.5,
		"recall_count":    3,
		"current_level":   4,
		"archived_at":     &archivedAt,
		"protected":       true,
		"trigger":         "updated trigger",
		"relations":       []Relation{},
		"retention_score": 12.25,
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := db.Get("mem_20260210_001")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.MemoryDays != 5.5 || got.RecallCount != 3 || got.CurrentLevel != 4 {
		t.Errorf("got days=%v count=%d level=%d", got.MemoryDays, got.RecallCount, got.CurrentLevel)
	}
	if !got.Archived() || !got.Protected {
		t.Errorf("archived=%v protected=%v, want both true", got.Archived(), got.Protected)
	}
	if got.Trigger != "updated trigger" {
		t.Errorf("Trigger = %q", got.Trigger)
	}
	if len(got.Relations) != 0 {
		t.Errorf("Relations = %v, want empty", got.Relations)
	}
	// Untouched fields survive
	if got.EmotionalIntensity != 45 || got.Content != "リリース手順を整理した" {
		t.Error("untouched fields were modified")
	}
}

func TestUpdateUnknownColumn(t *testing.T) {
	db := testDB(t)
	if err := db.Insert(sampleMemory("mem_20260210_001")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := db.Update("mem_20260210_001", map[string]any{"id": "mem_x"}); err == nil {
		t.Error("update of immutable column accepted")
	}
}

func TestUpdateNotFound(t *testing.T) {
	db := testDB(t)
	err := db.Update("mem_19990101_001", map[string]any{"recall_count": 1})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestMarkRecalled(t *testing.T) {
	db := testDB(t)
	a := sampleMemory("mem_20260210_001")
	b := sampleMemory("mem_20260210_002")
	archivedAt := time.Now()
	b.ArchivedAt = &archivedAt
	b.CurrentLevel = 4
	for _, m := range []*Memory{a, b} {
		if err := db.Insert(m); err != nil {
			t.Fatalf("Insert %s: %v", m.ID, err)
		}
	}

	if err := db.MarkRecalled([]string{"mem_20260210_001", "mem_20260210_002"}); err != nil {
		t.Fatalf("MarkRecalled: %v", err)
	}

	got, _ := db.Get("mem_20260210_001")
	if !got.RecalledSinceLastBatch {
		t.Error("active record not marked recalled")
	}
	got, _ = db.Get("mem_20260210_002")
	if got.RecalledSinceLastBatch {
		t.Error("archived record was marked recalled")
	}
}

func TestActiveArchivedPartition(t *testing.T) {
	db := testDB(t)
	a := sampleMemory("mem_20260210_001")
	b := sampleMemory("mem_20260210_002")
	archivedAt := time.Now()
	b.ArchivedAt = &archivedAt
	b.CurrentLevel = 4
	for _, m := range []*Memory{a, b} {
		if err := db.Insert(m); err != nil {
			t.Fatalf("Insert %s: %v", m.ID, err)
		}
	}

	active, err := db.GetActive()
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if len(active) != 1 || active[0].ID != "mem_20260210_001" {
		t.Errorf("active = %v", active)
	}

	archived, err := db.GetArchived()
	if err != nil {
		t.Fatalf("GetArchived: %v", err)
	}
	if len(archived) != 1 || archived[0].ID != "mem_20260210_002" {
		t.Errorf("archived = %v", archived)
	}
}

func TestDelete(t *testing.T) {
	db := testDB(t)
	if err := db.Insert(sampleMemory("mem_20260210_001")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := db.Delete("mem_20260210_001"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := db.Get("mem_20260210_001"); !errors.Is(err, ErrNotFound) {
		t.Errorf("record still present after delete: %v", err)
	}
}

func TestState(t *testing.T) {
	db := testDB(t)

	v, err := db.GetState("last_compression_run")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if v != "" {
		t.Errorf("missing key = %q, want empty", v)
	}

	if err := db.SetState("last_compression_run", "2026-02-10T03:00:00+09:00"); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	v, _ = db.GetState("last_compression_run")
	if v != "2026-02-10T03:00:00+09:00" {
		t.Errorf("GetState = %q", v)
	}

	// Overwrite
	if err := db.SetState("last_compression_run", "2026-02-11T03:00:00+09:00"); err != nil {
		t.Fatalf("SetState overwrite: %v", err)
	}
	v, _ = db.GetState("last_compression_run")
	if v != "2026-02-11T03:00:00+09:00" {
		t.Errorf("GetState after overwrite = %q", v)
	}
}

func TestTransactionRollback(t *testing.T) {
	db := testDB(t)
	if err := db.Insert(sampleMemory("mem_20260210_001")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	failure := errors.New("boom")
	err := db.Transaction(func(tx *Tx) error {
		if err := tx.Update("mem_20260210_001", map[string]any{"recall_count": 99}); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("Transaction error = %v, want boom", err)
	}

	got, _ := db.Get("mem_20260210_001")
	if got.RecallCount != 0 {
		t.Errorf("RecallCount = %d after rollback, want 0", got.RecallCount)
	}
}

func TestTransactionCommit(t *testing.T) {
	db := testDB(t)
	if err := db.Insert(sampleMemory("mem_20260210_001")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	err := db.Transaction(func(tx *Tx) error {
		if err := tx.Update("mem_20260210_001", map[string]any{"recall_count": 7}); err != nil {
			return err
		}
		return tx.SetState("last_compression_run", "2026-02-10T03:00:00+09:00")
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}

	got, _ := db.Get("mem_20260210_001")
	if got.RecallCount != 7 {
		t.Errorf("RecallCount = %d, want 7", got.RecallCount)
	}
	v, _ := db.GetState("last_compression_run")
	if v == "" {
		t.Error("state write lost")
	}
}

func TestNextID(t *testing.T) {
	db := testDB(t)
	now, _ := time.Parse(time.RFC3339, "2026-02-10T12:00:00+09:00")

	id, err := db.NextID(now)
	if err != nil {
		t.Fatalf("NextID: %v", err)
	}
	if id != "mem_20260210_001" {
		t.Errorf("NextID = %q, want mem_20260210_001", id)
	}

	m := sampleMemory(id)
	if err := db.Insert(m); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	id, err = db.NextID(now)
	if err != nil {
		t.Fatalf("NextID: %v", err)
	}
	if id != "mem_20260210_002" {
		t.Errorf("NextID = %q, want mem_20260210_002", id)
	}

	// Different day restarts the sequence
	id, err = db.NextID(now.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("NextID: %v", err)
	}
	if id != "mem_20260211_001" {
		t.Errorf("NextID = %q, want mem_20260211_001", id)
	}
}

func TestNextIDPastThreeDigits(t *testing.T) {
	db := testDB(t)
	now, _ := time.Parse(time.RFC3339, "2026-02-10T12:00:00+09:00")

	// _999 sorts above _1000 lexically; the sequence must still advance.
	for _, id := range []string{"mem_20260210_999", "mem_20260210_1000"} {
		if err := db.Insert(sampleMemory(id)); err != nil {
			t.Fatalf("Insert %s: %v", id, err)
		}
	}

	id, err := db.NextID(now)
	if err != nil {
		t.Fatalf("NextID: %v", err)
	}
	if id != "mem_20260210_1001" {
		t.Errorf("NextID = %q, want mem_20260210_1001", id)
	}
}

func TestEmbeddingCodec(t *testing.T) {
	vec := []float32{0, 1, -1, 0.333, 1e-8, -2.5e6}
	got := DecodeEmbedding(EncodeEmbedding(vec))
	if len(got) != len(vec) {
		t.Fatalf("len = %d, want %d", len(got), len(vec))
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Errorf("[%d] = %v, want %v", i, got[i], vec[i])
		}
	}

	if EncodeEmbedding(nil) != nil {
		t.Error("EncodeEmbedding(nil) != nil")
	}
	if DecodeEmbedding(nil) != nil {
		t.Error("DecodeEmbedding(nil) != nil")
	}
}
