package store

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrDuplicateID is returned when an insert collides with an existing id.
	ErrDuplicateID = errors.New("duplicate memory id")
	// ErrNotFound is returned when no memory exists for the given id.
	ErrNotFound = errors.New("memory not found")
)

// Relation is one outgoing typed reference to another memory.
type Relation struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Relation types.
const (
	RelContinues   = "continues"
	RelReferences  = "references"
	RelDerivedFrom = "derived_from"
	RelContradicts = "contradicts"
	RelSameTopic   = "same_topic"
)

// Memory is one persisted long-term memory record.
type Memory struct {
	ID                     string
	Created                time.Time
	MemoryDays             float64
	RecalledSinceLastBatch bool
	RecallCount            int
	EmotionalIntensity     int
	EmotionalValence       string // positive / negative / neutral
	EmotionalArousal       int
	EmotionalTags          []string
	DecayCoefficient       float64
	Category               string // casual / work / decision / emotional
	Keywords               []string
	CurrentLevel           int
	Trigger                string
	Content                string
	Embedding              []float32
	Relations              []Relation
	RetentionScore         float64
	ArchivedAt             *time.Time
	Protected              bool
	RevivalRequested       bool
	RevivalRequestedAt     *time.Time
}

// Archived reports whether the record lives in the archive partition.
func (m *Memory) Archived() bool {
	return m.ArchivedAt != nil
}

// EncodeEmbedding serializes a vector as little-endian float32 bytes.
func EncodeEmbedding(vec []float32) []byte {
	if vec == nil {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeEmbedding restores a vector from little-endian float32 bytes.
func DecodeEmbedding(blob []byte) []float32 {
	if len(blob) == 0 {
		return nil
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}

const memoryColumns = `id, created, memory_days, recalled_since_last_batch, recall_count,
	emotional_intensity, emotional_valence, emotional_arousal, emotional_tags,
	decay_coefficient, category, keywords, current_level, "trigger", content,
	embedding, relations, retention_score, archived_at, protected,
	revival_requested, revival_requested_at`

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func marshalJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func insertMemory(q querier, m *Memory) error {
	tags := m.EmotionalTags
	if tags == nil {
		tags = []string{}
	}
	keywords := m.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	relations := m.Relations
	if relations == nil {
		relations = []Relation{}
	}

	_, err := q.Exec(`
		INSERT INTO memories (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID,
		formatTime(m.Created),
		m.MemoryDays,
		boolToInt(m.RecalledSinceLastBatch),
		m.RecallCount,
		m.EmotionalIntensity,
		m.EmotionalValence,
		m.EmotionalArousal,
		marshalJSON(tags),
		m.DecayCoefficient,
		m.Category,
		marshalJSON(keywords),
		m.CurrentLevel,
		m.Trigger,
		m.Content,
		EncodeEmbedding(m.Embedding),
		marshalJSON(relations),
		m.RetentionScore,
		formatTimePtr(m.ArchivedAt),
		boolToInt(m.Protected),
		boolToInt(m.RevivalRequested),
		formatTimePtr(m.RevivalRequestedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("insert %s: %w", m.ID, ErrDuplicateID)
		}
		return fmt.Errorf("insert %s: %w", m.ID, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// updatableColumns guards against unknown field names reaching the SQL layer.
var updatableColumns = map[string]bool{
	"memory_days":               true,
	"recalled_since_last_batch": true,
	"recall_count":              true,
	"emotional_tags":            true,
	"decay_coefficient":         true,
	"keywords":                  true,
	"current_level":             true,
	"trigger":                   true,
	"content":                   true,
	"embedding":                 true,
	"relations":                 true,
	"retention_score":           true,
	"archived_at":               true,
	"protected":                 true,
	"revival_requested":         true,
	"revival_requested_at":      true,
}

func encodeUpdateValue(column string, v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return boolToInt(val), nil
	case []string:
		return marshalJSON(val), nil
	case []Relation:
		if val == nil {
			val = []Relation{}
		}
		return marshalJSON(val), nil
	case []float32:
		return EncodeEmbedding(val), nil
	case time.Time:
		return formatTime(val), nil
	case *time.Time:
		return formatTimePtr(val), nil
	case int, int64, float64, string:
		return val, nil
	default:
		return nil, fmt.Errorf("column %s: unsupported value type %T", column, v)
	}
}

func updateMemory(q querier, id string, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}

	columns := make([]string, 0, len(updates))
	for col := range updates {
		if !updatableColumns[col] {
			return fmt.Errorf("update %s: unknown column %q", id, col)
		}
		columns = append(columns, col)
	}
	sort.Strings(columns)

	setClauses := make([]string, 0, len(columns))
	values := make([]any, 0, len(columns)+1)
	for _, col := range columns {
		encoded, err := encodeUpdateValue(col, updates[col])
		if err != nil {
			return fmt.Errorf("update %s: %w", id, err)
		}
		// Quote identifiers; "trigger" is an SQLite keyword.
		setClauses = append(setClauses, `"`+col+`" = ?`)
		values = append(values, encoded)
	}
	values = append(values, id)

	res, err := q.Exec("UPDATE memories SET "+strings.Join(setClauses, ", ")+" WHERE id = ?", values...)
	if err != nil {
		return fmt.Errorf("update %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	return nil
}

func markRecalled(q querier, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := q.Exec(`
		UPDATE memories
		SET recalled_since_last_batch = 1
		WHERE id IN (`+placeholders+`) AND archived_at IS NULL`, args...)
	if err != nil {
		return fmt.Errorf("mark recalled: %w", err)
	}
	return nil
}

func deleteMemory(q querier, id string) error {
	if _, err := q.Exec("DELETE FROM memories WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

func scanMemory(rows interface{ Scan(dest ...any) error }) (*Memory, error) {
	var (
		m                              Memory
		created                        string
		recalled, protected, revivalRq int
		tags, keywords, relations      sql.NullString
		embedding                      []byte
		retention                      sql.NullFloat64
		archivedAt, revivalRqAt        sql.NullString
	)

	err := rows.Scan(
		&m.ID, &created, &m.MemoryDays, &recalled, &m.RecallCount,
		&m.EmotionalIntensity, &m.EmotionalValence, &m.EmotionalArousal, &tags,
		&m.DecayCoefficient, &m.Category, &keywords, &m.CurrentLevel, &m.Trigger, &m.Content,
		&embedding, &relations, &retention, &archivedAt, &protected,
		&revivalRq, &revivalRqAt,
	)
	if err != nil {
		return nil, err
	}

	m.Created, err = parseTime(created)
	if err != nil {
		return nil, fmt.Errorf("memory %s: bad created timestamp %q: %w", m.ID, created, err)
	}
	m.RecalledSinceLastBatch = recalled != 0
	m.Protected = protected != 0
	m.RevivalRequested = revivalRq != 0
	m.RetentionScore = retention.Float64
	m.Embedding = DecodeEmbedding(embedding)

	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &m.EmotionalTags); err != nil {
			return nil, fmt.Errorf("memory %s: bad emotional_tags: %w", m.ID, err)
		}
	}
	if keywords.Valid && keywords.String != "" {
		if err := json.Unmarshal([]byte(keywords.String), &m.Keywords); err != nil {
			return nil, fmt.Errorf("memory %s: bad keywords: %w", m.ID, err)
		}
	}
	if relations.Valid && relations.String != "" {
		if err := json.Unmarshal([]byte(relations.String), &m.Relations); err != nil {
			return nil, fmt.Errorf("memory %s: bad relations: %w", m.ID, err)
		}
	}
	if archivedAt.Valid {
		t, err := parseTime(archivedAt.String)
		if err != nil {
			return nil, fmt.Errorf("memory %s: bad archived_at: %w", m.ID, err)
		}
		m.ArchivedAt = &t
	}
	if revivalRqAt.Valid {
		t, err := parseTime(revivalRqAt.String)
		if err != nil {
			return nil, fmt.Errorf("memory %s: bad revival_requested_at: %w", m.ID, err)
		}
		m.RevivalRequestedAt = &t
	}

	return &m, nil
}

func queryMemories(q querier, where string, args ...any) ([]Memory, error) {
	query := "SELECT " + memoryColumns + " FROM memories"
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY created, id"

	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var memories []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, *m)
	}
	return memories, rows.Err()
}

func getMemory(q querier, id string) (*Memory, error) {
	row := q.QueryRow("SELECT "+memoryColumns+" FROM memories WHERE id = ?", id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return m, nil
}

func getState(q querier, key string) (string, error) {
	var value string
	err := q.QueryRow("SELECT value FROM state WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get state %s: %w", key, err)
	}
	return value, nil
}

func setState(q querier, key, value string) error {
	if _, err := q.Exec("INSERT OR REPLACE INTO state (key, value) VALUES (?, ?)", key, value); err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// --- DB-level API ---

// Insert adds a new memory. Fails with ErrDuplicateID on id collision.
func (db *DB) Insert(m *Memory) error { return insertMemory(db.DB, m) }

// Get fetches one memory by id.
func (db *DB) Get(id string) (*Memory, error) { return getMemory(db.DB, id) }

// Update applies a partial field-map update atomically.
func (db *DB) Update(id string, updates map[string]any) error {
	return updateMemory(db.DB, id, updates)
}

// MarkRecalled flags all given non-archived ids in one statement.
func (db *DB) MarkRecalled(ids []string) error { return markRecalled(db.DB, ids) }

// GetActive returns all records with archived_at IS NULL.
func (db *DB) GetActive() ([]Memory, error) {
	return queryMemories(db.DB, "archived_at IS NULL")
}

// GetArchived returns all records with archived_at IS NOT NULL.
func (db *DB) GetArchived() ([]Memory, error) {
	return queryMemories(db.DB, "archived_at IS NOT NULL")
}

// GetAll returns every record.
func (db *DB) GetAll() ([]Memory, error) { return queryMemories(db.DB, "") }

// Delete removes a record unconditionally.
func (db *DB) Delete(id string) error { return deleteMemory(db.DB, id) }

// GetState reads a state value; missing keys return "".
func (db *DB) GetState(key string) (string, error) { return getState(db.DB, key) }

// SetState writes a state value.
func (db *DB) SetState(key, value string) error { return setState(db.DB, key, value) }

// CountProtected returns the number of protected records.
func (db *DB) CountProtected() (int, error) {
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM memories WHERE protected = 1").Scan(&n)
	return n, err
}

// Count returns the number of records, optionally including the archive.
func (db *DB) Count(includeArchived bool) (int, error) {
	query := "SELECT COUNT(*) FROM memories"
	if !includeArchived {
		query += " WHERE archived_at IS NULL"
	}
	var n int
	err := db.QueryRow(query).Scan(&n)
	return n, err
}

// CountByLevel returns active record counts keyed by current_level.
func (db *DB) CountByLevel() (map[int]int, error) {
	rows, err := db.Query(`
		SELECT current_level, COUNT(*)
		FROM memories
		WHERE archived_at IS NULL
		GROUP BY current_level`)
	if err != nil {
		return nil, fmt.Errorf("count by level: %w", err)
	}
	defer rows.Close()

	counts := make(map[int]int)
	for rows.Next() {
		var level, n int
		if err := rows.Scan(&level, &n); err != nil {
			return nil, err
		}
		counts[level] = n
	}
	return counts, rows.Err()
}

// NextID returns the next day-monotone id of the form mem_YYYYMMDD_NNN.
func (db *DB) NextID(now time.Time) (string, error) {
	prefix := "mem_" + now.Format("20060102") + "_"

	// Longest suffix first, then lexically: a plain MAX would rank _999
	// above _1000 and stall the sequence past three digits.
	var last string
	err := db.QueryRow(
		"SELECT id FROM memories WHERE id LIKE ? ORDER BY LENGTH(id) DESC, id DESC LIMIT 1",
		prefix+"%",
	).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return prefix + "001", nil
	}
	if err != nil {
		return "", fmt.Errorf("next id: %w", err)
	}

	seq := 1
	if n, convErr := strconv.Atoi(strings.TrimPrefix(last, prefix)); convErr == nil {
		seq = n + 1
	}
	return fmt.Sprintf("%s%03d", prefix, seq), nil
}

// --- Tx-level API (same operations inside one write transaction) ---

func (tx *Tx) Insert(m *Memory) error { return insertMemory(tx.q, m) }

func (tx *Tx) Get(id string) (*Memory, error) { return getMemory(tx.q, id) }

func (tx *Tx) Update(id string, updates map[string]any) error {
	return updateMemory(tx.q, id, updates)
}

func (tx *Tx) MarkRecalled(ids []string) error { return markRecalled(tx.q, ids) }

func (tx *Tx) GetActive() ([]Memory, error) {
	return queryMemories(tx.q, "archived_at IS NULL")
}

func (tx *Tx) GetArchived() ([]Memory, error) {
	return queryMemories(tx.q, "archived_at IS NOT NULL")
}

func (tx *Tx) GetAll() ([]Memory, error) { return queryMemories(tx.q, "") }

func (tx *Tx) Delete(id string) error { return deleteMemory(tx.q, id) }

func (tx *Tx) GetState(key string) (string, error) { return getState(tx.q, key) }

func (tx *Tx) SetState(key, value string) error { return setState(tx.q, key, value) }
