package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the canonical persistence port implementation.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the engine database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process engine. One shared connection avoids writer lock
	// contention with SQLite under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			character_id TEXT NOT NULL,
			status TEXT NOT NULL,
			first_meeting INTEGER NOT NULL DEFAULT 1,
			calling_name TEXT NOT NULL DEFAULT '',
			cleanup_flag INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS conversations_pair_idx ON conversations(user_id, character_id, id DESC);`,
		`CREATE INDEX IF NOT EXISTS conversations_status_idx ON conversations(status, updated_at_ms);`,
		`CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL,
			sender TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS turns_conversation_idx ON turns(conversation_id, id DESC);`,
		`CREATE TABLE IF NOT EXISTS conversation_summaries (
			conversation_id INTEGER PRIMARY KEY,
			summary TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			last_turn_id INTEGER NOT NULL DEFAULT 0,
			char_len INTEGER NOT NULL DEFAULT 0,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS memory_slots (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			character_id TEXT NOT NULL,
			category TEXT NOT NULL,
			subject TEXT NOT NULL,
			subject_norm TEXT NOT NULL,
			value TEXT NOT NULL,
			strength INTEGER NOT NULL DEFAULT 1,
			confidence REAL NOT NULL DEFAULT 0,
			source TEXT NOT NULL DEFAULT '',
			source_conversation_id INTEGER NOT NULL DEFAULT 0,
			source_turn_id INTEGER NOT NULL DEFAULT 0,
			due_at_ms INTEGER NOT NULL DEFAULT 0,
			first_seen_at_ms INTEGER NOT NULL,
			last_used_at_ms INTEGER NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS memory_slots_key ON memory_slots(user_id, character_id, category, subject_norm);`,
		`CREATE INDEX IF NOT EXISTS memory_slots_rank_idx ON memory_slots(user_id, character_id, strength, last_used_at_ms);`,
		`CREATE TABLE IF NOT EXISTS personas (
			character_id TEXT PRIMARY KEY,
			prompt TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS engine_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			metric TEXT NOT NULL,
			value REAL NOT NULL,
			labels_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

const conversationColumns = `id, user_id, character_id, status, first_meeting, calling_name, cleanup_flag, created_at_ms, updated_at_ms`

func scanConversation(row interface{ Scan(...any) error }) (Conversation, error) {
	var c Conversation
	var firstMeeting, cleanupFlag int
	err := row.Scan(&c.ID, &c.UserID, &c.CharacterID, &c.Status, &firstMeeting, &c.CallingName, &cleanupFlag, &c.CreatedAtMS, &c.UpdatedAtMS)
	if err != nil {
		return Conversation{}, err
	}
	c.FirstMeeting = firstMeeting != 0
	c.CleanupFlag = cleanupFlag != 0
	return c, nil
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, userID, characterID string) (Conversation, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(characterID) == "" {
		return Conversation{}, fmt.Errorf("create conversation: empty user or character id")
	}
	now := nowMS()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO conversations(user_id, character_id, status, first_meeting, calling_name, cleanup_flag, created_at_ms, updated_at_ms)
VALUES(?, ?, ?, 1, '', 0, ?, ?)`,
		userID, characterID, StatusOpen, now, now)
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation id: %w", err)
	}
	return Conversation{
		ID:           id,
		UserID:       userID,
		CharacterID:  characterID,
		Status:       StatusOpen,
		FirstMeeting: true,
		CreatedAtMS:  now,
		UpdatedAtMS:  now,
	}, nil
}

func (s *SQLiteStore) LatestConversation(ctx context.Context, userID, characterID string) (Conversation, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+conversationColumns+`
FROM conversations
WHERE user_id = ? AND character_id = ?
ORDER BY id DESC
LIMIT 1`, userID, characterID)
	c, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, false, nil
		}
		return Conversation{}, false, fmt.Errorf("latest conversation: %w", err)
	}
	return c, true, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id int64) (Conversation, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, false, nil
		}
		return Conversation{}, false, fmt.Errorf("get conversation: %w", err)
	}
	return c, true, nil
}

func (s *SQLiteStore) SetConversationStatus(ctx context.Context, id int64, status string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE conversations SET status = ?, updated_at_ms = ? WHERE id = ?`, status, nowMS(), id)
	if err != nil {
		return fmt.Errorf("set conversation status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetFirstMeeting(ctx context.Context, id int64, firstMeeting bool) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE conversations SET first_meeting = ?, updated_at_ms = ? WHERE id = ?`, boolInt(firstMeeting), nowMS(), id)
	if err != nil {
		return fmt.Errorf("set first meeting: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetCallingName(ctx context.Context, id int64, name string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE conversations SET calling_name = ?, updated_at_ms = ? WHERE id = ?`, name, nowMS(), id)
	if err != nil {
		return fmt.Errorf("set calling name: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TouchConversation(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE conversations SET updated_at_ms = ? WHERE id = ?`, nowMS(), id)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetCleanupFlag(ctx context.Context, id int64, flagged bool) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE conversations SET cleanup_flag = ?, updated_at_ms = ? WHERE id = ?`, boolInt(flagged), nowMS(), id)
	if err != nil {
		return fmt.Errorf("set cleanup flag: %w", err)
	}
	return nil
}

// ClaimCleanupFlag is the row-level lock for delayed cleanup: the conditional
// update clears the flag only if it is still set, so exactly one of several
// concurrent claimants wins.
func (s *SQLiteStore) ClaimCleanupFlag(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE conversations SET cleanup_flag = 0, updated_at_ms = ?
WHERE id = ? AND cleanup_flag = 1`, nowMS(), id)
	if err != nil {
		return false, fmt.Errorf("claim cleanup flag: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteStore) ListConversationsByStatus(ctx context.Context, status string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+conversationColumns+`
FROM conversations
WHERE status = ?
ORDER BY updated_at_ms ASC
LIMIT ?`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations by status: %w", err)
	}
	defer rows.Close()

	out := make([]Conversation, 0, limit)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) FlagIdleOpenConversations(ctx context.Context, beforeMS int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE conversations SET cleanup_flag = 1
WHERE status = ? AND cleanup_flag = 0 AND updated_at_ms < ?`, StatusOpen, beforeMS)
	if err != nil {
		return 0, fmt.Errorf("flag idle open conversations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) InsertTurn(ctx context.Context, conversationID int64, sender, content string) (Turn, error) {
	if strings.TrimSpace(sender) == "" {
		return Turn{}, fmt.Errorf("insert turn: empty sender")
	}
	now := nowMS()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO turns(conversation_id, sender, content, created_at_ms)
VALUES(?, ?, ?, ?)`, conversationID, sender, content, now)
	if err != nil {
		return Turn{}, fmt.Errorf("insert turn: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Turn{}, fmt.Errorf("insert turn id: %w", err)
	}
	return Turn{ID: id, ConversationID: conversationID, Sender: sender, Content: content, CreatedAtMS: now}, nil
}

// ListRecentTurns returns the newest limit turns in ascending id order.
func (s *SQLiteStore) ListRecentTurns(ctx context.Context, conversationID int64, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, conversation_id, sender, content, created_at_ms
FROM turns
WHERE conversation_id = ?
ORDER BY id DESC
LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent turns: %w", err)
	}
	defer rows.Close()

	out := make([]Turn, 0, limit)
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.Sender, &t.Content, &t.CreatedAtMS); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteStore) CountTurns(ctx context.Context, conversationID int64) (int, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns WHERE conversation_id = ?`, conversationID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) CountTurnsBySender(ctx context.Context, conversationID int64, sender string) (int, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM turns WHERE conversation_id = ? AND sender = ?`, conversationID, sender)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count turns by sender: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) LatestTurn(ctx context.Context, conversationID int64) (Turn, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, conversation_id, sender, content, created_at_ms
FROM turns
WHERE conversation_id = ?
ORDER BY id DESC
LIMIT 1`, conversationID)
	var t Turn
	if err := row.Scan(&t.ID, &t.ConversationID, &t.Sender, &t.Content, &t.CreatedAtMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Turn{}, false, nil
		}
		return Turn{}, false, fmt.Errorf("latest turn: %w", err)
	}
	return t, true, nil
}

func (s *SQLiteStore) DeleteTurns(ctx context.Context, conversationID int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("delete turns: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetSummary returns the zero Summary (LastTurnID 0) when none exists yet.
func (s *SQLiteStore) GetSummary(ctx context.Context, conversationID int64) (Summary, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT conversation_id, summary, version, last_turn_id, char_len, updated_at_ms
FROM conversation_summaries
WHERE conversation_id = ?`, conversationID)
	var out Summary
	if err := row.Scan(&out.ConversationID, &out.Text, &out.Version, &out.LastTurnID, &out.CharLen, &out.UpdatedAtMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Summary{ConversationID: conversationID}, nil
		}
		return Summary{}, fmt.Errorf("get summary: %w", err)
	}
	return out, nil
}

// UpsertSummary replaces the summary text wholesale and advances the
// high-water mark in one statement. MAX keeps last_turn_id monotonic even if
// a stale writer races a fresher one.
func (s *SQLiteStore) UpsertSummary(ctx context.Context, conversationID int64, text string, lastTurnID int64) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("upsert summary: empty text")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO conversation_summaries(conversation_id, summary, version, last_turn_id, char_len, updated_at_ms)
VALUES(?, ?, 1, ?, ?, ?)
ON CONFLICT(conversation_id) DO UPDATE SET
	summary = excluded.summary,
	version = conversation_summaries.version + 1,
	last_turn_id = MAX(conversation_summaries.last_turn_id, excluded.last_turn_id),
	char_len = excluded.char_len,
	updated_at_ms = excluded.updated_at_ms`,
		conversationID, text, lastTurnID, len([]rune(text)), nowMS())
	if err != nil {
		return fmt.Errorf("upsert summary: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertSlot(ctx context.Context, slot Slot) error {
	if slot.ID == "" {
		slot.ID = uuid.NewString()
	}
	now := nowMS()
	if slot.FirstSeenAtMS == 0 {
		slot.FirstSeenAtMS = now
	}
	if slot.LastUsedAtMS == 0 {
		slot.LastUsedAtMS = now
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO memory_slots(id, user_id, character_id, category, subject, subject_norm, value, strength, confidence,
	source, source_conversation_id, source_turn_id, due_at_ms, first_seen_at_ms, last_used_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id, character_id, category, subject_norm) DO UPDATE SET
	subject = excluded.subject,
	value = excluded.value,
	strength = MAX(memory_slots.strength, excluded.strength),
	confidence = MAX(memory_slots.confidence, excluded.confidence),
	source = excluded.source,
	source_conversation_id = excluded.source_conversation_id,
	source_turn_id = excluded.source_turn_id,
	due_at_ms = excluded.due_at_ms,
	last_used_at_ms = excluded.last_used_at_ms`,
		slot.ID, slot.UserID, slot.CharacterID, slot.Category, slot.Subject, slot.SubjectNorm, slot.Value,
		slot.Strength, slot.Confidence, slot.Source, slot.SourceConversationID, slot.SourceTurnID,
		slot.DueAtMS, slot.FirstSeenAtMS, slot.LastUsedAtMS)
	if err != nil {
		return fmt.Errorf("upsert memory slot: %w", err)
	}
	return nil
}

// SelectRecentSlots returns up to limit non-expired, confidence-filtered
// slots, strongest and most recently reinforced first.
func (s *SQLiteStore) SelectRecentSlots(ctx context.Context, userID, characterID string, limit int, minConfidence float64, nowMS int64) ([]Slot, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, character_id, category, subject, subject_norm, value, strength, confidence,
	source, source_conversation_id, source_turn_id, due_at_ms, first_seen_at_ms, last_used_at_ms
FROM memory_slots
WHERE user_id = ? AND character_id = ?
AND confidence >= ?
AND (due_at_ms = 0 OR due_at_ms >= ?)
ORDER BY strength DESC, last_used_at_ms DESC
LIMIT ?`, userID, characterID, minConfidence, nowMS, limit)
	if err != nil {
		return nil, fmt.Errorf("select recent slots: %w", err)
	}
	defer rows.Close()

	out := make([]Slot, 0, limit)
	for rows.Next() {
		var m Slot
		if err := rows.Scan(&m.ID, &m.UserID, &m.CharacterID, &m.Category, &m.Subject, &m.SubjectNorm, &m.Value,
			&m.Strength, &m.Confidence, &m.Source, &m.SourceConversationID, &m.SourceTurnID,
			&m.DueAtMS, &m.FirstSeenAtMS, &m.LastUsedAtMS); err != nil {
			return nil, fmt.Errorf("scan memory slot: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory slots: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) CountSlots(ctx context.Context, userID, characterID string) (int, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM memory_slots WHERE user_id = ? AND character_id = ?`, userID, characterID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count memory slots: %w", err)
	}
	return n, nil
}

// EvictWeakestOldest removes up to n slots, least reinforced and least
// recently referenced first.
func (s *SQLiteStore) EvictWeakestOldest(ctx context.Context, userID, characterID string, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM memory_slots
WHERE id IN (
	SELECT id FROM memory_slots
	WHERE user_id = ? AND character_id = ?
	ORDER BY strength ASC, last_used_at_ms ASC
	LIMIT ?
)`, userID, characterID, n)
	if err != nil {
		return 0, fmt.Errorf("evict memory slots: %w", err)
	}
	removed, _ := res.RowsAffected()
	return int(removed), nil
}

func (s *SQLiteStore) TouchSlotsUsed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, nowMS())
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE memory_slots SET last_used_at_ms = ? WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("touch memory slots: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetPersona(ctx context.Context, characterID string) (Persona, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT character_id, prompt, created_at_ms FROM personas WHERE character_id = ?`, characterID)
	var p Persona
	if err := row.Scan(&p.CharacterID, &p.Prompt, &p.CreatedAtMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Persona{}, false, nil
		}
		return Persona{}, false, fmt.Errorf("get persona: %w", err)
	}
	return p, true, nil
}

// InsertPersona ignores a concurrent insert of the same character; persona
// creation is a benign last-write-loses race.
func (s *SQLiteStore) InsertPersona(ctx context.Context, characterID, prompt string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO personas(character_id, prompt, created_at_ms)
VALUES(?, ?, ?)
ON CONFLICT(character_id) DO NOTHING`, characterID, prompt, nowMS())
	if err != nil {
		return fmt.Errorf("insert persona: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO engine_metrics(metric, value, labels_json, created_at_ms)
VALUES(?, ?, ?, ?)`, metric, value, encodeLabels(labels), nowMS())
	if err != nil {
		return fmt.Errorf("add metric: %w", err)
	}
	return nil
}

func encodeLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return "{}"
	}
	data, err := json.Marshal(labels)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

var _ Store = (*SQLiteStore)(nil)
