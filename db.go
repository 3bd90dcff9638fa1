package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS work_items (
		id         TEXT PRIMARY KEY,
		title      TEXT NOT NULL,
		content    TEXT DEFAULT '',
		source     TEXT NOT NULL DEFAULT 'email',
		ticket_ids TEXT DEFAULT '',
		updated_at DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_work_items_updated_at ON work_items(updated_at);

	CREATE TABLE IF NOT EXISTS progress_scores (
		id                 TEXT PRIMARY KEY,
		item_id            TEXT NOT NULL UNIQUE,
		state              TEXT NOT NULL,
		confidence         REAL NOT NULL,
		reasoning          TEXT DEFAULT '',
		signals_json       TEXT DEFAULT '[]',
		is_manual_override INTEGER NOT NULL DEFAULT 0,
		inferred_at        DATETIME NOT NULL,
		last_activity_at   DATETIME,
		model_used         TEXT DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_scores_state ON progress_scores(state);

	CREATE TABLE IF NOT EXISTS llm_cost_log (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		day           TEXT NOT NULL,
		provider      TEXT DEFAULT '',
		model         TEXT DEFAULT '',
		input_tokens  INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		logged_at     DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_cost_log_day ON llm_cost_log(day);
	`
	_, err = db.Exec(schema)
	if err != nil {
		return nil, err
	}

	return db, nil
}

// --- Work items ---

func InsertWorkItem(db *sql.DB, item WorkItem) error {
	_, err := db.Exec(
		`INSERT INTO work_items (id, title, content, source, ticket_ids, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		item.ID, item.Title, item.Content, item.Source, item.TicketIDs, item.UpdatedAt,
	)
	return err
}

func GetWorkItemByID(db *sql.DB, id string) (WorkItem, error) {
	var item WorkItem
	err := db.QueryRow(
		`SELECT id, title, content, source, ticket_ids, updated_at, created_at
		 FROM work_items WHERE id = ?`,
		id,
	).Scan(&item.ID, &item.Title, &item.Content, &item.Source, &item.TicketIDs, &item.UpdatedAt, &item.CreatedAt)
	return item, err
}

// GetPendingItems returns items needing (re-)analysis: never scored, or
// updated since the last inference. Manually overridden items are
// excluded; an override is the terminal automated write for its item.
func GetPendingItems(db *sql.DB, limit int) ([]WorkItem, error) {
	rows, err := db.Query(
		`SELECT w.id, w.title, w.content, w.source, w.ticket_ids, w.updated_at, w.created_at
		 FROM work_items w
		 LEFT JOIN progress_scores s ON s.item_id = w.id
		 WHERE s.item_id IS NULL
		    OR (s.is_manual_override = 0 AND w.updated_at > s.inferred_at)
		 ORDER BY w.updated_at ASC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanWorkItems(rows)
}

// GetRelatedItems finds cross-source items that share an external ticket
// ID with the given item.
func GetRelatedItems(db *sql.DB, ticketID, excludeItemID string) ([]WorkItem, error) {
	rows, err := db.Query(
		`SELECT id, title, content, source, ticket_ids, updated_at, created_at
		 FROM work_items
		 WHERE id <> ?
		   AND ',' || REPLACE(ticket_ids, ' ', '') || ',' LIKE '%,' || ? || ',%'
		 ORDER BY updated_at DESC`,
		excludeItemID, ticketID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanWorkItems(rows)
}

func scanWorkItems(rows *sql.Rows) ([]WorkItem, error) {
	var items []WorkItem
	for rows.Next() {
		var item WorkItem
		if err := rows.Scan(&item.ID, &item.Title, &item.Content, &item.Source,
			&item.TicketIDs, &item.UpdatedAt, &item.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// --- Progress scores ---

// GetItemIDsByState is used by the staleness sweep to find all items
// currently in a given state.
func GetItemIDsByState(db *sql.DB, state ProgressState) ([]string, error) {
	rows, err := db.Query(`SELECT item_id FROM progress_scores WHERE state = ?`, state)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func GetScore(db *sql.DB, itemID string) (ProgressScore, error) {
	var score ProgressScore
	var state string
	var signalsJSON string
	var lastActivity sql.NullTime
	err := db.QueryRow(
		`SELECT id, item_id, state, confidence, reasoning, signals_json,
		        is_manual_override, inferred_at, last_activity_at, model_used
		 FROM progress_scores WHERE item_id = ?`,
		itemID,
	).Scan(&score.ID, &score.ItemID, &state, &score.Confidence, &score.Reasoning,
		&signalsJSON, &score.IsManualOverride, &score.InferredAt, &lastActivity, &score.ModelUsed)
	if err != nil {
		return ProgressScore{}, err
	}
	score.State = ProgressState(state)
	if lastActivity.Valid {
		score.LastActivityAt = lastActivity.Time
	}
	if signalsJSON != "" {
		if err := json.Unmarshal([]byte(signalsJSON), &score.Signals); err != nil {
			return ProgressScore{}, fmt.Errorf("decode stored signals for item %s: %w", itemID, err)
		}
	}
	return score, nil
}

// UpsertScore writes an automated classification, keyed by item. The
// guard clause makes it a no-op against a manually overridden row; the
// pipeline also checks the flag before proposing, this is the backstop.
func UpsertScore(db *sql.DB, score ProgressScore) error {
	signalsJSON, err := json.Marshal(score.Signals)
	if err != nil {
		return fmt.Errorf("encode signals for item %s: %w", score.ItemID, err)
	}

	_, err = db.Exec(
		`INSERT INTO progress_scores
		 (id, item_id, state, confidence, reasoning, signals_json, is_manual_override, inferred_at, last_activity_at, model_used)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
		 ON CONFLICT(item_id) DO UPDATE SET
		   state = excluded.state,
		   confidence = excluded.confidence,
		   reasoning = excluded.reasoning,
		   signals_json = excluded.signals_json,
		   inferred_at = excluded.inferred_at,
		   last_activity_at = excluded.last_activity_at,
		   model_used = excluded.model_used
		 WHERE progress_scores.is_manual_override = 0`,
		score.ID, score.ItemID, string(score.State), score.Confidence, score.Reasoning,
		string(signalsJSON), score.InferredAt, nullableTime(score.LastActivityAt), score.ModelUsed,
	)
	return err
}

// SetManualOverride records a user-supplied classification. It is the
// terminal write for the item: automated upserts and the staleness sweep
// skip overridden rows until the override is cleared.
func SetManualOverride(db *sql.DB, scoreID, itemID string, state ProgressState, reasoning string, now time.Time) error {
	_, err := db.Exec(
		`INSERT INTO progress_scores
		 (id, item_id, state, confidence, reasoning, signals_json, is_manual_override, inferred_at, model_used)
		 VALUES (?, ?, ?, 1.0, ?, '[]', 1, ?, 'manual-override')
		 ON CONFLICT(item_id) DO UPDATE SET
		   state = excluded.state,
		   confidence = 1.0,
		   reasoning = excluded.reasoning,
		   is_manual_override = 1,
		   inferred_at = excluded.inferred_at,
		   model_used = 'manual-override'`,
		scoreID, itemID, string(state), reasoning, now,
	)
	return err
}

// ClearManualOverride releases an item back to the automated pipeline.
// Called by the UI collaborator when new signals justify superseding the
// user's classification.
func ClearManualOverride(db *sql.DB, itemID string) error {
	_, err := db.Exec(
		`UPDATE progress_scores SET is_manual_override = 0 WHERE item_id = ?`,
		itemID,
	)
	return err
}

// MarkScoreStale applies the time-decay transition. Guarded so only
// automated in-progress rows are touched; returns whether a row changed.
func MarkScoreStale(db *sql.DB, itemID, reasoning string, now time.Time) (bool, error) {
	res, err := db.Exec(
		`UPDATE progress_scores
		 SET state = ?, confidence = ?, reasoning = ?, inferred_at = ?, model_used = ?
		 WHERE item_id = ? AND is_manual_override = 0 AND state = ?`,
		string(StateStale), staleConfidence, reasoning, now, staleSweepTag,
		itemID, string(StateInProgress),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// --- Cost log ---

// InsertCostLog records provider-reported token usage for one model call.
// Daily counters are rebuilt from these rows after a restart.
func InsertCostLog(db *sql.DB, day, provider, model string, usage LLMUsage) error {
	_, err := db.Exec(
		`INSERT INTO llm_cost_log (day, provider, model, input_tokens, output_tokens)
		 VALUES (?, ?, ?, ?, ?)`,
		day, provider, model, usage.InputTokens, usage.OutputTokens,
	)
	return err
}

func TokensUsedOn(db *sql.DB, day string) (int64, error) {
	var total int64
	err := db.QueryRow(
		`SELECT COALESCE(SUM(input_tokens + output_tokens), 0) FROM llm_cost_log WHERE day = ?`,
		day,
	).Scan(&total)
	return total, err
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
