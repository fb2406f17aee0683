package db

import (
	"database/sql"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type Database struct {
	db *sql.DB
}

// Session is the stored record of one matched interview session.
type Session struct {
	RoomID          string    `json:"room_id"`
	UserOne         string    `json:"user_one"`
	UsernameOne     string    `json:"username_one"`
	UserTwo         string    `json:"user_two"`
	UsernameTwo     string    `json:"username_two"`
	QuestionTitle   string    `json:"question_title"`
	QuestionContent string    `json:"question_content"`
	Language        string    `json:"programming_language"`
	CreatedAt       time.Time `json:"created_at"`
}

// CodeSnapshot is the final editor content persisted at session end.
type CodeSnapshot struct {
	RoomID   string    `json:"room_id"`
	Code     string    `json:"code"`
	Language string    `json:"language"`
	SavedAt  time.Time `json:"saved_at"`
}

// HistoryEntry is one row of a user's past-session history.
type HistoryEntry struct {
	RoomID        string    `json:"room_id"`
	PartnerName   string    `json:"partner_name"`
	QuestionTitle string    `json:"question_title"`
	Language      string    `json:"programming_language"`
	Code          string    `json:"code"`
	CreatedAt     time.Time `json:"created_at"`
}

func New(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Printf("Database initialized at %s", dbPath)
	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		room_id TEXT PRIMARY KEY,
		user_one TEXT NOT NULL,
		username_one TEXT NOT NULL DEFAULT '',
		user_two TEXT NOT NULL,
		username_two TEXT NOT NULL DEFAULT '',
		question_title TEXT NOT NULL DEFAULT '',
		question_content TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_username_one ON sessions(username_one);
	CREATE INDEX IF NOT EXISTS idx_sessions_username_two ON sessions(username_two);

	CREATE TABLE IF NOT EXISTS code_snapshots (
		room_id TEXT PRIMARY KEY,
		code TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		saved_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (room_id) REFERENCES sessions(room_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS relay_snapshots (
		room_id TEXT PRIMARY KEY,
		snapshot_data BLOB NOT NULL,
		update_count INTEGER DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Session operations

// CreateSession inserts a session record. Re-delivery of the same match is a
// no-op, which keeps the queue consumer at-least-once safe.
func (d *Database) CreateSession(s Session) error {
	_, err := d.db.Exec(`
		INSERT OR IGNORE INTO sessions
			(room_id, user_one, username_one, user_two, username_two, question_title, question_content, language)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.RoomID, s.UserOne, s.UsernameOne, s.UserTwo, s.UsernameTwo, s.QuestionTitle, s.QuestionContent, s.Language)
	return err
}

func (d *Database) GetSession(roomID string) (*Session, error) {
	row := d.db.QueryRow(`
		SELECT room_id, user_one, username_one, user_two, username_two, question_title, question_content, language, created_at
		FROM sessions WHERE room_id = ?
	`, roomID)

	var s Session
	err := row.Scan(&s.RoomID, &s.UserOne, &s.UsernameOne, &s.UserTwo, &s.UsernameTwo,
		&s.QuestionTitle, &s.QuestionContent, &s.Language, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Code snapshot operations

// SaveCode upserts the final code snapshot for a session.
func (d *Database) SaveCode(roomID, code, language string) error {
	_, err := d.db.Exec(`
		INSERT INTO code_snapshots (room_id, code, language, saved_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(room_id) DO UPDATE SET
			code = excluded.code,
			language = excluded.language,
			saved_at = CURRENT_TIMESTAMP
	`, roomID, code, language)
	return err
}

func (d *Database) GetCode(roomID string) (*CodeSnapshot, error) {
	row := d.db.QueryRow(
		"SELECT room_id, code, language, saved_at FROM code_snapshots WHERE room_id = ?",
		roomID,
	)

	var c CodeSnapshot
	err := row.Scan(&c.RoomID, &c.Code, &c.Language, &c.SavedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// History operations

// ListHistory returns a page of the user's past sessions, newest first, with
// whatever code snapshot exists for each.
func (d *Database) ListHistory(username string, page, pageSize int) ([]HistoryEntry, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 10
	}
	offset := (page - 1) * pageSize

	rows, err := d.db.Query(`
		SELECT s.room_id,
			CASE WHEN s.username_one = ? THEN s.username_two ELSE s.username_one END,
			s.question_title, s.language,
			COALESCE(c.code, ''), s.created_at
		FROM sessions s
		LEFT JOIN code_snapshots c ON c.room_id = s.room_id
		WHERE s.username_one = ? OR s.username_two = ?
		ORDER BY s.created_at DESC
		LIMIT ? OFFSET ?
	`, username, username, username, pageSize, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.RoomID, &e.PartnerName, &e.QuestionTitle, &e.Language, &e.Code, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountHistory returns the user's total past-session count for pagination.
func (d *Database) CountHistory(username string) (int, error) {
	var count int
	err := d.db.QueryRow(
		"SELECT COUNT(*) FROM sessions WHERE username_one = ? OR username_two = ?",
		username, username,
	).Scan(&count)
	return count, err
}

// Relay snapshot operations (for update-log compaction)

func (d *Database) SaveRelaySnapshot(roomID string, snapshot []byte, updateCount int) error {
	_, err := d.db.Exec(`
		INSERT INTO relay_snapshots (room_id, snapshot_data, update_count, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(room_id) DO UPDATE SET
			snapshot_data = excluded.snapshot_data,
			update_count = excluded.update_count,
			updated_at = CURRENT_TIMESTAMP
	`, roomID, snapshot, updateCount)
	return err
}

func (d *Database) GetRelaySnapshot(roomID string) ([]byte, int, error) {
	var snapshot []byte
	var updateCount int
	err := d.db.QueryRow(
		"SELECT snapshot_data, update_count FROM relay_snapshots WHERE room_id = ?",
		roomID,
	).Scan(&snapshot, &updateCount)
	if err == sql.ErrNoRows {
		return nil, 0, nil
	}
	return snapshot, updateCount, err
}

func (d *Database) DeleteRelaySnapshot(roomID string) error {
	_, err := d.db.Exec("DELETE FROM relay_snapshots WHERE room_id = ?", roomID)
	return err
}

// Stats

func (d *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var sessionCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&sessionCount); err != nil {
		return nil, err
	}
	stats["session_count"] = sessionCount

	var snapshotCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM code_snapshots").Scan(&snapshotCount); err != nil {
		return nil, err
	}
	stats["snapshot_count"] = snapshotCount

	return stats, nil
}
