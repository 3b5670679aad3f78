package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Database is the SQLite journal of acquisition sessions and analysis outcomes
type Database struct {
	db *sql.DB
}

// SessionRecord is one Start..Stop acquisition run
type SessionRecord struct {
	ID         string
	SourceID   string
	SourceName string
	Policy     string
	StartedAt  time.Time
	StoppedAt  *time.Time
}

// OutcomeRecord is one resolved analysis request
type OutcomeRecord struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	SourceID    string         `json:"source_id"`
	FrameIndex  uint64         `json:"frame_index"`
	FrameTime   time.Time      `json:"frame_time"`
	Status      string         `json:"status"`
	SubmittedAt time.Time      `json:"submitted_at"`
	CompletedAt time.Time      `json:"completed_at"`
	LatencyMs   float64        `json:"latency_ms"`
	Error       string         `json:"error,omitempty"`
	Regions     []RegionRecord `json:"regions"`
	Tags        []string       `json:"tags,omitempty"`
}

// RegionRecord represents an analyzed region
type RegionRecord struct {
	X          int               `json:"x"`
	Y          int               `json:"y"`
	Width      int               `json:"width"`
	Height     int               `json:"height"`
	Label      string            `json:"label,omitempty"`
	Confidence float32           `json:"confidence,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// New creates a new database connection. Foreign keys are enabled through
// the DSN so that every pooled connection enforces them.
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL,
			source_name TEXT,
			policy TEXT,
			started_at DATETIME NOT NULL,
			stopped_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS outcomes (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			source_id TEXT NOT NULL,
			frame_index INTEGER NOT NULL,
			frame_time DATETIME NOT NULL,
			status TEXT NOT NULL,
			submitted_at DATETIME NOT NULL,
			completed_at DATETIME NOT NULL,
			latency_ms REAL,
			error TEXT,
			regions TEXT,
			tags TEXT,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		)`,
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_session_time ON outcomes(session_id, completed_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_time ON outcomes(completed_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	log.Printf("[Database] Migrations completed successfully")
	return nil
}

// StartSession records a new acquisition run and assigns its ID when empty
func (d *Database) StartSession(s *SessionRecord) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	_, err := d.db.Exec(`INSERT INTO sessions (id, source_id, source_name, policy, started_at) VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.SourceID, s.SourceName, s.Policy, s.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// EndSession sets the stop time of a session
func (d *Database) EndSession(id string, stoppedAt time.Time) error {
	_, err := d.db.Exec("UPDATE sessions SET stopped_at = ? WHERE id = ?", stoppedAt, id)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID, nil when missing
func (d *Database) GetSession(id string) (*SessionRecord, error) {
	var s SessionRecord
	var stopped sql.NullTime
	err := d.db.QueryRow(`SELECT id, source_id, source_name, policy, started_at, stopped_at FROM sessions WHERE id = ?`, id).
		Scan(&s.ID, &s.SourceID, &s.SourceName, &s.Policy, &s.StartedAt, &stopped)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if stopped.Valid {
		s.StoppedAt = &stopped.Time
	}
	return &s, nil
}

// SaveOutcome saves an analysis outcome and assigns its ID when empty
func (d *Database) SaveOutcome(o *OutcomeRecord) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}

	regionsJSON, err := json.Marshal(o.Regions)
	if err != nil {
		return fmt.Errorf("failed to marshal regions: %w", err)
	}
	tagsJSON, err := json.Marshal(o.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	query := `INSERT INTO outcomes
		(id, session_id, source_id, frame_index, frame_time, status, submitted_at, completed_at,
		 latency_ms, error, regions, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = d.db.Exec(query, o.ID, o.SessionID, o.SourceID, int64(o.FrameIndex), o.FrameTime, o.Status,
		o.SubmittedAt, o.CompletedAt, o.LatencyMs, o.Error, string(regionsJSON), string(tagsJSON))
	if err != nil {
		return fmt.Errorf("failed to save outcome: %w", err)
	}
	return nil
}

// ListOutcomes returns outcomes newest first, optionally for one session
func (d *Database) ListOutcomes(sessionID string, limit int) ([]*OutcomeRecord, error) {
	query := `SELECT id, session_id, source_id, frame_index, frame_time, status, submitted_at, completed_at,
		latency_ms, error, regions, tags
		FROM outcomes WHERE 1=1`
	args := []interface{}{}

	if sessionID != "" {
		query += " AND session_id = ?"
		args = append(args, sessionID)
	}

	query += " ORDER BY completed_at DESC, frame_index DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []*OutcomeRecord
	for rows.Next() {
		var o OutcomeRecord
		var frameIndex int64
		var errText, regionsJSON, tagsJSON sql.NullString

		if err := rows.Scan(&o.ID, &o.SessionID, &o.SourceID, &frameIndex, &o.FrameTime, &o.Status,
			&o.SubmittedAt, &o.CompletedAt, &o.LatencyMs, &errText, &regionsJSON, &tagsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}

		o.FrameIndex = uint64(frameIndex)
		o.Error = errText.String
		if regionsJSON.String != "" {
			if err := json.Unmarshal([]byte(regionsJSON.String), &o.Regions); err != nil {
				return nil, fmt.Errorf("failed to unmarshal regions: %w", err)
			}
		}
		if tagsJSON.String != "" {
			if err := json.Unmarshal([]byte(tagsJSON.String), &o.Tags); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
			}
		}
		outcomes = append(outcomes, &o)
	}
	return outcomes, rows.Err()
}

// CountByStatus returns the number of outcomes per status, optionally for one session
func (d *Database) CountByStatus(sessionID string) (map[string]int, error) {
	query := "SELECT status, COUNT(*) FROM outcomes"
	args := []interface{}{}
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " GROUP BY status"

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count outcomes: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// DeleteOldOutcomes deletes outcomes completed before the specified time
func (d *Database) DeleteOldOutcomes(before time.Time) (int64, error) {
	result, err := d.db.Exec("DELETE FROM outcomes WHERE completed_at < ?", before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old outcomes: %w", err)
	}
	return result.RowsAffected()
}

// SaveSetting saves a key-value setting
func (d *Database) SaveSetting(key, value string) error {
	query := `INSERT INTO app_config (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP`

	if _, err := d.db.Exec(query, key, value); err != nil {
		return fmt.Errorf("failed to save setting: %w", err)
	}
	return nil
}

// GetSetting retrieves a setting, "" when missing
func (d *Database) GetSetting(key string) (string, error) {
	var value string
	err := d.db.QueryRow("SELECT value FROM app_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting: %w", err)
	}
	return value, nil
}
