// Package db provides the database access layer for the Training Integrity System.
// Implements SQLite-based storage for session snapshots, challenge history,
// completion records, the video catalog, and nonce tracking.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"training-integrity-system/pkg/models"

	_ "github.com/mattn/go-sqlite3"
)

// SessionDB provides database operations for the proctoring engine.
// Manages session snapshots, challenge history, completion records, the video
// catalog, and nonce tracking for replay protection.
type SessionDB struct {
	db *sql.DB // SQLite database connection
}

// NewSessionDB creates and initializes a new engine database instance.
// Opens SQLite connection, enables WAL mode for better concurrency, and creates
// required tables. Returns configured database ready for engine operations.
func NewSessionDB(dbPath string) (*SessionDB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access and set busy timeout
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	sdb := &SessionDB{db: db}
	if err := sdb.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return sdb, nil
}

// createTables initializes all required database tables for engine operations.
func (s *SessionDB) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			worker_id TEXT NOT NULL,
			video_id TEXT NOT NULL,
			ticket_context_id TEXT NOT NULL,
			required_seconds REAL NOT NULL,
			accumulated_seconds REAL NOT NULL DEFAULT 0,
			state TEXT NOT NULL,
			video_state TEXT,
			last_position REAL NOT NULL DEFAULT 0,
			anomaly_count INTEGER NOT NULL DEFAULT 0,
			failure_reason TEXT,
			pending_challenge_id TEXT,
			pending_action_type TEXT,
			pending_issued_at TIMESTAMP,
			pending_timeout_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			last_heartbeat_at TIMESTAMP NOT NULL,
			last_client_ts INTEGER NOT NULL DEFAULT 0,
			ended_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS challenge_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			challenge_id TEXT NOT NULL,
			action_type TEXT NOT NULL,
			issued_at TIMESTAMP NOT NULL,
			resolved_at TIMESTAMP NOT NULL,
			outcome TEXT NOT NULL,
			reason TEXT,
			FOREIGN KEY (session_id) REFERENCES sessions(id),
			UNIQUE (session_id, challenge_id)
		)`,
		`CREATE TABLE IF NOT EXISTS completion_records (
			session_id TEXT PRIMARY KEY,
			worker_id TEXT NOT NULL,
			video_id TEXT NOT NULL,
			ticket_context_id TEXT NOT NULL,
			accumulated_seconds REAL NOT NULL,
			required_seconds REAL NOT NULL,
			challenge_history TEXT,
			completed_at TIMESTAMP NOT NULL,
			notified INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS videos (
			id TEXT PRIMARY KEY,
			title TEXT,
			duration_seconds REAL NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS seen_nonces (
			nonce TEXT PRIMARY KEY,
			seen_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS ix_sessions_tuple ON sessions(worker_id, video_id, ticket_context_id)`,
		`CREATE INDEX IF NOT EXISTS ix_sessions_state ON sessions(state)`,
		`CREATE INDEX IF NOT EXISTS ix_history_session ON challenge_history(session_id)`,
		`CREATE INDEX IF NOT EXISTS ix_seen_nonces_seen_at ON seen_nonces(seen_at)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query %s: %w", query, err)
		}
	}

	return nil
}

// UpsertSession writes a session snapshot, replacing any previous snapshot for
// the same session ID. The in-memory copy remains authoritative; this is the
// asynchronous flush target.
func (s *SessionDB) UpsertSession(session *models.Session) error {
	var (
		pendingID, pendingAction      sql.NullString
		pendingIssued, pendingTimeout sql.NullTime
	)
	if c := session.PendingChallenge; c != nil {
		pendingID = sql.NullString{String: c.ID, Valid: true}
		pendingAction = sql.NullString{String: c.ActionType, Valid: true}
		pendingIssued = sql.NullTime{Time: c.IssuedAt, Valid: true}
		pendingTimeout = sql.NullTime{Time: c.TimeoutAt, Valid: true}
	}

	var endedAt sql.NullTime
	if session.EndedAt != nil {
		endedAt = sql.NullTime{Time: *session.EndedAt, Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO sessions (
			id, worker_id, video_id, ticket_context_id, required_seconds,
			accumulated_seconds, state, video_state, last_position, anomaly_count,
			failure_reason, pending_challenge_id, pending_action_type,
			pending_issued_at, pending_timeout_at, created_at, last_heartbeat_at,
			last_client_ts, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.WorkerID, session.VideoID, session.TicketContextID,
		session.RequiredSeconds, session.AccumulatedSeconds, string(session.State),
		session.VideoState, session.LastPosition, session.AnomalyCount,
		session.FailureReason, pendingID, pendingAction, pendingIssued,
		pendingTimeout, session.CreatedAt, session.LastHeartbeatAt,
		session.LastClientTS, endedAt)

	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	return nil
}

// GetSession retrieves a session snapshot with its challenge history.
// Returns a NotFoundError if the session does not exist.
func (s *SessionDB) GetSession(id string) (*models.Session, error) {
	row := s.db.QueryRow(`
		SELECT id, worker_id, video_id, ticket_context_id, required_seconds,
			accumulated_seconds, state, video_state, last_position, anomaly_count,
			failure_reason, pending_challenge_id, pending_action_type,
			pending_issued_at, pending_timeout_at, created_at, last_heartbeat_at,
			last_client_ts, ended_at
		FROM sessions WHERE id = ?`, id)

	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, &models.NotFoundError{Resource: "session", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	history, err := s.loadHistory(session.ID)
	if err != nil {
		return nil, err
	}
	session.ChallengeHistory = history

	return session, nil
}

// ListOpenSessions retrieves all non-terminal sessions with their histories.
// Used to rebuild the in-memory registry after a restart.
func (s *SessionDB) ListOpenSessions() ([]*models.Session, error) {
	rows, err := s.db.Query(`
		SELECT id, worker_id, video_id, ticket_context_id, required_seconds,
			accumulated_seconds, state, video_state, last_position, anomaly_count,
			failure_reason, pending_challenge_id, pending_action_type,
			pending_issued_at, pending_timeout_at, created_at, last_heartbeat_at,
			last_client_ts, ended_at
		FROM sessions WHERE state NOT IN (?, ?, ?)`,
		string(models.StateCompleted), string(models.StateAborted), string(models.StateExpired))
	if err != nil {
		return nil, fmt.Errorf("failed to query open sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	for _, session := range sessions {
		history, err := s.loadHistory(session.ID)
		if err != nil {
			return nil, err
		}
		session.ChallengeHistory = history
	}

	return sessions, nil
}

// scanner abstracts sql.Row and sql.Rows for session scanning.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanSession reads one session row into a model, reconstructing the optional
// pending challenge from its nullable columns.
func scanSession(row scanner) (*models.Session, error) {
	var (
		session                       models.Session
		state                         string
		videoState, failureReason     sql.NullString
		pendingID, pendingAction      sql.NullString
		pendingIssued, pendingTimeout sql.NullTime
		endedAt                       sql.NullTime
	)

	err := row.Scan(&session.ID, &session.WorkerID, &session.VideoID,
		&session.TicketContextID, &session.RequiredSeconds, &session.AccumulatedSeconds,
		&state, &videoState, &session.LastPosition, &session.AnomalyCount,
		&failureReason, &pendingID, &pendingAction, &pendingIssued, &pendingTimeout,
		&session.CreatedAt, &session.LastHeartbeatAt, &session.LastClientTS, &endedAt)
	if err != nil {
		return nil, err
	}

	session.State = models.SessionState(state)
	session.VideoState = videoState.String
	session.FailureReason = failureReason.String

	if pendingID.Valid {
		session.PendingChallenge = &models.Challenge{
			ID:         pendingID.String,
			ActionType: pendingAction.String,
			IssuedAt:   pendingIssued.Time,
			TimeoutAt:  pendingTimeout.Time,
		}
	}

	if endedAt.Valid {
		t := endedAt.Time
		session.EndedAt = &t
	}

	return &session, nil
}

// loadHistory reads the ordered challenge history for a session.
func (s *SessionDB) loadHistory(sessionID string) ([]models.ChallengeRecord, error) {
	rows, err := s.db.Query(`
		SELECT challenge_id, action_type, issued_at, resolved_at, outcome, reason
		FROM challenge_history WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query challenge history: %w", err)
	}
	defer rows.Close()

	var history []models.ChallengeRecord
	for rows.Next() {
		var rec models.ChallengeRecord
		var reason sql.NullString

		if err := rows.Scan(&rec.ChallengeID, &rec.ActionType, &rec.IssuedAt,
			&rec.ResolvedAt, &rec.Outcome, &reason); err != nil {
			return nil, fmt.Errorf("failed to scan challenge record: %w", err)
		}
		rec.Reason = reason.String
		history = append(history, rec)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating challenge history: %w", err)
	}

	return history, nil
}

// AppendChallengeRecord stores a resolved challenge in the append-only history.
// Duplicate (session, challenge) pairs are ignored so retried flushes stay idempotent.
func (s *SessionDB) AppendChallengeRecord(sessionID string, rec models.ChallengeRecord) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO challenge_history
			(session_id, challenge_id, action_type, issued_at, resolved_at, outcome, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, rec.ChallengeID, rec.ActionType, rec.IssuedAt, rec.ResolvedAt,
		rec.Outcome, rec.Reason)

	if err != nil {
		return fmt.Errorf("failed to append challenge record: %w", err)
	}

	return nil
}

// SaveCompletionRecord stores an immutable completion record and returns
// insertion status. Returns true if the record was newly inserted, false if a
// record for the session already existed. Keyed by session ID so at-least-once
// delivery from the audit worker stays idempotent.
func (s *SessionDB) SaveCompletionRecord(rec *models.CompletionRecord) (bool, error) {
	historyJSON, err := json.Marshal(rec.ChallengeHistory)
	if err != nil {
		return false, fmt.Errorf("failed to marshal challenge history: %w", err)
	}

	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO completion_records (session_id, worker_id, video_id,
			ticket_context_id, accumulated_seconds, required_seconds,
			challenge_history, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.WorkerID, rec.VideoID, rec.TicketContextID,
		rec.AccumulatedSeconds, rec.RequiredSeconds, string(historyJSON), rec.CompletedAt)

	if err != nil {
		return false, fmt.Errorf("failed to save completion record: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	// If no rows were affected, the record already existed and was ignored
	return rowsAffected > 0, nil
}

// GetCompletionRecord retrieves a completion record by session ID.
// Returns nil if no record exists.
func (s *SessionDB) GetCompletionRecord(sessionID string) (*models.CompletionRecord, error) {
	row := s.db.QueryRow(`
		SELECT session_id, worker_id, video_id, ticket_context_id,
			accumulated_seconds, required_seconds, challenge_history, completed_at
		FROM completion_records WHERE session_id = ?`, sessionID)

	var rec models.CompletionRecord
	var historyJSON sql.NullString

	err := row.Scan(&rec.SessionID, &rec.WorkerID, &rec.VideoID, &rec.TicketContextID,
		&rec.AccumulatedSeconds, &rec.RequiredSeconds, &historyJSON, &rec.CompletedAt)

	if err == sql.ErrNoRows {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get completion record: %w", err)
	}

	if historyJSON.Valid && historyJSON.String != "" {
		if err := json.Unmarshal([]byte(historyJSON.String), &rec.ChallengeHistory); err != nil {
			return nil, fmt.Errorf("failed to unmarshal challenge history: %w", err)
		}
	}

	return &rec, nil
}

// MarkCompletionNotified records that the authorization subsystem has received
// the completion verdict for the session.
func (s *SessionDB) MarkCompletionNotified(sessionID string) error {
	_, err := s.db.Exec(`UPDATE completion_records SET notified = 1 WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to mark completion notified: %w", err)
	}
	return nil
}

// ListUnnotifiedCompletions retrieves completion records whose verdicts have
// not yet been delivered to the authorization subsystem. Used to resume
// delivery after a restart.
func (s *SessionDB) ListUnnotifiedCompletions() ([]*models.CompletionRecord, error) {
	rows, err := s.db.Query(`
		SELECT session_id, worker_id, video_id, ticket_context_id,
			accumulated_seconds, required_seconds, challenge_history, completed_at
		FROM completion_records WHERE notified = 0 ORDER BY completed_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unnotified completions: %w", err)
	}
	defer rows.Close()

	var records []*models.CompletionRecord
	for rows.Next() {
		var rec models.CompletionRecord
		var historyJSON sql.NullString

		if err := rows.Scan(&rec.SessionID, &rec.WorkerID, &rec.VideoID,
			&rec.TicketContextID, &rec.AccumulatedSeconds, &rec.RequiredSeconds,
			&historyJSON, &rec.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan completion record: %w", err)
		}

		if historyJSON.Valid && historyJSON.String != "" {
			if err := json.Unmarshal([]byte(historyJSON.String), &rec.ChallengeHistory); err != nil {
				return nil, fmt.Errorf("failed to unmarshal challenge history: %w", err)
			}
		}

		records = append(records, &rec)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating completion records: %w", err)
	}

	return records, nil
}

// LookupVideoDuration returns the required watch duration for a catalog video.
// Returns a NotFoundError if the video is unknown.
func (s *SessionDB) LookupVideoDuration(videoID string) (float64, error) {
	var duration float64
	err := s.db.QueryRow(`SELECT duration_seconds FROM videos WHERE id = ?`, videoID).Scan(&duration)
	if err == sql.ErrNoRows {
		return 0, &models.NotFoundError{Resource: "video", ID: videoID}
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up video: %w", err)
	}
	return duration, nil
}

// UpsertVideo stores or updates a catalog video entry.
// The catalog itself is maintained by external tooling; this supports seeding and tests.
func (s *SessionDB) UpsertVideo(videoID, title string, durationSec float64) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO videos (id, title, duration_seconds) VALUES (?, ?, ?)`,
		videoID, title, durationSec)
	if err != nil {
		return fmt.Errorf("failed to upsert video: %w", err)
	}
	return nil
}

func (s *SessionDB) HasSeenNonce(nonce string) (bool, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM seen_nonces WHERE nonce = ?", nonce).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check nonce: %w", err)
	}
	return count > 0, nil
}

func (s *SessionDB) SaveNonce(nonce string) error {
	_, err := s.db.Exec("INSERT OR IGNORE INTO seen_nonces (nonce, seen_at) VALUES (?, ?)",
		nonce, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save nonce: %w", err)
	}
	return nil
}

func (s *SessionDB) CleanupOldNonces(olderThan time.Time) error {
	_, err := s.db.Exec("DELETE FROM seen_nonces WHERE seen_at < ?", olderThan)
	if err != nil {
		return fmt.Errorf("failed to cleanup old nonces: %w", err)
	}
	return nil
}

func (s *SessionDB) Close() error {
	return s.db.Close()
}
