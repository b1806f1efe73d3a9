package db

import (
	"time"

	"training-integrity-system/pkg/models"
)

// Store is the persistence interface consumed by the integrity engine. The
// in-memory session copies are authoritative; the store holds asynchronously
// flushed snapshots, the append-only challenge history, the immutable
// completion records, the video catalog, and the HMAC nonce table.
type Store interface {
	UpsertSession(session *models.Session) error
	GetSession(id string) (*models.Session, error)
	ListOpenSessions() ([]*models.Session, error)

	AppendChallengeRecord(sessionID string, rec models.ChallengeRecord) error

	SaveCompletionRecord(rec *models.CompletionRecord) (bool, error)
	GetCompletionRecord(sessionID string) (*models.CompletionRecord, error)
	MarkCompletionNotified(sessionID string) error
	ListUnnotifiedCompletions() ([]*models.CompletionRecord, error)

	LookupVideoDuration(videoID string) (float64, error)
	UpsertVideo(videoID, title string, durationSec float64) error

	HasSeenNonce(nonce string) (bool, error)
	SaveNonce(nonce string) error
	CleanupOldNonces(olderThan time.Time) error

	Close() error
}

// Ensure SessionDB implements Store interface
var _ Store = (*SessionDB)(nil)
