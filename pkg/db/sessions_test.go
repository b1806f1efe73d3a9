package db

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"training-integrity-system/pkg/models"
)

func setupTestDB(t *testing.T) *SessionDB {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "proctor_db_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	db, err := NewSessionDB(filepath.Join(tempDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return db
}

func testSession(id string) *models.Session {
	now := time.Now().UTC().Truncate(time.Second)
	return &models.Session{
		ID:                 id,
		WorkerID:           "worker-1",
		VideoID:            "video-1",
		TicketContextID:    "ticket-1",
		RequiredSeconds:    600,
		AccumulatedSeconds: 42.5,
		State:              models.StateActive,
		VideoState:         models.VideoPlaying,
		LastPosition:       45.0,
		AnomalyCount:       1,
		CreatedAt:          now,
		LastHeartbeatAt:    now,
		LastClientTS:       now.Unix(),
	}
}

func TestUpsertAndGetSession(t *testing.T) {
	db := setupTestDB(t)

	session := testSession("sess-1")
	if err := db.UpsertSession(session); err != nil {
		t.Fatalf("failed to upsert session: %v", err)
	}

	got, err := db.GetSession("sess-1")
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}

	if got.WorkerID != "worker-1" {
		t.Errorf("expected worker 'worker-1', got %q", got.WorkerID)
	}
	if got.State != models.StateActive {
		t.Errorf("expected state ACTIVE, got %q", got.State)
	}
	if got.AccumulatedSeconds != 42.5 {
		t.Errorf("expected accumulated 42.5, got %f", got.AccumulatedSeconds)
	}
	if got.PendingChallenge != nil {
		t.Error("expected no pending challenge")
	}

	// Replacing the snapshot should not create a second row
	session.AccumulatedSeconds = 100
	session.State = models.StatePaused
	if err := db.UpsertSession(session); err != nil {
		t.Fatalf("failed to re-upsert session: %v", err)
	}

	got, err = db.GetSession("sess-1")
	if err != nil {
		t.Fatalf("failed to get session after update: %v", err)
	}
	if got.AccumulatedSeconds != 100 || got.State != models.StatePaused {
		t.Errorf("expected updated snapshot, got accumulated=%f state=%q", got.AccumulatedSeconds, got.State)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	db := setupTestDB(t)

	_, err := db.GetSession("missing")
	if err == nil {
		t.Fatal("expected error for missing session")
	}

	var notFound *models.NotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("expected NotFoundError, got %T: %v", err, err)
	}
}

func TestUpsertSession_PendingChallengeRoundTrip(t *testing.T) {
	db := setupTestDB(t)

	now := time.Now().UTC().Truncate(time.Second)
	session := testSession("sess-2")
	session.State = models.StateChallengePending
	session.PendingChallenge = &models.Challenge{
		ID:         "chal-1",
		ActionType: "blink",
		IssuedAt:   now,
		TimeoutAt:  now.Add(45 * time.Second),
	}

	if err := db.UpsertSession(session); err != nil {
		t.Fatalf("failed to upsert session: %v", err)
	}

	got, err := db.GetSession("sess-2")
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}

	if got.PendingChallenge == nil {
		t.Fatal("expected pending challenge to survive round trip")
	}
	if got.PendingChallenge.ID != "chal-1" || got.PendingChallenge.ActionType != "blink" {
		t.Errorf("unexpected pending challenge: %+v", got.PendingChallenge)
	}
	if !got.PendingChallenge.TimeoutAt.Equal(now.Add(45 * time.Second)) {
		t.Errorf("expected timeout at %v, got %v", now.Add(45*time.Second), got.PendingChallenge.TimeoutAt)
	}
}

func TestListOpenSessions(t *testing.T) {
	db := setupTestDB(t)

	open := testSession("sess-open")
	if err := db.UpsertSession(open); err != nil {
		t.Fatalf("failed to upsert open session: %v", err)
	}

	ended := time.Now().UTC().Truncate(time.Second)
	done := testSession("sess-done")
	done.State = models.StateCompleted
	done.EndedAt = &ended
	if err := db.UpsertSession(done); err != nil {
		t.Fatalf("failed to upsert completed session: %v", err)
	}

	aborted := testSession("sess-aborted")
	aborted.State = models.StateAborted
	aborted.FailureReason = "anomaly threshold exceeded"
	aborted.EndedAt = &ended
	if err := db.UpsertSession(aborted); err != nil {
		t.Fatalf("failed to upsert aborted session: %v", err)
	}

	sessions, err := db.ListOpenSessions()
	if err != nil {
		t.Fatalf("failed to list open sessions: %v", err)
	}

	if len(sessions) != 1 {
		t.Fatalf("expected 1 open session, got %d", len(sessions))
	}
	if sessions[0].ID != "sess-open" {
		t.Errorf("expected 'sess-open', got %q", sessions[0].ID)
	}
}

func TestChallengeHistory(t *testing.T) {
	db := setupTestDB(t)

	session := testSession("sess-3")
	if err := db.UpsertSession(session); err != nil {
		t.Fatalf("failed to upsert session: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	rec := models.ChallengeRecord{
		ChallengeID: "chal-1",
		ActionType:  "nod",
		IssuedAt:    now,
		ResolvedAt:  now.Add(10 * time.Second),
		Outcome:     models.OutcomePassed,
	}

	if err := db.AppendChallengeRecord("sess-3", rec); err != nil {
		t.Fatalf("failed to append challenge record: %v", err)
	}

	// Duplicate append must be a no-op
	if err := db.AppendChallengeRecord("sess-3", rec); err != nil {
		t.Fatalf("failed on duplicate append: %v", err)
	}

	rec2 := rec
	rec2.ChallengeID = "chal-2"
	rec2.Outcome = models.OutcomeTimeout
	rec2.Reason = "deadline passed"
	if err := db.AppendChallengeRecord("sess-3", rec2); err != nil {
		t.Fatalf("failed to append second record: %v", err)
	}

	got, err := db.GetSession("sess-3")
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}

	if len(got.ChallengeHistory) != 2 {
		t.Fatalf("expected 2 history records, got %d", len(got.ChallengeHistory))
	}
	if got.ChallengeHistory[0].ChallengeID != "chal-1" {
		t.Errorf("expected ordered history, got first record %q", got.ChallengeHistory[0].ChallengeID)
	}
	if got.ChallengeHistory[1].Outcome != models.OutcomeTimeout {
		t.Errorf("expected timeout outcome, got %q", got.ChallengeHistory[1].Outcome)
	}
	if !got.HasFailedChallenge() {
		t.Error("expected HasFailedChallenge true with a timeout record")
	}
}

func TestSaveCompletionRecord_Idempotent(t *testing.T) {
	db := setupTestDB(t)

	rec := &models.CompletionRecord{
		SessionID:          "sess-4",
		WorkerID:           "worker-1",
		VideoID:            "video-1",
		TicketContextID:    "ticket-1",
		AccumulatedSeconds: 580,
		RequiredSeconds:    600,
		ChallengeHistory: []models.ChallengeRecord{
			{ChallengeID: "chal-1", ActionType: "shake", Outcome: models.OutcomePassed,
				IssuedAt: time.Now().UTC(), ResolvedAt: time.Now().UTC()},
		},
		CompletedAt: time.Now().UTC().Truncate(time.Second),
	}

	inserted, err := db.SaveCompletionRecord(rec)
	if err != nil {
		t.Fatalf("failed to save completion record: %v", err)
	}
	if !inserted {
		t.Error("expected first save to insert")
	}

	inserted, err = db.SaveCompletionRecord(rec)
	if err != nil {
		t.Fatalf("failed on duplicate save: %v", err)
	}
	if inserted {
		t.Error("expected duplicate save to be ignored")
	}

	got, err := db.GetCompletionRecord("sess-4")
	if err != nil {
		t.Fatalf("failed to get completion record: %v", err)
	}
	if got == nil {
		t.Fatal("expected completion record")
	}
	if got.AccumulatedSeconds != 580 {
		t.Errorf("expected accumulated 580, got %f", got.AccumulatedSeconds)
	}
	if len(got.ChallengeHistory) != 1 || got.ChallengeHistory[0].ChallengeID != "chal-1" {
		t.Errorf("expected challenge history to survive round trip, got %+v", got.ChallengeHistory)
	}
}

func TestGetCompletionRecord_Missing(t *testing.T) {
	db := setupTestDB(t)

	got, err := db.GetCompletionRecord("missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Error("expected nil for missing completion record")
	}
}

func TestNotificationLifecycle(t *testing.T) {
	db := setupTestDB(t)

	for _, id := range []string{"sess-a", "sess-b"} {
		rec := &models.CompletionRecord{
			SessionID:          id,
			WorkerID:           "worker-1",
			VideoID:            "video-1",
			TicketContextID:    "ticket-1",
			AccumulatedSeconds: 600,
			RequiredSeconds:    600,
			CompletedAt:        time.Now().UTC(),
		}
		if _, err := db.SaveCompletionRecord(rec); err != nil {
			t.Fatalf("failed to save completion record %s: %v", id, err)
		}
	}

	pending, err := db.ListUnnotifiedCompletions()
	if err != nil {
		t.Fatalf("failed to list unnotified completions: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 unnotified completions, got %d", len(pending))
	}

	if err := db.MarkCompletionNotified("sess-a"); err != nil {
		t.Fatalf("failed to mark notified: %v", err)
	}

	pending, err = db.ListUnnotifiedCompletions()
	if err != nil {
		t.Fatalf("failed to list unnotified completions: %v", err)
	}
	if len(pending) != 1 || pending[0].SessionID != "sess-b" {
		t.Errorf("expected only 'sess-b' pending, got %+v", pending)
	}
}

func TestVideoCatalog(t *testing.T) {
	db := setupTestDB(t)

	if err := db.UpsertVideo("video-1", "Scaffold Safety", 600); err != nil {
		t.Fatalf("failed to upsert video: %v", err)
	}

	duration, err := db.LookupVideoDuration("video-1")
	if err != nil {
		t.Fatalf("failed to look up video: %v", err)
	}
	if duration != 600 {
		t.Errorf("expected duration 600, got %f", duration)
	}

	_, err = db.LookupVideoDuration("missing")
	var notFound *models.NotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("expected NotFoundError for unknown video, got %v", err)
	}
}

func TestNonceOperations(t *testing.T) {
	db := setupTestDB(t)

	seen, err := db.HasSeenNonce("nonce-1")
	if err != nil {
		t.Fatalf("failed to check nonce: %v", err)
	}
	if seen {
		t.Error("expected nonce to be unseen")
	}

	if err := db.SaveNonce("nonce-1"); err != nil {
		t.Fatalf("failed to save nonce: %v", err)
	}

	seen, err = db.HasSeenNonce("nonce-1")
	if err != nil {
		t.Fatalf("failed to check nonce: %v", err)
	}
	if !seen {
		t.Error("expected nonce to be seen after save")
	}

	if err := db.CleanupOldNonces(time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("failed to cleanup nonces: %v", err)
	}

	seen, err = db.HasSeenNonce("nonce-1")
	if err != nil {
		t.Fatalf("failed to check nonce: %v", err)
	}
	if seen {
		t.Error("expected nonce to be removed by cleanup")
	}
}
