package proctor

import (
	"training-integrity-system/pkg/logger"
	"training-integrity-system/pkg/models"
)

// CompleteSession evaluates the completion rule: the accrued watch time must
// reach the required duration times the completion threshold, with no pending
// challenge and no failed or timed-out challenge in the history. Success is
// terminal and idempotent; the completion record is handed to the audit
// worker for durable persistence and authorization notification.
func (e *Engine) CompleteSession(sessionID string) (*models.CompleteSessionResponse, error) {
	ls, err := e.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	// Repeated completion calls on a completed session succeed without
	// side effects
	if ls.s.State == models.StateCompleted {
		return &models.CompleteSessionResponse{
			SessionID:          ls.s.ID,
			AccumulatedSeconds: ls.s.AccumulatedSeconds,
			RequiredSeconds:    ls.s.RequiredSeconds,
			Completed:          true,
		}, nil
	}

	if ls.s.State.IsTerminal() {
		return nil, &models.StateError{SessionID: sessionID, State: ls.s.State, Op: "complete"}
	}

	if ls.s.State == models.StateChallengePending {
		return nil, &models.StateError{SessionID: sessionID, State: ls.s.State, Op: "complete"}
	}

	if ls.s.HasFailedChallenge() {
		return nil, &models.StateError{SessionID: sessionID, State: ls.s.State, Op: "complete"}
	}

	threshold := e.config.Policy.CompletionThreshold
	if ls.s.AccumulatedSeconds < ls.s.RequiredSeconds*threshold {
		return nil, models.NewInsufficientWatchTimeError(
			ls.s.AccumulatedSeconds, ls.s.RequiredSeconds, threshold)
	}

	e.finalize(ls, models.StateCompleted, "")

	record := &models.CompletionRecord{
		SessionID:          ls.s.ID,
		WorkerID:           ls.s.WorkerID,
		VideoID:            ls.s.VideoID,
		TicketContextID:    ls.s.TicketContextID,
		AccumulatedSeconds: ls.s.AccumulatedSeconds,
		RequiredSeconds:    ls.s.RequiredSeconds,
		ChallengeHistory:   append([]models.ChallengeRecord(nil), ls.s.ChallengeHistory...),
		CompletedAt:        *ls.s.EndedAt,
	}
	e.audit.Enqueue(record)

	lg := logger.WithSessionID(sessionID)
	lg.Info().
		Str("worker_id", ls.s.WorkerID).
		Str("video_id", ls.s.VideoID).
		Float64("accumulated_seconds", ls.s.AccumulatedSeconds).
		Float64("required_seconds", ls.s.RequiredSeconds).
		Msg("Session completed")

	return &models.CompleteSessionResponse{
		SessionID:          ls.s.ID,
		AccumulatedSeconds: ls.s.AccumulatedSeconds,
		RequiredSeconds:    ls.s.RequiredSeconds,
		Completed:          true,
	}, nil
}
