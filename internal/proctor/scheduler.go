package proctor

import (
	"context"
	"time"

	"training-integrity-system/pkg/logger"
	"training-integrity-system/pkg/metrics"
	"training-integrity-system/pkg/models"

	"github.com/google/uuid"
)

// challengeActions are the liveness actions a worker can be asked to perform.
var challengeActions = []string{"blink", "nod", "shake", "mouth"}

// randomChallengeDelay draws a uniform delay from the configured challenge
// interval range.
func (e *Engine) randomChallengeDelay() time.Duration {
	minSec := e.config.Policy.ChallengeMinIntervalSec
	maxSec := e.config.Policy.ChallengeMaxIntervalSec

	span := float64(maxSec - minSec)
	return time.Duration(float64(minSec)+e.randFloat64()*span) * time.Second
}

// randomAction picks a liveness action for a new challenge.
func (e *Engine) randomAction() string {
	return challengeActions[e.randIntn(len(challengeActions))]
}

// schedulerLoop drives challenge issuance and timeout enforcement as a
// periodic sweep over next-fire-time and deadline fields. There are no
// per-session timers: cancelling a challenge means clearing the field under
// the session lock, so a resolution can never race a stale timer.
func (e *Engine) schedulerLoop() {
	defer e.wg.Done()

	schedLog := logger.NewCategoryLogger(e.config.LogLevel, logger.Proctor, logger.Challenge)

	ticker := time.NewTicker(time.Duration(e.config.Policy.SchedulerSweepSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.quit:
			schedLog.Info().Msg("Challenge scheduler stopping")
			return
		case <-ticker.C:
			e.sweepChallenges()
		}
	}
}

// sweepChallenges issues due challenges to active sessions and times out
// overdue pending challenges.
func (e *Engine) sweepChallenges() {
	now := e.now()

	for _, ls := range e.openSessions() {
		ls.mu.Lock()

		switch {
		case ls.s.State == models.StateActive &&
			!ls.nextChallengeAt.IsZero() && !now.Before(ls.nextChallengeAt):
			e.issueChallenge(ls, now)

		case ls.s.State == models.StateChallengePending &&
			ls.s.PendingChallenge != nil && now.After(ls.s.PendingChallenge.TimeoutAt):
			e.timeoutChallenge(ls, now)
		}

		ls.mu.Unlock()
	}
}

// issueChallenge moves an active session to CHALLENGE_PENDING with a fresh
// challenge. Caller must hold the session lock.
func (e *Engine) issueChallenge(ls *liveSession, now time.Time) {
	challenge := &models.Challenge{
		ID:         uuid.New().String(),
		ActionType: e.randomAction(),
		IssuedAt:   now,
		TimeoutAt:  now.Add(e.config.Policy.ChallengeTimeout()),
	}

	ls.s.State = models.StateChallengePending
	ls.s.PendingChallenge = challenge
	ls.nextChallengeAt = time.Time{}

	metrics.ChallengesIssued.Inc()
	e.enqueueFlush(ls.snapshot())

	lg := logger.WithSessionID(ls.s.ID)
	lg.Info().
		Str("challenge_id", challenge.ID).
		Str("action_type", challenge.ActionType).
		Time("timeout_at", challenge.TimeoutAt).
		Msg("Liveness challenge issued")
}

// timeoutChallenge resolves an overdue challenge as a timeout and aborts the
// session. Caller must hold the session lock.
func (e *Engine) timeoutChallenge(ls *liveSession, now time.Time) {
	challenge := ls.s.PendingChallenge
	rec := models.ChallengeRecord{
		ChallengeID: challenge.ID,
		ActionType:  challenge.ActionType,
		IssuedAt:    challenge.IssuedAt,
		ResolvedAt:  now,
		Outcome:     models.OutcomeTimeout,
		Reason:      "resolution deadline passed",
	}
	e.recordResolution(ls, rec)

	e.finalize(ls, models.StateAborted, "liveness challenge timed out")

	lg := logger.WithSessionID(ls.s.ID)
	lg.Warn().
		Str("challenge_id", challenge.ID).
		Msg("Liveness challenge timed out, session aborted")
}

// recordResolution appends a resolution to the in-memory history and the
// durable history table. Caller must hold the session lock.
func (e *Engine) recordResolution(ls *liveSession, rec models.ChallengeRecord) {
	ls.s.ChallengeHistory = append(ls.s.ChallengeHistory, rec)
	ls.s.PendingChallenge = nil

	if err := e.store.AppendChallengeRecord(ls.s.ID, rec); err != nil {
		e.log.Error().Err(err).
			Str("session_id", ls.s.ID).
			Str("challenge_id", rec.ChallengeID).
			Msg("Failed to persist challenge record")
	}

	metrics.ChallengesResolved.WithLabelValues(rec.Outcome).Inc()
}

// ResolveChallenge resolves the outstanding challenge of a session. Trusted
// callers report the outcome directly; clients submit a liveness payload that
// is forwarded to the external verifier. A verifier error leaves the challenge
// pending so the client can retry within the deadline.
func (e *Engine) ResolveChallenge(ctx context.Context, sessionID string, req *models.ResolveChallengeRequest) (*models.ResolveChallengeResponse, error) {
	if req.ChallengeID == "" {
		return nil, &models.ValidationError{Field: "challenge_id", Message: "must not be empty"}
	}

	ls, err := e.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	outcome := req.Outcome
	reason := req.Reason

	if outcome == "" {
		// Verifier-mediated resolution: validate the pending challenge,
		// then call the verifier outside the session lock.
		verifyReq, err := e.buildVerifyRequest(ls, sessionID, req)
		if err != nil {
			return nil, err
		}

		verdict, err := e.verifier.Verify(ctx, verifyReq)
		if err != nil {
			// The attempt is not consumed; the deadline still applies
			lg := logger.WithSessionID(sessionID)
			lg.Error().Err(err).
				Str("challenge_id", req.ChallengeID).
				Msg("Liveness verifier call failed")
			return nil, err
		}

		if verdict.Passed {
			outcome = models.OutcomePassed
		} else {
			outcome = models.OutcomeFailed
		}
		reason = verdict.Reason
	} else if outcome != models.OutcomePassed && outcome != models.OutcomeFailed {
		return nil, &models.ValidationError{Field: "outcome", Message: "must be passed or failed"}
	}

	return e.applyResolution(ls, sessionID, req.ChallengeID, outcome, reason)
}

// buildVerifyRequest validates the pending challenge under the session lock
// and assembles the verifier payload.
func (e *Engine) buildVerifyRequest(ls *liveSession, sessionID string, req *models.ResolveChallengeRequest) (*models.VerifyRequest, error) {
	if e.verifier == nil {
		return nil, &models.ValidationError{Field: "outcome", Message: "no liveness verifier configured; outcome required"}
	}
	if req.Photo == "" {
		return nil, &models.ValidationError{Field: "photo", Message: "liveness capture required"}
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.s.State != models.StateChallengePending || ls.s.PendingChallenge == nil {
		return nil, &models.StateError{SessionID: sessionID, State: ls.s.State, Op: "resolve_challenge"}
	}
	if ls.s.PendingChallenge.ID != req.ChallengeID {
		return nil, &models.ValidationError{Field: "challenge_id", Message: "does not match the pending challenge"}
	}

	actionType := req.ActionType
	if actionType == "" {
		actionType = ls.s.PendingChallenge.ActionType
	}

	return &models.VerifyRequest{
		SessionID:   sessionID,
		ChallengeID: req.ChallengeID,
		WorkerID:    ls.s.WorkerID,
		ActionType:  actionType,
		Photo:       req.Photo,
	}, nil
}

// applyResolution records the outcome and transitions the session. Passed
// challenges re-arm the scheduler; failed ones abort the attempt.
func (e *Engine) applyResolution(ls *liveSession, sessionID, challengeID, outcome, reason string) (*models.ResolveChallengeResponse, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	now := e.now()

	if ls.s.State != models.StateChallengePending || ls.s.PendingChallenge == nil {
		return nil, &models.StateError{SessionID: sessionID, State: ls.s.State, Op: "resolve_challenge"}
	}

	challenge := ls.s.PendingChallenge
	if challenge.ID != challengeID {
		return nil, &models.ValidationError{Field: "challenge_id", Message: "does not match the pending challenge"}
	}

	// A resolution racing the deadline counts as a timeout
	if now.After(challenge.TimeoutAt) {
		e.timeoutChallenge(ls, now)
		return &models.ResolveChallengeResponse{
			Outcome: models.OutcomeTimeout,
			State:   ls.s.State,
		}, nil
	}

	rec := models.ChallengeRecord{
		ChallengeID: challenge.ID,
		ActionType:  challenge.ActionType,
		IssuedAt:    challenge.IssuedAt,
		ResolvedAt:  now,
		Outcome:     outcome,
		Reason:      reason,
	}
	e.recordResolution(ls, rec)

	if outcome == models.OutcomePassed {
		ls.s.State = models.StateActive
		ls.nextChallengeAt = now.Add(e.randomChallengeDelay())
		e.enqueueFlush(ls.snapshot())
	} else {
		e.finalize(ls, models.StateAborted, "liveness challenge failed")
	}

	lg := logger.WithSessionID(sessionID)
	lg.Info().
		Str("challenge_id", challengeID).
		Str("outcome", outcome).
		Str("state", string(ls.s.State)).
		Msg("Liveness challenge resolved")

	return &models.ResolveChallengeResponse{
		Outcome: outcome,
		State:   ls.s.State,
	}, nil
}
