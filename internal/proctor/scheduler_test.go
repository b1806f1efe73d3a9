package proctor

import (
	"context"
	"errors"
	"testing"
	"time"

	"training-integrity-system/pkg/models"
)

func TestSweepChallenges_IssuesAfterDelay(t *testing.T) {
	e, clock := newTestEngine(t)
	id := startTestSession(t, e)

	// Configured delay is exactly 180s; nothing fires before that
	clock.Advance(179 * time.Second)
	e.sweepChallenges()

	ls := getLive(t, e, id)
	ls.mu.Lock()
	if ls.s.State != models.StateActive {
		t.Errorf("expected ACTIVE before delay elapses, got %q", ls.s.State)
	}
	ls.mu.Unlock()

	clock.Advance(2 * time.Second)
	e.sweepChallenges()

	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.s.State != models.StateChallengePending {
		t.Fatalf("expected CHALLENGE_PENDING, got %q", ls.s.State)
	}
	if ls.s.PendingChallenge == nil {
		t.Fatal("expected pending challenge")
	}

	expectedDeadline := clock.Now().Add(45 * time.Second)
	if !ls.s.PendingChallenge.TimeoutAt.Equal(expectedDeadline) {
		t.Errorf("expected deadline %v, got %v", expectedDeadline, ls.s.PendingChallenge.TimeoutAt)
	}

	found := false
	for _, action := range challengeActions {
		if ls.s.PendingChallenge.ActionType == action {
			found = true
		}
	}
	if !found {
		t.Errorf("unexpected action type %q", ls.s.PendingChallenge.ActionType)
	}
}

func TestSweepChallenges_SinglePendingChallenge(t *testing.T) {
	e, clock := newTestEngine(t)
	id := startTestSession(t, e)

	clock.Advance(181 * time.Second)
	e.sweepChallenges()

	ls := getLive(t, e, id)
	ls.mu.Lock()
	first := ls.s.PendingChallenge.ID
	ls.mu.Unlock()

	// Further sweeps within the deadline must not issue another challenge
	clock.Advance(10 * time.Second)
	e.sweepChallenges()

	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.s.PendingChallenge == nil || ls.s.PendingChallenge.ID != first {
		t.Error("expected the same single pending challenge")
	}
}

func TestSweepChallenges_TimeoutAborts(t *testing.T) {
	e, clock := newTestEngine(t)
	id := startTestSession(t, e)

	clock.Advance(181 * time.Second)
	e.sweepChallenges()

	clock.Advance(46 * time.Second)
	e.sweepChallenges()

	ls := getLive(t, e, id)
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.s.State != models.StateAborted {
		t.Fatalf("expected ABORTED after challenge timeout, got %q", ls.s.State)
	}
	if ls.s.PendingChallenge != nil {
		t.Error("expected pending challenge cleared")
	}
	if len(ls.s.ChallengeHistory) != 1 {
		t.Fatalf("expected one history record, got %d", len(ls.s.ChallengeHistory))
	}
	if ls.s.ChallengeHistory[0].Outcome != models.OutcomeTimeout {
		t.Errorf("expected timeout outcome, got %q", ls.s.ChallengeHistory[0].Outcome)
	}
	if ls.s.FailureReason != "liveness challenge timed out" {
		t.Errorf("unexpected failure reason %q", ls.s.FailureReason)
	}
}

func TestResolveChallenge_PassedRearms(t *testing.T) {
	e, clock := newTestEngine(t)
	id := startTestSession(t, e)

	clock.Advance(181 * time.Second)
	e.sweepChallenges()

	ls := getLive(t, e, id)
	ls.mu.Lock()
	challengeID := ls.s.PendingChallenge.ID
	ls.mu.Unlock()

	clock.Advance(10 * time.Second)
	resp, err := e.ResolveChallenge(context.Background(), id, &models.ResolveChallengeRequest{
		ChallengeID: challengeID,
		Outcome:     models.OutcomePassed,
	})
	if err != nil {
		t.Fatalf("failed to resolve challenge: %v", err)
	}

	if resp.Outcome != models.OutcomePassed {
		t.Errorf("expected passed outcome, got %q", resp.Outcome)
	}
	if resp.State != models.StateActive {
		t.Errorf("expected state ACTIVE after pass, got %q", resp.State)
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.s.PendingChallenge != nil {
		t.Error("expected pending challenge cleared")
	}
	if len(ls.s.ChallengeHistory) != 1 || ls.s.ChallengeHistory[0].Outcome != models.OutcomePassed {
		t.Errorf("expected one passed record, got %+v", ls.s.ChallengeHistory)
	}

	// Delay re-armed from the resolution time
	expectedNext := clock.Now().Add(180 * time.Second)
	if !ls.nextChallengeAt.Equal(expectedNext) {
		t.Errorf("expected next fire at %v, got %v", expectedNext, ls.nextChallengeAt)
	}
}

func TestResolveChallenge_FailedAborts(t *testing.T) {
	e, clock := newTestEngine(t)
	id := startTestSession(t, e)

	clock.Advance(181 * time.Second)
	e.sweepChallenges()

	ls := getLive(t, e, id)
	ls.mu.Lock()
	challengeID := ls.s.PendingChallenge.ID
	ls.mu.Unlock()

	resp, err := e.ResolveChallenge(context.Background(), id, &models.ResolveChallengeRequest{
		ChallengeID: challengeID,
		Outcome:     models.OutcomeFailed,
		Reason:      "face mismatch",
	})
	if err != nil {
		t.Fatalf("failed to resolve challenge: %v", err)
	}

	if resp.State != models.StateAborted {
		t.Errorf("expected ABORTED after failure, got %q", resp.State)
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.s.FailureReason != "liveness challenge failed" {
		t.Errorf("unexpected failure reason %q", ls.s.FailureReason)
	}
	if !ls.s.HasFailedChallenge() {
		t.Error("expected failed challenge in history")
	}
}

func TestResolveChallenge_PastDeadlineIsTimeout(t *testing.T) {
	e, clock := newTestEngine(t)
	id := startTestSession(t, e)

	clock.Advance(181 * time.Second)
	e.sweepChallenges()

	ls := getLive(t, e, id)
	ls.mu.Lock()
	challengeID := ls.s.PendingChallenge.ID
	ls.mu.Unlock()

	// Resolution arrives after the deadline but before the sweep noticed
	clock.Advance(50 * time.Second)
	resp, err := e.ResolveChallenge(context.Background(), id, &models.ResolveChallengeRequest{
		ChallengeID: challengeID,
		Outcome:     models.OutcomePassed,
	})
	if err != nil {
		t.Fatalf("resolution errored: %v", err)
	}

	if resp.Outcome != models.OutcomeTimeout {
		t.Errorf("expected timeout outcome, got %q", resp.Outcome)
	}
	if resp.State != models.StateAborted {
		t.Errorf("expected ABORTED, got %q", resp.State)
	}
}

func TestResolveChallenge_WrongID(t *testing.T) {
	e, clock := newTestEngine(t)
	id := startTestSession(t, e)

	clock.Advance(181 * time.Second)
	e.sweepChallenges()

	_, err := e.ResolveChallenge(context.Background(), id, &models.ResolveChallengeRequest{
		ChallengeID: "not-the-challenge",
		Outcome:     models.OutcomePassed,
	})

	var validation *models.ValidationError
	if !errors.As(err, &validation) {
		t.Errorf("expected ValidationError for mismatched challenge ID, got %v", err)
	}
}

func TestResolveChallenge_NoPendingChallenge(t *testing.T) {
	e, _ := newTestEngine(t)
	id := startTestSession(t, e)

	_, err := e.ResolveChallenge(context.Background(), id, &models.ResolveChallengeRequest{
		ChallengeID: "whatever",
		Outcome:     models.OutcomePassed,
	})

	var state *models.StateError
	if !errors.As(err, &state) {
		t.Errorf("expected StateError without pending challenge, got %v", err)
	}
}

// fakeVerifier is an injectable LivenessVerifier for resolution tests.
type fakeVerifier struct {
	passed bool
	err    error
	last   *models.VerifyRequest
}

func (v *fakeVerifier) Verify(_ context.Context, req *models.VerifyRequest) (*models.VerifyResponse, error) {
	v.last = req
	if v.err != nil {
		return nil, v.err
	}
	return &models.VerifyResponse{Passed: v.passed}, nil
}

func TestResolveChallenge_VerifierMediated(t *testing.T) {
	e, clock := newTestEngine(t)
	verifier := &fakeVerifier{passed: true}
	e.verifier = verifier

	id := startTestSession(t, e)

	clock.Advance(181 * time.Second)
	e.sweepChallenges()

	ls := getLive(t, e, id)
	ls.mu.Lock()
	challengeID := ls.s.PendingChallenge.ID
	actionType := ls.s.PendingChallenge.ActionType
	ls.mu.Unlock()

	resp, err := e.ResolveChallenge(context.Background(), id, &models.ResolveChallengeRequest{
		ChallengeID: challengeID,
		Photo:       "base64-capture",
	})
	if err != nil {
		t.Fatalf("failed verifier-mediated resolution: %v", err)
	}

	if resp.Outcome != models.OutcomePassed {
		t.Errorf("expected passed outcome, got %q", resp.Outcome)
	}
	if verifier.last == nil {
		t.Fatal("expected verifier to be called")
	}
	if verifier.last.WorkerID != "worker-1" || verifier.last.ActionType != actionType {
		t.Errorf("unexpected verify request: %+v", verifier.last)
	}
}

func TestResolveChallenge_VerifierErrorKeepsPending(t *testing.T) {
	e, clock := newTestEngine(t)
	e.verifier = &fakeVerifier{err: errors.New("verifier unreachable")}

	id := startTestSession(t, e)

	clock.Advance(181 * time.Second)
	e.sweepChallenges()

	ls := getLive(t, e, id)
	ls.mu.Lock()
	challengeID := ls.s.PendingChallenge.ID
	ls.mu.Unlock()

	_, err := e.ResolveChallenge(context.Background(), id, &models.ResolveChallengeRequest{
		ChallengeID: challengeID,
		Photo:       "base64-capture",
	})
	if err == nil {
		t.Fatal("expected verifier error to surface")
	}

	// The attempt is not consumed; the challenge stays pending
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.s.State != models.StateChallengePending || ls.s.PendingChallenge == nil {
		t.Error("expected challenge to remain pending after verifier error")
	}
	if len(ls.s.ChallengeHistory) != 0 {
		t.Errorf("expected no history record, got %+v", ls.s.ChallengeHistory)
	}
}

func TestChallengeDelay_FrozenWhilePaused(t *testing.T) {
	e, clock := newTestEngine(t)
	id := startTestSession(t, e)

	// Pause 60s in: 120s of the 180s delay remain
	clock.Advance(60 * time.Second)
	if _, err := e.ReportProgress(id, &models.ProgressRequest{
		PositionSeconds: 0,
		VideoState:      models.VideoPaused,
		ClientTimestamp: clock.Now().Unix(),
	}); err != nil {
		t.Fatalf("pause heartbeat failed: %v", err)
	}

	// A long pause must not let the delay elapse
	clock.Advance(10 * time.Minute)
	e.sweepChallenges()

	ls := getLive(t, e, id)
	ls.mu.Lock()
	if ls.s.State != models.StatePaused {
		t.Fatalf("expected PAUSED, got %q", ls.s.State)
	}
	ls.mu.Unlock()

	// Resume; the remaining 120s continue from here
	if _, err := e.ReportProgress(id, playingHeartbeat(clock, 0, 0)); err != nil {
		t.Fatalf("resume heartbeat failed: %v", err)
	}

	clock.Advance(119 * time.Second)
	e.sweepChallenges()
	ls.mu.Lock()
	if ls.s.State != models.StateActive {
		t.Errorf("expected no challenge before remaining delay elapses, got %q", ls.s.State)
	}
	ls.mu.Unlock()

	clock.Advance(2 * time.Second)
	e.sweepChallenges()
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.s.State != models.StateChallengePending {
		t.Errorf("expected challenge after remaining delay, got %q", ls.s.State)
	}
}
