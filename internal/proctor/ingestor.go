package proctor

import (
	"training-integrity-system/pkg/logger"
	"training-integrity-system/pkg/metrics"
	"training-integrity-system/pkg/models"
)

// ReportProgress applies one heartbeat to a session: validates the payload,
// handles pause/resume transitions, clamps and credits the played delta, and
// records anomalies. Anomalous heartbeats credit nothing but still advance the
// reported position; crossing the anomaly threshold aborts the session.
func (e *Engine) ReportProgress(sessionID string, req *models.ProgressRequest) (*models.ProgressResponse, error) {
	if err := e.validator.ValidateRequest(req); err != nil {
		metrics.HeartbeatsRejected.WithLabelValues("invalid_request").Inc()
		return nil, err
	}

	ls, err := e.lookup(sessionID)
	if err != nil {
		metrics.HeartbeatsRejected.WithLabelValues("unknown_session").Inc()
		return nil, err
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	now := e.now()
	hbLog := logger.WithSessionID(sessionID)

	if ls.s.State.IsTerminal() {
		metrics.HeartbeatsRejected.WithLabelValues("terminal").Inc()
		return nil, &models.StateError{SessionID: sessionID, State: ls.s.State, Op: "progress"}
	}

	if ls.s.State == models.StateChallengePending {
		// Keep-alive only: accrual is gated until the challenge resolves,
		// but the reaper must not expire a session mid-challenge.
		ls.s.LastHeartbeatAt = now
		metrics.HeartbeatsRejected.WithLabelValues("challenge_pending").Inc()
		return nil, &models.StateError{SessionID: sessionID, State: ls.s.State, Op: "progress"}
	}

	// Playback state transitions. The challenge delay clock only runs while
	// the session is actively playing.
	switch {
	case req.VideoState == models.VideoPaused && ls.s.State == models.StateActive:
		ls.s.State = models.StatePaused
		ls.freezeChallengeDelay(now)
	case req.VideoState == models.VideoPlaying && ls.s.State == models.StatePaused:
		ls.s.State = models.StateActive
		ls.resumeChallengeDelay(now)
	}

	res := e.validator.CheckProgress(ls.s, req)

	var credited float64
	if len(res.Anomalies) > 0 {
		for _, anomaly := range res.Anomalies {
			metrics.AnomaliesDetected.WithLabelValues(anomaly).Inc()
		}
		ls.s.AnomalyCount++

		hbLog.Warn().
			Strs("anomalies", res.Anomalies).
			Int("anomaly_count", ls.s.AnomalyCount).
			Float64("position", req.PositionSeconds).
			Float64("claimed_delta", req.PlayedDeltaSeconds).
			Msg("Suspicious heartbeat")
	} else if ls.s.State == models.StateActive && req.VideoState == models.VideoPlaying {
		credited = res.CreditedDelta

		// Credited time can never outrun the wall clock
		elapsedCap := now.Sub(ls.s.CreatedAt).Seconds() + e.config.Policy.WallClockToleranceSec
		if ls.s.AccumulatedSeconds+credited > elapsedCap {
			credited = elapsedCap - ls.s.AccumulatedSeconds
			if credited < 0 {
				credited = 0
			}
		}

		ls.s.AccumulatedSeconds += credited
		metrics.HeartbeatsAccepted.Inc()
	}

	// Position and liveness stamps advance even for anomalous heartbeats
	ls.s.LastPosition = req.PositionSeconds
	ls.s.LastClientTS = req.ClientTimestamp
	ls.s.LastHeartbeatAt = now
	ls.s.VideoState = req.VideoState

	if ls.s.AnomalyCount >= e.config.Policy.MaxAnomalies {
		e.finalize(ls, models.StateAborted, "anomaly threshold exceeded")
		hbLog.Warn().Int("anomaly_count", ls.s.AnomalyCount).Msg("Session aborted on anomaly threshold")
	} else {
		e.enqueueFlush(ls.snapshot())
	}

	return &models.ProgressResponse{
		State:              ls.s.State,
		AccumulatedSeconds: ls.s.AccumulatedSeconds,
		CreditedDelta:      credited,
		AnomalyCount:       ls.s.AnomalyCount,
	}, nil
}
