package proctor

import (
	"time"

	"training-integrity-system/pkg/logger"
	"training-integrity-system/pkg/models"
)

// reaperLoop expires sessions whose clients went silent. Runs as a periodic
// sweep; sessions busy in an in-flight mutation are skipped and picked up on
// the next pass.
func (e *Engine) reaperLoop() {
	defer e.wg.Done()

	reaperLog := logger.NewCategoryLogger(e.config.LogLevel, logger.Proctor, logger.Reaper)

	ticker := time.NewTicker(time.Duration(e.config.Policy.ReaperSweepSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.quit:
			reaperLog.Info().Msg("Idle reaper stopping")
			return
		case <-ticker.C:
			e.sweepIdle()
		}
	}
}

// sweepIdle soft-pauses sessions past the heartbeat timeout and expires those
// past the idle timeout.
func (e *Engine) sweepIdle() {
	now := e.now()
	heartbeatTimeout := e.config.Policy.HeartbeatTimeout()
	idleTimeout := e.config.Policy.IdleTimeout()

	for _, ls := range e.openSessions() {
		// A heartbeat in flight means the client is alive; skip the session
		if !ls.mu.TryLock() {
			continue
		}

		gap := now.Sub(ls.s.LastHeartbeatAt)

		switch {
		case ls.s.State.IsTerminal():
			// Already finished under another caller

		case gap > idleTimeout:
			e.finalize(ls, models.StateExpired, "idle timeout")
			lg := logger.WithSessionID(ls.s.ID)
			lg.Warn().
				Dur("silence", gap).
				Msg("Session expired on idle timeout")

		case gap > heartbeatTimeout && ls.s.State == models.StateActive:
			// Soft pause: the client stopped reporting but has not been
			// silent long enough for hard expiry
			ls.s.State = models.StatePaused
			ls.s.VideoState = models.VideoPaused
			ls.freezeChallengeDelay(now)
			e.enqueueFlush(ls.snapshot())
			lg := logger.WithSessionID(ls.s.ID)
			lg.Info().
				Dur("silence", gap).
				Msg("Session soft-paused on heartbeat silence")
		}

		ls.mu.Unlock()
	}
}
