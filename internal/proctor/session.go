package proctor

import (
	"sync"
	"time"

	"training-integrity-system/pkg/models"
)

// liveSession is the in-memory, authoritative copy of one proctored session.
// The mutex serializes every mutation: heartbeats, challenge fires and
// resolutions, completion evaluation, and reaping. The database row is an
// asynchronously flushed snapshot and never read back while the session lives.
type liveSession struct {
	mu sync.Mutex

	s *models.Session

	// nextChallengeAt is the scheduler's next fire time. Zero while no
	// challenge is armed (paused, pending, or terminal).
	nextChallengeAt time.Time

	// pausedDelayRemaining preserves the unexpired part of the challenge
	// delay while the session is paused. Restored on resume.
	pausedDelayRemaining time.Duration
}

// snapshot returns a deep copy of the session for flushing or responses.
// Caller must hold the session lock.
func (ls *liveSession) snapshot() *models.Session {
	cp := *ls.s

	if ls.s.PendingChallenge != nil {
		c := *ls.s.PendingChallenge
		cp.PendingChallenge = &c
	}
	if ls.s.EndedAt != nil {
		t := *ls.s.EndedAt
		cp.EndedAt = &t
	}
	if len(ls.s.ChallengeHistory) > 0 {
		cp.ChallengeHistory = append([]models.ChallengeRecord(nil), ls.s.ChallengeHistory...)
	}

	return &cp
}

// freezeChallengeDelay stops the challenge delay clock, preserving the
// remaining time until the next fire. Caller must hold the session lock.
func (ls *liveSession) freezeChallengeDelay(now time.Time) {
	if ls.nextChallengeAt.IsZero() {
		return
	}
	remaining := ls.nextChallengeAt.Sub(now)
	if remaining < time.Second {
		remaining = time.Second
	}
	ls.pausedDelayRemaining = remaining
	ls.nextChallengeAt = time.Time{}
}

// resumeChallengeDelay restarts the challenge delay clock from the preserved
// remainder. Caller must hold the session lock.
func (ls *liveSession) resumeChallengeDelay(now time.Time) {
	if ls.pausedDelayRemaining <= 0 {
		return
	}
	ls.nextChallengeAt = now.Add(ls.pausedDelayRemaining)
	ls.pausedDelayRemaining = 0
}
