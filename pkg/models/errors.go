package models

import (
	"fmt"
	"math"
)

// NotFoundError indicates an unknown session or video identifier.
type NotFoundError struct {
	Resource string // What was looked up (session, video)
	ID       string // The identifier that was not found
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ValidationError indicates a malformed or out-of-range request field.
type ValidationError struct {
	Field   string // Offending field
	Message string // What is wrong with it
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// StateError indicates an operation that is invalid for the session's current
// state, e.g. a heartbeat against a terminal session or while a challenge is
// pending. Recoverable for non-terminal states.
type StateError struct {
	SessionID string       // Session the operation addressed
	State     SessionState // State at the time of the call
	Op        string       // Operation that was rejected
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s not allowed for session %s in state %s", e.Op, e.SessionID, e.State)
}

// ChallengeTimeoutError is generated internally when an outstanding challenge
// passes its deadline. It surfaces in the challenge history as a timeout outcome.
type ChallengeTimeoutError struct {
	SessionID   string // Session whose challenge expired
	ChallengeID string // The expired challenge
}

func (e *ChallengeTimeoutError) Error() string {
	return fmt.Sprintf("challenge %s for session %s timed out", e.ChallengeID, e.SessionID)
}

// InsufficientWatchTimeError indicates a completion attempt before the accrued
// watch time satisfies the completion rule. The caller can keep watching.
type InsufficientWatchTimeError struct {
	Shortfall int // Whole missing seconds, rounded up
}

func (e *InsufficientWatchTimeError) Error() string {
	return fmt.Sprintf("insufficient watch time: %d seconds short", e.Shortfall)
}

// NewInsufficientWatchTimeError computes the shortfall between the required
// threshold and the accrued watch time, rounded up to whole seconds.
func NewInsufficientWatchTimeError(accumulated, required, threshold float64) *InsufficientWatchTimeError {
	shortfall := required*threshold - accumulated
	if shortfall < 0 {
		shortfall = 0
	}
	return &InsufficientWatchTimeError{Shortfall: int(math.Ceil(shortfall))}
}
