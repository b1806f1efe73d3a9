// Package models defines data structures for the Training Integrity System.
// This package contains API request/response models, the session state machine
// types, and completion records used throughout the proctoring engine.
package models

import (
	"time"
)

// SessionState enumerates the lifecycle states of a proctored video session.
type SessionState string

const (
	StateActive           SessionState = "ACTIVE"            // Session is accruing watch time
	StatePaused           SessionState = "PAUSED"            // Playback paused, accrual suspended
	StateChallengePending SessionState = "CHALLENGE_PENDING" // Liveness challenge outstanding, accrual gated
	StateCompleted        SessionState = "COMPLETED"         // Completion rule satisfied (terminal)
	StateAborted          SessionState = "ABORTED"           // Failed challenge or anomaly threshold (terminal)
	StateExpired          SessionState = "EXPIRED"           // Idle timeout with no heartbeat (terminal)
)

// IsTerminal reports whether the state accepts no further mutation.
func (s SessionState) IsTerminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateExpired
}

// VideoState values reported by the client in progress heartbeats.
const (
	VideoPlaying = "playing"
	VideoPaused  = "paused"
)

// ChallengeOutcome values recorded in a session's challenge history.
const (
	OutcomePassed  = "passed"
	OutcomeFailed  = "failed"
	OutcomeTimeout = "timeout"
)

// Challenge is a single outstanding liveness check interposed during playback.
// A session holds at most one pending challenge at any time.
type Challenge struct {
	ID         string    `json:"challenge_id" db:"challenge_id"` // Unique challenge identifier
	ActionType string    `json:"action_type" db:"action_type"`   // Requested liveness action (blink, nod, shake, mouth)
	IssuedAt   time.Time `json:"issued_at" db:"issued_at"`       // When the challenge was issued
	TimeoutAt  time.Time `json:"timeout_at" db:"timeout_at"`     // Hard deadline for resolution
}

// ChallengeRecord is an immutable entry in a session's challenge history.
type ChallengeRecord struct {
	ChallengeID string    `json:"challenge_id" db:"challenge_id"` // Identifier of the resolved challenge
	ActionType  string    `json:"action_type" db:"action_type"`   // Liveness action that was requested
	IssuedAt    time.Time `json:"issued_at" db:"issued_at"`       // Challenge issue time
	ResolvedAt  time.Time `json:"resolved_at" db:"resolved_at"`   // Resolution time (or timeout fire time)
	Outcome     string    `json:"outcome" db:"outcome"`           // passed, failed or timeout
	Reason      string    `json:"reason,omitempty" db:"reason"`   // Optional resolution detail
}

// Session is one attempt by a worker to watch one training video under one
// work-ticket context. The in-memory copy held by the engine is authoritative;
// the database row is an asynchronously flushed snapshot.
type Session struct {
	ID                 string  `json:"session_id" db:"id"`                           // Opaque unique session identifier
	WorkerID           string  `json:"worker_id" db:"worker_id"`                     // Worker watching the video
	VideoID            string  `json:"video_id" db:"video_id"`                       // Training video being watched
	TicketContextID    string  `json:"ticket_context_id" db:"ticket_context_id"`     // Work-ticket context for this attempt
	RequiredSeconds    float64 `json:"required_seconds" db:"required_seconds"`       // Target watch duration from the catalog, immutable
	AccumulatedSeconds float64 `json:"accumulated_seconds" db:"accumulated_seconds"` // Credited watch time

	State         SessionState `json:"state" db:"state"`                             // Current lifecycle state
	VideoState    string       `json:"video_state" db:"video_state"`                 // Last reported playback state
	LastPosition  float64      `json:"last_position" db:"last_position"`             // Last reported playback position (seconds)
	AnomalyCount  int          `json:"anomaly_count" db:"anomaly_count"`             // Count of suspicious heartbeats
	FailureReason string       `json:"failure_reason,omitempty" db:"failure_reason"` // Why the session terminated, if ABORTED/EXPIRED

	PendingChallenge *Challenge        `json:"pending_challenge,omitempty"` // At most one outstanding challenge
	ChallengeHistory []ChallengeRecord `json:"challenge_history,omitempty"` // Append-only resolved challenges

	CreatedAt       time.Time  `json:"created_at" db:"created_at"`               // Session creation time
	LastHeartbeatAt time.Time  `json:"last_heartbeat_at" db:"last_heartbeat_at"` // Liveness signal for the idle reaper
	LastClientTS    int64      `json:"last_client_ts" db:"last_client_ts"`       // Client timestamp of the last heartbeat
	EndedAt         *time.Time `json:"ended_at,omitempty" db:"ended_at"`         // When a terminal state was reached
}

// TupleKey identifies the (worker, video, ticket) tuple for which at most one
// non-terminal session may exist.
func (s *Session) TupleKey() string {
	return s.WorkerID + "|" + s.VideoID + "|" + s.TicketContextID
}

// HasFailedChallenge reports whether the history contains a failed or
// timed-out challenge, which permanently disqualifies the attempt.
func (s *Session) HasFailedChallenge() bool {
	for _, rec := range s.ChallengeHistory {
		if rec.Outcome == OutcomeFailed || rec.Outcome == OutcomeTimeout {
			return true
		}
	}
	return false
}

// CompletionRecord is the immutable audit artifact written when a session
// completes. Keyed by session ID so at-least-once delivery stays idempotent.
type CompletionRecord struct {
	SessionID          string            `json:"session_id" db:"session_id"`                   // Completed session identifier
	WorkerID           string            `json:"worker_id" db:"worker_id"`                     // Worker who completed the training
	VideoID            string            `json:"video_id" db:"video_id"`                       // Video that was watched
	TicketContextID    string            `json:"ticket_context_id" db:"ticket_context_id"`     // Work-ticket context
	AccumulatedSeconds float64           `json:"accumulated_seconds" db:"accumulated_seconds"` // Final credited watch time
	RequiredSeconds    float64           `json:"required_seconds" db:"required_seconds"`       // Required duration at session creation
	ChallengeHistory   []ChallengeRecord `json:"challenge_history"`                            // Full resolved-challenge trail
	CompletedAt        time.Time         `json:"completed_at" db:"completed_at"`               // Completion decision time
}

// API Requests and Responses

// StartSessionRequest opens (or idempotently resumes) a proctored session.
type StartSessionRequest struct {
	WorkerID        string `json:"worker_id"`         // Worker requesting the session
	VideoID         string `json:"video_id"`          // Training video to watch
	TicketContextID string `json:"ticket_context_id"` // Work-ticket context
}

// StartSessionResponse returns the session handle and resume information.
type StartSessionResponse struct {
	SessionID          string       `json:"session_id"`          // Session identifier for subsequent calls
	State              SessionState `json:"state"`               // Current session state
	RequiredSeconds    float64      `json:"required_seconds"`    // Target watch duration
	AccumulatedSeconds float64      `json:"accumulated_seconds"` // Watch time credited so far
	ResumePosition     float64      `json:"resume_position"`     // Last reported playback position
	Resumed            bool         `json:"resumed"`             // True if an existing session was returned
}

// ProgressRequest is the periodic heartbeat reporting playback progress.
type ProgressRequest struct {
	PositionSeconds    float64 `json:"position_seconds"`     // Current playback position
	PlayedDeltaSeconds float64 `json:"played_delta_seconds"` // New playback seconds since the last heartbeat
	VideoState         string  `json:"video_state"`          // playing or paused
	ClientTimestamp    int64   `json:"client_timestamp"`     // Client Unix timestamp of the report
}

// ChallengeNotice tells the client to pause playback and perform a liveness check.
type ChallengeNotice struct {
	ChallengeID string    `json:"challenge_id"` // Challenge to resolve
	ActionType  string    `json:"action_type"`  // Liveness action to perform
	Deadline    time.Time `json:"deadline"`     // Resolution deadline
}

// ProgressResponse acknowledges a heartbeat and reports current session state.
type ProgressResponse struct {
	State              SessionState `json:"state"`               // State after applying the heartbeat
	AccumulatedSeconds float64      `json:"accumulated_seconds"` // Credited watch time so far
	CreditedDelta      float64      `json:"credited_delta"`      // Delta credited by this heartbeat after clamping
	AnomalyCount       int          `json:"anomaly_count"`       // Suspicious heartbeats recorded so far
}

// ResolveChallengeRequest resolves an outstanding liveness challenge. The
// client either submits a liveness payload for the external verifier, or a
// trusted caller reports the outcome directly.
type ResolveChallengeRequest struct {
	ChallengeID string `json:"challenge_id"`          // Challenge being resolved
	Outcome     string `json:"outcome,omitempty"`     // passed or failed (trusted direct resolution)
	ActionType  string `json:"action_type,omitempty"` // Performed liveness action (verifier-mediated)
	Photo       string `json:"photo,omitempty"`       // Base64 liveness capture (verifier-mediated)
	Reason      string `json:"reason,omitempty"`      // Optional resolution detail
}

// ResolveChallengeResponse reports the recorded outcome and resulting state.
type ResolveChallengeResponse struct {
	Outcome string       `json:"outcome"` // Outcome recorded in the history
	State   SessionState `json:"state"`   // Session state after resolution
}

// CompleteSessionResponse is returned when the completion rule is satisfied.
type CompleteSessionResponse struct {
	SessionID          string  `json:"session_id"`          // Completed session
	AccumulatedSeconds float64 `json:"accumulated_seconds"` // Final credited watch time
	RequiredSeconds    float64 `json:"required_seconds"`    // Required duration
	Completed          bool    `json:"completed"`           // Always true on success
}

// SessionView is the read model returned by the session poll endpoint. It
// carries the pending challenge so clients can pick it up without a push channel.
type SessionView struct {
	SessionID          string           `json:"session_id"`
	State              SessionState     `json:"state"`
	RequiredSeconds    float64          `json:"required_seconds"`
	AccumulatedSeconds float64          `json:"accumulated_seconds"`
	LastPosition       float64          `json:"last_position"`
	AnomalyCount       int              `json:"anomaly_count"`
	Challenge          *ChallengeNotice `json:"pending_challenge,omitempty"`
	FailureReason      string           `json:"failure_reason,omitempty"`
}

// VerifyRequest is the payload sent to the external liveness verifier.
type VerifyRequest struct {
	SessionID   string `json:"session_id"`   // Session under verification
	ChallengeID string `json:"challenge_id"` // Challenge being answered
	WorkerID    string `json:"worker_id"`    // Worker whose identity is checked
	ActionType  string `json:"action_type"`  // Liveness action performed
	Photo       string `json:"photo"`        // Base64 encoded capture
}

// VerifyResponse is the opaque pass/fail decision from the liveness verifier.
type VerifyResponse struct {
	Passed bool   `json:"passed"`           // Whether the liveness check passed
	Reason string `json:"reason,omitempty"` // Verifier-supplied detail
}

// AuthorizationNotice informs the worker-authorization subsystem of a durable
// completion verdict. Sent only after the completion record is persisted.
type AuthorizationNotice struct {
	SessionID       string    `json:"session_id"`
	WorkerID        string    `json:"worker_id"`
	VideoID         string    `json:"video_id"`
	TicketContextID string    `json:"ticket_context_id"`
	CompletedAt     time.Time `json:"completed_at"`
}

// Error Response

// ErrorResponse represents a standardized error response structure.
// Used to return consistent error information to API clients.
type ErrorResponse struct {
	Error ErrorDetails `json:"error"` // Detailed error information
}

// ErrorDetails contains specific error information including codes and messages.
type ErrorDetails struct {
	Code      string `json:"code"`                 // Machine-readable error code
	Message   string `json:"message"`              // Human-readable error description
	RequestID string `json:"request_id,omitempty"` // Request ID for error correlation
	Shortfall int    `json:"shortfall,omitempty"`  // Missing watch seconds on early completion
}
