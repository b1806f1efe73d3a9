// Package validator implements heartbeat validation for the integrity engine.
// Checks progress reports for malformed fields, clamps implausible accrual
// claims, and detects playback anomalies that indicate tampering.
package validator

import (
	"training-integrity-system/pkg/config"
	"training-integrity-system/pkg/models"
)

// Anomaly types recorded against a session's suspicious-heartbeat counter.
const (
	AnomalyPositionBackward = "POSITION_BACKWARD" // Position moved backward beyond the error margin
	AnomalyLargeSkip        = "LARGE_SKIP"        // Position jumped forward beyond the credited delta
	AnomalySpeedAnomaly     = "SPEED_ANOMALY"     // Claimed delta outran the client clock
)

// Result is the outcome of validating one progress heartbeat. CreditedDelta is
// the watch time that may be accrued after clamping; a heartbeat flagged with
// anomalies credits nothing but still advances the reported position.
type Result struct {
	CreditedDelta float64  // Seconds to credit after clamping (0 when anomalous)
	Clamped       bool     // True if the claimed delta was reduced
	Anomalies     []string // Anomaly types detected by this heartbeat
}

// Validator checks progress heartbeats against the proctoring policy.
type Validator struct {
	policy config.PolicyConfig
}

// New creates a heartbeat validator for the given policy.
func New(policy config.PolicyConfig) *Validator {
	return &Validator{policy: policy}
}

// ValidateRequest checks the heartbeat payload for malformed fields before any
// session state is consulted. Returns a ValidationError naming the first
// offending field.
func (v *Validator) ValidateRequest(req *models.ProgressRequest) error {
	if req.PositionSeconds < 0 {
		return &models.ValidationError{Field: "position_seconds", Message: "must not be negative"}
	}
	if req.PlayedDeltaSeconds < 0 {
		return &models.ValidationError{Field: "played_delta_seconds", Message: "must not be negative"}
	}
	if req.VideoState != models.VideoPlaying && req.VideoState != models.VideoPaused {
		return &models.ValidationError{Field: "video_state", Message: "must be playing or paused"}
	}
	if req.ClientTimestamp <= 0 {
		return &models.ValidationError{Field: "client_timestamp", Message: "must be a positive unix timestamp"}
	}
	return nil
}

// CheckProgress evaluates a structurally valid heartbeat against the session's
// previous snapshot. The returned result carries the clamped credit and any
// anomalies; callers discard the credit entirely when anomalies are present.
func (v *Validator) CheckProgress(session *models.Session, req *models.ProgressRequest) Result {
	res := Result{CreditedDelta: req.PlayedDeltaSeconds}

	// The claimed delta can never exceed the heartbeat period times the
	// tolerance factor, no matter what the client reports.
	if maxDelta := v.policy.MaxHeartbeatDelta(); res.CreditedDelta > maxDelta {
		res.CreditedDelta = maxDelta
		res.Clamped = true
	}

	// The delta must also fit inside the client-clock gap since the last
	// heartbeat, with slack for playback speed jitter. A delta outrunning
	// the client's own clock is fabricated.
	if session.LastClientTS > 0 && req.ClientTimestamp > session.LastClientTS {
		gap := float64(req.ClientTimestamp - session.LastClientTS)
		if res.CreditedDelta > gap*v.policy.SpeedTolerance {
			res.CreditedDelta = gap * v.policy.SpeedTolerance
			res.Clamped = true
			res.Anomalies = append(res.Anomalies, AnomalySpeedAnomaly)
		}
	}

	// Backward seeks beyond the error margin are suspicious; honest players
	// only drift backward by buffering noise.
	if req.PositionSeconds < session.LastPosition-v.policy.PositionErrorMarginSec {
		res.Anomalies = append(res.Anomalies, AnomalyPositionBackward)
	}

	// A position jump larger than the credited playback plus tolerance means
	// the player skipped ahead instead of watching.
	if req.PositionSeconds > session.LastPosition+res.CreditedDelta+v.policy.SkipToleranceSec {
		res.Anomalies = append(res.Anomalies, AnomalyLargeSkip)
	}

	// Anomalous heartbeats never credit watch time
	if len(res.Anomalies) > 0 {
		res.CreditedDelta = 0
	}

	return res
}
