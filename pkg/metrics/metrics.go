// Package metrics exposes Prometheus instrumentation for the integrity engine.
// All metrics are registered on the default registry and served via /metrics.
// Aggregate values are observational only; the engine never reads them back.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsStarted counts newly created proctored sessions.
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proctor_sessions_started_total",
		Help: "Total number of proctored sessions created.",
	})

	// SessionsResumed counts idempotent start calls that returned an existing session.
	SessionsResumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proctor_sessions_resumed_total",
		Help: "Total number of start requests resolved by resuming an existing session.",
	})

	// SessionsFinished counts sessions reaching a terminal state, by state and reason.
	SessionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctor_sessions_finished_total",
		Help: "Total number of sessions reaching a terminal state.",
	}, []string{"state", "reason"})

	// ActiveSessions tracks the number of non-terminal sessions held in memory.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proctor_active_sessions",
		Help: "Number of non-terminal sessions currently tracked by the engine.",
	})

	// HeartbeatsAccepted counts heartbeats that passed validation and were applied.
	HeartbeatsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proctor_heartbeats_accepted_total",
		Help: "Total number of progress heartbeats accepted for accrual.",
	})

	// HeartbeatsRejected counts heartbeats rejected before accrual, by reason.
	HeartbeatsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctor_heartbeats_rejected_total",
		Help: "Total number of progress heartbeats rejected.",
	}, []string{"reason"})

	// AnomaliesDetected counts suspicious heartbeats, by anomaly type.
	AnomaliesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctor_anomalies_detected_total",
		Help: "Total number of suspicious heartbeats detected.",
	}, []string{"type"})

	// ChallengesIssued counts liveness challenges issued to active sessions.
	ChallengesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proctor_challenges_issued_total",
		Help: "Total number of liveness challenges issued.",
	})

	// ChallengesResolved counts resolved challenges, by outcome.
	ChallengesResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctor_challenges_resolved_total",
		Help: "Total number of liveness challenges resolved.",
	}, []string{"outcome"})

	// AuditRecordsWritten counts completion records durably persisted.
	AuditRecordsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proctor_audit_records_written_total",
		Help: "Total number of completion records persisted.",
	})

	// AuthorizationNotifyRetries counts retried deliveries to the authorization subsystem.
	AuthorizationNotifyRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proctor_authorization_notify_retries_total",
		Help: "Total number of retried authorization notifications.",
	})
)
