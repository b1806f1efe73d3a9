package proctor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"training-integrity-system/pkg/auth"
	"training-integrity-system/pkg/config"
	"training-integrity-system/pkg/db"
	"training-integrity-system/pkg/logger"
	"training-integrity-system/pkg/metrics"
	"training-integrity-system/pkg/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	MaxRetryAttempts = 6
	BaseDelay        = 500 * time.Millisecond
	MaxDelay         = 30 * time.Second
	JitterMin        = 0.85
	JitterMax        = 1.15
)

// AuditWorker persists completion records and delivers authorization
// notifications. Records are written with an idempotent insert keyed by
// session ID, so at-least-once delivery from the engine is safe; only after
// the durable write does the worker notify the authorization subsystem.
type AuditWorker struct {
	config   *config.Config
	store    db.Store
	hmacAuth *auth.HMACAuth
	client   *http.Client

	queue chan *models.CompletionRecord
	quit  chan struct{}
	wg    sync.WaitGroup
}

// NewAuditWorker creates an audit worker over the given store. Outbound
// notifications are HMAC-signed with the engine key.
func NewAuditWorker(cfg *config.Config, store db.Store) *AuditWorker {
	return &AuditWorker{
		config:   cfg,
		store:    store,
		hmacAuth: auth.NewHMACAuth(cfg.GetSecrets(), cfg.GetClockSkew()),
		client:   &http.Client{Timeout: 30 * time.Second},
		queue:    make(chan *models.CompletionRecord, 64),
		quit:     make(chan struct{}),
	}
}

// Start launches the worker goroutine and requeues completions whose
// notifications did not go out before the last shutdown.
func (w *AuditWorker) Start() {
	auditLog := logger.NewCategoryLogger(w.config.LogLevel, logger.Proctor, logger.Audit)

	pending, err := w.store.ListUnnotifiedCompletions()
	if err != nil {
		auditLog.Error().Err(err).Msg("Failed to list unnotified completions")
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		for _, rec := range pending {
			w.process(auditLog, rec)
		}

		for {
			select {
			case <-w.quit:
				auditLog.Info().Msg("Audit worker stopping")
				return
			case rec := <-w.queue:
				w.process(auditLog, rec)
			}
		}
	}()
}

// Stop shuts the worker down. Undelivered notifications are recovered on the
// next start from the unnotified completion records.
func (w *AuditWorker) Stop() {
	close(w.quit)
	w.wg.Wait()
}

// Enqueue hands a completion record to the worker. Never blocks the caller:
// a full queue is drained from the store on the next start.
func (w *AuditWorker) Enqueue(rec *models.CompletionRecord) {
	select {
	case w.queue <- rec:
	default:
		// The durable write below still happens on restart recovery
		auditLog := logger.NewCategoryLogger(w.config.LogLevel, logger.Proctor, logger.Audit)
		auditLog.Warn().Str("session_id", rec.SessionID).Msg("Audit queue full, deferring to restart recovery")
		if _, err := w.store.SaveCompletionRecord(rec); err != nil {
			auditLog.Error().Err(err).Str("session_id", rec.SessionID).Msg("Failed to persist completion record")
		}
	}
}

// process writes the completion record durably, then notifies the
// authorization subsystem.
func (w *AuditWorker) process(auditLog zerolog.Logger, rec *models.CompletionRecord) {
	recLog := auditLog.With().Str("session_id", rec.SessionID).Logger()

	inserted, err := w.store.SaveCompletionRecord(rec)
	if err != nil {
		recLog.Error().Err(err).Msg("Failed to persist completion record")
		return
	}
	if inserted {
		metrics.AuditRecordsWritten.Inc()
		recLog.Info().Msg("Completion record persisted")
	}

	if w.config.AuthorizationURL == "" {
		recLog.Info().
			Str("worker_id", rec.WorkerID).
			Str("video_id", rec.VideoID).
			Msg("No authorization endpoint configured, verdict logged only")
		if err := w.store.MarkCompletionNotified(rec.SessionID); err != nil {
			recLog.Error().Err(err).Msg("Failed to mark completion notified")
		}
		return
	}

	if err := w.notifyWithRetry(recLog, rec); err != nil {
		recLog.Error().Err(err).Msg("Authorization notification failed after all retries")
		return
	}

	if err := w.store.MarkCompletionNotified(rec.SessionID); err != nil {
		recLog.Error().Err(err).Msg("Failed to mark completion notified")
	}
}

// notifyWithRetry posts the authorization notice with exponential backoff and
// jitter. Client errors other than 429 are not retried.
func (w *AuditWorker) notifyWithRetry(recLog zerolog.Logger, rec *models.CompletionRecord) error {
	notice := models.AuthorizationNotice{
		SessionID:       rec.SessionID,
		WorkerID:        rec.WorkerID,
		VideoID:         rec.VideoID,
		TicketContextID: rec.TicketContextID,
		CompletedAt:     rec.CompletedAt,
	}

	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization notice: %w", err)
	}

	for attempt := 0; attempt < MaxRetryAttempts; attempt++ {
		attemptLog := recLog.With().Int("attempt", attempt+1).Logger()

		statusCode, err := w.sendNotice(body)
		if err == nil && statusCode >= 200 && statusCode < 300 {
			attemptLog.Info().Int("status_code", statusCode).Msg("Authorization notified")
			return nil
		}

		shouldRetry := w.shouldRetry(statusCode, err)

		attemptLog.Error().
			Err(err).
			Int("status_code", statusCode).
			Bool("will_retry", shouldRetry && attempt < MaxRetryAttempts-1).
			Msg("Authorization notification failed")

		if !shouldRetry {
			if err != nil {
				return fmt.Errorf("notification failed with non-retryable error: %w", err)
			}
			return fmt.Errorf("notification failed with non-retryable status code: %d", statusCode)
		}

		if attempt == MaxRetryAttempts-1 {
			break
		}

		metrics.AuthorizationNotifyRetries.Inc()

		delay := w.calculateBackoffDelay(attempt)
		attemptLog.Info().Dur("delay", delay).Msg("Waiting before retry")

		select {
		case <-w.quit:
			return fmt.Errorf("worker stopping, notification deferred to restart")
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("notification failed after %d attempts", MaxRetryAttempts)
}

// sendNotice posts one HMAC-signed notification.
func (w *AuditWorker) sendNotice(body []byte) (int, error) {
	nonce := uuid.New().String()
	authHeader := w.hmacAuth.CreateAuthHeader("POST", "/authorize", body, w.config.EngineHMACKeyID, nonce)
	if authHeader == "" {
		return 0, fmt.Errorf("failed to create auth header")
	}

	req, err := http.NewRequest("POST", w.config.AuthorizationURL+"/authorize", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", authHeader)
	req.Header.Set("X-Request-ID", uuid.New().String())

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	return resp.StatusCode, nil
}

func (w *AuditWorker) shouldRetry(statusCode int, err error) bool {
	// Network errors - retry
	if err != nil {
		return true
	}

	// 429 Too Many Requests - retry
	if statusCode == 429 {
		return true
	}

	// 5xx server errors - retry
	if statusCode >= 500 {
		return true
	}

	// Other status codes - don't retry
	return false
}

func (w *AuditWorker) calculateBackoffDelay(attempt int) time.Duration {
	// Exponential backoff: delay = min(max, base * 2^attempt)
	delay := BaseDelay * time.Duration(math.Pow(2, float64(attempt)))

	if delay > MaxDelay {
		delay = MaxDelay
	}

	// Add jitter: delay * random(0.85, 1.15)
	jitter := JitterMin + rand.Float64()*(JitterMax-JitterMin)
	delay = time.Duration(float64(delay) * jitter)

	return delay
}
