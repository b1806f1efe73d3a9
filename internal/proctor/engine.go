// Package proctor implements the video-session integrity engine: session
// lifecycle management, heartbeat accrual with anomaly rejection, randomized
// liveness challenges, completion evaluation, and idle reaping. In-memory
// session copies are authoritative; SQLite holds asynchronously flushed
// snapshots plus the durable challenge history and completion records.
package proctor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"training-integrity-system/pkg/config"
	"training-integrity-system/pkg/db"
	"training-integrity-system/pkg/logger"
	"training-integrity-system/pkg/metrics"
	"training-integrity-system/pkg/models"
	"training-integrity-system/pkg/validator"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const flushQueueSize = 256

// Engine is the integrity engine. It owns the in-memory session registry and
// runs the background sweeps (challenge scheduler, idle reaper) plus the
// snapshot flusher and the completion audit worker.
type Engine struct {
	config    *config.Config
	store     db.Store
	catalog   VideoCatalog
	verifier  LivenessVerifier
	validator *validator.Validator
	audit     *AuditWorker

	mu       sync.RWMutex
	sessions map[string]*liveSession // all sessions by ID, terminal ones included
	byTuple  map[string]*liveSession // open session per (worker, video, ticket) tuple

	flushCh chan *models.Session
	quit    chan struct{}
	wg      sync.WaitGroup

	// Injectable clock and random source for deterministic tests.
	now   func() time.Time
	rngMu sync.Mutex
	rng   *rand.Rand

	log zerolog.Logger
}

// NewEngine creates an integrity engine over the given store and collaborators.
// The verifier may be nil, in which case only trusted direct challenge
// resolution is accepted.
func NewEngine(cfg *config.Config, store db.Store, catalog VideoCatalog, verifier LivenessVerifier) *Engine {
	return &Engine{
		config:    cfg,
		store:     store,
		catalog:   catalog,
		verifier:  verifier,
		validator: validator.New(cfg.Policy),
		audit:     NewAuditWorker(cfg, store),
		sessions:  make(map[string]*liveSession),
		byTuple:   make(map[string]*liveSession),
		flushCh:   make(chan *models.Session, flushQueueSize),
		quit:      make(chan struct{}),
		now:       time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		log:       logger.NewCategoryLogger(cfg.LogLevel, logger.Proctor, logger.General),
	}
}

// Start recovers open sessions from the store and launches the background
// loops. Must be called once before serving requests.
func (e *Engine) Start() error {
	if err := e.recoverSessions(); err != nil {
		return err
	}

	e.wg.Add(3)
	go e.flushLoop()
	go e.schedulerLoop()
	go e.reaperLoop()

	e.audit.Start()

	return nil
}

// Stop shuts down the background loops, drains the flush queue, and stops the
// audit worker. Sessions already in memory are flushed before return.
func (e *Engine) Stop() {
	close(e.quit)
	e.wg.Wait()
	e.audit.Stop()
}

// recoverSessions rebuilds the in-memory registry from non-terminal snapshots.
// Challenge delays are re-armed fresh; an outstanding challenge keeps its
// original deadline and is timed out by the next sweep if it already passed.
func (e *Engine) recoverSessions() error {
	open, err := e.store.ListOpenSessions()
	if err != nil {
		return err
	}

	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, s := range open {
		ls := &liveSession{s: s}
		switch s.State {
		case models.StateActive:
			ls.nextChallengeAt = now.Add(e.randomChallengeDelay())
		case models.StatePaused:
			ls.pausedDelayRemaining = e.randomChallengeDelay()
		}

		e.sessions[s.ID] = ls
		e.byTuple[s.TupleKey()] = ls
		metrics.ActiveSessions.Inc()
	}

	if len(open) > 0 {
		e.log.Info().Int("sessions", len(open)).Msg("Recovered open sessions from store")
	}

	return nil
}

// StartSession opens a proctored session for a (worker, video, ticket) tuple,
// or idempotently returns the existing non-terminal session for that tuple.
func (e *Engine) StartSession(ctx context.Context, req *models.StartSessionRequest) (*models.StartSessionResponse, error) {
	if req.WorkerID == "" {
		return nil, &models.ValidationError{Field: "worker_id", Message: "must not be empty"}
	}
	if req.VideoID == "" {
		return nil, &models.ValidationError{Field: "video_id", Message: "must not be empty"}
	}
	if req.TicketContextID == "" {
		return nil, &models.ValidationError{Field: "ticket_context_id", Message: "must not be empty"}
	}

	key := req.WorkerID + "|" + req.VideoID + "|" + req.TicketContextID

	for {
		e.mu.RLock()
		existing := e.byTuple[key]
		e.mu.RUnlock()

		if existing != nil {
			existing.mu.Lock()
			if !existing.s.State.IsTerminal() {
				resp := &models.StartSessionResponse{
					SessionID:          existing.s.ID,
					State:              existing.s.State,
					RequiredSeconds:    existing.s.RequiredSeconds,
					AccumulatedSeconds: existing.s.AccumulatedSeconds,
					ResumePosition:     existing.s.LastPosition,
					Resumed:            true,
				}
				existing.mu.Unlock()
				metrics.SessionsResumed.Inc()
				return resp, nil
			}
			existing.mu.Unlock()

			// Stale tuple mapping for a terminal session; clear and retry
			e.mu.Lock()
			if e.byTuple[key] == existing {
				delete(e.byTuple, key)
			}
			e.mu.Unlock()
			continue
		}

		duration, err := e.catalog.Lookup(ctx, req.VideoID)
		if err != nil {
			return nil, err
		}

		now := e.now()
		session := &models.Session{
			ID:              uuid.New().String(),
			WorkerID:        req.WorkerID,
			VideoID:         req.VideoID,
			TicketContextID: req.TicketContextID,
			RequiredSeconds: duration,
			State:           models.StateActive,
			VideoState:      models.VideoPlaying,
			CreatedAt:       now,
			LastHeartbeatAt: now,
		}
		ls := &liveSession{
			s:               session,
			nextChallengeAt: now.Add(e.randomChallengeDelay()),
		}

		e.mu.Lock()
		if e.byTuple[key] != nil {
			// Lost the race to a concurrent start for the same tuple
			e.mu.Unlock()
			continue
		}
		e.sessions[session.ID] = ls
		e.byTuple[key] = ls
		e.mu.Unlock()

		metrics.SessionsStarted.Inc()
		metrics.ActiveSessions.Inc()
		e.enqueueFlush(session)

		lg := logger.WithSessionID(session.ID)
		lg.Info().
			Str("worker_id", req.WorkerID).
			Str("video_id", req.VideoID).
			Float64("required_seconds", duration).
			Msg("Session started")

		return &models.StartSessionResponse{
			SessionID:       session.ID,
			State:           session.State,
			RequiredSeconds: duration,
		}, nil
	}
}

// GetSession returns the read model of a session, including any pending
// challenge for clients polling without a push channel.
func (e *Engine) GetSession(sessionID string) (*models.SessionView, error) {
	ls, err := e.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	view := &models.SessionView{
		SessionID:          ls.s.ID,
		State:              ls.s.State,
		RequiredSeconds:    ls.s.RequiredSeconds,
		AccumulatedSeconds: ls.s.AccumulatedSeconds,
		LastPosition:       ls.s.LastPosition,
		AnomalyCount:       ls.s.AnomalyCount,
		FailureReason:      ls.s.FailureReason,
	}
	if c := ls.s.PendingChallenge; c != nil {
		view.Challenge = &models.ChallengeNotice{
			ChallengeID: c.ID,
			ActionType:  c.ActionType,
			Deadline:    c.TimeoutAt,
		}
	}

	return view, nil
}

// lookup finds a session in the registry, falling back to the store for
// sessions that terminated before the last restart.
func (e *Engine) lookup(sessionID string) (*liveSession, error) {
	e.mu.RLock()
	ls := e.sessions[sessionID]
	e.mu.RUnlock()

	if ls != nil {
		return ls, nil
	}

	// Terminal sessions are dropped from memory across restarts but their
	// snapshots remain readable.
	s, err := e.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	return &liveSession{s: s}, nil
}

// openSessions snapshots the registry for a sweep without holding the
// registry lock during per-session work.
func (e *Engine) openSessions() []*liveSession {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*liveSession, 0, len(e.byTuple))
	for _, ls := range e.byTuple {
		out = append(out, ls)
	}
	return out
}

// finalize moves a session to a terminal state. Caller must hold the session
// lock. The tuple mapping is released so the worker can start a fresh attempt.
func (e *Engine) finalize(ls *liveSession, state models.SessionState, reason string) {
	now := e.now()
	ls.s.State = state
	ls.s.FailureReason = reason
	ls.s.EndedAt = &now
	ls.s.PendingChallenge = nil
	ls.nextChallengeAt = time.Time{}
	ls.pausedDelayRemaining = 0

	e.mu.Lock()
	if e.byTuple[ls.s.TupleKey()] == ls {
		delete(e.byTuple, ls.s.TupleKey())
	}
	e.mu.Unlock()

	metrics.ActiveSessions.Dec()
	metrics.SessionsFinished.WithLabelValues(string(state), reason).Inc()
	e.enqueueFlush(ls.snapshot())
}

// enqueueFlush queues a session snapshot for asynchronous persistence. A full
// queue falls back to a synchronous write rather than dropping the snapshot.
func (e *Engine) enqueueFlush(snapshot *models.Session) {
	select {
	case e.flushCh <- snapshot:
	default:
		if err := e.store.UpsertSession(snapshot); err != nil {
			e.log.Error().Err(err).Str("session_id", snapshot.ID).Msg("Synchronous session flush failed")
		}
	}
}

// flushLoop persists queued session snapshots until shutdown, then drains the
// queue.
func (e *Engine) flushLoop() {
	defer e.wg.Done()

	for {
		select {
		case snapshot := <-e.flushCh:
			if err := e.store.UpsertSession(snapshot); err != nil {
				e.log.Error().Err(err).Str("session_id", snapshot.ID).Msg("Session flush failed")
			}
		case <-e.quit:
			for {
				select {
				case snapshot := <-e.flushCh:
					if err := e.store.UpsertSession(snapshot); err != nil {
						e.log.Error().Err(err).Str("session_id", snapshot.ID).Msg("Session flush failed")
					}
				default:
					return
				}
			}
		}
	}
}

// randFloat64 draws from the injectable random source.
func (e *Engine) randFloat64() float64 {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Float64()
}

// randIntn draws from the injectable random source.
func (e *Engine) randIntn(n int) int {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Intn(n)
}
