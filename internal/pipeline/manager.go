package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/asr-stream-service/internal/audio"
	"github.com/skypro1111/asr-stream-service/internal/metrics"
	"github.com/skypro1111/asr-stream-service/internal/recognizer"
	"github.com/skypro1111/asr-stream-service/internal/sequencer"
	"github.com/skypro1111/asr-stream-service/internal/storage"
	"github.com/skypro1111/asr-stream-service/internal/workerpool"
)

// ConflictPolicy decides what happens when a session id is attached twice
type ConflictPolicy string

const (
	// PolicyEvict drains the attached pipeline and attaches the newcomer
	PolicyEvict ConflictPolicy = "evict"
	// PolicyReject refuses the newcomer with ErrSessionConflict
	PolicyReject ConflictPolicy = "reject"
)

// ParseConflictPolicy parses a policy name; empty means evict
func ParseConflictPolicy(name string) (ConflictPolicy, error) {
	switch ConflictPolicy(name) {
	case "", PolicyEvict:
		return PolicyEvict, nil
	case PolicyReject:
		return PolicyReject, nil
	default:
		return "", fmt.Errorf("unknown conflict policy %q (must be evict or reject)", name)
	}
}

// ManagerConfig contains configuration for the session manager
type ManagerConfig struct {
	SourceRate      int
	TargetRate      int
	SessionQueue    int
	EventBuffer     int
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
	ConflictPolicy  ConflictPolicy
	Retry           sequencer.RetryPolicy
}

// Dependencies are the process-wide resources shared by all pipelines
type Dependencies struct {
	Registry storage.SessionRegistry
	Cold     storage.ColdStore
	Hot      storage.HotCache // optional
	Factory  recognizer.Factory
	Pool     *workerpool.Pool
	Metrics  *metrics.Metrics
}

// AttachRequest identifies the session a connection wants to drive
type AttachRequest struct {
	SessionID string
	UserID    string
	Encoding  audio.Encoding
}

// Manager manages all attached session pipelines
type Manager struct {
	pipelines map[string]*Pipeline
	mu        sync.RWMutex
	logger    *slog.Logger
	config    ManagerConfig
	deps      Dependencies

	// Serializes Attach per session id
	attachLocks *keyedMutex
	stopped     bool

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a session manager and starts its idle cleanup routine
func NewManager(logger *slog.Logger, config ManagerConfig, deps Dependencies) (*Manager, error) {
	if deps.Registry == nil || deps.Cold == nil || deps.Factory == nil || deps.Pool == nil || deps.Metrics == nil {
		return nil, errors.New("manager requires registry, cold store, recognizer factory, worker pool and metrics")
	}

	policy, err := ParseConflictPolicy(string(config.ConflictPolicy))
	if err != nil {
		return nil, err
	}
	config.ConflictPolicy = policy

	if config.SourceRate <= 0 {
		config.SourceRate = 8000
	}
	if config.TargetRate <= 0 {
		config.TargetRate = 16000
	}
	if config.SessionQueue <= 0 {
		config.SessionQueue = 64
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = 64
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		pipelines:   make(map[string]*Pipeline),
		logger:      logger,
		config:      config,
		deps:        deps,
		attachLocks: newKeyedMutex(),
		ctx:         ctx,
		cancel:      cancel,
		cleanup:     make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr, nil
}

// Policy returns the active conflict policy
func (m *Manager) Policy() ConflictPolicy {
	return m.config.ConflictPolicy
}

// Attach creates the pipeline for a session. Attaches for the same session id
// are serialized; an already attached pipeline is resolved per conflict policy.
func (m *Manager) Attach(ctx context.Context, req AttachRequest) (*Pipeline, error) {
	unlock := m.attachLocks.Lock(req.SessionID)
	defer unlock()

	m.mu.RLock()
	stopped := m.stopped
	existing, exists := m.pipelines[req.SessionID]
	m.mu.RUnlock()

	if stopped {
		return nil, fmt.Errorf("%w: manager stopped", ErrNotAccepting)
	}

	// A pipeline that is already draining has no client left; wait for it
	// to finish instead of treating the reconnect as a conflict
	if exists && existing.State() != StateActive {
		m.logger.Info("Waiting for draining pipeline before attach",
			slog.String("session_id", req.SessionID),
			slog.String("state", existing.State().String()),
		)
		if err := existing.Wait(ctx); err != nil {
			return nil, fmt.Errorf("failed to wait for previous pipeline: %w", err)
		}
		exists = false
	}

	if exists {
		m.deps.Metrics.RecordConflict(string(m.config.ConflictPolicy))

		if m.config.ConflictPolicy == PolicyReject {
			m.logger.Warn("Rejecting attach for already attached session",
				slog.String("session_id", req.SessionID),
				slog.String("user_id", req.UserID),
			)
			return nil, fmt.Errorf("%w: %s", ErrSessionConflict, req.SessionID)
		}

		m.logger.Info("Evicting attached pipeline for new connection",
			slog.String("session_id", req.SessionID),
			slog.String("state", existing.State().String()),
		)
		existing.drain(ReasonEvicted)
		if err := existing.Wait(ctx); err != nil {
			return nil, fmt.Errorf("failed to evict previous pipeline: %w", err)
		}
	}

	pipeline, err := m.build(ctx, req)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		if err := pipeline.recognizer.Close(); err != nil {
			pipeline.logger.Warn("Error closing recognizer", slog.String("error", err.Error()))
		}
		pipeline.cancel()
		return nil, fmt.Errorf("%w: manager stopped", ErrNotAccepting)
	}
	m.pipelines[req.SessionID] = pipeline
	count := len(m.pipelines)
	m.mu.Unlock()

	m.deps.Metrics.RecordSessionAttached()
	m.deps.Metrics.SetActiveSessions(count)
	pipeline.start()

	return pipeline, nil
}

// build resolves the session and constructs the per-session components
func (m *Manager) build(ctx context.Context, req AttachRequest) (*Pipeline, error) {
	session, err := m.deps.Registry.GetOrCreate(ctx, req.SessionID, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session: %w", err)
	}

	logger := m.logger.With(slog.String("session_id", session.ID))

	normalizer, err := audio.NewNormalizer(req.Encoding, m.config.SourceRate, m.config.TargetRate)
	if err != nil {
		return nil, fmt.Errorf("failed to create normalizer: %w", err)
	}

	seq, err := sequencer.New(ctx, session.ID, m.deps.Cold, m.deps.Hot, m.config.Retry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create sequencer: %w", err)
	}

	rec, err := m.deps.Factory.NewRecognizer(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create recognizer: %w", err)
	}

	logger.Info("Attached session pipeline",
		slog.String("user_id", session.UserID),
		slog.String("encoding", string(req.Encoding)),
		slog.Int64("resume_seq", seq.Next()),
	)

	return newPipeline(pipelineParams{
		sessionID:    session.ID,
		userID:       session.UserID,
		encoding:     req.Encoding,
		normalizer:   normalizer,
		recognizer:   rec,
		sequencer:    seq,
		pool:         m.deps.Pool,
		metrics:      m.deps.Metrics,
		logger:       logger,
		sessionQueue: m.config.SessionQueue,
		eventBuffer:  m.config.EventBuffer,
		onDetach:     m.remove,
	}), nil
}

// remove drops a detached pipeline unless a newer one replaced it
func (m *Manager) remove(p *Pipeline) {
	m.mu.Lock()
	if current, ok := m.pipelines[p.sessionID]; ok && current == p {
		delete(m.pipelines, p.sessionID)
	}
	count := len(m.pipelines)
	m.mu.Unlock()

	m.deps.Metrics.SetActiveSessions(count)
}

// GetSession retrieves the attached pipeline of a session
func (m *Manager) GetSession(sessionID string) (*Pipeline, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, exists := m.pipelines[sessionID]
	return p, exists
}

// GetActiveSessionCount returns the number of attached pipelines
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pipelines)
}

// GetAllSessions returns a snapshot of all attached pipelines (for monitoring)
func (m *Manager) GetAllSessions() []*Pipeline {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pipelines := make([]*Pipeline, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		pipelines = append(pipelines, p)
	}

	return pipelines
}

// GetRecognizerStats returns current recognizer engine statistics
func (m *Manager) GetRecognizerStats() recognizer.Stats {
	return m.deps.Factory.Stats()
}

// Stop drains every pipeline, waits for them to detach and stops the cleanup routine
func (m *Manager) Stop(ctx context.Context) error {
	m.logger.Info("Stopping session manager...")

	m.mu.Lock()
	m.stopped = true
	pipelines := make([]*Pipeline, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		pipelines = append(pipelines, p)
	}
	m.mu.Unlock()

	for _, p := range pipelines {
		p.drain(ReasonShutdown)
	}

	var waitErr error
	for _, p := range pipelines {
		if err := p.Wait(ctx); err != nil {
			waitErr = err
			break
		}
	}

	// Cancel context to stop cleanup routine
	m.cancel()
	<-m.cleanup

	stats := m.deps.Factory.Stats()
	m.logger.Info("Session manager stopped",
		slog.Int("remaining_sessions", m.GetActiveSessionCount()),
		slog.Uint64("total_pushes", stats.TotalPushes),
		slog.Float64("recognizer_success_rate", stats.SuccessRate),
	)

	return waitErr
}

// startCleanupRoutine runs in a separate goroutine to drain idle pipelines
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	m.logger.Info("Session cleanup routine started",
		slog.Duration("idle_timeout", m.config.IdleTimeout),
		slog.Duration("check_interval", m.config.CleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Session cleanup routine stopping")
			return

		case <-ticker.C:
			m.cleanupIdleSessions()
			m.deps.Metrics.SetWorkerQueueSize(m.deps.Pool.Stats().Queued)
		}
	}
}

// cleanupIdleSessions drains pipelines that have not received audio within the idle timeout
func (m *Manager) cleanupIdleSessions() {
	if m.config.IdleTimeout <= 0 {
		return
	}

	now := time.Now()
	idle := make([]*Pipeline, 0)

	m.mu.RLock()
	for _, p := range m.pipelines {
		if now.Sub(p.idleSince()) > m.config.IdleTimeout {
			idle = append(idle, p)
		}
	}
	m.mu.RUnlock()

	if len(idle) > 0 {
		m.logger.Info("Draining idle sessions",
			slog.Int("idle_count", len(idle)),
		)

		for _, p := range idle {
			p.drain(ReasonIdle)
		}
	}
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires the mutex for key and returns its unlock function
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
