package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/skypro1111/asr-stream-service/internal/protocol"
	"github.com/skypro1111/asr-stream-service/internal/recognizer"
	"github.com/skypro1111/asr-stream-service/internal/storage"
)

// Sequencer assigns segment numbers to the hypotheses of one session.
// OnHypothesis must be called from a single goroutine; accessors are safe
// for concurrent use.
type Sequencer struct {
	sessionID string
	cold      storage.ColdStore
	hot       storage.HotCache
	policy    RetryPolicy
	logger    *slog.Logger

	mu          sync.RWMutex
	next        int64
	resumedFrom int64
	finals      uint64
	partials    uint64
	unpersisted []int64
	cacheErrors uint64
}

// New creates a sequencer positioned one past the session's highest stored segment.
// hot may be nil when no interim cache is configured.
func New(ctx context.Context, sessionID string, cold storage.ColdStore, hot storage.HotCache, policy RetryPolicy, logger *slog.Logger) (*Sequencer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	max, ok, err := cold.MaxSeq(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session cursor: %w", err)
	}

	next := int64(0)
	if ok {
		next = max + 1
	}

	return &Sequencer{
		sessionID:   sessionID,
		cold:        cold,
		hot:         hot,
		policy:      policy,
		logger:      logger,
		next:        next,
		resumedFrom: next,
	}, nil
}

// OnHypothesis converts a hypothesis into the event to emit. ok is false when
// the hypothesis carries no text. A non-nil error with ok true means the final
// could not be persisted; the event must still be emitted.
func (s *Sequencer) OnHypothesis(ctx context.Context, h recognizer.Hypothesis) (protocol.Event, bool, error) {
	text := strings.TrimSpace(h.Text)
	if text == "" {
		return protocol.Event{}, false, nil
	}

	s.mu.RLock()
	seq := s.next
	s.mu.RUnlock()

	if !h.IsFinal {
		s.cacheInterim(ctx, text, seq)
		s.mu.Lock()
		s.partials++
		s.mu.Unlock()
		return protocol.NewPartial(text, seq), true, nil
	}

	event := protocol.NewFinal(text, seq)
	persistErr := s.persist(ctx, storage.NewSegment(s.sessionID, seq, text))

	if persistErr == nil && s.hot != nil {
		if err := s.hot.Delete(ctx, s.sessionID); err != nil {
			s.logger.Warn("Failed to clear interim",
				slog.Int64("seq", seq),
				slog.String("error", err.Error()))
		}
	}

	s.mu.Lock()
	s.next++
	s.finals++
	if persistErr != nil {
		s.unpersisted = append(s.unpersisted, seq)
	}
	s.mu.Unlock()

	return event, true, persistErr
}

func (s *Sequencer) cacheInterim(ctx context.Context, text string, seq int64) {
	if s.hot == nil {
		return
	}

	interim := storage.Interim{Content: text, Seq: seq, UpdatedAt: time.Now().UTC()}
	if err := s.hot.Set(ctx, s.sessionID, interim); err != nil {
		s.mu.Lock()
		s.cacheErrors++
		s.mu.Unlock()
		s.logger.Warn("Failed to cache interim",
			slog.Int64("seq", seq),
			slog.String("error", err.Error()))
	}
}

func (s *Sequencer) persist(ctx context.Context, seg storage.Segment) error {
	var inserted bool
	attempts, err := s.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		inserted, err = s.cold.InsertIfAbsent(ctx, seg)
		return err
	})
	if err != nil {
		s.logger.Error("Failed to persist segment",
			slog.Int64("seq", seg.Seq),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()))
		if !errors.Is(err, storage.ErrPersistence) {
			return fmt.Errorf("%w: segment %d: %v", storage.ErrPersistence, seg.Seq, err)
		}
		return fmt.Errorf("segment %d: %w", seg.Seq, err)
	}

	if !inserted {
		s.logger.Debug("Segment already persisted", slog.Int64("seq", seg.Seq))
	}
	return nil
}

// Next returns the seq the next final will take
func (s *Sequencer) Next() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.next
}

// ResumedFrom returns the seq the session started at
func (s *Sequencer) ResumedFrom() int64 {
	return s.resumedFrom
}

// Unpersisted returns the seqs of finals that were emitted but not stored
func (s *Sequencer) Unpersisted() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int64, len(s.unpersisted))
	copy(out, s.unpersisted)
	return out
}

// Degraded reports whether any final failed to persist
func (s *Sequencer) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.unpersisted) > 0
}

// CacheErrors returns how many interim cache writes failed
func (s *Sequencer) CacheErrors() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cacheErrors
}

// Stats represents sequencer counters
type Stats struct {
	Next        int64   `json:"next_seq"`
	ResumedFrom int64   `json:"resumed_from"`
	Finals      uint64  `json:"finals"`
	Partials    uint64  `json:"partials"`
	CacheErrors uint64  `json:"cache_errors"`
	Unpersisted []int64 `json:"unpersisted,omitempty"`
}

// Stats returns a snapshot of the counters
func (s *Sequencer) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	unpersisted := make([]int64, len(s.unpersisted))
	copy(unpersisted, s.unpersisted)
	return Stats{
		Next:        s.next,
		ResumedFrom: s.resumedFrom,
		Finals:      s.finals,
		Partials:    s.partials,
		CacheErrors: s.cacheErrors,
		Unpersisted: unpersisted,
	}
}
