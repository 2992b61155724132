package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/asr-stream-service/internal/audio"
	"github.com/skypro1111/asr-stream-service/internal/metrics"
	"github.com/skypro1111/asr-stream-service/internal/protocol"
	"github.com/skypro1111/asr-stream-service/internal/recognizer"
	"github.com/skypro1111/asr-stream-service/internal/sequencer"
	"github.com/skypro1111/asr-stream-service/internal/workerpool"
)

var (
	// ErrSessionConflict is returned by Attach when the session is already
	// attached and the conflict policy is reject
	ErrSessionConflict = errors.New("session already attached")
	// ErrFrameDropped means the frame was discarded because a queue was full
	ErrFrameDropped = errors.New("frame dropped")
	// ErrNotAccepting is returned by Push once the pipeline is draining
	ErrNotAccepting = errors.New("pipeline not accepting frames")
)

// State is the lifecycle state of a pipeline
type State int32

const (
	StateAttaching State = iota
	StateActive
	StateDraining
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateAttaching:
		return "attaching"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateDetached:
		return "detached"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Detach reasons
const (
	ReasonClientClosed = "client_closed"
	ReasonEvicted      = "evicted"
	ReasonIdle         = "idle"
	ReasonEngineFailed = "engine_failed"
	ReasonShutdown     = "shutdown"
)

// Pipeline processes the audio of one attached session
type Pipeline struct {
	sessionID string
	userID    string
	encoding  audio.Encoding

	normalizer *audio.Normalizer
	recognizer recognizer.Recognizer
	sequencer  *sequencer.Sequencer
	pool       *workerpool.Pool
	metrics    *metrics.Metrics
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	inbound chan []byte
	events  chan protocol.Event
	done    chan struct{}

	// Guards state transitions and sends on inbound
	mu           sync.Mutex
	state        State
	reason       string
	err          error
	startTime    time.Time
	lastActivity time.Time
	endTime      time.Time

	framesReceived atomic.Uint64
	framesDropped  atomic.Uint64
	framesFailed   atomic.Uint64
	eventsEmitted  atomic.Uint64
	persistErrors  atomic.Uint64

	onDetach func(*Pipeline)
}

type pipelineParams struct {
	sessionID    string
	userID       string
	encoding     audio.Encoding
	normalizer   *audio.Normalizer
	recognizer   recognizer.Recognizer
	sequencer    *sequencer.Sequencer
	pool         *workerpool.Pool
	metrics      *metrics.Metrics
	logger       *slog.Logger
	sessionQueue int
	eventBuffer  int
	onDetach     func(*Pipeline)
}

func newPipeline(p pipelineParams) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()

	return &Pipeline{
		sessionID:    p.sessionID,
		userID:       p.userID,
		encoding:     p.encoding,
		normalizer:   p.normalizer,
		recognizer:   p.recognizer,
		sequencer:    p.sequencer,
		pool:         p.pool,
		metrics:      p.metrics,
		logger:       p.logger,
		ctx:          ctx,
		cancel:       cancel,
		inbound:      make(chan []byte, p.sessionQueue),
		events:       make(chan protocol.Event, p.eventBuffer),
		done:         make(chan struct{}),
		state:        StateAttaching,
		startTime:    now,
		lastActivity: now,
		onDetach:     p.onDetach,
	}
}

// start moves the pipeline to Active and launches the session goroutine
func (p *Pipeline) start() {
	p.mu.Lock()
	if p.state == StateAttaching {
		p.state = StateActive
	}
	p.mu.Unlock()

	go p.run()
}

// SessionID returns the session id
func (p *Pipeline) SessionID() string {
	return p.sessionID
}

// State returns the current lifecycle state
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Events returns the ordered transcript events. The channel is closed when
// the pipeline is Detached; consumers must read it until then.
func (p *Pipeline) Events() <-chan protocol.Event {
	return p.events
}

// Done is closed once the pipeline is Detached
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Err returns the unrecoverable engine error that tore the pipeline down, if any
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Reason returns why the pipeline stopped accepting frames
func (p *Pipeline) Reason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

// Push enqueues one raw audio frame without blocking
func (p *Pipeline) Push(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateActive {
		return ErrNotAccepting
	}

	p.lastActivity = time.Now()
	p.framesReceived.Add(1)
	p.metrics.RecordFrameReceived(len(frame))

	select {
	case p.inbound <- frame:
		return nil
	default:
		p.framesDropped.Add(1)
		p.metrics.RecordFrame(metrics.FrameDropped)
		return fmt.Errorf("%w: session queue full", ErrFrameDropped)
	}
}

// Drain stops accepting frames. Frames already queued are still processed and
// their events emitted before the pipeline detaches.
func (p *Pipeline) Drain() {
	p.drain(ReasonClientClosed)
}

func (p *Pipeline) drain(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drainLocked(reason)
}

func (p *Pipeline) drainLocked(reason string) {
	if p.state != StateActive && p.state != StateAttaching {
		return
	}
	p.state = StateDraining
	p.reason = reason
	close(p.inbound)
}

// Wait blocks until the pipeline is Detached or ctx is done
func (p *Pipeline) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for session %s to detach: %w", p.sessionID, ctx.Err())
	}
}

// run is the session goroutine. It owns the normalizer, recognizer and sequencer.
func (p *Pipeline) run() {
	defer p.detach()

	p.logger.Info("Session pipeline started",
		slog.String("encoding", string(p.encoding)),
		slog.Int64("next_seq", p.sequencer.Next()),
	)

	failed := false
	for frame := range p.inbound {
		if failed {
			continue
		}

		if err := p.processFrame(frame); err != nil {
			failed = true
			p.fail(err)
		}
	}
}

type frameResult struct {
	hypotheses []recognizer.Hypothesis
	err        error
	elapsed    time.Duration
}

// processFrame runs one frame through the worker pool and sequences the result.
// It returns an error only when the recognizer is no longer usable.
func (p *Pipeline) processFrame(frame []byte) error {
	resultCh := make(chan frameResult, 1)

	err := p.pool.Submit(func() {
		start := time.Now()
		pcm, err := p.normalizer.Normalize(frame)
		if err != nil {
			resultCh <- frameResult{err: err, elapsed: time.Since(start)}
			return
		}
		hyps, err := p.recognizer.Push(p.ctx, pcm)
		resultCh <- frameResult{hypotheses: hyps, err: err, elapsed: time.Since(start)}
	})
	if err != nil {
		p.framesDropped.Add(1)
		p.metrics.RecordFrame(metrics.FrameDropped)
		p.logger.Warn("Frame dropped by worker pool",
			slog.Int("frame_bytes", len(frame)),
			slog.String("error", err.Error()),
		)
		return nil
	}

	res := <-resultCh
	p.metrics.RecordInference(res.elapsed.Seconds())

	switch {
	case res.err == nil:
		p.metrics.RecordFrame(metrics.FrameProcessed)
	case errors.Is(res.err, audio.ErrDecode):
		p.framesFailed.Add(1)
		p.metrics.RecordFrame(metrics.FrameDecodeErr)
		p.logger.Warn("Skipping undecodable frame",
			slog.Int("frame_bytes", len(frame)),
			slog.String("error", res.err.Error()),
		)
		return nil
	case errors.Is(res.err, recognizer.ErrUnrecoverable):
		return res.err
	default:
		p.framesFailed.Add(1)
		p.metrics.RecordFrame(metrics.FrameInferErr)
		p.logger.Warn("Inference failed, frame contribution dropped",
			slog.Int64("seq", p.sequencer.Next()),
			slog.String("error", res.err.Error()),
		)
		return nil
	}

	for _, h := range res.hypotheses {
		p.sequence(h)
	}
	return nil
}

func (p *Pipeline) sequence(h recognizer.Hypothesis) {
	cacheErrors := p.sequencer.CacheErrors()
	event, ok, err := p.sequencer.OnHypothesis(p.ctx, h)
	for n := p.sequencer.CacheErrors(); cacheErrors < n; cacheErrors++ {
		p.metrics.RecordCacheFailure()
	}
	if err != nil {
		p.persistErrors.Add(1)
		p.metrics.RecordPersistFailure()
		p.logger.Error("Final emitted without persistence",
			slog.Int64("seq", event.Seq),
			slog.String("error", err.Error()),
		)
	}
	if !ok {
		return
	}

	p.events <- event
	p.eventsEmitted.Add(1)
	p.metrics.RecordEvent(string(event.Type))

	p.logger.Debug("Transcript event emitted",
		slog.String("type", string(event.Type)),
		slog.Int64("seq", event.Seq),
	)
}

// fail records an unrecoverable error and stops intake
func (p *Pipeline) fail(err error) {
	p.metrics.RecordEngineFailure()
	p.logger.Error("Recognizer failed, tearing down session",
		slog.String("error", err.Error()),
	)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
	p.drainLocked(ReasonEngineFailed)
	p.reason = ReasonEngineFailed
}

// detach releases session resources once the inbound queue is exhausted
func (p *Pipeline) detach() {
	if err := p.recognizer.Close(); err != nil {
		p.logger.Warn("Error closing recognizer", slog.String("error", err.Error()))
	}
	p.normalizer.Reset()
	p.cancel()

	p.mu.Lock()
	p.state = StateDetached
	p.endTime = time.Now()
	p.mu.Unlock()

	close(p.events)

	info := p.Info()
	p.metrics.RecordSessionDetached(info.Reason, info.Duration.Seconds(), info.Degraded)
	p.logger.Info("Session pipeline detached",
		slog.String("reason", info.Reason),
		slog.Duration("duration", info.Duration),
		slog.Uint64("frames_received", info.FramesReceived),
		slog.Uint64("frames_dropped", info.FramesDropped),
		slog.Uint64("frames_failed", info.FramesFailed),
		slog.Uint64("events_emitted", info.EventsEmitted),
		slog.Int64("next_seq", info.NextSeq),
		slog.Bool("degraded", info.Degraded),
	)

	if p.onDetach != nil {
		p.onDetach(p)
	}
	close(p.done)
}

// SessionInfo represents pipeline information for monitoring and APIs
type SessionInfo struct {
	SessionID    string        `json:"session_id"`
	UserID       string        `json:"user_id"`
	Encoding     string        `json:"encoding"`
	State        string        `json:"state"`
	Reason       string        `json:"reason,omitempty"`
	StartTime    time.Time     `json:"start_time"`
	LastActivity time.Time     `json:"last_activity"`
	Duration     time.Duration `json:"duration"`

	// Sequencing
	NextSeq     int64   `json:"next_seq"`
	ResumedFrom int64   `json:"resumed_from"`
	Partials    uint64  `json:"partials"`
	Finals      uint64  `json:"finals"`
	CacheErrors uint64  `json:"cache_errors"`
	Degraded    bool    `json:"degraded"`
	Unpersisted []int64 `json:"unpersisted,omitempty"`

	// Frame and event counters
	FramesReceived uint64 `json:"frames_received"`
	FramesDropped  uint64 `json:"frames_dropped"`
	FramesFailed   uint64 `json:"frames_failed"`
	EventsEmitted  uint64 `json:"events_emitted"`
	QueuedFrames   int    `json:"queued_frames"`
}

// Info returns a snapshot of the pipeline
func (p *Pipeline) Info() SessionInfo {
	p.mu.Lock()
	state := p.state
	reason := p.reason
	lastActivity := p.lastActivity
	end := p.endTime
	p.mu.Unlock()

	if end.IsZero() {
		end = time.Now()
	}

	seq := p.sequencer.Stats()

	return SessionInfo{
		SessionID:      p.sessionID,
		UserID:         p.userID,
		Encoding:       string(p.encoding),
		State:          state.String(),
		Reason:         reason,
		StartTime:      p.startTime,
		LastActivity:   lastActivity,
		Duration:       end.Sub(p.startTime),
		NextSeq:        seq.Next,
		ResumedFrom:    seq.ResumedFrom,
		Partials:       seq.Partials,
		Finals:         seq.Finals,
		CacheErrors:    seq.CacheErrors,
		Degraded:       len(seq.Unpersisted) > 0,
		Unpersisted:    seq.Unpersisted,
		FramesReceived: p.framesReceived.Load(),
		FramesDropped:  p.framesDropped.Load(),
		FramesFailed:   p.framesFailed.Load(),
		EventsEmitted:  p.eventsEmitted.Load(),
		QueuedFrames:   len(p.inbound),
	}
}

func (p *Pipeline) idleSince() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActivity
}
