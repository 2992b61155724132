package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/skypro1111/asr-stream-service/internal/audio"
	"github.com/skypro1111/asr-stream-service/internal/metrics"
	"github.com/skypro1111/asr-stream-service/internal/protocol"
	"github.com/skypro1111/asr-stream-service/internal/recognizer"
	"github.com/skypro1111/asr-stream-service/internal/sequencer"
	"github.com/skypro1111/asr-stream-service/internal/storage"
	"github.com/skypro1111/asr-stream-service/internal/workerpool"
)

// silence is 20 ms of mu-law silence at 8 kHz
var silence = bytes.Repeat([]byte{0xFF}, 160)

type testEnv struct {
	mgr     *Manager
	store   *storage.MemoryStore
	cache   *storage.MemoryCache
	factory *recognizer.ScriptedFactory
	pool    *workerpool.Pool
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T, factory *recognizer.ScriptedFactory, mutate func(*ManagerConfig)) *testEnv {
	t.Helper()

	cfg := ManagerConfig{
		SourceRate:      8000,
		TargetRate:      16000,
		SessionQueue:    64,
		EventBuffer:     64,
		CleanupInterval: time.Hour,
		ConflictPolicy:  PolicyEvict,
		Retry:           sequencer.RetryPolicy{MaxRetries: 1, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	env := &testEnv{
		store:   storage.NewMemoryStore(),
		cache:   storage.NewMemoryCache(),
		factory: factory,
		pool:    workerpool.New(4, 32),
		metrics: metrics.NewMetrics(prometheus.NewRegistry()),
	}

	mgr, err := NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)), cfg, Dependencies{
		Registry: env.store,
		Cold:     env.store,
		Hot:      env.cache,
		Factory:  factory,
		Pool:     env.pool,
		Metrics:  env.metrics,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	env.mgr = mgr

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mgr.Stop(ctx)
		env.pool.Close()
	})

	return env
}

func (e *testEnv) attach(t *testing.T, sessionID string) *Pipeline {
	t.Helper()
	p, err := e.mgr.Attach(context.Background(), AttachRequest{
		SessionID: sessionID,
		UserID:    "user-1",
		Encoding:  audio.EncodingULaw,
	})
	if err != nil {
		t.Fatalf("Attach(%s): %v", sessionID, err)
	}
	return p
}

// collect gathers events until the pipeline closes its channel
func collect(p *Pipeline) <-chan []protocol.Event {
	out := make(chan []protocol.Event, 1)
	go func() {
		var events []protocol.Event
		for e := range p.Events() {
			events = append(events, e)
		}
		out <- events
	}()
	return out
}

func waitEvents(t *testing.T, ch <-chan []protocol.Event) []protocol.Event {
	t.Helper()
	select {
	case events := <-ch:
		return events
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pipeline to detach")
		return nil
	}
}

func pushAll(t *testing.T, p *Pipeline, frames ...[]byte) {
	t.Helper()
	for i, f := range frames {
		if err := p.Push(f); err != nil {
			t.Fatalf("Push frame %d: %v", i, err)
		}
	}
}

func TestPipelineHelloWorld(t *testing.T) {
	env := newTestEnv(t, &recognizer.ScriptedFactory{Steps: []recognizer.Step{
		recognizer.Partial("hel"),
		recognizer.Final("hello"),
		recognizer.Partial("wor"),
		recognizer.Final("world"),
	}}, nil)

	p := env.attach(t, "s1")
	events := collect(p)

	pushAll(t, p, silence, silence, silence, silence)
	p.Drain()

	got := waitEvents(t, events)
	expected := []protocol.Event{
		protocol.NewPartial("hel", 0),
		protocol.NewFinal("hello", 0),
		protocol.NewPartial("wor", 1),
		protocol.NewFinal("world", 1),
	}
	if len(got) != len(expected) {
		t.Fatalf("got %d events %v, want %v", len(got), got, expected)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("event %d = %v, want %v", i, got[i], expected[i])
		}
	}

	segs, _ := env.store.Segments(context.Background(), "s1", 0, 0)
	if len(segs) != 2 || segs[0].Content != "hello" || segs[1].Content != "world" {
		t.Errorf("stored segments = %+v", segs)
	}

	if p.State() != StateDetached {
		t.Errorf("State() = %s, want detached", p.State())
	}
	if p.Err() != nil {
		t.Errorf("Err() = %v", p.Err())
	}
	if env.mgr.GetActiveSessionCount() != 0 {
		t.Errorf("manager still holds %d sessions", env.mgr.GetActiveSessionCount())
	}

	rec := env.factory.Created()[0]
	if !rec.Closed() {
		t.Error("recognizer not closed on detach")
	}
	// 4 frames of 160 samples upsampled to 16 kHz
	if rec.Samples() != 4*320 {
		t.Errorf("recognizer saw %d samples, want %d", rec.Samples(), 4*320)
	}
}

func TestPipelineResumesAfterStoredSegments(t *testing.T) {
	env := newTestEnv(t, &recognizer.ScriptedFactory{Steps: []recognizer.Step{
		recognizer.Partial("again"),
		recognizer.Final("again"),
	}}, nil)

	ctx := context.Background()
	env.store.GetOrCreate(ctx, "s1", "user-1")
	for seq := int64(0); seq <= 4; seq++ {
		env.store.InsertIfAbsent(ctx, storage.NewSegment("s1", seq, "earlier"))
	}

	p := env.attach(t, "s1")
	events := collect(p)
	pushAll(t, p, silence, silence)
	p.Drain()

	got := waitEvents(t, events)
	if len(got) != 2 || got[0].Seq != 5 || got[1].Seq != 5 || !got[1].IsFinal() {
		t.Errorf("events after resume = %v, want partial and final at seq 5", got)
	}
}

func TestPipelineSkipsCorruptFrames(t *testing.T) {
	steps := []recognizer.Step{recognizer.Final("a"), recognizer.Final("b")}

	run := func(frames ...[]byte) []protocol.Event {
		env := newTestEnv(t, &recognizer.ScriptedFactory{Steps: steps}, nil)
		p := env.attach(t, "s1")
		events := collect(p)
		pushAll(t, p, frames...)
		p.Drain()
		got := waitEvents(t, events)

		info := p.Info()
		if info.FramesReceived != uint64(len(frames)) {
			t.Errorf("FramesReceived = %d, want %d", info.FramesReceived, len(frames))
		}
		return got
	}

	clean := run(silence, silence)
	corrupt := run(silence, []byte{}, silence)

	if len(clean) != 2 || len(corrupt) != len(clean) {
		t.Fatalf("clean = %v, corrupt = %v", clean, corrupt)
	}
	for i := range clean {
		if clean[i] != corrupt[i] {
			t.Errorf("event %d differs: %v vs %v", i, clean[i], corrupt[i])
		}
	}
}

func TestPipelineInferenceErrorSkipsFrame(t *testing.T) {
	env := newTestEnv(t, &recognizer.ScriptedFactory{Steps: []recognizer.Step{
		recognizer.Fail(fmt.Errorf("%w: decoder hiccup", recognizer.ErrInference)),
		recognizer.Final("ok"),
	}}, nil)

	p := env.attach(t, "s1")
	events := collect(p)
	pushAll(t, p, silence, silence)
	p.Drain()

	got := waitEvents(t, events)
	if len(got) != 1 || got[0] != protocol.NewFinal("ok", 0) {
		t.Errorf("events = %v", got)
	}
	if p.Info().FramesFailed != 1 {
		t.Errorf("FramesFailed = %d, want 1", p.Info().FramesFailed)
	}
	if p.Err() != nil {
		t.Errorf("inference error must not tear down: %v", p.Err())
	}
}

func TestPipelineEmptyHypothesesConsumeNoSeq(t *testing.T) {
	env := newTestEnv(t, &recognizer.ScriptedFactory{Steps: []recognizer.Step{
		recognizer.Partial("  "),
		recognizer.Final(""),
		recognizer.Final("real"),
	}}, nil)

	p := env.attach(t, "s1")
	events := collect(p)
	pushAll(t, p, silence, silence, silence)
	p.Drain()

	got := waitEvents(t, events)
	if len(got) != 1 || got[0] != protocol.NewFinal("real", 0) {
		t.Errorf("events = %v", got)
	}
}

func TestPipelineDrainProcessesQueuedFrames(t *testing.T) {
	env := newTestEnv(t, &recognizer.ScriptedFactory{
		Steps: []recognizer.Step{recognizer.Final("one"), recognizer.Final("two"), recognizer.Final("three")},
		Delay: 20 * time.Millisecond,
	}, nil)

	p := env.attach(t, "s1")
	events := collect(p)
	pushAll(t, p, silence, silence, silence)
	p.Drain()

	if err := p.Push(silence); !errors.Is(err, ErrNotAccepting) {
		t.Errorf("Push after Drain = %v, want ErrNotAccepting", err)
	}

	got := waitEvents(t, events)
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3: %v", len(got), got)
	}
	for i, e := range got {
		if e.Seq != int64(i) {
			t.Errorf("event %d has seq %d", i, e.Seq)
		}
	}
}

func TestPipelineDropsWhenQueueFull(t *testing.T) {
	env := newTestEnv(t, &recognizer.ScriptedFactory{Delay: 100 * time.Millisecond},
		func(cfg *ManagerConfig) { cfg.SessionQueue = 1 })

	p := env.attach(t, "s1")
	events := collect(p)

	dropped := 0
	for i := 0; i < 20; i++ {
		if err := p.Push(silence); errors.Is(err, ErrFrameDropped) {
			dropped++
		}
	}
	p.Drain()
	waitEvents(t, events)

	if dropped == 0 {
		t.Fatal("expected frames to be dropped with a one-slot queue")
	}
	if got := p.Info().FramesDropped; got != uint64(dropped) {
		t.Errorf("FramesDropped = %d, want %d", got, dropped)
	}
}

func TestPipelineUnrecoverableEngine(t *testing.T) {
	env := newTestEnv(t, &recognizer.ScriptedFactory{Steps: []recognizer.Step{
		recognizer.Final("kept"),
		recognizer.Fail(fmt.Errorf("%w: model crashed", recognizer.ErrUnrecoverable)),
		recognizer.Final("never"),
	}}, nil)

	p := env.attach(t, "s1")
	events := collect(p)
	pushAll(t, p, silence, silence)

	// The pipeline tears itself down without Drain
	got := waitEvents(t, events)
	if len(got) != 1 || got[0].Text != "kept" {
		t.Errorf("events = %v", got)
	}
	if !errors.Is(p.Err(), recognizer.ErrUnrecoverable) {
		t.Errorf("Err() = %v, want ErrUnrecoverable", p.Err())
	}
	<-p.Done()
	if p.Reason() != ReasonEngineFailed {
		t.Errorf("Reason() = %q", p.Reason())
	}
	if _, ok := env.mgr.GetSession("s1"); ok {
		t.Error("failed pipeline still registered")
	}
}

func TestPipelinePersistenceFailureStillEmits(t *testing.T) {
	env := newTestEnv(t, &recognizer.ScriptedFactory{Steps: []recognizer.Step{
		recognizer.Final("lost"),
		recognizer.Final("kept"),
	}}, nil)
	env.store.FailInserts(2) // first final exhausts its two attempts

	p := env.attach(t, "s1")
	events := collect(p)
	pushAll(t, p, silence, silence)
	p.Drain()

	got := waitEvents(t, events)
	if len(got) != 2 || got[0] != protocol.NewFinal("lost", 0) || got[1] != protocol.NewFinal("kept", 1) {
		t.Fatalf("events = %v", got)
	}

	info := p.Info()
	if !info.Degraded || len(info.Unpersisted) != 1 || info.Unpersisted[0] != 0 {
		t.Errorf("info = %+v", info)
	}

	segs, _ := env.store.Segments(context.Background(), "s1", 0, 0)
	if len(segs) != 1 || segs[0].Seq != 1 {
		t.Errorf("stored segments = %+v", segs)
	}
}

func TestPipelineCachesInterim(t *testing.T) {
	env := newTestEnv(t, &recognizer.ScriptedFactory{Steps: []recognizer.Step{
		recognizer.Partial("draft"),
	}}, nil)

	p := env.attach(t, "s1")
	events := collect(p)
	pushAll(t, p, silence)
	p.Drain()
	waitEvents(t, events)

	// The interim is left in place after detach
	interim, ok, _ := env.cache.Get(context.Background(), "s1")
	if !ok || interim.Content != "draft" || interim.Seq != 0 {
		t.Errorf("interim = %+v, ok = %v", interim, ok)
	}
}

func TestPipelineCountsCacheFailures(t *testing.T) {
	env := newTestEnv(t, &recognizer.ScriptedFactory{Steps: []recognizer.Step{
		recognizer.Partial("one"),
		recognizer.PartialThenFinal("one two", "one two"),
	}}, nil)
	env.cache.FailSets(true)

	p := env.attach(t, "s1")
	events := collect(p)
	pushAll(t, p, silence, silence)
	p.Drain()

	if got := waitEvents(t, events); len(got) != 3 {
		t.Fatalf("got %d events %v, want 3", len(got), got)
	}

	info := p.Info()
	if info.Partials != 2 || info.Finals != 1 || info.CacheErrors != 2 {
		t.Errorf("Info() partials=%d finals=%d cache_errors=%d, want 2/1/2",
			info.Partials, info.Finals, info.CacheErrors)
	}
	if info.Degraded {
		t.Error("cache failures must not mark the session degraded")
	}
	if got := testutil.ToFloat64(env.metrics.CacheFailures); got != 2 {
		t.Errorf("cache failure metric = %v, want 2", got)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateAttaching, "attaching"},
		{StateActive, "active"},
		{StateDraining, "draining"},
		{StateDetached, "detached"},
		{State(9), "unknown(9)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.expected)
		}
	}
}
