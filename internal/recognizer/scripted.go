package recognizer

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Step is one scripted decoder reaction to a push
type Step struct {
	Hypotheses []Hypothesis
	Err        error
}

// Partial builds an interim step
func Partial(text string) Step {
	return Step{Hypotheses: []Hypothesis{{Text: text}}}
}

// Final builds a step that closes the current segment
func Final(text string) Step {
	return Step{Hypotheses: []Hypothesis{{Text: text, IsFinal: true}}}
}

// PartialThenFinal builds a step that emits an interim update followed by the final boundary
func PartialThenFinal(interim, final string) Step {
	return Step{Hypotheses: []Hypothesis{{Text: interim}, {Text: final, IsFinal: true}}}
}

// Silence builds a step with no output
func Silence() Step {
	return Step{}
}

// Fail builds a step returning err
func Fail(err error) Step {
	return Step{Err: err}
}

// ScriptedFactory creates deterministic recognizers that replay a fixed script.
// It stands in for a real decoder in tests and local smoke runs.
type ScriptedFactory struct {
	// Steps is replayed by every recognizer unless ScriptFor is set
	Steps []Step
	// ScriptFor returns a per-session script
	ScriptFor func(sessionID string) []Step
	// Loop restarts the script when it is exhausted
	Loop bool
	// Delay simulates inference latency on every push
	Delay time.Duration
	// NewErr makes NewRecognizer fail
	NewErr error

	stats statsCollector

	mu      sync.Mutex
	created []*Scripted
}

// DefaultScript is a looping script used by the scripted driver
func DefaultScript() []Step {
	return []Step{
		Silence(),
		Partial("testing"),
		Partial("testing one two"),
		PartialThenFinal("testing one two three", "testing one two three"),
	}
}

// NewRecognizer creates a scripted recognizer for sessionID
func (f *ScriptedFactory) NewRecognizer(ctx context.Context, sessionID string) (Recognizer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if f.NewErr != nil {
		return nil, f.NewErr
	}

	steps := f.Steps
	if f.ScriptFor != nil {
		steps = f.ScriptFor(sessionID)
	}

	r := &Scripted{
		sessionID: sessionID,
		steps:     append([]Step(nil), steps...),
		loop:      f.Loop,
		delay:     f.Delay,
		factory:   f,
	}

	f.mu.Lock()
	f.created = append(f.created, r)
	f.mu.Unlock()

	f.stats.sessionOpened()

	return r, nil
}

// Created returns every recognizer created so far
func (f *ScriptedFactory) Created() []*Scripted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Scripted(nil), f.created...)
}

// Stats returns scripted engine statistics
func (f *ScriptedFactory) Stats() Stats {
	s := f.stats.snapshot()
	s.Driver = "scripted"
	return s
}

// Close is a no-op for the scripted engine
func (f *ScriptedFactory) Close() error {
	return nil
}

// Scripted replays a script one step per push
type Scripted struct {
	sessionID string
	steps     []Step
	pos       int
	loop      bool
	delay     time.Duration
	factory   *ScriptedFactory

	pushes  int
	samples int
	closed  bool

	mu sync.Mutex
}

// Push returns the next scripted step
func (s *Scripted) Push(ctx context.Context, pcm []int16) ([]Hypothesis, error) {
	start := time.Now()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrInference, ctx.Err())
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("%w: recognizer closed", ErrUnrecoverable)
	}

	s.pushes++
	s.samples += len(pcm)

	if s.pos >= len(s.steps) {
		if !s.loop || len(s.steps) == 0 {
			s.factory.stats.recordPush(time.Since(start), 0, nil)
			return nil, nil
		}
		s.pos = 0
	}

	step := s.steps[s.pos]
	s.pos++

	if step.Err != nil {
		s.factory.stats.recordPush(time.Since(start), 0, step.Err)
		return nil, step.Err
	}

	out := make([]Hypothesis, len(step.Hypotheses))
	for i, h := range step.Hypotheses {
		h.SessionID = s.sessionID
		out[i] = h
	}

	s.factory.stats.recordPush(time.Since(start), len(out), nil)
	return out, nil
}

// Close marks the recognizer closed
func (s *Scripted) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.factory.stats.sessionClosed()
	return nil
}

// Pushes returns how many frames were pushed
func (s *Scripted) Pushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushes
}

// Samples returns the total number of samples pushed
func (s *Scripted) Samples() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples
}

// Closed reports whether Close was called
func (s *Scripted) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SessionID returns the session this recognizer is bound to
func (s *Scripted) SessionID() string {
	return s.sessionID
}
