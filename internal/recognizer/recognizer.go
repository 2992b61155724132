package recognizer

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInference means the decoder failed on a single frame. The frame's
	// contribution is dropped and the recognizer remains usable.
	ErrInference = errors.New("inference error")

	// ErrUnrecoverable means the decoder can no longer be used and the
	// session must be torn down.
	ErrUnrecoverable = errors.New("unrecoverable engine error")
)

// Hypothesis is a single transcription update produced by a decoder
type Hypothesis struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	IsFinal   bool   `json:"is_final"`
}

// Recognizer is a per-session streaming decoder
type Recognizer interface {
	// Push feeds PCM16 samples at 16 kHz and returns any hypothesis updates.
	Push(ctx context.Context, pcm []int16) ([]Hypothesis, error)
	// Close releases the decoder stream.
	Close() error
}

// Factory creates recognizers bound to a session. A Factory is the process-wide
// engine resource and is shared by all sessions.
type Factory interface {
	NewRecognizer(ctx context.Context, sessionID string) (Recognizer, error)
	Stats() Stats
	Close() error
}

// Stats represents recognizer engine statistics
type Stats struct {
	Driver         string        `json:"driver"`
	TotalPushes    uint64        `json:"total_pushes"`
	FailedPushes   uint64        `json:"failed_pushes"`
	Hypotheses     uint64        `json:"hypotheses"`
	SuccessRate    float64       `json:"success_rate"`
	AvgLatency     time.Duration `json:"avg_latency"`
	ActiveSessions int           `json:"active_sessions"`
	TotalSessions  uint64        `json:"total_sessions"`
}
