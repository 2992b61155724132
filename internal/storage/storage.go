package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxIDLength bounds session and user ids to the width of the id columns
const MaxIDLength = 64

var (
	// ErrPersistence wraps every store read/write failure
	ErrPersistence = errors.New("persistence error")

	// ErrInvalidID is returned for empty or over-long session and user ids
	ErrInvalidID = errors.New("invalid identifier")
)

// ValidateID checks that id fits the id columns
func ValidateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty %s", ErrInvalidID, kind)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%w: %s of %d bytes exceeds %d", ErrInvalidID, kind, len(id), MaxIDLength)
	}
	return nil
}

// Session is a transcription session, stable across reconnects
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Segment is a finalized, immutable transcription unit
type Segment struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"segment_seq"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// NewSegment creates a segment with a fresh id and creation time
func NewSegment(sessionID string, seq int64, content string) Segment {
	return Segment{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Seq:       seq,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// Interim is the latest unfinalized hypothesis of a session
type Interim struct {
	Content   string    `json:"content"`
	Seq       int64     `json:"seq"`
	UpdatedAt time.Time `json:"ts"`
}

// ColdStore is the durable per-session segment log
type ColdStore interface {
	// InsertIfAbsent stores seg unless (SessionID, Seq) already exists.
	// It reports whether a row was inserted.
	InsertIfAbsent(ctx context.Context, seg Segment) (bool, error)
	// MaxSeq returns the highest stored sequence number, ok is false when
	// the session has no segments.
	MaxSeq(ctx context.Context, sessionID string) (seq int64, ok bool, err error)
	// Segments returns up to limit segments with seq >= fromSeq in order.
	Segments(ctx context.Context, sessionID string, fromSeq int64, limit int) ([]Segment, error)
}

// HotCache holds the current interim hypothesis per session
type HotCache interface {
	Set(ctx context.Context, sessionID string, interim Interim) error
	Get(ctx context.Context, sessionID string) (Interim, bool, error)
	Delete(ctx context.Context, sessionID string) error
}

// SessionRegistry resolves session records
type SessionRegistry interface {
	GetOrCreate(ctx context.Context, sessionID, userID string) (Session, error)
	GetSession(ctx context.Context, sessionID string) (Session, bool, error)
}
