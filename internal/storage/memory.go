package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type segmentKey struct {
	sessionID string
	seq       int64
}

// MemoryStore is an in-process ColdStore and SessionRegistry.
// Inserts can be made to fail for a number of calls with FailInserts.
type MemoryStore struct {
	mu          sync.Mutex
	sessions    map[string]Session
	segments    map[segmentKey]Segment
	failInserts int
	inserts     int
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		segments: make(map[segmentKey]Segment),
	}
}

// FailInserts makes the next n InsertIfAbsent calls return an error
func (m *MemoryStore) FailInserts(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failInserts = n
}

// InsertCalls returns how many times InsertIfAbsent was called
func (m *MemoryStore) InsertCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inserts
}

// GetOrCreate returns the session, creating it on first use
func (m *MemoryStore) GetOrCreate(ctx context.Context, sessionID, userID string) (Session, error) {
	if err := validateSessionIDs(sessionID, userID); err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[sessionID]; ok {
		return sess, nil
	}
	sess := Session{ID: sessionID, UserID: userID, CreatedAt: time.Now().UTC()}
	m.sessions[sessionID] = sess
	return sess, nil
}

// GetSession looks up a session by id
func (m *MemoryStore) GetSession(ctx context.Context, sessionID string) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	return sess, ok, nil
}

// InsertIfAbsent stores a segment unless its (session, seq) key exists
func (m *MemoryStore) InsertIfAbsent(ctx context.Context, seg Segment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.inserts++
	if m.failInserts > 0 {
		m.failInserts--
		return false, fmt.Errorf("%w: injected insert failure", ErrPersistence)
	}

	key := segmentKey{seg.SessionID, seg.Seq}
	if _, exists := m.segments[key]; exists {
		return false, nil
	}
	m.segments[key] = seg
	return true, nil
}

// MaxSeq returns the highest stored segment_seq for the session
func (m *MemoryStore) MaxSeq(ctx context.Context, sessionID string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var max int64
	found := false
	for key := range m.segments {
		if key.sessionID != sessionID {
			continue
		}
		if !found || key.seq > max {
			max = key.seq
			found = true
		}
	}
	return max, found, nil
}

// Segments returns segments ordered by seq starting at fromSeq
func (m *MemoryStore) Segments(ctx context.Context, sessionID string, fromSeq int64, limit int) ([]Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Segment
	for key, seg := range m.segments {
		if key.sessionID == sessionID && key.seq >= fromSeq {
			out = append(out, seg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemoryCache is an in-process HotCache
type MemoryCache struct {
	mu       sync.Mutex
	interims map[string]Interim
	failSets bool
}

// NewMemoryCache creates an empty cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{interims: make(map[string]Interim)}
}

// FailSets makes every Set return an error while enabled
func (c *MemoryCache) FailSets(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failSets = fail
}

// Set overwrites the session's interim
func (c *MemoryCache) Set(ctx context.Context, sessionID string, interim Interim) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failSets {
		return fmt.Errorf("%w: injected cache failure", ErrPersistence)
	}
	if interim.UpdatedAt.IsZero() {
		interim.UpdatedAt = time.Now().UTC()
	}
	c.interims[sessionID] = interim
	return nil
}

// Get reads the session's interim
func (c *MemoryCache) Get(ctx context.Context, sessionID string) (Interim, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	interim, ok := c.interims[sessionID]
	return interim, ok, nil
}

// Delete removes the session's interim
func (c *MemoryCache) Delete(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.interims, sessionID)
	return nil
}
