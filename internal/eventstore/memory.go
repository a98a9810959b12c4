package eventstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// MemoryConfig configures an in-process Store.
type MemoryConfig struct {
	Retention time.Duration
	Clock     clockwork.Clock
}

// MemoryStore keeps everything in process memory. It serves single-node
// deployments and tests; a single mutex makes every operation atomic.
type MemoryStore struct {
	mu        sync.Mutex
	logs      map[int64]*memoryLog
	presence  map[int64]map[string]time.Time
	flags     map[int64]bool
	retention time.Duration
	clock     clockwork.Clock
	closed    bool
}

type memoryLog struct {
	scores    map[int64]int64
	payloads  map[int64][]byte
	expiresAt time.Time
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore(cfg MemoryConfig) *MemoryStore {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		logs:      make(map[int64]*memoryLog),
		presence:  make(map[int64]map[string]time.Time),
		flags:     make(map[int64]bool),
		retention: cfg.Retention,
		clock:     clock,
	}
}

// liveLog returns the stream log, dropping it first when its retention lapsed.
func (s *MemoryStore) liveLog(streamID int64) *memoryLog {
	log := s.logs[streamID]
	if log == nil {
		return nil
	}
	if !log.expiresAt.IsZero() && !s.clock.Now().Before(log.expiresAt) {
		delete(s.logs, streamID)
		return nil
	}
	return log
}

func (s *MemoryStore) Put(_ context.Context, streamID int64, entry Entry, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	log := s.liveLog(streamID)
	if log == nil {
		log = &memoryLog{scores: make(map[int64]int64), payloads: make(map[int64][]byte)}
		s.logs[streamID] = log
	}
	log.scores[entry.ID] = entry.Score
	log.payloads[entry.ID] = append([]byte(nil), payload...)
	if s.retention > 0 {
		log.expiresAt = s.clock.Now().Add(s.retention)
	}
	return nil
}

func (s *MemoryStore) RangeByScore(_ context.Context, streamID int64, maxScore int64) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.collect(streamID, func(score int64) bool { return score <= maxScore }), nil
}

func (s *MemoryStore) All(_ context.Context, streamID int64) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.collect(streamID, func(int64) bool { return true }), nil
}

func (s *MemoryStore) collect(streamID int64, keep func(int64) bool) []Entry {
	log := s.liveLog(streamID)
	if log == nil {
		return []Entry{}
	}
	entries := make([]Entry, 0, len(log.scores))
	for id, score := range log.scores {
		if keep(score) {
			entries = append(entries, Entry{ID: id, Score: score})
		}
	}
	// Same order as a sorted set: by score, then member.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score < entries[j].Score
		}
		return entries[i].ID < entries[j].ID
	})
	return entries
}

func (s *MemoryStore) Payloads(_ context.Context, streamID int64, ids []int64) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if len(ids) == 0 {
		return nil, nil
	}
	payloads := make([][]byte, len(ids))
	log := s.liveLog(streamID)
	if log == nil {
		return payloads, nil
	}
	for i, id := range ids {
		if payload, ok := log.payloads[id]; ok {
			payloads[i] = append([]byte(nil), payload...)
		}
	}
	return payloads, nil
}

func (s *MemoryStore) Remove(_ context.Context, streamID int64, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	log := s.liveLog(streamID)
	if log == nil {
		return false, nil
	}
	_, indexed := log.scores[id]
	_, stored := log.payloads[id]
	delete(log.scores, id)
	delete(log.payloads, id)
	return indexed || stored, nil
}

func (s *MemoryStore) Touch(_ context.Context, streamID int64, member string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	members := s.presence[streamID]
	if members == nil {
		members = make(map[string]time.Time)
		s.presence[streamID] = members
	}
	now := s.clock.Now()
	members[member] = now.Add(ttl)
	for id, expiresAt := range members {
		if !expiresAt.After(now) {
			delete(members, id)
		}
	}
	return nil
}

func (s *MemoryStore) Count(_ context.Context, streamID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	now := s.clock.Now()
	var count int64
	for _, expiresAt := range s.presence[streamID] {
		if expiresAt.After(now) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) AllowComments(_ context.Context, streamID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	enabled, ok := s.flags[streamID]
	if !ok {
		return true, nil
	}
	return enabled, nil
}

func (s *MemoryStore) SetAllowComments(_ context.Context, streamID int64, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.flags[streamID] = enabled
	return nil
}

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close makes every later call fail with ErrClosed, which is how tests
// simulate an unreachable store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
