package chain

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/fideslabs/fides/pkg/records"
)

// MemoryStore keeps the chain in process memory. It is the default for tests
// and single-run verification; production deployments use SQLStore.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  []*Record
	byID     map[string]*Record
	byHash   map[string]*Record
	byTarget map[string][]*Record
	tip      string
	clock    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]*Record),
		byHash:   make(map[string]*Record),
		byTarget: make(map[string][]*Record),
		tip:      records.GenesisHash,
		clock:    time.Now,
	}
}

// WithClock overrides the appended_at clock for testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Append(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[rec.RecordID]; ok {
		return chainErr(CodeDuplicate, "record %s already admitted", rec.RecordID)
	}
	if _, ok := s.byHash[rec.Hash]; ok {
		return chainErr(CodeDuplicate, "record hash %s already admitted", rec.Hash)
	}
	if rec.PrevHash != s.tip {
		return staleParent(s.tip, rec.PrevHash)
	}

	rec.Seq = int64(len(s.entries)) + 1
	rec.AppendedAt = s.clock().UTC()
	s.entries = append(s.entries, rec)
	s.byID[rec.RecordID] = rec
	s.byHash[rec.Hash] = rec
	if rec.TargetID != "" {
		s.byTarget[rec.TargetID] = append(s.byTarget[rec.TargetID], rec)
	}
	s.tip = rec.Hash
	return nil
}

func (s *MemoryStore) Tip(_ context.Context) (string, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tip, int64(len(s.entries)), nil
}

func (s *MemoryStore) BySeq(_ context.Context, seq int64) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if seq < 1 || seq > int64(len(s.entries)) {
		return nil, notFound("no record at seq " + strconv.FormatInt(seq, 10))
	}
	return s.entries[seq-1], nil
}

func (s *MemoryStore) ByRecordID(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, notFound("no record with id " + id)
	}
	return rec, nil
}

func (s *MemoryStore) RevocationsOf(_ context.Context, decisionID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, len(s.byTarget[decisionID]))
	copy(out, s.byTarget[decisionID])
	return out, nil
}

func (s *MemoryStore) All(_ context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

// Reset drops every record. It exists for the test surface only; production
// chains are append-only and never reset.
func (s *MemoryStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.byID = make(map[string]*Record)
	s.byHash = make(map[string]*Record)
	s.byTarget = make(map[string][]*Record)
	s.tip = records.GenesisHash
	return nil
}

func (s *MemoryStore) Close() error { return nil }
