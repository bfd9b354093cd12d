package quota

import (
	"bytes"
	"context"
	"sync"

	"github.com/quotaward/quotaward/engine/core"
)

// MemoryAcquisitionStore is an in-process AcquisitionStore, used for tests
// and single-node deployments. It is safe for concurrent use.
type MemoryAcquisitionStore struct {
	mu      sync.Mutex
	records map[string]AcquisitionRecord
}

// NewMemoryAcquisitionStore creates an empty MemoryAcquisitionStore.
func NewMemoryAcquisitionStore() *MemoryAcquisitionStore {
	return &MemoryAcquisitionStore{records: make(map[string]AcquisitionRecord)}
}

func recordETag(r AcquisitionRecord) ETag {
	var buf bytes.Buffer
	core.WriteStableJSON(&buf, r.Tokenized)
	return ETag(buf.String())
}

func (s *MemoryAcquisitionStore) Get(_ context.Context, acquirerID string) (AcquisitionRecord, ETag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[acquirerID]
	if !ok {
		return AcquisitionRecord{AcquirerID: acquirerID}, "", nil
	}
	return r, recordETag(r), nil
}

func (s *MemoryAcquisitionStore) PutIfMatch(_ context.Context, record AcquisitionRecord, match ETag) (ETag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[record.AcquirerID]
	var currentTag ETag
	if ok {
		currentTag = recordETag(current)
	}
	if currentTag != match {
		return "", ErrPreconditionMismatch
	}
	s.records[record.AcquirerID] = record
	return recordETag(record), nil
}

func (s *MemoryAcquisitionStore) Delete(_ context.Context, acquirerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, acquirerID)
	return nil
}

func (s *MemoryAcquisitionStore) Prune(_ context.Context, asOf int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, r := range s.records {
		if r.Expires <= asOf {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}

// MemoryRestrictionStore is an in-process RestrictionStore.
type MemoryRestrictionStore struct {
	mu           sync.Mutex
	restrictions map[string]Restriction
}

// NewMemoryRestrictionStore creates an empty MemoryRestrictionStore.
func NewMemoryRestrictionStore() *MemoryRestrictionStore {
	return &MemoryRestrictionStore{restrictions: make(map[string]Restriction)}
}

func (s *MemoryRestrictionStore) Insert(_ context.Context, r Restriction) (Restriction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = core.MustNewID().String()
	}
	if _, exists := s.restrictions[r.ID]; exists {
		return Restriction{}, duplicatef("restriction %q", r.ID)
	}
	s.restrictions[r.ID] = r
	return r, nil
}

func (s *MemoryRestrictionStore) BulkInsert(ctx context.Context, rs []Restriction) ([]Restriction, error) {
	out := make([]Restriction, 0, len(rs))
	for _, r := range rs {
		inserted, err := s.Insert(ctx, r)
		if err != nil {
			return nil, err
		}
		out = append(out, inserted)
	}
	return out, nil
}

func (s *MemoryRestrictionStore) Update(_ context.Context, r Restriction) (Restriction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.restrictions[r.ID]; !exists {
		return Restriction{}, notFoundf("restriction %q", r.ID)
	}
	s.restrictions[r.ID] = r
	return r, nil
}

func (s *MemoryRestrictionStore) Get(_ context.Context, id string) (Restriction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.restrictions[id]
	if !ok {
		return Restriction{}, notFoundf("restriction %q", id)
	}
	return r, nil
}

func (s *MemoryRestrictionStore) GetAll(_ context.Context, q RestrictionQuery) ([]Restriction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Restriction
	for _, r := range s.restrictions {
		if q.Zone != "" && r.Zone != q.Zone {
			continue
		}
		if q.Resource != "" && r.Resource != q.Resource {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *MemoryRestrictionStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.restrictions[id]; !ok {
		return notFoundf("restriction %q", id)
	}
	delete(s.restrictions, id)
	return nil
}

func (s *MemoryRestrictionStore) RemoveAll(_ context.Context, q RestrictionQuery) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, r := range s.restrictions {
		if q.Zone != "" && r.Zone != q.Zone {
			continue
		}
		if q.Resource != "" && r.Resource != q.Resource {
			continue
		}
		delete(s.restrictions, id)
		removed++
	}
	return removed, nil
}
