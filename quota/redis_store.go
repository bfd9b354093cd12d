package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quotaward/quotaward/engine/core"
)

// Redis key-space, per SPEC_FULL.md §6.2.
const (
	acquisitionKeyPrefix       = "qw:acquisition:"
	restrictionKeyPrefix       = "qw:restriction:"
	restrictionZoneSetPrefix   = "qw:restrictions:zone:"
	restrictionZoneResPrefix   = "qw:restrictions:zone_resource:"
	redisOpTimeout             = 5 * time.Second
)

// RedisAcquisitionStore persists AcquisitionRecord as a single JSON string
// per acquirer, using Redis optimistic WATCH/MULTI transactions for
// PutIfMatch and EXPIRE as the TTL index that stands in for a dedicated
// pruning pass. Grounded on the teacher's redis-backed resources store
// (recovered from its surviving test files).
type RedisAcquisitionStore struct {
	client redis.UniversalClient
}

// NewRedisAcquisitionStore creates a RedisAcquisitionStore backed by client.
func NewRedisAcquisitionStore(client redis.UniversalClient) *RedisAcquisitionStore {
	return &RedisAcquisitionStore{client: client}
}

func acquisitionKey(acquirerID string) string {
	return acquisitionKeyPrefix + acquirerID
}

func (s *RedisAcquisitionStore) Get(ctx context.Context, acquirerID string) (AcquisitionRecord, ETag, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	raw, err := s.client.Get(ctx, acquisitionKey(acquirerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return AcquisitionRecord{AcquirerID: acquirerID}, "", nil
	}
	if err != nil {
		return AcquisitionRecord{}, "", upstreamf(err, "get acquisition %q", acquirerID)
	}
	var record AcquisitionRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return AcquisitionRecord{}, "", upstreamf(err, "decode acquisition %q", acquirerID)
	}
	return record, ETag(raw), nil
}

func (s *RedisAcquisitionStore) PutIfMatch(ctx context.Context, record AcquisitionRecord, match ETag) (ETag, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	key := acquisitionKey(record.AcquirerID)
	var newTag ETag
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			raw = nil
		} else if err != nil {
			return upstreamf(err, "get acquisition %q", record.AcquirerID)
		}
		if ETag(raw) != match {
			return ErrPreconditionMismatch
		}
		encoded, err := json.Marshal(record)
		if err != nil {
			return upstreamf(err, "encode acquisition %q", record.AcquirerID)
		}
		ttl := time.Until(time.UnixMilli(record.Expires))
		if ttl <= 0 {
			ttl = time.Second
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, encoded, ttl)
			return nil
		})
		if err != nil {
			return upstreamf(err, "put acquisition %q", record.AcquirerID)
		}
		newTag = ETag(encoded)
		return nil
	}
	if err := s.client.Watch(ctx, txf, key); err != nil {
		if errors.Is(err, ErrPreconditionMismatch) {
			return "", ErrPreconditionMismatch
		}
		if errors.Is(err, redis.TxFailedErr) {
			return "", ErrPreconditionMismatch
		}
		return "", err
	}
	return newTag, nil
}

func (s *RedisAcquisitionStore) Delete(ctx context.Context, acquirerID string) error {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := s.client.Del(ctx, acquisitionKey(acquirerID)).Err(); err != nil {
		return upstreamf(err, "delete acquisition %q", acquirerID)
	}
	return nil
}

// Prune is a no-op for Redis: the store relies on per-key EXPIRE as its TTL
// index instead of a scan-and-delete pass.
func (s *RedisAcquisitionStore) Prune(_ context.Context, _ int64) (int, error) {
	return 0, nil
}

// RedisRestrictionStore persists Restriction as a JSON string per id plus
// zone and zone+resource index sets for GetAll/RemoveAll lookups.
type RedisRestrictionStore struct {
	client redis.UniversalClient
}

// NewRedisRestrictionStore creates a RedisRestrictionStore backed by client.
func NewRedisRestrictionStore(client redis.UniversalClient) *RedisRestrictionStore {
	return &RedisRestrictionStore{client: client}
}

func restrictionKey(id string) string     { return restrictionKeyPrefix + id }
func zoneSetKey(zone string) string       { return restrictionZoneSetPrefix + zone }
func zoneResSetKey(zone, res string) string {
	return restrictionZoneResPrefix + zone + ":" + res
}

func (s *RedisRestrictionStore) index(ctx context.Context, r Restriction) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, zoneSetKey(r.Zone), r.ID)
	pipe.SAdd(ctx, zoneResSetKey(r.Zone, r.Resource), r.ID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisRestrictionStore) deindex(ctx context.Context, r Restriction) error {
	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, zoneSetKey(r.Zone), r.ID)
	pipe.SRem(ctx, zoneResSetKey(r.Zone, r.Resource), r.ID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisRestrictionStore) Insert(ctx context.Context, r Restriction) (Restriction, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if r.ID == "" {
		r.ID = core.MustNewID().String()
	}
	encoded, err := json.Marshal(r)
	if err != nil {
		return Restriction{}, upstreamf(err, "encode restriction %q", r.ID)
	}
	ok, err := s.client.SetNX(ctx, restrictionKey(r.ID), encoded, 0).Result()
	if err != nil {
		return Restriction{}, upstreamf(err, "insert restriction %q", r.ID)
	}
	if !ok {
		return Restriction{}, duplicatef("restriction %q", r.ID)
	}
	if err := s.index(ctx, r); err != nil {
		return Restriction{}, upstreamf(err, "index restriction %q", r.ID)
	}
	return r, nil
}

func (s *RedisRestrictionStore) BulkInsert(ctx context.Context, rs []Restriction) ([]Restriction, error) {
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

func (s *RedisRestrictionStore) Update(ctx context.Context, r Restriction) (Restriction, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	existing, err := s.getUnlocked(ctx, r.ID)
	if err != nil {
		return Restriction{}, err
	}
	encoded, err := json.Marshal(r)
	if err != nil {
		return Restriction{}, upstreamf(err, "encode restriction %q", r.ID)
	}
	if err := s.client.Set(ctx, restrictionKey(r.ID), encoded, 0).Err(); err != nil {
		return Restriction{}, upstreamf(err, "update restriction %q", r.ID)
	}
	if existing.Zone != r.Zone || existing.Resource != r.Resource {
		if err := s.deindex(ctx, existing); err != nil {
			return Restriction{}, upstreamf(err, "deindex restriction %q", r.ID)
		}
		if err := s.index(ctx, r); err != nil {
			return Restriction{}, upstreamf(err, "index restriction %q", r.ID)
		}
	}
	return r, nil
}

func (s *RedisRestrictionStore) getUnlocked(ctx context.Context, id string) (Restriction, error) {
	raw, err := s.client.Get(ctx, restrictionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Restriction{}, notFoundf("restriction %q", id)
	}
	if err != nil {
		return Restriction{}, upstreamf(err, "get restriction %q", id)
	}
	var r Restriction
	if err := json.Unmarshal(raw, &r); err != nil {
		return Restriction{}, upstreamf(err, "decode restriction %q", id)
	}
	return r, nil
}

func (s *RedisRestrictionStore) Get(ctx context.Context, id string) (Restriction, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	return s.getUnlocked(ctx, id)
}

func (s *RedisRestrictionStore) GetAll(ctx context.Context, q RestrictionQuery) ([]Restriction, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	var ids []string
	var err error
	switch {
	case q.Zone != "" && q.Resource != "":
		ids, err = s.client.SMembers(ctx, zoneResSetKey(q.Zone, q.Resource)).Result()
	case q.Zone != "":
		ids, err = s.client.SMembers(ctx, zoneSetKey(q.Zone)).Result()
	default:
		return nil, fmt.Errorf("redis restriction store: GetAll requires a zone")
	}
	if err != nil {
		return nil, upstreamf(err, "list restrictions")
	}
	out := make([]Restriction, 0, len(ids))
	for _, id := range ids {
		r, err := s.getUnlocked(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if q.Resource != "" && r.Resource != q.Resource {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *RedisRestrictionStore) Remove(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	r, err := s.getUnlocked(ctx, id)
	if err != nil {
		return err
	}
	if err := s.client.Del(ctx, restrictionKey(id)).Err(); err != nil {
		return upstreamf(err, "remove restriction %q", id)
	}
	return s.deindex(ctx, r)
}

func (s *RedisRestrictionStore) RemoveAll(ctx context.Context, q RestrictionQuery) (int, error) {
	rs, err := s.GetAll(ctx, q)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, r := range rs {
		if err := s.Remove(ctx, r.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
