package quota

import "context"

// ETag is an opaque optimistic-concurrency token. Stores derive it from the
// content of the record they return (MemoryAcquisitionStore: the stable
// serialization of Tokenized; RedisAcquisitionStore: the stored JSON bytes),
// and require it back unchanged on conditional writes; see spec.md §4.1 and
// SPEC_FULL.md §6.2.
type ETag string

// AcquisitionStore persists AcquisitionRecord keyed by AcquirerID under
// optimistic-concurrency semantics: every write is conditioned on the ETag
// last observed for that key, and callers must retry on a mismatch by
// re-reading and recomputing their change.
type AcquisitionStore interface {
	// Get returns the current record and its ETag. A record that has never
	// been written returns a record with only AcquirerID set, a zero ETag,
	// and no error.
	Get(ctx context.Context, acquirerID string) (AcquisitionRecord, ETag, error)
	// PutIfMatch writes record conditioned on match still being current.
	// A zero match means "create only if absent". Returns the new ETag, or
	// ErrPreconditionMismatch if match is stale.
	PutIfMatch(ctx context.Context, record AcquisitionRecord, match ETag) (ETag, error)
	// Delete removes the record for acquirerID, if any.
	Delete(ctx context.Context, acquirerID string) error
	// Prune removes every record whose Expires is <= asOf (epoch
	// milliseconds); see spec.md's time-bounded pruning requirement.
	Prune(ctx context.Context, asOf int64) (int, error)
}

// RestrictionStore persists Restriction definitions.
type RestrictionStore interface {
	Insert(ctx context.Context, r Restriction) (Restriction, error)
	BulkInsert(ctx context.Context, rs []Restriction) ([]Restriction, error)
	Update(ctx context.Context, r Restriction) (Restriction, error)
	Get(ctx context.Context, id string) (Restriction, error)
	GetAll(ctx context.Context, q RestrictionQuery) ([]Restriction, error)
	Remove(ctx context.Context, id string) error
	RemoveAll(ctx context.Context, q RestrictionQuery) (int, error)
}
