package quota

import (
	"context"
	"errors"

	"github.com/sethvargo/go-retry"

	"github.com/quotaward/quotaward/pkg/logger"
)

// Engine is the public decision-making surface described in spec.md §6 and
// expanded in SPEC_FULL.md §6.1.
type Engine interface {
	Check(ctx context.Context, in CheckInput) (Decision, error)
	Acquire(ctx context.Context, in AcquireInput) (Decision, error)
	Release(ctx context.Context, in ReleaseInput) (ReleaseDecision, error)

	Insert(ctx context.Context, r Restriction) (Restriction, error)
	BulkInsert(ctx context.Context, rs []Restriction) ([]Restriction, error)
	Update(ctx context.Context, r Restriction) (Restriction, error)
	Get(ctx context.Context, id string) (Restriction, error)
	GetAll(ctx context.Context, q RestrictionQuery) ([]Restriction, error)
	Remove(ctx context.Context, id string) error
	RemoveAll(ctx context.Context, q RestrictionQuery) (int, error)
	RegisterMethod(method string, fn PolicyFunc) error
}

// DecisionEngine is the default Engine implementation. It composes an
// AcquisitionStore, RestrictionStore, Matcher, and ResourceTokenizer per
// spec.md §4, and drives optimistic-concurrency writes with an
// unbounded-by-count, context-bounded retry loop — the same shape the
// teacher uses around its own upstream calls (engine/auth/org/service.go).
type DecisionEngine struct {
	acquisitions AcquisitionStore
	restrictions RestrictionStore
	tokenizer    *ResourceTokenizer
	matcher      *Matcher
	registry     *Registry
	validate     validator
	defaultTTL   int64
}

// validator is satisfied by *validator.Validate; kept as an interface so
// tests can stub it out without constructing the real thing.
type validator interface {
	Struct(s any) error
}

// NewDecisionEngine wires the components above into a DecisionEngine.
// defaultTTL is the acquisition TTL (milliseconds) used when a caller does
// not specify one.
func NewDecisionEngine(
	acquisitions AcquisitionStore,
	restrictions RestrictionStore,
	tokenizer *ResourceTokenizer,
	registry *Registry,
	v validator,
	defaultTTL int64,
) *DecisionEngine {
	return &DecisionEngine{
		acquisitions: acquisitions,
		restrictions: restrictions,
		tokenizer:    tokenizer,
		matcher:      NewMatcher(restrictions, registry),
		registry:     registry,
		validate:     v,
		defaultTTL:   defaultTTL,
	}
}

func (e *DecisionEngine) zonesOrDefault(zones []string) []string {
	if len(zones) == 0 {
		return []string{"default"}
	}
	return zones
}

// runDecision evaluates every matched restriction against the requested
// resources and aggregates the verdict per spec.md §4.6.1: a request is
// authorized only if every matched restriction authorizes it; a resource's
// excess is the max reported by any denying restriction, not a sum; the
// applied TTL is the single max across every result (falling back to
// acquisitionTTL when a result declares none); and any resource named in
// the request that ends up tracked by no result is reported untracked.
func (e *DecisionEngine) runDecision(
	ctx context.Context,
	acquirerID string,
	request []RequestItem,
	zones []string,
	acquired map[string]AcquisitionList,
	getAcquisitionMap func(ctx context.Context, resourceIDs []string) (map[string]AcquisitionList, error),
	now int64,
	acquisitionTTL int64,
) (decision Decision, trackedResources []string, maxRestrictionTTL int64, err error) {
	authorized := true
	trackedSet := make(map[string]bool)
	excessByResource := make(map[string]int)
	requested := make([]string, 0, len(request))
	seen := make(map[string]bool, len(request))
	for _, item := range request {
		if seen[item.Resource] {
			continue
		}
		seen[item.Resource] = true
		requested = append(requested, item.Resource)
	}
	for _, resource := range requested {
		policies, matchErr := e.matcher.Match(ctx, zones, resource)
		if matchErr != nil {
			return Decision{}, nil, 0, matchErr
		}
		for _, p := range policies {
			pctx := PolicyContext{
				AcquirerID:        acquirerID,
				Acquired:          acquired,
				Request:           request,
				Zones:             zones,
				Restriction:       p.Restriction,
				Now:               now,
				GetAcquisitionMap: getAcquisitionMap,
			}
			result, fnErr := p.Fn(ctx, pctx)
			if fnErr != nil {
				return Decision{}, nil, 0, fnErr
			}
			tracked := result.TrackedResources
			if len(tracked) == 0 {
				tracked = []string{p.Restriction.Resource}
			}
			for _, r := range tracked {
				trackedSet[r] = true
			}
			ttl := acquisitionTTL
			if result.TTL != nil {
				ttl = *result.TTL
			}
			if ttl > maxRestrictionTTL {
				maxRestrictionTTL = ttl
			}
			if !result.Authorized {
				authorized = false
				if existing, ok := excessByResource[p.Restriction.Resource]; !ok || result.Excess > existing {
					excessByResource[p.Restriction.Resource] = result.Excess
				}
			}
		}
	}
	decision = Decision{Authorized: authorized}
	for _, resource := range requested {
		if count, ok := excessByResource[resource]; ok {
			decision.ExcessResources = append(decision.ExcessResources, ExcessResource{Resource: resource, Count: count})
		}
		if !trackedSet[resource] {
			decision.UntrackedResources = append(decision.UntrackedResources, resource)
		}
	}
	for resource := range trackedSet {
		trackedResources = append(trackedResources, resource)
	}
	return decision, trackedResources, maxRestrictionTTL, nil
}

// acquisitionTTLOrDefault resolves the caller-provided AcquisitionTTL to
// the engine's default when unset.
func (e *DecisionEngine) acquisitionTTLOrDefault(ttl int64) int64 {
	if ttl == 0 {
		return e.defaultTTL
	}
	return ttl
}

func (e *DecisionEngine) Check(ctx context.Context, in CheckInput) (Decision, error) {
	if err := e.validate.Struct(in); err != nil {
		return Decision{}, inputValidationf("check input: %s", err)
	}
	zones := e.zonesOrDefault(in.Zones)
	now := nowMillis(ctx)
	record, _, err := e.acquisitions.Get(ctx, in.AcquirerID)
	if err != nil {
		return Decision{}, err
	}
	proc, err := e.tokenizer.Process(ctx, record, now)
	if err != nil {
		return Decision{}, err
	}
	resources := resourceNames(in.Request)
	acquired, err := e.tokenizer.GetUntokenizedAcquisitionMap(ctx, in.AcquirerID, proc, resources)
	if err != nil {
		return Decision{}, err
	}
	getAcquisitionMap := func(ctx context.Context, resourceIDs []string) (map[string]AcquisitionList, error) {
		return e.tokenizer.GetUntokenizedAcquisitionMap(ctx, in.AcquirerID, proc, resourceIDs)
	}
	decision, _, _, err := e.runDecision(
		ctx, in.AcquirerID, in.Request, zones, acquired, getAcquisitionMap, now, e.acquisitionTTLOrDefault(in.AcquisitionTTL))
	if err != nil {
		return Decision{}, err
	}
	logDecision(ctx, "check", in.AcquirerID, decision)
	return decision, nil
}

func (e *DecisionEngine) Acquire(ctx context.Context, in AcquireInput) (Decision, error) {
	if err := e.validate.Struct(in); err != nil {
		return Decision{}, inputValidationf("acquire input: %s", err)
	}
	zones := e.zonesOrDefault(in.Zones)
	var decision Decision
	backoff := newConflictBackoff()
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		now := nowMillis(ctx)
		record, etag, err := e.acquisitions.Get(ctx, in.AcquirerID)
		if err != nil {
			return err
		}
		proc, err := e.tokenizer.Process(ctx, record, now)
		if err != nil {
			return err
		}
		resources := resourceNames(in.Request)
		acquired, err := e.tokenizer.GetUntokenizedAcquisitionMap(ctx, in.AcquirerID, proc, resources)
		if err != nil {
			return err
		}
		getAcquisitionMap := func(ctx context.Context, resourceIDs []string) (map[string]AcquisitionList, error) {
			return e.tokenizer.GetUntokenizedAcquisitionMap(ctx, in.AcquirerID, proc, resourceIDs)
		}
		acquisitionTTL := e.acquisitionTTLOrDefault(in.AcquisitionTTL)
		d, trackedResources, maxRestrictionTTL, err := e.runDecision(
			ctx, in.AcquirerID, in.Request, zones, acquired, getAcquisitionMap, now, acquisitionTTL)
		if err != nil {
			return err
		}
		decision = d
		if !d.Authorized && !in.ForceAcquisition {
			return nil
		}
		if len(trackedResources) == 0 {
			// Nothing durable to record; known-expired acquisitions are not
			// proactively pruned on this path. See spec.md §4.6.2 step 3.
			return nil
		}
		newTokenized, expires, ttl, err := e.tokenizer.ApplyAcquireRequest(
			ctx, in.AcquirerID, proc, in.Request, trackedResources, maxRestrictionTTL, now)
		if err != nil {
			return err
		}
		if len(newTokenized) == 1 && newTokenized[0].isEmpty() {
			if err := e.acquisitions.Delete(ctx, in.AcquirerID); err != nil {
				return err
			}
			return nil
		}
		updated := record
		updated.Tokenized = newTokenized
		updated.TTL = ttl
		updated.Expires = expires
		updated.Meta = touchMeta(updated.Meta, now)
		if _, err := e.acquisitions.PutIfMatch(ctx, updated, etag); err != nil {
			if errors.Is(err, ErrPreconditionMismatch) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return Decision{}, err
	}
	logDecision(ctx, "acquire", in.AcquirerID, decision)
	return decision, nil
}

func (e *DecisionEngine) Release(ctx context.Context, in ReleaseInput) (ReleaseDecision, error) {
	if err := e.validate.Struct(in); err != nil {
		return ReleaseDecision{}, inputValidationf("release input: %s", err)
	}
	var result ReleaseDecision
	backoff := newConflictBackoff()
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		now := nowMillis(ctx)
		record, etag, err := e.acquisitions.Get(ctx, in.AcquirerID)
		if err != nil {
			return err
		}
		// Release never upserts: an acquirer with no prior record has
		// nothing to release, and every requested unit is reported in
		// excess rather than creating a record. See spec.md §4.6.3.
		if etag == "" {
			excess := make([]ExcessResource, 0, len(in.Request))
			for _, item := range in.Request {
				excess = append(excess, ExcessResource{Resource: item.Resource, Count: item.Count})
			}
			result = ReleaseDecision{Authorized: len(excess) == 0, ExcessResources: excess}
			return nil
		}
		proc, err := e.tokenizer.Process(ctx, record, now)
		if err != nil {
			return err
		}
		newTokenized, excessByResource, expires, ttl, err := e.tokenizer.ApplyReleaseRequest(ctx, in.AcquirerID, proc, in.Request)
		if err != nil {
			return err
		}
		if len(newTokenized) == 0 {
			if err := e.acquisitions.Delete(ctx, in.AcquirerID); err != nil {
				return err
			}
		} else {
			updated := record
			updated.Tokenized = newTokenized
			updated.TTL = ttl
			updated.Expires = expires
			updated.Meta = touchMeta(updated.Meta, now)
			if _, err := e.acquisitions.PutIfMatch(ctx, updated, etag); err != nil {
				if errors.Is(err, ErrPreconditionMismatch) {
					return retry.RetryableError(err)
				}
				return err
			}
		}
		excess := make([]ExcessResource, 0, len(excessByResource))
		for resource, count := range excessByResource {
			excess = append(excess, ExcessResource{Resource: resource, Count: count})
		}
		result = ReleaseDecision{Authorized: len(excess) == 0, ExcessResources: excess, Expires: expires}
		return nil
	})
	if err != nil {
		return ReleaseDecision{}, err
	}
	return result, nil
}

func (e *DecisionEngine) Insert(ctx context.Context, r Restriction) (Restriction, error) {
	if err := e.validate.Struct(r); err != nil {
		return Restriction{}, inputValidationf("restriction: %s", err)
	}
	return e.restrictions.Insert(ctx, r)
}

func (e *DecisionEngine) BulkInsert(ctx context.Context, rs []Restriction) ([]Restriction, error) {
	for _, r := range rs {
		if err := e.validate.Struct(r); err != nil {
			return nil, inputValidationf("restriction: %s", err)
		}
	}
	return e.restrictions.BulkInsert(ctx, rs)
}

func (e *DecisionEngine) Update(ctx context.Context, r Restriction) (Restriction, error) {
	if err := e.validate.Struct(r); err != nil {
		return Restriction{}, inputValidationf("restriction: %s", err)
	}
	return e.restrictions.Update(ctx, r)
}

func (e *DecisionEngine) Get(ctx context.Context, id string) (Restriction, error) {
	return e.restrictions.Get(ctx, id)
}

func (e *DecisionEngine) GetAll(ctx context.Context, q RestrictionQuery) ([]Restriction, error) {
	return e.restrictions.GetAll(ctx, q)
}

func (e *DecisionEngine) Remove(ctx context.Context, id string) error {
	return e.restrictions.Remove(ctx, id)
}

func (e *DecisionEngine) RemoveAll(ctx context.Context, q RestrictionQuery) (int, error) {
	return e.restrictions.RemoveAll(ctx, q)
}

func (e *DecisionEngine) RegisterMethod(method string, fn PolicyFunc) error {
	return e.registry.Register(method, fn)
}

func resourceNames(items []RequestItem) []string {
	names := make([]string, len(items))
	for i, it := range items {
		names[i] = it.Resource
	}
	return names
}

func touchMeta(m *Meta, now int64) *Meta {
	if m == nil {
		return &Meta{Created: now, Updated: now}
	}
	return &Meta{Created: m.Created, Updated: now}
}

// logDecision traces a decision outcome at debug level; see SPEC_FULL.md §10.
func logDecision(ctx context.Context, op, acquirerID string, d Decision) {
	logger.FromContext(ctx).Debug("quota decision",
		"op", op, "acquirerId", acquirerID, "authorized", d.Authorized,
		"excessResources", len(d.ExcessResources), "untrackedResources", len(d.UntrackedResources))
}
