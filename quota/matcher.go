package quota

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Matcher selects the restrictions applicable to a given zone/resource pair
// and resolves each to its registered Policy. Concurrent callers asking
// about the same zone/resource collapse onto a single RestrictionStore
// lookup via singleflight; see spec.md §4.3 and §5.
type Matcher struct {
	store    RestrictionStore
	registry *Registry
	group    singleflight.Group
}

// NewMatcher creates a Matcher backed by store and registry.
func NewMatcher(store RestrictionStore, registry *Registry) *Matcher {
	return &Matcher{store: store, registry: registry}
}

// Match returns the Policies applicable to resource across the given zones.
// Restrictions naming an unregistered method are skipped with an error
// collected alongside any successful matches, never silently dropped.
func (m *Matcher) Match(ctx context.Context, zones []string, resource string) ([]Policy, error) {
	var (
		mu       sync.Mutex
		policies []Policy
		errs     []error
	)
	for _, zone := range zones {
		zone := zone
		key := zone + "\x00" + resource
		v, err, _ := m.group.Do(key, func() (any, error) {
			return m.store.GetAll(ctx, RestrictionQuery{Zone: zone, Resource: resource})
		})
		if err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			continue
		}
		restrictions, _ := v.([]Restriction)
		for _, r := range restrictions {
			fn, lookupErr := m.registry.Lookup(r.Method)
			if lookupErr != nil {
				mu.Lock()
				errs = append(errs, lookupErr)
				mu.Unlock()
				continue
			}
			policies = append(policies, Policy{Restriction: r, Fn: fn})
		}
	}
	if len(errs) > 0 {
		return policies, fmt.Errorf("matching restrictions for resource %q: %d of %d lookups failed: %w",
			resource, len(errs), len(zones), errs[0])
	}
	return policies, nil
}
