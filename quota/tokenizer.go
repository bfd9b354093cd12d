package quota

import (
	"context"
	"sort"
)

// maxTokenizedGenerations bounds how many key generations a single
// AcquisitionRecord carries at once: the prior generation (read-only,
// draining as it is released or migrated) and the current generation (the
// only one new acquisitions are written under). See spec.md §4.5.1.
const maxTokenizedGenerations = 2

// ResourceTokenizer applies and reverses the HMAC tokenization of resource
// identifiers within an AcquisitionRecord, and performs the lazy
// two-generation key migration described in spec.md §4.5: on rotation,
// items whose resource is named in the current request are re-tokenized
// under the new key immediately; items naming other resources are left
// "unconverted" under the old key until a future request touches them or
// they age out.
type ResourceTokenizer struct {
	oracle KeyOracle
}

// NewResourceTokenizer creates a ResourceTokenizer backed by oracle.
func NewResourceTokenizer(oracle KeyOracle) *ResourceTokenizer {
	return &ResourceTokenizer{oracle: oracle}
}

// processedState is the result of Process: record.Tokenized with expired
// items pruned, plus the rotation decision for this operation. It is
// shared by GetUntokenizedAcquisitionMap, ApplyAcquireRequest, and
// ApplyReleaseRequest so every caller within one Check/Acquire/Release
// sees the same pruned, rotation-consistent view. See spec.md §4.5.1.
type processedState struct {
	// groups is the pruned Tokenized slice: 1 or 2 entries, oldest first.
	groups []TokenizedGroup
	// rotate is true when this operation must migrate to a new write key.
	rotate bool
	// writeKeyID is the key id new acquisitions are tokenized under.
	writeKeyID string
	// previousTTL is record.TTL as observed before pruning, reset to 0 if
	// pruning emptied every group.
	previousTTL int64
}

// Process implements spec.md §4.5.1 steps 1-4: record the prior TTL, prune
// items that have aged past it, collapse to a single empty group under the
// current key if everything expired, and decide whether the operation that
// called it must rotate to a new key generation.
func (t *ResourceTokenizer) Process(
	ctx context.Context,
	record AcquisitionRecord,
	now int64,
) (processedState, error) {
	currentKeyID, err := t.oracle.CurrentKeyID(ctx)
	if err != nil {
		return processedState{}, upstreamf(err, "resolving current key id")
	}
	previousTTL := record.TTL
	groups := pruneGroups(record.Tokenized, record.TTL, now)
	if len(groups) == 0 {
		groups = []TokenizedGroup{newEmptyGroup(currentKeyID)}
		previousTTL = 0
	}
	rotate := false
	writeKeyID := currentKeyID
	switch len(groups) {
	case 1:
		if groups[0].TokenizerID != currentKeyID {
			rotate = true
			groups = append(groups, newEmptyGroup(currentKeyID))
		}
	default:
		rotate = true
		writeKeyID = groups[1].TokenizerID
	}
	return processedState{groups: groups, rotate: rotate, writeKeyID: writeKeyID, previousTTL: previousTTL}, nil
}

// pruneGroups drops items whose requested+ttl < now, drops any group left
// with no resources, and never mutates groups' own backing arrays/maps.
// See spec.md §4.5.1 step 2.
func pruneGroups(groups []TokenizedGroup, ttl, now int64) []TokenizedGroup {
	pruned := make([]TokenizedGroup, 0, len(groups))
	for _, g := range groups {
		resources := make(map[string]AcquisitionList, len(g.Resources))
		for token, items := range g.Resources {
			kept := make(AcquisitionList, 0, len(items))
			for _, item := range items {
				if item.Requested+ttl < now {
					continue
				}
				kept = append(kept, item)
			}
			if len(kept) > 0 {
				resources[token] = kept
			}
		}
		if len(resources) > 0 {
			pruned = append(pruned, TokenizedGroup{TokenizerID: g.TokenizerID, Resources: resources})
		}
	}
	return pruned
}

// GetUntokenizedAcquisitionMap implements spec.md §4.5.2: for each resource
// in resources, look up its token under every surviving group's key and
// emit any found list, merged and re-sorted ascending by Requested.
func (t *ResourceTokenizer) GetUntokenizedAcquisitionMap(
	ctx context.Context,
	acquirerID string,
	proc processedState,
	resources []string,
) (map[string]AcquisitionList, error) {
	result := make(map[string]AcquisitionList, len(resources))
	for _, group := range proc.groups {
		key, err := t.oracle.Key(ctx, group.TokenizerID)
		if err != nil {
			return nil, upstreamf(err, "resolving key %q", group.TokenizerID)
		}
		for _, resource := range resources {
			token := tokenizeResource(key, acquirerID, resource)
			items, ok := group.Resources[token]
			if !ok {
				continue
			}
			result[resource] = append(result[resource], items...)
		}
	}
	for resource, list := range result {
		sorted := append(AcquisitionList(nil), list...)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Requested < sorted[j].Requested })
		result[resource] = sorted
	}
	return result, nil
}

// ApplyAcquireRequest implements spec.md §4.5.3: the applied ttl is the
// greater of the record's previous ttl and the caller's maxRestrictionTtl;
// §4.5.5's rotation/migration runs first, then the request itself is
// pruned to that same ttl and its tracked items are inserted into the
// write entry in ascending-Requested order; expires is then derived from
// the latest surviving item across the whole result.
func (t *ResourceTokenizer) ApplyAcquireRequest(
	ctx context.Context,
	acquirerID string,
	proc processedState,
	request []RequestItem,
	trackedResources []string,
	maxRestrictionTTL int64,
	now int64,
) (tokenized []TokenizedGroup, expires int64, ttl int64, err error) {
	ttl = proc.previousTTL
	if maxRestrictionTTL > ttl {
		ttl = maxRestrictionTTL
	}
	groups, writeIdx, err := t.createNewTokenizedAcquisition(ctx, acquirerID, proc, resourceNames(request))
	if err != nil {
		return nil, 0, 0, err
	}
	writeKey, err := t.oracle.Key(ctx, groups[writeIdx].TokenizerID)
	if err != nil {
		return nil, 0, 0, upstreamf(err, "resolving key %q", groups[writeIdx].TokenizerID)
	}
	tracked := make(map[string]bool, len(trackedResources))
	for _, r := range trackedResources {
		tracked[r] = true
	}
	for _, item := range request {
		if !tracked[item.Resource] {
			continue
		}
		requested := item.Requested
		if requested == 0 {
			requested = now
		}
		if requested+ttl < now {
			continue
		}
		token := tokenizeResource(writeKey, acquirerID, item.Resource)
		groups[writeIdx].Resources[token] = insertSorted(
			groups[writeIdx].Resources[token], AcquisitionItem{Count: item.Count, Requested: requested})
	}
	expires = maxRequested(groups) + ttl
	return groups, expires, ttl, nil
}

// createNewTokenizedAcquisition implements spec.md §4.5.5. Without
// rotation the write entry is a copy of the single surviving group. With rotation,
// the write entry starts from the existing position-1 group (or a fresh
// one under the write key), and every item in position-0 is walked: if its
// token resolves to a resource named in requestResources, it is
// re-tokenized under the write key and merged in; otherwise it is retained
// verbatim under the old key as "unconverted". The old group is dropped
// entirely once nothing unconverted remains. Returns the resulting groups
// and the index of the entry new acquisitions should be written into.
func (t *ResourceTokenizer) createNewTokenizedAcquisition(
	ctx context.Context,
	acquirerID string,
	proc processedState,
	requestResources []string,
) ([]TokenizedGroup, int, error) {
	if !proc.rotate {
		return []TokenizedGroup{cloneGroup(proc.groups[0])}, 0, nil
	}
	old := proc.groups[0]
	writeEntry := cloneGroup(proc.groups[1])
	writeKey, err := t.oracle.Key(ctx, proc.writeKeyID)
	if err != nil {
		return nil, 0, upstreamf(err, "resolving key %q", proc.writeKeyID)
	}
	oldKey, err := t.oracle.Key(ctx, old.TokenizerID)
	if err != nil {
		return nil, 0, upstreamf(err, "resolving key %q", old.TokenizerID)
	}
	reverse := make(map[string]string, len(requestResources))
	for _, resource := range requestResources {
		reverse[tokenizeResource(oldKey, acquirerID, resource)] = resource
	}
	unconverted := newEmptyGroup(old.TokenizerID)
	for token, items := range old.Resources {
		resource, ok := reverse[token]
		if !ok {
			unconverted.Resources[token] = items
			continue
		}
		newToken := tokenizeResource(writeKey, acquirerID, resource)
		writeEntry.Resources[newToken] = mergeByRequested(writeEntry.Resources[newToken], items)
	}
	if len(unconverted.Resources) > 0 {
		return []TokenizedGroup{unconverted, writeEntry}, 1, nil
	}
	return []TokenizedGroup{writeEntry}, 0, nil
}

// ApplyReleaseRequest implements spec.md §4.5.4: it reuses previousTtl
// without extending retention, consumes up to count units from the head
// (ascending) or tail (Latest) of each resource's list across proc's
// surviving groups oldest-first, and reports any unconsumed remainder as
// excess rather than silently dropping it. Exhausted entries and emptied
// groups are pruned.
func (t *ResourceTokenizer) ApplyReleaseRequest(
	ctx context.Context,
	acquirerID string,
	proc processedState,
	request []RequestItem,
) (tokenized []TokenizedGroup, excessResources map[string]int, expires int64, ttl int64, err error) {
	ttl = proc.previousTTL
	groups := make([]TokenizedGroup, len(proc.groups))
	for i, g := range proc.groups {
		groups[i] = cloneGroup(g)
	}
	excessResources = make(map[string]int)
	for _, item := range request {
		remaining := item.Count
		for gi := range groups {
			if remaining <= 0 {
				break
			}
			key, keyErr := t.oracle.Key(ctx, groups[gi].TokenizerID)
			if keyErr != nil {
				return nil, nil, 0, 0, upstreamf(keyErr, "resolving key %q", groups[gi].TokenizerID)
			}
			token := tokenizeResource(key, acquirerID, item.Resource)
			list, ok := groups[gi].Resources[token]
			if !ok || len(list) == 0 {
				continue
			}
			list, remaining = releaseFromList(list, remaining, item.Latest)
			if len(list) == 0 {
				delete(groups[gi].Resources, token)
			} else {
				groups[gi].Resources[token] = list
			}
		}
		if remaining > 0 {
			excessResources[item.Resource] += remaining
		}
	}
	pruned := groups[:0]
	for _, g := range groups {
		if !g.isEmpty() {
			pruned = append(pruned, g)
		}
	}
	if len(pruned) > 0 {
		expires = maxRequested(pruned) + ttl
	}
	return pruned, excessResources, expires, ttl, nil
}

// releaseFromList consumes up to count units from list, from the tail when
// latest is true and the head otherwise, splitting a partially-consumed
// entry in place. It returns the remaining list and any unconsumed count.
func releaseFromList(list AcquisitionList, count int, latest bool) (AcquisitionList, int) {
	if latest {
		for i := len(list) - 1; i >= 0 && count > 0; i-- {
			if list[i].Count <= count {
				count -= list[i].Count
				list = list[:i]
				continue
			}
			list[i].Count -= count
			count = 0
		}
		return list, count
	}
	i := 0
	for i < len(list) && count > 0 {
		if list[i].Count <= count {
			count -= list[i].Count
			i++
			continue
		}
		list[i].Count -= count
		count = 0
	}
	return list[i:], count
}

// cloneGroup deep-copies g's Resources map (and each list) so mutations
// made while building a new generation never reach back into the record
// that was read from the store.
func cloneGroup(g TokenizedGroup) TokenizedGroup {
	resources := make(map[string]AcquisitionList, len(g.Resources))
	for token, items := range g.Resources {
		resources[token] = append(AcquisitionList(nil), items...)
	}
	return TokenizedGroup{TokenizerID: g.TokenizerID, Resources: resources}
}

// mergeByRequested merges two ascending-by-Requested lists into one
// ascending-by-Requested list. See spec.md §4.5.5's merging note.
func mergeByRequested(a, b AcquisitionList) AcquisitionList {
	merged := make(AcquisitionList, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i].Requested <= b[j].Requested {
			merged = append(merged, a[i])
			i++
		} else {
			merged = append(merged, b[j])
			j++
		}
	}
	merged = append(merged, a[i:]...)
	merged = append(merged, b[j:]...)
	return merged
}

// insertSorted inserts item into list, maintaining ascending order by
// Requested. See spec.md §4.5.3 step 4.
func insertSorted(list AcquisitionList, item AcquisitionItem) AcquisitionList {
	i := sort.Search(len(list), func(i int) bool { return list[i].Requested > item.Requested })
	list = append(list, AcquisitionItem{})
	copy(list[i+1:], list[i:])
	list[i] = item
	return list
}

// maxRequested returns the latest Requested timestamp across every item in
// groups, or 0 if groups carries no items. Used to derive a record's
// expiry as an offset from its most recently requested item rather than
// from the wall clock — see spec.md §4.5.3 step 5.
func maxRequested(groups []TokenizedGroup) int64 {
	var max int64
	for _, g := range groups {
		for _, items := range g.Resources {
			for _, item := range items {
				if item.Requested > max {
					max = item.Requested
				}
			}
		}
	}
	return max
}
