package quota

import (
	"context"
	"errors"
	"time"
)

var errInvalidNumber = errors.New("not a number")

// MethodLimitOverDuration is the built-in restriction method name; see
// spec.md §4.4.
const MethodLimitOverDuration = "limitOverDuration"

const (
	optLimit    = "limit"
	optDuration = "duration"
)

// LimitOverDuration authorizes a request when the sum of counts already
// acquired for Restriction.Resource within the trailing ISO-8601 Duration,
// plus the counts requested now, does not exceed Limit. methodOptions:
//
//	limit:    number, required, > 0
//	duration: string, required, ISO-8601 duration (e.g. "PT1H", "P1D", "PT30M")
func LimitOverDuration(_ context.Context, pctx PolicyContext) (Result, error) {
	limit, window, err := parseLimitOverDurationOptions(pctx.Restriction)
	if err != nil {
		return Result{}, err
	}
	total := 0
	cutoff := pctx.Now - window.Milliseconds()
	for _, it := range pctx.Acquired[pctx.Restriction.Resource] {
		if it.Requested >= cutoff {
			total += it.Count
		}
	}
	requestedNow := 0
	for _, it := range pctx.Request {
		if it.Resource != pctx.Restriction.Resource {
			continue
		}
		requested := it.Requested
		if requested == 0 {
			requested = pctx.Now
		}
		if requested >= cutoff {
			requestedNow += it.Count
		}
	}
	total += requestedNow
	excess := total - limit
	if excess < 0 {
		excess = 0
	}
	ttl := window.Milliseconds()
	return Result{
		Authorized:       excess == 0,
		Excess:           excess,
		TTL:              &ttl,
		TrackedResources: []string{pctx.Restriction.Resource},
	}, nil
}

func parseLimitOverDurationOptions(r Restriction) (limit int, window time.Duration, err error) {
	rawLimit, ok := r.MethodOptions[optLimit]
	if !ok {
		return 0, 0, inputValidationf("restriction %q: methodOptions.limit is required", r.ID)
	}
	limit, err = toInt(rawLimit)
	if err != nil {
		return 0, 0, inputValidationf("restriction %q: methodOptions.limit: %s", r.ID, err)
	}
	if limit <= 0 {
		return 0, 0, inputValidationf("restriction %q: methodOptions.limit must be > 0", r.ID)
	}
	rawDuration, ok := r.MethodOptions[optDuration]
	if !ok {
		return 0, 0, inputValidationf("restriction %q: methodOptions.duration is required", r.ID)
	}
	durationStr, ok := rawDuration.(string)
	if !ok {
		return 0, 0, inputValidationf("restriction %q: methodOptions.duration must be a string", r.ID)
	}
	window, err = ParseISO8601Duration(durationStr)
	if err != nil {
		return 0, 0, inputValidationf("restriction %q: methodOptions.duration: %s", r.ID, err)
	}
	return limit, window, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, errInvalidNumber
	}
}
