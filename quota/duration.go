package quota

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// No ISO-8601 duration package appears anywhere in the example corpus (the
// teacher's xhit/go-str2duration parses Go-style "1h30m", not
// "PnYnMnDTnHnMnS"/"PnW"); this is a deliberate, narrow stdlib parser — see
// DESIGN.md.

const (
	approxDay   = 24 * time.Hour
	approxWeek  = 7 * approxDay
	approxMonth = 30 * approxDay
	approxYear  = 365 * approxDay
)

var (
	isoWeekPattern = regexp.MustCompile(`^P(\d+)W$`)
	isoDatePattern = regexp.MustCompile(
		`^P(?:(\d+)Y)?(?:(\d+)M)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`,
	)
)

// ParseISO8601Duration parses the "P[nY][nM][nD][T[nH][nM][nS]]" and "PnW"
// forms into a millisecond-precision time.Duration. Calendar components
// (year/month/week/day) use fixed approximations (365d/30d/7d/24h) since an
// absolute millisecond window has no calendar to anchor against.
func ParseISO8601Duration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("iso8601 duration: empty string")
	}
	if m := isoWeekPattern.FindStringSubmatch(s); m != nil {
		weeks, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, fmt.Errorf("iso8601 duration %q: %w", s, err)
		}
		return time.Duration(weeks) * approxWeek, nil
	}
	m := isoDatePattern.FindStringSubmatch(s)
	if m == nil || (s == "P" || s == "PT") {
		return 0, fmt.Errorf("iso8601 duration %q: does not match P[nY][nM][nD][T[nH][nM][nS]] or PnW", s)
	}
	allEmpty := true
	for _, g := range m[1:] {
		if g != "" {
			allEmpty = false
			break
		}
	}
	if allEmpty {
		return 0, fmt.Errorf("iso8601 duration %q: no components", s)
	}
	var total time.Duration
	addInt := func(raw string, unit time.Duration) error {
		if raw == "" {
			return nil
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("iso8601 duration %q: %w", s, err)
		}
		total += time.Duration(n) * unit
		return nil
	}
	if err := addInt(m[1], approxYear); err != nil {
		return 0, err
	}
	if err := addInt(m[2], approxMonth); err != nil {
		return 0, err
	}
	if err := addInt(m[3], approxDay); err != nil {
		return 0, err
	}
	if err := addInt(m[4], time.Hour); err != nil {
		return 0, err
	}
	if err := addInt(m[5], time.Minute); err != nil {
		return 0, err
	}
	if m[6] != "" {
		secs, err := strconv.ParseFloat(m[6], 64)
		if err != nil {
			return 0, fmt.Errorf("iso8601 duration %q: %w", s, err)
		}
		total += time.Duration(secs * float64(time.Second))
	}
	return total, nil
}
