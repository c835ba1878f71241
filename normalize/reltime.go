package normalize

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	day   = 24 * time.Hour
	week  = 7 * day
	month = 30 * day
	year  = 365 * day
)

var relUnits = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "secs": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour, "hour": time.Hour, "hours": time.Hour,
	"d": day, "day": day, "days": day,
	"w": week, "wk": week, "wks": week, "week": week, "weeks": week,
	"mo": month, "mos": month, "mon": month, "month": month, "months": month,
	"y": year, "yr": year, "yrs": year, "year": year, "years": year,
}

var (
	relTimeRegex  = regexp.MustCompile(`^([+-])?\s*(\d+|an?)?\s*([a-z]+)\.?(?:\s+ago)?$`)
	relPrefixes   = []string{"last seen", "last active", "active", "seen"}
	relNowPhrases = map[string]bool{"now": true, "just now": true, "online": true, "online now": true}
)

// ParseRelative resolves free text such as "5 min ago", "-3 days" or "hour ago"
// against the capture time. A missing magnitude means 1 and a leading sign is
// ignored. The result is UTC, truncated to the minute.
func ParseRelative(raw string, captured time.Time) (time.Time, bool) {
	if captured.IsZero() {
		return time.Time{}, false
	}
	s := strings.ToLower(strings.Join(strings.Fields(raw), " "))
	for _, p := range relPrefixes {
		if strings.HasPrefix(s, p+" ") {
			s = strings.TrimSpace(strings.TrimPrefix(s, p))
			break
		}
	}
	if s == "" {
		return time.Time{}, false
	}
	if relNowPhrases[s] {
		return captured.UTC().Truncate(time.Minute), true
	}
	if s == "yesterday" {
		return captured.Add(-day).UTC().Truncate(time.Minute), true
	}

	m := relTimeRegex.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, false
	}
	unit, ok := relUnits[m[3]]
	if !ok {
		return time.Time{}, false
	}

	n := int64(1)
	switch m[2] {
	case "", "a", "an":
	default:
		v, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil || v > math.MaxInt64/int64(unit) {
			return time.Time{}, false
		}
		n = v
	}

	return captured.Add(-time.Duration(n) * unit).UTC().Truncate(time.Minute), true
}

func (n *Normalizer) relTime(raw string, captured time.Time) Value {
	if raw == "" {
		return absent("empty")
	}
	t, ok := ParseRelative(raw, captured)
	if !ok {
		return absent("unparseable relative time %q", raw)
	}
	return present(t.Format(timeLayout))
}
