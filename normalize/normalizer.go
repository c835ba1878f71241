package normalize

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"profile_ledger/models"
)

const timeLayout = models.TimeLayout

type Options struct {
	// BaseURL is the platform origin that post links are canonicalized against.
	BaseURL string
	// UpperFields are upper-cased at normalization time.
	UpperFields []string
	// OnlineWindow marks a profile as seen online when its last activity is
	// at most this far before capture. Zero disables the check.
	OnlineWindow time.Duration
}

type Normalizer struct {
	base         *url.URL
	upper        map[string]bool
	onlineWindow time.Duration
}

func New(opts Options) (*Normalizer, error) {
	n := &Normalizer{
		upper:        make(map[string]bool, len(opts.UpperFields)),
		onlineWindow: opts.OnlineWindow,
	}
	if opts.BaseURL != "" {
		u, err := url.Parse(opts.BaseURL)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid platform base url %q", opts.BaseURL)
		}
		if u.Scheme == "" {
			u.Scheme = "https"
		}
		n.base = u
	}
	for _, f := range opts.UpperFields {
		n.upper[strings.ToLower(strings.TrimSpace(f))] = true
	}
	return n, nil
}

// Snapshot is a normalized scrape result.
type Snapshot struct {
	Values     map[string]Value
	CapturedAt time.Time
	Source     string
	NotFound   bool

	SuspendMarker    bool
	BanMarker        bool
	UnverifiedMarker bool
	// MarkersCaptured is false when the scrape did not look for badges at all.
	MarkersCaptured bool
	Online          bool

	Diagnostics []string
}

// Value returns the normalized value of a record field; absent when unknown.
func (s Snapshot) Value(field string) Value {
	if v, ok := s.Values[field]; ok {
		return v
	}
	return absent("not captured")
}

// Field normalizes one raw string according to its column kind.
func (n *Normalizer) Field(col models.Column, raw string, captured time.Time) Value {
	raw = strings.TrimSpace(raw)
	switch col.Kind {
	case models.KindText:
		return n.text(col.Field, raw)
	case models.KindAge:
		return n.age(raw)
	case models.KindCount:
		return n.count(raw)
	case models.KindRelTime:
		return n.relTime(raw, captured)
	case models.KindPostURL:
		return n.postURL(raw)
	case models.KindImageURL:
		return n.imageURL(raw)
	}
	return absent("field %s is not scraped", col.Field)
}

func (n *Normalizer) text(field, raw string) Value {
	s := strings.Join(strings.Fields(raw), " ")
	if s == "" {
		return absent("empty")
	}
	if n.upper[field] {
		s = strings.ToUpper(s)
	}
	return present(s)
}

// Snapshot normalizes every record field of a raw snapshot.
func (n *Normalizer) Snapshot(raw models.Snapshot) Snapshot {
	out := Snapshot{
		Values:     make(map[string]Value, len(models.RecordColumns)),
		CapturedAt: raw.CapturedAt,
		Source:     raw.Source,
		NotFound:   raw.NotFound,
	}
	for _, col := range models.RecordColumns {
		if col.Kind == models.KindState || col.Bookkeeping() {
			continue
		}
		r := raw.Raw(col.Field)
		v := n.Field(col, r, raw.CapturedAt)
		out.Values[col.Field] = v
		if !v.Present && r != "" {
			out.Diagnostics = append(out.Diagnostics, col.Field+": "+v.Diag)
		}
	}

	_, out.MarkersCaptured = raw.Fields[models.FieldMarkers]
	out.SuspendMarker, out.BanMarker, out.UnverifiedMarker = ScanMarkers(raw.Raw(models.FieldMarkers))
	out.Online = n.online(raw, out.Values[models.FieldLastActive])
	return out
}

var banWordRegex = regexp.MustCompile(`\bban\b`)

// ScanMarkers looks for platform status badges in free text.
func ScanMarkers(text string) (suspended, banned, unverified bool) {
	s := strings.ToLower(text)
	if s == "" {
		return false, false, false
	}
	suspended = strings.Contains(s, "suspended")
	banned = strings.Contains(s, "banned") || banWordRegex.MatchString(s)
	unverified = strings.Contains(s, "unverified") ||
		strings.Contains(s, "not verified") ||
		strings.Contains(s, "verify your")
	return suspended, banned, unverified
}

func (n *Normalizer) online(raw models.Snapshot, lastActive Value) bool {
	switch strings.ToLower(raw.Raw(models.FieldOnline)) {
	case "1", "true", "yes", "y", "online":
		return true
	}
	if n.onlineWindow <= 0 || !lastActive.Present || raw.CapturedAt.IsZero() {
		return false
	}
	t, err := time.Parse(timeLayout, lastActive.Text)
	if err != nil {
		return false
	}
	return raw.CapturedAt.Sub(t) <= n.onlineWindow
}

// Canonical re-canonicalizes a stored cell so it can be compared with a
// freshly normalized value. Cells that do not parse are returned trimmed.
func (n *Normalizer) Canonical(col models.Column, cell string) string {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return ""
	}
	switch col.Kind {
	case models.KindText:
		return n.text(col.Field, cell).Text
	case models.KindAge, models.KindCount:
		if v := n.count(cell); v.Present {
			return v.Text
		}
	case models.KindRelTime, models.KindStamp:
		if t, ok := parseStamp(cell); ok {
			return t.Format(timeLayout)
		}
	case models.KindPostURL:
		if v := n.postURL(cell); v.Present {
			return v.Text
		}
	case models.KindState:
		return strings.ToUpper(cell)
	}
	return cell
}

func parseStamp(s string) (time.Time, bool) {
	for _, layout := range []string{timeLayout, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Truncate(time.Minute), true
		}
	}
	return time.Time{}, false
}
