package normalize

import (
	"strconv"
	"strings"
)

// ParseCount strips everything but digits and a leading minus sign. A "+"
// anywhere ("999+", "+999") means "this many or more" and is reported through
// atLeast without changing the magnitude.
func ParseCount(raw string) (n int, atLeast bool, ok bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false, false
	}
	atLeast = strings.Contains(s, "+")
	negative := strings.HasPrefix(s, "-")

	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return 0, false, false
	}

	v, err := strconv.Atoi(b.String())
	if err != nil {
		return 0, false, false
	}
	if negative {
		v = -v
	}
	return v, atLeast, true
}

func (n *Normalizer) count(raw string) Value {
	if raw == "" {
		return absent("empty")
	}
	v, atLeast, ok := ParseCount(raw)
	if !ok {
		return absent("no digits in %q", raw)
	}
	out := present(strconv.Itoa(v))
	out.AtLeast = atLeast
	return out
}

const (
	minAge = 13
	maxAge = 120
)

func (n *Normalizer) age(raw string) Value {
	if raw == "" {
		return absent("empty")
	}
	v, _, ok := ParseCount(raw)
	if !ok {
		return absent("no digits in %q", raw)
	}
	if v < minAge || v > maxAge {
		return absent("age %d out of range", v)
	}
	return present(strconv.Itoa(v))
}
