// Package identity resolves the key that matches a snapshot to a stored record.
package identity

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"profile_ledger/models"
)

var ErrMissingKey = errors.New("identity key missing or invalid")

// Key is the stable handle of one profile.
type Key string

// Strategy resolves a key from a field map. The same strategy is applied to
// raw snapshot fields and to stored record fields, which share field names.
type Strategy interface {
	Resolve(fields map[string]string) (Key, error)
}

const (
	StrategyID   = "id"
	StrategyName = "name"
)

// New returns the strategy configured by name.
func New(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case StrategyID, "":
		return IDStrategy{}, nil
	case StrategyName:
		return NameStrategy{}, nil
	}
	return nil, fmt.Errorf("unknown identity strategy %q", name)
}

var platformIDRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// IDStrategy keys profiles on the platform-issued ID.
type IDStrategy struct{}

func (IDStrategy) Resolve(fields map[string]string) (Key, error) {
	id := strings.TrimSpace(fields[models.FieldID])
	if id == "" || !platformIDRegex.MatchString(id) {
		return "", fmt.Errorf("%w: id %q", ErrMissingKey, id)
	}
	return Key("id:" + id), nil
}

// NameStrategy keys profiles on the display name. Names are mutable, so a
// renamed profile resolves to a new key.
type NameStrategy struct{}

func (NameStrategy) Resolve(fields map[string]string) (Key, error) {
	name := NormalizeName(fields[models.FieldName])
	if name == "" {
		return "", fmt.Errorf("%w: name %q", ErrMissingKey, fields[models.FieldName])
	}
	return Key("name:" + name), nil
}

var (
	multiSpaceRegex = regexp.MustCompile(`\s+`)
	nameNoiseRegex  = regexp.MustCompile(`[^\p{L}\p{N}_.\-\s]`)
)

// NormalizeName case-folds a display name and drops decoration such as emoji
// and punctuation so cosmetic differences do not split one profile in two.
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.TrimPrefix(name, "@")
	name = nameNoiseRegex.ReplaceAllString(name, " ")
	name = multiSpaceRegex.ReplaceAllString(name, " ")
	return strings.TrimSpace(name)
}

// KeyField is the record field a strategy's key is read from, which is the
// column stores check before moving or deleting a row.
func KeyField(s Strategy) string {
	if _, ok := s.(NameStrategy); ok {
		return models.FieldName
	}
	return models.FieldID
}
