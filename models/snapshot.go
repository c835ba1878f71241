package models

import (
	"strings"
	"time"
)

// Raw field names supplied by the scraper. Record fields share the same names.
const (
	FieldID          = "id"
	FieldName        = "name"
	FieldAge         = "age"
	FieldGender      = "gender"
	FieldCountry     = "country"
	FieldCity        = "city"
	FieldPosts       = "posts"
	FieldFollowers   = "followers"
	FieldLastPostURL = "last_post_url"
	FieldLastActive  = "last_active"
	FieldImageURL    = "image_url"
	FieldStatus      = "status"
	FieldFirstSeen   = "first_seen"
	FieldUpdatedAt   = "updated_at"

	// Snapshot-only signals, never stored as record columns.
	FieldMarkers = "markers"
	FieldOnline  = "online"
)

// Snapshot is the raw output of one scrape attempt for one identity.
type Snapshot struct {
	Fields     map[string]string `json:"fields"`
	CapturedAt time.Time         `json:"captured_at"`
	Source     string            `json:"source"`
	NotFound   bool              `json:"not_found"`
}

// Raw returns the trimmed raw value of a field, "" when absent.
func (s Snapshot) Raw(field string) string {
	if s.Fields == nil {
		return ""
	}
	return strings.TrimSpace(s.Fields[field])
}
