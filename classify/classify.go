// Package classify derives a profile's lifecycle state from normalized signals.
package classify

import "profile_ledger/models"

// Count is a normalized counter that may be absent.
type Count struct {
	Value   int
	Present bool
}

func (c Count) zeroOrAbsent() bool {
	return !c.Present || c.Value == 0
}

// Signals are the inputs to Classify. DEAD is not derivable from them: a
// missing profile page is a retrieval outcome handled before classification.
type Signals struct {
	SuspendMarker    bool
	BanMarker        bool
	UnverifiedMarker bool
	// HasImage feeds no rule: without a marker a missing image never bans.
	HasImage  bool
	Posts     Count
	Followers Count
}

// Classify applies the precedence BANNED > UNVERIFIED > ACTIVE. BANNED always
// needs an explicit platform marker, with or without a profile image; a
// missing image on its own never bans.
func Classify(s Signals) models.State {
	if s.SuspendMarker || s.BanMarker {
		return models.StateBanned
	}
	if s.UnverifiedMarker || (s.Posts.zeroOrAbsent() && s.Followers.zeroOrAbsent()) {
		return models.StateUnverified
	}
	return models.StateActive
}
