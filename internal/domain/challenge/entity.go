// Package challenge contains challenge definitions, their tagged requirement
// variants, the category classifier and configuration validation.
// This is a pure domain layer with no infrastructure dependencies.
package challenge

import (
	"slices"
	"strings"
	"time"

	"github.com/stamptrail/progression-engine/internal/domain/activity"
	"github.com/stamptrail/progression-engine/internal/domain/reward"
)

// RequirementKind tags a requirement variant.
type RequirementKind string

const (
	KindCount          RequirementKind = "count"
	KindRequiredVenues RequirementKind = "required_venues"
	KindMenuCombo      RequirementKind = "menu_combo"
	KindCombo          RequirementKind = "combo"
)

// Requirement is the condition a challenge demands. The set of variants is
// closed: Count, RequiredVenues, MenuCombo and Combo.
type Requirement interface {
	Kind() RequirementKind

	// ActivityTypes lists the activity types whose arrival can move this
	// requirement. Combo returns nil; it moves on dependency completion.
	ActivityTypes() []activity.Type

	sealed()
}

// Count demands Target activities of one type.
type Count struct {
	ActivityType activity.Type
	Target       int
}

func (Count) Kind() RequirementKind { return KindCount }
func (r Count) ActivityTypes() []activity.Type {
	return []activity.Type{r.ActivityType}
}
func (Count) sealed() {}

// RequiredVenues demands at least one stamp at each listed venue.
type RequiredVenues struct {
	VenueIDs []string
}

func (RequiredVenues) Kind() RequirementKind { return KindRequiredVenues }
func (RequiredVenues) ActivityTypes() []activity.Type {
	return []activity.Type{activity.TypeCheckIn, activity.TypeScan}
}
func (RequiredVenues) sealed() {}

// MenuCombo demands RequiredCount distinct items out of Items, ordered in one
// or several visits.
type MenuCombo struct {
	Items         []string
	RequiredCount int
}

func (MenuCombo) Kind() RequirementKind { return KindMenuCombo }
func (MenuCombo) ActivityTypes() []activity.Type {
	return []activity.Type{activity.TypeMenuOrder}
}
func (MenuCombo) sealed() {}

// Combo demands completion of every listed challenge.
type Combo struct {
	ChallengeIDs []string
}

func (Combo) Kind() RequirementKind { return KindCombo }
func (Combo) ActivityTypes() []activity.Type { return nil }
func (Combo) sealed() {}

// EventWindow restricts qualifying activity to [Start, End]. A zero bound is open.
type EventWindow struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t lies inside the window.
func (w *EventWindow) Contains(t time.Time) bool {
	if w == nil {
		return true
	}
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && t.After(w.End) {
		return false
	}
	return true
}

// Bounds returns the window edges, zero values when unbounded.
func (w *EventWindow) Bounds() (time.Time, time.Time) {
	if w == nil {
		return time.Time{}, time.Time{}
	}
	return w.Start, w.End
}

// Challenge is a published challenge definition. The engine treats it as read-only.
type Challenge struct {
	ID          string
	Title       string
	Description string
	Requirement Requirement
	XPReward    int
	Reward      reward.Descriptor
	IsSpecial   bool
	EventType   string
	Window      *EventWindow
	PublishedAt time.Time
	UpdatedAt   time.Time
}

// Badge returns the badge granted on completion, if any.
func (c *Challenge) Badge() string {
	if c.Reward.Badge != "" {
		return c.Reward.Badge
	}
	if c.Reward.Kind == reward.KindBadge {
		return c.Reward.Value
	}
	return ""
}

// TriggeredBy reports whether an activity of type t can move this challenge.
func (c *Challenge) TriggeredBy(t activity.Type) bool {
	if c.Requirement == nil {
		return false
	}
	return slices.Contains(c.Requirement.ActivityTypes(), t)
}

// Dependencies returns the challenge IDs a combo depends on, or nil.
func (c *Challenge) Dependencies() []string {
	if combo, ok := c.Requirement.(Combo); ok {
		return combo.ChallengeIDs
	}
	return nil
}

// DependsOn reports whether the challenge is a combo that references id.
func (c *Challenge) DependsOn(id string) bool {
	return slices.Contains(c.Dependencies(), id)
}

// Target returns the static required count of the requirement, 0 when malformed.
func (c *Challenge) Target() int {
	switch r := c.Requirement.(type) {
	case Count:
		return r.Target
	case RequiredVenues:
		return len(r.VenueIDs)
	case MenuCombo:
		return r.RequiredCount
	case Combo:
		return len(r.ChallengeIDs)
	}
	return 0
}

// Normalize trims identifiers and lower-cases venue and menu references in
// place so evaluation and storage see canonical values.
func (c *Challenge) Normalize() {
	c.ID = strings.TrimSpace(c.ID)
	if c.Window != nil {
		c.Window.Start = c.Window.Start.UTC()
		c.Window.End = c.Window.End.UTC()
	}

	switch r := c.Requirement.(type) {
	case Count:
		r.ActivityType = activity.Type(strings.ToLower(strings.TrimSpace(string(r.ActivityType))))
		c.Requirement = r
	case RequiredVenues:
		r.VenueIDs = normalizeRefs(r.VenueIDs)
		c.Requirement = r
	case MenuCombo:
		r.Items = normalizeRefs(r.Items)
		c.Requirement = r
	case Combo:
		ids := make([]string, 0, len(r.ChallengeIDs))
		for _, id := range r.ChallengeIDs {
			ids = append(ids, strings.TrimSpace(id))
		}
		r.ChallengeIDs = ids
		c.Requirement = r
	}
}

// normalizeRefs normalizes external references keeping blanks and duplicates
// visible so that validation can report them.
func normalizeRefs(refs []string) []string {
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		out = append(out, strings.ToLower(strings.TrimSpace(ref)))
	}
	return out
}
