// Package activity contains the user activity records that challenges are
// evaluated against: venue check-ins, QR stamp scans, reviews and menu orders.
// This is a pure domain layer with no infrastructure dependencies.
package activity

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/stamptrail/progression-engine/internal/domain/shared"
)

// Type identifies what kind of thing the user did.
type Type string

const (
	TypeCheckIn   Type = "check_in"
	TypeScan      Type = "scan"
	TypeReview    Type = "review"
	TypeMenuOrder Type = "menu_order"
)

// AllTypes lists every supported activity type.
var AllTypes = []Type{TypeCheckIn, TypeScan, TypeReview, TypeMenuOrder}

// IsValid checks if the type is known.
func (t Type) IsValid() bool {
	return slices.Contains(AllTypes, t)
}

// IsStamp reports whether the activity proves a physical visit to a venue.
func (t Type) IsStamp() bool {
	return t == TypeCheckIn || t == TypeScan
}

// String returns the string representation of the type.
func (t Type) String() string {
	return string(t)
}

// ParseType parses a raw activity type.
func ParseType(raw string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(raw)))
	if !t.IsValid() {
		return "", shared.WrapError("activity", "ParseType", shared.ErrInvalidInput,
			fmt.Sprintf("unknown activity type %q", raw), shared.ErrUnknownActivityType)
	}
	return t, nil
}

// Activity is one append-only record of something a user did. Activities are
// immutable once stored; the ID makes ingestion idempotent.
type Activity struct {
	ID         string
	UserID     string
	Type       Type
	VenueID    string   // set for check-ins, scans, reviews, and orders placed at a venue
	MenuItems  []string // normalized menu item identifiers for orders
	OccurredAt time.Time
	RecordedAt time.Time
}

// New validates and builds an activity. Venue and menu references are normalized.
func New(id, userID string, t Type, venueID string, menuItems []string, occurredAt time.Time) (*Activity, error) {
	if strings.TrimSpace(id) == "" {
		return nil, shared.NewDomainError("activity", "New", shared.ErrInvalidID, "activity ID is required")
	}
	if strings.TrimSpace(userID) == "" {
		return nil, shared.NewDomainError("activity", "New", shared.ErrInvalidID, "user ID is required")
	}
	if !t.IsValid() {
		return nil, shared.ErrUnknownActivityType
	}
	if occurredAt.IsZero() {
		return nil, shared.NewDomainError("activity", "New", shared.ErrInvalidInput, "occurred_at is required")
	}

	venue := shared.NormalizeRef(venueID)
	if t.IsStamp() && venue == "" {
		return nil, shared.NewDomainError("activity", "New", shared.ErrInvalidInput,
			fmt.Sprintf("%s requires a venue", t))
	}

	items := NormalizeItems(menuItems)
	if t == TypeMenuOrder && len(items) == 0 {
		return nil, shared.NewDomainError("activity", "New", shared.ErrInvalidInput,
			"menu order requires at least one item")
	}

	return &Activity{
		ID:         strings.TrimSpace(id),
		UserID:     strings.TrimSpace(userID),
		Type:       t,
		VenueID:    venue,
		MenuItems:  items,
		OccurredAt: occurredAt.UTC(),
	}, nil
}

// Within reports whether the activity happened inside [from, to]. Zero bounds are open.
func (a *Activity) Within(from, to time.Time) bool {
	if !from.IsZero() && a.OccurredAt.Before(from) {
		return false
	}
	if !to.IsZero() && a.OccurredAt.After(to) {
		return false
	}
	return true
}

// NormalizeItems trims, lower-cases and de-duplicates menu item identifiers,
// dropping blanks. Order of first appearance is kept.
func NormalizeItems(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		n := shared.NormalizeRef(item)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
