// Package catalog describes the venue and menu catalogs that challenge
// definitions reference. The engine only reads them to reject dangling references.
package catalog

import (
	"context"
)

// Catalog answers existence questions about venues and menu items.
// Implementations return an error wrapping shared.ErrTransientDependency when
// the backing store cannot be reached; a missing reference is (false, nil).
type Catalog interface {
	VenueExists(ctx context.Context, venueID string) (bool, error)
	MenuItemExists(ctx context.Context, itemID string) (bool, error)
}

// Venue is a place users can check in at.
type Venue struct {
	ID   string
	Name string
	City string
}

// MenuItem is an orderable item on a venue's menu.
type MenuItem struct {
	ID      string
	VenueID string
	Name    string
}

// Store is the writable side of the catalog, used by seeding and admin tooling.
type Store interface {
	Catalog
	UpsertVenue(ctx context.Context, v Venue) error
	UpsertMenuItem(ctx context.Context, item MenuItem) error
}
