package postgres

import (
	"context"

	"github.com/stamptrail/progression-engine/internal/domain/catalog"
	"github.com/stamptrail/progression-engine/internal/domain/shared"
)

// CatalogRepository implements catalog.Store for PostgreSQL. Identifiers are
// stored normalized so lookups match challenge references.
type CatalogRepository struct {
	conn *Connection
}

var _ catalog.Store = (*CatalogRepository)(nil)

// NewCatalogRepository creates a new CatalogRepository.
func NewCatalogRepository(conn *Connection) *CatalogRepository {
	return &CatalogRepository{conn: conn}
}

// VenueExists reports whether the venue is in the catalog.
func (r *CatalogRepository) VenueExists(ctx context.Context, venueID string) (bool, error) {
	return r.exists(ctx, "VenueExists", `SELECT EXISTS (SELECT 1 FROM venues WHERE id = $1)`, venueID)
}

// MenuItemExists reports whether the menu item is in the catalog.
func (r *CatalogRepository) MenuItemExists(ctx context.Context, itemID string) (bool, error) {
	return r.exists(ctx, "MenuItemExists", `SELECT EXISTS (SELECT 1 FROM menu_items WHERE id = $1)`, itemID)
}

func (r *CatalogRepository) exists(ctx context.Context, op, query, id string) (bool, error) {
	var ok bool
	if err := r.conn.QueryRow(ctx, query, shared.NormalizeRef(id)).Scan(&ok); err != nil {
		// Every catalog failure is transient from the engine's point of view.
		return false, shared.WrapError("catalog", op, shared.ErrTransientDependency, "catalog lookup failed", err)
	}
	return ok, nil
}

// UpsertVenue creates or updates a venue.
func (r *CatalogRepository) UpsertVenue(ctx context.Context, v catalog.Venue) error {
	_, err := r.conn.Exec(ctx, `
		INSERT INTO venues (id, name, city, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, city = EXCLUDED.city, updated_at = NOW()
	`, shared.NormalizeRef(v.ID), v.Name, v.City)
	return wrapErr("catalog", "UpsertVenue", err)
}

// UpsertMenuItem creates or updates a menu item.
func (r *CatalogRepository) UpsertMenuItem(ctx context.Context, item catalog.MenuItem) error {
	_, err := r.conn.Exec(ctx, `
		INSERT INTO menu_items (id, venue_id, name, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET venue_id = EXCLUDED.venue_id, name = EXCLUDED.name, updated_at = NOW()
	`, shared.NormalizeRef(item.ID), shared.NormalizeRef(item.VenueID), item.Name)
	return wrapErr("catalog", "UpsertMenuItem", err)
}
