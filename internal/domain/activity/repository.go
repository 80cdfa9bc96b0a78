package activity

import (
	"context"
	"time"
)

// Filter narrows a user's activity history.
type Filter struct {
	Types []Type
	From  time.Time // zero means unbounded
	To    time.Time // zero means unbounded
}

// Repository defines the interface for activity persistence.
// This interface is implemented by the infrastructure layer.
type Repository interface {
	// Append stores an activity. It returns false without error when an
	// activity with the same ID already exists.
	Append(ctx context.Context, a *Activity) (bool, error)

	// Get returns a single activity by ID.
	Get(ctx context.Context, id string) (*Activity, error)

	// ListByUser returns a user's activities matching the filter, oldest first.
	ListByUser(ctx context.Context, userID string, filter Filter) ([]*Activity, error)
}

// ParkingLot stores activities awaiting reprocessing.
type ParkingLot interface {
	// Park stores a parked record. Parking the same activity twice keeps one row.
	Park(ctx context.Context, p *Parked) error

	// ListDue returns records whose next attempt is at or before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Parked, error)

	// Reschedule persists the attempt count and next attempt time.
	Reschedule(ctx context.Context, p *Parked) error

	// Resolve removes a record after successful reprocessing.
	Resolve(ctx context.Context, id string) error
}
