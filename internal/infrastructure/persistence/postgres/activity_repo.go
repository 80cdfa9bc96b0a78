package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/stamptrail/progression-engine/internal/domain/activity"
	"github.com/stamptrail/progression-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ACTIVITY REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// ActivityRepository implements activity.Repository using PostgreSQL.
type ActivityRepository struct {
	conn *Connection
}

var _ activity.Repository = (*ActivityRepository)(nil)

// NewActivityRepository creates a new ActivityRepository.
func NewActivityRepository(conn *Connection) *ActivityRepository {
	return &ActivityRepository{conn: conn}
}

const activityColumns = `id, user_id, type, venue_id, menu_items, occurred_at, recorded_at`

// Append stores an activity; a duplicate ID is reported as (false, nil).
func (r *ActivityRepository) Append(ctx context.Context, a *activity.Activity) (bool, error) {
	recordedAt := a.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	items := a.MenuItems
	if items == nil {
		items = []string{}
	}

	tag, err := r.conn.Exec(ctx, `
		INSERT INTO activities (`+activityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, a.ID, a.UserID, string(a.Type), a.VenueID, items, a.OccurredAt.UTC(), recordedAt)
	if err != nil {
		return false, wrapErr("activity", "Append", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get returns a single activity by ID.
func (r *ActivityRepository) Get(ctx context.Context, id string) (*activity.Activity, error) {
	row := r.conn.QueryRow(ctx, `SELECT `+activityColumns+` FROM activities WHERE id = $1`, id)
	a, err := scanActivity(row)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.NewDomainError("activity", "Get", shared.ErrNotFound, "activity not found")
		}
		return nil, wrapErr("activity", "Get", err)
	}
	return a, nil
}

// ListByUser returns a user's activities matching the filter, oldest first.
func (r *ActivityRepository) ListByUser(ctx context.Context, userID string, filter activity.Filter) ([]*activity.Activity, error) {
	var types []string
	for _, t := range filter.Types {
		types = append(types, string(t))
	}
	var from, to *time.Time
	if !filter.From.IsZero() {
		f := filter.From.UTC()
		from = &f
	}
	if !filter.To.IsZero() {
		t := filter.To.UTC()
		to = &t
	}

	rows, err := r.conn.Query(ctx, `
		SELECT `+activityColumns+`
		FROM activities
		WHERE user_id = $1
		  AND (cardinality($2::text[]) = 0 OR type = ANY($2))
		  AND ($3::timestamptz IS NULL OR occurred_at >= $3)
		  AND ($4::timestamptz IS NULL OR occurred_at <= $4)
		ORDER BY occurred_at, recorded_at
	`, userID, types, from, to)
	if err != nil {
		return nil, wrapErr("activity", "ListByUser", err)
	}
	defer rows.Close()

	result := make([]*activity.Activity, 0)
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, wrapErr("activity", "ListByUser", err)
		}
		result = append(result, a)
	}
	return result, wrapErr("activity", "ListByUser", rows.Err())
}

func scanActivity(row pgx.Row) (*activity.Activity, error) {
	var (
		a   activity.Activity
		typ string
	)
	if err := row.Scan(&a.ID, &a.UserID, &typ, &a.VenueID, &a.MenuItems, &a.OccurredAt, &a.RecordedAt); err != nil {
		return nil, err
	}
	a.Type = activity.Type(typ)
	if len(a.MenuItems) == 0 {
		a.MenuItems = nil
	}
	a.OccurredAt = a.OccurredAt.UTC()
	a.RecordedAt = a.RecordedAt.UTC()
	return &a, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// PARKING LOT IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// ParkingLot implements activity.ParkingLot using PostgreSQL.
type ParkingLot struct {
	conn *Connection
}

var _ activity.ParkingLot = (*ParkingLot)(nil)

// NewParkingLot creates a new ParkingLot.
func NewParkingLot(conn *Connection) *ParkingLot {
	return &ParkingLot{conn: conn}
}

// Park stores a parked record. Parking an already parked activity only
// refreshes the reason and keeps its schedule.
func (l *ParkingLot) Park(ctx context.Context, p *activity.Parked) error {
	_, err := l.conn.Exec(ctx, `
		INSERT INTO parked_activities (id, activity_id, user_id, reason, attempts, parked_at, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (activity_id) DO UPDATE SET reason = EXCLUDED.reason
	`, p.ID, p.ActivityID, p.UserID, p.Reason, p.Attempts, p.ParkedAt.UTC(), p.NextAttemptAt.UTC())
	return wrapErr("activity", "Park", err)
}

// ListDue returns records whose next attempt is at or before now, earliest first.
func (l *ParkingLot) ListDue(ctx context.Context, now time.Time, limit int) ([]*activity.Parked, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.conn.Query(ctx, `
		SELECT id, activity_id, user_id, reason, attempts, parked_at, next_attempt_at
		FROM parked_activities
		WHERE next_attempt_at <= $1
		ORDER BY next_attempt_at
		LIMIT $2
	`, now.UTC(), limit)
	if err != nil {
		return nil, wrapErr("activity", "ListDue", err)
	}
	defer rows.Close()

	due := make([]*activity.Parked, 0)
	for rows.Next() {
		var p activity.Parked
		if err := rows.Scan(&p.ID, &p.ActivityID, &p.UserID, &p.Reason, &p.Attempts, &p.ParkedAt, &p.NextAttemptAt); err != nil {
			return nil, wrapErr("activity", "ListDue", err)
		}
		p.ParkedAt = p.ParkedAt.UTC()
		p.NextAttemptAt = p.NextAttemptAt.UTC()
		due = append(due, &p)
	}
	return due, wrapErr("activity", "ListDue", rows.Err())
}

// Reschedule persists the attempt count and next attempt time.
func (l *ParkingLot) Reschedule(ctx context.Context, p *activity.Parked) error {
	tag, err := l.conn.Exec(ctx, `
		UPDATE parked_activities
		SET attempts = $2, reason = $3, next_attempt_at = $4
		WHERE id = $1
	`, p.ID, p.Attempts, p.Reason, p.NextAttemptAt.UTC())
	if err != nil {
		return wrapErr("activity", "Reschedule", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.NewDomainError("activity", "Reschedule", shared.ErrNotFound, "parked activity not found")
	}
	return nil
}

// Resolve removes a record after successful reprocessing.
func (l *ParkingLot) Resolve(ctx context.Context, id string) error {
	_, err := l.conn.Exec(ctx, `DELETE FROM parked_activities WHERE id = $1`, id)
	return wrapErr("activity", "Resolve", err)
}
