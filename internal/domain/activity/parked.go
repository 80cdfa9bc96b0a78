package activity

import (
	"time"
)

// Parked is an activity whose evaluation failed on a transient dependency.
// The activity itself is already stored; only its evaluation is deferred.
type Parked struct {
	ID            string
	ActivityID    string
	UserID        string
	Reason        string
	Attempts      int
	ParkedAt      time.Time
	NextAttemptAt time.Time
}

// Parking backoff bounds.
const (
	parkBaseDelay = 30 * time.Second
	parkMaxDelay  = 30 * time.Minute
)

// NewParked creates a parked record due for its first retry after the base delay.
func NewParked(id string, a *Activity, reason string, now time.Time) *Parked {
	return &Parked{
		ID:            id,
		ActivityID:    a.ID,
		UserID:        a.UserID,
		Reason:        reason,
		ParkedAt:      now.UTC(),
		NextAttemptAt: now.UTC().Add(parkBaseDelay),
	}
}

// Backoff records a failed reprocessing attempt and schedules the next one.
func (p *Parked) Backoff(reason string, now time.Time) {
	p.Attempts++
	p.Reason = reason

	delay := parkBaseDelay << min(p.Attempts, 6)
	if delay > parkMaxDelay {
		delay = parkMaxDelay
	}
	p.NextAttemptAt = now.UTC().Add(delay)
}

// IsDue reports whether the record should be retried at now.
func (p *Parked) IsDue(now time.Time) bool {
	return !now.Before(p.NextAttemptAt)
}
