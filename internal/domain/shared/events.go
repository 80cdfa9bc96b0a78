package shared

import (
	"encoding/json"
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types. ChallengeCompleted is the one the engine itself reacts
// to (combo re-evaluation); the rest are for downstream consumers.
const (
	// Activity events
	EventActivityRecorded EventType = "activity.recorded"
	EventActivityParked   EventType = "activity.parked"

	// Challenge events
	EventChallengeProgressed    EventType = "challenge.progressed"
	EventChallengeCompleted     EventType = "challenge.completed"
	EventChallengeMisconfigured EventType = "challenge.misconfigured"
	EventChallengePublished     EventType = "challenge.published"

	// Progression events
	EventRewardGranted EventType = "progression.reward_granted"
	EventRewardPending EventType = "progression.reward_pending"
	EventLevelUp       EventType = "progression.level_up"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event stamped in UTC.
func NewBaseEvent(eventType EventType, aggregateID string) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		AggregateId: aggregateID,
		Version:     1,
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ProgressKey is the aggregate ID of per-user challenge progress.
func ProgressKey(userID, challengeID string) string {
	return userID + ":" + challengeID
}

// ═══════════════════════════════════════════════════════════════════════════
// Activity Events
// ═══════════════════════════════════════════════════════════════════════════

// ActivityRecordedEvent is emitted once per newly stored activity.
type ActivityRecordedEvent struct {
	BaseEvent
	UserID       string `json:"user_id"`
	ActivityID   string `json:"activity_id"`
	ActivityType string `json:"activity_type"`
}

// Payload implements Event interface.
func (e ActivityRecordedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":       e.UserID,
		"activity_id":   e.ActivityID,
		"activity_type": e.ActivityType,
	}
}

// NewActivityRecordedEvent creates a new ActivityRecordedEvent.
func NewActivityRecordedEvent(userID, activityID, activityType string) ActivityRecordedEvent {
	return ActivityRecordedEvent{
		BaseEvent:    NewBaseEvent(EventActivityRecorded, userID),
		UserID:       userID,
		ActivityID:   activityID,
		ActivityType: activityType,
	}
}

// ActivityParkedEvent is emitted when an activity could not be evaluated
// because a dependency was unavailable.
type ActivityParkedEvent struct {
	BaseEvent
	UserID     string `json:"user_id"`
	ActivityID string `json:"activity_id"`
	Reason     string `json:"reason"`
}

// Payload implements Event interface.
func (e ActivityParkedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":     e.UserID,
		"activity_id": e.ActivityID,
		"reason":      e.Reason,
	}
}

// NewActivityParkedEvent creates a new ActivityParkedEvent.
func NewActivityParkedEvent(userID, activityID, reason string) ActivityParkedEvent {
	return ActivityParkedEvent{
		BaseEvent:  NewBaseEvent(EventActivityParked, userID),
		UserID:     userID,
		ActivityID: activityID,
		Reason:     reason,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Challenge Events
// ═══════════════════════════════════════════════════════════════════════════

// ChallengeProgressedEvent is emitted when a progress row changes.
type ChallengeProgressedEvent struct {
	BaseEvent
	UserID      string `json:"user_id"`
	ChallengeID string `json:"challenge_id"`
	Current     int    `json:"current"`
	Required    int    `json:"required"`
	Percentage  int    `json:"percentage"`
}

// Payload implements Event interface.
func (e ChallengeProgressedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":      e.UserID,
		"challenge_id": e.ChallengeID,
		"current":      e.Current,
		"required":     e.Required,
		"percentage":   e.Percentage,
	}
}

// NewChallengeProgressedEvent creates a new ChallengeProgressedEvent.
func NewChallengeProgressedEvent(userID, challengeID string, current, required, percentage int) ChallengeProgressedEvent {
	return ChallengeProgressedEvent{
		BaseEvent:   NewBaseEvent(EventChallengeProgressed, ProgressKey(userID, challengeID)),
		UserID:      userID,
		ChallengeID: challengeID,
		Current:     current,
		Required:    required,
		Percentage:  percentage,
	}
}

// ChallengeCompletedEvent is emitted exactly once per (user, challenge), after
// the completing write has committed.
type ChallengeCompletedEvent struct {
	BaseEvent
	UserID      string    `json:"user_id"`
	ChallengeID string    `json:"challenge_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// Payload implements Event interface.
func (e ChallengeCompletedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":      e.UserID,
		"challenge_id": e.ChallengeID,
		"completed_at": e.CompletedAt.Format(time.RFC3339Nano),
	}
}

// NewChallengeCompletedEvent creates a new ChallengeCompletedEvent.
func NewChallengeCompletedEvent(userID, challengeID string, completedAt time.Time) ChallengeCompletedEvent {
	return ChallengeCompletedEvent{
		BaseEvent:   NewBaseEvent(EventChallengeCompleted, ProgressKey(userID, challengeID)),
		UserID:      userID,
		ChallengeID: challengeID,
		CompletedAt: completedAt.UTC(),
	}
}

// ChallengeMisconfiguredEvent is emitted when a challenge is flagged and
// excluded from evaluation.
type ChallengeMisconfiguredEvent struct {
	BaseEvent
	ChallengeID string `json:"challenge_id"`
	Reason      string `json:"reason"`
}

// Payload implements Event interface.
func (e ChallengeMisconfiguredEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"challenge_id": e.ChallengeID,
		"reason":       e.Reason,
	}
}

// NewChallengeMisconfiguredEvent creates a new ChallengeMisconfiguredEvent.
func NewChallengeMisconfiguredEvent(challengeID, reason string) ChallengeMisconfiguredEvent {
	return ChallengeMisconfiguredEvent{
		BaseEvent:   NewBaseEvent(EventChallengeMisconfigured, challengeID),
		ChallengeID: challengeID,
		Reason:      reason,
	}
}

// ChallengePublishedEvent is emitted when a definition is stored or its flag
// state changes. Listings that embed challenge definitions are stale after it.
type ChallengePublishedEvent struct {
	BaseEvent
	ChallengeID string `json:"challenge_id"`
	Flagged     bool   `json:"flagged"`
}

// Payload implements Event interface.
func (e ChallengePublishedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"challenge_id": e.ChallengeID,
		"flagged":      e.Flagged,
	}
}

// NewChallengePublishedEvent creates a new ChallengePublishedEvent.
func NewChallengePublishedEvent(challengeID string, flagged bool) ChallengePublishedEvent {
	return ChallengePublishedEvent{
		BaseEvent:   NewBaseEvent(EventChallengePublished, challengeID),
		ChallengeID: challengeID,
		Flagged:     flagged,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Progression Events
// ═══════════════════════════════════════════════════════════════════════════

// RewardGrantedEvent is emitted after XP, badge and audit row are committed.
type RewardGrantedEvent struct {
	BaseEvent
	UserID      string `json:"user_id"`
	ChallengeID string `json:"challenge_id"`
	XPAwarded   int    `json:"xp_awarded"`
	TotalXP     int    `json:"total_xp"`
	Badge       string `json:"badge,omitempty"`
}

// Payload implements Event interface.
func (e RewardGrantedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":      e.UserID,
		"challenge_id": e.ChallengeID,
		"xp_awarded":   e.XPAwarded,
		"total_xp":     e.TotalXP,
		"badge":        e.Badge,
	}
}

// NewRewardGrantedEvent creates a new RewardGrantedEvent.
func NewRewardGrantedEvent(userID, challengeID string, xpAwarded, totalXP int, badge string) RewardGrantedEvent {
	return RewardGrantedEvent{
		BaseEvent:   NewBaseEvent(EventRewardGranted, userID),
		UserID:      userID,
		ChallengeID: challengeID,
		XPAwarded:   xpAwarded,
		TotalXP:     totalXP,
		Badge:       badge,
	}
}

// RewardPendingEvent is emitted when a completed challenge could not be
// rewarded yet. The pending-reward job picks it up later.
type RewardPendingEvent struct {
	BaseEvent
	UserID      string `json:"user_id"`
	ChallengeID string `json:"challenge_id"`
	Reason      string `json:"reason"`
}

// Payload implements Event interface.
func (e RewardPendingEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":      e.UserID,
		"challenge_id": e.ChallengeID,
		"reason":       e.Reason,
	}
}

// NewRewardPendingEvent creates a new RewardPendingEvent.
func NewRewardPendingEvent(userID, challengeID, reason string) RewardPendingEvent {
	return RewardPendingEvent{
		BaseEvent:   NewBaseEvent(EventRewardPending, ProgressKey(userID, challengeID)),
		UserID:      userID,
		ChallengeID: challengeID,
		Reason:      reason,
	}
}

// LevelUpEvent is emitted when a reward pushes the derived level up.
type LevelUpEvent struct {
	BaseEvent
	UserID   string `json:"user_id"`
	OldLevel int    `json:"old_level"`
	NewLevel int    `json:"new_level"`
	TotalXP  int    `json:"total_xp"`
}

// Payload implements Event interface.
func (e LevelUpEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":   e.UserID,
		"old_level": e.OldLevel,
		"new_level": e.NewLevel,
		"total_xp":  e.TotalXP,
	}
}

// NewLevelUpEvent creates a new LevelUpEvent.
func NewLevelUpEvent(userID string, oldLevel, newLevel, totalXP int) LevelUpEvent {
	return LevelUpEvent{
		BaseEvent: NewBaseEvent(EventLevelUp, userID),
		UserID:    userID,
		OldLevel:  oldLevel,
		NewLevel:  newLevel,
		TotalXP:   totalXP,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Event Envelope (for serialization and transport)
// ═══════════════════════════════════════════════════════════════════════════

// EventEnvelope wraps an event for transport/storage.
type EventEnvelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// PayloadString reads a string field from an event payload. Handlers use it
// so they work the same for in-process events and ones rebuilt from transport.
func PayloadString(e Event, key string) string {
	v, ok := e.Payload()[key]
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
