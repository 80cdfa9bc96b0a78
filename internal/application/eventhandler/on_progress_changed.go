package eventhandler

import (
	"context"
	"log/slog"

	"github.com/stamptrail/progression-engine/internal/application/query"
	"github.com/stamptrail/progression-engine/internal/domain/shared"
)

// OnProgressChangedHandler drops a user's cached challenge listing whenever
// their progress or rewards change.
type OnProgressChangedHandler struct {
	cache  query.ChallengeViewCache
	logger *slog.Logger
}

// NewOnProgressChangedHandler creates the handler.
func NewOnProgressChangedHandler(cache query.ChallengeViewCache, log *slog.Logger) *OnProgressChangedHandler {
	if log == nil {
		log = slog.Default()
	}
	return &OnProgressChangedHandler{cache: cache, logger: log.With("handler", "on_progress_changed")}
}

// EventTypes returns the events that invalidate the listing.
func (h *OnProgressChangedHandler) EventTypes() []shared.EventType {
	return []shared.EventType{
		shared.EventChallengeProgressed,
		shared.EventRewardGranted,
	}
}

// Handle implements shared.EventHandler.
func (h *OnProgressChangedHandler) Handle(event shared.Event) error {
	userID := shared.PayloadString(event, "user_id")
	if userID == "" {
		h.logger.Warn("event without user_id", "event_type", event.EventType())
		return nil
	}
	return h.cache.Invalidate(context.Background(), userID)
}
