package eventhandler

import (
	"context"
	"log/slog"

	"github.com/stamptrail/progression-engine/internal/domain/shared"
)

// ViewFlusher drops every cached challenge listing.
type ViewFlusher interface {
	InvalidateAll(ctx context.Context) error
}

// OnChallengesChangedHandler flushes all cached listings when a definition
// is published or flagged, since every user's listing embeds definitions.
type OnChallengesChangedHandler struct {
	cache  ViewFlusher
	logger *slog.Logger
}

// NewOnChallengesChangedHandler creates the handler.
func NewOnChallengesChangedHandler(cache ViewFlusher, log *slog.Logger) *OnChallengesChangedHandler {
	if log == nil {
		log = slog.Default()
	}
	return &OnChallengesChangedHandler{cache: cache, logger: log.With("handler", "on_challenges_changed")}
}

// EventTypes returns the events that invalidate every listing.
func (h *OnChallengesChangedHandler) EventTypes() []shared.EventType {
	return []shared.EventType{
		shared.EventChallengePublished,
		shared.EventChallengeMisconfigured,
	}
}

// Handle implements shared.EventHandler.
func (h *OnChallengesChangedHandler) Handle(event shared.Event) error {
	if err := h.cache.InvalidateAll(context.Background()); err != nil {
		h.logger.Warn("failed to flush challenge listings",
			"event_type", event.EventType(),
			"challenge_id", shared.PayloadString(event, "challenge_id"),
			"error", err,
		)
		return err
	}
	return nil
}
