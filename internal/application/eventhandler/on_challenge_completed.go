// Package eventhandler contains reactions to domain events.
package eventhandler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/stamptrail/progression-engine/internal/application/saga"
	"github.com/stamptrail/progression-engine/internal/domain/challenge"
	"github.com/stamptrail/progression-engine/internal/domain/shared"
	"github.com/stamptrail/progression-engine/pkg/logger"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON CHALLENGE COMPLETED HANDLER
// Re-evaluates every combo challenge that references the completed one.
// The event is published after the completion commit, so the combo sees
// the dependency as completed.
// ═══════════════════════════════════════════════════════════════════════════

// OnChallengeCompletedHandler re-evaluates dependent combos.
type OnChallengeCompletedHandler struct {
	challengeRepo challenge.Repository
	flow          *saga.CompletionFlow
	logger        *slog.Logger
}

// NewOnChallengeCompletedHandler creates the handler.
func NewOnChallengeCompletedHandler(challengeRepo challenge.Repository, flow *saga.CompletionFlow, log *slog.Logger) *OnChallengeCompletedHandler {
	if log == nil {
		log = slog.Default()
	}
	return &OnChallengeCompletedHandler{
		challengeRepo: challengeRepo,
		flow:          flow,
		logger:        log.With("handler", "on_challenge_completed"),
	}
}

// EventType returns the event this handler subscribes to.
func (h *OnChallengeCompletedHandler) EventType() shared.EventType {
	return shared.EventChallengeCompleted
}

// Handle implements shared.EventHandler. It reads the payload so events
// rebuilt from the Redis bus work the same as local ones.
func (h *OnChallengeCompletedHandler) Handle(event shared.Event) error {
	ctx := context.Background()

	userID := shared.PayloadString(event, "user_id")
	challengeID := shared.PayloadString(event, "challenge_id")
	if userID == "" || challengeID == "" {
		h.logger.Warn("completion event without user or challenge",
			"event_type", event.EventType(),
			"aggregate_id", event.AggregateID(),
		)
		return nil
	}

	dependents, err := h.challengeRepo.ListDependents(ctx, challengeID)
	if err != nil {
		return err
	}

	var errs []error
	for _, combo := range dependents {
		res, err := h.flow.Execute(ctx, userID, combo)
		if err != nil {
			// Misconfigured combos were flagged by the flow.
			if !shared.IsConfiguration(err) {
				errs = append(errs, err)
			}
			continue
		}
		h.logger.Debug("combo re-evaluated",
			logger.UserID(userID),
			logger.ChallengeID(combo.ID),
			"dependency", challengeID,
			"percentage", res.Progress.Percentage,
		)
	}

	return errors.Join(errs...)
}
