package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stamptrail/progression-engine/internal/application/saga"
	"github.com/stamptrail/progression-engine/internal/domain/progress"
	"github.com/stamptrail/progression-engine/internal/domain/shared"
	"github.com/stamptrail/progression-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// DISPENSE REWARD COMMAND
// Pays out completed challenges whose reward was deferred by an issuer or
// ledger failure. Running it twice for the same pair is harmless.
// ══════════════════════════════════════════════════════════════════════════════

// DispenseRewardCommand targets one (user, challenge) pair.
type DispenseRewardCommand struct {
	UserID      string `validate:"required"`
	ChallengeID string `validate:"required"`
}

// Validate validates the command.
func (c DispenseRewardCommand) Validate() error {
	if err := validate.Struct(c); err != nil {
		return shared.WrapError("reward", "Dispense", shared.ErrValidation, describeValidation(err), err)
	}
	return nil
}

// DispenseRewardResult contains the result of one dispense.
type DispenseRewardResult struct {
	UserID         string
	ChallengeID    string
	XPAwarded      int
	TotalXP        int
	Level          int
	AlreadyGranted bool
}

// DispensePendingResult summarises a batch run.
type DispensePendingResult struct {
	Found     int
	Dispensed int
	Failed    int
}

// DispenseRewardHandler handles the DispenseRewardCommand.
type DispenseRewardHandler struct {
	progressRepo progress.Repository
	flow         *saga.CompletionFlow
	clock        shared.Clock
	logger       *slog.Logger
}

// NewDispenseRewardHandler creates a new DispenseRewardHandler.
func NewDispenseRewardHandler(progressRepo progress.Repository, flow *saga.CompletionFlow, clock shared.Clock, log *slog.Logger) *DispenseRewardHandler {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &DispenseRewardHandler{
		progressRepo: progressRepo,
		flow:         flow,
		clock:        clock,
		logger:       log.With(logger.Component("dispense_reward")),
	}
}

// Handle dispenses the reward of one completed challenge.
func (h *DispenseRewardHandler) Handle(ctx context.Context, cmd DispenseRewardCommand) (*DispenseRewardResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	p, err := h.progressRepo.Get(ctx, cmd.UserID, cmd.ChallengeID)
	if err != nil {
		return nil, fmt.Errorf("dispense_reward: load progress: %w", err)
	}
	if !p.IsCompleted() {
		return nil, shared.ErrChallengeNotCompleted
	}

	result := &DispenseRewardResult{UserID: cmd.UserID, ChallengeID: cmd.ChallengeID}
	if !p.IsRewardPending() {
		result.AlreadyGranted = true
		return result, nil
	}

	dispensed, err := h.flow.RetryReward(ctx, p)
	if err != nil {
		if errors.Is(err, shared.ErrRewardAlreadyGranted) {
			result.AlreadyGranted = true
			return result, nil
		}
		return nil, err
	}

	result.AlreadyGranted = dispensed.AlreadyGranted
	result.XPAwarded = dispensed.XPAwarded
	if dispensed.Progression != nil {
		result.TotalXP = dispensed.Progression.XP
		result.Level = dispensed.Progression.Level()
	}
	return result, nil
}

// HandlePending retries rewards completed more than minAge ago. Each failure
// is logged and left for the next run.
func (h *DispenseRewardHandler) HandlePending(ctx context.Context, minAge time.Duration, limit int) (*DispensePendingResult, error) {
	pending, err := h.progressRepo.ListRewardPending(ctx, h.clock.Now().Add(-minAge), limit)
	if err != nil {
		return nil, fmt.Errorf("dispense_reward: list pending: %w", err)
	}

	result := &DispensePendingResult{Found: len(pending)}
	for _, p := range pending {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if _, err := h.flow.RetryReward(ctx, p); err != nil && !errors.Is(err, shared.ErrRewardAlreadyGranted) {
			result.Failed++
			h.logger.Warn("pending reward still failing",
				logger.UserID(p.UserID),
				logger.ChallengeID(p.ChallengeID),
				logger.Err(err),
			)
			continue
		}
		result.Dispensed++
	}
	return result, nil
}
