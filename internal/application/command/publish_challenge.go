package command

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stamptrail/progression-engine/internal/application/saga"
	"github.com/stamptrail/progression-engine/internal/domain/catalog"
	"github.com/stamptrail/progression-engine/internal/domain/challenge"
	"github.com/stamptrail/progression-engine/internal/domain/reward"
	"github.com/stamptrail/progression-engine/internal/domain/shared"
	"github.com/stamptrail/progression-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// PUBLISH CHALLENGE COMMAND
// Administrative write path for challenge definitions. The definition is
// stored even when it is invalid so operators can see and fix it, but an
// invalid challenge is flagged and never evaluated. A usable combo is
// backfilled for users whose dependencies completed before it existed.
// ══════════════════════════════════════════════════════════════════════════════

// PublishChallengeCommand contains a challenge definition to create or replace.
type PublishChallengeCommand struct {
	Challenge *challenge.Challenge `validate:"required"`
}

// Validate validates the command envelope. Requirement rules are checked by
// the handler so they can be recorded as a flag.
func (c PublishChallengeCommand) Validate() error {
	if err := validate.Struct(c); err != nil {
		return shared.WrapError("challenge", "Publish", shared.ErrValidation, describeValidation(err), err)
	}
	if c.Challenge.XPReward < 0 {
		return shared.NewDomainError("challenge", "Publish", shared.ErrValidation, "xp reward must not be negative")
	}
	switch c.Challenge.Reward.Kind {
	case reward.KindNone, reward.KindBadge, reward.KindVoucher, reward.KindPerk:
	default:
		return shared.NewDomainError("challenge", "Publish", shared.ErrValidation,
			fmt.Sprintf("unknown reward kind %q", c.Challenge.Reward.Kind))
	}
	return nil
}

// PublishChallengeResult reports whether the definition is usable.
type PublishChallengeResult struct {
	ChallengeID string
	Category    challenge.Category
	Flagged     bool
	FlagReason  string
	// Backfill is set for combos; nil when the backfill did not run.
	Backfill *saga.BackfillResult
}

// PublishChallengeHandler handles the PublishChallengeCommand.
type PublishChallengeHandler struct {
	challengeRepo  challenge.Repository
	catalog        catalog.Catalog
	classifier     *challenge.Classifier
	flow           *saga.CompletionFlow
	eventPublisher shared.EventPublisher
	clock          shared.Clock
	logger         *slog.Logger
}

// NewPublishChallengeHandler creates a new PublishChallengeHandler.
func NewPublishChallengeHandler(
	challengeRepo challenge.Repository,
	cat catalog.Catalog,
	classifier *challenge.Classifier,
	flow *saga.CompletionFlow,
	eventPublisher shared.EventPublisher,
	clock shared.Clock,
	log *slog.Logger,
) *PublishChallengeHandler {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	if classifier == nil {
		classifier = challenge.NewClassifier(log)
	}
	return &PublishChallengeHandler{
		challengeRepo:  challengeRepo,
		catalog:        cat,
		classifier:     classifier,
		flow:           flow,
		eventPublisher: eventPublisher,
		clock:          clock,
		logger:         log.With(logger.Component("publish_challenge")),
	}
}

// Handle stores the challenge, then flags or unflags it.
//
// A configuration problem returns an error matching shared.ErrConfiguration
// after the flag was written. A catalog outage returns a transient error and
// leaves the flag state alone.
func (h *PublishChallengeHandler) Handle(ctx context.Context, cmd PublishChallengeCommand) (*PublishChallengeResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	c := cmd.Challenge
	c.Normalize()
	now := h.clock.Now()
	if c.PublishedAt.IsZero() {
		c.PublishedAt = now
	}
	c.UpdatedAt = now

	result := &PublishChallengeResult{ChallengeID: c.ID, Category: h.classifier.Classify(c)}

	problem := challenge.Validate(c)
	if problem == nil {
		problem = challenge.ValidateReferences(ctx, c, h.catalog, h.challengeRepo)
	}
	if problem != nil && !shared.IsConfiguration(problem) {
		return nil, fmt.Errorf("publish_challenge: check references: %w", problem)
	}

	if err := h.challengeRepo.Save(ctx, c); err != nil {
		return nil, fmt.Errorf("publish_challenge: save: %w", err)
	}

	if problem != nil {
		result.Flagged = true
		result.FlagReason = challenge.FlagReason(problem)
		if err := h.challengeRepo.Flag(ctx, c.ID, result.FlagReason); err != nil {
			return nil, fmt.Errorf("publish_challenge: flag: %w", err)
		}
		h.logger.Warn("challenge published with configuration error",
			logger.ChallengeID(c.ID), "reason", result.FlagReason)
		h.publish(shared.NewChallengePublishedEvent(c.ID, true))
		h.publish(shared.NewChallengeMisconfiguredEvent(c.ID, result.FlagReason))
		return result, problem
	}

	if err := h.challengeRepo.Unflag(ctx, c.ID); err != nil {
		return nil, fmt.Errorf("publish_challenge: unflag: %w", err)
	}
	h.logger.Info("challenge published", logger.ChallengeID(c.ID), "category", result.Category)
	h.publish(shared.NewChallengePublishedEvent(c.ID, false))

	result.Backfill = h.backfill(ctx, c)
	return result, nil
}

// backfill brings a usable combo up to date for users who completed its
// dependencies earlier. Failures are logged; the reconcile job retries them.
func (h *PublishChallengeHandler) backfill(ctx context.Context, c *challenge.Challenge) *saga.BackfillResult {
	if h.flow == nil || len(c.Dependencies()) == 0 {
		return nil
	}
	res, err := h.flow.Backfill(ctx, c)
	if err != nil {
		h.logger.Warn("combo backfill incomplete", logger.ChallengeID(c.ID), logger.Err(err))
	}
	return res
}

// AuditResult summarises one configuration audit pass.
type AuditResult struct {
	Checked   int
	Flagged   []string
	Unflagged []string
	Duration  time.Duration
}

// Audit re-validates every stored challenge, flagging broken ones and
// clearing flags that no longer apply. Catalog outages abort the pass.
func (h *PublishChallengeHandler) Audit(ctx context.Context) (*AuditResult, error) {
	started := time.Now()
	result := &AuditResult{}

	active, err := h.challengeRepo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: list active: %w", err)
	}
	flags, err := h.challengeRepo.ListFlags(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: list flags: %w", err)
	}

	candidates := make([]*challenge.Challenge, 0, len(active)+len(flags))
	candidates = append(candidates, active...)
	for _, f := range flags {
		c, err := h.challengeRepo.Get(ctx, f.ChallengeID)
		if err != nil {
			if shared.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("audit: load %s: %w", f.ChallengeID, err)
		}
		candidates = append(candidates, c)
	}

	flagged := make(map[string]bool, len(flags))
	for _, f := range flags {
		flagged[f.ChallengeID] = true
	}

	for _, c := range candidates {
		result.Checked++
		problem := challenge.Validate(c)
		if problem == nil {
			problem = challenge.ValidateReferences(ctx, c, h.catalog, h.challengeRepo)
		}

		switch {
		case problem == nil && flagged[c.ID]:
			if err := h.challengeRepo.Unflag(ctx, c.ID); err != nil {
				return result, err
			}
			result.Unflagged = append(result.Unflagged, c.ID)
			h.publish(shared.NewChallengePublishedEvent(c.ID, false))
			h.backfill(ctx, c)
		case problem == nil:
		case shared.IsConfiguration(problem) && !flagged[c.ID]:
			reason := challenge.FlagReason(problem)
			if err := h.challengeRepo.Flag(ctx, c.ID, reason); err != nil {
				return result, err
			}
			result.Flagged = append(result.Flagged, c.ID)
			h.publish(shared.NewChallengePublishedEvent(c.ID, true))
			h.publish(shared.NewChallengeMisconfiguredEvent(c.ID, reason))
		case shared.IsConfiguration(problem):
		default:
			return result, fmt.Errorf("audit: check %s: %w", c.ID, problem)
		}
	}

	result.Duration = time.Since(started)
	return result, nil
}

func (h *PublishChallengeHandler) publish(event shared.Event) {
	if h.eventPublisher == nil {
		return
	}
	if err := h.eventPublisher.Publish(event); err != nil {
		h.logger.Warn("failed to publish event", "event_type", event.EventType(), logger.Err(err))
	}
}
