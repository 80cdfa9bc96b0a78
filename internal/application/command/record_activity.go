// Package command contains write operations (CQRS - Commands).
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/stamptrail/progression-engine/internal/application/saga"
	"github.com/stamptrail/progression-engine/internal/domain/activity"
	"github.com/stamptrail/progression-engine/internal/domain/challenge"
	"github.com/stamptrail/progression-engine/internal/domain/progress"
	"github.com/stamptrail/progression-engine/internal/domain/shared"
	"github.com/stamptrail/progression-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECORD ACTIVITY COMMAND
// Appends a user activity (check-in, scan, review, menu order) to the log and
// re-evaluates every challenge the activity type can move. Progress for the
// activity is all-or-nothing: every triggered challenge is evaluated before
// any row is written, and if one evaluation hits a dependency outage the
// activity is parked and nothing is committed for it.
// ══════════════════════════════════════════════════════════════════════════════

var validate = validator.New(validator.WithRequiredStructEnabled())

// RecordActivityCommand contains the data to record an activity.
type RecordActivityCommand struct {
	// ActivityID makes ingestion idempotent. Generated when empty.
	ActivityID string `validate:"omitempty,max=128"`

	UserID string `validate:"required,max=128"`

	Type string `validate:"required,oneof=check_in scan review menu_order"`

	// VenueID is required for check-ins and scans.
	VenueID string `validate:"required_if=Type check_in,required_if=Type scan,max=128"`

	// MenuItems is required for menu orders.
	MenuItems []string `validate:"required_if=Type menu_order,dive,required,max=128"`

	// OccurredAt defaults to now.
	OccurredAt time.Time
}

// Validate validates the command.
func (c RecordActivityCommand) Validate() error {
	if err := validate.Struct(c); err != nil {
		return shared.WrapError("activity", "Record", shared.ErrValidation, describeValidation(err), err)
	}
	return nil
}

// ChallengeOutcome is what recording the activity did to one challenge.
type ChallengeOutcome struct {
	ChallengeID string
	Percentage  int
	Changed     bool
	Completed   bool
	XPAwarded   int
	// RewardPending is set when the challenge completed but payout was deferred.
	RewardPending bool
}

// RecordActivityResult contains the result of recording an activity.
type RecordActivityResult struct {
	ActivityID string
	UserID     string

	// Duplicate is set when the activity ID had already been recorded.
	Duplicate bool

	Outcomes []ChallengeOutcome

	// Skipped lists misconfigured challenges that were flagged instead of evaluated.
	Skipped []string

	RecordedAt time.Time
}

// CompletedChallenges returns the IDs completed by this activity.
func (r *RecordActivityResult) CompletedChallenges() []string {
	var ids []string
	for _, o := range r.Outcomes {
		if o.Completed {
			ids = append(ids, o.ChallengeID)
		}
	}
	return ids
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// RecordActivityHandler handles the RecordActivityCommand.
type RecordActivityHandler struct {
	activityRepo   activity.Repository
	parking        activity.ParkingLot
	challengeRepo  challenge.Repository
	flow           *saga.CompletionFlow
	eventPublisher shared.EventPublisher
	clock          shared.Clock
	logger         *slog.Logger

	preflightConcurrency int
}

// RecordActivityHandlerConfig contains configuration for the handler.
type RecordActivityHandlerConfig struct {
	// PreflightConcurrency bounds parallel evaluations per activity.
	PreflightConcurrency int
}

// DefaultRecordActivityHandlerConfig returns default configuration.
func DefaultRecordActivityHandlerConfig() RecordActivityHandlerConfig {
	return RecordActivityHandlerConfig{
		PreflightConcurrency: 8,
	}
}

// NewRecordActivityHandler creates a new RecordActivityHandler.
func NewRecordActivityHandler(
	activityRepo activity.Repository,
	parking activity.ParkingLot,
	challengeRepo challenge.Repository,
	flow *saga.CompletionFlow,
	eventPublisher shared.EventPublisher,
	clock shared.Clock,
	config RecordActivityHandlerConfig,
	log *slog.Logger,
) *RecordActivityHandler {
	if config.PreflightConcurrency <= 0 {
		config = DefaultRecordActivityHandlerConfig()
	}
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if log == nil {
		log = slog.Default()
	}

	return &RecordActivityHandler{
		activityRepo:         activityRepo,
		parking:              parking,
		challengeRepo:        challengeRepo,
		flow:                 flow,
		eventPublisher:       eventPublisher,
		clock:                clock,
		logger:               log.With(logger.Component("record_activity")),
		preflightConcurrency: config.PreflightConcurrency,
	}
}

// Handle executes the record activity command.
//
// A dependency outage returns an error matching shared.ErrTryAgainLater
// after the activity was stored and parked; the reprocessing job finishes it.
func (h *RecordActivityHandler) Handle(ctx context.Context, cmd RecordActivityCommand) (*RecordActivityResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	id := strings.TrimSpace(cmd.ActivityID)
	if id == "" {
		id = shared.NewID()
	}
	occurredAt := cmd.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = h.clock.Now()
	}

	a, err := activity.New(id, cmd.UserID, activity.Type(cmd.Type), cmd.VenueID, cmd.MenuItems, occurredAt)
	if err != nil {
		return nil, err
	}
	a.RecordedAt = h.clock.Now()

	inserted, err := h.activityRepo.Append(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("record_activity: append: %w", err)
	}

	result := &RecordActivityResult{
		ActivityID: a.ID,
		UserID:     a.UserID,
		RecordedAt: a.RecordedAt,
	}
	if !inserted {
		result.Duplicate = true
		h.logger.Debug("duplicate activity ignored", logger.ActivityID(a.ID), logger.UserID(a.UserID))
		return result, nil
	}

	h.publish(shared.NewActivityRecordedEvent(a.UserID, a.ID, a.Type.String()))

	if err := h.process(ctx, a, result); err != nil {
		if !shared.IsTransient(err) {
			return result, err
		}
		if parkErr := h.park(ctx, a, err); parkErr != nil {
			return result, errors.Join(err, parkErr)
		}
		return result, shared.WrapError("activity", "Record", shared.ErrTryAgainLater,
			fmt.Sprintf("activity %s parked", a.ID), err)
	}

	return result, nil
}

// Reprocess retries a parked activity. On success the parked record is
// resolved; on another outage it is rescheduled with backoff.
func (h *RecordActivityHandler) Reprocess(ctx context.Context, p *activity.Parked) (*RecordActivityResult, error) {
	a, err := h.activityRepo.Get(ctx, p.ActivityID)
	if err != nil {
		if shared.IsNotFound(err) {
			h.logger.Warn("parked activity no longer exists", logger.ActivityID(p.ActivityID))
			return nil, h.parking.Resolve(ctx, p.ID)
		}
		return nil, fmt.Errorf("record_activity: load parked activity: %w", err)
	}

	result := &RecordActivityResult{ActivityID: a.ID, UserID: a.UserID, RecordedAt: a.RecordedAt}
	if err := h.process(ctx, a, result); err != nil {
		if !shared.IsTransient(err) {
			return result, err
		}
		p.Backoff(err.Error(), h.clock.Now())
		if rerr := h.parking.Reschedule(ctx, p); rerr != nil {
			return result, errors.Join(err, rerr)
		}
		return result, shared.WrapError("activity", "Reprocess", shared.ErrTryAgainLater,
			fmt.Sprintf("activity %s still parked after %d attempts", a.ID, p.Attempts), err)
	}

	if err := h.parking.Resolve(ctx, p.ID); err != nil {
		return result, fmt.Errorf("record_activity: resolve parked: %w", err)
	}
	h.logger.Info("parked activity reprocessed", logger.ActivityID(a.ID), "attempts", p.Attempts)
	return result, nil
}

// process evaluates every challenge the activity can move, then commits the
// counts. The commit phase reads nothing but the progress store.
func (h *RecordActivityHandler) process(ctx context.Context, a *activity.Activity, result *RecordActivityResult) error {
	triggered, err := h.challengeRepo.ListTriggeredBy(ctx, a.Type)
	if err != nil {
		return fmt.Errorf("record_activity: list challenges: %w", err)
	}
	if len(triggered) == 0 {
		return nil
	}

	evals, err := h.evaluate(ctx, a.UserID, triggered)
	if err != nil {
		return err
	}

	var violations []error
	for i, c := range triggered {
		if ev := evals[i]; ev.err != nil {
			if shared.IsConfiguration(ev.err) {
				_ = h.flow.Reject(ctx, a.UserID, c, ev.err)
				result.Skipped = append(result.Skipped, c.ID)
			} else {
				violations = append(violations, ev.err)
			}
			continue
		}

		res, err := h.flow.Commit(ctx, a.UserID, c, evals[i].count)
		switch {
		case err == nil:
			result.Outcomes = append(result.Outcomes, outcomeOf(res))
		case shared.IsTransient(err):
			// The progress store failed between commits. Rows already
			// written are reproduced exactly when the parked activity is
			// reprocessed, since counts are recomputed from the log.
			return err
		default:
			violations = append(violations, err)
		}
	}

	return errors.Join(violations...)
}

type evaluation struct {
	count progress.Count
	err   error
}

// evaluate runs every triggered challenge read-only and returns the first
// transient failure. Other errors are kept per challenge for process.
func (h *RecordActivityHandler) evaluate(ctx context.Context, userID string, challenges []*challenge.Challenge) ([]evaluation, error) {
	evals := make([]evaluation, len(challenges))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.preflightConcurrency)

	for i, c := range challenges {
		g.Go(func() error {
			count, err := h.flow.Preflight(gctx, userID, c)
			if err != nil && shared.IsTransient(err) {
				return err
			}
			evals[i] = evaluation{count: count, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return evals, nil
}

func (h *RecordActivityHandler) park(ctx context.Context, a *activity.Activity, cause error) error {
	p := activity.NewParked(shared.NewID(), a, cause.Error(), h.clock.Now())
	if err := h.parking.Park(ctx, p); err != nil {
		h.logger.Error("failed to park activity", logger.ActivityID(a.ID), logger.Err(err))
		return fmt.Errorf("record_activity: park: %w", err)
	}

	h.logger.Warn("activity parked",
		logger.ActivityID(a.ID),
		logger.UserID(a.UserID),
		logger.Err(cause),
	)
	h.publish(shared.NewActivityParkedEvent(a.UserID, a.ID, cause.Error()))
	return nil
}

func (h *RecordActivityHandler) publish(event shared.Event) {
	if h.eventPublisher == nil {
		return
	}
	if err := h.eventPublisher.Publish(event); err != nil {
		h.logger.Warn("failed to publish event", "event_type", event.EventType(), logger.Err(err))
	}
}

func outcomeOf(res *saga.CompletionResult) ChallengeOutcome {
	o := ChallengeOutcome{
		ChallengeID:   res.ChallengeID,
		Changed:       res.Transition.Changed,
		Completed:     res.Completed(),
		RewardPending: res.RewardPending,
	}
	if res.Progress != nil {
		o.Percentage = res.Progress.Percentage
	}
	if res.Reward != nil {
		o.XPAwarded = res.Reward.XPAwarded
	}
	return o
}

// describeValidation flattens validator errors into "field: tag" pairs.
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
	}
	return "invalid command: " + strings.Join(parts, ", ")
}
