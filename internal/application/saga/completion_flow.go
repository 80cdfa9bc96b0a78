// Package saga contains the multi-step processes that move a user's progress
// forward: evaluating a challenge, committing the new state and paying out
// the reward of a completion.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stamptrail/progression-engine/internal/domain/challenge"
	"github.com/stamptrail/progression-engine/internal/domain/progress"
	"github.com/stamptrail/progression-engine/internal/domain/shared"
	"github.com/stamptrail/progression-engine/pkg/logger"
	"github.com/stamptrail/progression-engine/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// COMPLETION FLOW SAGA
// Flow: Load Progress → Evaluate Requirement → Apply Transition →
//
//	Commit (version check) → Dispense Reward (winner only) → Publish Events
//
// A lost version race re-runs the flow from the load. Only the caller whose
// commit moved the row into Completed dispenses.
// ══════════════════════════════════════════════════════════════════════════════

// Evaluator computes the current count of a challenge for a user.
type Evaluator interface {
	Evaluate(ctx context.Context, userID string, c *challenge.Challenge) (progress.Count, error)
}

// CompletionFlowStep represents a step in the completion flow.
type CompletionFlowStep string

const (
	StepLoadProgress CompletionFlowStep = "load_progress"
	StepEvaluate     CompletionFlowStep = "evaluate"
	StepApply        CompletionFlowStep = "apply_transition"
	StepCommit       CompletionFlowStep = "commit"
	StepDispense     CompletionFlowStep = "dispense_reward"
	StepPublish      CompletionFlowStep = "publish_events"
	StepComplete     CompletionFlowStep = "complete"
)

// CompletionFlowState tracks one attempt of the flow.
type CompletionFlowState struct {
	CurrentStep CompletionFlowStep
	UserID      string
	Challenge   *challenge.Challenge
	Count       progress.Count
	Progress    *progress.Progress
	Transition  progress.Transition
	Attempts    int
}

// CompletionResult is the outcome of one Execute call.
type CompletionResult struct {
	UserID      string
	ChallengeID string
	Progress    *progress.Progress
	Transition  progress.Transition
	Reward      *DispenseResult
	// RewardPending is set when this call completed the challenge but the
	// payout failed and was left for the retry job.
	RewardPending bool
	Attempts      int
}

// Completed reports whether this call moved the challenge into Completed.
func (r *CompletionResult) Completed() bool {
	return r.Transition.Completed
}

// CompletionFlowConfig contains configuration for the completion flow.
type CompletionFlowConfig struct {
	// ContentionAttempts bounds re-runs after a lost version race.
	ContentionAttempts int
	ContentionDelay    time.Duration
	ContentionMaxDelay time.Duration
}

// DefaultCompletionFlowConfig returns default configuration.
func DefaultCompletionFlowConfig() CompletionFlowConfig {
	return CompletionFlowConfig{
		ContentionAttempts: 6,
		ContentionDelay:    5 * time.Millisecond,
		ContentionMaxDelay: 200 * time.Millisecond,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// COMPLETION FLOW SAGA IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// CompletionFlow evaluates a challenge for a user and commits the result.
type CompletionFlow struct {
	evaluator    Evaluator
	progressRepo progress.Repository
	challenges   challenge.Repository
	dispenser    *RewardDispenser
	eventBus     shared.EventPublisher
	clock        shared.Clock
	retrier      *retry.Retrier
	logger       *slog.Logger
}

// NewCompletionFlow creates a CompletionFlow with all dependencies.
func NewCompletionFlow(
	evaluator Evaluator,
	progressRepo progress.Repository,
	challenges challenge.Repository,
	dispenser *RewardDispenser,
	eventBus shared.EventPublisher,
	clock shared.Clock,
	config CompletionFlowConfig,
	log *slog.Logger,
) *CompletionFlow {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With(logger.Component("completion_flow"))

	return &CompletionFlow{
		evaluator:    evaluator,
		progressRepo: progressRepo,
		challenges:   challenges,
		dispenser:    dispenser,
		eventBus:     eventBus,
		clock:        clock,
		retrier: retry.ContentionRetrier(shared.IsConflict,
			retry.WithMaxAttempts(config.ContentionAttempts),
			retry.WithInitialDelay(config.ContentionDelay),
			retry.WithMaxDelay(config.ContentionMaxDelay),
			retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
				log.Debug("progress save lost a race, retrying",
					"attempt", attempt, "delay", delay, "error", err)
			}),
		),
		logger: log,
	}
}

// Preflight evaluates the challenge without writing anything.
func (f *CompletionFlow) Preflight(ctx context.Context, userID string, c *challenge.Challenge) (progress.Count, error) {
	return f.evaluator.Evaluate(ctx, userID, c)
}

// Execute runs the flow for one (user, challenge) pair.
//
// Errors: configuration problems flag the challenge and are returned as
// shared.ErrConfiguration; dependency outages come back as
// shared.ErrTransientDependency with nothing written; a backwards transition
// returns shared.ErrInvariantViolation and leaves the row untouched.
func (f *CompletionFlow) Execute(ctx context.Context, userID string, c *challenge.Challenge) (*CompletionResult, error) {
	return f.run(ctx, userID, c, nil)
}

// Commit applies a count obtained from Preflight without evaluating again,
// so it only touches the progress store. A stored row that is already at
// or past count (a concurrent evaluation saw more of the log) is left as is.
func (f *CompletionFlow) Commit(ctx context.Context, userID string, c *challenge.Challenge, count progress.Count) (*CompletionResult, error) {
	return f.run(ctx, userID, c, &count)
}

// Reject records a configuration error found by Preflight: the challenge is
// flagged and the error comes back wrapped like an Execute failure.
func (f *CompletionFlow) Reject(ctx context.Context, userID string, c *challenge.Challenge, cause error) error {
	state := &CompletionFlowState{CurrentStep: StepEvaluate, UserID: userID, Challenge: c}
	return f.fail(ctx, state, cause)
}

func (f *CompletionFlow) run(ctx context.Context, userID string, c *challenge.Challenge, count *progress.Count) (*CompletionResult, error) {
	state := &CompletionFlowState{
		CurrentStep: StepLoadProgress,
		UserID:      userID,
		Challenge:   c,
	}

	err := f.retrier.Do(ctx, func(ctx context.Context) error {
		state.Attempts++
		return f.attempt(ctx, state, count)
	})
	if err != nil {
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			err = shared.WrapError("progress", "Save", shared.ErrTransientDependency,
				fmt.Sprintf("gave up after %d conflicting writes", exhausted.Attempts), exhausted.Err)
		}
		return nil, f.fail(ctx, state, err)
	}

	result := &CompletionResult{
		UserID:      userID,
		ChallengeID: c.ID,
		Progress:    state.Progress,
		Transition:  state.Transition,
		Attempts:    state.Attempts,
	}

	if !state.Transition.Changed {
		return result, nil
	}

	if state.Transition.Completed {
		state.CurrentStep = StepDispense
		f.stepDispense(ctx, state, result)
	}

	state.CurrentStep = StepPublish
	f.stepPublish(state)

	state.CurrentStep = StepComplete
	return result, nil
}

// attempt performs load, evaluate, apply and commit once. The row is read
// before evaluating so a concurrent commit can only make the evaluation look
// fresher than the loaded row, never staler. With a precomputed count the
// evaluation is older than the row, so a row already at or past it wins.
func (f *CompletionFlow) attempt(ctx context.Context, state *CompletionFlowState, precomputed *progress.Count) error {
	state.CurrentStep = StepLoadProgress
	p, err := f.progressRepo.Get(ctx, state.UserID, state.Challenge.ID)
	switch {
	case err == nil:
	case shared.IsNotFound(err):
		p = progress.New(state.UserID, state.Challenge.ID)
	default:
		return err
	}

	state.CurrentStep = StepEvaluate
	var count progress.Count
	if precomputed != nil {
		count = *precomputed
		if supersedes(p, count) {
			state.Count = count
			state.Progress = p
			state.Transition = progress.Transition{From: p.State(), To: p.State()}
			return nil
		}
	} else {
		count, err = f.evaluator.Evaluate(ctx, state.UserID, state.Challenge)
		if err != nil {
			return err
		}
	}
	state.Count = count

	state.CurrentStep = StepApply
	tr, err := p.Apply(count, f.clock.Now())
	if err != nil {
		return err
	}
	state.Progress = p
	state.Transition = tr
	if !tr.Changed {
		return nil
	}

	state.CurrentStep = StepCommit
	return f.progressRepo.Save(ctx, p)
}

// supersedes reports whether the stored row already reflects count.
func supersedes(p *progress.Progress, count progress.Count) bool {
	if p.Version == 0 {
		return false
	}
	if p.CompletedAt != nil {
		return true
	}
	return p.Required == count.Required && p.Current >= count.Current
}

func (f *CompletionFlow) stepDispense(ctx context.Context, state *CompletionFlowState, result *CompletionResult) {
	if f.dispenser == nil {
		result.RewardPending = true
		return
	}

	dispensed, err := f.dispenser.Dispense(ctx, state.UserID, state.Challenge)
	if err != nil {
		result.RewardPending = true
		f.logger.Warn("reward dispensing deferred",
			logger.UserID(state.UserID),
			logger.ChallengeID(state.Challenge.ID),
			logger.Err(err),
		)
		f.publish(shared.NewRewardPendingEvent(state.UserID, state.Challenge.ID, err.Error()))
		return
	}
	result.Reward = dispensed
}

func (f *CompletionFlow) stepPublish(state *CompletionFlowState) {
	p := state.Progress
	f.publish(shared.NewChallengeProgressedEvent(p.UserID, p.ChallengeID, p.Current, p.Required, p.Percentage))

	if state.Transition.Completed && p.CompletedAt != nil {
		f.logger.Info("challenge completed",
			logger.UserID(p.UserID),
			logger.ChallengeID(p.ChallengeID),
		)
		f.publish(shared.NewChallengeCompletedEvent(p.UserID, p.ChallengeID, *p.CompletedAt))
	}
}

// fail classifies err, flags misconfigured challenges and wraps the result.
func (f *CompletionFlow) fail(ctx context.Context, state *CompletionFlowState, err error) error {
	attrs := []any{
		logger.UserID(state.UserID),
		logger.ChallengeID(state.Challenge.ID),
		"step", state.CurrentStep,
		logger.Err(err),
	}

	switch {
	case shared.IsConfiguration(err):
		reason := challenge.FlagReason(err)
		if flagErr := f.challenges.Flag(ctx, state.Challenge.ID, reason); flagErr != nil {
			f.logger.Error("failed to flag misconfigured challenge", append(attrs, "flag_error", flagErr)...)
		} else {
			f.logger.Warn("challenge flagged as misconfigured", attrs...)
		}
		f.publish(shared.NewChallengeMisconfiguredEvent(state.Challenge.ID, reason))
	case shared.IsInvariantViolation(err):
		f.logger.Error("progress would move backwards, transition aborted", attrs...)
	case shared.IsTransient(err):
		f.logger.Warn("dependency unavailable during evaluation", attrs...)
	default:
		f.logger.Error("completion flow failed", attrs...)
	}

	return f.wrapError(state, err)
}

// RetryReward dispenses the reward of a completed row left pending by an
// earlier failure.
func (f *CompletionFlow) RetryReward(ctx context.Context, p *progress.Progress) (*DispenseResult, error) {
	if !p.IsRewardPending() {
		return nil, shared.ErrRewardAlreadyGranted
	}
	if f.dispenser == nil {
		return nil, shared.NewDomainError("reward", "Dispense", shared.ErrConfiguration, "no reward dispenser configured")
	}

	c, err := f.challenges.Get(ctx, p.ChallengeID)
	if err != nil {
		return nil, fmt.Errorf("load challenge %s: %w", p.ChallengeID, err)
	}

	return f.dispenser.Dispense(ctx, p.UserID, c)
}

// BackfillResult summarises one Backfill call.
type BackfillResult struct {
	ChallengeID string
	Users       int
	Changed     int
	Completed   int
}

// Backfill evaluates a combo for every user that completed at least one of
// its dependencies. Combos are otherwise only re-evaluated when a dependency
// completes, which misses users whose dependencies completed before the
// combo existed or whose completion event was lost.
//
// A configuration error stops the pass (the combo is flagged); other
// per-user failures are joined and the pass continues.
func (f *CompletionFlow) Backfill(ctx context.Context, combo *challenge.Challenge) (*BackfillResult, error) {
	result := &BackfillResult{ChallengeID: combo.ID}
	deps := combo.Dependencies()
	if len(deps) == 0 {
		return result, nil
	}

	users, err := f.progressRepo.ListUsersCompleted(ctx, deps)
	if err != nil {
		return result, fmt.Errorf("backfill %s: list users: %w", combo.ID, err)
	}

	var errs []error
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return result, errors.Join(append(errs, err)...)
		}
		res, err := f.Execute(ctx, userID, combo)
		switch {
		case err == nil:
			result.Users++
			if res.Transition.Changed {
				result.Changed++
			}
			if res.Completed() {
				result.Completed++
			}
		case shared.IsConfiguration(err):
			return result, err
		default:
			errs = append(errs, err)
		}
	}

	if result.Changed > 0 {
		f.logger.Info("combo backfilled",
			logger.ChallengeID(combo.ID),
			"users", result.Users,
			"changed", result.Changed,
			"completed", result.Completed,
		)
	}
	return result, errors.Join(errs...)
}

// ReconcileResult summarises one ReconcileCombos pass.
type ReconcileResult struct {
	Combos    int
	Changed   int
	Completed int
	Failed    []string
	Duration  time.Duration
}

// ReconcileCombos backfills every active combo. It repairs combos whose
// completion event handler failed or whose event was dropped in transit.
func (f *CompletionFlow) ReconcileCombos(ctx context.Context) (*ReconcileResult, error) {
	started := f.clock.Now()
	result := &ReconcileResult{}

	active, err := f.challenges.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list active: %w", err)
	}

	var errs []error
	for _, c := range active {
		if len(c.Dependencies()) == 0 {
			continue
		}
		result.Combos++
		res, err := f.Backfill(ctx, c)
		if res != nil {
			result.Changed += res.Changed
			result.Completed += res.Completed
		}
		if err != nil {
			result.Failed = append(result.Failed, c.ID)
			if !shared.IsConfiguration(err) {
				errs = append(errs, err)
			}
		}
	}

	result.Duration = f.clock.Now().Sub(started)
	return result, errors.Join(errs...)
}

func (f *CompletionFlow) publish(event shared.Event) {
	if f.eventBus == nil {
		return
	}
	if err := f.eventBus.Publish(event); err != nil {
		f.logger.Warn("failed to publish event", "event_type", event.EventType(), logger.Err(err))
	}
}

func (f *CompletionFlow) wrapError(state *CompletionFlowState, err error) error {
	return &CompletionFlowError{
		Step:        state.CurrentStep,
		UserID:      state.UserID,
		ChallengeID: state.Challenge.ID,
		Cause:       err,
		Message:     fmt.Sprintf("completion_flow: step %s failed for user %s challenge %s: %v", state.CurrentStep, state.UserID, state.Challenge.ID, err),
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

// CompletionFlowError represents an error during the completion flow.
type CompletionFlowError struct {
	Step        CompletionFlowStep
	UserID      string
	ChallengeID string
	Cause       error
	Message     string
}

// Error implements the error interface.
func (e *CompletionFlowError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error.
func (e *CompletionFlowError) Unwrap() error {
	return e.Cause
}
