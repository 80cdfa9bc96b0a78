package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/stamptrail/progression-engine/internal/application/command"
	"github.com/stamptrail/progression-engine/pkg/logger"
)

// PendingDispenser pays out deferred rewards.
type PendingDispenser interface {
	HandlePending(ctx context.Context, minAge time.Duration, limit int) (*command.DispensePendingResult, error)
}

// RetryRewardsConfig contains configuration for the job.
type RetryRewardsConfig struct {
	// MinAge skips completions too recent to have failed for good.
	MinAge time.Duration

	BatchSize int
}

// DefaultRetryRewardsConfig returns sensible defaults.
func DefaultRetryRewardsConfig() RetryRewardsConfig {
	return RetryRewardsConfig{
		MinAge:    time.Minute,
		BatchSize: 200,
	}
}

// RetryRewardsJob retries rewards of completed challenges that were never
// dispensed.
type RetryRewardsJob struct {
	dispenser PendingDispenser
	logger    *slog.Logger
	config    RetryRewardsConfig
}

// NewRetryRewardsJob creates the job.
func NewRetryRewardsJob(dispenser PendingDispenser, log *slog.Logger, config RetryRewardsConfig) *RetryRewardsJob {
	if log == nil {
		log = slog.Default()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultRetryRewardsConfig().BatchSize
	}
	return &RetryRewardsJob{
		dispenser: dispenser,
		logger:    log.With(logger.Component("job.retry_rewards")),
		config:    config,
	}
}

// Name returns the job name.
func (j *RetryRewardsJob) Name() string { return "retry_pending_rewards" }

// Description returns a human-readable description.
func (j *RetryRewardsJob) Description() string {
	return "Dispenses rewards left pending by issuer or ledger failures"
}

// Run executes the job.
func (j *RetryRewardsJob) Run(ctx context.Context) error {
	res, err := j.dispenser.HandlePending(ctx, j.config.MinAge, j.config.BatchSize)
	if err != nil {
		return err
	}
	if res.Found > 0 {
		j.logger.Info("pending rewards retried",
			"found", res.Found,
			"dispensed", res.Dispensed,
			"failed", res.Failed,
		)
	}
	return nil
}
