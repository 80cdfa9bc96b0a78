// Package jobs contains the engine's scheduled jobs.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/stamptrail/progression-engine/internal/application/command"
	"github.com/stamptrail/progression-engine/internal/domain/activity"
	"github.com/stamptrail/progression-engine/internal/domain/shared"
	"github.com/stamptrail/progression-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// REPROCESS PARKED ACTIVITIES JOB
// Retries activities that were parked because a dependency was down while
// they were recorded.
// ══════════════════════════════════════════════════════════════════════════════

// Reprocessor re-runs evaluation for a parked activity.
type Reprocessor interface {
	Reprocess(ctx context.Context, p *activity.Parked) (*command.RecordActivityResult, error)
}

// ReprocessParkedConfig contains configuration for the job.
type ReprocessParkedConfig struct {
	// BatchSize is how many due records one run takes.
	BatchSize int

	// Timeout bounds a whole run.
	Timeout time.Duration
}

// DefaultReprocessParkedConfig returns sensible defaults.
func DefaultReprocessParkedConfig() ReprocessParkedConfig {
	return ReprocessParkedConfig{
		BatchSize: 100,
		Timeout:   2 * time.Minute,
	}
}

// ReprocessStats contains statistics from one run.
type ReprocessStats struct {
	Due         int
	Resolved    int
	StillParked int
	Failed      int
	Duration    time.Duration
}

// ReprocessParkedJob drains due parked activities.
type ReprocessParkedJob struct {
	parking     activity.ParkingLot
	reprocessor Reprocessor
	clock       shared.Clock
	logger      *slog.Logger
	config      ReprocessParkedConfig

	lastStats atomic.Pointer[ReprocessStats]
}

// NewReprocessParkedJob creates the job.
func NewReprocessParkedJob(
	parking activity.ParkingLot,
	reprocessor Reprocessor,
	clock shared.Clock,
	log *slog.Logger,
	config ReprocessParkedConfig,
) *ReprocessParkedJob {
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultReprocessParkedConfig().BatchSize
	}
	return &ReprocessParkedJob{
		parking:     parking,
		reprocessor: reprocessor,
		clock:       clock,
		logger:      log.With(logger.Component("job.reprocess_parked")),
		config:      config,
	}
}

// Name returns the job name.
func (j *ReprocessParkedJob) Name() string { return "reprocess_parked_activities" }

// Description returns a human-readable description.
func (j *ReprocessParkedJob) Description() string {
	return "Re-evaluates activities parked during a catalog or issuer outage"
}

// Run executes the job. A record that hits another outage is rescheduled by
// the reprocessor and counted as still parked, not as a failure.
func (j *ReprocessParkedJob) Run(ctx context.Context) error {
	if j.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.config.Timeout)
		defer cancel()
	}

	started := time.Now()
	stats := &ReprocessStats{}
	defer func() {
		stats.Duration = time.Since(started)
		j.lastStats.Store(stats)
	}()

	due, err := j.parking.ListDue(ctx, j.clock.Now(), j.config.BatchSize)
	if err != nil {
		return fmt.Errorf("list due parked activities: %w", err)
	}
	stats.Due = len(due)

	for _, p := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := j.reprocessor.Reprocess(ctx, p)
		switch {
		case err == nil:
			stats.Resolved++
		case shared.IsTryAgainLater(err):
			stats.StillParked++
		default:
			stats.Failed++
			j.logger.Error("parked activity failed",
				logger.ActivityID(p.ActivityID),
				"attempts", p.Attempts,
				logger.Err(err),
			)
		}
	}

	if stats.Due > 0 {
		j.logger.Info("parked activities processed",
			"due", stats.Due,
			"resolved", stats.Resolved,
			"still_parked", stats.StillParked,
			"failed", stats.Failed,
		)
	}
	return nil
}

// LastStats returns statistics of the latest run, nil before the first.
func (j *ReprocessParkedJob) LastStats() *ReprocessStats {
	return j.lastStats.Load()
}
