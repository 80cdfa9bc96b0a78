package jobs

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/stamptrail/progression-engine/internal/application/saga"
	"github.com/stamptrail/progression-engine/pkg/logger"
)

// ComboReconciler re-evaluates combos for users with completed dependencies.
type ComboReconciler interface {
	ReconcileCombos(ctx context.Context) (*saga.ReconcileResult, error)
}

// ReconcileCombosJob catches combos left behind when a completion event was
// lost or its handler failed.
type ReconcileCombosJob struct {
	reconciler ComboReconciler
	logger     *slog.Logger
	lastStats  atomic.Pointer[saga.ReconcileResult]
}

// NewReconcileCombosJob creates the job.
func NewReconcileCombosJob(reconciler ComboReconciler, log *slog.Logger) *ReconcileCombosJob {
	if log == nil {
		log = slog.Default()
	}
	return &ReconcileCombosJob{reconciler: reconciler, logger: log.With(logger.Component("job.reconcile_combos"))}
}

// Name returns the job name.
func (j *ReconcileCombosJob) Name() string { return "reconcile_combos" }

// Description returns a human-readable description.
func (j *ReconcileCombosJob) Description() string {
	return "Re-evaluates combo challenges for users whose dependencies are complete"
}

// Run executes the job. Per-combo failures are logged and returned so the
// scheduler records the run as failed; the next run retries them.
func (j *ReconcileCombosJob) Run(ctx context.Context) error {
	res, err := j.reconciler.ReconcileCombos(ctx)
	if res != nil {
		j.lastStats.Store(res)
	}
	if err != nil {
		j.logger.Warn("combo reconciliation incomplete", logger.Err(err))
		return err
	}
	if res.Changed > 0 {
		j.logger.Info("combos reconciled",
			"combos", res.Combos,
			"changed", res.Changed,
			"completed", res.Completed,
			"duration", res.Duration,
		)
		return nil
	}
	j.logger.Debug("combos already consistent", "combos", res.Combos)
	return nil
}

// LastStats returns the result of the latest run, nil before the first one.
func (j *ReconcileCombosJob) LastStats() *saga.ReconcileResult {
	return j.lastStats.Load()
}
