package jobs

import (
	"context"
	"log/slog"

	"github.com/stamptrail/progression-engine/internal/application/command"
	"github.com/stamptrail/progression-engine/pkg/logger"
)

// Auditor re-validates stored challenge definitions.
type Auditor interface {
	Audit(ctx context.Context) (*command.AuditResult, error)
}

// AuditChallengesJob flags challenges whose catalog references broke since
// publication and clears flags that were fixed.
type AuditChallengesJob struct {
	auditor Auditor
	logger  *slog.Logger
}

// NewAuditChallengesJob creates the job.
func NewAuditChallengesJob(auditor Auditor, log *slog.Logger) *AuditChallengesJob {
	if log == nil {
		log = slog.Default()
	}
	return &AuditChallengesJob{auditor: auditor, logger: log.With(logger.Component("job.audit_challenges"))}
}

// Name returns the job name.
func (j *AuditChallengesJob) Name() string { return "audit_challenges" }

// Description returns a human-readable description.
func (j *AuditChallengesJob) Description() string {
	return "Re-validates challenge definitions against the venue and menu catalogs"
}

// Run executes the job.
func (j *AuditChallengesJob) Run(ctx context.Context) error {
	res, err := j.auditor.Audit(ctx)
	if err != nil {
		return err
	}
	if len(res.Flagged) > 0 || len(res.Unflagged) > 0 {
		j.logger.Warn("challenge configuration changed",
			"checked", res.Checked,
			"flagged", res.Flagged,
			"unflagged", res.Unflagged,
		)
		return nil
	}
	j.logger.Debug("challenge audit clean", "checked", res.Checked, "duration", res.Duration)
	return nil
}
