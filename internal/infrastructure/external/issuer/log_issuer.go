package issuer

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stamptrail/progression-engine/internal/domain/reward"
)

// LogIssuer records issuances in the log only. It backs deployments that have
// no partner service configured; XP and badges are still granted by the
// ledger.
type LogIssuer struct {
	logger *slog.Logger
	now    func() time.Time
}

var _ reward.Issuer = (*LogIssuer)(nil)

// NewLogIssuer creates a LogIssuer.
func NewLogIssuer(logger *slog.Logger) *LogIssuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogIssuer{logger: logger.With("component", "reward_issuer"), now: time.Now}
}

// Issue logs req and returns a receipt whose ID is derived from the
// idempotency key, so replays yield the same receipt.
func (l *LogIssuer) Issue(ctx context.Context, req reward.IssueRequest) (reward.Receipt, error) {
	key := req.IdempotencyKey
	if key == "" {
		key = reward.IdempotencyKey(req.UserID, req.ChallengeID)
	}
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()

	l.logger.InfoContext(ctx, "reward issued",
		"user_id", req.UserID,
		"challenge_id", req.ChallengeID,
		"kind", string(req.Reward.Kind),
		"value", req.Reward.Value,
		"external_id", id,
	)
	return reward.Receipt{ExternalID: id, IssuedAt: l.now().UTC()}, nil
}
