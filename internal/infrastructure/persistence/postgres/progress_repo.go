package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/stamptrail/progression-engine/internal/domain/progress"
	"github.com/stamptrail/progression-engine/internal/domain/reward"
	"github.com/stamptrail/progression-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// ProgressRepository implements progress.Repository and progress.Ledger.
// Progress rows use a version column for optimistic concurrency; the ledger
// guards reward issuance with a conditional update on reward_granted_at.
type ProgressRepository struct {
	conn *Connection
}

var (
	_ progress.Repository = (*ProgressRepository)(nil)
	_ progress.Ledger     = (*ProgressRepository)(nil)
)

// NewProgressRepository creates a new ProgressRepository.
func NewProgressRepository(conn *Connection) *ProgressRepository {
	return &ProgressRepository{conn: conn}
}

const progressColumns = `
	user_id, challenge_id, current_count, required_count, percentage,
	completed_at, reward_granted_at, version, updated_at`

// Get returns the row or shared.ErrProgressNotFound.
func (r *ProgressRepository) Get(ctx context.Context, userID, challengeID string) (*progress.Progress, error) {
	row := r.conn.QueryRow(ctx, `
		SELECT `+progressColumns+`
		FROM user_challenge_progress
		WHERE user_id = $1 AND challenge_id = $2
	`, userID, challengeID)
	p, err := scanProgress(row)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrProgressNotFound
		}
		return nil, wrapErr("progress", "Get", err)
	}
	return p, nil
}

// Save writes p when the stored version still equals p.Version and bumps it.
// The reward marker is owned by GrantReward and never written here. The WHERE
// clause also refuses to clear a completion or lower the percentage for the
// same required count.
func (r *ProgressRepository) Save(ctx context.Context, p *progress.Progress) error {
	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	if p.Version == 0 {
		tag, err := r.conn.Exec(ctx, `
			INSERT INTO user_challenge_progress (
				user_id, challenge_id, current_count, required_count, percentage,
				completed_at, version, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, 1, $7)
			ON CONFLICT (user_id, challenge_id) DO NOTHING
		`, p.UserID, p.ChallengeID, p.Current, p.Required, p.Percentage, p.CompletedAt, updatedAt.UTC())
		if err != nil {
			return wrapErr("progress", "Save", err)
		}
		if tag.RowsAffected() == 0 {
			return shared.ErrVersionConflict
		}
		p.Version = 1
		return nil
	}

	tag, err := r.conn.Exec(ctx, `
		UPDATE user_challenge_progress SET
			current_count = $3,
			required_count = $4,
			percentage = $5,
			completed_at = $6,
			version = version + 1,
			updated_at = $7
		WHERE user_id = $1 AND challenge_id = $2 AND version = $8
		  AND (completed_at IS NULL OR $6::timestamptz IS NOT NULL)
		  AND (required_count <> $4 OR percentage <= $5)
	`, p.UserID, p.ChallengeID, p.Current, p.Required, p.Percentage, p.CompletedAt, updatedAt.UTC(), p.Version)
	if err != nil {
		return wrapErr("progress", "Save", err)
	}
	if tag.RowsAffected() == 0 {
		return r.explainRejectedSave(ctx, p)
	}
	p.Version++
	return nil
}

// explainRejectedSave tells a lost race from an attempted regression.
func (r *ProgressRepository) explainRejectedSave(ctx context.Context, p *progress.Progress) error {
	stored, err := r.Get(ctx, p.UserID, p.ChallengeID)
	if err != nil {
		if shared.IsNotFound(err) {
			return shared.ErrVersionConflict
		}
		return err
	}
	if stored.Version != p.Version {
		return shared.ErrVersionConflict
	}
	if err := progress.CheckSuccessor(stored, p); err != nil {
		return err
	}
	return shared.ErrVersionConflict
}

// ListByUser returns every row of a user ordered by challenge ID.
func (r *ProgressRepository) ListByUser(ctx context.Context, userID string) ([]*progress.Progress, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT `+progressColumns+`
		FROM user_challenge_progress
		WHERE user_id = $1
		ORDER BY challenge_id
	`, userID)
	if err != nil {
		return nil, wrapErr("progress", "ListByUser", err)
	}
	return collectProgress(rows, "ListByUser")
}

// CompletedAt returns completion times for the given challenges.
func (r *ProgressRepository) CompletedAt(ctx context.Context, userID string, challengeIDs []string) (map[string]time.Time, error) {
	result := make(map[string]time.Time, len(challengeIDs))
	if len(challengeIDs) == 0 {
		return result, nil
	}

	rows, err := r.conn.Query(ctx, `
		SELECT challenge_id, completed_at
		FROM user_challenge_progress
		WHERE user_id = $1 AND challenge_id = ANY($2) AND completed_at IS NOT NULL
	`, userID, challengeIDs)
	if err != nil {
		return nil, wrapErr("progress", "CompletedAt", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id string
			at time.Time
		)
		if err := rows.Scan(&id, &at); err != nil {
			return nil, wrapErr("progress", "CompletedAt", err)
		}
		result[id] = at.UTC()
	}
	return result, wrapErr("progress", "CompletedAt", rows.Err())
}

// ListUsersCompleted returns the users that completed any of challengeIDs.
func (r *ProgressRepository) ListUsersCompleted(ctx context.Context, challengeIDs []string) ([]string, error) {
	users := make([]string, 0)
	if len(challengeIDs) == 0 {
		return users, nil
	}

	rows, err := r.conn.Query(ctx, `
		SELECT DISTINCT user_id
		FROM user_challenge_progress
		WHERE challenge_id = ANY($1) AND completed_at IS NOT NULL
		ORDER BY user_id
	`, challengeIDs)
	if err != nil {
		return nil, wrapErr("progress", "ListUsersCompleted", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr("progress", "ListUsersCompleted", err)
		}
		users = append(users, id)
	}
	return users, wrapErr("progress", "ListUsersCompleted", rows.Err())
}

// ListRewardPending returns completed, unrewarded rows completed before cutoff,
// oldest completion first.
func (r *ProgressRepository) ListRewardPending(ctx context.Context, cutoff time.Time, limit int) ([]*progress.Progress, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.conn.Query(ctx, `
		SELECT `+progressColumns+`
		FROM user_challenge_progress
		WHERE completed_at IS NOT NULL AND reward_granted_at IS NULL AND completed_at < $1
		ORDER BY completed_at
		LIMIT $2
	`, cutoff.UTC(), limit)
	if err != nil {
		return nil, wrapErr("progress", "ListRewardPending", err)
	}
	return collectProgress(rows, "ListRewardPending")
}

// ─────────────────────────────────────────────────────────────────────────────
// Ledger
// ─────────────────────────────────────────────────────────────────────────────

// GrantReward sets the reward marker, adds XP and the badge and appends the
// audit grant in one transaction. The marker update only matches a completed
// row whose marker is still null, so a second grant changes nothing. The XP
// before the increment comes from the upsert itself, so concurrent grants for
// the same user each see their own predecessor.
func (r *ProgressRepository) GrantReward(ctx context.Context, g *reward.Grant) (*progress.GrantReceipt, error) {
	grantedAt := g.GrantedAt.UTC()
	rewardJSON, err := json.Marshal(g.Reward)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reward: %w", err)
	}

	var result *progress.GrantReceipt
	err = r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE user_challenge_progress
			SET reward_granted_at = $3, version = version + 1
			WHERE user_id = $1 AND challenge_id = $2
			  AND completed_at IS NOT NULL AND reward_granted_at IS NULL
		`, g.UserID, g.ChallengeID, grantedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return r.explainRejectedGrant(ctx, tx, g)
		}

		var before int
		if err := tx.QueryRow(ctx, `
			INSERT INTO user_progression (user_id, xp, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id) DO UPDATE SET
				xp = user_progression.xp + EXCLUDED.xp,
				updated_at = EXCLUDED.updated_at
			RETURNING xp - $2
		`, g.UserID, g.XP, grantedAt).Scan(&before); err != nil {
			return err
		}

		if g.Badge != "" {
			if _, err := tx.Exec(ctx, `
				INSERT INTO user_badges (user_id, badge, granted_at)
				VALUES ($1, $2, $3)
				ON CONFLICT (user_id, badge) DO NOTHING
			`, g.UserID, g.Badge, grantedAt); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO reward_grants (id, user_id, challenge_id, xp, badge, reward, external_id, granted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, g.ID, g.UserID, g.ChallengeID, g.XP, g.Badge, rewardJSON, g.ExternalID, grantedAt); err != nil {
			if IsUniqueViolation(err) {
				return shared.ErrRewardAlreadyGranted
			}
			return err
		}

		pr, err := loadProgression(ctx, tx, g.UserID)
		if err != nil {
			return err
		}
		result = &progress.GrantReceipt{XPBefore: before, Progression: pr}
		return nil
	})
	if err != nil {
		if errors.Is(err, shared.ErrRewardAlreadyGranted) || errors.Is(err, shared.ErrChallengeNotCompleted) {
			return nil, err
		}
		return nil, wrapErr("progress", "GrantReward", err)
	}
	return result, nil
}

func (r *ProgressRepository) explainRejectedGrant(ctx context.Context, tx pgx.Tx, g *reward.Grant) error {
	var completedAt, grantedAt *time.Time
	err := tx.QueryRow(ctx, `
		SELECT completed_at, reward_granted_at
		FROM user_challenge_progress
		WHERE user_id = $1 AND challenge_id = $2
	`, g.UserID, g.ChallengeID).Scan(&completedAt, &grantedAt)
	switch {
	case IsNoRows(err):
		return shared.ErrChallengeNotCompleted
	case err != nil:
		return err
	case grantedAt != nil:
		return shared.ErrRewardAlreadyGranted
	default:
		return shared.ErrChallengeNotCompleted
	}
}

// GetProgression returns the user's progression, a zero one if none exists.
func (r *ProgressRepository) GetProgression(ctx context.Context, userID string) (*progress.Progression, error) {
	pr, err := loadProgression(ctx, r.conn, userID)
	if err != nil {
		return nil, wrapErr("progress", "GetProgression", err)
	}
	return pr, nil
}

// ListGrants returns a user's grants, newest first.
func (r *ProgressRepository) ListGrants(ctx context.Context, userID string) ([]*reward.Grant, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT id, user_id, challenge_id, xp, badge, reward, external_id, granted_at
		FROM reward_grants
		WHERE user_id = $1
		ORDER BY granted_at DESC, id DESC
	`, userID)
	if err != nil {
		return nil, wrapErr("progress", "ListGrants", err)
	}
	defer rows.Close()

	result := make([]*reward.Grant, 0)
	for rows.Next() {
		var (
			g          reward.Grant
			rewardJSON []byte
		)
		if err := rows.Scan(&g.ID, &g.UserID, &g.ChallengeID, &g.XP, &g.Badge, &rewardJSON, &g.ExternalID, &g.GrantedAt); err != nil {
			return nil, wrapErr("progress", "ListGrants", err)
		}
		if len(rewardJSON) > 0 {
			if err := json.Unmarshal(rewardJSON, &g.Reward); err != nil {
				return nil, fmt.Errorf("failed to unmarshal reward: %w", err)
			}
		}
		g.GrantedAt = g.GrantedAt.UTC()
		result = append(result, &g)
	}
	return result, wrapErr("progress", "ListGrants", rows.Err())
}

// ─────────────────────────────────────────────────────────────────────────────
// Helper Functions
// ─────────────────────────────────────────────────────────────────────────────

func loadProgression(ctx context.Context, q Querier, userID string) (*progress.Progression, error) {
	pr := progress.NewProgression(userID)

	err := q.QueryRow(ctx, `SELECT xp, updated_at FROM user_progression WHERE user_id = $1`, userID).
		Scan(&pr.XP, &pr.UpdatedAt)
	if err != nil && !IsNoRows(err) {
		return nil, err
	}
	pr.UpdatedAt = pr.UpdatedAt.UTC()

	rows, err := q.Query(ctx, `SELECT badge FROM user_badges WHERE user_id = $1 ORDER BY seq`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var badge string
		if err := rows.Scan(&badge); err != nil {
			return nil, err
		}
		pr.AddBadge(badge)
	}
	return pr, rows.Err()
}

func scanProgress(row pgx.Row) (*progress.Progress, error) {
	var p progress.Progress
	err := row.Scan(
		&p.UserID, &p.ChallengeID, &p.Current, &p.Required, &p.Percentage,
		&p.CompletedAt, &p.RewardGrantedAt, &p.Version, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if p.CompletedAt != nil {
		t := p.CompletedAt.UTC()
		p.CompletedAt = &t
	}
	if p.RewardGrantedAt != nil {
		t := p.RewardGrantedAt.UTC()
		p.RewardGrantedAt = &t
	}
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func collectProgress(rows pgx.Rows, op string) ([]*progress.Progress, error) {
	defer rows.Close()

	result := make([]*progress.Progress, 0)
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, wrapErr("progress", op, err)
		}
		result = append(result, p)
	}
	return result, wrapErr("progress", op, rows.Err())
}
