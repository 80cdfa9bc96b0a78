package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/stamptrail/progression-engine/internal/domain/activity"
	"github.com/stamptrail/progression-engine/internal/domain/challenge"
	"github.com/stamptrail/progression-engine/internal/domain/reward"
	"github.com/stamptrail/progression-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// CHALLENGE REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// ChallengeRepository implements challenge.Repository for PostgreSQL.
// Requirements are stored as kind-tagged JSONB; the activity types and combo
// dependencies are denormalized into arrays for indexed lookups.
type ChallengeRepository struct {
	conn *Connection
}

var _ challenge.Repository = (*ChallengeRepository)(nil)

// NewChallengeRepository creates a new ChallengeRepository.
func NewChallengeRepository(conn *Connection) *ChallengeRepository {
	return &ChallengeRepository{conn: conn}
}

const challengeColumns = `
	c.id, c.title, c.description, c.requirement, c.xp_reward, c.reward,
	c.is_special, c.event_type, c.window_start, c.window_end, c.published_at, c.updated_at`

const activeChallenges = `
	FROM challenges c
	LEFT JOIN challenge_config_errors e ON e.challenge_id = c.id
	WHERE e.challenge_id IS NULL`

// Get returns a challenge by ID, flagged or not.
func (r *ChallengeRepository) Get(ctx context.Context, id string) (*challenge.Challenge, error) {
	row := r.conn.QueryRow(ctx, `SELECT `+challengeColumns+` FROM challenges c WHERE c.id = $1`, id)
	c, err := scanChallenge(row)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrChallengeNotFound
		}
		return nil, wrapErr("challenge", "Get", err)
	}
	return c, nil
}

// Save creates or replaces a challenge definition.
func (r *ChallengeRepository) Save(ctx context.Context, c *challenge.Challenge) error {
	req, err := challenge.EncodeRequirement(c.Requirement)
	if err != nil {
		return err
	}
	rewardJSON, err := json.Marshal(c.Reward)
	if err != nil {
		return fmt.Errorf("failed to marshal reward: %w", err)
	}

	types := make([]string, 0)
	for _, t := range c.Requirement.ActivityTypes() {
		types = append(types, string(t))
	}
	deps := c.Dependencies()
	if deps == nil {
		deps = []string{}
	}

	var windowStart, windowEnd *time.Time
	if c.Window != nil {
		if !c.Window.Start.IsZero() {
			s := c.Window.Start.UTC()
			windowStart = &s
		}
		if !c.Window.End.IsZero() {
			e := c.Window.End.UTC()
			windowEnd = &e
		}
	}

	publishedAt := c.PublishedAt
	if publishedAt.IsZero() {
		publishedAt = time.Now().UTC()
	}
	updatedAt := c.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = publishedAt
	}

	_, err = r.conn.Exec(ctx, `
		INSERT INTO challenges (
			id, title, description, requirement, activity_types, depends_on, xp_reward,
			reward, is_special, event_type, window_start, window_end, published_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			requirement = EXCLUDED.requirement,
			activity_types = EXCLUDED.activity_types,
			depends_on = EXCLUDED.depends_on,
			xp_reward = EXCLUDED.xp_reward,
			reward = EXCLUDED.reward,
			is_special = EXCLUDED.is_special,
			event_type = EXCLUDED.event_type,
			window_start = EXCLUDED.window_start,
			window_end = EXCLUDED.window_end,
			updated_at = EXCLUDED.updated_at
	`,
		c.ID, c.Title, c.Description, req, types, deps, c.XPReward,
		rewardJSON, c.IsSpecial, c.EventType, windowStart, windowEnd, publishedAt.UTC(), updatedAt.UTC(),
	)
	return wrapErr("challenge", "Save", err)
}

// ListActive returns every unflagged challenge in publication order.
func (r *ChallengeRepository) ListActive(ctx context.Context) ([]*challenge.Challenge, error) {
	return r.list(ctx, "ListActive", `SELECT `+challengeColumns+activeChallenges+` ORDER BY c.seq`)
}

// ListTriggeredBy returns unflagged challenges an activity type can move.
func (r *ChallengeRepository) ListTriggeredBy(ctx context.Context, t activity.Type) ([]*challenge.Challenge, error) {
	return r.list(ctx, "ListTriggeredBy",
		`SELECT `+challengeColumns+activeChallenges+` AND $1 = ANY(c.activity_types) ORDER BY c.seq`, string(t))
}

// ListDependents returns unflagged combos that reference challengeID.
func (r *ChallengeRepository) ListDependents(ctx context.Context, challengeID string) ([]*challenge.Challenge, error) {
	return r.list(ctx, "ListDependents",
		`SELECT `+challengeColumns+activeChallenges+` AND $1 = ANY(c.depends_on) ORDER BY c.seq`, challengeID)
}

func (r *ChallengeRepository) list(ctx context.Context, op, query string, args ...any) ([]*challenge.Challenge, error) {
	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("challenge", op, err)
	}
	defer rows.Close()

	result := make([]*challenge.Challenge, 0)
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, wrapErr("challenge", op, rows.Err())
}

// ─────────────────────────────────────────────────────────────────────────────
// Configuration flags
// ─────────────────────────────────────────────────────────────────────────────

// Flag records a configuration problem, keeping the latest reason.
func (r *ChallengeRepository) Flag(ctx context.Context, id, reason string) error {
	_, err := r.conn.Exec(ctx, `
		INSERT INTO challenge_config_errors (challenge_id, reason, flagged_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (challenge_id) DO UPDATE SET reason = EXCLUDED.reason, flagged_at = EXCLUDED.flagged_at
	`, id, reason)
	return wrapErr("challenge", "Flag", err)
}

// Unflag clears a flag after the challenge was corrected.
func (r *ChallengeRepository) Unflag(ctx context.Context, id string) error {
	_, err := r.conn.Exec(ctx, `DELETE FROM challenge_config_errors WHERE challenge_id = $1`, id)
	return wrapErr("challenge", "Unflag", err)
}

// IsFlagged reports whether the challenge is excluded.
func (r *ChallengeRepository) IsFlagged(ctx context.Context, id string) (bool, error) {
	var flagged bool
	err := r.conn.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM challenge_config_errors WHERE challenge_id = $1)`, id,
	).Scan(&flagged)
	if err != nil {
		return false, wrapErr("challenge", "IsFlagged", err)
	}
	return flagged, nil
}

// ListFlags returns every flagged challenge.
func (r *ChallengeRepository) ListFlags(ctx context.Context) ([]challenge.Flag, error) {
	rows, err := r.conn.Query(ctx,
		`SELECT challenge_id, reason, flagged_at FROM challenge_config_errors ORDER BY challenge_id`)
	if err != nil {
		return nil, wrapErr("challenge", "ListFlags", err)
	}
	defer rows.Close()

	result := make([]challenge.Flag, 0)
	for rows.Next() {
		var f challenge.Flag
		if err := rows.Scan(&f.ChallengeID, &f.Reason, &f.FlaggedAt); err != nil {
			return nil, wrapErr("challenge", "ListFlags", err)
		}
		f.FlaggedAt = f.FlaggedAt.UTC()
		result = append(result, f)
	}
	return result, wrapErr("challenge", "ListFlags", rows.Err())
}

// ─────────────────────────────────────────────────────────────────────────────
// Helper Functions
// ─────────────────────────────────────────────────────────────────────────────

// scanChallenge decodes a row. A requirement that no longer decodes yields an
// ErrConfiguration error naming the challenge.
func scanChallenge(row pgx.Row) (*challenge.Challenge, error) {
	var (
		c           challenge.Challenge
		reqJSON     []byte
		rewardJSON  []byte
		windowStart *time.Time
		windowEnd   *time.Time
	)
	err := row.Scan(
		&c.ID, &c.Title, &c.Description, &reqJSON, &c.XPReward, &rewardJSON,
		&c.IsSpecial, &c.EventType, &windowStart, &windowEnd, &c.PublishedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	req, err := challenge.DecodeRequirement(reqJSON)
	if err != nil {
		return nil, shared.WrapError("challenge", "Load", shared.ErrConfiguration,
			fmt.Sprintf("challenge %q has an unreadable requirement", c.ID), err)
	}
	c.Requirement = req

	if len(rewardJSON) > 0 {
		var d reward.Descriptor
		if err := json.Unmarshal(rewardJSON, &d); err != nil {
			return nil, shared.WrapError("challenge", "Load", shared.ErrConfiguration,
				fmt.Sprintf("challenge %q has an unreadable reward", c.ID), err)
		}
		c.Reward = d
	}

	if windowStart != nil || windowEnd != nil {
		c.Window = &challenge.EventWindow{}
		if windowStart != nil {
			c.Window.Start = windowStart.UTC()
		}
		if windowEnd != nil {
			c.Window.End = windowEnd.UTC()
		}
	}
	c.PublishedAt = c.PublishedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}
