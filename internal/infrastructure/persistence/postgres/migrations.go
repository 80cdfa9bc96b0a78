package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Migration is one forward-only schema step.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// GetMigrations returns the embedded migrations in version order.
func GetMigrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create_catalog", SQL: migration001Up},
		{Version: 2, Name: "create_challenges", SQL: migration002Up},
		{Version: 3, Name: "create_activities", SQL: migration003Up},
		{Version: 4, Name: "create_progress_and_ledger", SQL: migration004Up},
	}
}

// Migrator applies the embedded migrations, tracking them in
// schema_migrations. Each migration and its tracking row commit together.
type Migrator struct {
	conn       *Connection
	migrations []Migration
}

// NewMigrator creates a Migrator for the embedded migrations.
func NewMigrator(conn *Connection) *Migrator {
	return &Migrator{conn: conn, migrations: GetMigrations()}
}

// Migrate applies pending migrations and returns the versions it applied.
func (m *Migrator) Migrate(ctx context.Context) ([]int, error) {
	if _, err := m.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return nil, fmt.Errorf("migrate: create tracking table: %w", err)
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, err
	}

	var done []int
	for _, mig := range m.migrations {
		if applied[mig.Version] {
			continue
		}
		err := m.conn.WithTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, mig.SQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, mig.Version, mig.Name)
			return err
		})
		if err != nil {
			return done, fmt.Errorf("migrate: version %d (%s): %w", mig.Version, mig.Name, err)
		}
		done = append(done, mig.Version)
	}
	return done, nil
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := m.conn.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("migrate: read applied versions: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("migrate: scan version: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: CREATE CATALOG
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
-- Venue and menu catalog referenced by challenge definitions.
CREATE TABLE IF NOT EXISTS venues (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    city TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS menu_items (
    id TEXT PRIMARY KEY,
    venue_id TEXT NOT NULL DEFAULT '',
    name TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_menu_items_venue ON menu_items(venue_id);
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: CREATE CHALLENGES
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
CREATE TABLE IF NOT EXISTS challenges (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    requirement JSONB NOT NULL,
    -- Denormalized from requirement for trigger and dependency lookups.
    activity_types TEXT[] NOT NULL DEFAULT '{}',
    depends_on TEXT[] NOT NULL DEFAULT '{}',
    xp_reward INTEGER NOT NULL DEFAULT 0,
    reward JSONB NOT NULL DEFAULT '{}'::jsonb,
    is_special BOOLEAN NOT NULL DEFAULT FALSE,
    event_type TEXT NOT NULL DEFAULT '',
    window_start TIMESTAMP WITH TIME ZONE,
    window_end TIMESTAMP WITH TIME ZONE,
    published_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    seq BIGSERIAL,

    CONSTRAINT valid_xp_reward CHECK (xp_reward >= 0)
);

CREATE INDEX IF NOT EXISTS idx_challenges_activity_types ON challenges USING GIN (activity_types);
CREATE INDEX IF NOT EXISTS idx_challenges_depends_on ON challenges USING GIN (depends_on);

-- Challenges excluded from evaluation until their configuration is fixed.
CREATE TABLE IF NOT EXISTS challenge_config_errors (
    challenge_id TEXT PRIMARY KEY,
    reason TEXT NOT NULL,
    flagged_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 003: CREATE ACTIVITIES
// ══════════════════════════════════════════════════════════════════════════════

const migration003Up = `
-- Append-only activity log. The ID makes ingestion idempotent.
CREATE TABLE IF NOT EXISTS activities (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    type TEXT NOT NULL,
    venue_id TEXT NOT NULL DEFAULT '',
    menu_items TEXT[] NOT NULL DEFAULT '{}',
    occurred_at TIMESTAMP WITH TIME ZONE NOT NULL,
    recorded_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_activity_type CHECK (type IN ('check_in', 'scan', 'review', 'menu_order'))
);

CREATE INDEX IF NOT EXISTS idx_activities_user_occurred ON activities(user_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_activities_user_type ON activities(user_id, type);

-- Activities whose evaluation hit a transient dependency failure.
CREATE TABLE IF NOT EXISTS parked_activities (
    id TEXT PRIMARY KEY,
    activity_id TEXT NOT NULL UNIQUE REFERENCES activities(id) ON DELETE CASCADE,
    user_id TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    attempts INTEGER NOT NULL DEFAULT 0,
    parked_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    next_attempt_at TIMESTAMP WITH TIME ZONE NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_parked_next_attempt ON parked_activities(next_attempt_at);
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 004: CREATE PROGRESS AND LEDGER
// ══════════════════════════════════════════════════════════════════════════════

const migration004Up = `
-- One row per (user, challenge). version drives optimistic concurrency.
CREATE TABLE IF NOT EXISTS user_challenge_progress (
    user_id TEXT NOT NULL,
    challenge_id TEXT NOT NULL,
    current_count INTEGER NOT NULL DEFAULT 0,
    required_count INTEGER NOT NULL,
    percentage INTEGER NOT NULL DEFAULT 0,
    completed_at TIMESTAMP WITH TIME ZONE,
    reward_granted_at TIMESTAMP WITH TIME ZONE,
    version INTEGER NOT NULL DEFAULT 1,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    PRIMARY KEY (user_id, challenge_id),
    CONSTRAINT valid_percentage CHECK (percentage BETWEEN 0 AND 100),
    CONSTRAINT valid_required CHECK (required_count > 0),
    CONSTRAINT reward_after_completion CHECK (reward_granted_at IS NULL OR completed_at IS NOT NULL)
);

CREATE INDEX IF NOT EXISTS idx_progress_reward_pending
    ON user_challenge_progress(completed_at)
    WHERE completed_at IS NOT NULL AND reward_granted_at IS NULL;

-- Cumulative XP. The level is derived on read and never stored.
CREATE TABLE IF NOT EXISTS user_progression (
    user_id TEXT PRIMARY KEY,
    xp INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_xp CHECK (xp >= 0)
);

CREATE TABLE IF NOT EXISTS user_badges (
    user_id TEXT NOT NULL,
    badge TEXT NOT NULL,
    granted_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    seq BIGSERIAL,

    PRIMARY KEY (user_id, badge)
);

-- Audit trail of dispensed rewards; at most one per (user, challenge).
CREATE TABLE IF NOT EXISTS reward_grants (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    challenge_id TEXT NOT NULL,
    xp INTEGER NOT NULL DEFAULT 0,
    badge TEXT NOT NULL DEFAULT '',
    reward JSONB NOT NULL DEFAULT '{}'::jsonb,
    external_id TEXT NOT NULL DEFAULT '',
    granted_at TIMESTAMP WITH TIME ZONE NOT NULL,

    UNIQUE (user_id, challenge_id)
);

CREATE INDEX IF NOT EXISTS idx_reward_grants_user ON reward_grants(user_id, granted_at DESC);
`

