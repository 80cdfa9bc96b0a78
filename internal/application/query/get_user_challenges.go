// Package query contains read operations (CQRS - Queries).
package query

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stamptrail/progression-engine/internal/domain/challenge"
	"github.com/stamptrail/progression-engine/internal/domain/progress"
	"github.com/stamptrail/progression-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET USER CHALLENGES QUERY
// Lists every actionable challenge with the user's progress and the
// classifier's category, for challenge listing pages. Flagged challenges are
// not actionable and never appear.
// ══════════════════════════════════════════════════════════════════════════════

// GetUserChallengesQuery contains the parameters of the listing.
type GetUserChallengesQuery struct {
	UserID string

	// Category narrows the listing to one category. Empty means all.
	Category challenge.Category

	// IncludeCompleted keeps completed challenges in the listing.
	IncludeCompleted bool
}

// Validate checks the query parameters.
func (q *GetUserChallengesQuery) Validate() error {
	if q.UserID == "" {
		return shared.NewDomainError("query", "GetUserChallenges", shared.ErrValidation, "user_id is required")
	}
	if q.Category != "" {
		for _, c := range challenge.Categories {
			if c == q.Category {
				return nil
			}
		}
		return shared.NewDomainError("query", "GetUserChallenges", shared.ErrValidation,
			fmt.Sprintf("unknown category %q", q.Category))
	}
	return nil
}

// ChallengeViewDTO is one challenge as the user sees it.
type ChallengeViewDTO struct {
	// ─────────────────────────────────────────────────────────────────────────
	// Definition
	// ─────────────────────────────────────────────────────────────────────────

	ChallengeID string             `json:"challenge_id"`
	Title       string             `json:"title"`
	Description string             `json:"description,omitempty"`
	Category    challenge.Category `json:"category"`
	XPReward    int                `json:"xp_reward"`
	Badge       string             `json:"badge,omitempty"`
	EventType   string             `json:"event_type,omitempty"`
	StartsAt    *time.Time         `json:"starts_at,omitempty"`
	EndsAt      *time.Time         `json:"ends_at,omitempty"`

	// ─────────────────────────────────────────────────────────────────────────
	// Progress
	// ─────────────────────────────────────────────────────────────────────────

	State           progress.State `json:"state"`
	Current         int            `json:"current"`
	Required        int            `json:"required"`
	Percentage      int            `json:"percentage"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	RewardGrantedAt *time.Time     `json:"reward_granted_at,omitempty"`
}

// UserChallengesDTO is the listing result.
type UserChallengesDTO struct {
	UserID      string             `json:"user_id"`
	Challenges  []ChallengeViewDTO `json:"challenges"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// ChallengeViewCache stores a user's full listing.
type ChallengeViewCache interface {
	// Get returns false on a miss.
	Get(ctx context.Context, userID string) (*UserChallengesDTO, bool, error)
	Set(ctx context.Context, userID string, views *UserChallengesDTO) error
	Invalidate(ctx context.Context, userID string) error
}

// GetUserChallengesHandler handles the listing query.
type GetUserChallengesHandler struct {
	challengeRepo challenge.Repository
	progressRepo  progress.Repository
	classifier    *challenge.Classifier
	cache         ChallengeViewCache
	clock         shared.Clock
	logger        *slog.Logger
}

// NewGetUserChallengesHandler creates the handler. cache may be nil.
func NewGetUserChallengesHandler(
	challengeRepo challenge.Repository,
	progressRepo progress.Repository,
	classifier *challenge.Classifier,
	cache ChallengeViewCache,
	clock shared.Clock,
	logger *slog.Logger,
) *GetUserChallengesHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if classifier == nil {
		classifier = challenge.NewClassifier(logger)
	}
	if clock == nil {
		clock = shared.SystemClock{}
	}
	return &GetUserChallengesHandler{
		challengeRepo: challengeRepo,
		progressRepo:  progressRepo,
		classifier:    classifier,
		cache:         cache,
		clock:         clock,
		logger:        logger,
	}
}

// Handle executes the query.
func (h *GetUserChallengesHandler) Handle(ctx context.Context, q GetUserChallengesQuery) (*UserChallengesDTO, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	all, err := h.load(ctx, q.UserID)
	if err != nil {
		return nil, err
	}

	result := &UserChallengesDTO{
		UserID:      all.UserID,
		Challenges:  make([]ChallengeViewDTO, 0, len(all.Challenges)),
		GeneratedAt: all.GeneratedAt,
	}
	for _, v := range all.Challenges {
		if q.Category != "" && v.Category != q.Category {
			continue
		}
		if !q.IncludeCompleted && v.CompletedAt != nil {
			continue
		}
		result.Challenges = append(result.Challenges, v)
	}
	return result, nil
}

func (h *GetUserChallengesHandler) load(ctx context.Context, userID string) (*UserChallengesDTO, error) {
	if h.cache != nil {
		cached, ok, err := h.cache.Get(ctx, userID)
		switch {
		case err != nil:
			h.logger.Warn("challenge view cache read failed", "user_id", userID, "error", err)
		case ok:
			return cached, nil
		}
	}

	challenges, err := h.challengeRepo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list challenges: %w", err)
	}
	rows, err := h.progressRepo.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}

	byChallenge := make(map[string]*progress.Progress, len(rows))
	for _, p := range rows {
		byChallenge[p.ChallengeID] = p
	}

	views := &UserChallengesDTO{
		UserID:      userID,
		Challenges:  make([]ChallengeViewDTO, 0, len(challenges)),
		GeneratedAt: h.clock.Now(),
	}
	for _, c := range challenges {
		views.Challenges = append(views.Challenges, h.view(c, byChallenge[c.ID]))
	}

	if h.cache != nil {
		if err := h.cache.Set(ctx, userID, views); err != nil {
			h.logger.Warn("challenge view cache write failed", "user_id", userID, "error", err)
		}
	}
	return views, nil
}

func (h *GetUserChallengesHandler) view(c *challenge.Challenge, p *progress.Progress) ChallengeViewDTO {
	v := ChallengeViewDTO{
		ChallengeID: c.ID,
		Title:       c.Title,
		Description: c.Description,
		Category:    h.classifier.Classify(c),
		XPReward:    c.XPReward,
		Badge:       c.Badge(),
		EventType:   c.EventType,
		State:       progress.StateNotStarted,
		Required:    c.Target(),
	}
	if c.Window != nil {
		from, to := c.Window.Bounds()
		if !from.IsZero() {
			v.StartsAt = &from
		}
		if !to.IsZero() {
			v.EndsAt = &to
		}
	}
	if p != nil {
		v.State = p.State()
		v.Current = p.Current
		v.Required = p.Required
		v.Percentage = p.Percentage
		v.CompletedAt = p.CompletedAt
		v.RewardGrantedAt = p.RewardGrantedAt
	}
	return v
}

// GroupByCategory buckets views by category. Every category is present, in
// precedence order of challenge.Categories.
func GroupByCategory(views []ChallengeViewDTO) map[challenge.Category][]ChallengeViewDTO {
	groups := make(map[challenge.Category][]ChallengeViewDTO, len(challenge.Categories))
	for _, c := range challenge.Categories {
		groups[c] = []ChallengeViewDTO{}
	}
	for _, v := range views {
		groups[v.Category] = append(groups[v.Category], v)
	}
	return groups
}
