// Package memory provides in-process implementations of every repository the
// engine uses. They back unit tests and the single-binary dev mode; semantics
// (version checks, reward marker CAS, set-semantics badges) match Postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stamptrail/progression-engine/internal/domain/activity"
	"github.com/stamptrail/progression-engine/internal/domain/catalog"
	"github.com/stamptrail/progression-engine/internal/domain/challenge"
	"github.com/stamptrail/progression-engine/internal/domain/progress"
	"github.com/stamptrail/progression-engine/internal/domain/reward"
	"github.com/stamptrail/progression-engine/internal/domain/shared"
)

// Store bundles the in-memory repositories.
type Store struct {
	Activities *ActivityRepository
	Parking    *ParkingLot
	Challenges *ChallengeRepository
	Progress   *ProgressRepository
	Catalog    *Catalog
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		Activities: NewActivityRepository(),
		Parking:    NewParkingLot(),
		Challenges: NewChallengeRepository(),
		Progress:   NewProgressRepository(),
		Catalog:    NewCatalog(),
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Activities
// ═══════════════════════════════════════════════════════════════════════════

// ActivityRepository stores activities in memory.
type ActivityRepository struct {
	mu     sync.RWMutex
	byID   map[string]*activity.Activity
	byUser map[string][]*activity.Activity
}

// NewActivityRepository creates an empty ActivityRepository.
func NewActivityRepository() *ActivityRepository {
	return &ActivityRepository{
		byID:   make(map[string]*activity.Activity),
		byUser: make(map[string][]*activity.Activity),
	}
}

// Append implements activity.Repository.
func (r *ActivityRepository) Append(_ context.Context, a *activity.Activity) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[a.ID]; exists {
		return false, nil
	}

	cp := *a
	if cp.RecordedAt.IsZero() {
		cp.RecordedAt = time.Now().UTC()
	}
	r.byID[cp.ID] = &cp
	r.byUser[cp.UserID] = append(r.byUser[cp.UserID], &cp)
	return true, nil
}

// Get implements activity.Repository.
func (r *ActivityRepository) Get(_ context.Context, id string) (*activity.Activity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.byID[id]
	if !ok {
		return nil, shared.NewDomainError("activity", "Get", shared.ErrNotFound, "activity not found")
	}
	cp := *a
	return &cp, nil
}

// ListByUser implements activity.Repository.
func (r *ActivityRepository) ListByUser(_ context.Context, userID string, filter activity.Filter) ([]*activity.Activity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make(map[activity.Type]bool, len(filter.Types))
	for _, t := range filter.Types {
		types[t] = true
	}

	result := make([]*activity.Activity, 0)
	for _, a := range r.byUser[userID] {
		if len(types) > 0 && !types[a.Type] {
			continue
		}
		if !a.Within(filter.From, filter.To) {
			continue
		}
		cp := *a
		result = append(result, &cp)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].OccurredAt.Before(result[j].OccurredAt)
	})
	return result, nil
}

// ParkingLot stores parked activities in memory.
type ParkingLot struct {
	mu     sync.Mutex
	parked map[string]*activity.Parked // keyed by activity ID
}

// NewParkingLot creates an empty ParkingLot.
func NewParkingLot() *ParkingLot {
	return &ParkingLot{parked: make(map[string]*activity.Parked)}
}

// Park implements activity.ParkingLot.
func (l *ParkingLot) Park(_ context.Context, p *activity.Parked) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.parked[p.ActivityID]; ok {
		existing.Reason = p.Reason
		return nil
	}
	cp := *p
	l.parked[p.ActivityID] = &cp
	return nil
}

// ListDue implements activity.ParkingLot.
func (l *ParkingLot) ListDue(_ context.Context, now time.Time, limit int) ([]*activity.Parked, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	due := make([]*activity.Parked, 0)
	for _, p := range l.parked {
		if p.IsDue(now) {
			cp := *p
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Reschedule implements activity.ParkingLot.
func (l *ParkingLot) Reschedule(_ context.Context, p *activity.Parked) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, existing := range l.parked {
		if existing.ID == p.ID {
			cp := *p
			l.parked[key] = &cp
			return nil
		}
	}
	return shared.NewDomainError("activity", "Reschedule", shared.ErrNotFound, "parked activity not found")
}

// Resolve implements activity.ParkingLot.
func (l *ParkingLot) Resolve(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, existing := range l.parked {
		if existing.ID == id {
			delete(l.parked, key)
			return nil
		}
	}
	return nil
}

// Len returns the number of parked activities.
func (l *ParkingLot) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.parked)
}

// ═══════════════════════════════════════════════════════════════════════════
// Challenges
// ═══════════════════════════════════════════════════════════════════════════

// ChallengeRepository stores challenge definitions and flags in memory.
type ChallengeRepository struct {
	mu         sync.RWMutex
	challenges map[string]*challenge.Challenge
	order      []string
	flags      map[string]challenge.Flag

	// DependentsHook, when set, runs before ListDependents and can fail it.
	DependentsHook func(challengeID string) error
}

// NewChallengeRepository creates an empty ChallengeRepository.
func NewChallengeRepository() *ChallengeRepository {
	return &ChallengeRepository{
		challenges: make(map[string]*challenge.Challenge),
		flags:      make(map[string]challenge.Flag),
	}
}

// Get implements challenge.Repository.
func (r *ChallengeRepository) Get(_ context.Context, id string) (*challenge.Challenge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.challenges[id]
	if !ok {
		return nil, shared.ErrChallengeNotFound
	}
	cp := *c
	return &cp, nil
}

// Save implements challenge.Repository.
func (r *ChallengeRepository) Save(_ context.Context, c *challenge.Challenge) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.challenges[c.ID]; !exists {
		r.order = append(r.order, c.ID)
	}
	cp := *c
	r.challenges[c.ID] = &cp
	return nil
}

func (r *ChallengeRepository) list(match func(*challenge.Challenge) bool) []*challenge.Challenge {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*challenge.Challenge, 0)
	for _, id := range r.order {
		if _, flagged := r.flags[id]; flagged {
			continue
		}
		c := r.challenges[id]
		if match(c) {
			cp := *c
			result = append(result, &cp)
		}
	}
	return result
}

// ListActive implements challenge.Repository.
func (r *ChallengeRepository) ListActive(_ context.Context) ([]*challenge.Challenge, error) {
	return r.list(func(*challenge.Challenge) bool { return true }), nil
}

// ListTriggeredBy implements challenge.Repository.
func (r *ChallengeRepository) ListTriggeredBy(_ context.Context, t activity.Type) ([]*challenge.Challenge, error) {
	return r.list(func(c *challenge.Challenge) bool { return c.TriggeredBy(t) }), nil
}

// ListDependents implements challenge.Repository.
func (r *ChallengeRepository) ListDependents(_ context.Context, challengeID string) ([]*challenge.Challenge, error) {
	if r.DependentsHook != nil {
		if err := r.DependentsHook(challengeID); err != nil {
			return nil, err
		}
	}
	return r.list(func(c *challenge.Challenge) bool { return c.DependsOn(challengeID) }), nil
}

// Flag implements challenge.Repository.
func (r *ChallengeRepository) Flag(_ context.Context, id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.flags[id] = challenge.Flag{ChallengeID: id, Reason: reason, FlaggedAt: time.Now().UTC()}
	return nil
}

// Unflag implements challenge.Repository.
func (r *ChallengeRepository) Unflag(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.flags, id)
	return nil
}

// IsFlagged implements challenge.Repository.
func (r *ChallengeRepository) IsFlagged(_ context.Context, id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.flags[id]
	return ok, nil
}

// ListFlags implements challenge.Repository.
func (r *ChallengeRepository) ListFlags(_ context.Context) ([]challenge.Flag, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]challenge.Flag, 0, len(r.flags))
	for _, f := range r.flags {
		result = append(result, f)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ChallengeID < result[j].ChallengeID })
	return result, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Progress and rewards
// ═══════════════════════════════════════════════════════════════════════════

type progressKey struct {
	userID      string
	challengeID string
}

// ProgressRepository stores progress rows, progressions and reward grants.
// A single mutex covers all three so GrantReward is atomic.
type ProgressRepository struct {
	mu           sync.Mutex
	rows         map[progressKey]*progress.Progress
	progressions map[string]*progress.Progression
	grants       map[string][]*reward.Grant

	// SaveHook, when set, runs inside Save before the version check. A
	// non-nil error is returned from Save with nothing written.
	SaveHook func(p *progress.Progress) error
}

// NewProgressRepository creates an empty ProgressRepository.
func NewProgressRepository() *ProgressRepository {
	return &ProgressRepository{
		rows:         make(map[progressKey]*progress.Progress),
		progressions: make(map[string]*progress.Progression),
		grants:       make(map[string][]*reward.Grant),
	}
}

// Get implements progress.Repository.
func (r *ProgressRepository) Get(_ context.Context, userID, challengeID string) (*progress.Progress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.rows[progressKey{userID, challengeID}]
	if !ok {
		return nil, shared.ErrProgressNotFound
	}
	return p.Clone(), nil
}

// Save implements progress.Repository.
func (r *ProgressRepository) Save(_ context.Context, p *progress.Progress) error {
	if r.SaveHook != nil {
		if err := r.SaveHook(p); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := progressKey{p.UserID, p.ChallengeID}
	stored, exists := r.rows[key]

	switch {
	case p.Version == 0 && exists:
		return shared.ErrVersionConflict
	case p.Version > 0 && (!exists || stored.Version != p.Version):
		return shared.ErrVersionConflict
	}

	if exists {
		if err := progress.CheckSuccessor(stored, p); err != nil {
			return err
		}
	}

	next := p.Clone()
	next.Version = p.Version + 1
	if exists {
		next.RewardGrantedAt = stored.RewardGrantedAt
	}
	r.rows[key] = next
	p.Version = next.Version
	return nil
}

// ListByUser implements progress.Repository.
func (r *ProgressRepository) ListByUser(_ context.Context, userID string) ([]*progress.Progress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]*progress.Progress, 0)
	for key, p := range r.rows {
		if key.userID == userID {
			result = append(result, p.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ChallengeID < result[j].ChallengeID })
	return result, nil
}

// CompletedAt implements progress.Repository.
func (r *ProgressRepository) CompletedAt(_ context.Context, userID string, challengeIDs []string) (map[string]time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make(map[string]time.Time, len(challengeIDs))
	for _, id := range challengeIDs {
		if p, ok := r.rows[progressKey{userID, id}]; ok && p.CompletedAt != nil {
			result[id] = *p.CompletedAt
		}
	}
	return result, nil
}

// ListUsersCompleted implements progress.Repository.
func (r *ProgressRepository) ListUsersCompleted(_ context.Context, challengeIDs []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wanted := make(map[string]bool, len(challengeIDs))
	for _, id := range challengeIDs {
		wanted[id] = true
	}
	seen := make(map[string]bool)
	users := make([]string, 0)
	for key, p := range r.rows {
		if wanted[key.challengeID] && p.CompletedAt != nil && !seen[key.userID] {
			seen[key.userID] = true
			users = append(users, key.userID)
		}
	}
	sort.Strings(users)
	return users, nil
}

// ListRewardPending implements progress.Repository.
func (r *ProgressRepository) ListRewardPending(_ context.Context, cutoff time.Time, limit int) ([]*progress.Progress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]*progress.Progress, 0)
	for _, p := range r.rows {
		if p.IsRewardPending() && p.CompletedAt.Before(cutoff) {
			result = append(result, p.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CompletedAt.Before(*result[j].CompletedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// GrantReward implements progress.Ledger.
func (r *ProgressRepository) GrantReward(_ context.Context, g *reward.Grant) (*progress.GrantReceipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[progressKey{g.UserID, g.ChallengeID}]
	switch {
	case !ok || row.CompletedAt == nil:
		return nil, shared.ErrChallengeNotCompleted
	case row.RewardGrantedAt != nil:
		return nil, shared.ErrRewardAlreadyGranted
	}

	grantedAt := g.GrantedAt.UTC()
	row.RewardGrantedAt = &grantedAt
	row.Version++

	pr, ok := r.progressions[g.UserID]
	if !ok {
		pr = progress.NewProgression(g.UserID)
		r.progressions[g.UserID] = pr
	}
	before := pr.XP
	pr.XP += g.XP
	pr.AddBadge(g.Badge)
	pr.UpdatedAt = grantedAt

	cp := *g
	r.grants[g.UserID] = append(r.grants[g.UserID], &cp)

	return &progress.GrantReceipt{XPBefore: before, Progression: pr.Clone()}, nil
}

// GetProgression implements progress.Ledger.
func (r *ProgressRepository) GetProgression(_ context.Context, userID string) (*progress.Progression, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pr, ok := r.progressions[userID]; ok {
		return pr.Clone(), nil
	}
	return progress.NewProgression(userID), nil
}

// ListGrants implements progress.Ledger.
func (r *ProgressRepository) ListGrants(_ context.Context, userID string) ([]*reward.Grant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	grants := r.grants[userID]
	result := make([]*reward.Grant, 0, len(grants))
	for i := len(grants) - 1; i >= 0; i-- {
		cp := *grants[i]
		result = append(result, &cp)
	}
	return result, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Catalog
// ═══════════════════════════════════════════════════════════════════════════

// Catalog is an in-memory venue and menu catalog with outage injection.
type Catalog struct {
	mu          sync.RWMutex
	venues      map[string]catalog.Venue
	items       map[string]catalog.MenuItem
	unavailable bool
	lookups     int
	// remaining counts lookups left before the catalog goes down; 0 is off.
	remaining int
}

// NewCatalog creates an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		venues: make(map[string]catalog.Venue),
		items:  make(map[string]catalog.MenuItem),
	}
}

// UpsertVenue implements catalog.Store.
func (c *Catalog) UpsertVenue(_ context.Context, v catalog.Venue) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	v.ID = shared.NormalizeRef(v.ID)
	c.venues[v.ID] = v
	return nil
}

// UpsertMenuItem implements catalog.Store.
func (c *Catalog) UpsertMenuItem(_ context.Context, item catalog.MenuItem) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	item.ID = shared.NormalizeRef(item.ID)
	c.items[item.ID] = item
	return nil
}

// VenueExists implements catalog.Catalog.
func (c *Catalog) VenueExists(_ context.Context, venueID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.answer() {
		return false, shared.ErrCatalogUnavailable
	}
	_, ok := c.venues[shared.NormalizeRef(venueID)]
	return ok, nil
}

// MenuItemExists implements catalog.Catalog.
func (c *Catalog) MenuItemExists(_ context.Context, itemID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.answer() {
		return false, shared.ErrCatalogUnavailable
	}
	_, ok := c.items[shared.NormalizeRef(itemID)]
	return ok, nil
}

// answer counts a lookup and reports whether the catalog serves it.
// Callers hold mu.
func (c *Catalog) answer() bool {
	c.lookups++
	if c.unavailable {
		return false
	}
	if c.remaining > 0 {
		c.remaining--
		if c.remaining == 0 {
			c.unavailable = true
		}
	}
	return true
}

// FailAfter lets the next n lookups through and fails every later one.
func (c *Catalog) FailAfter(n int) {
	c.mu.Lock()
	c.remaining = n
	c.unavailable = n <= 0
	c.mu.Unlock()
}

// RemoveVenue deletes a venue, as when it closes after challenges referenced it.
func (c *Catalog) RemoveVenue(venueID string) {
	c.mu.Lock()
	delete(c.venues, shared.NormalizeRef(venueID))
	c.mu.Unlock()
}

// SetUnavailable simulates a catalog outage.
func (c *Catalog) SetUnavailable(down bool) {
	c.mu.Lock()
	c.unavailable = down
	c.remaining = 0
	c.mu.Unlock()
}

// Lookups returns how many existence checks reached the catalog.
func (c *Catalog) Lookups() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lookups
}
