package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stamptrail/progression-engine/internal/application/command"
	"github.com/stamptrail/progression-engine/internal/application/query"
	"github.com/stamptrail/progression-engine/internal/domain/challenge"
	"github.com/stamptrail/progression-engine/internal/domain/shared"
	"github.com/stamptrail/progression-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH
// ══════════════════════════════════════════════════════════════════════════════

// handleHealth reports dependency status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.deps.HealthChecker.Check(r.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, status, nil)
}

// handleLive answers liveness probes without touching dependencies.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "alive"}, nil)
}

// ══════════════════════════════════════════════════════════════════════════════
// ACTIVITIES
// ══════════════════════════════════════════════════════════════════════════════

type recordActivityRequest struct {
	ActivityID string     `json:"activity_id"`
	UserID     string     `json:"user_id"`
	Type       string     `json:"type"`
	VenueID    string     `json:"venue_id"`
	MenuItems  []string   `json:"menu_items"`
	OccurredAt *time.Time `json:"occurred_at"`
}

type challengeOutcomeResponse struct {
	ChallengeID   string `json:"challenge_id"`
	Percentage    int    `json:"percentage"`
	Changed       bool   `json:"changed"`
	Completed     bool   `json:"completed"`
	XPAwarded     int    `json:"xp_awarded,omitempty"`
	RewardPending bool   `json:"reward_pending,omitempty"`
}

type recordActivityResponse struct {
	ActivityID string                     `json:"activity_id"`
	UserID     string                     `json:"user_id"`
	Status     string                     `json:"status"`
	Outcomes   []challengeOutcomeResponse `json:"outcomes"`
	Skipped    []string                   `json:"skipped,omitempty"`
	RecordedAt time.Time                  `json:"recorded_at"`
}

const (
	activityStatusProcessed = "processed"
	activityStatusDuplicate = "duplicate"
	activityStatusParked    = "parked"
)

// handleRecordActivity ingests one activity. A parked activity is stored and
// will be evaluated later, so it answers 202.
func (s *Server) handleRecordActivity(w http.ResponseWriter, r *http.Request) {
	if s.deps.RecordActivity == nil {
		writeJSONError(w, r, http.StatusServiceUnavailable, "unavailable", "activity ingestion is not configured")
		return
	}

	var req recordActivityRequest
	if !decodeBody(w, r, &req) {
		return
	}

	cmd := command.RecordActivityCommand{
		ActivityID: req.ActivityID,
		UserID:     req.UserID,
		Type:       req.Type,
		VenueID:    req.VenueID,
		MenuItems:  req.MenuItems,
	}
	if req.OccurredAt != nil {
		cmd.OccurredAt = req.OccurredAt.UTC()
	}

	result, err := s.deps.RecordActivity.Handle(r.Context(), cmd)
	switch {
	case err != nil && shared.IsTryAgainLater(err) && result != nil:
		logger.FromContext(r.Context()).Warn("activity parked", logger.ActivityID(result.ActivityID), logger.Err(err))
		writeJSON(w, r, http.StatusAccepted, toActivityResponse(result, activityStatusParked), nil)
	case err != nil:
		s.writeDomainError(w, r, err, nil)
	case result.Duplicate:
		writeJSON(w, r, http.StatusOK, toActivityResponse(result, activityStatusDuplicate), nil)
	default:
		writeJSON(w, r, http.StatusCreated, toActivityResponse(result, activityStatusProcessed), nil)
	}
}

func toActivityResponse(res *command.RecordActivityResult, status string) recordActivityResponse {
	out := recordActivityResponse{
		ActivityID: res.ActivityID,
		UserID:     res.UserID,
		Status:     status,
		Outcomes:   make([]challengeOutcomeResponse, 0, len(res.Outcomes)),
		Skipped:    res.Skipped,
		RecordedAt: res.RecordedAt,
	}
	for _, o := range res.Outcomes {
		out.Outcomes = append(out.Outcomes, challengeOutcomeResponse{
			ChallengeID:   o.ChallengeID,
			Percentage:    o.Percentage,
			Changed:       o.Changed,
			Completed:     o.Completed,
			XPAwarded:     o.XPAwarded,
			RewardPending: o.RewardPending,
		})
	}
	return out
}

// ══════════════════════════════════════════════════════════════════════════════
// READ API
// ══════════════════════════════════════════════════════════════════════════════

// handleGetUserChallenges lists actionable challenges with the user's progress.
// ?grouped=true returns the listing keyed by category.
func (s *Server) handleGetUserChallenges(w http.ResponseWriter, r *http.Request) {
	if s.deps.UserChallenges == nil {
		writeJSONError(w, r, http.StatusServiceUnavailable, "unavailable", "challenge listing is not configured")
		return
	}

	q := query.GetUserChallengesQuery{
		UserID:           chi.URLParam(r, "userID"),
		Category:         challenge.Category(strings.TrimSpace(r.URL.Query().Get("category"))),
		IncludeCompleted: getQueryParamBool(r, "include_completed"),
	}
	result, err := s.deps.UserChallenges.Handle(r.Context(), q)
	if err != nil {
		s.writeDomainError(w, r, err, nil)
		return
	}

	meta := &ResponseMeta{TotalCount: len(result.Challenges)}
	if getQueryParamBool(r, "grouped") {
		writeJSON(w, r, http.StatusOK, map[string]any{
			"user_id":      result.UserID,
			"categories":   query.GroupByCategory(result.Challenges),
			"generated_at": result.GeneratedAt,
		}, meta)
		return
	}
	writeJSON(w, r, http.StatusOK, result, meta)
}

// handleGetProgression returns XP, level and badges.
func (s *Server) handleGetProgression(w http.ResponseWriter, r *http.Request) {
	if s.deps.Progression == nil {
		writeJSONError(w, r, http.StatusServiceUnavailable, "unavailable", "progression is not configured")
		return
	}
	result, err := s.deps.Progression.Handle(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeDomainError(w, r, err, nil)
		return
	}
	writeJSON(w, r, http.StatusOK, result, nil)
}

// handleGetRewards returns the reward audit log, newest first.
func (s *Server) handleGetRewards(w http.ResponseWriter, r *http.Request) {
	if s.deps.Progression == nil {
		writeJSONError(w, r, http.StatusServiceUnavailable, "unavailable", "progression is not configured")
		return
	}
	grants, err := s.deps.Progression.Rewards(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeDomainError(w, r, err, nil)
		return
	}
	if limit := getQueryParamInt(r, "limit", 0); limit > 0 && limit < len(grants) {
		grants = grants[:limit]
	}
	writeJSON(w, r, http.StatusOK, grants, &ResponseMeta{TotalCount: len(grants)})
}

// ══════════════════════════════════════════════════════════════════════════════
// ADMINISTRATION
// ══════════════════════════════════════════════════════════════════════════════

type publishChallengeResponse struct {
	ChallengeID string             `json:"challenge_id"`
	Category    challenge.Category `json:"category"`
	Flagged     bool               `json:"flagged"`
	FlagReason  string             `json:"flag_reason,omitempty"`
	// Backfilled counts users whose combo row changed on publication.
	Backfilled int `json:"backfilled,omitempty"`
}

// handlePublishChallenge creates or replaces a challenge definition. A
// definition that fails validation is still stored, flagged, and answered
// with 422.
func (s *Server) handlePublishChallenge(w http.ResponseWriter, r *http.Request) {
	if s.deps.PublishChallenge == nil {
		writeJSONError(w, r, http.StatusServiceUnavailable, "unavailable", "challenge publication is not configured")
		return
	}

	var def challenge.Challenge
	if !decodeBody(w, r, &def) {
		return
	}

	result, err := s.deps.PublishChallenge.Handle(r.Context(), command.PublishChallengeCommand{Challenge: &def})
	if err != nil && result == nil {
		s.writeDomainError(w, r, err, nil)
		return
	}
	body := publishChallengeResponse{
		ChallengeID: result.ChallengeID,
		Category:    result.Category,
		Flagged:     result.Flagged,
		FlagReason:  result.FlagReason,
	}
	if result.Backfill != nil {
		body.Backfilled = result.Backfill.Changed
	}
	if err != nil {
		s.writeDomainError(w, r, err, body)
		return
	}
	writeJSON(w, r, http.StatusOK, body, nil)
}

type auditResponse struct {
	Checked    int      `json:"checked"`
	Flagged    []string `json:"flagged"`
	Unflagged  []string `json:"unflagged"`
	DurationMS int64    `json:"duration_ms"`
}

// handleAuditChallenges re-validates every stored challenge.
func (s *Server) handleAuditChallenges(w http.ResponseWriter, r *http.Request) {
	if s.deps.PublishChallenge == nil {
		writeJSONError(w, r, http.StatusServiceUnavailable, "unavailable", "challenge publication is not configured")
		return
	}
	result, err := s.deps.PublishChallenge.Audit(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err, nil)
		return
	}
	writeJSON(w, r, http.StatusOK, auditResponse{
		Checked:    result.Checked,
		Flagged:    nonNil(result.Flagged),
		Unflagged:  nonNil(result.Unflagged),
		DurationMS: result.Duration.Milliseconds(),
	}, nil)
}

// handleListJobs lists the scheduled background jobs.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeJSONError(w, r, http.StatusServiceUnavailable, "unavailable", "scheduler is not running")
		return
	}
	jobs := s.deps.Jobs.ListJobs()
	writeJSON(w, r, http.StatusOK, jobs, &ResponseMeta{TotalCount: len(jobs)})
}

type jobRunResponse struct {
	JobName    string `json:"job_name"`
	Success    bool   `json:"success"`
	Skipped    bool   `json:"skipped,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// handleRunJob runs a job immediately. A job that ran and failed is reported
// with 500 and the run summary.
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeJSONError(w, r, http.StatusServiceUnavailable, "unavailable", "scheduler is not running")
		return
	}
	result, err := s.deps.Jobs.RunNow(r.Context(), chi.URLParam(r, "name"))
	if result == nil {
		s.writeDomainError(w, r, err, nil)
		return
	}

	body := jobRunResponse{
		JobName:    result.JobName,
		Success:    result.Success,
		Skipped:    result.Skipped,
		DurationMS: result.Duration.Milliseconds(),
	}
	if err != nil {
		body.Error = err.Error()
		writeJSONErrorWithDetails(w, r, http.StatusInternalServerError, "job_failed", "job run failed", body)
		return
	}
	writeJSON(w, r, http.StatusOK, body, nil)
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// decodeBody decodes a JSON body, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSONErrorWithDetails(w, r, http.StatusBadRequest, "invalid_body", "request body is not valid JSON for this endpoint", err.Error())
		return false
	}
	return true
}

// getQueryParamInt extracts an integer query parameter with a default value.
func getQueryParamInt(r *http.Request, key string, defaultValue int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

// getQueryParamBool extracts a boolean query parameter.
func getQueryParamBool(r *http.Request, key string) bool {
	value := strings.ToLower(r.URL.Query().Get(key))
	return value == "true" || value == "1" || value == "yes"
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
