package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stamptrail/progression-engine/internal/application/command"
	"github.com/stamptrail/progression-engine/internal/application/eventhandler"
	"github.com/stamptrail/progression-engine/internal/application/query"
	"github.com/stamptrail/progression-engine/internal/application/saga"
	"github.com/stamptrail/progression-engine/internal/domain/catalog"
	"github.com/stamptrail/progression-engine/internal/domain/progress"
	"github.com/stamptrail/progression-engine/internal/domain/shared"
	"github.com/stamptrail/progression-engine/internal/infrastructure/messaging"
	"github.com/stamptrail/progression-engine/internal/infrastructure/persistence/memory"
	"github.com/stamptrail/progression-engine/internal/infrastructure/scheduler"
	"github.com/stamptrail/progression-engine/pkg/logger"
)

const adminKey = "test-admin-key"

var t0 = time.Date(2026, 7, 4, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store  *memory.Store
	server *Server
}

type fixtureOption func(*Config, *Dependencies)

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	for _, v := range []string{"louvre", "orsay"} {
		require.NoError(t, store.Catalog.UpsertVenue(ctx, catalog.Venue{ID: v}))
	}

	log := logger.Discard()
	clock := shared.NewManualClock(t0)
	bus := messaging.NewInMemoryEventBus(messaging.InMemoryEventBusConfig{Logger: log})
	t.Cleanup(func() { _ = bus.Close() })

	eval := progress.NewEvaluator(store.Activities, store.Progress, store.Catalog, store.Challenges)
	dispenser := saga.NewRewardDispenser(nil, store.Progress, bus, clock, log)
	flow := saga.NewCompletionFlow(eval, store.Progress, store.Challenges, dispenser, bus, clock, saga.DefaultCompletionFlowConfig(), log)
	require.NoError(t, eventhandler.Register(bus, eventhandler.Handlers{Completed: eventhandler.NewOnChallengeCompletedHandler(store.Challenges, flow, log)}))

	cfg := DefaultConfig()
	cfg.RateLimitPerSecond = 0
	cfg.AdminAPIKeys = []string{adminKey}
	deps := Dependencies{
		RecordActivity:   command.NewRecordActivityHandler(store.Activities, store.Parking, store.Challenges, flow, bus, clock, command.DefaultRecordActivityHandlerConfig(), log),
		PublishChallenge: command.NewPublishChallengeHandler(store.Challenges, store.Catalog, nil, flow, bus, clock, log),
		UserChallenges:   query.NewGetUserChallengesHandler(store.Challenges, store.Progress, nil, nil, clock, log),
		Progression:      query.NewGetProgressionHandler(store.Progress),
		Logger:           log,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	s := NewServer(cfg, deps)
	t.Cleanup(func() {
		if s.limiter != nil {
			s.limiter.Stop()
		}
	})
	return &fixture{store: store, server: s}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
	Meta *ResponseMeta `json:"meta"`
}

func (f *fixture) do(t *testing.T, method, path, body string, headers ...string) (int, envelope) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func (f *fixture) publish(t *testing.T, body string) {
	t.Helper()
	code, env := f.do(t, http.MethodPut, "/v1/admin/challenges", body, "X-API-Key", adminKey)
	require.Equal(t, http.StatusOK, code, string(env.Data))
}

const walkerJSON = `{"id":"walker","title":"Walker","requirement":{"kind":"count","activity_type":"check_in","target":2},"xp_reward":30}`

func TestServer_ActivityFlowsIntoReadAPI(t *testing.T) {
	f := newFixture(t)
	f.publish(t, walkerJSON)
	f.publish(t, `{"id":"art","requirement":{"kind":"required_venues","venue_ids":["louvre","orsay"]},"xp_reward":40,"reward":{"kind":"badge","value":"art-lover"}}`)

	code, env := f.do(t, http.MethodPost, "/v1/activities", `{"activity_id":"a1","user_id":"u1","type":"check_in","venue_id":"louvre"}`)
	require.Equal(t, http.StatusCreated, code)
	var rec recordActivityResponse
	require.NoError(t, json.Unmarshal(env.Data, &rec))
	assert.Equal(t, activityStatusProcessed, rec.Status)
	assert.Len(t, rec.Outcomes, 2)

	code, _ = f.do(t, http.MethodPost, "/v1/activities", `{"activity_id":"a2","user_id":"u1","type":"check_in","venue_id":"orsay"}`)
	require.Equal(t, http.StatusCreated, code)

	code, env = f.do(t, http.MethodGet, "/v1/users/u1/progression", "")
	require.Equal(t, http.StatusOK, code)
	var prog query.ProgressionDTO
	require.NoError(t, json.Unmarshal(env.Data, &prog))
	assert.Equal(t, 70, prog.XP)
	assert.Equal(t, 2, prog.Level)
	assert.Equal(t, []string{"art-lover"}, prog.Badges)

	code, env = f.do(t, http.MethodGet, "/v1/users/u1/challenges?include_completed=true", "")
	require.Equal(t, http.StatusOK, code)
	var listing query.UserChallengesDTO
	require.NoError(t, json.Unmarshal(env.Data, &listing))
	require.Len(t, listing.Challenges, 2)
	for _, v := range listing.Challenges {
		assert.Equal(t, 100, v.Percentage, v.ChallengeID)
		assert.NotNil(t, v.CompletedAt)
	}
	assert.Equal(t, 2, env.Meta.TotalCount)

	code, env = f.do(t, http.MethodGet, "/v1/users/u1/challenges", "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &listing))
	assert.Empty(t, listing.Challenges)

	code, env = f.do(t, http.MethodGet, "/v1/users/u1/rewards?limit=1", "")
	require.Equal(t, http.StatusOK, code)
	var grants []query.RewardGrantDTO
	require.NoError(t, json.Unmarshal(env.Data, &grants))
	assert.Len(t, grants, 1)
}

func TestServer_GroupedListing(t *testing.T) {
	f := newFixture(t)
	f.publish(t, walkerJSON)

	code, env := f.do(t, http.MethodGet, "/v1/users/u9/challenges?grouped=true", "")
	require.Equal(t, http.StatusOK, code)
	var grouped struct {
		Categories map[string][]query.ChallengeViewDTO `json:"categories"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &grouped))
	assert.Len(t, grouped.Categories["regular"], 1)
	assert.Empty(t, grouped.Categories["venue"])

	code, env = f.do(t, http.MethodGet, "/v1/users/u9/challenges?category=weird", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation_error", env.Error.Code)
}

func TestServer_DuplicateActivity(t *testing.T) {
	f := newFixture(t)
	f.publish(t, walkerJSON)

	body := `{"activity_id":"dup","user_id":"u1","type":"check_in","venue_id":"louvre"}`
	code, _ := f.do(t, http.MethodPost, "/v1/activities", body)
	require.Equal(t, http.StatusCreated, code)

	code, env := f.do(t, http.MethodPost, "/v1/activities", body)
	require.Equal(t, http.StatusOK, code)
	var rec recordActivityResponse
	require.NoError(t, json.Unmarshal(env.Data, &rec))
	assert.Equal(t, activityStatusDuplicate, rec.Status)
}

func TestServer_CatalogOutageParksActivity(t *testing.T) {
	f := newFixture(t)
	f.publish(t, `{"id":"art","requirement":{"kind":"required_venues","venue_ids":["louvre","orsay"]}}`)
	f.store.Catalog.SetUnavailable(true)

	code, env := f.do(t, http.MethodPost, "/v1/activities", `{"activity_id":"p1","user_id":"u1","type":"scan","venue_id":"louvre"}`)
	require.Equal(t, http.StatusAccepted, code)
	var rec recordActivityResponse
	require.NoError(t, json.Unmarshal(env.Data, &rec))
	assert.Equal(t, activityStatusParked, rec.Status)
	assert.Equal(t, "p1", rec.ActivityID)
	assert.Equal(t, 1, f.store.Parking.Len())
}

func TestServer_RejectsBadActivities(t *testing.T) {
	f := newFixture(t)

	cases := map[string]string{
		"unknown type":   `{"user_id":"u1","type":"teleport"}`,
		"missing venue":  `{"user_id":"u1","type":"check_in"}`,
		"unknown field":  `{"user_id":"u1","type":"review","rating":5}`,
		"not json":       `{"user_id":`,
		"missing user":   `{"type":"review"}`,
		"order no items": `{"user_id":"u1","type":"menu_order"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			code, env := f.do(t, http.MethodPost, "/v1/activities", body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.False(t, env.Success)
		})
	}
}

func TestServer_AdminRequiresKey(t *testing.T) {
	f := newFixture(t)

	code, env := f.do(t, http.MethodPut, "/v1/admin/challenges", walkerJSON)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "missing_api_key", env.Error.Code)

	code, env = f.do(t, http.MethodPut, "/v1/admin/challenges", walkerJSON, "X-API-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "invalid_api_key", env.Error.Code)

	code, _ = f.do(t, http.MethodPut, "/v1/admin/challenges", walkerJSON, "Authorization", "Bearer "+adminKey)
	assert.Equal(t, http.StatusOK, code)
}

func TestServer_AdminRoutesAbsentWithoutKeys(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *Dependencies) { c.AdminAPIKeys = nil })
	code, env := f.do(t, http.MethodPut, "/v1/admin/challenges", walkerJSON, "X-API-Key", adminKey)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", env.Error.Code)
}

func TestServer_PublishFlagsBrokenChallenge(t *testing.T) {
	f := newFixture(t)

	code, env := f.do(t, http.MethodPut, "/v1/admin/challenges",
		`{"id":"tour","requirement":{"kind":"required_venues","venue_ids":["louvre","tate"]}}`, "X-API-Key", adminKey)
	require.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "configuration_error", env.Error.Code)

	var details publishChallengeResponse
	require.NoError(t, json.Unmarshal(env.Error.Details, &details))
	assert.True(t, details.Flagged)
	assert.Contains(t, details.FlagReason, "tate")

	code, env = f.do(t, http.MethodPut, "/v1/admin/challenges",
		`{"id":"odd","requirement":{"kind":"teleports"}}`, "X-API-Key", adminKey)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_body", env.Error.Code)

	require.NoError(t, f.store.Catalog.UpsertVenue(context.Background(), catalog.Venue{ID: "tate"}))
	code, env = f.do(t, http.MethodPost, "/v1/admin/challenges/audit", "", "X-API-Key", adminKey)
	require.Equal(t, http.StatusOK, code)
	var audit auditResponse
	require.NoError(t, json.Unmarshal(env.Data, &audit))
	assert.Equal(t, []string{"tour"}, audit.Unflagged)
}

type fakeJobs struct {
	runs []string
}

func (j *fakeJobs) ListJobs() []scheduler.JobInfo {
	return []scheduler.JobInfo{{Name: "audit_challenges", Enabled: true, Schedule: "every 1h0m0s"}}
}

func (j *fakeJobs) RunNow(_ context.Context, name string) (*scheduler.JobResult, error) {
	switch name {
	case "audit_challenges":
		j.runs = append(j.runs, name)
		return &scheduler.JobResult{JobName: name, Success: true, Manual: true}, nil
	case "retry_pending_rewards":
		err := fmt.Errorf("issuer down")
		return &scheduler.JobResult{JobName: name, Manual: true, Error: err}, err
	default:
		return nil, fmt.Errorf("%w: %s", scheduler.ErrJobNotFound, name)
	}
}

func TestServer_Jobs(t *testing.T) {
	jobs := &fakeJobs{}
	f := newFixture(t, func(_ *Config, d *Dependencies) { d.Jobs = jobs })
	auth := []string{"X-API-Key", adminKey}

	code, env := f.do(t, http.MethodGet, "/v1/admin/jobs", "", auth...)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, env.Meta.TotalCount)

	code, _ = f.do(t, http.MethodPost, "/v1/admin/jobs/audit_challenges/run", "", auth...)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"audit_challenges"}, jobs.runs)

	code, env = f.do(t, http.MethodPost, "/v1/admin/jobs/retry_pending_rewards/run", "", auth...)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "job_failed", env.Error.Code)

	code, _ = f.do(t, http.MethodPost, "/v1/admin/jobs/nope/run", "", auth...)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestServer_JobsUnavailableWithoutScheduler(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodGet, "/v1/admin/jobs", "", "X-API-Key", adminKey)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestServer_RateLimitsActivitiesPerUser(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *Dependencies) {
		c.RateLimitPerSecond = 0.001
		c.RateLimitBurst = 1
	})

	post := func(id, user string) int {
		code, _ := f.do(t, http.MethodPost, "/v1/activities",
			fmt.Sprintf(`{"activity_id":%q,"user_id":%q,"type":"review"}`, id, user), "X-User-ID", user)
		return code
	}
	assert.Equal(t, http.StatusCreated, post("r1", "u1"))
	assert.Equal(t, http.StatusTooManyRequests, post("r2", "u1"))
	assert.Equal(t, http.StatusCreated, post("r3", "u2"))
}

func TestServer_HealthAndUnknownRoutes(t *testing.T) {
	f := newFixture(t)

	code, env := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)

	code, env = f.do(t, http.MethodGet, "/v2/nothing", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, env.Success)

	code, _ = f.do(t, http.MethodDelete, "/v1/activities", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{shared.NewDomainError("x", "y", shared.ErrValidation, "bad"), http.StatusBadRequest},
		{shared.ErrChallengeNotFound, http.StatusNotFound},
		{shared.NewDomainError("x", "y", shared.ErrConfiguration, "broken"), http.StatusUnprocessableEntity},
		{shared.NewDomainError("x", "y", shared.ErrConcurrencyConflict, "raced"), http.StatusConflict},
		{shared.NewDomainError("x", "y", shared.ErrTransientDependency, "down"), http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		got, _ := statusFor(tc.err)
		assert.Equal(t, tc.want, got, tc.err.Error())
	}
}
