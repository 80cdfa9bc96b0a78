package issuer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stamptrail/progression-engine/internal/domain/reward"
	"github.com/stamptrail/progression-engine/internal/domain/shared"
	"github.com/stamptrail/progression-engine/pkg/logger"
)

var issuedAt = time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := DefaultClientConfig(srv.URL + "/")
	cfg.APIKey = "secret"
	cfg.RequestsPerSecond = 0
	cfg.Logger = logger.Discard()
	return NewClient(cfg)
}

func sampleRequest() reward.IssueRequest {
	return reward.IssueRequest{
		UserID:      "u1",
		ChallengeID: "museum-week",
		XP:          40,
		Reward:      reward.Descriptor{Kind: reward.KindVoucher, Value: "FREE-COFFEE"},
	}
}

func TestClient_IssueSendsIdempotencyKey(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/rewards", r.URL.Path)
		assert.Equal(t, "reward:u1:museum-week", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body issueRequestDTO
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "voucher", body.Kind)
		assert.Equal(t, "FREE-COFFEE", body.Value)
		assert.Equal(t, 40, body.XP)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(issueResponseDTO{ID: "rw_1", IssuedAt: issuedAt})
	})

	receipt, err := c.Issue(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "rw_1", receipt.ExternalID)
	assert.True(t, issuedAt.Equal(receipt.IssuedAt))
}

func TestClient_ConflictReturnsOriginalReceipt(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(issueResponseDTO{ID: "rw_original", IssuedAt: issuedAt})
	})

	receipt, err := c.Issue(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "rw_original", receipt.ExternalID)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(issueResponseDTO{ID: "rw_2", IssuedAt: issuedAt})
	})

	receipt, err := c.Issue(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "rw_2", receipt.ExternalID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(errorResponseDTO{Code: "unknown_reward", Message: "no such voucher"})
	})

	_, err := c.Issue(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.True(t, shared.IsTransient(err))
	assert.Contains(t, err.Error(), "no such voucher")
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_RateLimitIsRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(issueResponseDTO{ID: "rw_3", IssuedAt: issuedAt})
	})

	_, err := c.Issue(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(&RateLimitError{RetryAfter: time.Second}))
	assert.True(t, isRetryable(&APIError{StatusCode: 503}))
	assert.False(t, isRetryable(&APIError{StatusCode: 400}))
	assert.False(t, isRetryable(context.Canceled))
	assert.False(t, isRetryable(nil))
}

func TestLogIssuer_StableReceipt(t *testing.T) {
	l := NewLogIssuer(logger.Discard())
	a, err := l.Issue(context.Background(), sampleRequest())
	require.NoError(t, err)
	b, err := l.Issue(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, a.ExternalID, b.ExternalID)
	assert.NotEmpty(t, a.ExternalID)
}
