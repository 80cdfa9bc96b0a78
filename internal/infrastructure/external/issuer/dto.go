package issuer

import (
	"fmt"
	"time"

	"github.com/stamptrail/progression-engine/internal/domain/reward"
)

type issueRequestDTO struct {
	UserID      string `json:"user_id"`
	ChallengeID string `json:"challenge_id"`
	XP          int    `json:"xp"`
	Kind        string `json:"kind,omitempty"`
	Value       string `json:"value,omitempty"`
	Badge       string `json:"badge,omitempty"`
}

type issueResponseDTO struct {
	ID       string    `json:"id"`
	IssuedAt time.Time `json:"issued_at"`
}

func (r issueResponseDTO) toReceipt() reward.Receipt {
	return reward.Receipt{ExternalID: r.ID, IssuedAt: r.IssuedAt}
}

type errorResponseDTO struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIError is a non-2xx response from the issuance service.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("issuer api error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("issuer api error: status %d", e.StatusCode)
}

// RateLimitError is returned on HTTP 429.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}
