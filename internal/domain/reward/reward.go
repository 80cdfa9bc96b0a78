// Package reward describes what a completed challenge pays out and the
// external service that issues badges and partner rewards.
package reward

import (
	"context"
	"time"
)

// Kind is the type of payout attached to a challenge.
type Kind string

const (
	KindNone    Kind = ""
	KindBadge   Kind = "badge"
	KindVoucher Kind = "voucher"
	KindPerk    Kind = "perk"
)

// Descriptor is the reward configured on a challenge besides XP.
type Descriptor struct {
	Kind  Kind   `json:"kind,omitempty"`
	Value string `json:"value,omitempty"`
	Badge string `json:"badge,omitempty"`
}

// IsZero reports whether nothing beyond XP is configured.
func (d Descriptor) IsZero() bool {
	return d.Kind == KindNone && d.Value == "" && d.Badge == ""
}

// IssueRequest asks the issuance service to deliver a reward.
type IssueRequest struct {
	IdempotencyKey string
	UserID         string
	ChallengeID    string
	XP             int
	Reward         Descriptor
}

// Receipt is what the issuance service returns.
type Receipt struct {
	ExternalID string
	IssuedAt   time.Time
}

// Issuer delivers rewards. Implementations must treat repeated calls with the
// same idempotency key as a single issuance.
type Issuer interface {
	Issue(ctx context.Context, req IssueRequest) (Receipt, error)
}

// IdempotencyKey is stable per (user, challenge) so retries never double-issue.
func IdempotencyKey(userID, challengeID string) string {
	return "reward:" + userID + ":" + challengeID
}

// Grant is the audit record of one dispensed reward.
type Grant struct {
	ID          string
	UserID      string
	ChallengeID string
	XP          int
	Badge       string
	Reward      Descriptor
	ExternalID  string
	GrantedAt   time.Time
}
