package challenge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stamptrail/progression-engine/internal/domain/activity"
	"github.com/stamptrail/progression-engine/internal/domain/reward"
	"github.com/stamptrail/progression-engine/internal/domain/shared"
)

// requirementJSON is the wire shape of a requirement. Kind selects the variant;
// only the fields of that variant are read.
type requirementJSON struct {
	Kind          RequirementKind `json:"kind"`
	ActivityType  string          `json:"activity_type,omitempty"`
	Target        int             `json:"target,omitempty"`
	VenueIDs      []string        `json:"venue_ids,omitempty"`
	Items         []string        `json:"items,omitempty"`
	RequiredCount int             `json:"required_count,omitempty"`
	ChallengeIDs  []string        `json:"challenge_ids,omitempty"`
}

// EncodeRequirement serializes a requirement with its kind tag.
func EncodeRequirement(r Requirement) ([]byte, error) {
	var w requirementJSON
	switch v := r.(type) {
	case Count:
		w = requirementJSON{Kind: KindCount, ActivityType: string(v.ActivityType), Target: v.Target}
	case RequiredVenues:
		w = requirementJSON{Kind: KindRequiredVenues, VenueIDs: v.VenueIDs}
	case MenuCombo:
		w = requirementJSON{Kind: KindMenuCombo, Items: v.Items, RequiredCount: v.RequiredCount}
	case Combo:
		w = requirementJSON{Kind: KindCombo, ChallengeIDs: v.ChallengeIDs}
	case nil:
		return nil, shared.NewDomainError("challenge", "Encode", shared.ErrConfiguration, "requirement is missing")
	default:
		return nil, shared.WrapError("challenge", "Encode", shared.ErrConfiguration,
			fmt.Sprintf("unsupported requirement %T", r), shared.ErrUnknownRequirement)
	}
	return json.Marshal(w)
}

// DecodeRequirement parses a kind-tagged requirement.
func DecodeRequirement(data []byte) (Requirement, error) {
	var w requirementJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, shared.WrapError("challenge", "Decode", shared.ErrConfiguration, "malformed requirement", err)
	}
	return w.requirement()
}

func (w requirementJSON) requirement() (Requirement, error) {
	switch w.Kind {
	case KindCount:
		return Count{ActivityType: activity.Type(w.ActivityType), Target: w.Target}, nil
	case KindRequiredVenues:
		return RequiredVenues{VenueIDs: w.VenueIDs}, nil
	case KindMenuCombo:
		return MenuCombo{Items: w.Items, RequiredCount: w.RequiredCount}, nil
	case KindCombo:
		return Combo{ChallengeIDs: w.ChallengeIDs}, nil
	default:
		return nil, shared.WrapError("challenge", "Decode", shared.ErrConfiguration,
			fmt.Sprintf("unknown requirement kind %q", w.Kind), shared.ErrUnknownRequirement)
	}
}

type windowJSON struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

type challengeJSON struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Requirement json.RawMessage   `json:"requirement"`
	XPReward    int               `json:"xp_reward"`
	Reward      reward.Descriptor `json:"reward"`
	IsSpecial   bool              `json:"is_special,omitempty"`
	EventType   string            `json:"event_type,omitempty"`
	Window      *windowJSON       `json:"window,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (c Challenge) MarshalJSON() ([]byte, error) {
	req, err := EncodeRequirement(c.Requirement)
	if err != nil {
		return nil, err
	}

	w := challengeJSON{
		ID:          c.ID,
		Title:       c.Title,
		Description: c.Description,
		Requirement: req,
		XPReward:    c.XPReward,
		Reward:      c.Reward,
		IsSpecial:   c.IsSpecial,
		EventType:   c.EventType,
	}
	if c.Window != nil {
		w.Window = &windowJSON{}
		if !c.Window.Start.IsZero() {
			start := c.Window.Start.UTC()
			w.Window.Start = &start
		}
		if !c.Window.End.IsZero() {
			end := c.Window.End.UTC()
			w.Window.End = &end
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Challenge) UnmarshalJSON(data []byte) error {
	var w challengeJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	req, err := DecodeRequirement(w.Requirement)
	if err != nil {
		return err
	}

	*c = Challenge{
		ID:          w.ID,
		Title:       w.Title,
		Description: w.Description,
		Requirement: req,
		XPReward:    w.XPReward,
		Reward:      w.Reward,
		IsSpecial:   w.IsSpecial,
		EventType:   w.EventType,
	}
	if w.Window != nil {
		c.Window = &EventWindow{}
		if w.Window.Start != nil {
			c.Window.Start = w.Window.Start.UTC()
		}
		if w.Window.End != nil {
			c.Window.End = w.Window.End.UTC()
		}
	}
	return nil
}
