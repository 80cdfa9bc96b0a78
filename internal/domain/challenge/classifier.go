package challenge

import (
	"log/slog"
)

// Category is the display and evaluation bucket of a challenge.
type Category string

const (
	CategorySpecial   Category = "special"
	CategoryMenuCombo Category = "menu_combo"
	CategoryVenue     Category = "venue"
	CategoryCombo     Category = "combo"
	CategoryRegular   Category = "regular"
)

// Categories lists every category in precedence order.
var Categories = []Category{CategorySpecial, CategoryMenuCombo, CategoryVenue, CategoryCombo, CategoryRegular}

// Rule assigns Category when Match returns true. Rules are tried in order.
type Rule struct {
	Category Category
	Match    func(c *Challenge) bool
}

// CategoryRules is the precedence table. The first matching rule wins and
// CategoryRegular is the fallback when nothing matches. A special challenge
// stays special even if it also lists venues or menu items.
var CategoryRules = []Rule{
	{Category: CategorySpecial, Match: func(c *Challenge) bool {
		return c.IsSpecial
	}},
	{Category: CategoryMenuCombo, Match: func(c *Challenge) bool {
		r, ok := c.Requirement.(MenuCombo)
		return ok && len(r.Items) > 0
	}},
	{Category: CategoryVenue, Match: func(c *Challenge) bool {
		r, ok := c.Requirement.(RequiredVenues)
		return ok && len(r.VenueIDs) > 0
	}},
	{Category: CategoryCombo, Match: func(c *Challenge) bool {
		r, ok := c.Requirement.(Combo)
		return ok && len(r.ChallengeIDs) > 0
	}},
}

// Classifier applies the precedence table and reports malformed input.
type Classifier struct {
	rules  []Rule
	logger *slog.Logger
}

// NewClassifier creates a classifier over CategoryRules.
func NewClassifier(logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		rules:  CategoryRules,
		logger: logger.With(slog.String("component", "classifier")),
	}
}

// Classify returns exactly one category for c. Malformed challenges fall back
// to CategoryRegular with a warning.
func (cl *Classifier) Classify(c *Challenge) Category {
	if c == nil {
		cl.logger.Warn("classifying nil challenge")
		return CategoryRegular
	}
	if c.Requirement == nil && !c.IsSpecial {
		cl.logger.Warn("challenge has no requirement", slog.String("challenge_id", c.ID))
		return CategoryRegular
	}

	for _, rule := range cl.rules {
		if rule.Match(c) {
			return rule.Category
		}
	}

	if empty(c.Requirement) {
		cl.logger.Warn("challenge requirement is empty",
			slog.String("challenge_id", c.ID),
			slog.String("kind", string(c.Requirement.Kind())),
		)
	}
	return CategoryRegular
}

// Partition groups challenges by category. Every challenge lands in exactly
// one bucket and relative order is kept inside a bucket.
func (cl *Classifier) Partition(challenges []*Challenge) map[Category][]*Challenge {
	out := make(map[Category][]*Challenge, len(Categories))
	for _, c := range challenges {
		cat := cl.Classify(c)
		out[cat] = append(out[cat], c)
	}
	return out
}

// Classify classifies with the default logger.
func Classify(c *Challenge) Category {
	return NewClassifier(nil).Classify(c)
}

// empty reports a variant that names a shape but carries nothing in it.
func empty(r Requirement) bool {
	switch v := r.(type) {
	case MenuCombo:
		return len(v.Items) == 0
	case RequiredVenues:
		return len(v.VenueIDs) == 0
	case Combo:
		return len(v.ChallengeIDs) == 0
	}
	return false
}
