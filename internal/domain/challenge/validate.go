package challenge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stamptrail/progression-engine/internal/domain/catalog"
	"github.com/stamptrail/progression-engine/internal/domain/shared"
)

// Validate checks the structure of a challenge on its own: non-zero targets,
// non-empty sets, reachable thresholds, no self reference, sane window.
// It returns an ErrConfiguration error describing the first problem found.
func Validate(c *Challenge) error {
	if c == nil {
		return shared.NewDomainError("challenge", "Validate", shared.ErrConfiguration, "challenge is nil")
	}
	if strings.TrimSpace(c.ID) == "" {
		return shared.NewDomainError("challenge", "Validate", shared.ErrConfiguration, "challenge ID is required")
	}
	if c.XPReward < 0 {
		return shared.ConfigError(c.ID, "xp reward %d is negative", c.XPReward)
	}
	if c.Window != nil && !c.Window.Start.IsZero() && !c.Window.End.IsZero() && c.Window.End.Before(c.Window.Start) {
		return shared.ConfigError(c.ID, "event window ends before it starts")
	}

	switch r := c.Requirement.(type) {
	case nil:
		return shared.ConfigError(c.ID, "requirement is missing")
	case Count:
		if !r.ActivityType.IsValid() {
			return shared.ConfigError(c.ID, "unknown activity type %q", r.ActivityType)
		}
		if r.Target <= 0 {
			return shared.ConfigError(c.ID, "count target must be positive, got %d", r.Target)
		}
	case RequiredVenues:
		if err := checkRefs(c.ID, "venue", r.VenueIDs); err != nil {
			return err
		}
	case MenuCombo:
		if err := checkRefs(c.ID, "menu item", r.Items); err != nil {
			return err
		}
		if r.RequiredCount <= 0 {
			return shared.ConfigError(c.ID, "required count must be positive, got %d", r.RequiredCount)
		}
		if r.RequiredCount > len(r.Items) {
			return shared.ConfigError(c.ID, "required count %d exceeds %d listed items", r.RequiredCount, len(r.Items))
		}
	case Combo:
		if err := checkRefs(c.ID, "challenge", r.ChallengeIDs); err != nil {
			return err
		}
		for _, id := range r.ChallengeIDs {
			if id == c.ID {
				return shared.ConfigError(c.ID, "combo references itself")
			}
		}
	}
	return nil
}

func checkRefs(challengeID, what string, refs []string) error {
	if len(refs) == 0 {
		return shared.ConfigError(challengeID, "%s list is empty", what)
	}
	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		if strings.TrimSpace(ref) == "" {
			return shared.ConfigError(challengeID, "blank %s reference", what)
		}
		if _, dup := seen[ref]; dup {
			return shared.ConfigError(challengeID, "duplicate %s reference %q", what, ref)
		}
		seen[ref] = struct{}{}
	}
	return nil
}

// Lookup resolves other challenges while validating combos.
type Lookup interface {
	Get(ctx context.Context, id string) (*Challenge, error)
}

// ValidateReferences checks that venues and menu items exist in the catalog and
// that combo targets exist and do not close a cycle. Catalog failures are
// returned unchanged so callers can tell them apart from configuration errors.
func ValidateReferences(ctx context.Context, c *Challenge, cat catalog.Catalog, lookup Lookup) error {
	switch r := c.Requirement.(type) {
	case RequiredVenues:
		for _, id := range r.VenueIDs {
			ok, err := cat.VenueExists(ctx, id)
			if err != nil {
				return err
			}
			if !ok {
				return shared.ConfigError(c.ID, "venue %q does not exist", id)
			}
		}
	case MenuCombo:
		for _, id := range r.Items {
			ok, err := cat.MenuItemExists(ctx, id)
			if err != nil {
				return err
			}
			if !ok {
				return shared.ConfigError(c.ID, "menu item %q does not exist", id)
			}
		}
	case Combo:
		for _, id := range r.ChallengeIDs {
			if _, err := lookup.Get(ctx, id); err != nil {
				if shared.IsNotFound(err) {
					return shared.ConfigError(c.ID, "referenced challenge %q does not exist", id)
				}
				return err
			}
		}
		cycle, err := FindCycle(ctx, c, lookup)
		if err != nil {
			return err
		}
		if cycle != nil {
			return shared.ConfigError(c.ID, "combo cycle %s", strings.Join(cycle, " -> "))
		}
	}
	return nil
}

// FindCycle walks combo dependencies from root and returns the first cycle it
// finds as a path whose first and last element are equal, or nil. Root's own
// dependencies are taken from root, not from lookup, so an unsaved edit is checked.
func FindCycle(ctx context.Context, root *Challenge, lookup Lookup) ([]string, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := map[string]int{}
	var path []string

	deps := func(id string) ([]string, error) {
		if id == root.ID {
			return root.Dependencies(), nil
		}
		c, err := lookup.Get(ctx, id)
		if err != nil {
			if shared.IsNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		return c.Dependencies(), nil
	}

	var visit func(id string) ([]string, error)
	visit = func(id string) ([]string, error) {
		switch state[id] {
		case visiting:
			start := 0
			for i, p := range path {
				if p == id {
					start = i
					break
				}
			}
			cycle := append([]string{}, path[start:]...)
			return append(cycle, id), nil
		case done:
			return nil, nil
		}

		state[id] = visiting
		path = append(path, id)

		next, err := deps(id)
		if err != nil {
			return nil, err
		}
		for _, dep := range next {
			cycle, err := visit(dep)
			if err != nil || cycle != nil {
				return cycle, err
			}
		}

		path = path[:len(path)-1]
		state[id] = done
		return nil, nil
	}

	return visit(root.ID)
}

// FlagReason renders a configuration error as the text stored with a flag.
func FlagReason(err error) string {
	var de *shared.DomainError
	if errors.As(err, &de) {
		return de.Message
	}
	return fmt.Sprint(err)
}
