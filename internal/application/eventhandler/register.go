package eventhandler

import (
	"fmt"

	"github.com/stamptrail/progression-engine/internal/domain/shared"
)

// Handlers groups the engine's event reactions. Nil entries are skipped.
type Handlers struct {
	Completed   *OnChallengeCompletedHandler
	Changed     *OnProgressChangedHandler
	Definitions *OnChallengesChangedHandler
}

// Register subscribes the handlers to sub.
func Register(sub shared.EventSubscriber, hs Handlers) error {
	if hs.Completed != nil {
		if err := sub.Subscribe(hs.Completed.EventType(), hs.Completed.Handle); err != nil {
			return fmt.Errorf("subscribe %s: %w", hs.Completed.EventType(), err)
		}
	}
	if hs.Changed != nil {
		for _, t := range hs.Changed.EventTypes() {
			if err := sub.Subscribe(t, hs.Changed.Handle); err != nil {
				return fmt.Errorf("subscribe %s: %w", t, err)
			}
		}
	}
	if hs.Definitions != nil {
		for _, t := range hs.Definitions.EventTypes() {
			if err := sub.Subscribe(t, hs.Definitions.Handle); err != nil {
				return fmt.Errorf("subscribe %s: %w", t, err)
			}
		}
	}
	return nil
}
