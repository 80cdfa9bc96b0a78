package saga

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stamptrail/progression-engine/internal/domain/challenge"
	"github.com/stamptrail/progression-engine/internal/domain/progress"
	"github.com/stamptrail/progression-engine/internal/domain/shared"
	"github.com/stamptrail/progression-engine/internal/infrastructure/persistence/memory"
	"github.com/stamptrail/progression-engine/pkg/logger"
)

func TestDispense_ConcurrentGrantsReportTheirOwnLevelBefore(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	events := &recorder{}
	dispenser := NewRewardDispenser(nil, store.Progress, events, shared.NewManualClock(start), logger.Discard())

	// Ten completions of 30 XP each walk the user from level 1 to level 4.
	var challenges []*challenge.Challenge
	for i := 0; i < 10; i++ {
		c := &challenge.Challenge{ID: fmt.Sprintf("c%d", i), XPReward: 30}
		p := progress.New("u1", c.ID)
		_, err := p.Apply(progress.Count{Current: 1, Required: 1}, start)
		require.NoError(t, err)
		require.NoError(t, store.Progress.Save(ctx, p))
		challenges = append(challenges, c)
	}

	results := make([]*DispenseResult, len(challenges))
	var wg sync.WaitGroup
	for i, c := range challenges {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := dispenser.Dispense(ctx, "u1", c)
			if assert.NoError(t, err) {
				results[i] = res
			}
		}()
	}
	wg.Wait()

	gained := 0
	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, progress.LevelFor(res.Progression.XP), res.LevelAfter)
		assert.LessOrEqual(t, res.LevelBefore, res.LevelAfter)
		gained += res.LevelAfter - res.LevelBefore
	}
	assert.Equal(t, 3, gained)
	assert.Equal(t, 3, events.count(shared.EventLevelUp))

	pr, err := store.Progress.GetProgression(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 300, pr.XP)
	assert.Equal(t, 4, pr.Level())
}
