package progress

// LevelThresholds holds the minimum XP for levels 1 through 10.
var LevelThresholds = [...]int{0, 50, 150, 300, 500, 750, 1050, 1400, 1800, 2250}

// MaxLevel is the highest reachable status level.
const MaxLevel = len(LevelThresholds)

// LevelFor returns the largest level whose threshold xp meets. Negative XP is level 1.
func LevelFor(xp int) int {
	level := 1
	for i, threshold := range LevelThresholds {
		if xp >= threshold {
			level = i + 1
		}
	}
	return level
}

// NextLevelXP returns the XP needed for the level after the one xp is in.
// The second result is false at MaxLevel.
func NextLevelXP(xp int) (int, bool) {
	level := LevelFor(xp)
	if level >= MaxLevel {
		return 0, false
	}
	return LevelThresholds[level], true
}

// ProgressToNextLevel returns how far xp is through its current level, 0-100.
// It is 100 at MaxLevel.
func ProgressToNextLevel(xp int) int {
	level := LevelFor(xp)
	if level >= MaxLevel {
		return 100
	}
	floor := LevelThresholds[level-1]
	ceil := LevelThresholds[level]
	return Percentage(xp-floor, ceil-floor)
}
