package domain

import "time"

const (
	MinMoodLevel = 1
	MaxMoodLevel = 5
)

var moodLabels = map[int]string{
	1: "Very Sad",
	2: "Sad",
	3: "Neutral",
	4: "Happy",
	5: "Very Happy",
}

// MoodLabel returns the display label for a mood level, or "" when out of range.
func MoodLabel(level int) string {
	return moodLabels[level]
}

// ValidMoodLevel reports whether level is one the backend accepts.
func ValidMoodLevel(level int) bool {
	return level >= MinMoodLevel && level <= MaxMoodLevel
}

// MoodEntry is a mood log mirrored from the backend.
type MoodEntry struct {
	PK             string
	SK             string
	ConversationID string
	Level          int
	Notes          string
	CreatedAt      time.Time
	TTL            int64
}
