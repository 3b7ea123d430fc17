// Package mood derives summary statistics from a user's recent mood log.
package mood

import (
	"math"
	"sort"

	"github.com/GuGu2310/mental-health-chatbot/internal/domain"
)

// Trend describes the direction of recent mood levels.
type Trend string

const (
	TrendImproving    Trend = "improving"
	TrendDeclining    Trend = "declining"
	TrendStable       Trend = "stable"
	TrendInsufficient Trend = "insufficient"
)

// TrendThreshold is the minimum gap between half means that counts as a change.
const TrendThreshold = 0.5

// Summary is the derived view of a set of mood entries.
type Summary struct {
	Count     int     `json:"count"`
	Average   float64 `json:"average"`
	Mode      int     `json:"mode,omitempty"`
	ModeLabel string  `json:"mode_label,omitempty"`
	Trend     Trend   `json:"trend"`
}

// Summarize computes count, average, mode and trend. Entries may arrive in any
// order; they are evaluated chronologically by CreatedAt.
func Summarize(entries []domain.MoodEntry) Summary {
	if len(entries) == 0 {
		return Summary{Trend: TrendInsufficient}
	}

	ordered := make([]domain.MoodEntry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	mode := modeOf(ordered)
	return Summary{
		Count:     len(ordered),
		Average:   round1(mean(ordered)),
		Mode:      mode,
		ModeLabel: domain.MoodLabel(mode),
		Trend:     trendOf(ordered),
	}
}

// modeOf expects chronological order. Ties go to the level logged most recently.
func modeOf(ordered []domain.MoodEntry) int {
	counts := make(map[int]int)
	lastSeen := make(map[int]int)
	for i, e := range ordered {
		counts[e.Level]++
		lastSeen[e.Level] = i
	}

	best, bestCount, bestSeen := 0, 0, -1
	for level, n := range counts {
		if n > bestCount || (n == bestCount && lastSeen[level] > bestSeen) {
			best, bestCount, bestSeen = level, n, lastSeen[level]
		}
	}
	return best
}

func trendOf(ordered []domain.MoodEntry) Trend {
	if len(ordered) < 2 {
		return TrendInsufficient
	}
	half := len(ordered) / 2
	diff := mean(ordered[half:]) - mean(ordered[:half])
	switch {
	case diff >= TrendThreshold:
		return TrendImproving
	case diff <= -TrendThreshold:
		return TrendDeclining
	default:
		return TrendStable
	}
}

func mean(entries []domain.MoodEntry) float64 {
	if len(entries) == 0 {
		return 0
	}
	sum := 0
	for _, e := range entries {
		sum += e.Level
	}
	return float64(sum) / float64(len(entries))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
