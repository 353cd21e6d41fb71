package status

import (
	"fmt"

	"github.com/goodtune/nudgeproxy/internal/bus"
)

// Insight kinds.
const (
	InsightPositive = "positive"
	InsightNormal   = "normal"
)

// Insight is one line of feedback on the status surface.
type Insight struct {
	Text string `json:"text"`
	Type string `json:"type"`
}

// Insights derives feedback from today's count and the per-day history.
func Insights(daily bus.Daily) []Insight {
	today := daily.TodayStats.Requests
	var insights []Insight

	if today < 10 {
		insights = append(insights, Insight{
			Text: "Great balance today! You're using AI thoughtfully.",
			Type: InsightPositive,
		})
	}
	if today == 0 {
		insights = append(insights, Insight{
			Text: "No AI usage today, your natural intelligence is shining! ✨",
			Type: InsightPositive,
		})
	}

	if today >= 15 {
		insights = append(insights, Insight{
			Text: fmt.Sprintf("You've used AI %d times today. Consider: which tasks truly benefit from AI assistance?", today),
			Type: InsightNormal,
		})
	}
	if today >= 25 {
		insights = append(insights, Insight{
			Text: "Heavy AI day. Remember: the best solutions often come from your own thinking and struggle.",
			Type: InsightNormal,
		})
	}

	if len(insights) == 0 {
		insights = append(insights, Insight{
			Text: "Just getting started! Use AI intentionally and mindfully.",
			Type: InsightPositive,
		})
	}

	if daily.DaysTracked >= 3 {
		insights = append(insights, Insight{
			Text: fmt.Sprintf("Your average: %.1f requests/day over %d days", daily.AveragePerDay, daily.DaysTracked),
			Type: InsightNormal,
		})
	}

	return insights
}
