// Package schedule turns an hourly release forecast into high-flow windows at
// a downstream point: segment the forecast into runs above a threshold,
// project each run across the travel time, and cap it at twilight.
package schedule

import (
	"time"

	"github.com/lox/riverwatch/internal/models"
)

// Segment splits each day's readings into maximal runs whose value is at or
// above threshold. Runs end at the first reading below threshold, at a gap in
// the hourly sequence, and at the end of each day: a release that continues
// past midnight is reported as two periods.
func Segment(days []models.DaySeries, threshold float64) []models.FlowPeriod {
	var out []models.FlowPeriod
	for _, day := range days {
		var open []models.Reading
		flush := func() {
			if len(open) > 0 {
				out = append(out, models.FlowPeriod{
					DayIndex:  day.DayIndex,
					Date:      day.Date,
					Entries:   open,
					Threshold: threshold,
				})
				open = nil
			}
		}
		for _, r := range day.Readings {
			if r.Value < threshold {
				flush()
				continue
			}
			if len(open) > 0 && !consecutive(open[len(open)-1], r) {
				flush()
			}
			open = append(open, r)
		}
		flush()
	}
	return out
}

// SegmentReadings groups a flat hour-ordered series by calendar day and
// segments it. Days are numbered from 1 in order of appearance.
func SegmentReadings(readings []models.Reading, threshold float64) []models.FlowPeriod {
	return Segment(GroupByDay(readings), threshold)
}

// GroupByDay splits readings into one series per calendar day, keeping order.
func GroupByDay(readings []models.Reading) []models.DaySeries {
	var days []models.DaySeries
	for _, r := range readings {
		date := periodOf(r).Date
		if n := len(days); n > 0 && days[n-1].Date.Equal(date) {
			days[n-1].Readings = append(days[n-1].Readings, r)
			continue
		}
		days = append(days, models.DaySeries{
			DayIndex: len(days) + 1,
			Date:     date,
			Readings: []models.Reading{r},
		})
	}
	return days
}

func consecutive(prev, next models.Reading) bool {
	a, b := periodOf(prev), periodOf(next)
	return a.Date.Equal(b.Date) && b.Hour == a.Hour+1
}

// periodOf returns the hour-ending label of a reading, deriving it from the
// timestamp when the source did not supply one.
func periodOf(r models.Reading) models.HourEnding {
	if !r.Period.IsZero() {
		return r.Period
	}
	t := r.Timestamp
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return models.HourEnding{Date: midnight, Hour: t.Hour()}
}

// DaySummary returns the number of hours at or above threshold and the
// highest value in one day's series.
func DaySummary(day models.DaySeries, threshold float64) (hours int, peak float64) {
	for i, r := range day.Readings {
		if r.Value >= threshold {
			hours++
		}
		if i == 0 || r.Value > peak {
			peak = r.Value
		}
	}
	return hours, peak
}
