// Package timeline merges the approved daily-mean series with the provisional
// real-time series into one entry per date.
package timeline

import (
	"errors"
	"math"
	"slices"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/lox/riverwatch/internal/models"
)

var ErrEmptySeries = errors.New("timeline: both series are empty")

// Merge builds a timeline from historical daily means and real-time samples.
// Historical entries win up to the last historical date. Real-time samples
// are averaged per UTC date and fill dates after it. Dates strictly between
// the two series are reported as a gap.
func Merge(station string, historical []models.DailyMean, realtime []models.Sample) (models.Timeline, error) {
	if len(historical) == 0 && len(realtime) == 0 {
		return models.Timeline{}, ErrEmptySeries
	}

	hist := historicalEntries(historical)
	rt := Downsample(realtime)

	tl := models.Timeline{
		StationID:  station,
		Entries:    make([]models.TimelineEntry, 0, len(hist)+len(rt)),
		Historical: coverage(hist),
	}
	tl.Entries = append(tl.Entries, hist...)

	var cutoff string
	if len(hist) > 0 {
		cutoff = hist[len(hist)-1].Date
	}
	var kept []models.TimelineEntry
	for _, e := range rt {
		if cutoff == "" || e.Date > cutoff {
			kept = append(kept, e)
		}
	}
	tl.Realtime = coverage(kept)
	tl.Entries = append(tl.Entries, kept...)

	if len(hist) > 0 && len(kept) > 0 {
		tl.Gap = gapBetween(cutoff, kept[0].Date)
	}
	return tl, nil
}

// Downsample reduces samples to one entry per UTC date. Averages are taken
// over the samples that reported each parameter; a date where none did has a
// nil average.
func Downsample(samples []models.Sample) []models.TimelineEntry {
	type acc struct {
		discharge, level []float64
		n                int
	}
	byDate := make(map[string]*acc)
	var dates []string
	for _, s := range samples {
		d := s.Timestamp.UTC().Format(models.DateLayout)
		a, ok := byDate[d]
		if !ok {
			a = &acc{}
			byDate[d] = a
			dates = append(dates, d)
		}
		a.n++
		if s.Discharge != nil {
			a.discharge = append(a.discharge, *s.Discharge)
		}
		if s.Level != nil {
			a.level = append(a.level, *s.Level)
		}
	}
	slices.Sort(dates)

	out := make([]models.TimelineEntry, 0, len(dates))
	for _, d := range dates {
		a := byDate[d]
		out = append(out, models.TimelineEntry{
			Date:         d,
			DischargeAvg: mean(a.discharge, 2),
			LevelAvg:     mean(a.level, 3),
			Source:       models.SourceRealtime,
			SampleCount:  a.n,
		})
	}
	return out
}

func historicalEntries(means []models.DailyMean) []models.TimelineEntry {
	sorted := slices.Clone(means)
	slices.SortFunc(sorted, func(a, b models.DailyMean) int { return a.Date.Compare(b.Date) })

	out := make([]models.TimelineEntry, 0, len(sorted))
	for _, m := range sorted {
		d := m.Date.Format(models.DateLayout)
		// Duplicate dates keep the first row.
		if n := len(out); n > 0 && out[n-1].Date == d {
			continue
		}
		out = append(out, models.TimelineEntry{
			Date:         d,
			DischargeAvg: m.Discharge,
			LevelAvg:     m.Level,
			Source:       models.SourceHistorical,
			SampleCount:  1,
		})
	}
	return out
}

// gapBetween returns the dates strictly between last and first, or nil when
// the series touch or overlap.
func gapBetween(last, first string) *models.Gap {
	l, err1 := time.Parse(models.DateLayout, last)
	f, err2 := time.Parse(models.DateLayout, first)
	if err1 != nil || err2 != nil {
		return nil
	}
	start := l.AddDate(0, 0, 1)
	end := f.AddDate(0, 0, -1)
	if end.Before(start) {
		return nil
	}
	return &models.Gap{
		StartDate: start.Format(models.DateLayout),
		EndDate:   end.Format(models.DateLayout),
		DayCount:  int(end.Sub(start).Hours()/24) + 1,
	}
}

func coverage(entries []models.TimelineEntry) models.Coverage {
	if len(entries) == 0 {
		return models.Coverage{}
	}
	return models.Coverage{
		Available: true,
		StartDate: entries[0].Date,
		EndDate:   entries[len(entries)-1].Date,
		Entries:   len(entries),
	}
}

func mean(xs []float64, places int) *float64 {
	if len(xs) == 0 {
		return nil
	}
	p := math.Pow(10, float64(places))
	v := math.Round(stat.Mean(xs, nil)*p) / p
	return &v
}
