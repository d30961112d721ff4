package schedule

import (
	"time"

	"github.com/lox/riverwatch/internal/models"
)

type Options struct {
	Reach     string
	Threshold float64
	Travel    time.Duration
	Twilight  Estimator
}

// Build derives the downstream schedule for a forecast that has already been
// split into day series.
func Build(days []models.DaySeries, o Options) models.Schedule {
	s := models.Schedule{
		Reach:             o.Reach,
		Threshold:         o.Threshold,
		Unit:              models.KindDischarge.Unit(),
		TravelTimeMinutes: int(o.Travel / time.Minute),
		Days:              []models.ScheduleDay{},
		Windows:           []models.HighFlowWindow{},
		TwilightNote:      TwilightNote,
	}

	for _, d := range days {
		if len(d.Readings) == 0 {
			continue
		}
		hours, peak := DaySummary(d, o.Threshold)
		s.Days = append(s.Days, models.ScheduleDay{
			DayIndex:      d.DayIndex,
			Date:          d.Date.Format(models.DateLayout),
			HighFlowHours: hours,
			PeakFlow:      peak,
		})
	}

	for _, p := range Segment(days, o.Threshold) {
		s.Windows = append(s.Windows, Window(p, o.Travel, o.Twilight))
	}
	return s
}

// Window projects a flow period downstream and caps it at twilight on the
// period's day. The displayed end never precedes the arrival start.
func Window(p models.FlowPeriod, travel time.Duration, est Estimator) models.HighFlowWindow {
	first, last := periodOf(p.First()), periodOf(p.Last())
	end := ArrivalEnd(last, travel)
	start := Arrival(first, travel)
	display, past := est.Cap(p.Date, end)
	if display.Before(start) {
		display = start
	}
	return models.HighFlowWindow{
		DayIndex:            p.DayIndex,
		Date:                p.Date.Format(models.DateLayout),
		ReleaseStart:        first.String(),
		ReleaseEnd:          last.String(),
		Hours:               len(p.Entries),
		PeakFlow:            p.Peak(),
		ArrivalStart:        start,
		ArrivalEnd:          end,
		Twilight:            est.At(p.Date),
		DisplayEnd:          display,
		ExtendsPastTwilight: past,
	}
}
