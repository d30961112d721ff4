package schedule

import (
	"math"
	"time"
)

// TwilightNote accompanies every schedule that reports twilight.
const TwilightNote = "Twilight times are a seasonal estimate, not an astronomical calculation. Check local sunset before planning."

// Estimator approximates end of civil twilight as a cosine over the year,
// peaking on PeakDay. It ignores latitude, longitude and the equation of
// time and can be off by half an hour or more.
type Estimator struct {
	BaseHour  float64 // mean twilight, hours after midnight
	Amplitude float64 // hours either side of BaseHour
	PeakDay   int     // day of year with the latest twilight
}

// DefaultEstimator fits southern Alberta (around 51°N).
var DefaultEstimator = Estimator{BaseHour: 18.5, Amplitude: 2.5, PeakDay: 172}

// Hours returns estimated twilight as fractional hours after midnight.
func (e Estimator) Hours(yearDay int) float64 {
	return e.BaseHour + e.Amplitude*math.Cos(2*math.Pi*float64(yearDay-e.PeakDay)/365)
}

// At returns estimated twilight on date's calendar day, in date's location,
// rounded to the minute.
func (e Estimator) At(date time.Time) time.Time {
	minutes := int(math.Round(e.Hours(date.YearDay()) * 60))
	return time.Date(date.Year(), date.Month(), date.Day(), minutes/60, minutes%60, 0, 0, date.Location())
}

// Cap returns the earlier of end and twilight on date, and whether end was
// past twilight.
func (e Estimator) Cap(date, end time.Time) (time.Time, bool) {
	tw := e.At(date)
	if end.After(tw) {
		return tw, true
	}
	return end, false
}
