package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const DateLayout = "2006-01-02"

type ParameterKind string

const (
	KindDischarge   ParameterKind = "discharge"
	KindLevel       ParameterKind = "level"
	KindTemperature ParameterKind = "temperature"
)

// Unit returns the unit readings of this kind are reported in.
func (k ParameterKind) Unit() string {
	switch k {
	case KindDischarge:
		return "m³/s"
	case KindLevel:
		return "m"
	case KindTemperature:
		return "°C"
	default:
		return ""
	}
}

// HourEnding labels an hourly interval by the hour it ends on. Hour H describes
// the interval (H-1, H]; hour 0 describes the interval starting at midnight.
type HourEnding struct {
	Date time.Time // local midnight of the forecast day
	Hour int       // 0-24
}

func (h HourEnding) IsZero() bool {
	return h.Date.IsZero()
}

// clock returns the wall-clock hour on the label's day. Hours are counted on
// the clock, not as elapsed time, so days with a DST transition keep their
// labels.
func (h HourEnding) clock(hour int) time.Time {
	y, m, d := h.Date.Date()
	return time.Date(y, m, d, hour, 0, 0, 0, h.Date.Location())
}

// WindowStart is the instant the labelled interval begins.
func (h HourEnding) WindowStart() time.Time {
	return h.clock(max(h.Hour-1, 0))
}

// WindowEnd is the instant the labelled interval ends.
func (h HourEnding) WindowEnd() time.Time {
	return h.clock(max(h.Hour-1, 0) + 1)
}

// Time is the wall-clock instant the label names, H:00 on its day.
func (h HourEnding) Time() time.Time {
	return h.clock(h.Hour)
}

func (h HourEnding) String() string {
	return fmt.Sprintf("%s %02d", h.Date.Format(DateLayout), h.Hour)
}

// ParseHourEnding parses a provider period label such as "2025-10-17 17".
// The date is interpreted in loc.
func ParseHourEnding(s string, loc *time.Location) (HourEnding, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return HourEnding{}, fmt.Errorf("period %q: want \"YYYY-MM-DD H\"", s)
	}
	date, err := time.ParseInLocation(DateLayout, fields[0], loc)
	if err != nil {
		return HourEnding{}, fmt.Errorf("period %q: %w", s, err)
	}
	hour, err := strconv.Atoi(fields[1])
	if err != nil || hour < 0 || hour > 24 {
		return HourEnding{}, fmt.Errorf("period %q: hour must be 0-24", s)
	}
	return HourEnding{Date: date, Hour: hour}, nil
}

type Reading struct {
	Timestamp time.Time     `json:"timestamp"`
	Value     float64       `json:"value"`
	Unit      string        `json:"unit"`
	Kind      ParameterKind `json:"kind"`
	SourceID  string        `json:"sourceId"`
	Period    HourEnding    `json:"-"` // set for hourly release-forecast readings only
}

// Live is the most recent set of readings reported by a gauge.
type Live struct {
	StationID string    `json:"stationId"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Readings  []Reading `json:"readings"`
}

// Primary returns the reading that best answers "how much water is there":
// discharge when reported, else level, else temperature.
func (l Live) Primary() (Reading, bool) {
	for _, kind := range []ParameterKind{KindDischarge, KindLevel, KindTemperature} {
		for _, r := range l.Readings {
			if r.Kind == kind {
				return r, true
			}
		}
	}
	return Reading{}, false
}

// DailyMean is one day of the historical daily-mean series.
type DailyMean struct {
	Date      time.Time
	Discharge *float64
	Level     *float64
}

// Sample is one real-time measurement, typically at 5-minute resolution.
type Sample struct {
	Timestamp time.Time
	Discharge *float64
	Level     *float64
}

// Gauge selects one of the two flows a release forecast reports per hour.
type Gauge string

const (
	GaugeBarrier   Gauge = "barrier"
	GaugeSecondary Gauge = "secondary"
)

type ReleaseEntry struct {
	Period    HourEnding
	Barrier   float64
	Secondary float64
}

func (e ReleaseEntry) Flow(g Gauge) float64 {
	if g == GaugeSecondary {
		return e.Secondary
	}
	return e.Barrier
}

type ReleaseDay struct {
	Day     int
	Date    time.Time
	Entries []ReleaseEntry
}

type ReleaseForecast struct {
	Source    string
	FetchedAt time.Time
	Days      []ReleaseDay
}

// Series converts the forecast into one hourly discharge series per day for
// the given gauge.
func (f ReleaseForecast) Series(g Gauge) []DaySeries {
	out := make([]DaySeries, 0, len(f.Days))
	for _, d := range f.Days {
		ds := DaySeries{DayIndex: d.Day, Date: d.Date}
		for _, e := range d.Entries {
			ds.Readings = append(ds.Readings, Reading{
				Timestamp: e.Period.Time(),
				Value:     e.Flow(g),
				Unit:      KindDischarge.Unit(),
				Kind:      KindDischarge,
				SourceID:  f.Source + ":" + string(g),
				Period:    e.Period,
			})
		}
		out = append(out, ds)
	}
	return out
}

// DaySeries is an hour-ordered run of readings for one calendar day.
type DaySeries struct {
	DayIndex int
	Date     time.Time
	Readings []Reading
}

type FlowPeriod struct {
	DayIndex  int       `json:"dayIndex"`
	Date      time.Time `json:"date"`
	Entries   []Reading `json:"entries"`
	Threshold float64   `json:"threshold"`
}

func (p FlowPeriod) First() Reading { return p.Entries[0] }
func (p FlowPeriod) Last() Reading  { return p.Entries[len(p.Entries)-1] }

// Peak returns the highest value in the period.
func (p FlowPeriod) Peak() float64 {
	peak := p.Entries[0].Value
	for _, e := range p.Entries[1:] {
		if e.Value > peak {
			peak = e.Value
		}
	}
	return peak
}

// HighFlowWindow is a flow period projected downstream. DisplayEnd is
// ArrivalEnd capped at twilight, but never earlier than ArrivalStart: a
// window that only arrives after twilight has DisplayEnd == ArrivalStart and
// ExtendsPastTwilight set.
type HighFlowWindow struct {
	DayIndex            int       `json:"dayIndex"`
	Date                string    `json:"date"`
	ReleaseStart        string    `json:"releaseStart"` // hour-ending label of the first hour
	ReleaseEnd          string    `json:"releaseEnd"`
	Hours               int       `json:"hours"`
	PeakFlow            float64   `json:"peakFlow"`
	ArrivalStart        time.Time `json:"arrivalStart"`
	ArrivalEnd          time.Time `json:"arrivalEnd"`
	Twilight            time.Time `json:"twilight"`
	DisplayEnd          time.Time `json:"displayEnd"`
	ExtendsPastTwilight bool      `json:"extendsPastTwilight"`
}

type Schedule struct {
	Reach             string           `json:"reach"`
	Threshold         float64          `json:"threshold"`
	Unit              string           `json:"unit"`
	TravelTimeMinutes int              `json:"travelTimeMinutes"`
	Days              []ScheduleDay    `json:"days"`
	Windows           []HighFlowWindow `json:"windows"`
	TwilightNote      string           `json:"twilightNote"`
}

// ScheduleDay summarises one forecast day, including days with no window.
type ScheduleDay struct {
	DayIndex      int     `json:"dayIndex"`
	Date          string  `json:"date"`
	HighFlowHours int     `json:"highFlowHours"`
	PeakFlow      float64 `json:"peakFlow"`
}

type Source string

const (
	SourceHistorical Source = "historical"
	SourceRealtime   Source = "realtime"
)

type TimelineEntry struct {
	Date         string   `json:"date"`
	DischargeAvg *float64 `json:"dischargeAvg"`
	LevelAvg     *float64 `json:"levelAvg"`
	Source       Source   `json:"source"`
	SampleCount  int      `json:"sampleCount"`
}

type Gap struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
	DayCount  int    `json:"dayCount"`
}

// Coverage describes the date span one source contributed to a timeline.
type Coverage struct {
	Available bool   `json:"available"`
	StartDate string `json:"startDate,omitempty"`
	EndDate   string `json:"endDate,omitempty"`
	Entries   int    `json:"entries"`
}

type Timeline struct {
	StationID  string          `json:"stationId"`
	Entries    []TimelineEntry `json:"entries"`
	Gap        *Gap            `json:"gap,omitempty"`
	Historical Coverage        `json:"historical"`
	Realtime   Coverage        `json:"realtime"`
}

type WeatherForecast struct {
	Time          time.Time `json:"forecastTime"`
	Temperature   float64   `json:"temperature"`
	Conditions    string    `json:"conditions"`
	Precipitation float64   `json:"precipitation"`
	WindSpeed     float64   `json:"windSpeed"`
	Humidity      float64   `json:"humidity"`
}
