package schedule

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/lox/riverwatch/internal/models"
)

var mst = time.FixedZone("MST", -7*3600)

func day(t *testing.T, date string) time.Time {
	t.Helper()
	d, err := time.ParseInLocation(models.DateLayout, date, mst)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

// series builds one day of hourly readings starting at hour-ending firstHour.
func series(t *testing.T, idx int, date string, firstHour int, values ...float64) models.DaySeries {
	t.Helper()
	d := day(t, date)
	ds := models.DaySeries{DayIndex: idx, Date: d}
	for i, v := range values {
		p := models.HourEnding{Date: d, Hour: firstHour + i}
		ds.Readings = append(ds.Readings, models.Reading{
			Timestamp: d.Add(time.Duration(p.Hour) * time.Hour),
			Value:     v,
			Kind:      models.KindDischarge,
			Period:    p,
		})
	}
	return ds
}

func values(p models.FlowPeriod) []float64 {
	var out []float64
	for _, r := range p.Entries {
		out = append(out, r.Value)
	}
	return out
}

func TestSegment(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   [][]float64
	}{
		{"two runs", []float64{8, 26, 26, 9, 30}, [][]float64{{26, 26}, {30}}},
		{"all below", []float64{1, 2, 3}, nil},
		{"all above", []float64{20, 21, 22}, [][]float64{{20, 21, 22}}},
		{"threshold is inclusive", []float64{19.9, 20, 19.9}, [][]float64{{20}}},
		{"on off cycles", []float64{30, 1, 30, 1, 30}, [][]float64{{30}, {30}, {30}}},
		{"empty", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Segment([]models.DaySeries{series(t, 1, "2025-10-17", 1, tt.values...)}, 20)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d periods, want %d", len(got), len(tt.want))
			}
			for i, p := range got {
				v := values(p)
				if len(v) != len(tt.want[i]) {
					t.Fatalf("period %d = %v, want %v", i, v, tt.want[i])
				}
				for j := range v {
					if v[j] != tt.want[i][j] {
						t.Errorf("period %d = %v, want %v", i, v, tt.want[i])
					}
				}
				if p.Threshold != 20 {
					t.Errorf("threshold = %v", p.Threshold)
				}
			}
		})
	}
}

func TestSegment_DayBoundary(t *testing.T) {
	days := []models.DaySeries{
		series(t, 1, "2025-10-17", 22, 5, 30, 30),
		series(t, 2, "2025-10-18", 1, 30, 30, 5),
	}
	got := Segment(days, 20)
	if len(got) != 2 {
		t.Fatalf("got %d periods, want 2", len(got))
	}
	if got[0].DayIndex != 1 || got[1].DayIndex != 2 {
		t.Errorf("day indexes = %d, %d", got[0].DayIndex, got[1].DayIndex)
	}
	if got[0].Last().Period.Hour != 24 || got[1].First().Period.Hour != 1 {
		t.Errorf("boundary hours = %d, %d", got[0].Last().Period.Hour, got[1].First().Period.Hour)
	}
}

func TestSegment_HourGapSplitsRun(t *testing.T) {
	d := series(t, 1, "2025-10-17", 10, 30, 30)
	later := series(t, 1, "2025-10-17", 14, 30)
	d.Readings = append(d.Readings, later.Readings...)

	if got := Segment([]models.DaySeries{d}, 20); len(got) != 2 {
		t.Errorf("got %d periods, want 2", len(got))
	}
}

func TestSegmentReadings_GroupsByDay(t *testing.T) {
	var flat []models.Reading
	flat = append(flat, series(t, 1, "2025-10-17", 23, 30, 30).Readings...)
	flat = append(flat, series(t, 2, "2025-10-18", 1, 30).Readings...)

	got := SegmentReadings(flat, 20)
	if len(got) != 2 {
		t.Fatalf("got %d periods, want 2", len(got))
	}
	if got[1].DayIndex != 2 {
		t.Errorf("second period day index = %d", got[1].DayIndex)
	}
}

func TestArrival(t *testing.T) {
	tests := []struct {
		hour int
		want string
	}{
		{17, "2025-10-17T16:45"},
		{1, "2025-10-17T00:45"},
		{0, "2025-10-17T00:45"},
		{24, "2025-10-17T23:45"},
	}

	for _, tt := range tests {
		p := models.HourEnding{Date: day(t, "2025-10-17"), Hour: tt.hour}
		got := Arrival(p, 45*time.Minute).Format("2006-01-02T15:04")
		if got != tt.want {
			t.Errorf("Arrival(%s) = %s, want %s", p, got, tt.want)
		}
	}
}

func TestArrivalFor_ParsedPeriod(t *testing.T) {
	p, err := models.ParseHourEnding("2025-10-17 17", mst)
	if err != nil {
		t.Fatal(err)
	}
	got := ArrivalFor(models.Reading{Period: p}, 45)
	want := time.Date(2025, 10, 17, 16, 45, 0, 0, mst)
	if !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}

	// Without a period, the timestamp's hour is the hour-ending label.
	got = ArrivalFor(models.Reading{Timestamp: time.Date(2025, 10, 17, 17, 0, 0, 0, mst)}, 45)
	if !got.Equal(want) {
		t.Errorf("from timestamp: got %s, want %s", got, want)
	}
}

func TestArrival_DaylightSavingTransitions(t *testing.T) {
	edmonton, err := time.LoadLocation("America/Edmonton")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		label string
	}{
		{"ordinary day", "2025-10-17 17"},
		{"spring forward", "2025-03-09 17"},
		{"fall back", "2025-11-02 17"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := models.ParseHourEnding(tt.label, edmonton)
			if err != nil {
				t.Fatal(err)
			}
			if got := Arrival(p, 45*time.Minute).Format("15:04"); got != "16:45" {
				t.Errorf("arrival start = %s, want 16:45", got)
			}
			if got := ArrivalEnd(p, 45*time.Minute).Format("15:04"); got != "17:45" {
				t.Errorf("arrival end = %s, want 17:45", got)
			}

			f := models.ReleaseForecast{Days: []models.ReleaseDay{{
				Day:     1,
				Date:    p.Date,
				Entries: []models.ReleaseEntry{{Period: p, Barrier: 30}},
			}}}
			r := f.Series(models.GaugeBarrier)[0].Readings[0]
			if got := r.Timestamp.Format("15:04"); got != "17:00" {
				t.Errorf("series timestamp = %s, want 17:00", got)
			}
		})
	}
}

func TestEstimator(t *testing.T) {
	e := DefaultEstimator
	peak := time.Date(2025, 6, 21, 0, 0, 0, 0, mst) // day 172
	if peak.YearDay() != 172 {
		t.Fatalf("test date is day %d", peak.YearDay())
	}
	if got := e.At(peak).Format("15:04"); got != "21:00" {
		t.Errorf("twilight on day 172 = %s, want 21:00", got)
	}

	winter := time.Date(2025, 12, 21, 0, 0, 0, 0, mst)
	if got := e.At(winter); got.Hour() != 16 {
		t.Errorf("twilight at the solstice = %s, want around 16:00", got.Format("15:04"))
	}

	end, past := e.Cap(peak, time.Date(2025, 6, 21, 21, 30, 0, 0, mst))
	if !past || end.Format("15:04") != "21:00" {
		t.Errorf("Cap(21:30) = %s, %v; want 21:00, true", end.Format("15:04"), past)
	}
	end, past = e.Cap(peak, time.Date(2025, 6, 21, 20, 0, 0, 0, mst))
	if past || end.Format("15:04") != "20:00" {
		t.Errorf("Cap(20:00) = %s, %v; want 20:00, false", end.Format("15:04"), past)
	}
}

func TestBuild(t *testing.T) {
	days := []models.DaySeries{
		series(t, 1, "2025-06-21", 17, 8, 26, 26, 9, 30),
		series(t, 2, "2025-06-22", 1, 5, 5),
	}
	s := Build(days, Options{Reach: "kananaskis", Threshold: 20, Travel: 45 * time.Minute, Twilight: DefaultEstimator})

	if len(s.Days) != 2 {
		t.Fatalf("got %d days, want 2", len(s.Days))
	}
	if s.Days[0].HighFlowHours != 3 || s.Days[0].PeakFlow != 30 {
		t.Errorf("day 1 summary = %+v", s.Days[0])
	}
	if s.Days[1].HighFlowHours != 0 || s.Days[1].PeakFlow != 5 {
		t.Errorf("day 2 summary = %+v", s.Days[1])
	}
	if len(s.Windows) != 2 {
		t.Fatalf("got %d windows, want 2", len(s.Windows))
	}

	w := s.Windows[0]
	if w.ReleaseStart != "2025-06-21 18" || w.ReleaseEnd != "2025-06-21 19" || w.Hours != 2 {
		t.Errorf("first window release = %s..%s (%d h)", w.ReleaseStart, w.ReleaseEnd, w.Hours)
	}
	if got := w.ArrivalStart.Format("15:04"); got != "17:45" {
		t.Errorf("arrival start = %s, want 17:45", got)
	}
	if got := w.ArrivalEnd.Format("15:04"); got != "19:45" {
		t.Errorf("arrival end = %s, want 19:45", got)
	}
	if w.ExtendsPastTwilight {
		t.Error("first window should end before twilight")
	}

	// Hour-ending 21 arrives 20:45 to 21:45, past 21:00 twilight.
	w = s.Windows[1]
	if !w.ExtendsPastTwilight || w.DisplayEnd.Format("15:04") != "21:00" {
		t.Errorf("second window display end = %s, past = %v", w.DisplayEnd.Format("15:04"), w.ExtendsPastTwilight)
	}
	if s.TravelTimeMinutes != 45 || s.TwilightNote == "" {
		t.Errorf("schedule metadata = %d, %q", s.TravelTimeMinutes, s.TwilightNote)
	}
}

func TestWindow_ArrivesAfterTwilight(t *testing.T) {
	days := []models.DaySeries{series(t, 1, "2025-06-21", 22, 5, 30)}
	s := Build(days, Options{Threshold: 20, Travel: 45 * time.Minute, Twilight: DefaultEstimator})
	if len(s.Windows) != 1 {
		t.Fatalf("got %d windows, want 1", len(s.Windows))
	}

	// Hour-ending 23 arrives at 22:45, after the 21:00 twilight.
	w := s.Windows[0]
	if !w.ExtendsPastTwilight {
		t.Error("window should extend past twilight")
	}
	if !w.DisplayEnd.Equal(w.ArrivalStart) {
		t.Errorf("display end = %s, want arrival start %s", w.DisplayEnd.Format("15:04"), w.ArrivalStart.Format("15:04"))
	}
}
