package schedule

import (
	"time"

	"github.com/lox/riverwatch/internal/models"
)

// Arrival returns when water released during the labelled hour reaches a
// point travel downstream: the start of the hour-ending window plus travel.
func Arrival(p models.HourEnding, travel time.Duration) time.Time {
	return p.WindowStart().Add(travel)
}

// ArrivalFor projects a single reading using a travel time in minutes.
func ArrivalFor(r models.Reading, travelMinutes int) time.Time {
	return Arrival(periodOf(r), time.Duration(travelMinutes)*time.Minute)
}

// ArrivalEnd returns when the last water released in the labelled hour
// arrives: the end of its window plus travel.
func ArrivalEnd(p models.HourEnding, travel time.Duration) time.Time {
	return p.WindowEnd().Add(travel)
}
