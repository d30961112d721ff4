package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/lox/riverwatch/internal/models"
	"github.com/lox/riverwatch/internal/river"
)

type LiveResponse struct {
	models.Live
	Primary   *models.Reading `json:"primary,omitempty"`
	FetchedAt time.Time       `json:"fetchedAt"`
	Stale     bool            `json:"stale"`
	Warning   string          `json:"warning,omitempty"`
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	station := mux.Vars(r)["station"]
	res, err := s.svc.GetLiveSnapshot(r.Context(), station)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := LiveResponse{Live: res.Value, FetchedAt: res.FetchedAt, Stale: res.Stale}
	if p, ok := res.Value.Primary(); ok {
		resp.Primary = &p
	}
	if res.Stale && res.Err != nil {
		resp.Warning = res.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLiveReading(w http.ResponseWriter, r *http.Request) {
	reading, err := s.svc.GetLiveReading(r.Context(), mux.Vars(r)["station"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var threshold float64
	if v := r.URL.Query().Get("threshold"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil || t <= 0 {
			s.writeError(w, r, fmt.Errorf("threshold %q: %w", v, river.ErrInvalidArgument))
			return
		}
		threshold = t
	}

	sched, err := s.svc.GetFlowSchedule(r.Context(), mux.Vars(r)["reach"], threshold)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	tl, err := s.svc.GetCombinedTimeline(r.Context(), mux.Vars(r)["station"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tl)
}

func (s *Server) handleWeather(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
	lon, lonErr := strconv.ParseFloat(q.Get("lon"), 64)
	if latErr != nil || lonErr != nil {
		s.writeError(w, r, fmt.Errorf("lat and lon are required: %w", river.ErrInvalidArgument))
		return
	}

	forecast, err := s.svc.GetWeatherForecast(r.Context(), lat, lon)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, forecast)
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	locator := r.URL.Query().Get("locator")
	n := s.svc.ClearCache(locator)
	writeJSON(w, http.StatusOK, map[string]any{"locator": locator, "cleared": n})
}
