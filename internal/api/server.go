package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lox/riverwatch/internal/cache"
	"github.com/lox/riverwatch/internal/log"
	"github.com/lox/riverwatch/internal/river"
	"github.com/lox/riverwatch/internal/sources"
)

// Pinger checks a backing store is reachable.
type Pinger interface {
	Ping() error
}

type Server struct {
	svc    *river.Service
	addr   string
	db     Pinger
	logger *zap.SugaredLogger
}

// NewServer returns a server for svc. Db may be nil when persistence is
// disabled.
func NewServer(svc *river.Service, addr string, db Pinger) *Server {
	return &Server{
		svc:    svc,
		addr:   addr,
		db:     db,
		logger: log.Logger("api"),
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestLog)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/live/{station}", s.handleLive).Methods(http.MethodGet)
	api.HandleFunc("/live/{station}/reading", s.handleLiveReading).Methods(http.MethodGet)
	api.HandleFunc("/schedule/{reach}", s.handleSchedule).Methods(http.MethodGet)
	api.HandleFunc("/timeline/{station}", s.handleTimeline).Methods(http.MethodGet)
	api.HandleFunc("/weather", s.handleWeather).Methods(http.MethodGet)
	api.HandleFunc("/cache/clear", s.handleCacheClear).Methods(http.MethodPost)
	return r
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.logger.Infow("listening", "addr", s.addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debugw("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"request_id", id,
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// statusFor maps an error to its HTTP status and a short kind label.
func statusFor(err error) (int, string) {
	var (
		nf *sources.NotFoundError
		so *cache.StaleOnlyError
		ne *sources.NetworkError
		pe *sources.ParseError
	)
	switch {
	case errors.As(err, &nf):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, river.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.As(err, &so):
		return http.StatusServiceUnavailable, "stale_only"
	case errors.As(err, &ne) && ne.Timeout():
		return http.StatusGatewayTimeout, "timeout"
	case errors.As(err, &ne):
		return http.StatusBadGateway, "network"
	case errors.As(err, &pe):
		return http.StatusBadGateway, "parse"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := statusFor(err)
	if status >= 500 {
		s.logger.Warnw("request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}

type StationHealth struct {
	StationID  string    `json:"stationId"`
	LastSeen   time.Time `json:"lastSeen,omitempty"`
	AgeMinutes int       `json:"ageMinutes"`
	Stale      bool      `json:"stale"`
}

type HealthStatus struct {
	Status   string          `json:"status"`
	Stations []StationHealth `json:"stations"`
	Errors   []string        `json:"errors,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthStatus{Status: "ok", Stations: []StationHealth{}}

	if s.db != nil {
		if err := s.db.Ping(); err != nil {
			health.Errors = append(health.Errors, "database: "+err.Error())
		}
	}

	now := time.Now()
	for _, station := range s.svc.Config().Stations {
		sh := StationHealth{StationID: station, AgeMinutes: -1, Stale: true}
		if fetchedAt, fresh, ok := s.svc.LiveAge(station); ok {
			sh.LastSeen = fetchedAt
			sh.AgeMinutes = int(now.Sub(fetchedAt).Minutes())
			sh.Stale = !fresh
		}
		if sh.Stale {
			health.Status = "degraded"
		}
		health.Stations = append(health.Stations, sh)
	}

	if len(health.Errors) > 0 {
		health.Status = "error"
	}

	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}
