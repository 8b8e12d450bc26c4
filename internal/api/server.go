package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"event-replay-service/internal/config"
	"event-replay-service/internal/events"
	"event-replay-service/internal/housekeeping"
	"event-replay-service/internal/models"
	"event-replay-service/internal/ratelimit"
	"event-replay-service/internal/replay"
	"event-replay-service/internal/store"
	"event-replay-service/internal/telemetry"
)

// AuditReader is the read side of the audit store.
type AuditReader interface {
	GetReplayJob(ctx context.Context, id string) (models.ReplayJob, error)
	ListReplayItems(ctx context.Context, jobID string) ([]models.ReplayItem, error)
	ListReplayJobs(ctx context.Context, q store.ReplayJobQuery) (store.ReplayJobPage, error)
	ListDaily(ctx context.Context, f store.ScopeFilter, limit int) ([]models.HousekeepingDaily, error)
	ListRunsForDate(ctx context.Context, runDate string, f store.ScopeFilter) ([]models.HousekeepingRun, error)
	LatestRun(ctx context.Context, runDate string, f store.ScopeFilter) (models.HousekeepingRun, error)
	RunSummaries(ctx context.Context, q store.SummaryQuery) ([]models.RunSummary, int64, error)
}

// Replayer submits replay selections.
type Replayer interface {
	Submit(ctx context.Context, sel replay.Selection) (models.ReplayJob, error)
}

// Housekeeper triggers and previews housekeeping.
type Housekeeper interface {
	RunNow(ctx context.Context, jobType models.JobType, eventKey, trigger, runDate string) (models.HousekeepingRun, error)
	Preview(ctx context.Context, jobType models.JobType, eventKey string) (housekeeping.Preview, error)
	JobTypes() []models.JobType
	Today() string
}

// Limiter throttles replay submissions per operator.
type Limiter interface {
	Allow(ctx context.Context, operator string) (ratelimit.Decision, error)
}

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers for the replay and housekeeping API.
type Server struct {
	cfg         config.Config
	audit       AuditReader
	replayer    Replayer
	housekeeper Housekeeper
	limiter     Limiter
	health      Pinger
	logger      *slog.Logger
}

// New constructs the API server. limiter and health may be nil.
func New(cfg config.Config, audit AuditReader, replayer Replayer, hk Housekeeper, limiter Limiter, health Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:         cfg,
		audit:       audit,
		replayer:    replayer,
		housekeeper: hk,
		limiter:     limiter,
		health:      health,
		logger:      logger.With("component", "api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.With(s.rateLimit).Post("/replay", s.handleReplayIDs)
		r.With(s.rateLimit).Post("/replay-jobs", s.handleReplayFilters)
		r.Get("/replay-jobs", s.handleListReplayJobs)
		r.Get("/replay-jobs/{replayId}", s.handleGetReplayJob)
		r.Get("/replay-jobs/{replayId}/items", s.handleReplayItems)

		r.Route("/housekeeping", func(r chi.Router) {
			r.Post("/run", s.handleHousekeepingRun)
			r.Get("/preview", s.handleHousekeepingPreview)
			r.Get("/daily", s.handleHousekeepingDaily)
			r.Get("/daily/{date}/runs", s.handleHousekeepingRuns)
			r.Get("/runs/summary", s.handleHousekeepingSummary)
			r.Get("/status", s.handleHousekeepingStatus)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		d, err := s.limiter.Allow(r.Context(), operatorFromRequest(r))
		if err != nil {
			s.logger.Error("rate limit", "err", err)
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			if secs := int(d.RetryAfter.Seconds() + 0.999); secs > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func operatorFromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Requested-By")); v != "" {
		return v
	}
	return "anonymous"
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, replay.ErrInvalidSelection),
		errors.Is(err, replay.ErrSelectionTooLarge),
		errors.Is(err, events.ErrUnknownEventKey),
		errors.Is(err, housekeeping.ErrUnknownJobType):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, housekeeping.ErrRunInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, code, "internal error")
		return
	}
	writeError(w, code, err.Error())
}

func queryInt(r *http.Request, key string, def, max int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return def
	}
	if max > 0 && v > max {
		return max
	}
	return v
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
