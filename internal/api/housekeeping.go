package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"event-replay-service/internal/housekeeping"
	"event-replay-service/internal/models"
	"event-replay-service/internal/store"
)

func scopeFromRequest(r *http.Request) (store.ScopeFilter, error) {
	q := r.URL.Query()
	f := store.ScopeFilter{EventKey: strings.TrimSpace(q.Get("eventKey"))}
	if v := strings.TrimSpace(q.Get("jobType")); v != "" {
		jt, err := models.ParseJobType(v)
		if err != nil {
			return f, err
		}
		f.JobType = jt
	}
	return f, nil
}

func (s *Server) handleHousekeepingRun(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if scope.JobType == "" {
		scope.JobType = models.JobTypeRetention
	}
	run, err := s.housekeeper.RunNow(r.Context(), scope.JobType, scope.EventKey, models.TriggerManual, s.housekeeper.Today())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleHousekeepingPreview(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobTypes := s.housekeeper.JobTypes()
	if scope.JobType != "" {
		jobTypes = []models.JobType{scope.JobType}
	}
	previews := make([]housekeeping.Preview, 0, len(jobTypes))
	for _, jt := range jobTypes {
		p, err := s.housekeeper.Preview(r.Context(), jt, scope.EventKey)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		previews = append(previews, p)
	}
	writeJSON(w, http.StatusOK, map[string]any{"previews": previews})
}

func (s *Server) handleHousekeepingDaily(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := queryInt(r, "limit", 30, 500)
	if limit == 0 {
		limit = 30
	}
	rows, err := s.audit.ListDaily(r.Context(), scope, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rows})
}

func (s *Server) handleHousekeepingRuns(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")
	if _, err := time.Parse(models.DateLayout, date); err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	scope, err := scopeFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.audit.ListRunsForDate(r.Context(), date, scope)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runDate": date, "runs": runs})
}

func (s *Server) handleHousekeepingSummary(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := store.SummaryQuery{
		ScopeFilter: scope,
		Limit:       queryInt(r, "limit", 50, 500),
		Offset:      queryInt(r, "offset", 0, 0),
	}
	if q.Limit == 0 {
		q.Limit = 50
	}
	items, total, err := s.audit.RunSummaries(r.Context(), q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total, "limit": q.Limit, "offset": q.Offset})
}

func (s *Server) handleHousekeepingStatus(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = s.housekeeper.Today()
	}
	if _, err := time.Parse(models.DateLayout, date); err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	scope, err := scopeFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	run, err := s.audit.LatestRun(r.Context(), date, scope)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
