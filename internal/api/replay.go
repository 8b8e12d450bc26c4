package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"event-replay-service/internal/models"
	"event-replay-service/internal/replay"
	"event-replay-service/internal/store"
)

type replayIDsRequest struct {
	Mode     string  `json:"mode"`
	EventKey string  `json:"eventKey"`
	Day      string  `json:"day"`
	ID       *int64  `json:"id"`
	IDs      []int64 `json:"ids"`
	Reason   string  `json:"reason"`
}

type replayFiltersRequest struct {
	EventKey string             `json:"eventKey"`
	Day      string             `json:"day"`
	Filters  *models.FilterSpec `json:"filters"`
	Reason   string             `json:"reason"`
}

type replayResponse struct {
	Requested int `json:"requested"`
	Failed    int `json:"failed"`
}

func (s *Server) handleReplayIDs(w http.ResponseWriter, r *http.Request) {
	var req replayIDsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	var ids []int64
	switch strings.ToUpper(req.Mode) {
	case "ID":
		if req.ID == nil {
			writeError(w, http.StatusBadRequest, "id is required")
			return
		}
		ids = []int64{*req.ID}
	case "IDS", "":
		ids = req.IDs
	default:
		writeError(w, http.StatusBadRequest, "mode must be ID or IDS")
		return
	}
	s.submit(w, r, replay.Selection{
		Mode:     models.SelectionIDs,
		EventKey: req.EventKey,
		Day:      req.Day,
		IDs:      ids,
		Reason:   req.Reason,
	})
}

func (s *Server) handleReplayFilters(w http.ResponseWriter, r *http.Request) {
	var req replayFiltersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	s.submit(w, r, replay.Selection{
		Mode:     models.SelectionFilters,
		EventKey: req.EventKey,
		Day:      req.Day,
		Filters:  req.Filters,
		Reason:   req.Reason,
	})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, sel replay.Selection) {
	sel.RequestedBy = operatorFromRequest(r)
	job, err := s.replayer.Submit(r.Context(), sel)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, replayResponse{Requested: job.TotalRequested, Failed: job.FailedCount})
}

type replayJobsResponse struct {
	Jobs      []models.ReplayJob `json:"jobs"`
	Page      int                `json:"page"`
	Size      int                `json:"size"`
	Total     int64              `json:"total"`
	Stats     store.ReplayStats  `json:"stats"`
	Operators []string           `json:"operators"`
	EventKeys []string           `json:"eventKeys"`
}

func (s *Server) handleListReplayJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := store.ReplayJobQuery{
		Page:        queryInt(r, "page", 0, 0),
		Size:        queryInt(r, "size", 20, 200),
		Search:      q.Get("search"),
		Status:      q.Get("status"),
		EventKey:    q.Get("eventKey"),
		RequestedBy: q.Get("requestedBy"),
	}
	if query.Size == 0 {
		query.Size = 20
	}
	page, err := s.audit.ListReplayJobs(r.Context(), query)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, replayJobsResponse{
		Jobs:      page.Jobs,
		Page:      query.Page,
		Size:      query.Size,
		Total:     page.Total,
		Stats:     page.Stats,
		Operators: page.Operators,
		EventKeys: page.EventKeys,
	})
}

func (s *Server) handleGetReplayJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.audit.GetReplayJob(r.Context(), chi.URLParam(r, "replayId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleReplayItems(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "replayId")
	if _, err := s.audit.GetReplayJob(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	items, err := s.audit.ListReplayItems(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if items == nil {
		items = []models.ReplayItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
