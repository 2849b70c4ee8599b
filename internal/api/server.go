package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"dripflow/internal/domain"
	"dripflow/internal/planner"
	"dripflow/internal/report"
	"dripflow/internal/scheduler"
	"dripflow/internal/store"
)

// Ticker runs one scheduler pass on demand (ops/testing surface).
type Ticker interface {
	RunTick(ctx context.Context, now time.Time) scheduler.TickResult
}

type Server struct {
	r          *chi.Mux
	store      store.Store
	planner    *planner.Planner
	aggregator *report.Aggregator
	ticker     Ticker
}

func NewServer(st store.Store, pl *planner.Planner, agg *report.Aggregator, tk Ticker) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, store: st, planner: pl, aggregator: agg, ticker: tk}

	r.Get("/health", s.health)
	r.Post("/api/campaigns", s.createCampaign)
	r.Get("/api/campaigns/{id}", s.getCampaign)
	r.Get("/api/campaigns/{id}/status", s.campaignStatus)
	r.Post("/api/campaigns/{id}/cancel", s.cancelCampaign)
	r.Post("/api/scheduler/tick", s.runTick)
	r.Get("/api/users/{id}/notifications", s.listNotifications)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type createCampaignReq struct {
	planner.Definition
	Content []planner.ContentInput `json:"content"`
}

type createCampaignResp struct {
	ID           string `json:"id"`
	DropsCreated int    `json:"drops_created"`
	EndDate      string `json:"end_date"`
}

func (s *Server) createCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if len(req.Content) == 0 {
		http.Error(w, "content is required", 400)
		return
	}

	c, err := s.planner.Create(r.Context(), req.Definition)
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := s.planner.PlanDaily(r.Context(), c, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createCampaignResp{ID: c.ID, DropsCreated: n, EndDate: c.EndDate})
}

func (s *Server) getCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := s.store.GetCampaign(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	drops, err := s.store.ListDrops(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	dropViews := make([]map[string]any, 0, len(drops))
	for _, d := range drops {
		dropViews = append(dropViews, map[string]any{
			"id":         d.ID,
			"drop_date":  d.DropDate,
			"trigger_at": d.TriggerAt.UTC().Format(time.RFC3339),
			"status":     d.Status,
		})
	}
	writeJSON(w, 200, map[string]any{
		"id":         c.ID,
		"org_id":     c.OrgID,
		"name":       c.Name,
		"status":     c.Status,
		"start_date": c.StartDate,
		"end_date":   c.EndDate,
		"send_time":  c.SendTime,
		"timezone":   c.Timezone,
		"channels":   c.Channels,
		"drops":      dropViews,
	})
}

func (s *Server) campaignStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := s.aggregator.CampaignStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, status)
}

func (s *Server) cancelCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cancelled, err := s.store.CancelCampaign(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"id": id, "cancelled_drops": cancelled})
}

func (s *Server) runTick(w http.ResponseWriter, r *http.Request) {
	res := s.ticker.RunTick(r.Context(), time.Now())
	writeJSON(w, 200, res)
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	notifications, err := s.store.ListNotifications(r.Context(), id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(notifications))
	for _, n := range notifications {
		views = append(views, map[string]any{
			"id":         n.ID,
			"title":      n.Title,
			"body":       n.Body,
			"read":       n.ReadAt != nil,
			"created_at": n.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, 200, views)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "not found", 404)
	case errors.Is(err, domain.ErrAlreadyPlanned):
		http.Error(w, err.Error(), 409)
	case errors.Is(err, domain.ErrInvalid),
		errors.Is(err, domain.ErrEmptyContent),
		errors.Is(err, domain.ErrEmptyAudience),
		errors.Is(err, domain.ErrStartInPast),
		errors.Is(err, domain.ErrNoChannels):
		http.Error(w, err.Error(), 400)
	default:
		http.Error(w, err.Error(), 500)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
