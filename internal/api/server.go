package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"seoflow/internal/batch"
	"seoflow/internal/domain"
	"seoflow/internal/monitor"
	"seoflow/internal/orchestrator"
	"seoflow/internal/registry"
)

// Service is the part of the orchestrator the API exposes.
type Service interface {
	Submit(ctx context.Context, spec orchestrator.TaskSpec) (string, error)
	SubmitBatch(ctx context.Context, kind domain.Kind, keys, keywords []string) (batch.Result, error)
	GetStatus(ctx context.Context, id string) (domain.TaskView, error)
	ListTasks(ctx context.Context, status *domain.Status) ([]domain.TaskView, error)
	Cancel(ctx context.Context, id string) (bool, error)
	ScheduleDailyKeywords(ctx context.Context, keywords []string, timeOfDay string) (string, error)
	ScheduleWeeklyCompetitors(ctx context.Context, domains []string) (string, error)
	ScheduleBulkURLs(ctx context.Context, urls, keywords []string, delay time.Duration) (string, error)
	ScheduleCleanup(ctx context.Context, daysToKeep int, every time.Duration) (string, error)
	Health(ctx context.Context) (map[string]any, error)
	Metrics() http.Handler
	Alerts(openOnly bool) []monitor.Alert
	ResolveAlert(id string) bool
	MetricsHistory(n int) []monitor.Point
}

type Server struct {
	r   *chi.Mux
	svc Service
}

func NewServer(svc Service) http.Handler {
	return NewServerWithDebug(svc, false)
}

func NewServerWithDebug(svc Service, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, svc: svc}

	r.Get("/health", s.health)
	r.Handle("/metrics", svc.Metrics())

	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", s.submitTask)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{id}", s.getTask)
		r.Delete("/tasks/{id}", s.cancelTask)

		r.Post("/analyze/urls", s.analyzeURLs)
		r.Post("/analyze/keywords", s.analyzeKeywords)

		r.Post("/schedule/daily", s.scheduleDaily)
		r.Post("/schedule/competitors", s.scheduleCompetitors)
		r.Post("/cleanup", s.cleanup)

		r.Get("/alerts", s.listAlerts)
		r.Post("/alerts/{id}/resolve", s.resolveAlert)
		r.Get("/metrics/history", s.metricsHistory)
	})

	// Debug routes (pprof)
	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		r.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
		r.Handle("/debug/pprof/block", pprof.Handler("block"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	h, err := s.svc.Health(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, h)
}

type idResp struct {
	ID string `json:"id"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var spec orchestrator.TaskSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if spec.Kind == "" {
		http.Error(w, "kind is required", http.StatusBadRequest)
		return
	}
	id, err := s.svc.Submit(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, idResp{ID: id})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	var status *domain.Status
	if v := r.URL.Query().Get("status"); v != "" {
		st := domain.Status(v)
		if !st.Valid() {
			http.Error(w, "unknown status "+strconv.Quote(v), http.StatusBadRequest)
			return
		}
		status = &st
	}
	tasks, err := s.svc.ListTasks(r.Context(), status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	ok, err := s.svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type analyzeURLsReq struct {
	URLs     []string `json:"urls"`
	Keywords []string `json:"keywords"`
	// DelayMinutes > 0 schedules the batch as a task instead of running it now.
	DelayMinutes int `json:"delay_minutes"`
}

type batchResp struct {
	Counts  batch.Counts       `json:"counts"`
	Items   []batch.ItemResult `json:"items"`
	Records []domain.Record    `json:"records"`
}

func newBatchResp(res batch.Result) batchResp {
	out := batchResp{Counts: res.Counts, Items: res.Items, Records: res.Records}
	if out.Records == nil {
		out.Records = []domain.Record{}
	}
	return out
}

func (s *Server) analyzeURLs(w http.ResponseWriter, r *http.Request) {
	var req analyzeURLsReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.DelayMinutes > 0 {
		id, err := s.svc.ScheduleBulkURLs(r.Context(), req.URLs, req.Keywords, time.Duration(req.DelayMinutes)*time.Minute)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, idResp{ID: id})
		return
	}
	res, err := s.svc.SubmitBatch(r.Context(), domain.KindBulkURLAnalysis, req.URLs, req.Keywords)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newBatchResp(res))
}

type keywordsReq struct {
	Keywords []string `json:"keywords"`
}

func (s *Server) analyzeKeywords(w http.ResponseWriter, r *http.Request) {
	var req keywordsReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.svc.SubmitBatch(r.Context(), domain.KindBulkKeywordAnalysis, req.Keywords, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newBatchResp(res))
}

type dailyReq struct {
	Keywords []string `json:"keywords"`
	Time     string   `json:"time"`
}

func (s *Server) scheduleDaily(w http.ResponseWriter, r *http.Request) {
	var req dailyReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Time == "" {
		req.Time = "09:00"
	}
	id, err := s.svc.ScheduleDailyKeywords(r.Context(), req.Keywords, req.Time)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, idResp{ID: id})
}

type competitorsReq struct {
	Domains []string `json:"domains"`
}

func (s *Server) scheduleCompetitors(w http.ResponseWriter, r *http.Request) {
	var req competitorsReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.svc.ScheduleWeeklyCompetitors(r.Context(), req.Domains)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, idResp{ID: id})
}

type cleanupReq struct {
	DaysToKeep int             `json:"days_to_keep"`
	Every      domain.Duration `json:"every"`
}

// cleanup runs a cleanup once, or on a period when every is set.
func (s *Server) cleanup(w http.ResponseWriter, r *http.Request) {
	req := cleanupReq{DaysToKeep: 30}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.DaysToKeep < 1 {
		http.Error(w, "days_to_keep must be at least 1", http.StatusBadRequest)
		return
	}
	var (
		id  string
		err error
	)
	if req.Every > 0 {
		id, err = s.svc.ScheduleCleanup(r.Context(), req.DaysToKeep, time.Duration(req.Every))
	} else {
		id, err = s.svc.Submit(r.Context(), orchestrator.TaskSpec{
			Kind:     domain.KindCleanup,
			Payload:  domain.MustPayload(nil, map[string]any{"days_to_keep": req.DaysToKeep}),
			Priority: domain.PriorityLow,
		})
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, idResp{ID: id})
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	openOnly, _ := strconv.ParseBool(r.URL.Query().Get("open"))
	writeJSON(w, http.StatusOK, s.svc.Alerts(openOnly))
}

func (s *Server) resolveAlert(w http.ResponseWriter, r *http.Request) {
	if !s.svc.ResolveAlert(chi.URLParam(r, "id")) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) metricsHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.svc.MetricsHistory(limit))
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, registry.ErrDuplicateID):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, orchestrator.ErrInvalidTask), errors.Is(err, domain.ErrInvalidTrigger):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		log.Error().Err(err).Msg("request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
