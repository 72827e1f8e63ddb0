package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/revenuelab/taxrules-cli/internal/aggregate"
	"github.com/revenuelab/taxrules-cli/internal/calc"
	"github.com/revenuelab/taxrules-cli/internal/config"
	"github.com/revenuelab/taxrules-cli/internal/model"
	"github.com/revenuelab/taxrules-cli/internal/monitoring"
	"github.com/revenuelab/taxrules-cli/internal/registry"
	"github.com/revenuelab/taxrules-cli/internal/store"
	"github.com/revenuelab/taxrules-cli/internal/validate"
)

// apiServer bundles the handlers behind the HTTP API.
type apiServer struct {
	store     store.Store
	engine    *aggregate.Engine
	executor  *calc.Executor
	registry  *registry.Registry
	harness   *validate.Harness
	collector *monitoring.Collector
	limiter   *rate.Limiter
}

func newAPIServer(st store.Store, c *config.Config) *apiServer {
	limit := c.Calculation.RateLimitPerSec
	if limit <= 0 {
		limit = 50
	}
	return &apiServer{
		store:     st,
		engine:    aggregate.New(st, c.Aggregation),
		executor:  calc.New(st, c.Calculation),
		registry:  registry.New(st),
		harness:   validate.New(st, c.Calculation.OverflowCeiling),
		collector: monitoring.NewCollector(st),
		limiter:   rate.NewLimiter(rate.Limit(limit), int(limit)),
	}
}

func (s *apiServer) router(allowedOrigins []string) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/preflight", s.handlePreflight)

	r.Post("/aggregate", s.handleAggregate)
	r.Get("/aggregate/runs/{id}", s.handleGetRun)

	r.Get("/conflicts", s.handleListConflicts)
	r.Post("/conflicts/{id}/resolve", s.handleResolveConflict)

	r.With(s.rateLimit).Post("/calculate", s.handleCalculate)
	r.Post("/validate", s.handleValidate)

	r.Get("/synonyms", s.handleListSynonyms)
	r.Post("/synonyms/batch", s.handleSynonymBatch)
	r.Post("/synonyms/{id}/approve", s.handleApproveSynonym)
	r.Post("/synonyms/{id}/reject", s.handleRejectSynonym)

	return r
}

// requestLogger logs each request with its status and latency.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	})
}

func (s *apiServer) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *apiServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.collector.Collect(r.Context(), 24)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *apiServer) handlePreflight(w http.ResponseWriter, r *http.Request) {
	rt := model.RuleType(r.URL.Query().Get("tax_type"))
	if !rt.Valid() {
		writeError(w, http.StatusBadRequest, "unknown tax_type")
		return
	}
	target, err := parseTargetDate(r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pf, err := aggregate.Preflight(r.Context(), s.store, rt, target)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pf)
}

func (s *apiServer) handleAggregate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaxType    string `json:"tax_type"`
		TargetDate string `json:"target_date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rt := model.RuleType(req.TaxType)
	if !rt.Valid() {
		writeError(w, http.StatusBadRequest, "unknown tax_type")
		return
	}
	target, err := parseTargetDate(req.TargetDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.engine.Run(r.Context(), rt, target)
	if errors.Is(err, store.ErrRunActive) {
		writeError(w, http.StatusConflict, "an aggregation run is already active for this key")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":        res.Run.ID,
		"status":        res.Run.Status,
		"new_conflicts": len(res.NewConflicts),
	})
}

func (s *apiServer) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *apiServer) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	filter := store.ConflictFilter{Limit: 100}
	if tt := r.URL.Query().Get("tax_type"); tt != "" {
		rt := model.RuleType(tt)
		if !rt.Valid() {
			writeError(w, http.StatusBadRequest, "unknown tax_type")
			return
		}
		filter.RuleType = rt
	}
	if d := r.URL.Query().Get("date"); d != "" {
		target, err := parseTargetDate(d)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.TargetDate = &target
	}
	if st := r.URL.Query().Get("status"); st != "" {
		filter.Status = model.ConflictStatus(st)
	}

	conflicts, err := s.store.ListConflicts(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

func (s *apiServer) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status     string `json:"status"`
		Resolution string `json:"resolution"`
		ResolvedBy string `json:"resolved_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	status := model.ConflictStatus(req.Status)
	if status != model.ConflictResolved && status != model.ConflictDismissed && status != model.ConflictUnderReview {
		writeError(w, http.StatusBadRequest, "status must be resolved, dismissed, or under_review")
		return
	}

	err := s.store.ResolveConflict(r.Context(), chi.URLParam(r, "id"), status, req.Resolution, req.ResolvedBy)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conflict not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

func (s *apiServer) handleCalculate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CalculationType string         `json:"calculation_type"`
		InputData       map[string]any `json:"input_data"`
		TargetDate      string         `json:"target_date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rt := model.RuleType(req.CalculationType)
	if !rt.Valid() {
		writeError(w, http.StatusBadRequest, "unknown calculation_type")
		return
	}
	target, err := parseTargetDate(req.TargetDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.executor.Execute(r.Context(), calc.Request{
		RuleType:   rt,
		TargetDate: target,
		Input:      req.InputData,
	})
	if err != nil {
		errType, failedStep := model.ClassifyError(err)
		status := http.StatusUnprocessableEntity
		if errType == model.ErrDatabase || errType == model.ErrUnknown {
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, map[string]string{
			"error_type":  string(errType),
			"message":     err.Error(),
			"failed_step": failedStep,
		})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaxType    string `json:"tax_type"`
		TargetDate string `json:"target_date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rt := model.RuleType(req.TaxType)
	if !rt.Valid() {
		writeError(w, http.StatusBadRequest, "unknown tax_type")
		return
	}
	target, err := parseTargetDate(req.TargetDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := s.harness.Validate(r.Context(), rt, target)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no aggregated rule for key")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *apiServer) handleListSynonyms(w http.ResponseWriter, r *http.Request) {
	status := model.SynonymStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = model.SynonymPending
	}
	synonyms, err := s.store.ListSynonyms(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"synonyms": synonyms})
}

func (s *apiServer) handleSynonymBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Proposals []model.SynonymProposal `json:"proposals"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Proposals) == 0 {
		writeError(w, http.StatusBadRequest, "proposals required")
		return
	}

	n, err := s.registry.ProposeSynonyms(r.Context(), req.Proposals)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"queued": n})
}

func (s *apiServer) handleApproveSynonym(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VariableKey string `json:"variable_key"`
		DecidedBy   string `json:"decided_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	syn, err := s.registry.ApproveSynonym(r.Context(), chi.URLParam(r, "id"), req.VariableKey, req.DecidedBy)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "synonym not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, syn)
}

func (s *apiServer) handleRejectSynonym(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DecidedBy string `json:"decided_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	syn, err := s.registry.RejectSynonym(r.Context(), chi.URLParam(r, "id"), req.DecidedBy)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "synonym not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, syn)
}
