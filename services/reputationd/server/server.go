// Package server exposes the reputation service: a platform-fed feedback log
// with per-agent summaries. Agents never write here directly; the court and
// platform tooling submit on their behalf.
package server

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"agora/clients/identity"
	"agora/crypto/jws"
	"agora/httpapi"
	"agora/observability"
	"agora/services/reputationd/store"
)

// Feedback kinds and the score weight of each rating. The score is the
// weighted mean over everything an agent has received.
var (
	feedbackKinds = map[string]bool{
		"spec_quality":     true,
		"delivery_quality": true,
	}
	ratingWeights = map[string]float64{
		"extremely_satisfied": 1.0,
		"satisfied":           0.6,
		"dissatisfied":        0.1,
	}
)

// Config carries the server knobs taken from the service configuration.
type Config struct {
	ServiceName     string
	MaxBodyBytes    int64
	PlatformAgentID string
	RateLimits      map[string]httpapi.RateLimit
}

// Server wires the feedback store behind the HTTP surface.
type Server struct {
	cfg      Config
	store    *store.Store
	verifier identity.Verifier
	logger   *slog.Logger
	router   http.Handler
	metrics  *observability.ReputationMetrics
	started  time.Time

	rejected atomic.Int64
}

// New constructs the reputationd HTTP server.
func New(cfg Config, st *store.Store, verifier identity.Verifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "reputationd"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = httpapi.DefaultMaxBodyBytes
	}
	s := &Server{
		cfg:      cfg,
		store:    st,
		verifier: verifier,
		logger:   logger,
		metrics:  observability.Reputation(),
		started:  time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	metrics := httpapi.NewMetrics(s.cfg.ServiceName, s.logger)
	limits := httpapi.NewRateLimiter(s.cfg.RateLimits, s.logger)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.NotFound(httpapi.NotFound)
	r.MethodNotAllowed(httpapi.MethodNotAllowed)

	r.With(metrics.Middleware("reputation.submit_feedback"), limits.Middleware("feedback")).
		Post("/feedback", s.handleSubmitFeedback)
	r.With(metrics.Middleware("reputation.list_feedback")).Get("/feedback", s.handleListFeedback)
	r.With(metrics.Middleware("reputation.agent_summary")).Get("/agents/{id}/summary", s.handleAgentSummary)

	r.Get("/health", httpapi.Health(s.cfg.ServiceName, s.started, s.healthCounters))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

func (s *Server) healthCounters() map[string]int64 {
	count, err := s.store.Count()
	if err != nil {
		return map[string]int64{"feedback_recorded": -1}
	}
	return map[string]int64{
		"feedback_recorded":    count,
		"submissions_rejected": s.rejected.Load(),
	}
}

type tokenRequest struct {
	Token string `json:"token"`
}

type feedbackResponse struct {
	FeedbackID string `json:"feedback_id"`
	TaskID     string `json:"task_id"`
	RaterID    string `json:"rater_id"`
	RateeID    string `json:"ratee_id"`
	Kind       string `json:"kind"`
	Rating     string `json:"rating"`
	Comment    string `json:"comment,omitempty"`
	CreatedAt  string `json:"created_at"`
}

func feedbackPayload(fb store.Feedback) feedbackResponse {
	return feedbackResponse{
		FeedbackID: fb.FeedbackID,
		TaskID:     fb.TaskID,
		RaterID:    fb.RaterID,
		RateeID:    fb.RateeID,
		Kind:       fb.Kind,
		Rating:     fb.Rating,
		Comment:    fb.Comment,
		CreatedAt:  fb.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) reject(apiErr *httpapi.APIError) *httpapi.APIError {
	s.rejected.Add(1)
	s.metrics.RecordRejection(apiErr.Code)
	return apiErr
}

// handleSubmitFeedback records one platform-signed rating.
func (s *Server) handleSubmitFeedback(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := httpapi.Decode(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	signer, payload, err := identity.RequireAction(r.Context(), s.verifier, req.Token, "submit_feedback")
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	if signer != s.cfg.PlatformAgentID {
		httpapi.WriteError(w, s.reject(httpapi.Errorf(http.StatusForbidden, httpapi.CodeForbidden, "submit_feedback is a platform operation")))
		return
	}
	claims := jws.Claims(payload)

	fb := store.Feedback{
		TaskID:  claims.String("task_id"),
		RaterID: claims.String("rater_id"),
		RateeID: claims.String("ratee_id"),
		Kind:    claims.String("kind"),
		Rating:  claims.String("rating"),
		Comment: claims.String("comment"),
	}
	switch {
	case fb.TaskID == "" || fb.RaterID == "" || fb.RateeID == "":
		httpapi.WriteError(w, s.reject(httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidPayload, "task_id, rater_id, and ratee_id are required")))
		return
	case fb.RaterID == fb.RateeID:
		httpapi.WriteError(w, s.reject(httpapi.Errorf(http.StatusBadRequest, httpapi.CodeSelfFeedback, "agents cannot rate themselves")))
		return
	case !feedbackKinds[fb.Kind]:
		httpapi.WriteError(w, s.reject(httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidPayload, "unknown feedback kind %q", fb.Kind)))
		return
	}
	if _, ok := ratingWeights[fb.Rating]; !ok {
		httpapi.WriteError(w, s.reject(httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidPayload, "unknown rating %q", fb.Rating)))
		return
	}

	recorded, err := s.store.Append(fb)
	if err != nil {
		if errors.Is(err, store.ErrFeedbackExists) {
			httpapi.WriteError(w, s.reject(httpapi.Errorf(http.StatusConflict, httpapi.CodeFeedbackExists, "feedback already recorded for this task, rater, and kind")))
			return
		}
		s.logger.Error("append feedback failed", slog.String("error", err.Error()))
		httpapi.WriteError(w, err)
		return
	}
	s.metrics.RecordFeedback(recorded.Rating)
	s.logger.Info("feedback recorded",
		slog.String("feedback_id", recorded.FeedbackID),
		slog.String("ratee_id", recorded.RateeID),
		slog.String("rating", recorded.Rating),
	)
	httpapi.WriteJSON(w, http.StatusCreated, feedbackPayload(recorded))
}

func (s *Server) handleListFeedback(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidPayload, "limit must be a positive integer"))
			return
		}
		limit = parsed
		if limit > 200 {
			limit = 200
		}
	}

	var entries []store.Feedback
	var err error
	if agentID := r.URL.Query().Get("agent_id"); agentID != "" {
		entries, err = s.store.ByAgent(agentID)
	} else {
		entries, err = s.store.All()
	}
	if err != nil {
		s.logger.Error("list feedback failed", slog.String("error", err.Error()))
		httpapi.WriteError(w, err)
		return
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	payload := make([]feedbackResponse, 0, len(entries))
	for _, fb := range entries {
		payload = append(payload, feedbackPayload(fb))
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"feedback": payload, "count": len(payload)})
}

type summaryResponse struct {
	AgentID       string         `json:"agent_id"`
	FeedbackCount int            `json:"feedback_count"`
	Counts        map[string]int `json:"counts"`
	Score         float64        `json:"score"`
}

// handleAgentSummary aggregates everything an agent has received. An agent
// with no feedback gets a zero summary rather than a 404; existence is the
// identity service's business.
func (s *Server) handleAgentSummary(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	entries, err := s.store.ByAgent(agentID)
	if err != nil {
		s.logger.Error("summarise agent failed", slog.String("error", err.Error()))
		httpapi.WriteError(w, err)
		return
	}

	counts := make(map[string]int, len(ratingWeights))
	for rating := range ratingWeights {
		counts[rating] = 0
	}
	var weighted float64
	for _, fb := range entries {
		counts[fb.Rating]++
		weighted += ratingWeights[fb.Rating]
	}
	score := 0.0
	if len(entries) > 0 {
		score = math.Round(weighted/float64(len(entries))*1000) / 1000
	}
	httpapi.WriteJSON(w, http.StatusOK, summaryResponse{
		AgentID:       agentID,
		FeedbackCount: len(entries),
		Counts:        counts,
		Score:         score,
	})
}
