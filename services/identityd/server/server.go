// Package server exposes the agent registry and the JWS verification
// endpoint every other platform service depends on.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"agora/crypto"
	"agora/crypto/jws"
	"agora/httpapi"
	"agora/services/identityd/storage"
)

// Config carries the server knobs taken from the service configuration.
type Config struct {
	ServiceName  string
	MaxBodyBytes int64
	RateLimits   map[string]httpapi.RateLimit
}

// Server wires the registry storage behind the HTTP surface.
type Server struct {
	cfg     Config
	store   *storage.Store
	logger  *slog.Logger
	router  http.Handler
	started time.Time
	now     func() time.Time

	verifications        atomic.Int64
	verificationFailures atomic.Int64
}

// New constructs the identityd HTTP server.
func New(cfg Config, store *storage.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "identityd"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = httpapi.DefaultMaxBodyBytes
	}
	s := &Server{
		cfg:     cfg,
		store:   store,
		logger:  logger,
		started: time.Now(),
		now:     time.Now,
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

	r.With(metrics.Middleware("identity.register"), limits.Middleware("register")).
		Post("/agents/register", s.handleRegister)
	r.With(metrics.Middleware("identity.list")).Get("/agents", s.handleList)
	r.With(metrics.Middleware("identity.get")).Get("/agents/{id}", s.handleGet)
	r.With(metrics.Middleware("identity.verify"), limits.Middleware("verify")).
		Post("/agents/verify-jws", s.handleVerify)

	r.Get("/health", httpapi.Health(s.cfg.ServiceName, s.started, s.healthCounters))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

func (s *Server) healthCounters() map[string]int64 {
	registered, err := s.store.CountAgents(context.Background())
	if err != nil {
		registered = -1
	}
	return map[string]int64{
		"agents_registered":     registered,
		"verifications":         s.verifications.Load(),
		"verification_failures": s.verificationFailures.Load(),
	}
}

type registerRequest struct {
	Name      string `json:"name"`
	PublicKey string `json:"public_key"`
}

type agentResponse struct {
	AgentID      string `json:"agent_id"`
	Name         string `json:"name"`
	PublicKey    string `json:"public_key,omitempty"`
	RegisteredAt string `json:"registered_at"`
}

func agentPayload(agent storage.Agent, includeKey bool) agentResponse {
	resp := agentResponse{
		AgentID:      agent.AgentID,
		Name:         agent.Name,
		RegisteredAt: agent.RegisteredAt.UTC().Format(time.RFC3339),
	}
	if includeKey {
		resp.PublicKey = agent.PublicKey
	}
	return resp
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := httpapi.Decode(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidPayload, "name is required"))
		return
	}
	pub, err := crypto.ParsePublicKey(req.PublicKey)
	if err != nil {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidPayload, "public_key: %v", err))
		return
	}

	agent := storage.Agent{
		AgentID:      "a-" + uuid.NewString(),
		Name:         name,
		PublicKey:    crypto.FormatPublicKey(pub),
		RegisteredAt: s.now().UTC().Truncate(time.Second),
	}
	if err := s.store.InsertAgent(r.Context(), agent); err != nil {
		if errors.Is(err, storage.ErrPublicKeyExists) {
			httpapi.WriteError(w, httpapi.Errorf(http.StatusConflict, httpapi.CodePublicKeyExists, "public key already registered"))
			return
		}
		s.logger.Error("register agent", slog.String("error", err.Error()))
		httpapi.WriteError(w, err)
		return
	}
	s.logger.Info("agent registered",
		slog.String("agent_id", agent.AgentID),
		slog.String("name", agent.Name),
	)
	httpapi.WriteJSON(w, http.StatusCreated, agentPayload(agent, true))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		s.logger.Error("list agents", slog.String("error", err.Error()))
		httpapi.WriteError(w, err)
		return
	}
	out := make([]agentResponse, 0, len(agents))
	for _, agent := range agents {
		out = append(out, agentPayload(agent, false))
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"agents": out, "count": len(out)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.AgentByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrAgentNotFound) {
			httpapi.WriteError(w, httpapi.Errorf(http.StatusNotFound, httpapi.CodeAgentNotFound, "agent not found"))
			return
		}
		s.logger.Error("get agent", slog.String("error", err.Error()))
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, agentPayload(agent, true))
}

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	Valid   bool           `json:"valid"`
	AgentID string         `json:"agent_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Reason  string         `json:"reason,omitempty"`
}

// handleVerify resolves the token's kid against the registry and checks the
// signature. A failed signature is a successful verification round-trip with
// valid=false; only malformed tokens and unknown agents are HTTP errors.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := httpapi.Decode(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	s.verifications.Add(1)

	header, err := jws.DecodeHeader(strings.TrimSpace(req.Token))
	if err != nil {
		s.verificationFailures.Add(1)
		httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidJWS, "%v", err))
		return
	}
	agent, err := s.store.AgentByID(r.Context(), header.Kid)
	if err != nil {
		if errors.Is(err, storage.ErrAgentNotFound) {
			s.verificationFailures.Add(1)
			httpapi.WriteError(w, httpapi.Errorf(http.StatusNotFound, httpapi.CodeAgentNotFound, "unknown signer %q", header.Kid))
			return
		}
		s.logger.Error("resolve signer", slog.String("error", err.Error()))
		httpapi.WriteError(w, err)
		return
	}
	pub, err := crypto.ParsePublicKey(agent.PublicKey)
	if err != nil {
		s.logger.Error("stored key unparseable", slog.String("agent_id", agent.AgentID), slog.String("error", err.Error()))
		httpapi.WriteError(w, err)
		return
	}

	payload, err := jws.Verify(req.Token, pub)
	if err != nil {
		s.verificationFailures.Add(1)
		if errors.Is(err, jws.ErrMalformed) {
			httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidJWS, "malformed token payload"))
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, verifyResponse{Valid: false, Reason: "signature verification failed"})
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, verifyResponse{Valid: true, AgentID: agent.AgentID, Payload: payload})
}
