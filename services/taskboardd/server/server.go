// Package server exposes the task board: task posting with escrow lock,
// sealed bidding, the worker lifecycle through submission and approval, and
// deliverable uploads. Deadlines are applied lazily, so every read first runs
// the task through the lifecycle engine before answering.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"agora/clients/bank"
	"agora/clients/identity"
	"agora/crypto/jws"
	"agora/httpapi"
	"agora/observability"
	"agora/services/taskboardd/assets"
	"agora/services/taskboardd/lifecycle"
	"agora/services/taskboardd/storage"
)

// Config carries the server knobs taken from the service configuration.
type Config struct {
	ServiceName      string
	MaxBodyBytes     int64
	PlatformAgentID  string
	MaxAssetsPerTask int
	RateLimits       map[string]httpapi.RateLimit
}

// Server wires board storage, the asset store, and the lifecycle engine
// behind the HTTP surface.
type Server struct {
	cfg      Config
	store    *storage.Store
	files    *assets.Store
	engine   *lifecycle.Engine
	verifier identity.Verifier
	ledger   bank.Ledger
	logger   *slog.Logger
	router   http.Handler
	metrics  *observability.BoardMetrics
	started  time.Time
	now      func() time.Time

	transitions atomic.Int64
}

// New constructs the taskboardd HTTP server.
func New(cfg Config, store *storage.Store, files *assets.Store, engine *lifecycle.Engine, verifier identity.Verifier, ledger bank.Ledger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "taskboardd"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = httpapi.DefaultMaxBodyBytes
	}
	if cfg.MaxAssetsPerTask <= 0 {
		cfg.MaxAssetsPerTask = 16
	}
	s := &Server{
		cfg:      cfg,
		store:    store,
		files:    files,
		engine:   engine,
		verifier: verifier,
		ledger:   ledger,
		logger:   logger,
		metrics:  observability.Board(),
		started:  time.Now(),
		now:      time.Now,
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

	r.With(metrics.Middleware("board.create_task"), limits.Middleware("tasks")).
		Post("/tasks", s.handleCreateTask)
	r.With(metrics.Middleware("board.list_tasks")).Get("/tasks", s.handleListTasks)
	r.With(metrics.Middleware("board.get_task")).Get("/tasks/{id}", s.handleGetTask)
	r.With(metrics.Middleware("board.submit_bid"), limits.Middleware("bids")).
		Post("/tasks/{id}/bids", s.handleSubmitBid)
	r.With(metrics.Middleware("board.list_bids")).Get("/tasks/{id}/bids", s.handleListBids)
	r.With(metrics.Middleware("board.accept_bid"), limits.Middleware("bids")).
		Post("/tasks/{id}/bids/{bidID}/accept", s.handleAcceptBid)
	r.With(metrics.Middleware("board.cancel_task"), limits.Middleware("transitions")).
		Post("/tasks/{id}/cancel", s.handleCancelTask)
	r.With(metrics.Middleware("board.submit_work"), limits.Middleware("transitions")).
		Post("/tasks/{id}/submit", s.handleSubmitWork)
	r.With(metrics.Middleware("board.approve_task"), limits.Middleware("transitions")).
		Post("/tasks/{id}/approve", s.handleApproveTask)
	r.With(metrics.Middleware("board.dispute_task"), limits.Middleware("transitions")).
		Post("/tasks/{id}/dispute", s.handleDisputeTask)
	r.With(metrics.Middleware("board.record_ruling"), limits.Middleware("transitions")).
		Post("/tasks/{id}/ruling", s.handleRecordRuling)
	r.With(metrics.Middleware("board.upload_asset"), limits.Middleware("assets")).
		Post("/tasks/{id}/assets", s.handleUploadAsset)
	r.With(metrics.Middleware("board.list_assets")).Get("/tasks/{id}/assets", s.handleListAssets)
	r.With(metrics.Middleware("board.download_asset")).Get("/tasks/{id}/assets/{assetID}", s.handleDownloadAsset)

	r.Get("/health", httpapi.Health(s.cfg.ServiceName, s.started, s.healthCounters))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

func (s *Server) healthCounters() map[string]int64 {
	ctx := context.Background()
	total, err := s.store.CountTasks(ctx)
	if err != nil {
		return map[string]int64{"tasks_created": -1}
	}
	open, err := s.store.CountTasksByStatus(ctx, storage.StatusOpen)
	if err != nil {
		return map[string]int64{"tasks_created": -1}
	}
	deadline, retries := s.engine.Stats()
	return map[string]int64{
		"tasks_created":  total,
		"tasks_open":     open,
		"transitions":    deadline + s.transitions.Load(),
		"escrow_retries": retries,
	}
}

type tokenRequest struct {
	Token string `json:"token"`
}

type createTaskRequest struct {
	TaskToken   string `json:"task_token"`
	EscrowToken string `json:"escrow_token"`
}

type taskResponse struct {
	TaskID           string `json:"task_id"`
	PosterID         string `json:"poster_id"`
	WorkerID         string `json:"worker_id,omitempty"`
	Title            string `json:"title"`
	Spec             string `json:"spec"`
	Reward           int64  `json:"reward"`
	Status           string `json:"status"`
	EscrowID         string `json:"escrow_id"`
	EscrowPending    bool   `json:"escrow_pending,omitempty"`
	BidCount         int    `json:"bid_count"`
	AcceptedBidID    string `json:"accepted_bid_id,omitempty"`
	BiddingSeconds   int64  `json:"bidding_seconds"`
	ExecutionSeconds int64  `json:"execution_seconds"`
	ReviewSeconds    int64  `json:"review_seconds"`
	DisputeReason    string `json:"dispute_reason,omitempty"`
	RulingID         string `json:"ruling_id,omitempty"`
	WorkerPct        *int   `json:"worker_pct,omitempty"`
	RulingSummary    string `json:"ruling_summary,omitempty"`
	CreatedAt        string `json:"created_at"`
	AcceptedAt       string `json:"accepted_at,omitempty"`
	SubmittedAt      string `json:"submitted_at,omitempty"`
	ApprovedAt       string `json:"approved_at,omitempty"`
	CancelledAt      string `json:"cancelled_at,omitempty"`
	DisputedAt       string `json:"disputed_at,omitempty"`
	RuledAt          string `json:"ruled_at,omitempty"`
	ExpiredAt        string `json:"expired_at,omitempty"`
}

type bidResponse struct {
	BidID       string `json:"bid_id"`
	TaskID      string `json:"task_id"`
	BidderID    string `json:"bidder_id"`
	Amount      int64  `json:"amount"`
	SubmittedAt string `json:"submitted_at"`
}

type assetResponse struct {
	AssetID     string `json:"asset_id"`
	TaskID      string `json:"task_id"`
	UploaderID  string `json:"uploader_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentHash string `json:"content_hash"`
	UploadedAt  string `json:"uploaded_at"`
}

func taskPayload(task storage.Task) taskResponse {
	resp := taskResponse{
		TaskID:           task.TaskID,
		PosterID:         task.PosterID,
		WorkerID:         task.WorkerID,
		Title:            task.Title,
		Spec:             task.Spec,
		Reward:           task.Reward,
		Status:           task.Status,
		EscrowID:         task.EscrowID,
		EscrowPending:    task.EscrowPending,
		BidCount:         task.BidCount,
		AcceptedBidID:    task.AcceptedBidID,
		BiddingSeconds:   task.BiddingSeconds,
		ExecutionSeconds: task.ExecutionSeconds,
		ReviewSeconds:    task.ReviewSeconds,
		DisputeReason:    task.DisputeReason,
		RulingID:         task.RulingID,
		RulingSummary:    task.RulingSummary,
		CreatedAt:        stamp(task.CreatedAt),
		AcceptedAt:       stamp(task.AcceptedAt),
		SubmittedAt:      stamp(task.SubmittedAt),
		ApprovedAt:       stamp(task.ApprovedAt),
		CancelledAt:      stamp(task.CancelledAt),
		DisputedAt:       stamp(task.DisputedAt),
		RuledAt:          stamp(task.RuledAt),
		ExpiredAt:        stamp(task.ExpiredAt),
	}
	if task.RulingID != "" {
		pct := task.RulingWorkerPct
		resp.WorkerPct = &pct
	}
	return resp
}

func bidPayload(bid storage.Bid) bidResponse {
	return bidResponse{
		BidID:       bid.BidID,
		TaskID:      bid.TaskID,
		BidderID:    bid.BidderID,
		Amount:      bid.Amount,
		SubmittedAt: stamp(bid.SubmittedAt),
	}
}

func assetPayload(asset storage.Asset) assetResponse {
	return assetResponse{
		AssetID:     asset.AssetID,
		TaskID:      asset.TaskID,
		UploaderID:  asset.UploaderID,
		Filename:    asset.Filename,
		ContentType: asset.ContentType,
		SizeBytes:   asset.SizeBytes,
		ContentHash: asset.ContentHash,
		UploadedAt:  stamp(asset.UploadedAt),
	}
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// writeBoardError maps storage and asset sentinels onto the stable error
// codes.
func (s *Server) writeBoardError(w http.ResponseWriter, err error) {
	var apiErr *httpapi.APIError
	switch {
	case errors.Is(err, storage.ErrTaskNotFound):
		apiErr = httpapi.Errorf(http.StatusNotFound, httpapi.CodeTaskNotFound, "task not found")
	case errors.Is(err, storage.ErrTaskExists):
		apiErr = httpapi.Errorf(http.StatusConflict, httpapi.CodeTaskExists, "task already exists")
	case errors.Is(err, storage.ErrBidNotFound):
		apiErr = httpapi.Errorf(http.StatusNotFound, httpapi.CodeBidNotFound, "bid not found")
	case errors.Is(err, storage.ErrBidExists):
		apiErr = httpapi.Errorf(http.StatusConflict, httpapi.CodeBidExists, "agent already bid on this task")
	case errors.Is(err, storage.ErrInvalidStatus):
		apiErr = httpapi.Errorf(http.StatusConflict, httpapi.CodeInvalidStatus, "task status does not permit this operation")
	case errors.Is(err, storage.ErrAssetNotFound), errors.Is(err, assets.ErrNotFound):
		apiErr = httpapi.Errorf(http.StatusNotFound, httpapi.CodeAssetNotFound, "asset not found")
	case errors.Is(err, assets.ErrFileTooLarge):
		apiErr = httpapi.Errorf(http.StatusRequestEntityTooLarge, httpapi.CodeFileTooLarge, "file exceeds the per-file size limit")
	case errors.Is(err, assets.ErrInvalidFilename):
		apiErr = httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidPayload, "filename is not acceptable")
	default:
		s.logger.Error("board operation failed", slog.String("error", err.Error()))
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteError(w, apiErr)
}

// bankError forwards a 4xx verdict from the bank verbatim and masks
// everything else as an upstream outage.
func bankError(err error) *httpapi.APIError {
	var apiErr *httpapi.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return httpapi.Errorf(http.StatusBadGateway, httpapi.CodeBankUnavailable, "central bank unavailable")
}

// requireToken decodes the standard {token} body and verifies it authorizes
// the named action, returning the signer and typed claims.
func (s *Server) requireToken(w http.ResponseWriter, r *http.Request, action string) (string, jws.Claims, bool) {
	var req tokenRequest
	if err := httpapi.Decode(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		httpapi.WriteError(w, err)
		return "", nil, false
	}
	signer, payload, err := identity.RequireAction(r.Context(), s.verifier, req.Token, action)
	if err != nil {
		httpapi.WriteError(w, err)
		return "", nil, false
	}
	return signer, jws.Claims(payload), true
}

// loadTask fetches a task and runs it through the lifecycle engine, so the
// caller always sees post-deadline status.
func (s *Server) loadTask(w http.ResponseWriter, r *http.Request) (storage.Task, bool) {
	taskID := chi.URLParam(r, "id")
	task, err := s.store.TaskByID(r.Context(), taskID)
	if err != nil {
		s.writeBoardError(w, err)
		return storage.Task{}, false
	}
	task, err = s.engine.Evaluate(r.Context(), task)
	if err != nil {
		s.writeBoardError(w, err)
		return storage.Task{}, false
	}
	return task, true
}

// matchTask rejects tokens whose task_id claim does not name the task in the
// URL, so a captured token cannot be replayed against another task.
func matchTask(w http.ResponseWriter, claims jws.Claims, taskID string) bool {
	if claims.String("task_id") != taskID {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeTokenMismatch, "token task_id does not match the request"))
		return false
	}
	return true
}

// handleCreateTask posts a task. The request carries two tokens minted by the
// poster: the task token authorizes create_task here, and the escrow token is
// forwarded untouched to the bank, which verifies it independently. The two
// are cross-checked first so a poster cannot fund a task with an escrow meant
// for another one.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := httpapi.Decode(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	signer, payload, err := identity.RequireAction(r.Context(), s.verifier, req.TaskToken, "create_task")
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	claims := jws.Claims(payload)

	posterID := claims.String("poster_id")
	if posterID == "" {
		posterID = signer
	}
	if posterID != signer {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusForbidden, httpapi.CodeForbidden, "task token must be signed by the poster"))
		return
	}
	taskID := claims.String("task_id")
	title := strings.TrimSpace(claims.String("title"))
	spec := strings.TrimSpace(claims.String("spec"))
	reward, _ := claims.Int64("reward")
	bidding, _ := claims.Int64("bidding_seconds")
	execution, _ := claims.Int64("execution_seconds")
	review, _ := claims.Int64("review_seconds")
	switch {
	case taskID == "":
		httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidPayload, "task_id is required"))
		return
	case title == "" || spec == "":
		httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidPayload, "title and spec are required"))
		return
	case reward <= 0:
		httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidPayload, "reward must be positive"))
		return
	case bidding <= 0 || execution <= 0 || review <= 0:
		httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidPayload, "bidding_seconds, execution_seconds and review_seconds must be positive"))
		return
	}

	// The escrow token is opaque to the board (the bank verifies it), but
	// its claims must describe this exact task and amount.
	escrowClaims, err := jws.DecodeClaims(req.EscrowToken)
	if err != nil {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidJWS, "escrow_token is malformed"))
		return
	}
	ec := jws.Claims(escrowClaims)
	escrowAmount, ok := ec.Int64("amount")
	if ec.String("task_id") != taskID || !ok || escrowAmount != reward {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeTokenMismatch, "escrow_token does not match the task"))
		return
	}

	if _, err := s.store.TaskByID(r.Context(), taskID); err == nil {
		s.writeBoardError(w, storage.ErrTaskExists)
		return
	} else if !errors.Is(err, storage.ErrTaskNotFound) {
		s.writeBoardError(w, err)
		return
	}

	escrow, err := s.ledger.Lock(r.Context(), req.EscrowToken)
	if err != nil {
		httpapi.WriteError(w, bankError(err))
		return
	}

	task := storage.Task{
		TaskID:           taskID,
		PosterID:         posterID,
		Title:            title,
		Spec:             spec,
		Reward:           reward,
		Status:           storage.StatusOpen,
		EscrowID:         escrow.EscrowID,
		BiddingSeconds:   bidding,
		ExecutionSeconds: execution,
		ReviewSeconds:    review,
		CreatedAt:        s.now(),
	}
	if err := s.store.InsertTask(r.Context(), task); err != nil {
		// The escrow lock is idempotent per (payer, task), so a replay
		// that lost this race has nothing to unwind.
		s.writeBoardError(w, err)
		return
	}
	s.logger.Info("task created",
		slog.String("task_id", taskID),
		slog.String("poster_id", posterID),
		slog.Int64("reward", reward),
		slog.String("escrow_id", escrow.EscrowID),
	)
	httpapi.WriteJSON(w, http.StatusCreated, taskPayload(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := storage.Filter{
		Status:   query.Get("status"),
		PosterID: query.Get("poster_id"),
		WorkerID: query.Get("worker_id"),
	}
	var err error
	if raw := query.Get("offset"); raw != "" {
		if filter.Offset, err = strconv.Atoi(raw); err != nil || filter.Offset < 0 {
			httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidPayload, "offset must be a non-negative integer"))
			return
		}
	}
	if raw := query.Get("limit"); raw != "" {
		if filter.Limit, err = strconv.Atoi(raw); err != nil || filter.Limit < 0 {
			httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidPayload, "limit must be a non-negative integer"))
			return
		}
	}

	tasks, err := s.store.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeBoardError(w, err)
		return
	}
	tasks, err = s.engine.EvaluateAll(r.Context(), tasks)
	if err != nil {
		s.writeBoardError(w, err)
		return
	}
	out := make([]taskResponse, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, taskPayload(task))
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"tasks": out, "count": len(out)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, taskPayload(task))
}

// handleSubmitBid records a sealed bid while the task is open. One bid per
// bidder; the amount must stay within the reward.
func (s *Server) handleSubmitBid(w http.ResponseWriter, r *http.Request) {
	signer, claims, ok := s.requireToken(w, r, "submit_bid")
	if !ok {
		return
	}
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if !matchTask(w, claims, task.TaskID) {
		return
	}
	if task.Status != storage.StatusOpen {
		s.writeBoardError(w, storage.ErrInvalidStatus)
		return
	}
	amount, _ := claims.Int64("amount")
	if amount < 1 || amount > task.Reward {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidPayload, "amount must be between 1 and the task reward"))
		return
	}

	bid := storage.Bid{
		BidID:       storage.NewBidID(),
		TaskID:      task.TaskID,
		BidderID:    signer,
		Amount:      amount,
		SubmittedAt: s.now(),
	}
	if err := s.store.InsertBid(r.Context(), bid); err != nil {
		s.writeBoardError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, bidPayload(bid))
}

// handleListBids returns the bids on a task. While the task is open the
// listing is sealed: only the poster may read it, authenticated by a bearer
// token. Once bidding is settled the listing is public.
func (s *Server) handleListBids(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if task.Status == storage.StatusOpen {
		signer, _, err := identity.RequireSigner(r.Context(), s.verifier, httpapi.BearerToken(r))
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		if signer != task.PosterID {
			httpapi.WriteError(w, httpapi.Errorf(http.StatusForbidden, httpapi.CodeForbidden, "bids are sealed while the task is open"))
			return
		}
	}
	bids, err := s.store.ListBids(r.Context(), task.TaskID)
	if err != nil {
		s.writeBoardError(w, err)
		return
	}
	out := make([]bidResponse, 0, len(bids))
	for _, bid := range bids {
		out = append(out, bidPayload(bid))
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"bids": out, "count": len(out)})
}

// handleAcceptBid assigns the winning bidder as the task's worker.
func (s *Server) handleAcceptBid(w http.ResponseWriter, r *http.Request) {
	signer, claims, ok := s.requireToken(w, r, "accept_bid")
	if !ok {
		return
	}
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	bidID := chi.URLParam(r, "bidID")
	if !matchTask(w, claims, task.TaskID) {
		return
	}
	if claims.String("bid_id") != bidID {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeTokenMismatch, "token bid_id does not match the request"))
		return
	}
	if signer != task.PosterID {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusForbidden, httpapi.CodeForbidden, "only the poster may accept a bid"))
		return
	}
	if task.Status != storage.StatusOpen {
		s.writeBoardError(w, storage.ErrInvalidStatus)
		return
	}

	workerID, err := s.store.AcceptBid(r.Context(), task.TaskID, bidID, s.now())
	if err != nil {
		s.writeBoardError(w, err)
		return
	}
	s.transitions.Add(1)
	s.metrics.RecordTransition(storage.StatusOpen, storage.StatusAccepted)
	s.logger.Info("bid accepted",
		slog.String("task_id", task.TaskID),
		slog.String("bid_id", bidID),
		slog.String("worker_id", workerID),
	)
	fresh, err := s.store.TaskByID(r.Context(), task.TaskID)
	if err != nil {
		s.writeBoardError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, taskPayload(fresh))
}

// handleCancelTask cancels an open task and refunds the poster. The terminal
// flip is written together with the escrow-pending marker before the bank is
// called, so a failed release is retried on the next read instead of lost.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	signer, claims, ok := s.requireToken(w, r, "cancel_task")
	if !ok {
		return
	}
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if !matchTask(w, claims, task.TaskID) {
		return
	}
	if signer != task.PosterID {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusForbidden, httpapi.CodeForbidden, "only the poster may cancel the task"))
		return
	}
	if task.Status != storage.StatusOpen {
		s.writeBoardError(w, storage.ErrInvalidStatus)
		return
	}

	won, err := s.store.TransitionStatus(r.Context(), task.TaskID, storage.StatusOpen, storage.StatusCancelled, true, s.now())
	if err != nil {
		s.writeBoardError(w, err)
		return
	}
	if !won {
		s.writeBoardError(w, storage.ErrInvalidStatus)
		return
	}
	s.transitions.Add(1)
	s.metrics.RecordTransition(storage.StatusOpen, storage.StatusCancelled)
	fresh, err := s.store.TaskByID(r.Context(), task.TaskID)
	if err != nil {
		s.writeBoardError(w, err)
		return
	}
	fresh, err = s.engine.Settle(r.Context(), fresh)
	if err != nil {
		s.writeBoardError(w, err)
		return
	}
	s.logger.Info("task cancelled", slog.String("task_id", task.TaskID))
	httpapi.WriteJSON(w, http.StatusOK, taskPayload(fresh))
}

// handleSubmitWork flips an accepted task to submitted, starting the review
// clock.
func (s *Server) handleSubmitWork(w http.ResponseWriter, r *http.Request) {
	signer, claims, ok := s.requireToken(w, r, "submit_work")
	if !ok {
		return
	}
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if !matchTask(w, claims, task.TaskID) {
		return
	}
	if signer != task.WorkerID {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusForbidden, httpapi.CodeForbidden, "only the assigned worker may submit"))
		return
	}
	if task.Status != storage.StatusAccepted {
		s.writeBoardError(w, storage.ErrInvalidStatus)
		return
	}

	won, err := s.store.TransitionStatus(r.Context(), task.TaskID, storage.StatusAccepted, storage.StatusSubmitted, false, s.now())
	if err != nil {
		s.writeBoardError(w, err)
		return
	}
	if !won {
		s.writeBoardError(w, storage.ErrInvalidStatus)
		return
	}
	s.transitions.Add(1)
	s.metrics.RecordTransition(storage.StatusAccepted, storage.StatusSubmitted)
	fresh, err := s.store.TaskByID(r.Context(), task.TaskID)
	if err != nil {
		s.writeBoardError(w, err)
		return
	}
	s.logger.Info("work submitted", slog.String("task_id", task.TaskID), slog.String("worker_id", signer))
	httpapi.WriteJSON(w, http.StatusOK, taskPayload(fresh))
}

// handleApproveTask releases the escrow to the worker and flips the task to
// approved. The release happens first: if the bank refuses or is down, the
// status does not advance and the poster can retry.
func (s *Server) handleApproveTask(w http.ResponseWriter, r *http.Request) {
	signer, claims, ok := s.requireToken(w, r, "approve_task")
	if !ok {
		return
	}
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if !matchTask(w, claims, task.TaskID) {
		return
	}
	if signer != task.PosterID {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusForbidden, httpapi.CodeForbidden, "only the poster may approve"))
		return
	}
	if task.Status == storage.StatusApproved {
		// The review deadline auto-approved it concurrently; same outcome.
		httpapi.WriteJSON(w, http.StatusOK, taskPayload(task))
		return
	}
	if task.Status != storage.StatusSubmitted {
		s.writeBoardError(w, storage.ErrInvalidStatus)
		return
	}

	if _, err := s.ledger.Release(r.Context(), task.EscrowID, task.WorkerID); err != nil {
		apiErr := bankError(err)
		if apiErr.Code != httpapi.CodeEscrowResolved {
			httpapi.WriteError(w, apiErr)
			return
		}
		// Already paid out by an earlier attempt; finish the flip.
	}

	won, err := s.store.TransitionStatus(r.Context(), task.TaskID, storage.StatusSubmitted, storage.StatusApproved, false, s.now())
	if err != nil {
		s.writeBoardError(w, err)
		return
	}
	fresh, err := s.store.TaskByID(r.Context(), task.TaskID)
	if err != nil {
		s.writeBoardError(w, err)
		return
	}
	if !won {
		if fresh.Status == storage.StatusApproved {
			httpapi.WriteJSON(w, http.StatusOK, taskPayload(fresh))
			return
		}
		s.writeBoardError(w, storage.ErrInvalidStatus)
		return
	}
	s.transitions.Add(1)
	s.metrics.RecordTransition(storage.StatusSubmitted, storage.StatusApproved)
	s.logger.Info("task approved",
		slog.String("task_id", task.TaskID),
		slog.String("worker_id", task.WorkerID),
		slog.Int64("reward", task.Reward),
	)
	httpapi.WriteJSON(w, http.StatusOK, taskPayload(fresh))
}

// handleDisputeTask freezes a submitted task for the court.
func (s *Server) handleDisputeTask(w http.ResponseWriter, r *http.Request) {
	signer, claims, ok := s.requireToken(w, r, "dispute_task")
	if !ok {
		return
	}
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if !matchTask(w, claims, task.TaskID) {
		return
	}
	if signer != task.PosterID {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusForbidden, httpapi.CodeForbidden, "only the poster may dispute"))
		return
	}
	reason := strings.TrimSpace(claims.String("reason"))
	if reason == "" {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidPayload, "reason is required"))
		return
	}
	if task.Status != storage.StatusSubmitted {
		s.writeBoardError(w, storage.ErrInvalidStatus)
		return
	}

	won, err := s.store.SetDispute(r.Context(), task.TaskID, reason, s.now())
	if err != nil {
		s.writeBoardError(w, err)
		return
	}
	if !won {
		s.writeBoardError(w, storage.ErrInvalidStatus)
		return
	}
	s.transitions.Add(1)
	s.metrics.RecordTransition(storage.StatusSubmitted, storage.StatusDisputed)
	fresh, err := s.store.TaskByID(r.Context(), task.TaskID)
	if err != nil {
		s.writeBoardError(w, err)
		return
	}
	s.logger.Info("task disputed", slog.String("task_id", task.TaskID), slog.String("poster_id", signer))
	httpapi.WriteJSON(w, http.StatusOK, taskPayload(fresh))
}

// handleRecordRuling stamps the court's verdict onto a disputed task. Only
// the platform account may call it. Replays with the same ruling id are
// answered with the ruled task.
func (s *Server) handleRecordRuling(w http.ResponseWriter, r *http.Request) {
	signer, claims, ok := s.requireToken(w, r, "record_ruling")
	if !ok {
		return
	}
	if signer != s.cfg.PlatformAgentID {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusForbidden, httpapi.CodeForbidden, "record_ruling is reserved for the platform"))
		return
	}
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if !matchTask(w, claims, task.TaskID) {
		return
	}
	rulingID := claims.String("ruling_id")
	if rulingID == "" {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidPayload, "ruling_id is required"))
		return
	}
	workerPct, ok := claims.Int("worker_pct")
	if !ok || workerPct < 0 || workerPct > 100 {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidPayload, "worker_pct must be between 0 and 100"))
		return
	}
	summary := claims.String("ruling_summary")

	won, err := s.store.RecordRuling(r.Context(), task.TaskID, rulingID, workerPct, summary, s.now())
	if err != nil {
		s.writeBoardError(w, err)
		return
	}
	fresh, err := s.store.TaskByID(r.Context(), task.TaskID)
	if err != nil {
		s.writeBoardError(w, err)
		return
	}
	if !won {
		if fresh.Status == storage.StatusRuled && fresh.RulingID == rulingID {
			httpapi.WriteJSON(w, http.StatusOK, taskPayload(fresh))
			return
		}
		s.writeBoardError(w, storage.ErrInvalidStatus)
		return
	}
	s.transitions.Add(1)
	s.metrics.RecordTransition(storage.StatusDisputed, storage.StatusRuled)
	s.logger.Info("ruling recorded",
		slog.String("task_id", task.TaskID),
		slog.String("ruling_id", rulingID),
		slog.Int("worker_pct", workerPct),
	)
	httpapi.WriteJSON(w, http.StatusOK, taskPayload(fresh))
}

// handleUploadAsset stores a deliverable for an accepted task. The worker
// authenticates with an upload_asset token, either as a bearer header or a
// multipart form field named token. The file arrives as the multipart field
// named file, or as the raw body with a filename query parameter.
func (s *Server) handleUploadAsset(w http.ResponseWriter, r *http.Request) {
	token := httpapi.BearerToken(r)

	var (
		body        io.Reader
		filename    string
		contentType string
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		// Bound the whole form at the file cap plus headroom for the
		// other fields; the per-file cap itself is enforced on write.
		r.Body = http.MaxBytesReader(w, r.Body, s.files.MaxFileBytes()+(1<<20))
		if err := r.ParseMultipartForm(4 << 20); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httpapi.WriteError(w, httpapi.Errorf(http.StatusRequestEntityTooLarge, httpapi.CodePayloadTooLarge, "multipart form exceeds the size limit"))
				return
			}
			httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidPayload, "malformed multipart form"))
			return
		}
		if token == "" {
			token = r.FormValue("token")
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidPayload, "multipart field file is required"))
			return
		}
		defer file.Close()
		body = file
		filename = header.Filename
		contentType = header.Header.Get("Content-Type")
	} else {
		body = r.Body
		filename = r.URL.Query().Get("filename")
		contentType = r.Header.Get("Content-Type")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	signer, payload, err := identity.RequireAction(r.Context(), s.verifier, token, "upload_asset")
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if !matchTask(w, jws.Claims(payload), task.TaskID) {
		return
	}
	if task.Status != storage.StatusAccepted {
		s.writeBoardError(w, storage.ErrInvalidStatus)
		return
	}
	if signer != task.WorkerID {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusForbidden, httpapi.CodeForbidden, "only the assigned worker may upload deliverables"))
		return
	}
	count, err := s.store.CountAssets(r.Context(), task.TaskID)
	if err != nil {
		s.writeBoardError(w, err)
		return
	}
	if count >= s.cfg.MaxAssetsPerTask {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusConflict, httpapi.CodeTooManyAssets, "task already has %d assets", count))
		return
	}

	assetID := storage.NewAssetID()
	saved, err := s.files.Save(task.TaskID, assetID, filename, body)
	if err != nil {
		s.writeBoardError(w, err)
		return
	}
	asset := storage.Asset{
		AssetID:     assetID,
		TaskID:      task.TaskID,
		UploaderID:  signer,
		Filename:    saved.Filename,
		ContentType: contentType,
		SizeBytes:   saved.SizeBytes,
		ContentHash: saved.SHA256,
		UploadedAt:  s.now(),
	}
	if err := s.store.InsertAsset(r.Context(), asset); err != nil {
		if rmErr := s.files.Remove(task.TaskID, assetID); rmErr != nil {
			s.logger.Warn("orphaned asset file", slog.String("asset_id", assetID), slog.String("error", rmErr.Error()))
		}
		s.writeBoardError(w, err)
		return
	}
	s.metrics.RecordAssetBytes(saved.SizeBytes)
	s.logger.Info("asset uploaded",
		slog.String("task_id", task.TaskID),
		slog.String("asset_id", assetID),
		slog.String("filename", saved.Filename),
		slog.Int64("size_bytes", saved.SizeBytes),
	)
	httpapi.WriteJSON(w, http.StatusCreated, assetPayload(asset))
}

// handleListAssets lists a task's deliverables. The response is a bare array;
// the court's client depends on that shape.
func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	rows, err := s.store.ListAssets(r.Context(), task.TaskID)
	if err != nil {
		s.writeBoardError(w, err)
		return
	}
	out := make([]assetResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, assetPayload(row))
	}
	httpapi.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleDownloadAsset(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	assetID := chi.URLParam(r, "assetID")
	asset, err := s.store.AssetByID(r.Context(), taskID, assetID)
	if err != nil {
		s.writeBoardError(w, err)
		return
	}
	file, err := s.files.Open(taskID, assetID, asset.Filename)
	if err != nil {
		s.writeBoardError(w, err)
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", asset.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(asset.SizeBytes, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", asset.Filename))
	if _, err := io.Copy(w, file); err != nil {
		s.logger.Warn("asset download interrupted", slog.String("asset_id", assetID), slog.String("error", err.Error()))
	}
}
