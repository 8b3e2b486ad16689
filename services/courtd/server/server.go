// Package server exposes the dispute court: filing against a disputed board
// task, the respondent's rebuttal window, and the panel ruling whose outcome
// is orchestrated across the bank (escrow split), the reputation service
// (cross feedback), and the task board (ruling record) before the dispute is
// persisted as ruled.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"agora/clients/bank"
	"agora/clients/identity"
	"agora/clients/reputation"
	"agora/clients/taskboard"
	"agora/crypto/jws"
	"agora/httpapi"
	"agora/observability"
	"agora/services/courtd/judges"
	"agora/services/courtd/models"
)

// Config carries the server knobs taken from the service configuration.
type Config struct {
	ServiceName     string
	MaxBodyBytes    int64
	PlatformAgentID string
	RebuttalWindow  time.Duration
	RateLimits      map[string]httpapi.RateLimit
}

// Server wires the dispute store, the judge panel, and the collaborator
// clients behind the HTTP surface. Every mutation is platform-signed.
type Server struct {
	cfg      Config
	db       *gorm.DB
	panel    judges.Panel
	board    taskboard.Board
	ledger   bank.Ledger
	rep      reputation.Recorder
	verifier identity.Verifier
	logger   *slog.Logger
	router   http.Handler
	metrics  *observability.CourtMetrics
	started  time.Time
	now      func() time.Time

	judgeFailures atomic.Int64
}

// New constructs the courtd HTTP server.
func New(cfg Config, db *gorm.DB, panel judges.Panel, board taskboard.Board, ledger bank.Ledger, rep reputation.Recorder, verifier identity.Verifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "courtd"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = httpapi.DefaultMaxBodyBytes
	}
	if cfg.RebuttalWindow <= 0 {
		cfg.RebuttalWindow = 15 * time.Minute
	}
	s := &Server{
		cfg:      cfg,
		db:       db,
		panel:    panel,
		board:    board,
		ledger:   ledger,
		rep:      rep,
		verifier: verifier,
		logger:   logger,
		metrics:  observability.Court(),
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

	r.With(metrics.Middleware("court.file_dispute"), limits.Middleware("disputes")).
		Post("/disputes/file", s.handleFileDispute)
	r.With(metrics.Middleware("court.list_disputes")).Get("/disputes", s.handleListDisputes)
	r.With(metrics.Middleware("court.get_dispute")).Get("/disputes/{id}", s.handleGetDispute)
	r.With(metrics.Middleware("court.submit_rebuttal"), limits.Middleware("disputes")).
		Post("/disputes/{id}/rebuttal", s.handleSubmitRebuttal)
	r.With(metrics.Middleware("court.trigger_ruling"), limits.Middleware("rulings")).
		Post("/disputes/{id}/rule", s.handleTriggerRuling)

	r.Get("/health", httpapi.Health(s.cfg.ServiceName, s.started, s.healthCounters))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

func (s *Server) healthCounters() map[string]int64 {
	var filed, ruled int64
	if err := s.db.Model(&models.Dispute{}).Count(&filed).Error; err != nil {
		return map[string]int64{"disputes_filed": -1}
	}
	if err := s.db.Model(&models.Dispute{}).Where("status = ?", models.StateRuled).Count(&ruled).Error; err != nil {
		return map[string]int64{"disputes_filed": -1}
	}
	return map[string]int64{
		"disputes_filed": filed,
		"disputes_ruled": ruled,
		"judge_failures": s.judgeFailures.Load(),
	}
}

type tokenRequest struct {
	Token string `json:"token"`
}

type disputeResponse struct {
	DisputeID        string         `json:"dispute_id"`
	TaskID           string         `json:"task_id"`
	ClaimantID       string         `json:"claimant_id"`
	RespondentID     string         `json:"respondent_id"`
	Claim            string         `json:"claim"`
	Rebuttal         string         `json:"rebuttal,omitempty"`
	Status           string         `json:"status"`
	RebuttalDeadline string         `json:"rebuttal_deadline"`
	WorkerPct        *int           `json:"worker_pct,omitempty"`
	RulingID         string         `json:"ruling_id,omitempty"`
	RulingSummary    string         `json:"ruling_summary,omitempty"`
	EscrowID         string         `json:"escrow_id"`
	FiledAt          string         `json:"filed_at"`
	RebuttedAt       string         `json:"rebutted_at,omitempty"`
	RuledAt          string         `json:"ruled_at,omitempty"`
	Votes            []voteResponse `json:"votes,omitempty"`
}

type voteResponse struct {
	JudgeID   string `json:"judge_id"`
	WorkerPct int    `json:"worker_pct"`
	Reasoning string `json:"reasoning"`
	VotedAt   string `json:"voted_at"`
}

func disputePayload(dispute models.Dispute) disputeResponse {
	resp := disputeResponse{
		DisputeID:        dispute.DisputeID,
		TaskID:           dispute.TaskID,
		ClaimantID:       dispute.ClaimantID,
		RespondentID:     dispute.RespondentID,
		Claim:            dispute.Claim,
		Status:           dispute.Status,
		RebuttalDeadline: stamp(dispute.RebuttalDeadline),
		WorkerPct:        dispute.WorkerPct,
		RulingID:         dispute.RulingID,
		RulingSummary:    dispute.RulingSummary,
		EscrowID:         dispute.EscrowID,
		FiledAt:          stamp(dispute.FiledAt),
	}
	if dispute.Rebuttal != nil {
		resp.Rebuttal = *dispute.Rebuttal
	}
	if dispute.RebuttedAt != nil {
		resp.RebuttedAt = stamp(*dispute.RebuttedAt)
	}
	if dispute.RuledAt != nil {
		resp.RuledAt = stamp(*dispute.RuledAt)
	}
	for _, vote := range dispute.Votes {
		resp.Votes = append(resp.Votes, voteResponse{
			JudgeID:   vote.JudgeID,
			WorkerPct: vote.WorkerPct,
			Reasoning: vote.Reasoning,
			VotedAt:   stamp(vote.VotedAt),
		})
	}
	return resp
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// writeCourtError maps store sentinels onto the stable error codes.
func (s *Server) writeCourtError(w http.ResponseWriter, err error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusNotFound, httpapi.CodeDisputeNotFound, "dispute not found"))
		return
	}
	var apiErr *httpapi.APIError
	if !errors.As(err, &apiErr) {
		s.logger.Error("court operation failed", slog.String("error", err.Error()))
	}
	httpapi.WriteError(w, err)
}

// boardError forwards a 4xx verdict from the task board verbatim and masks
// everything else as an upstream outage.
func boardError(err error) *httpapi.APIError {
	var apiErr *httpapi.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return httpapi.Errorf(http.StatusBadGateway, httpapi.CodeBoardUnavailable, "task board unavailable")
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

// reputationError forwards a 4xx verdict from the reputation service verbatim
// and masks everything else as an upstream outage.
func reputationError(err error) *httpapi.APIError {
	var apiErr *httpapi.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return httpapi.Errorf(http.StatusBadGateway, httpapi.CodeReputationUnavailable, "reputation service unavailable")
}

// requirePlatformToken decodes the standard {token} body, verifies it
// authorizes the named action, and rejects signers other than the platform
// agent. Every court mutation is platform-driven.
func (s *Server) requirePlatformToken(w http.ResponseWriter, r *http.Request, action string) (jws.Claims, bool) {
	var req tokenRequest
	if err := httpapi.Decode(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		httpapi.WriteError(w, err)
		return nil, false
	}
	signer, payload, err := identity.RequireAction(r.Context(), s.verifier, req.Token, action)
	if err != nil {
		httpapi.WriteError(w, err)
		return nil, false
	}
	if signer != s.cfg.PlatformAgentID {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusForbidden, httpapi.CodeForbidden, "%s is a platform operation", action))
		return nil, false
	}
	return jws.Claims(payload), true
}

// matchDispute rejects tokens whose dispute_id claim does not name the
// dispute in the URL.
func matchDispute(w http.ResponseWriter, claims jws.Claims, disputeID string) bool {
	if claims.String("dispute_id") != disputeID {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeTokenMismatch, "token dispute_id does not match the request"))
		return false
	}
	return true
}

// handleFileDispute opens a dispute against a task the board has already
// flipped to disputed. The parties named in the token must match the task's
// poster and worker, and the escrow id is taken from the board rather than
// the token so a forged claim cannot point the split at a foreign escrow.
func (s *Server) handleFileDispute(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.requirePlatformToken(w, r, "file_dispute")
	if !ok {
		return
	}
	taskID := claims.String("task_id")
	claimantID := claims.String("claimant_id")
	respondentID := claims.String("respondent_id")
	claim := strings.TrimSpace(claims.String("claim"))
	if taskID == "" || claimantID == "" || respondentID == "" || claim == "" {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidPayload, "task_id, claimant_id, respondent_id, and claim are required"))
		return
	}
	if claimantID == respondentID {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidPayload, "claimant and respondent must differ"))
		return
	}

	task, err := s.board.Task(r.Context(), taskID)
	if err != nil {
		httpapi.WriteError(w, boardError(err))
		return
	}
	if task.Status != "disputed" {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusConflict, httpapi.CodeDisputeNotReady, "task %s is %s, not disputed", taskID, task.Status))
		return
	}
	if claimantID != task.PosterID || respondentID != task.WorkerID {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidPayload, "parties do not match the disputed task"))
		return
	}

	now := s.now().UTC().Truncate(time.Second)
	dispute := models.Dispute{
		DisputeID:        models.NewDisputeID(),
		TaskID:           taskID,
		ClaimantID:       claimantID,
		RespondentID:     respondentID,
		Claim:            claim,
		Status:           models.StateRebuttalPending,
		RebuttalDeadline: now.Add(s.cfg.RebuttalWindow),
		EscrowID:         task.EscrowID,
		FiledAt:          now,
	}
	err = s.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		var existing models.Dispute
		lookupErr := tx.Where("task_id = ?", taskID).First(&existing).Error
		if lookupErr == nil {
			return httpapi.Errorf(http.StatusConflict, httpapi.CodeDisputeExists, "task %s already has dispute %s", taskID, existing.DisputeID)
		}
		if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return lookupErr
		}
		return tx.Create(&dispute).Error
	})
	if err != nil {
		s.writeCourtError(w, err)
		return
	}
	s.metrics.RecordDisputeEvent("filed")
	s.logger.Info("dispute filed",
		slog.String("dispute_id", dispute.DisputeID),
		slog.String("task_id", taskID),
		slog.String("claimant_id", claimantID),
	)
	httpapi.WriteJSON(w, http.StatusCreated, disputePayload(dispute))
}

// handleSubmitRebuttal records the respondent's side. Exactly one rebuttal is
// accepted, only inside the window, and only before judging starts.
func (s *Server) handleSubmitRebuttal(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.requirePlatformToken(w, r, "submit_rebuttal")
	if !ok {
		return
	}
	disputeID := chi.URLParam(r, "id")
	if !matchDispute(w, claims, disputeID) {
		return
	}
	rebuttal := strings.TrimSpace(claims.String("rebuttal"))
	if rebuttal == "" {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidPayload, "rebuttal text is required"))
		return
	}

	var dispute models.Dispute
	err := s.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&dispute, "dispute_id = ?", disputeID).Error; err != nil {
			return err
		}
		if claims.String("respondent_id") != dispute.RespondentID {
			return httpapi.Errorf(http.StatusForbidden, httpapi.CodeForbidden, "only the respondent may rebut")
		}
		if dispute.Status == models.StateRuled {
			return httpapi.Errorf(http.StatusConflict, httpapi.CodeDisputeAlreadyRuled, "dispute already ruled")
		}
		if dispute.Status != models.StateRebuttalPending || dispute.Rebuttal != nil {
			return httpapi.Errorf(http.StatusConflict, httpapi.CodeRebuttalClosed, "rebuttal already submitted or ruling in progress")
		}
		if s.now().After(dispute.RebuttalDeadline) {
			return httpapi.Errorf(http.StatusConflict, httpapi.CodeRebuttalClosed, "rebuttal window closed at %s", stamp(dispute.RebuttalDeadline))
		}
		now := s.now().UTC().Truncate(time.Second)
		dispute.Rebuttal = &rebuttal
		dispute.RebuttedAt = &now
		dispute.Status = models.StateRebuttalSubmitted
		return tx.Save(&dispute).Error
	})
	if err != nil {
		s.writeCourtError(w, err)
		return
	}
	s.metrics.RecordDisputeEvent("rebutted")
	s.logger.Info("rebuttal recorded", slog.String("dispute_id", disputeID))
	httpapi.WriteJSON(w, http.StatusOK, disputePayload(dispute))
}

// handleTriggerRuling runs the panel and applies the outcome. The judging
// status flip is the lock: only one ruling per dispute can be in flight. Side
// effects run before the dispute is persisted as ruled, so any failure
// reverts to rebuttal_pending and a retry replays them; each target treats
// the replay as already done (escrow resolved, feedback exists, same ruling
// id).
func (s *Server) handleTriggerRuling(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.requirePlatformToken(w, r, "trigger_ruling")
	if !ok {
		return
	}
	disputeID := chi.URLParam(r, "id")
	if !matchDispute(w, claims, disputeID) {
		return
	}
	ctx := r.Context()

	var dispute models.Dispute
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&dispute, "dispute_id = ?", disputeID).Error; err != nil {
			return err
		}
		switch dispute.Status {
		case models.StateRuled:
			return httpapi.Errorf(http.StatusConflict, httpapi.CodeDisputeAlreadyRuled, "dispute already ruled")
		case models.StateJudging:
			return httpapi.Errorf(http.StatusConflict, httpapi.CodeDisputeNotReady, "a ruling is already in flight")
		}
		dispute.Status = models.StateJudging
		return tx.Save(&dispute).Error
	})
	if err != nil {
		s.writeCourtError(w, err)
		return
	}

	task, err := s.board.Task(ctx, dispute.TaskID)
	if err != nil {
		s.abortRuling(w, disputeID, boardError(err))
		return
	}
	boardAssets, err := s.board.Assets(ctx, dispute.TaskID)
	if err != nil {
		s.abortRuling(w, disputeID, boardError(err))
		return
	}
	deliverables := make([]judges.Deliverable, 0, len(boardAssets))
	for _, asset := range boardAssets {
		deliverables = append(deliverables, judges.Deliverable{
			Filename:    asset.Filename,
			ContentType: asset.ContentType,
			SizeBytes:   asset.SizeBytes,
			ContentHash: asset.ContentHash,
		})
	}
	disputeCtx := judges.Context{
		TaskTitle:    task.Title,
		TaskSpec:     task.Spec,
		Reward:       task.Reward,
		Deliverables: deliverables,
		Claim:        dispute.Claim,
	}
	if dispute.Rebuttal != nil {
		disputeCtx.Rebuttal = *dispute.Rebuttal
	}

	votes, err := s.panel.Evaluate(ctx, disputeCtx)
	if err != nil {
		s.judgeFailures.Add(1)
		s.metrics.RecordJudgeFailure()
		s.logger.Error("panel evaluation failed",
			slog.String("dispute_id", disputeID),
			slog.String("error", err.Error()),
		)
		s.abortRuling(w, disputeID, httpapi.Errorf(http.StatusBadGateway, httpapi.CodeJudgeUnavailable, "judge evaluation failed"))
		return
	}

	workerPct := judges.Median(votes)
	summary := judges.Summary(votes)
	rulingID := models.RulingIDFor(disputeID)
	comment := fmt.Sprintf("court ruling %s: worker awarded %d%%", rulingID, workerPct)

	if _, err := s.ledger.Split(ctx, dispute.EscrowID, workerPct, dispute.RespondentID, dispute.ClaimantID); err != nil {
		var apiErr *httpapi.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != httpapi.CodeEscrowResolved {
			s.abortRuling(w, disputeID, bankError(err))
			return
		}
		// split already landed on an earlier interrupted attempt
	}

	entries := []reputation.Feedback{
		{
			TaskID:  dispute.TaskID,
			RaterID: dispute.ClaimantID,
			RateeID: dispute.RespondentID,
			Kind:    "delivery_quality",
			Rating:  ratingFor(workerPct),
			Comment: comment,
		},
		{
			TaskID:  dispute.TaskID,
			RaterID: dispute.RespondentID,
			RateeID: dispute.ClaimantID,
			Kind:    "spec_quality",
			Rating:  ratingFor(100 - workerPct),
			Comment: comment,
		},
	}
	for _, fb := range entries {
		if err := s.rep.Submit(ctx, fb); err != nil {
			var apiErr *httpapi.APIError
			if errors.As(err, &apiErr) && apiErr.Code == httpapi.CodeFeedbackExists {
				continue
			}
			s.abortRuling(w, disputeID, reputationError(err))
			return
		}
	}

	if err := s.board.RecordRuling(ctx, dispute.TaskID, taskboard.Ruling{RulingID: rulingID, WorkerPct: workerPct, Summary: summary}); err != nil {
		s.abortRuling(w, disputeID, boardError(err))
		return
	}

	ruledAt := s.now().UTC().Truncate(time.Second)
	voteRows := make([]models.JudgeVote, 0, len(votes))
	for _, vote := range votes {
		voteRows = append(voteRows, models.JudgeVote{
			DisputeID: disputeID,
			JudgeID:   vote.JudgeID,
			WorkerPct: vote.WorkerPct,
			Reasoning: vote.Reasoning,
			VotedAt:   vote.VotedAt.UTC().Truncate(time.Second),
		})
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&dispute, "dispute_id = ?", disputeID).Error; err != nil {
			return err
		}
		dispute.Status = models.StateRuled
		dispute.WorkerPct = &workerPct
		dispute.RulingID = rulingID
		dispute.RulingSummary = summary
		dispute.RuledAt = &ruledAt
		if err := tx.Save(&dispute).Error; err != nil {
			return err
		}
		return tx.Create(&voteRows).Error
	})
	if err != nil {
		// side effects are already idempotent downstream, so reverting here
		// keeps the dispute retriable instead of wedged in judging
		var apiErr *httpapi.APIError
		if !errors.As(err, &apiErr) {
			s.logger.Error("ruling persistence failed", slog.String("dispute_id", disputeID), slog.String("error", err.Error()))
			apiErr = httpapi.Errorf(http.StatusInternalServerError, httpapi.CodeInternal, "internal error")
		}
		s.abortRuling(w, disputeID, apiErr)
		return
	}
	dispute.Votes = voteRows
	s.metrics.RecordRuling(workerPct)
	s.metrics.RecordDisputeEvent("ruled")
	s.logger.Info("dispute ruled",
		slog.String("dispute_id", disputeID),
		slog.String("ruling_id", rulingID),
		slog.Int("worker_pct", workerPct),
	)
	httpapi.WriteJSON(w, http.StatusOK, disputePayload(dispute))
}

// abortRuling reverts an in-flight ruling to rebuttal_pending and answers
// with the mapped upstream error. It runs outside the request context so a
// dropped client cannot leave the dispute stuck in judging, and it only
// touches disputes still in judging.
func (s *Server) abortRuling(w http.ResponseWriter, disputeID string, apiErr *httpapi.APIError) {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var dispute models.Dispute
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&dispute, "dispute_id = ?", disputeID).Error; err != nil {
			return err
		}
		if dispute.Status != models.StateJudging {
			return nil
		}
		dispute.Status = models.StateRebuttalPending
		return tx.Save(&dispute).Error
	})
	if err != nil {
		s.logger.Error("ruling revert failed", slog.String("dispute_id", disputeID), slog.String("error", err.Error()))
	}
	httpapi.WriteError(w, apiErr)
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	query := s.db.WithContext(r.Context()).Model(&models.Dispute{}).Order("filed_at DESC, dispute_id")
	if status := r.URL.Query().Get("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if taskID := r.URL.Query().Get("task_id"); taskID != "" {
		query = query.Where("task_id = ?", taskID)
	}
	limit, offset, err := pageParams(r)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	var disputes []models.Dispute
	if err := query.Limit(limit).Offset(offset).Find(&disputes).Error; err != nil {
		s.writeCourtError(w, err)
		return
	}
	payload := make([]disputeResponse, 0, len(disputes))
	for _, dispute := range disputes {
		payload = append(payload, disputePayload(dispute))
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"disputes": payload, "count": len(payload)})
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	var dispute models.Dispute
	err := s.db.WithContext(r.Context()).Preload("Votes").First(&dispute, "dispute_id = ?", chi.URLParam(r, "id")).Error
	if err != nil {
		s.writeCourtError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, disputePayload(dispute))
}

func pageParams(r *http.Request) (limit, offset int, err error) {
	limit = 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return 0, 0, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidPayload, "limit must be a positive integer")
		}
		if limit > 200 {
			limit = 200
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return 0, 0, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidPayload, "offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

// ratingFor maps a worker percentage onto the reputation rating scale. The
// claimant's spec rating uses the inverted percentage on the same scale.
func ratingFor(pct int) string {
	switch {
	case pct >= 80:
		return "extremely_satisfied"
	case pct >= 40:
		return "satisfied"
	default:
		return "dissatisfied"
	}
}
