// Package server exposes the central-bank ledger: accounts, credits, and the
// escrow operations the task board and court drive. Every mutation arrives as
// a signed token; the server verifies it against the identity registry and
// enforces the privilege tier the operation demands.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"agora/clients/identity"
	"agora/crypto/jws"
	"agora/httpapi"
	"agora/observability"
	"agora/services/bankd/storage"
)

// Config carries the server knobs taken from the service configuration.
type Config struct {
	ServiceName     string
	MaxBodyBytes    int64
	PlatformAgentID string
	RateLimits      map[string]httpapi.RateLimit
}

// Server wires the ledger storage behind the HTTP surface.
type Server struct {
	cfg      Config
	store    *storage.Store
	verifier identity.Verifier
	logger   *slog.Logger
	router   http.Handler
	metrics  *observability.LedgerMetrics
	started  time.Time
	now      func() time.Time
}

// New constructs the bankd HTTP server.
func New(cfg Config, store *storage.Store, verifier identity.Verifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "bankd"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = httpapi.DefaultMaxBodyBytes
	}
	s := &Server{
		cfg:      cfg,
		store:    store,
		verifier: verifier,
		logger:   logger,
		metrics:  observability.Ledger(),
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

	r.With(metrics.Middleware("bank.create_account"), limits.Middleware("accounts")).
		Post("/accounts", s.handleCreateAccount)
	r.With(metrics.Middleware("bank.credit"), limits.Middleware("credit")).
		Post("/accounts/{id}/credit", s.handleCredit)
	r.With(metrics.Middleware("bank.get_account")).Get("/accounts/{id}", s.handleGetAccount)
	r.With(metrics.Middleware("bank.transactions")).Get("/accounts/{id}/transactions", s.handleTransactions)
	r.With(metrics.Middleware("bank.escrow_lock"), limits.Middleware("escrow")).
		Post("/escrow/lock", s.handleEscrowLock)
	r.With(metrics.Middleware("bank.escrow_get")).Get("/escrow/{id}", s.handleGetEscrow)
	r.With(metrics.Middleware("bank.escrow_release"), limits.Middleware("escrow")).
		Post("/escrow/{id}/release", s.handleEscrowRelease)
	r.With(metrics.Middleware("bank.escrow_split"), limits.Middleware("escrow")).
		Post("/escrow/{id}/split", s.handleEscrowSplit)

	r.Get("/health", httpapi.Health(s.cfg.ServiceName, s.started, s.healthCounters))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

func (s *Server) healthCounters() map[string]int64 {
	counters, err := s.store.Counters(context.Background())
	if err != nil {
		return map[string]int64{"accounts": -1}
	}
	return counters
}

type tokenRequest struct {
	Token string `json:"token"`
}

type accountResponse struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
	CreatedAt string `json:"created_at"`
}

type transactionResponse struct {
	TxID         string `json:"tx_id"`
	AccountID    string `json:"account_id"`
	Type         string `json:"type"`
	Amount       int64  `json:"amount"`
	BalanceAfter int64  `json:"balance_after"`
	Reference    string `json:"reference"`
	Timestamp    string `json:"timestamp"`
}

type escrowResponse struct {
	EscrowID       string `json:"escrow_id"`
	PayerAccountID string `json:"payer_account_id"`
	Amount         int64  `json:"amount"`
	TaskID         string `json:"task_id"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
	ResolvedAt     string `json:"resolved_at,omitempty"`
}

func accountPayload(account storage.Account) accountResponse {
	return accountResponse{
		AccountID: account.AccountID,
		Balance:   account.Balance,
		CreatedAt: account.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func transactionPayload(tx storage.Transaction) transactionResponse {
	return transactionResponse{
		TxID:         tx.TxID,
		AccountID:    tx.AccountID,
		Type:         tx.Type,
		Amount:       tx.Amount,
		BalanceAfter: tx.BalanceAfter,
		Reference:    tx.Reference,
		Timestamp:    tx.Timestamp.UTC().Format(time.RFC3339),
	}
}

func escrowPayload(escrow storage.Escrow) escrowResponse {
	resp := escrowResponse{
		EscrowID:       escrow.EscrowID,
		PayerAccountID: escrow.PayerAccountID,
		Amount:         escrow.Amount,
		TaskID:         escrow.TaskID,
		Status:         escrow.Status,
		CreatedAt:      escrow.CreatedAt.UTC().Format(time.RFC3339),
	}
	if !escrow.ResolvedAt.IsZero() {
		resp.ResolvedAt = escrow.ResolvedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// writeLedgerError maps storage sentinels onto the stable error codes and
// counts the rejection.
func (s *Server) writeLedgerError(w http.ResponseWriter, err error) {
	var apiErr *httpapi.APIError
	switch {
	case errors.Is(err, storage.ErrAccountNotFound):
		apiErr = httpapi.Errorf(http.StatusNotFound, httpapi.CodeAccountNotFound, "account not found")
	case errors.Is(err, storage.ErrAccountExists):
		apiErr = httpapi.Errorf(http.StatusConflict, httpapi.CodeAccountExists, "account already exists")
	case errors.Is(err, storage.ErrInsufficientFunds):
		apiErr = httpapi.Errorf(http.StatusPaymentRequired, httpapi.CodeInsufficientFunds, "balance below requested amount")
	case errors.Is(err, storage.ErrEscrowNotFound):
		apiErr = httpapi.Errorf(http.StatusNotFound, httpapi.CodeEscrowNotFound, "escrow not found")
	case errors.Is(err, storage.ErrEscrowAmountMismatch):
		apiErr = httpapi.Errorf(http.StatusConflict, httpapi.CodeEscrowAlreadyLocked, "escrow already locked with a different amount")
	case errors.Is(err, storage.ErrEscrowResolved):
		apiErr = httpapi.Errorf(http.StatusConflict, httpapi.CodeEscrowResolved, "escrow already resolved")
	case errors.Is(err, storage.ErrReferenceMismatch):
		apiErr = httpapi.Errorf(http.StatusBadRequest, httpapi.CodePayloadMismatch, "reference reused with a different amount")
	default:
		s.logger.Error("ledger operation failed", slog.String("error", err.Error()))
		httpapi.WriteError(w, err)
		return
	}
	s.metrics.RecordRejection(apiErr.Code)
	httpapi.WriteError(w, apiErr)
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

func (s *Server) isPlatform(agentID string) bool {
	return agentID != "" && agentID == s.cfg.PlatformAgentID
}

// handleCreateAccount opens a ledger account. The platform may seed any
// agent's account; an agent may open its own, always at zero balance.
func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	signer, claims, ok := s.requireToken(w, r, "create_account")
	if !ok {
		return
	}
	agentID := claims.String("agent_id")
	if agentID == "" {
		agentID = signer
	}
	initialBalance, _ := claims.Int64("initial_balance")
	if initialBalance < 0 {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidPayload, "initial_balance must not be negative"))
		return
	}
	switch {
	case s.isPlatform(signer):
		// seeded creation allowed
	case signer == agentID:
		initialBalance = 0
	default:
		s.metrics.RecordRejection(httpapi.CodeForbidden)
		httpapi.WriteError(w, httpapi.Errorf(http.StatusForbidden, httpapi.CodeForbidden, "only the platform may open accounts for other agents"))
		return
	}

	account, err := s.store.CreateAccount(r.Context(), agentID, initialBalance, s.now())
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	if initialBalance > 0 {
		s.metrics.RecordTransaction(storage.TxCredit)
	}
	s.logger.Info("account created",
		slog.String("account_id", account.AccountID),
		slog.Int64("initial_balance", account.Balance),
	)
	httpapi.WriteJSON(w, http.StatusCreated, accountPayload(account))
}

// handleCredit adds platform-issued funds under an idempotency reference.
func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	signer, claims, ok := s.requireToken(w, r, "credit")
	if !ok {
		return
	}
	if !s.isPlatform(signer) {
		s.metrics.RecordRejection(httpapi.CodeForbidden)
		httpapi.WriteError(w, httpapi.Errorf(http.StatusForbidden, httpapi.CodeForbidden, "credits require the platform signer"))
		return
	}
	accountID := chi.URLParam(r, "id")
	if payloadAccount := claims.String("account_id"); payloadAccount != accountID {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodePayloadMismatch, "token account %q does not match %q", payloadAccount, accountID))
		return
	}
	amount, ok := claims.Int64("amount")
	if !ok || amount <= 0 {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidPayload, "amount must be a positive integer"))
		return
	}
	reference := claims.String("reference")
	if reference == "" {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidPayload, "reference is required"))
		return
	}

	tx, created, err := s.store.Credit(r.Context(), accountID, amount, reference, s.now())
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		s.metrics.RecordTransaction(tx.Type)
		s.logger.Info("account credited",
			slog.String("account_id", accountID),
			slog.Int64("amount", amount),
			slog.String("reference", reference),
		)
	}
	httpapi.WriteJSON(w, status, transactionPayload(tx))
}

// requireOwner authenticates the bearer token on a read endpoint and checks
// the signer owns the account (the platform may read any).
func (s *Server) requireOwner(w http.ResponseWriter, r *http.Request, accountID string) bool {
	signer, _, err := identity.RequireSigner(r.Context(), s.verifier, httpapi.BearerToken(r))
	if err != nil {
		httpapi.WriteError(w, err)
		return false
	}
	if signer != accountID && !s.isPlatform(signer) {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusForbidden, httpapi.CodeForbidden, "accounts are readable by their owner only"))
		return false
	}
	return true
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	if !s.requireOwner(w, r, accountID) {
		return
	}
	account, err := s.store.Account(r.Context(), accountID)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, accountPayload(account))
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	if !s.requireOwner(w, r, accountID) {
		return
	}
	txs, err := s.store.Transactions(r.Context(), accountID)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	out := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, transactionPayload(tx))
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"transactions": out, "count": len(out)})
}

// handleEscrowLock debits the payer and opens an escrow. The token must be
// signed by the payer itself; the task board forwards it verbatim and never
// re-signs.
func (s *Server) handleEscrowLock(w http.ResponseWriter, r *http.Request) {
	signer, claims, ok := s.requireToken(w, r, "escrow_lock")
	if !ok {
		return
	}
	if payer := claims.String("agent_id"); payer != "" && payer != signer {
		s.metrics.RecordRejection(httpapi.CodeForbidden)
		httpapi.WriteError(w, httpapi.Errorf(http.StatusForbidden, httpapi.CodeForbidden, "escrow lock must be signed by the payer"))
		return
	}
	taskID := claims.String("task_id")
	if taskID == "" {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidPayload, "task_id is required"))
		return
	}
	amount, ok := claims.Int64("amount")
	if !ok || amount <= 0 {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidPayload, "amount must be a positive integer"))
		return
	}

	escrow, created, err := s.store.LockEscrow(r.Context(), storage.NewEscrowID(), signer, taskID, amount, s.now())
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		s.metrics.RecordTransaction(storage.TxDebit)
		s.metrics.RecordEscrowEvent(storage.EscrowLocked)
		s.logger.Info("escrow locked",
			slog.String("escrow_id", escrow.EscrowID),
			slog.String("payer", signer),
			slog.String("task_id", taskID),
			slog.Int64("amount", amount),
		)
	}
	httpapi.WriteJSON(w, status, escrowPayload(escrow))
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	signer, _, err := identity.RequireSigner(r.Context(), s.verifier, httpapi.BearerToken(r))
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	escrow, err := s.store.Escrow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	if signer != escrow.PayerAccountID && !s.isPlatform(signer) {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusForbidden, httpapi.CodeForbidden, "escrows are readable by their payer only"))
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, escrowPayload(escrow))
}

// handleEscrowRelease resolves a locked escrow fully toward one recipient.
func (s *Server) handleEscrowRelease(w http.ResponseWriter, r *http.Request) {
	signer, claims, ok := s.requireToken(w, r, "escrow_release")
	if !ok {
		return
	}
	if !s.isPlatform(signer) {
		s.metrics.RecordRejection(httpapi.CodeForbidden)
		httpapi.WriteError(w, httpapi.Errorf(http.StatusForbidden, httpapi.CodeForbidden, "escrow release requires the platform signer"))
		return
	}
	escrowID := chi.URLParam(r, "id")
	if payloadEscrow := claims.String("escrow_id"); payloadEscrow != escrowID {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodePayloadMismatch, "token escrow %q does not match %q", payloadEscrow, escrowID))
		return
	}
	recipientID := claims.String("recipient_id")
	if recipientID == "" {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidPayload, "recipient_id is required"))
		return
	}

	escrow, tx, err := s.store.ReleaseEscrow(r.Context(), escrowID, recipientID, s.now())
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	s.metrics.RecordTransaction(tx.Type)
	s.metrics.RecordEscrowEvent(storage.EscrowReleased)
	s.logger.Info("escrow released",
		slog.String("escrow_id", escrowID),
		slog.String("recipient", recipientID),
		slog.Int64("amount", tx.Amount),
	)
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"escrow":      escrowPayload(escrow),
		"transaction": transactionPayload(tx),
	})
}

// handleEscrowSplit resolves a locked escrow into a worker share and the
// poster remainder per the court's ruling.
func (s *Server) handleEscrowSplit(w http.ResponseWriter, r *http.Request) {
	signer, claims, ok := s.requireToken(w, r, "escrow_split")
	if !ok {
		return
	}
	if !s.isPlatform(signer) {
		s.metrics.RecordRejection(httpapi.CodeForbidden)
		httpapi.WriteError(w, httpapi.Errorf(http.StatusForbidden, httpapi.CodeForbidden, "escrow split requires the platform signer"))
		return
	}
	escrowID := chi.URLParam(r, "id")
	if payloadEscrow := claims.String("escrow_id"); payloadEscrow != escrowID {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodePayloadMismatch, "token escrow %q does not match %q", payloadEscrow, escrowID))
		return
	}
	workerPct, ok := claims.Int("worker_pct")
	if !ok || workerPct < 0 || workerPct > 100 {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidPayload, "worker_pct must be an integer between 0 and 100"))
		return
	}
	workerID := claims.String("worker_id")
	posterID := claims.String("poster_id")
	if workerID == "" || posterID == "" {
		httpapi.WriteError(w, httpapi.Errorf(http.StatusBadRequest, httpapi.CodeInvalidPayload, "worker_id and poster_id are required"))
		return
	}

	outcome, err := s.store.SplitEscrow(r.Context(), escrowID, workerPct, workerID, posterID, s.now())
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	for _, tx := range outcome.Transactions {
		s.metrics.RecordTransaction(tx.Type)
	}
	s.metrics.RecordEscrowEvent(storage.EscrowSplit)
	s.logger.Info("escrow split",
		slog.String("escrow_id", escrowID),
		slog.Int("worker_pct", workerPct),
		slog.Int64("worker_amount", outcome.WorkerAmount),
		slog.Int64("poster_amount", outcome.PosterAmount),
	)
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"escrow":        escrowPayload(outcome.Escrow),
		"worker_amount": outcome.WorkerAmount,
		"poster_amount": outcome.PosterAmount,
	})
}
