// Package platform boots the whole task economy in-process for end-to-end
// tests: all six services on loopback listeners, wired to each other the way
// production wiring does it, with file-backed SQLite so the observatory can
// read the same databases the bank and board write.
package platform

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	bankclient "agora/clients/bank"
	identityclient "agora/clients/identity"
	reputationclient "agora/clients/reputation"
	taskboardclient "agora/clients/taskboard"
	agoracrypto "agora/crypto"
	"agora/crypto/jws"
	"agora/sdk/agent"
	bankserver "agora/services/bankd/server"
	bankstorage "agora/services/bankd/storage"
	"agora/services/courtd/judges"
	"agora/services/courtd/models"
	courtserver "agora/services/courtd/server"
	identityserver "agora/services/identityd/server"
	identitystorage "agora/services/identityd/storage"
	"agora/services/observatoryd/recon"
	observatoryserver "agora/services/observatoryd/server"
	reputationserver "agora/services/reputationd/server"
	reputationstore "agora/services/reputationd/store"
	"agora/services/taskboardd/assets"
	"agora/services/taskboardd/lifecycle"
	boardserver "agora/services/taskboardd/server"
	boardstorage "agora/services/taskboardd/storage"
	storagesqlite "agora/storage/sqlite"
)

const (
	clientTimeout = 5 * time.Second
	// MaxAssetsPerTask matches the default asset cap the board runs with.
	MaxAssetsPerTask = 4
)

// Platform is one fully wired in-process deployment.
type Platform struct {
	Identity    *httptest.Server
	Bank        *httptest.Server
	Board       *httptest.Server
	Court       *httptest.Server
	Reputation  *httptest.Server
	Observatory *httptest.Server

	PlatformID string
	Signer     jws.Signer

	BankDB  string
	BoardDB string

	bank *bankclient.Client
	http *http.Client
}

// Dispute mirrors the court's dispute record for test assertions.
type Dispute struct {
	DisputeID     string `json:"dispute_id"`
	TaskID        string `json:"task_id"`
	ClaimantID    string `json:"claimant_id"`
	RespondentID  string `json:"respondent_id"`
	Claim         string `json:"claim"`
	Rebuttal      string `json:"rebuttal,omitempty"`
	Status        string `json:"status"`
	WorkerPct     *int   `json:"worker_pct,omitempty"`
	RulingID      string `json:"ruling_id,omitempty"`
	RulingSummary string `json:"ruling_summary,omitempty"`
	EscrowID      string `json:"escrow_id"`
	Votes         []struct {
		JudgeID   string `json:"judge_id"`
		WorkerPct int    `json:"worker_pct"`
	} `json:"votes,omitempty"`
}

// LedgerStats mirrors the observatory's conservation snapshot.
type LedgerStats struct {
	Accounts          int64 `json:"accounts"`
	Transactions      int64 `json:"transactions"`
	CreditsTotal      int64 `json:"credits_total"`
	DebitsTotal       int64 `json:"debits_total"`
	MintedTotal       int64 `json:"minted_total"`
	BalancesTotal     int64 `json:"balances_total"`
	EscrowLockedTotal int64 `json:"escrow_locked_total"`
	EscrowLockedCount int64 `json:"escrow_locked_count"`
	EscrowsResolved   int64 `json:"escrows_resolved"`
	Balanced          bool  `json:"balanced"`
}

// Start boots identity, bank, board, court, reputation, and observatory,
// registers the platform signer, and returns the wired deployment. Judges
// default to a scripted 60/70/80 panel so dispute rulings land on a 70%
// median; pass members to override.
func Start(t *testing.T, members ...judges.Judge) *Platform {
	t.Helper()
	dir := t.TempDir()

	p := &Platform{
		BankDB:  filepath.Join(dir, "bankd.sqlite"),
		BoardDB: filepath.Join(dir, "taskboardd.sqlite"),
		http:    &http.Client{Timeout: clientTimeout},
	}

	// Identity first: every other service verifies tokens through it.
	idStore, err := identitystorage.Open(filepath.Join(dir, "identityd.sqlite"))
	if err != nil {
		t.Fatalf("open identity store: %v", err)
	}
	t.Cleanup(func() { _ = idStore.Close() })
	p.Identity = httptest.NewServer(identityserver.New(identityserver.Config{ServiceName: "identityd-flow"}, idStore, nil).Handler())
	t.Cleanup(p.Identity.Close)

	p.PlatformID, p.Signer = p.registerPlatform(t)
	verifier := identityclient.New(p.Identity.URL, clientTimeout)

	// Bank.
	bankStore, err := bankstorage.Open(p.BankDB)
	if err != nil {
		t.Fatalf("open bank store: %v", err)
	}
	t.Cleanup(func() { _ = bankStore.Close() })
	p.Bank = httptest.NewServer(bankserver.New(bankserver.Config{
		ServiceName:     "bankd-flow",
		PlatformAgentID: p.PlatformID,
	}, bankStore, verifier, nil).Handler())
	t.Cleanup(p.Bank.Close)
	p.bank = bankclient.New(p.Bank.URL, clientTimeout, p.Signer)

	// Board, with its ledger client signed by the platform like production.
	boardStore, err := boardstorage.Open(p.BoardDB)
	if err != nil {
		t.Fatalf("open board store: %v", err)
	}
	t.Cleanup(func() { _ = boardStore.Close() })
	files, err := assets.NewStore(filepath.Join(dir, "assets"), 1<<20)
	if err != nil {
		t.Fatalf("open asset store: %v", err)
	}
	boardLedger := bankclient.New(p.Bank.URL, clientTimeout, p.Signer)
	engine := lifecycle.New(boardStore, boardLedger, nil)
	p.Board = httptest.NewServer(boardserver.New(boardserver.Config{
		ServiceName:      "taskboardd-flow",
		PlatformAgentID:  p.PlatformID,
		MaxAssetsPerTask: MaxAssetsPerTask,
	}, boardStore, files, engine, verifier, boardLedger, nil).Handler())
	t.Cleanup(p.Board.Close)

	// Reputation.
	repStore, err := reputationstore.Open(filepath.Join(dir, "reputationd.db"))
	if err != nil {
		t.Fatalf("open reputation store: %v", err)
	}
	t.Cleanup(func() { _ = repStore.Close() })
	p.Reputation = httptest.NewServer(reputationserver.New(reputationserver.Config{
		ServiceName:     "reputationd-flow",
		PlatformAgentID: p.PlatformID,
	}, repStore, verifier, nil).Handler())
	t.Cleanup(p.Reputation.Close)

	// Court, talking to the live board, bank, and reputation services.
	courtDB, err := gorm.Open(sqlite.Open(filepath.Join(dir, "courtd.sqlite")), &gorm.Config{})
	if err != nil {
		t.Fatalf("open court database: %v", err)
	}
	if err := models.AutoMigrate(courtDB); err != nil {
		t.Fatalf("migrate court database: %v", err)
	}
	if sqlDB, err := courtDB.DB(); err == nil {
		t.Cleanup(func() { _ = sqlDB.Close() })
	}
	if len(members) == 0 {
		members = []judges.Judge{
			judges.Scripted{ID: "j-1", WorkerPct: 60, Reasoning: "deliverable covers most of the spec"},
			judges.Scripted{ID: "j-2", WorkerPct: 70, Reasoning: "minor gaps only"},
			judges.Scripted{ID: "j-3", WorkerPct: 80, Reasoning: "substantially complete"},
		}
	}
	panel, err := judges.NewPanel(members)
	if err != nil {
		t.Fatalf("new panel: %v", err)
	}
	p.Court = httptest.NewServer(courtserver.New(courtserver.Config{
		ServiceName:     "courtd-flow",
		PlatformAgentID: p.PlatformID,
		RebuttalWindow:  time.Hour,
	}, courtDB, panel,
		taskboardclient.New(p.Board.URL, clientTimeout, p.Signer),
		bankclient.New(p.Bank.URL, clientTimeout, p.Signer),
		reputationclient.New(p.Reputation.URL, clientTimeout, p.Signer),
		verifier, nil).Handler())
	t.Cleanup(p.Court.Close)

	// Observatory reads the bank and board files the services write.
	bankRO, err := storagesqlite.OpenReadOnly(p.BankDB)
	if err != nil {
		t.Fatalf("open bank read-only: %v", err)
	}
	t.Cleanup(func() { _ = bankRO.Close() })
	boardRO, err := storagesqlite.OpenReadOnly(p.BoardDB)
	if err != nil {
		t.Fatalf("open board read-only: %v", err)
	}
	t.Cleanup(func() { _ = boardRO.Close() })
	exporter, err := recon.NewExporter(recon.Config{Bank: bankRO, OutputDir: filepath.Join(dir, "reports")})
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}
	p.Observatory = httptest.NewServer(observatoryserver.New(observatoryserver.Config{
		ServiceName: "observatoryd-flow",
	}, bankRO, boardRO, exporter, nil).Handler())
	t.Cleanup(p.Observatory.Close)

	return p
}

// registerPlatform enrolls the platform's own signing identity the same way
// any agent enrolls.
func (p *Platform) registerPlatform(t *testing.T) (string, jws.Signer) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate platform key: %v", err)
	}
	body, err := json.Marshal(map[string]any{
		"name":       "platform",
		"public_key": agoracrypto.FormatPublicKey(pub),
	})
	if err != nil {
		t.Fatalf("marshal register body: %v", err)
	}
	resp, err := p.http.Post(p.Identity.URL+"/agents/register", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("register platform: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register platform: status %d", resp.StatusCode)
	}
	var out struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	return out.AgentID, jws.Signer{KeyID: out.AgentID, Key: priv}
}

// Endpoints exposes the deployment to the agent SDK.
func (p *Platform) Endpoints() agent.Endpoints {
	return agent.Endpoints{
		Identity:   p.Identity.URL,
		Bank:       p.Bank.URL,
		Board:      p.Board.URL,
		Reputation: p.Reputation.URL,
	}
}

// NewAgentClient registers a fresh agent, opens its account, and returns the
// SDK client bound to it.
func (p *Platform) NewAgentClient(t *testing.T, name string) *agent.Client {
	t.Helper()
	a, err := agent.New(name)
	if err != nil {
		t.Fatalf("new agent %s: %v", name, err)
	}
	client := agent.NewClient(a, p.Endpoints(), clientTimeout)
	ctx := context.Background()
	if _, err := client.Register(ctx); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	if _, err := client.CreateAccount(ctx); err != nil {
		t.Fatalf("create account for %s: %v", name, err)
	}
	return client
}

// Fund credits an account with platform-issued money.
func (p *Platform) Fund(t *testing.T, accountID string, amount int64) {
	t.Helper()
	reference := fmt.Sprintf("fund:%s:%d", accountID, amount)
	if _, err := p.bank.Credit(context.Background(), accountID, amount, reference); err != nil {
		t.Fatalf("fund %s: %v", accountID, err)
	}
}

// FileDispute opens the court case for a board-disputed task.
func (p *Platform) FileDispute(t *testing.T, taskID, claimantID, respondentID, claim string) *Dispute {
	t.Helper()
	return p.courtCall(t, "/disputes/file", "file_dispute", map[string]any{
		"task_id":       taskID,
		"claimant_id":   claimantID,
		"respondent_id": respondentID,
		"claim":         claim,
	}, http.StatusCreated)
}

// Rebut records the respondent's statement on an open dispute.
func (p *Platform) Rebut(t *testing.T, disputeID, respondentID, statement string) *Dispute {
	t.Helper()
	return p.courtCall(t, "/disputes/"+disputeID+"/rebuttal", "submit_rebuttal", map[string]any{
		"dispute_id":    disputeID,
		"respondent_id": respondentID,
		"rebuttal":      statement,
	}, http.StatusOK)
}

// TriggerRuling runs the judge panel and applies the verdict.
func (p *Platform) TriggerRuling(t *testing.T, disputeID string) *Dispute {
	t.Helper()
	return p.courtCall(t, "/disputes/"+disputeID+"/rule", "trigger_ruling", map[string]any{
		"dispute_id": disputeID,
	}, http.StatusOK)
}

func (p *Platform) courtCall(t *testing.T, path, action string, claims map[string]any, wantStatus int) *Dispute {
	t.Helper()
	token, err := p.Signer.Sign(action, claims)
	if err != nil {
		t.Fatalf("sign %s: %v", action, err)
	}
	body, err := json.Marshal(map[string]any{"token": token})
	if err != nil {
		t.Fatalf("marshal %s body: %v", action, err)
	}
	resp, err := p.http.Post(p.Court.URL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("%s: %v", action, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		var envelope map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&envelope)
		t.Fatalf("%s: status %d, body %v", action, resp.StatusCode, envelope)
	}
	var dispute Dispute
	if err := json.NewDecoder(resp.Body).Decode(&dispute); err != nil {
		t.Fatalf("decode %s response: %v", action, err)
	}
	return &dispute
}

// LedgerStats fetches the observatory's conservation snapshot.
func (p *Platform) LedgerStats(t *testing.T) LedgerStats {
	t.Helper()
	resp, err := p.http.Get(p.Observatory.URL + "/stats/ledger")
	if err != nil {
		t.Fatalf("ledger stats: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ledger stats: status %d", resp.StatusCode)
	}
	var stats LedgerStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode ledger stats: %v", err)
	}
	return stats
}
