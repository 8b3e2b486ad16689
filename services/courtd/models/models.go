// Package models defines the court's persistence schema. Disputes move
// rebuttal_pending → rebuttal_submitted → judging → ruled; the judging state
// doubles as the in-flight lock for the ruling orchestration.
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Dispute states.
const (
	StateRebuttalPending   = "rebuttal_pending"
	StateRebuttalSubmitted = "rebuttal_submitted"
	StateJudging           = "judging"
	StateRuled             = "ruled"
)

// Dispute is one filed dispute. One per task, enforced by the unique index.
type Dispute struct {
	DisputeID        string `gorm:"primaryKey;size:64"`
	TaskID           string `gorm:"uniqueIndex;size:64;not null"`
	ClaimantID       string `gorm:"index;size:64;not null"`
	RespondentID     string `gorm:"index;size:64;not null"`
	Claim            string `gorm:"not null"`
	Rebuttal         *string
	Status           string `gorm:"size:32;index;not null"`
	RebuttalDeadline time.Time
	WorkerPct        *int
	RulingID         string `gorm:"size:64"`
	RulingSummary    string
	EscrowID         string `gorm:"size:64;not null"`
	FiledAt          time.Time
	RebuttedAt       *time.Time
	RuledAt          *time.Time
	Votes            []JudgeVote `gorm:"foreignKey:DisputeID;references:DisputeID"`
}

// JudgeVote is one panel member's vote on a ruled dispute.
type JudgeVote struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	DisputeID string `gorm:"index;size:64;not null"`
	JudgeID   string `gorm:"size:64;not null"`
	WorkerPct int    `gorm:"not null"`
	Reasoning string `gorm:"not null"`
	VotedAt   time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Dispute{},
		&JudgeVote{},
	)
}

// NewDisputeID mints a dispute id.
func NewDisputeID() string {
	return "disp-" + uuid.NewString()
}

// RulingIDFor derives the ruling id from the dispute id, so retries of an
// interrupted ruling reuse the same id and downstream replays are detected as
// such.
func RulingIDFor(disputeID string) string {
	return "ruling-" + strings.TrimPrefix(disputeID, "disp-")
}
