package storage

import "github.com/google/uuid"

// NewEscrowID mints an escrow identifier.
func NewEscrowID() string {
	return "esc-" + uuid.NewString()
}

func newTxID() string {
	return "tx-" + uuid.NewString()
}
