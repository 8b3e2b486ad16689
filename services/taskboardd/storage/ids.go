package storage

import "github.com/google/uuid"

// NewBidID mints a bid identifier.
func NewBidID() string {
	return "bid-" + uuid.NewString()
}

// NewAssetID mints an asset identifier.
func NewAssetID() string {
	return "asset-" + uuid.NewString()
}
