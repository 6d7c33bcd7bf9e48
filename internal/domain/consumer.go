package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

// Consumer is an authenticated caller subscribed to one plan of a project.
type Consumer struct {
	ID          string          `json:"id"`
	ProjectSlug string          `json:"projectSlug"`
	PlanSlug    string          `json:"planSlug"`
	Interval    PricingInterval `json:"interval,omitempty"`
	Active      bool            `json:"active"`

	// APIKeyHash is the hex sha256 of the consumer's API key.
	APIKeyHash string `json:"-"`
}

// HashAPIKey returns the stored form of a plaintext API key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
