package domain

import (
	"encoding/json"
	"time"
)

// UsageRecord is emitted once per billable line item of an invocation.
// Records are write-once and append-only.
type UsageRecord struct {
	ID           string    `json:"id"`
	InvocationID string    `json:"invocationId"`
	ConsumerID   string    `json:"consumerId"`
	DeploymentID string    `json:"deploymentId"`
	ToolName     string    `json:"toolName"`
	LineItemSlug string    `json:"lineItemSlug"`
	Quantity     int64     `json:"quantity"`
	Timestamp    time.Time `json:"timestamp"`
}

// IdempotencyKey identifies the record for at-least-once delivery.
func (r UsageRecord) IdempotencyKey() string {
	return r.ConsumerID + ":" + r.InvocationID + ":" + r.LineItemSlug
}

// CacheEntry is a stored tool response.
type CacheEntry struct {
	Fingerprint string          `json:"fingerprint"`
	Payload     json.RawMessage `json:"payload"`
	StoredAt    time.Time       `json:"storedAt"`
	Directive   string          `json:"directive"`
}
