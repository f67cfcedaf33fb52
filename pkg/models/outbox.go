package models

import (
	"time"

	"github.com/google/uuid"
)

// OutboxRecord is a row written in the same local transaction as a ledger
// mutation and relayed asynchronously to the event channel.
type OutboxRecord struct {
	ID            uuid.UUID  `json:"id"`
	AggregateType string     `json:"aggregateType"`
	AggregateID   string     `json:"aggregateId"`
	EventType     string     `json:"eventType"`
	Payload       []byte     `json:"payload"`
	Processed     bool       `json:"processed"`
	CreatedAt     time.Time  `json:"createdAt"`
	ProcessedAt   *time.Time `json:"processedAt,omitempty"`
	ClaimedBy     string     `json:"claimedBy,omitempty"`
	ClaimedUntil  *time.Time `json:"claimedUntil,omitempty"`
}
