package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ledger-stream/pkg/models"

	"github.com/google/uuid"
)

// MaxPayloadBytes caps a single outbox payload.
const MaxPayloadBytes = 1 << 20

var (
	ErrAggregateTypeRequired = errors.New("outbox: aggregate type is required")
	ErrAggregateIDRequired   = errors.New("outbox: aggregate id is required")
	ErrEventTypeRequired     = errors.New("outbox: event type is required")
	ErrPayloadRequired       = errors.New("outbox: payload is required")
	ErrPayloadTooLarge       = errors.New("outbox: payload exceeds max size")
	ErrPayloadNotJSON        = errors.New("outbox: payload must be valid JSON")
	ErrRecordNotFound        = errors.New("outbox: record not found")
)

// NewRecord builds a pending outbox row with a fresh id.
func NewRecord(aggregateType, aggregateID, eventType string, payload []byte) (*models.OutboxRecord, error) {
	aggregateType = strings.TrimSpace(aggregateType)
	aggregateID = strings.TrimSpace(aggregateID)
	eventType = strings.TrimSpace(eventType)

	switch {
	case aggregateType == "":
		return nil, ErrAggregateTypeRequired
	case aggregateID == "":
		return nil, ErrAggregateIDRequired
	case eventType == "":
		return nil, ErrEventTypeRequired
	case len(payload) == 0:
		return nil, ErrPayloadRequired
	case len(payload) > MaxPayloadBytes:
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	case !json.Valid(payload):
		return nil, ErrPayloadNotJSON
	}

	return &models.OutboxRecord{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
	}, nil
}
