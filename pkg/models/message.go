package models

import "time"

// Delivery is a message pulled from the event channel together with its
// source coordinates.
type Delivery struct {
	Key       string            `json:"key"`
	Value     []byte            `json:"value"`
	Headers   map[string]string `json:"headers"`
	Topic     string            `json:"topic"`
	Partition int               `json:"partition"`
	Offset    int64             `json:"offset"`
	Timestamp time.Time         `json:"timestamp"`
}

// MessageHeader constants
const (
	HeaderMessageID     = "message-id"
	HeaderEventType     = "event-type"
	HeaderAggregateType = "aggregate-type"
	HeaderRetryCount    = "retry-count"
	HeaderOriginalTopic = "original-topic"
	HeaderFailureReason = "failure-reason"
	HeaderFailureKind   = "failure-kind"
	HeaderProcessedAt   = "processed-at"
)
