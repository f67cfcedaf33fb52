package deadletter

import (
	"encoding/json"
	"errors"
	"time"

	"ledger-stream/pkg/models"
)

// ErrorInfo is the portable description of the last failure: its kind, the
// top-level message and the messages of every wrapped cause, outermost first.
type ErrorInfo struct {
	Kind    string   `json:"kind"`
	Message string   `json:"message"`
	Causes  []string `json:"causes,omitempty"`
}

// Record is created once per permanently failed event and never modified.
type Record struct {
	EventID         string    `json:"eventId"`
	OriginalMessage []byte    `json:"originalMessage"`
	Error           ErrorInfo `json:"error"`
	Attempts        int       `json:"attempts"`
	Timestamp       time.Time `json:"timestamp"`
	Topic           string    `json:"topic"`
	Partition       int       `json:"partition"`
	Offset          int64     `json:"offset"`
	ConsumerGroup   string    `json:"consumerGroup"`
}

// NewRecord captures a failed delivery and the error that exhausted it.
func NewRecord(d models.Delivery, eventID, kind string, err error, attempts int, consumerGroup string) Record {
	original := make([]byte, len(d.Value))
	copy(original, d.Value)

	return Record{
		EventID:         eventID,
		OriginalMessage: original,
		Error:           describe(kind, err),
		Attempts:        attempts,
		Timestamp:       time.Now().UTC(),
		Topic:           d.Topic,
		Partition:       d.Partition,
		Offset:          d.Offset,
		ConsumerGroup:   consumerGroup,
	}
}

func (r Record) Encode() ([]byte, error) {
	return json.Marshal(r)
}

func describe(kind string, err error) ErrorInfo {
	info := ErrorInfo{Kind: kind}
	if err == nil {
		return info
	}
	info.Message = err.Error()
	info.Causes = causeChain(err)
	return info
}

func causeChain(err error) []string {
	var causes []string
	queue := unwrapAll(err)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if next == nil {
			continue
		}
		causes = append(causes, next.Error())
		queue = append(queue, unwrapAll(next)...)
	}
	return causes
}

func unwrapAll(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	if inner := errors.Unwrap(err); inner != nil {
		return []error{inner}
	}
	return nil
}
