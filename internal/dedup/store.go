package dedup

import (
	"context"
	"errors"
	"time"
)

// DefaultRetention must outlive the longest redelivery window of the event
// channel. Seven days matches Kafka's default log retention.
const DefaultRetention = 7 * 24 * time.Hour

var ErrEmptyID = errors.New("dedup: empty event id")

// Store remembers which event ids have been applied.
type Store interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}
