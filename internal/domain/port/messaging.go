package port

import "context"

// EventPublisher fans segmentation events out to downstream pipeline stages.
// Publishing is best-effort from the use case's perspective: a failed
// publish is logged, never surfaced to the user action that caused it.
type EventPublisher interface {
	PublishEvent(ctx context.Context, msg []byte) error
}
