package export

import "context"

// Sink sends delivery events to a downstream system (SQS, SNS, Pub/Sub, HTTP).
type Sink interface {
	ID() string
	Type() string
	Send(ctx context.Context, evt Event) error
}
