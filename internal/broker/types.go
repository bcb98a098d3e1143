package broker

import (
	"context"
	"time"
)

// RawMessage is one opaque payload as delivered by the broker. It is owned by
// the intake pipeline for the duration of one processing cycle.
type RawMessage struct {
	Topic    string
	Payload  []byte
	Received time.Time
}

// Subscriber is the narrow contract the pipeline depends on. The pipeline
// owns reconnect supervision: a Subscriber reports a lost connection and
// waits to be told to connect again.
type Subscriber interface {
	// Connect establishes the broker connection and subscribes to the
	// configured topics. Blocks until connected or ctx is done.
	Connect(ctx context.Context) error

	// Messages yields inbound messages while connected. The channel stays
	// open across reconnects.
	Messages() <-chan RawMessage

	// ConnectionLost yields one error per lost connection.
	ConnectionLost() <-chan error

	// Disconnect flushes and tears down the connection.
	Disconnect(timeout time.Duration) error
}
