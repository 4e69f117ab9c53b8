// Package transport provides the broker-facing publish/subscribe abstraction.
// Each variant (Kafka, AMQP, STOMP, WebSocket) implements the same capability
// interfaces and shares one reconnect state machine.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/codeready-toolchain/dgate/pkg/models"
)

// ErrNotConnected is returned by Publish when the transport has no live
// broker connection. Callers decide whether to retry or drop.
var ErrNotConnected = errors.New("transport not connected")

// ConnectionState tracks where a transport is in its connect/reconnect cycle.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int32(s))
	}
}

// Publisher sends envelopes to a named topic or queue. Publish returns only
// after the broker acknowledged the message to the extent the transport's
// configuration asks for (acks, confirms, receipts).
type Publisher interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic string, env *models.MessageEnvelope) error
	Disconnect() error
	IsConnected() bool
	Name() string
}

// Listener consumes one inbound envelope. Implementations must not retain
// the envelope past the call.
type Listener func(ctx context.Context, env *models.MessageEnvelope)

// Subscriber delivers envelopes from named topics or queues to listeners.
// Subscriptions survive reconnects: the transport re-establishes its topology
// after every redial.
type Subscriber interface {
	Connect(ctx context.Context) error
	Subscribe(topic string, l Listener) error
	Unsubscribe(topic string) error
	Disconnect() error
	IsConnected() bool
}

// PublishError reports a failed publish with enough identity for the caller
// to log and for downstream dedup to reason about.
type PublishError struct {
	Transport string
	Topic     string
	MessageID string
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("%s publish to %s failed (message_id=%s): %v",
		e.Transport, e.Topic, e.MessageID, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
