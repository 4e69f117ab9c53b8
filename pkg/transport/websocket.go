package transport

import (
	"context"

	"github.com/codeready-toolchain/dgate/pkg/models"
)

const websocketTransportName = "websocket"

// SocketHub is the live-socket registry the API layer maintains. Broadcast
// writes the payload to every connection subscribed to the channel and
// returns how many received it.
type SocketHub interface {
	Broadcast(ctx context.Context, channel string, payload []byte) int
}

// WebSocketPublisher adapts the socket hub to the Publisher interface so
// streaming fan-out treats live sockets like any other egress channel. A
// broadcast with zero subscribers is not a failure; clients come and go.
type WebSocketPublisher struct {
	hub SocketHub
}

func NewWebSocketPublisher(hub SocketHub) *WebSocketPublisher {
	return &WebSocketPublisher{hub: hub}
}

func (p *WebSocketPublisher) Name() string { return websocketTransportName }

// Connect is a no-op; the hub owns connection lifecycles.
func (p *WebSocketPublisher) Connect(context.Context) error { return nil }

func (p *WebSocketPublisher) IsConnected() bool { return p.hub != nil }

func (p *WebSocketPublisher) Publish(ctx context.Context, channel string, env *models.MessageEnvelope) error {
	if p.hub == nil {
		return &PublishError{Transport: websocketTransportName, Topic: channel, MessageID: env.MessageID, Err: ErrNotConnected}
	}
	p.hub.Broadcast(ctx, channel, env.Payload)
	return nil
}

func (p *WebSocketPublisher) Disconnect() error { return nil }
