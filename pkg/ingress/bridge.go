// Package ingress bridges broker transports into the execution engine: one
// bridge per enabled broker, consuming requests and publishing responses.
package ingress

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/codeready-toolchain/dgate/pkg/actor"
	"github.com/codeready-toolchain/dgate/pkg/models"
	"github.com/codeready-toolchain/dgate/pkg/transport"
)

// Dispatcher admits requests into the execution engine. Implemented by
// engine.Engine.
type Dispatcher interface {
	Submit(req *models.DGRequest) *actor.ResultSink
}

// Bridge consumes DGRequests from one broker and publishes every response
// back to the broker's response destination. Responses are keyed by
// request_id so consumers can correlate and dedupe.
type Bridge struct {
	name           string
	source         models.SourceChannel
	subscriber     transport.Subscriber
	publisher      transport.Publisher
	requestsTopic  string
	responsesTopic string
	dispatcher     Dispatcher
	logger         *slog.Logger
}

// New creates a bridge. name identifies the broker in logs.
func New(
	name string,
	source models.SourceChannel,
	subscriber transport.Subscriber,
	publisher transport.Publisher,
	requestsTopic, responsesTopic string,
	dispatcher Dispatcher,
) *Bridge {
	return &Bridge{
		name:           name,
		source:         source,
		subscriber:     subscriber,
		publisher:      publisher,
		requestsTopic:  requestsTopic,
		responsesTopic: responsesTopic,
		dispatcher:     dispatcher,
		logger:         slog.With("bridge", name),
	}
}

// Start subscribes to the broker's request destination.
func (b *Bridge) Start() error {
	if err := b.subscriber.Subscribe(b.requestsTopic, b.onMessage); err != nil {
		return fmt.Errorf("subscribing bridge %s to %s: %w", b.name, b.requestsTopic, err)
	}
	b.logger.Info("Ingress bridge started",
		"requests", b.requestsTopic, "responses", b.responsesTopic)
	return nil
}

// Stop unsubscribes from the request destination. In-flight invocations keep
// running; their responses are published if the transport is still up.
func (b *Bridge) Stop() error {
	return b.subscriber.Unsubscribe(b.requestsTopic)
}

// onMessage handles one inbound envelope. Malformed payloads are answered
// with an ERROR response rather than dropped silently; unknown payload
// fields are preserved as request headers.
func (b *Bridge) onMessage(ctx context.Context, env *models.MessageEnvelope) {
	req, err := models.DecodeRequest(env.Payload)
	if err != nil || req.RequestType == "" {
		b.logger.Warn("Dropping malformed request payload",
			"message_id", env.MessageID, "error", err)
		reqID := ""
		if req != nil {
			reqID = req.RequestID
		}
		b.publishResponse(ctx, models.NewErrorResponse(reqID, "malformed request payload"))
		return
	}
	req.SourceChannel = b.source
	// Broker headers ride along so responses can be correlated downstream.
	for k, v := range env.Headers {
		req.SetHeader(k, v)
	}

	sink := b.dispatcher.Submit(req)
	go func() {
		resp, err := sink.Await(ctx)
		if err != nil {
			// The subscriber context closed; the invocation keeps
			// running but this bridge can no longer answer.
			b.logger.Warn("Bridge detached before response",
				"request_id", req.RequestID, "error", err)
			return
		}
		b.publishResponse(context.Background(), resp)
	}()
}

func (b *Bridge) publishResponse(ctx context.Context, resp *models.DGResponse) {
	env, err := models.EnvelopeForResponse(resp)
	if err != nil {
		b.logger.Error("Failed to encode response", "request_id", resp.RequestID, "error", err)
		return
	}
	if err := b.publisher.Publish(ctx, b.responsesTopic, env); err != nil {
		b.logger.Error("Failed to publish response",
			"request_id", resp.RequestID, "topic", b.responsesTopic, "error", err)
	}
}
