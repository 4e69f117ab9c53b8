package ingress

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/dgate/pkg/actor"
	"github.com/codeready-toolchain/dgate/pkg/models"
	"github.com/codeready-toolchain/dgate/pkg/transport"
)

type fakeSubscriber struct {
	mu        sync.Mutex
	listeners map[string]transport.Listener
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{listeners: make(map[string]transport.Listener)}
}

func (f *fakeSubscriber) Connect(context.Context) error { return nil }
func (f *fakeSubscriber) Disconnect() error             { return nil }
func (f *fakeSubscriber) IsConnected() bool             { return true }

func (f *fakeSubscriber) Subscribe(topic string, l transport.Listener) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners[topic] = l
	return nil
}

func (f *fakeSubscriber) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.listeners, topic)
	return nil
}

// deliver pushes an envelope to the registered listener.
func (f *fakeSubscriber) deliver(topic string, env *models.MessageEnvelope) {
	f.mu.Lock()
	l := f.listeners[topic]
	f.mu.Unlock()
	if l != nil {
		l(context.Background(), env)
	}
}

type fakePublisher struct {
	mu        sync.Mutex
	envelopes []*models.MessageEnvelope
	topics    []string
}

func (f *fakePublisher) Name() string                  { return "fake" }
func (f *fakePublisher) Connect(context.Context) error { return nil }
func (f *fakePublisher) Disconnect() error             { return nil }
func (f *fakePublisher) IsConnected() bool             { return true }

func (f *fakePublisher) Publish(_ context.Context, topic string, env *models.MessageEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envelopes = append(f.envelopes, env)
	f.topics = append(f.topics, topic)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.envelopes)
}

type fakeDispatcher struct {
	mu        sync.Mutex
	submitted []*models.DGRequest
}

func (f *fakeDispatcher) Submit(req *models.DGRequest) *actor.ResultSink {
	f.mu.Lock()
	f.submitted = append(f.submitted, req)
	f.mu.Unlock()
	sink := actor.NewResultSink(req.RequestID, time.Time{})
	sink.Complete(models.NewSuccessResponse(req.RequestID, req.Payload))
	return sink
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestBridgeRoundTrip(t *testing.T) {
	sub := newFakeSubscriber()
	pub := &fakePublisher{}
	d := &fakeDispatcher{}
	b := New("kafka", models.SourceKafka, sub, pub, "dgate.requests", "dgate.responses", d)
	require.NoError(t, b.Start())

	body, err := json.Marshal(&models.DGRequest{
		RequestID:   "r1",
		RequestType: "echo",
		APIKey:      "k",
		Payload:     map[string]any{"msg": "hi"},
	})
	require.NoError(t, err)
	env := models.NewEnvelope("application/json", body)
	env.Headers = map[string]string{"trace_id": "t-1"}
	sub.deliver("dgate.requests", env)

	waitFor(t, func() bool { return pub.count() == 1 }, "response never published")

	// The request was stamped with its source channel and broker headers.
	require.Len(t, d.submitted, 1)
	assert.Equal(t, models.SourceKafka, d.submitted[0].SourceChannel)
	assert.Equal(t, "t-1", d.submitted[0].Headers["trace_id"])

	// The response envelope is keyed by request_id.
	var resp models.DGResponse
	require.NoError(t, json.Unmarshal(pub.envelopes[0].Payload, &resp))
	assert.Equal(t, "r1", resp.RequestID)
	assert.Equal(t, models.StatusSuccess, resp.Status)
	assert.Equal(t, "r1", pub.envelopes[0].Headers["request_id"])
	assert.Equal(t, "dgate.responses", pub.topics[0])
}

func TestBridgePreservesUnknownPayloadFields(t *testing.T) {
	sub := newFakeSubscriber()
	pub := &fakePublisher{}
	d := &fakeDispatcher{}
	b := New("kafka", models.SourceKafka, sub, pub, "dgate.requests", "dgate.responses", d)
	require.NoError(t, b.Start())

	body := []byte(`{"request_id":"r1","request_type":"echo","api_key":"k","correlation":"c-7","attempt":2}`)
	sub.deliver("dgate.requests", models.NewEnvelope("application/json", body))
	waitFor(t, func() bool { return pub.count() == 1 }, "response never published")

	require.Len(t, d.submitted, 1)
	assert.Equal(t, "c-7", d.submitted[0].Headers["correlation"])
	assert.Equal(t, "2", d.submitted[0].Headers["attempt"])
}

func TestBridgeMalformedPayload(t *testing.T) {
	sub := newFakeSubscriber()
	pub := &fakePublisher{}
	d := &fakeDispatcher{}
	b := New("amqp", models.SourceRabbitMQ, sub, pub, "requests", "responses", d)
	require.NoError(t, b.Start())

	sub.deliver("requests", models.NewEnvelope("application/json", []byte("not json")))
	waitFor(t, func() bool { return pub.count() == 1 }, "error response never published")

	var resp models.DGResponse
	require.NoError(t, json.Unmarshal(pub.envelopes[0].Payload, &resp))
	assert.Equal(t, models.StatusError, resp.Status)
	assert.Contains(t, resp.ErrorMessage, "malformed")
	assert.Empty(t, d.submitted, "malformed payloads are not dispatched")

	// A payload that parses but has no request_type is malformed too.
	sub.deliver("requests", models.NewEnvelope("application/json", []byte(`{"payload":{}}`)))
	waitFor(t, func() bool { return pub.count() == 2 }, "error response never published")
	assert.Empty(t, d.submitted)
}

func TestBridgeStopUnsubscribes(t *testing.T) {
	sub := newFakeSubscriber()
	b := New("activemq", models.SourceActiveMQ, sub, &fakePublisher{}, "requests", "responses", &fakeDispatcher{})
	require.NoError(t, b.Start())
	require.NoError(t, b.Stop())

	sub.mu.Lock()
	defer sub.mu.Unlock()
	assert.Empty(t, sub.listeners)
}
