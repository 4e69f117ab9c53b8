package handler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/dgate/pkg/models"
)

func invocation(class string, payload map[string]any, options map[string]any) *Invocation {
	return &Invocation{
		Request: &models.DGRequest{
			RequestID:   "r1",
			RequestType: "test",
			Payload:     payload,
		},
		Config: &models.HandlerConfig{
			HandlerClass: class,
			RequestType:  "test",
			OwnerUserID:  "alice",
			Options:      options,
		},
	}
}

func TestResolverKnowsBuiltins(t *testing.T) {
	r := NewResolver()
	assert.Equal(t, []string{ClassEcho, ClassSleep, ClassTickerStream}, r.Classes())

	_, err := r.Resolve(&models.HandlerConfig{HandlerClass: "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown handler_class")
}

func TestEchoHandler(t *testing.T) {
	r := NewResolver()
	inv := invocation(ClassEcho, map[string]any{"msg": "hello"}, nil)
	h, err := r.Resolve(inv.Config)
	require.NoError(t, err)

	resp, producer, err := h.Handle(context.Background(), inv)
	require.NoError(t, err)
	require.Nil(t, producer)
	assert.Equal(t, models.StatusSuccess, resp.Status)
	assert.Equal(t, "r1", resp.RequestID)
	assert.Equal(t, "hello", resp.Payload["msg"])
}

func TestSleepHandlerHonorsCancellation(t *testing.T) {
	r := NewResolver()
	inv := invocation(ClassSleep, map[string]any{"sleep_ms": 60000}, nil)
	h, err := r.Resolve(inv.Config)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := h.Handle(ctx, inv)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("sleep handler ignored cancellation")
	}
}

func TestSleepHandlerCompletes(t *testing.T) {
	r := NewResolver()
	inv := invocation(ClassSleep, map[string]any{"sleep_ms": 1}, nil)
	h, err := r.Resolve(inv.Config)
	require.NoError(t, err)

	resp, _, err := h.Handle(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, resp.Status)
	assert.EqualValues(t, 1, resp.Payload["slept_ms"])
}

func TestTickerStreamProducer(t *testing.T) {
	r := NewResolver()
	inv := invocation(ClassTickerStream, nil, map[string]any{"interval_ms": 1, "count": 3})
	h, err := r.Resolve(inv.Config)
	require.NoError(t, err)

	resp, producer, err := h.Handle(context.Background(), inv)
	require.NoError(t, err)
	require.Nil(t, resp, "streaming handlers return a producer, not a response")
	require.NotNil(t, producer)

	var updates []map[string]any
	err = producer.Run(context.Background(), func(payload map[string]any) error {
		updates = append(updates, payload)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, updates, 3)
	assert.Equal(t, 0, updates[0]["tick"])
	assert.Equal(t, 2, updates[2]["tick"])
}

func TestTickerStreamStopsWhenEmitFails(t *testing.T) {
	r := NewResolver()
	inv := invocation(ClassTickerStream, nil, map[string]any{"interval_ms": 1})
	h, err := r.Resolve(inv.Config)
	require.NoError(t, err)

	_, producer, err := h.Handle(context.Background(), inv)
	require.NoError(t, err)

	calls := 0
	err = producer.Run(context.Background(), func(map[string]any) error {
		calls++
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, calls)
}

func TestIntOptionCoercions(t *testing.T) {
	opts := map[string]any{
		"int":    5,
		"int64":  int64(6),
		"float":  float64(7),
		"string": "8",
		"junk":   "x",
	}
	assert.Equal(t, 5, intOption(opts, "int", 0))
	assert.Equal(t, 6, intOption(opts, "int64", 0))
	assert.Equal(t, 7, intOption(opts, "float", 0))
	assert.Equal(t, 8, intOption(opts, "string", 0))
	assert.Equal(t, 0, intOption(opts, "junk", 0))
	assert.Equal(t, 9, intOption(opts, "absent", 9))
}
