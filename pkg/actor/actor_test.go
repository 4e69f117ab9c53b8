package actor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/dgate/pkg/handler"
	"github.com/codeready-toolchain/dgate/pkg/models"
)

// stateRecorder collects lifecycle transitions for assertions.
type stateRecorder struct {
	mu     sync.Mutex
	states []models.HandlerStateValue
}

func (r *stateRecorder) record(s models.HandlerStateValue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) all() []models.HandlerStateValue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.HandlerStateValue(nil), r.states...)
}

func newTask(h handler.Handler, deadline time.Time) (*Task, *stateRecorder) {
	rec := &stateRecorder{}
	task := &Task{
		HandlerID: "hdl-test",
		Invocation: &handler.Invocation{
			Request: &models.DGRequest{RequestID: "r1", RequestType: "test"},
			Config:  &models.HandlerConfig{HandlerClass: "test", RequestType: "test"},
		},
		Handler:    h,
		Sink:       NewResultSink("r1", deadline),
		Transition: rec.record,
	}
	return task, rec
}

func TestActorCompletesSuccessfully(t *testing.T) {
	h := handler.Func(func(context.Context, *handler.Invocation) (*models.DGResponse, handler.StreamProducer, error) {
		return models.NewSuccessResponse("r1", map[string]any{"ok": true}), nil, nil
	})
	task, rec := newTask(h, time.Now().Add(time.Minute))

	NewActor(task, time.Second).Run(context.Background())

	resp := task.Sink.Response()
	require.NotNil(t, resp)
	assert.Equal(t, models.StatusSuccess, resp.Status)
	assert.Equal(t, []models.HandlerStateValue{models.HandlerRunning, models.HandlerDone}, rec.all())
}

func TestActorHandlerFailure(t *testing.T) {
	h := handler.Func(func(context.Context, *handler.Invocation) (*models.DGResponse, handler.StreamProducer, error) {
		return nil, nil, assert.AnError
	})
	task, rec := newTask(h, time.Now().Add(time.Minute))

	NewActor(task, time.Second).Run(context.Background())

	resp := task.Sink.Response()
	require.NotNil(t, resp)
	assert.Equal(t, models.StatusError, resp.Status)
	assert.Equal(t, "handler execution failed", resp.ErrorMessage, "internal error text must not leak")
	assert.Equal(t, []models.HandlerStateValue{models.HandlerRunning, models.HandlerError}, rec.all())
}

func TestActorContainsPanic(t *testing.T) {
	h := handler.Func(func(context.Context, *handler.Invocation) (*models.DGResponse, handler.StreamProducer, error) {
		panic("boom")
	})
	task, rec := newTask(h, time.Now().Add(time.Minute))

	require.NotPanics(t, func() {
		NewActor(task, time.Second).Run(context.Background())
	})

	resp := task.Sink.Response()
	require.NotNil(t, resp)
	assert.Equal(t, models.StatusError, resp.Status)
	assert.NotContains(t, resp.ErrorMessage, "boom")
	assert.Equal(t, []models.HandlerStateValue{models.HandlerRunning, models.HandlerError}, rec.all())
}

func TestActorTimeout(t *testing.T) {
	h := handler.Func(func(ctx context.Context, _ *handler.Invocation) (*models.DGResponse, handler.StreamProducer, error) {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	})
	task, rec := newTask(h, time.Now().Add(30*time.Millisecond))

	start := time.Now()
	NewActor(task, 100*time.Millisecond).Run(context.Background())

	resp := task.Sink.Response()
	require.NotNil(t, resp)
	assert.Equal(t, models.StatusTimeout, resp.Status)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, []models.HandlerStateValue{models.HandlerRunning, models.HandlerTimedOut}, rec.all())
}

func TestActorTimeoutWithUnresponsiveHandler(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	h := handler.Func(func(context.Context, *handler.Invocation) (*models.DGResponse, handler.StreamProducer, error) {
		<-block // ignores cancellation
		return nil, nil, nil
	})
	task, _ := newTask(h, time.Now().Add(10*time.Millisecond))

	start := time.Now()
	NewActor(task, 50*time.Millisecond).Run(context.Background())

	// Sink completes with TIMEOUT even though the handler never acknowledged;
	// the actor waits at most the grace interval before abandoning it.
	resp := task.Sink.Response()
	require.NotNil(t, resp)
	assert.Equal(t, models.StatusTimeout, resp.Status)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestActorCancel(t *testing.T) {
	started := make(chan struct{})
	h := handler.Func(func(ctx context.Context, _ *handler.Invocation) (*models.DGResponse, handler.StreamProducer, error) {
		close(started)
		<-ctx.Done()
		return nil, nil, ctx.Err()
	})
	task, rec := newTask(h, time.Now().Add(time.Minute))
	a := NewActor(task, time.Second)

	done := make(chan struct{})
	go func() {
		a.Run(context.Background())
		close(done)
	}()

	<-started
	assert.True(t, a.Cancel())
	<-done

	resp := task.Sink.Response()
	require.NotNil(t, resp)
	assert.Equal(t, models.StatusError, resp.Status)
	assert.Contains(t, resp.ErrorMessage, "cancelled")
	assert.Equal(t, []models.HandlerStateValue{models.HandlerRunning, models.HandlerCancelled}, rec.all())
}

func TestActorExpiredBeforeRun(t *testing.T) {
	h := handler.Func(func(context.Context, *handler.Invocation) (*models.DGResponse, handler.StreamProducer, error) {
		t.Fatal("handler must not run for an expired task")
		return nil, nil, nil
	})
	task, rec := newTask(h, time.Now().Add(-time.Second))

	NewActor(task, time.Second).Run(context.Background())

	resp := task.Sink.Response()
	require.NotNil(t, resp)
	assert.Equal(t, models.StatusTimeout, resp.Status)
	assert.Equal(t, []models.HandlerStateValue{models.HandlerTimedOut}, rec.all())
}

func TestActorStreamingHandoff(t *testing.T) {
	producer := handler.ProducerFunc(func(context.Context, handler.EmitFunc) error { return nil })
	h := handler.Func(func(context.Context, *handler.Invocation) (*models.DGResponse, handler.StreamProducer, error) {
		return nil, producer, nil
	})
	task, rec := newTask(h, time.Now().Add(time.Minute))
	task.OnStream = func(p handler.StreamProducer) (*models.DGResponse, error) {
		return &models.DGResponse{
			RequestID: "r1",
			Status:    models.StatusStreamingStarted,
			EmittedAt: time.Now(),
		}, nil
	}

	NewActor(task, time.Second).Run(context.Background())

	resp := task.Sink.Response()
	require.NotNil(t, resp)
	assert.Equal(t, models.StatusStreamingStarted, resp.Status)
	assert.Equal(t, []models.HandlerStateValue{models.HandlerRunning, models.HandlerDone}, rec.all())
}

func TestActorStreamingWithoutManager(t *testing.T) {
	h := handler.Func(func(context.Context, *handler.Invocation) (*models.DGResponse, handler.StreamProducer, error) {
		return nil, handler.ProducerFunc(func(context.Context, handler.EmitFunc) error { return nil }), nil
	})
	task, _ := newTask(h, time.Now().Add(time.Minute))
	// OnStream deliberately nil.

	NewActor(task, time.Second).Run(context.Background())

	resp := task.Sink.Response()
	require.NotNil(t, resp)
	assert.Equal(t, models.StatusError, resp.Status)
	assert.Contains(t, resp.ErrorMessage, "streaming")
}
