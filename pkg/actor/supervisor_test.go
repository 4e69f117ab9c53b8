package actor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/dgate/pkg/config"
	"github.com/codeready-toolchain/dgate/pkg/handler"
	"github.com/codeready-toolchain/dgate/pkg/models"
)

func testActorConfig(minPool, maxPool, mailbox int) *config.ActorConfig {
	return &config.ActorConfig{
		MinPoolSize:           minPool,
		MaxPoolSize:           maxPool,
		MailboxCapacity:       mailbox,
		HandlerTimeoutSeconds: 60,
		CancelGracePeriod:     100 * time.Millisecond,
		DrainTimeout:          time.Second,
	}
}

// blockingHandler blocks until release is closed, honoring ctx.
func blockingHandler(release <-chan struct{}) handler.Handler {
	return handler.Func(func(ctx context.Context, inv *handler.Invocation) (*models.DGResponse, handler.StreamProducer, error) {
		select {
		case <-release:
			return models.NewSuccessResponse(inv.Request.RequestID, nil), nil, nil
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	})
}

func submitTask(t *testing.T, s *Supervisor, id string, h handler.Handler) (*Task, error) {
	t.Helper()
	task := &Task{
		HandlerID: id,
		Invocation: &handler.Invocation{
			Request: &models.DGRequest{RequestID: id, RequestType: "test"},
			Config:  &models.HandlerConfig{HandlerClass: "test", RequestType: "test"},
		},
		Handler: h,
		Sink:    NewResultSink(id, time.Now().Add(time.Minute)),
	}
	return task, s.Submit(task)
}

// eventually polls cond until true or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSupervisorRunsTasks(t *testing.T) {
	s := NewSupervisor(testActorConfig(1, 2, 4))
	s.Start(context.Background())
	defer s.Shutdown(context.Background())

	task, err := submitTask(t, s, "r1", handler.Func(
		func(_ context.Context, inv *handler.Invocation) (*models.DGResponse, handler.StreamProducer, error) {
			return models.NewSuccessResponse(inv.Request.RequestID, nil), nil, nil
		}))
	require.NoError(t, err)

	resp, err := task.Sink.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, resp.Status)
}

func TestSupervisorBackpressure(t *testing.T) {
	s := NewSupervisor(testActorConfig(1, 1, 1))
	s.Start(context.Background())
	release := make(chan struct{})
	defer func() {
		close(release)
		s.Shutdown(context.Background())
	}()

	// Fill the single worker.
	_, err := submitTask(t, s, "r1", blockingHandler(release))
	require.NoError(t, err)
	eventually(t, func() bool { return s.Active() == 1 }, "worker never picked up task")

	// Fill the mailbox.
	_, err = submitTask(t, s, "r2", blockingHandler(release))
	require.NoError(t, err)
	eventually(t, func() bool { return s.Queued() == 1 }, "mailbox never filled")

	// Pool and mailbox full: admission fails without spawning a worker.
	workersBefore := s.Workers()
	_, err = submitTask(t, s, "r3", blockingHandler(release))
	assert.ErrorIs(t, err, ErrBackpressure)
	assert.Equal(t, workersBefore, s.Workers())
}

func TestSupervisorGrowsToMax(t *testing.T) {
	s := NewSupervisor(testActorConfig(1, 3, 8))
	s.Start(context.Background())
	release := make(chan struct{})
	defer func() {
		close(release)
		s.Shutdown(context.Background())
	}()

	for i := 0; i < 3; i++ {
		_, err := submitTask(t, s, fmt.Sprintf("r%d", i), blockingHandler(release))
		require.NoError(t, err)
	}

	eventually(t, func() bool { return s.Active() == 3 }, "pool never grew to run 3 concurrent tasks")
	assert.LessOrEqual(t, s.Workers(), 3)
}

func TestSupervisorPanicContainment(t *testing.T) {
	s := NewSupervisor(testActorConfig(1, 1, 4))
	s.Start(context.Background())
	defer s.Shutdown(context.Background())

	bad, err := submitTask(t, s, "r-bad", handler.Func(
		func(context.Context, *handler.Invocation) (*models.DGResponse, handler.StreamProducer, error) {
			panic("boom")
		}))
	require.NoError(t, err)
	resp, err := bad.Sink.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, resp.Status)

	// The pool keeps serving after a worker-contained panic.
	good, err := submitTask(t, s, "r-good", handler.Func(
		func(_ context.Context, inv *handler.Invocation) (*models.DGResponse, handler.StreamProducer, error) {
			return models.NewSuccessResponse(inv.Request.RequestID, nil), nil, nil
		}))
	require.NoError(t, err)
	resp, err = good.Sink.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, resp.Status)
}

func TestSupervisorCancelInvocation(t *testing.T) {
	s := NewSupervisor(testActorConfig(1, 1, 4))
	s.Start(context.Background())
	defer s.Shutdown(context.Background())

	task, err := submitTask(t, s, "r1", blockingHandler(make(chan struct{})))
	require.NoError(t, err)
	eventually(t, func() bool { return s.Active() == 1 }, "worker never picked up task")

	assert.True(t, s.Cancel("r1"))
	resp, err := task.Sink.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, resp.Status)
	assert.Contains(t, resp.ErrorMessage, "cancelled")

	assert.False(t, s.Cancel("r-unknown"))
}

func TestSupervisorShutdownRejectsNewWork(t *testing.T) {
	s := NewSupervisor(testActorConfig(1, 1, 4))
	s.Start(context.Background())
	s.Shutdown(context.Background())

	_, err := submitTask(t, s, "r1", blockingHandler(make(chan struct{})))
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestSupervisorShutdownCancelsStragglers(t *testing.T) {
	s := NewSupervisor(testActorConfig(1, 1, 4))
	s.Start(context.Background())

	task, err := submitTask(t, s, "r1", blockingHandler(make(chan struct{})))
	require.NoError(t, err)
	eventually(t, func() bool { return s.Active() == 1 }, "worker never picked up task")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s.Shutdown(ctx)

	resp := task.Sink.Response()
	require.NotNil(t, resp, "straggler must be force-completed at shutdown")
	assert.Equal(t, models.StatusError, resp.Status)
}
