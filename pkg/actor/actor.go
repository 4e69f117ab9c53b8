package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/dgate/pkg/handler"
	"github.com/codeready-toolchain/dgate/pkg/models"
)

// Task is one admitted invocation handed to the supervisor.
type Task struct {
	HandlerID  string
	Invocation *handler.Invocation
	Handler    handler.Handler
	Sink       *ResultSink

	// Transition records lifecycle changes on the invocation's HandlerState.
	// Called only from the owning actor. May be nil.
	Transition func(models.HandlerStateValue)

	// OnStream registers a streaming producer and returns the
	// STREAMING_STARTED response. Nil for engines without streaming.
	OnStream func(producer handler.StreamProducer) (*models.DGResponse, error)
}

func (t *Task) transition(state models.HandlerStateValue) {
	if t.Transition != nil {
		t.Transition(state)
	}
}

// command is the actor mailbox alphabet (beyond Start, which is implicit in
// Run, and the internal completion messages carried on the result channel).
// Timeouts are not commands: the handler context's deadline delivers them.
type command int

const cmdCancel command = iota

// invocationResult is the internal completion message from the handler
// goroutine.
type invocationResult struct {
	resp     *models.DGResponse
	producer handler.StreamProducer
	err      error
	panicked bool
}

// Actor owns exactly one invocation: a single-consumer mailbox, the handler
// goroutine, and the invocation's HandlerState. Run drives the state machine
// IDLE → RUNNING → {COMPLETED, FAILED, CANCELLED, TIMED_OUT} and completes
// the result sink on the terminal transition.
type Actor struct {
	task     *Task
	grace    time.Duration
	commands chan command
}

// NewActor creates an actor for the task. grace bounds how long a cancelled
// handler may take to acknowledge before it is abandoned.
func NewActor(task *Task, grace time.Duration) *Actor {
	return &Actor{
		task:     task,
		grace:    grace,
		commands: make(chan command, 2),
	}
}

// Cancel delivers a Cancel command to the mailbox. Non-blocking; returns
// false if the mailbox is full (a stop is already in flight).
func (a *Actor) Cancel() bool {
	select {
	case a.commands <- cmdCancel:
		return true
	default:
		return false
	}
}

// Run executes the invocation and blocks until a terminal state. The parent
// context is the supervisor's lifetime; the handler additionally gets the
// sink's TTL deadline.
func (a *Actor) Run(parent context.Context) {
	t := a.task
	log := slog.With("handler_id", t.HandlerID, "request_id", t.Invocation.Request.RequestID)

	// A queued task may already be past its deadline.
	if !t.Sink.Deadline().IsZero() && time.Now().After(t.Sink.Deadline()) {
		a.timeout(log, nil)
		return
	}

	t.transition(models.HandlerRunning)

	var hctx context.Context
	var cancel context.CancelFunc
	if d := t.Sink.Deadline(); d.IsZero() {
		hctx, cancel = context.WithCancel(parent)
	} else {
		hctx, cancel = context.WithDeadline(parent, d)
	}
	defer cancel()

	resultCh := make(chan invocationResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- invocationResult{
					err:      fmt.Errorf("handler panic: %v", r),
					panicked: true,
				}
			}
		}()
		resp, producer, err := t.Handler.Handle(hctx, t.Invocation)
		resultCh <- invocationResult{resp: resp, producer: producer, err: err}
	}()

	select {
	case res := <-resultCh:
		a.finish(log, res)
	case <-hctx.Done():
		cancel()
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			a.timeout(log, resultCh)
		} else {
			a.cancelled(log, resultCh)
		}
	case <-a.commands:
		cancel()
		a.cancelled(log, resultCh)
	}
}

// finish handles an InternalComplete or InternalFailure message.
func (a *Actor) finish(log *slog.Logger, res invocationResult) {
	t := a.task
	reqID := t.Invocation.Request.RequestID

	switch {
	case res.err != nil:
		if res.panicked {
			log.Error("Handler panicked", "error", res.err)
		} else {
			log.Warn("Handler failed", "error", res.err)
		}
		t.transition(models.HandlerError)
		// Sanitized message only; handler internals stay in the log.
		t.Sink.Complete(models.NewErrorResponse(reqID, "handler execution failed"))

	case res.producer != nil:
		if t.OnStream == nil {
			log.Warn("Streaming producer returned but streaming is disabled")
			t.transition(models.HandlerError)
			t.Sink.Complete(models.NewErrorResponse(reqID, "streaming is not enabled"))
			return
		}
		started, err := t.OnStream(res.producer)
		if err != nil {
			log.Warn("Streaming session admission failed", "error", err)
			t.transition(models.HandlerError)
			t.Sink.Complete(models.NewErrorResponse(reqID, err.Error()))
			return
		}
		// The invocation is DONE from the actor's perspective; the
		// session owns the producer from here on.
		t.transition(models.HandlerDone)
		t.Sink.Complete(started)

	case res.resp != nil:
		t.transition(models.HandlerDone)
		t.Sink.Complete(res.resp)

	default:
		log.Error("Handler returned neither response nor producer")
		t.transition(models.HandlerError)
		t.Sink.Complete(models.NewErrorResponse(reqID, "handler returned no result"))
	}
}

// timeout completes the sink with TIMEOUT and waits out the grace interval.
// The sink completes regardless of whether the handler acknowledges.
func (a *Actor) timeout(log *slog.Logger, resultCh <-chan invocationResult) {
	t := a.task
	t.transition(models.HandlerTimedOut)
	t.Sink.Complete(&models.DGResponse{
		RequestID:    t.Invocation.Request.RequestID,
		Status:       models.StatusTimeout,
		ErrorMessage: "handler TTL elapsed",
		EmittedAt:    time.Now(),
	})
	a.awaitAck(log, resultCh, "timeout")
}

// cancelled completes the sink with a CANCELLED error response.
func (a *Actor) cancelled(log *slog.Logger, resultCh <-chan invocationResult) {
	t := a.task
	t.transition(models.HandlerCancelled)
	t.Sink.Complete(models.NewErrorResponse(t.Invocation.Request.RequestID, "request cancelled"))
	a.awaitAck(log, resultCh, "cancel")
}

// awaitAck gives the handler the grace interval to release resources and
// acknowledge the cooperative cancellation. Handlers that ignore it are
// abandoned and logged; their goroutines are never forcibly killed.
func (a *Actor) awaitAck(log *slog.Logger, resultCh <-chan invocationResult, cause string) {
	if resultCh == nil {
		return
	}
	select {
	case <-resultCh:
	case <-time.After(a.grace):
		log.Warn("Handler did not acknowledge stop within grace interval, abandoning",
			"cause", cause, "grace", a.grace)
	}
}
