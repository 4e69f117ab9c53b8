package actor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codeready-toolchain/dgate/pkg/config"
	"github.com/codeready-toolchain/dgate/pkg/models"
)

// Sentinel errors for admission.
var (
	// ErrBackpressure indicates the worker pool and its mailbox are full.
	ErrBackpressure = errors.New("supervisor mailbox full")

	// ErrShuttingDown indicates the supervisor no longer accepts work.
	ErrShuttingDown = errors.New("supervisor shutting down")
)

// Supervisor owns the handler worker pool. It keeps min_pool_size workers
// alive, grows on demand to max_pool_size, and queues overflow on a bounded
// mailbox. A worker failing with an unexpected panic is contained by its
// actor; other workers are unaffected.
type Supervisor struct {
	cfg *config.ActorConfig

	queue    chan *Task
	baseCtx  context.Context
	baseStop context.CancelFunc

	// Actor registry for cancellation: handler_id → actor.
	mu     sync.Mutex
	actors map[string]*Actor

	workers   atomic.Int32 // live worker goroutines
	busy      atomic.Int32 // workers currently executing a task
	accepting atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// NewSupervisor creates a supervisor with the given pool configuration.
func NewSupervisor(cfg *config.ActorConfig) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		queue:  make(chan *Task, cfg.MailboxCapacity),
		actors: make(map[string]*Actor),
		stopCh: make(chan struct{}),
	}
}

// Start spawns the persistent workers. Safe to call once.
func (s *Supervisor) Start(ctx context.Context) {
	if s.started {
		slog.Warn("Supervisor already started, ignoring duplicate Start call")
		return
	}
	s.started = true
	s.baseCtx, s.baseStop = context.WithCancel(ctx)
	s.accepting.Store(true)

	for i := 0; i < s.cfg.MinPoolSize; i++ {
		s.spawnWorker(true)
	}
	slog.Info("Supervisor started",
		"min_pool_size", s.cfg.MinPoolSize,
		"max_pool_size", s.cfg.MaxPoolSize,
		"mailbox_capacity", s.cfg.MailboxCapacity)
}

// Submit admits a task. If every worker is busy and the mailbox is full the
// admission fails with ErrBackpressure without spawning a worker.
func (s *Supervisor) Submit(task *Task) error {
	if !s.accepting.Load() {
		return ErrShuttingDown
	}
	select {
	case s.queue <- task:
		s.maybeGrow()
		return nil
	default:
		return ErrBackpressure
	}
}

// Cancel delivers a Cancel command to the actor owning handlerID.
// Returns false when no such invocation is active.
func (s *Supervisor) Cancel(handlerID string) bool {
	s.mu.Lock()
	a, ok := s.actors[handlerID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return a.Cancel()
}

// Active returns the number of tasks currently executing.
func (s *Supervisor) Active() int { return int(s.busy.Load()) }

// Queued returns the number of tasks waiting in the mailbox.
func (s *Supervisor) Queued() int { return len(s.queue) }

// Workers returns the number of live worker goroutines.
func (s *Supervisor) Workers() int { return int(s.workers.Load()) }

// Accepting reports whether new work is admitted.
func (s *Supervisor) Accepting() bool { return s.accepting.Load() }

// Shutdown stops accepting work, waits for the mailbox and active
// invocations to drain until ctx expires, then cancels the remainder.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.accepting.Store(false)
	slog.Info("Supervisor draining", "active", s.Active(), "queued", s.Queued())

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
drain:
	for {
		if s.Active() == 0 && s.Queued() == 0 {
			break drain
		}
		select {
		case <-ctx.Done():
			slog.Warn("Drain deadline exceeded, cancelling remaining invocations",
				"active", s.Active(), "queued", s.Queued())
			s.cancelRemaining()
			break drain
		case <-ticker.C:
		}
	}

	s.stopOnce.Do(func() { close(s.stopCh) })
	s.baseStop()
	s.wg.Wait()
	slog.Info("Supervisor stopped")
}

// cancelRemaining fails queued tasks and cancels active actors.
func (s *Supervisor) cancelRemaining() {
	for {
		select {
		case task := <-s.queue:
			task.Sink.Complete(models.NewErrorResponse(
				task.Invocation.Request.RequestID, "server shutting down"))
			if task.Transition != nil {
				task.Transition(models.HandlerCancelled)
			}
		default:
			s.mu.Lock()
			for _, a := range s.actors {
				a.Cancel()
			}
			s.mu.Unlock()
			return
		}
	}
}

// maybeGrow spawns a transient worker when all live workers are busy and the
// pool is below max_pool_size.
func (s *Supervisor) maybeGrow() {
	for {
		workers := s.workers.Load()
		if workers >= int32(s.cfg.MaxPoolSize) {
			return
		}
		if s.busy.Load() < workers {
			return // an idle worker will pick the task up
		}
		if s.workers.CompareAndSwap(workers, workers+1) {
			s.startWorker(false)
			return
		}
	}
}

// spawnWorker starts a worker and counts it.
func (s *Supervisor) spawnWorker(persistent bool) {
	s.workers.Add(1)
	s.startWorker(persistent)
}

// startWorker launches the goroutine; the caller has already counted it.
func (s *Supervisor) startWorker(persistent bool) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.workers.Add(-1)
		for {
			select {
			case <-s.stopCh:
				return
			case task := <-s.queue:
				s.execute(task)
			default:
				if !persistent {
					return
				}
				select {
				case <-s.stopCh:
					return
				case task := <-s.queue:
					s.execute(task)
				}
			}
		}
	}()
}

// execute runs one task through its actor.
func (s *Supervisor) execute(task *Task) {
	s.busy.Add(1)
	defer s.busy.Add(-1)

	a := NewActor(task, s.cfg.CancelGracePeriod)
	s.mu.Lock()
	s.actors[task.HandlerID] = a
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.actors, task.HandlerID)
		s.mu.Unlock()
	}()

	a.Run(s.baseCtx)
}
