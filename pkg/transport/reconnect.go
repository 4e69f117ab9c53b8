package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/codeready-toolchain/dgate/pkg/metrics"
)

var errReconnectorStopped = errors.New("reconnector stopped")

// reconnector is the connection state machine shared by all broker
// transports. It owns the dial loop: exponential backoff with jitter between
// attempts, a single CONNECTED state while the link is up, and a redial when
// the transport reports the link down.
type reconnector struct {
	transport string
	initial   time.Duration
	max       time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger

	state    atomic.Int32
	down     chan struct{}
	stopCh   chan struct{}
	stopCtx  context.Context // cancelled on stop, aborts in-flight backoff waits
	stopFn   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newReconnector(transport string, initial, max time.Duration, m *metrics.Metrics) *reconnector {
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &reconnector{
		transport: transport,
		initial:   initial,
		max:       max,
		metrics:   m,
		logger:    slog.With("transport", transport),
		down:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		stopCtx:   ctx,
		stopFn:    cancel,
	}
}

func (r *reconnector) State() ConnectionState {
	return ConnectionState(r.state.Load())
}

func (r *reconnector) IsConnected() bool {
	return r.State() == StateConnected
}

func (r *reconnector) setState(s ConnectionState) {
	r.state.Store(int32(s))
}

// notifyDown tells the dial loop the link dropped. Safe to call from any
// goroutine, any number of times per outage.
func (r *reconnector) notifyDown() {
	select {
	case r.down <- struct{}{}:
	default:
	}
}

// maintain runs the dial loop until stop. dial establishes one connection;
// onUp restores topology (resubscribes) after each successful dial.
func (r *reconnector) maintain(dial func() error, onUp func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			// Drain stale down signals from the previous link before dialing.
			select {
			case <-r.down:
			default:
			}
			if err := r.connectWithBackoff(dial); err != nil {
				return
			}
			r.setState(StateConnected)
			r.logger.Info("Transport connected")
			if onUp != nil {
				onUp()
			}
			select {
			case <-r.down:
				r.setState(StateDisconnected)
				r.logger.Warn("Transport connection lost, reconnecting")
				continue
			case <-r.stopCh:
				return
			}
		}
	}()
}

func (r *reconnector) connectWithBackoff(dial func() error) error {
	r.setState(StateConnecting)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.initial
	bo.MaxInterval = r.max
	bo.MaxElapsedTime = 0 // retry until stopped

	// The stop context interrupts the wait between attempts, so stop never
	// blocks behind a long backoff interval.
	return backoff.Retry(func() error {
		select {
		case <-r.stopCh:
			return backoff.Permanent(errReconnectorStopped)
		default:
		}
		if err := dial(); err != nil {
			r.setState(StateError)
			if r.metrics != nil {
				r.metrics.PublisherReconnects.WithLabelValues(r.transport).Inc()
			}
			r.logger.Warn("Transport dial failed", "error", err)
			r.setState(StateConnecting)
			return err
		}
		return nil
	}, backoff.WithContext(bo, r.stopCtx))
}

// stop ends the dial loop and waits for it to exit.
func (r *reconnector) stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.stopFn()
	})
	r.wg.Wait()
	r.setState(StateDisconnected)
}
