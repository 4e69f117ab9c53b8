// Package streaming manages long-lived streaming sessions: one actor per
// session fanning updates out to the session's response channels.
package streaming

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/codeready-toolchain/dgate/pkg/handler"
	"github.com/codeready-toolchain/dgate/pkg/metrics"
	"github.com/codeready-toolchain/dgate/pkg/models"
	"github.com/codeready-toolchain/dgate/pkg/transport"
)

const mailboxCapacity = 64

type commandKind int

const (
	cmdUpdate commandKind = iota
	cmdPause
	cmdResume
	cmdStop
	cmdHeartbeat
)

type command struct {
	kind    commandKind
	payload map[string]any
	reason  models.StopReason
}

// Egress pairs a publisher with its destination. An empty Topic means the
// destination is per-request: the WebSocket hub addresses the submitting
// socket by the request id it subscribed before dispatch began.
type Egress struct {
	Publisher transport.Publisher
	Topic     string
}

// sessionActor owns one streaming session. All state mutations happen on the
// actor goroutine; snapshots are served under a small mutex.
type sessionActor struct {
	mu   sync.Mutex
	sess models.StreamingSession

	producer   handler.StreamProducer
	egress     map[models.ChannelType]Egress
	maxRetries int
	metrics    *metrics.Metrics
	logger     *slog.Logger

	commands chan command
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
}

func newSessionActor(
	sess models.StreamingSession,
	producer handler.StreamProducer,
	egress map[models.ChannelType]Egress,
	maxRetries int,
	m *metrics.Metrics,
) *sessionActor {
	return &sessionActor{
		sess:       sess,
		producer:   producer,
		egress:     egress,
		maxRetries: maxRetries,
		metrics:    m,
		logger:     slog.With("session_id", sess.SessionID, "request_id", sess.RequestID),
		commands:   make(chan command, mailboxCapacity),
		done:       make(chan struct{}),
	}
}

// snapshot returns a copy of the session state.
func (a *sessionActor) snapshot() models.StreamingSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sess
}

func (a *sessionActor) setStatus(s models.SessionStatus) {
	a.mu.Lock()
	a.sess.Status = s
	a.mu.Unlock()
}

func (a *sessionActor) touch(now time.Time) {
	a.mu.Lock()
	a.sess.LastUpdateAt = now
	a.mu.Unlock()
}

// send enqueues a command. Returns false once the session is terminal.
func (a *sessionActor) send(cmd command) bool {
	select {
	case <-a.done:
		return false
	default:
	}
	select {
	case a.commands <- cmd:
		return true
	case <-a.done:
		return false
	}
}

// start launches the actor loop and the producer goroutine.
func (a *sessionActor) start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	go a.loop()
	go func() {
		err := a.producer.Run(ctx, a.emit)
		switch {
		case err == nil:
			a.send(command{kind: cmdStop, reason: models.StopCompleted})
		case ctx.Err() != nil:
			// Stopped from outside; the stop command already carries
			// its reason.
		default:
			a.logger.Error("Streaming producer failed", "error", err)
			a.send(command{kind: cmdStop, reason: models.StopFailed})
		}
	}()
}

// emit is handed to the producer. It blocks on the mailbox, which bounds
// producer speed to dispatch speed.
func (a *sessionActor) emit(payload map[string]any) error {
	if !a.send(command{kind: cmdUpdate, payload: payload}) {
		return context.Canceled
	}
	return nil
}

func (a *sessionActor) loop() {
	// Every channel observes STREAMING_STARTED before the first update; the
	// mailbox orders the producer's emits behind the announcement. The
	// session stays STARTING until the announcement is out.
	a.announce()
	if len(a.liveChannels()) == 0 {
		a.logger.Error("All response channels failed, failing session")
		a.finish(models.StopFailed)
		return
	}
	a.setStatus(models.SessionActive)
	for cmd := range a.commands {
		switch cmd.kind {
		case cmdUpdate:
			a.handleUpdate(cmd.payload)
			select {
			case <-a.done:
				// All channels failed; the session finished itself.
				return
			default:
			}
		case cmdPause:
			if a.snapshot().Status == models.SessionActive {
				a.setStatus(models.SessionPaused)
			}
		case cmdResume:
			if a.snapshot().Status == models.SessionPaused {
				a.setStatus(models.SessionActive)
			}
		case cmdHeartbeat:
			a.touch(time.Now())
		case cmdStop:
			a.finish(cmd.reason)
			return
		}
	}
}

// announce publishes STREAMING_STARTED to every response channel. Channels
// that keep failing past max retries are dropped here, before any update.
func (a *sessionActor) announce() {
	resp := &models.DGResponse{
		RequestID: a.sess.RequestID,
		Status:    models.StatusStreamingStarted,
		Payload:   map[string]any{"session_id": a.sess.SessionID},
		EmittedAt: time.Now(),
	}
	a.dispatch(resp, true)
}

func (a *sessionActor) handleUpdate(payload map[string]any) {
	a.touch(time.Now())
	a.mu.Lock()
	a.sess.UpdateCount++
	paused := a.sess.Status == models.SessionPaused
	a.mu.Unlock()
	if paused {
		// Paused sessions consume updates without dispatching them.
		return
	}

	resp := &models.DGResponse{
		RequestID: a.sess.RequestID,
		Status:    models.StatusStreamingUpdate,
		Payload:   payload,
		EmittedAt: time.Now(),
	}
	a.dispatch(resp, true)

	if len(a.liveChannels()) == 0 {
		a.logger.Error("All response channels failed, failing session")
		a.finish(models.StopFailed)
	}
}

// finish publishes the terminal STREAMING_COMPLETE best-effort to every live
// channel, marks the session terminal, and releases waiters. Runs at most
// once.
func (a *sessionActor) finish(reason models.StopReason) {
	a.doneOnce.Do(func() {
		a.setStatus(models.SessionStopping)
		a.cancel()

		resp := &models.DGResponse{
			RequestID: a.sess.RequestID,
			Status:    models.StatusStreamingComplete,
			Payload:   map[string]any{"session_id": a.sess.SessionID, "reason": string(reason)},
			EmittedAt: time.Now(),
		}
		a.dispatch(resp, false)

		if reason == models.StopFailed {
			a.setStatus(models.SessionFailed)
		} else {
			a.setStatus(models.SessionStopped)
		}
		close(a.done)
	})
}

// dispatch publishes a response to every live channel in order. With retry
// enabled, a channel that keeps failing past max retries is removed from the
// session; terminal dispatch is single-shot best-effort.
func (a *sessionActor) dispatch(resp *models.DGResponse, retry bool) {
	env, err := models.EnvelopeForResponse(resp)
	if err != nil {
		a.logger.Error("Failed to encode streaming response", "error", err)
		return
	}
	env.Headers["session_id"] = a.sess.SessionID

	for _, ch := range a.liveChannels() {
		eg := a.egress[ch]
		topic := eg.Topic
		if topic == "" {
			topic = a.sess.RequestID
		}
		if err := a.publish(eg.Publisher, topic, env, retry); err != nil {
			if !retry {
				a.logger.Warn("Terminal publish failed", "channel", ch, "error", err)
				continue
			}
			a.dropChannel(ch, err)
			continue
		}
		if a.metrics != nil && resp.Status == models.StatusStreamingUpdate {
			a.metrics.StreamingUpdates.WithLabelValues(string(ch)).Inc()
		}
	}
}

func (a *sessionActor) publish(pub transport.Publisher, topic string, env *models.MessageEnvelope, retry bool) error {
	ctx := context.Background()
	if !retry {
		return pub.Publish(ctx, topic, env)
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
	), uint64(a.maxRetries))
	return backoff.Retry(func() error {
		return pub.Publish(ctx, topic, env)
	}, bo)
}

func (a *sessionActor) liveChannels() []models.ChannelType {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.ChannelType, len(a.sess.ResponseChannels))
	copy(out, a.sess.ResponseChannels)
	return out
}

func (a *sessionActor) dropChannel(ch models.ChannelType, err error) {
	a.logger.Warn("Removing failed response channel from session", "channel", ch, "error", err)
	if a.metrics != nil {
		a.metrics.StreamingChannelDrops.WithLabelValues(string(ch)).Inc()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	kept := a.sess.ResponseChannels[:0]
	for _, c := range a.sess.ResponseChannels {
		if c != ch {
			kept = append(kept, c)
		}
	}
	a.sess.ResponseChannels = kept
}
