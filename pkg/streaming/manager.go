package streaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/dgate/pkg/config"
	"github.com/codeready-toolchain/dgate/pkg/handler"
	"github.com/codeready-toolchain/dgate/pkg/metrics"
	"github.com/codeready-toolchain/dgate/pkg/models"
)

// Manager errors surfaced to the engine and the session admin API.
var (
	ErrStreamingDisabled = errors.New("streaming is disabled")
	ErrTooManySessions   = errors.New("maximum concurrent streaming sessions reached")
	ErrSessionNotFound   = errors.New("session not found")
)

// Manager registers streaming sessions and owns their TTL sweeper. It holds
// only live sessions; terminal sessions are deregistered.
type Manager struct {
	cfg     *config.StreamingConfig
	egress  map[models.ChannelType]Egress
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionActor

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a session manager publishing through the given egress
// channels.
func NewManager(cfg *config.StreamingConfig, egress map[models.ChannelType]Egress, m *metrics.Metrics) *Manager {
	return &Manager{
		cfg:      cfg,
		egress:   egress,
		metrics:  m,
		logger:   slog.With("component", "streaming"),
		sessions: make(map[string]*sessionActor),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the TTL sweeper.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.sweep()
}

// StartSession admits a producer into a new session. Implements the engine's
// SessionStarter.
func (m *Manager) StartSession(inv *handler.Invocation, handlerID string, producer handler.StreamProducer) (*models.StreamingSession, error) {
	if !m.cfg.IsEnabled() {
		return nil, ErrStreamingDisabled
	}

	channels := m.resolveChannels(inv.Config)
	now := time.Now()
	sess := models.StreamingSession{
		SessionID:        "ses-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12],
		HandlerID:        handlerID,
		RequestID:        inv.Request.RequestID,
		UserID:           inv.Request.ResolvedUserID,
		HandlerType:      inv.Config.HandlerClass,
		Status:           models.SessionStarting,
		TTLMinutes:       m.sessionTTLMinutes(inv.Config.TTLMinutes),
		StartedAt:        now,
		LastUpdateAt:     now,
		ResponseChannels: channels,
	}

	actor := newSessionActor(sess, producer, m.egress, m.cfg.MaxPublishRetries, m.metrics)

	m.mu.Lock()
	if len(m.sessions) >= m.cfg.MaxConcurrentSessions {
		m.mu.Unlock()
		return nil, ErrTooManySessions
	}
	m.sessions[sess.SessionID] = actor
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.StreamingSessionsLive.Inc()
	}
	m.logger.Info("Streaming session started",
		"session_id", sess.SessionID, "request_id", sess.RequestID,
		"user", sess.UserID, "channels", channelNames(channels))

	actor.start()
	m.wg.Add(1)
	go m.reap(actor)

	out := actor.snapshot()
	return &out, nil
}

// reap waits for the actor to finish and deregisters it.
func (m *Manager) reap(a *sessionActor) {
	defer m.wg.Done()
	<-a.done
	m.mu.Lock()
	delete(m.sessions, a.sess.SessionID)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.StreamingSessionsLive.Dec()
	}
	final := a.snapshot()
	m.logger.Info("Streaming session ended",
		"session_id", final.SessionID, "status", string(final.Status),
		"updates", final.UpdateCount)
}

// StopSession ends a session with the given reason.
func (m *Manager) StopSession(sessionID string, reason models.StopReason) error {
	return m.sendCommand(sessionID, command{kind: cmdStop, reason: reason})
}

// PauseSession suppresses update dispatch until resumed.
func (m *Manager) PauseSession(sessionID string) error {
	return m.sendCommand(sessionID, command{kind: cmdPause})
}

// ResumeSession re-enables update dispatch for a paused session.
func (m *Manager) ResumeSession(sessionID string) error {
	return m.sendCommand(sessionID, command{kind: cmdResume})
}

// Heartbeat refreshes the session idle clock without an update.
func (m *Manager) Heartbeat(sessionID string) error {
	return m.sendCommand(sessionID, command{kind: cmdHeartbeat})
}

func (m *Manager) sendCommand(sessionID string, cmd command) error {
	m.mu.Lock()
	a, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if !a.send(cmd) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

// Get returns a copy of a live session.
func (m *Manager) Get(sessionID string) (*models.StreamingSession, bool) {
	m.mu.Lock()
	a, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	sess := a.snapshot()
	return &sess, true
}

// List returns copies of all live sessions, ordered by start time.
func (m *Manager) List() []models.StreamingSession {
	m.mu.Lock()
	actors := make([]*sessionActor, 0, len(m.sessions))
	for _, a := range m.sessions {
		actors = append(actors, a)
	}
	m.mu.Unlock()

	out := make([]models.StreamingSession, 0, len(actors))
	for _, a := range actors {
		out = append(out, a.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown stops the sweeper and every live session, waiting up to ctx for
// terminal responses to go out.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stopOnce.Do(func() { close(m.stopCh) })

	for _, sess := range m.List() {
		_ = m.StopSession(sess.SessionID, models.StopCancelled)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Streaming shutdown deadline exceeded", "live", m.Count())
	}
}

// sweep stops sessions idle past their TTL.
func (m *Manager) sweep() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			for _, sess := range m.List() {
				if sess.Expired(now) {
					m.logger.Info("Stopping expired streaming session",
						"session_id", sess.SessionID,
						"idle", now.Sub(sess.LastUpdateAt).String())
					_ = m.StopSession(sess.SessionID, models.StopTimedOut)
				}
			}
		case <-m.stopCh:
			return
		}
	}
}

// resolveChannels picks the session's response channels: the binding's, then
// the configured defaults, then WebSocket. Channels without a configured
// egress are dropped at admission.
func (m *Manager) resolveChannels(cfg *models.HandlerConfig) []models.ChannelType {
	requested := cfg.DefaultResponseChannels
	if len(requested) == 0 {
		requested = m.cfg.DefaultChannels
	}
	if len(requested) == 0 {
		requested = []models.ChannelType{models.ChannelWebSocket}
	}
	out := make([]models.ChannelType, 0, len(requested))
	for _, ch := range requested {
		if _, ok := m.egress[ch]; ok {
			out = append(out, ch)
		} else {
			m.logger.Warn("Dropping response channel with no configured egress", "channel", ch)
		}
	}
	return out
}

// sessionTTLMinutes picks the session TTL: the binding's ttl_minutes when
// set, the configured default otherwise, clamped to the configured maximum.
func (m *Manager) sessionTTLMinutes(bindingTTL int) int {
	ttl := bindingTTL
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTLMinutes
	}
	if m.cfg.MaxTTLMinutes > 0 && ttl > m.cfg.MaxTTLMinutes {
		ttl = m.cfg.MaxTTLMinutes
	}
	return ttl
}

func channelNames(chs []models.ChannelType) string {
	names := make([]string, len(chs))
	for i, c := range chs {
		names[i] = string(c)
	}
	return strings.Join(names, ",")
}
