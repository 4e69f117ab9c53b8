package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"

	"github.com/codeready-toolchain/dgate/pkg/config"
	"github.com/codeready-toolchain/dgate/pkg/metrics"
	"github.com/codeready-toolchain/dgate/pkg/models"
)

const stompTransportName = "activemq"

// parseBrokerAddr strips an optional scheme from the broker URL and reports
// whether it asked for TLS. Accepted forms: host:port, tcp://host:port,
// ssl://host:port, stomp://host:port, stomp+ssl://host:port.
func parseBrokerAddr(brokerURL string) (addr string, useTLS bool, err error) {
	addr = brokerURL
	if i := strings.Index(brokerURL, "://"); i >= 0 {
		scheme := brokerURL[:i]
		addr = brokerURL[i+3:]
		switch scheme {
		case "tcp", "stomp":
		case "ssl", "stomp+ssl":
			useTLS = true
		default:
			return "", false, fmt.Errorf("unsupported broker scheme %q", scheme)
		}
	}
	if _, _, splitErr := net.SplitHostPort(addr); splitErr != nil {
		return "", false, fmt.Errorf("broker url %q: %w", brokerURL, splitErr)
	}
	return addr, useTLS, nil
}

func dialSTOMP(cfg *config.ActiveMQConfig) (*stomp.Conn, error) {
	addr, useTLS, err := parseBrokerAddr(cfg.BrokerURL)
	if err != nil {
		return nil, err
	}

	var netConn net.Conn
	if useTLS || (cfg.SSL != nil && cfg.SSL.Enabled) {
		tlsCfg, err := newTLSConfig(cfg.SSL)
		if err != nil {
			return nil, err
		}
		if tlsCfg == nil {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		netConn, err = tls.Dial("tcp", addr, tlsCfg)
		if err != nil {
			return nil, fmt.Errorf("dialing stomp broker: %w", err)
		}
	} else {
		netConn, err = net.DialTimeout("tcp", addr, 10*time.Second)
		if err != nil {
			return nil, fmt.Errorf("dialing stomp broker: %w", err)
		}
	}

	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.HeartBeat(30*time.Second, 30*time.Second),
	}
	if cfg.Username != "" {
		opts = append(opts, stomp.ConnOpt.Login(cfg.Username, cfg.Password))
	}
	if cfg.ClientID != "" {
		opts = append(opts, stomp.ConnOpt.Header("client-id", cfg.ClientID))
	}
	conn, err := stomp.Connect(netConn, opts...)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("stomp handshake: %w", err)
	}
	return conn, nil
}

// STOMPPublisher publishes to ActiveMQ queues over STOMP, requesting a
// broker receipt for every send.
type STOMPPublisher struct {
	cfg     *config.ActiveMQConfig
	rc      *reconnector
	metrics *metrics.Metrics

	mu   sync.Mutex
	conn *stomp.Conn
}

func NewSTOMPPublisher(cfg *config.ActiveMQConfig, m *metrics.Metrics) *STOMPPublisher {
	return &STOMPPublisher{
		cfg:     cfg,
		rc:      newReconnector(stompTransportName, cfg.Reconnect.Initial(), cfg.Reconnect.Max(), m),
		metrics: m,
	}
}

func (p *STOMPPublisher) Name() string { return stompTransportName }

func (p *STOMPPublisher) Connect(_ context.Context) error {
	p.rc.maintain(p.dial, nil)
	return nil
}

func (p *STOMPPublisher) dial() error {
	conn, err := dialSTOMP(p.cfg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	return nil
}

func (p *STOMPPublisher) IsConnected() bool { return p.rc.IsConnected() }

func (p *STOMPPublisher) Publish(_ context.Context, topic string, env *models.MessageEnvelope) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil || !p.rc.IsConnected() {
		return &PublishError{Transport: stompTransportName, Topic: topic, MessageID: env.MessageID, Err: ErrNotConnected}
	}

	sendOpts := []func(*frame.Frame) error{
		stomp.SendOpt.Receipt,
		stomp.SendOpt.Header("message_id", env.MessageID),
	}
	for k, v := range env.Headers {
		sendOpts = append(sendOpts, stomp.SendOpt.Header(k, v))
	}
	if err := conn.Send("/queue/"+topic, env.ContentType, env.Payload, sendOpts...); err != nil {
		if p.metrics != nil {
			p.metrics.PublishFailures.WithLabelValues(stompTransportName).Inc()
		}
		p.rc.notifyDown()
		return &PublishError{Transport: stompTransportName, Topic: topic, MessageID: env.MessageID, Err: err}
	}
	return nil
}

func (p *STOMPPublisher) Disconnect() error {
	p.rc.stop()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		err := p.conn.Disconnect()
		p.conn = nil
		return err
	}
	return nil
}

// STOMPSubscriber consumes ActiveMQ queues with client acks, resubscribing
// after every redial.
type STOMPSubscriber struct {
	cfg    *config.ActiveMQConfig
	rc     *reconnector
	logger *slog.Logger

	mu        sync.Mutex
	conn      *stomp.Conn
	listeners map[string]Listener
	subs      map[string]*stomp.Subscription
	wg        sync.WaitGroup
}

func NewSTOMPSubscriber(cfg *config.ActiveMQConfig, m *metrics.Metrics) *STOMPSubscriber {
	return &STOMPSubscriber{
		cfg:       cfg,
		rc:        newReconnector(stompTransportName, cfg.Reconnect.Initial(), cfg.Reconnect.Max(), m),
		logger:    slog.With("transport", stompTransportName),
		listeners: make(map[string]Listener),
		subs:      make(map[string]*stomp.Subscription),
	}
}

func (s *STOMPSubscriber) Connect(_ context.Context) error {
	s.rc.maintain(s.dial, s.restoreTopology)
	return nil
}

func (s *STOMPSubscriber) IsConnected() bool { return s.rc.IsConnected() }

func (s *STOMPSubscriber) dial() error {
	conn, err := dialSTOMP(s.cfg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.subs = make(map[string]*stomp.Subscription)
	s.mu.Unlock()
	return nil
}

func (s *STOMPSubscriber) Subscribe(queue string, l Listener) error {
	s.mu.Lock()
	s.listeners[queue] = l
	connected := s.rc.IsConnected()
	s.mu.Unlock()
	if connected {
		return s.subscribe(queue, l)
	}
	return nil
}

func (s *STOMPSubscriber) Unsubscribe(queue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, queue)
	if sub, ok := s.subs[queue]; ok {
		delete(s.subs, queue)
		return sub.Unsubscribe()
	}
	return nil
}

func (s *STOMPSubscriber) restoreTopology() {
	s.mu.Lock()
	subs := make(map[string]Listener, len(s.listeners))
	for q, l := range s.listeners {
		subs[q] = l
	}
	s.mu.Unlock()

	for q, l := range subs {
		if err := s.subscribe(q, l); err != nil {
			s.logger.Error("Failed to restore subscription", "queue", q, "error", err)
			s.rc.notifyDown()
			return
		}
	}
}

func (s *STOMPSubscriber) subscribe(queue string, l Listener) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	sub, err := conn.Subscribe("/queue/"+queue, stomp.AckClientIndividual)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", queue, err)
	}
	s.mu.Lock()
	s.subs[queue] = sub
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for msg := range sub.C {
			if msg.Err != nil {
				s.logger.Warn("Subscription errored", "queue", queue, "error", msg.Err)
				s.rc.notifyDown()
				return
			}
			l(context.Background(), envelopeFromSTOMP(msg))
			if err := conn.Ack(msg); err != nil {
				s.logger.Warn("Failed to ack message", "queue", queue, "error", err)
			}
		}
	}()
	return nil
}

func (s *STOMPSubscriber) Disconnect() error {
	s.rc.stop()
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.subs = make(map[string]*stomp.Subscription)
	s.mu.Unlock()
	var err error
	if conn != nil {
		err = conn.Disconnect()
	}
	s.wg.Wait()
	return err
}

func envelopeFromSTOMP(msg *stomp.Message) *models.MessageEnvelope {
	env := &models.MessageEnvelope{
		ContentType: msg.ContentType,
		Payload:     msg.Body,
		Timestamp:   time.Now(),
		Headers:     make(map[string]string),
	}
	if msg.Header != nil {
		for i := 0; i < msg.Header.Len(); i++ {
			k, v := msg.Header.GetAt(i)
			switch k {
			case "message_id":
				env.MessageID = v
			case "content-type", "destination", "subscription", "ack", "message-id":
				// frame bookkeeping, not application headers
			default:
				env.Headers[k] = v
			}
		}
	}
	if env.ContentType == "" {
		env.ContentType = "application/json"
	}
	return env
}
