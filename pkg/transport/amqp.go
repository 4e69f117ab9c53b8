package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/codeready-toolchain/dgate/pkg/config"
	"github.com/codeready-toolchain/dgate/pkg/metrics"
	"github.com/codeready-toolchain/dgate/pkg/models"
)

const amqpTransportName = "amqp"

// amqpConn holds one dialed connection and its channel. Replaced wholesale
// on every redial.
type amqpConn struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	confirms chan amqp.Confirmation
}

func dialAMQP(cfg *config.AMQPConfig, confirm bool) (*amqpConn, error) {
	tlsCfg, err := newTLSConfig(cfg.SSL)
	if err != nil {
		return nil, err
	}
	scheme := "amqp"
	if tlsCfg != nil {
		scheme = "amqps"
	}
	url := fmt.Sprintf("%s://%s:%s@%s:%d%s",
		scheme, cfg.Username, cfg.Password, cfg.Host, cfg.Port, vhostPath(cfg.VirtualHost))

	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat:       time.Duration(cfg.HeartbeatS) * time.Second,
		TLSClientConfig: tlsCfg,
		Dial:            amqp.DefaultDial(time.Duration(cfg.ConnectionTimeoutMs) * time.Millisecond),
	})
	if err != nil {
		return nil, fmt.Errorf("dialing amqp broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening amqp channel: %w", err)
	}

	ac := &amqpConn{conn: conn, channel: ch}
	if confirm {
		if err := ch.Confirm(false); err != nil {
			conn.Close()
			return nil, fmt.Errorf("enabling publisher confirms: %w", err)
		}
		ac.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	}
	return ac, nil
}

func vhostPath(vhost string) string {
	if vhost == "" || vhost == "/" {
		return "/"
	}
	return "/" + vhost
}

// AMQPPublisher publishes persistent messages to the configured exchange,
// routed by topic. With confirm_publish enabled, Publish blocks until the
// broker confirms or nacks the delivery.
type AMQPPublisher struct {
	cfg     *config.AMQPConfig
	rc      *reconnector
	metrics *metrics.Metrics

	mu sync.Mutex
	ac *amqpConn
}

func NewAMQPPublisher(cfg *config.AMQPConfig, m *metrics.Metrics) *AMQPPublisher {
	// The broker-side recovery interval doubles as the redial floor.
	initial := cfg.Reconnect.Initial()
	if iv := cfg.NetworkRecoveryInterval(); iv > initial {
		initial = iv
	}
	return &AMQPPublisher{
		cfg:     cfg,
		rc:      newReconnector(amqpTransportName, initial, cfg.Reconnect.Max(), m),
		metrics: m,
	}
}

func (p *AMQPPublisher) Name() string { return amqpTransportName }

func (p *AMQPPublisher) Connect(_ context.Context) error {
	p.rc.maintain(p.dial, nil)
	return nil
}

func (p *AMQPPublisher) dial() error {
	ac, err := dialAMQP(p.cfg, p.cfg.ConfirmPublish)
	if err != nil {
		return err
	}
	closed := ac.conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err, ok := <-closed; ok && err != nil {
			p.rc.notifyDown()
		}
	}()
	p.mu.Lock()
	p.ac = ac
	p.mu.Unlock()
	return nil
}

func (p *AMQPPublisher) IsConnected() bool { return p.rc.IsConnected() }

func (p *AMQPPublisher) Publish(ctx context.Context, topic string, env *models.MessageEnvelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ac == nil || !p.rc.IsConnected() {
		return &PublishError{Transport: amqpTransportName, Topic: topic, MessageID: env.MessageID, Err: ErrNotConnected}
	}

	headers := make(amqp.Table, len(env.Headers))
	for k, v := range env.Headers {
		headers[k] = v
	}
	err := p.ac.channel.PublishWithContext(ctx, p.cfg.Exchange, topic, false, false, amqp.Publishing{
		MessageId:    env.MessageID,
		Timestamp:    env.Timestamp,
		ContentType:  env.ContentType,
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Body:         env.Payload,
	})
	if err == nil && p.ac.confirms != nil {
		err = p.awaitConfirm(ctx)
	}
	if err != nil {
		if p.metrics != nil {
			p.metrics.PublishFailures.WithLabelValues(amqpTransportName).Inc()
		}
		return &PublishError{Transport: amqpTransportName, Topic: topic, MessageID: env.MessageID, Err: err}
	}
	return nil
}

// awaitConfirm waits for the broker's ack for the in-flight publish. The
// publisher lock is held, so confirms arrive in publish order.
func (p *AMQPPublisher) awaitConfirm(ctx context.Context) error {
	select {
	case c, ok := <-p.ac.confirms:
		if !ok {
			return ErrNotConnected
		}
		if !c.Ack {
			return fmt.Errorf("broker nacked delivery %d", c.DeliveryTag)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *AMQPPublisher) Disconnect() error {
	p.rc.stop()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ac != nil {
		err := p.ac.conn.Close()
		p.ac = nil
		return err
	}
	return nil
}

// AMQPSubscriber consumes durable queues bound to the configured exchange.
// Queue topology is re-declared after every redial.
type AMQPSubscriber struct {
	cfg    *config.AMQPConfig
	rc     *reconnector
	logger *slog.Logger

	mu        sync.Mutex
	ac        *amqpConn
	listeners map[string]Listener
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewAMQPSubscriber(cfg *config.AMQPConfig, m *metrics.Metrics) *AMQPSubscriber {
	initial := cfg.Reconnect.Initial()
	if iv := cfg.NetworkRecoveryInterval(); iv > initial {
		initial = iv
	}
	return &AMQPSubscriber{
		cfg:       cfg,
		rc:        newReconnector(amqpTransportName, initial, cfg.Reconnect.Max(), m),
		logger:    slog.With("transport", amqpTransportName),
		listeners: make(map[string]Listener),
	}
}

func (s *AMQPSubscriber) Connect(_ context.Context) error {
	s.rc.maintain(s.dial, s.restoreTopology)
	return nil
}

func (s *AMQPSubscriber) IsConnected() bool { return s.rc.IsConnected() }

func (s *AMQPSubscriber) dial() error {
	ac, err := dialAMQP(s.cfg, false)
	if err != nil {
		return err
	}
	closed := ac.conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err, ok := <-closed; ok && err != nil {
			s.rc.notifyDown()
		}
	}()
	s.mu.Lock()
	s.ac = ac
	s.mu.Unlock()
	return nil
}

func (s *AMQPSubscriber) Subscribe(queue string, l Listener) error {
	s.mu.Lock()
	s.listeners[queue] = l
	connected := s.rc.IsConnected()
	s.mu.Unlock()
	if connected {
		return s.consume(queue, l)
	}
	return nil
}

func (s *AMQPSubscriber) Unsubscribe(queue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, queue)
	if s.ac != nil {
		return s.ac.channel.Cancel(consumerTag(queue), false)
	}
	return nil
}

// restoreTopology re-declares every subscribed queue and restarts its
// consumer after a redial.
func (s *AMQPSubscriber) restoreTopology() {
	s.mu.Lock()
	subs := make(map[string]Listener, len(s.listeners))
	for q, l := range s.listeners {
		subs[q] = l
	}
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	for q, l := range subs {
		if err := s.consumeCtx(ctx, q, l); err != nil {
			s.logger.Error("Failed to restore queue consumer", "queue", q, "error", err)
			s.rc.notifyDown()
			return
		}
	}
}

func (s *AMQPSubscriber) consume(queue string, l Listener) error {
	s.mu.Lock()
	ctx := context.Background()
	if s.cancel == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(context.Background())
		s.cancel = cancel
	}
	s.mu.Unlock()
	return s.consumeCtx(ctx, queue, l)
}

func (s *AMQPSubscriber) consumeCtx(ctx context.Context, queue string, l Listener) error {
	s.mu.Lock()
	ac := s.ac
	s.mu.Unlock()
	if ac == nil {
		return ErrNotConnected
	}

	if _, err := ac.channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue %s: %w", queue, err)
	}
	if s.cfg.Exchange != "" {
		if err := ac.channel.QueueBind(queue, queue, s.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("binding queue %s: %w", queue, err)
		}
	}
	deliveries, err := ac.channel.Consume(queue, consumerTag(queue), false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming queue %s: %w", queue, err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				l(ctx, envelopeFromAMQP(&d))
				if err := d.Ack(false); err != nil {
					s.logger.Warn("Failed to ack delivery", "queue", queue, "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (s *AMQPSubscriber) Disconnect() error {
	s.rc.stop()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	ac := s.ac
	s.ac = nil
	s.mu.Unlock()
	s.wg.Wait()
	if ac != nil {
		return ac.conn.Close()
	}
	return nil
}

func consumerTag(queue string) string {
	return "dgate-" + queue
}

func envelopeFromAMQP(d *amqp.Delivery) *models.MessageEnvelope {
	env := &models.MessageEnvelope{
		MessageID:   d.MessageId,
		Timestamp:   d.Timestamp,
		ContentType: d.ContentType,
		Payload:     d.Body,
		Headers:     make(map[string]string, len(d.Headers)),
	}
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			env.Headers[k] = s
		}
	}
	if env.ContentType == "" {
		env.ContentType = "application/json"
	}
	return env
}
