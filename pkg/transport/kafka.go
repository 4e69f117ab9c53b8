package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/codeready-toolchain/dgate/pkg/config"
	"github.com/codeready-toolchain/dgate/pkg/metrics"
	"github.com/codeready-toolchain/dgate/pkg/models"
)

const kafkaTransportName = "kafka"

// KafkaPublisher publishes envelopes through a sarama sync producer. Acks and
// compression follow the configured enumerations; messages carrying a
// session_id header are keyed by it so updates for one session stay ordered
// within a partition.
type KafkaPublisher struct {
	cfg     *config.KafkaConfig
	rc      *reconnector
	metrics *metrics.Metrics

	mu       sync.Mutex
	producer sarama.SyncProducer
}

func NewKafkaPublisher(cfg *config.KafkaConfig, m *metrics.Metrics) *KafkaPublisher {
	return &KafkaPublisher{
		cfg:     cfg,
		rc:      newReconnector(kafkaTransportName, cfg.Reconnect.Initial(), cfg.Reconnect.Max(), m),
		metrics: m,
	}
}

func (p *KafkaPublisher) Name() string { return kafkaTransportName }

func (p *KafkaPublisher) Connect(_ context.Context) error {
	p.rc.maintain(p.dial, nil)
	return nil
}

func (p *KafkaPublisher) dial() error {
	sc, err := newSaramaConfig(p.cfg)
	if err != nil {
		return err
	}
	producer, err := sarama.NewSyncProducer(p.cfg.BootstrapServers, sc)
	if err != nil {
		return fmt.Errorf("creating kafka producer: %w", err)
	}
	p.mu.Lock()
	p.producer = producer
	p.mu.Unlock()
	return nil
}

func (p *KafkaPublisher) IsConnected() bool { return p.rc.IsConnected() }

func (p *KafkaPublisher) Publish(_ context.Context, topic string, env *models.MessageEnvelope) error {
	p.mu.Lock()
	producer := p.producer
	p.mu.Unlock()
	if producer == nil || !p.rc.IsConnected() {
		return &PublishError{Transport: kafkaTransportName, Topic: topic, MessageID: env.MessageID, Err: ErrNotConnected}
	}

	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Key:     sarama.StringEncoder(partitionKey(env)),
		Value:   sarama.ByteEncoder(env.Payload),
		Headers: kafkaHeaders(env),
	}
	if _, _, err := producer.SendMessage(msg); err != nil {
		if p.metrics != nil {
			p.metrics.PublishFailures.WithLabelValues(kafkaTransportName).Inc()
		}
		p.rc.notifyDown()
		return &PublishError{Transport: kafkaTransportName, Topic: topic, MessageID: env.MessageID, Err: err}
	}
	return nil
}

func (p *KafkaPublisher) Disconnect() error {
	p.rc.stop()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.producer != nil {
		err := p.producer.Close()
		p.producer = nil
		return err
	}
	return nil
}

// partitionKey picks the Kafka message key: session_id when present so one
// session's updates share a partition, request_id otherwise, falling back to
// the message id.
func partitionKey(env *models.MessageEnvelope) string {
	if v := env.Headers["session_id"]; v != "" {
		return v
	}
	if v := env.Headers["request_id"]; v != "" {
		return v
	}
	return env.MessageID
}

func kafkaHeaders(env *models.MessageEnvelope) []sarama.RecordHeader {
	hs := []sarama.RecordHeader{
		{Key: []byte("message_id"), Value: []byte(env.MessageID)},
		{Key: []byte("content_type"), Value: []byte(env.ContentType)},
	}
	for k, v := range env.Headers {
		hs = append(hs, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	return hs
}

// newSaramaConfig maps the validated config enumerations onto sarama.
func newSaramaConfig(cfg *config.KafkaConfig) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true

	switch cfg.Acks {
	case "0":
		sc.Producer.RequiredAcks = sarama.NoResponse
	case "1":
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	case "all", "":
		sc.Producer.RequiredAcks = sarama.WaitForAll
	default:
		return nil, fmt.Errorf("unsupported kafka acks value %q", cfg.Acks)
	}

	switch cfg.Compression {
	case "none", "":
		sc.Producer.Compression = sarama.CompressionNone
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		return nil, fmt.Errorf("unsupported kafka compression %q", cfg.Compression)
	}

	if cfg.BatchSize > 0 {
		sc.Producer.Flush.Bytes = cfg.BatchSize
	}
	if cfg.LingerMs > 0 {
		sc.Producer.Flush.Frequency = time.Duration(cfg.LingerMs) * time.Millisecond
	}

	tlsCfg, err := newTLSConfig(cfg.SSL)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = tlsCfg
	}
	return sc, nil
}

// KafkaSubscriber consumes topics through a sarama consumer group. The group
// session re-joins on rebalance; the reconnector redials when the group
// client itself fails.
type KafkaSubscriber struct {
	cfg     *config.KafkaConfig
	rc      *reconnector
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	group     sarama.ConsumerGroup
	listeners map[string]Listener
	cancel    context.CancelFunc
	consumeWG sync.WaitGroup
}

func NewKafkaSubscriber(cfg *config.KafkaConfig, m *metrics.Metrics) *KafkaSubscriber {
	return &KafkaSubscriber{
		cfg:       cfg,
		rc:        newReconnector(kafkaTransportName, cfg.Reconnect.Initial(), cfg.Reconnect.Max(), m),
		logger:    slog.With("transport", kafkaTransportName),
		metrics:   m,
		listeners: make(map[string]Listener),
	}
}

func (s *KafkaSubscriber) Connect(_ context.Context) error {
	s.rc.maintain(s.dial, s.startConsuming)
	return nil
}

func (s *KafkaSubscriber) IsConnected() bool { return s.rc.IsConnected() }

func (s *KafkaSubscriber) dial() error {
	sc, err := newSaramaConfig(s.cfg)
	if err != nil {
		return err
	}
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	group, err := sarama.NewConsumerGroup(s.cfg.BootstrapServers, s.cfg.ConsumerGroup, sc)
	if err != nil {
		return fmt.Errorf("creating kafka consumer group: %w", err)
	}
	s.mu.Lock()
	s.group = group
	s.mu.Unlock()
	return nil
}

func (s *KafkaSubscriber) Subscribe(topic string, l Listener) error {
	s.mu.Lock()
	s.listeners[topic] = l
	s.mu.Unlock()
	s.restartConsuming()
	return nil
}

func (s *KafkaSubscriber) Unsubscribe(topic string) error {
	s.mu.Lock()
	delete(s.listeners, topic)
	s.mu.Unlock()
	s.restartConsuming()
	return nil
}

func (s *KafkaSubscriber) Disconnect() error {
	s.rc.stop()
	s.stopConsuming()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.group != nil {
		err := s.group.Close()
		s.group = nil
		return err
	}
	return nil
}

// restartConsuming bounces the consume loop so the group session picks up
// the changed topic set.
func (s *KafkaSubscriber) restartConsuming() {
	if !s.rc.IsConnected() {
		return
	}
	s.stopConsuming()
	s.startConsuming()
}

func (s *KafkaSubscriber) stopConsuming() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.consumeWG.Wait()
}

func (s *KafkaSubscriber) startConsuming() {
	s.mu.Lock()
	group := s.group
	topics := make([]string, 0, len(s.listeners))
	for t := range s.listeners {
		topics = append(topics, t)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	if group == nil || len(topics) == 0 {
		return
	}

	s.consumeWG.Add(1)
	go func() {
		defer s.consumeWG.Done()
		for {
			// Consume returns on rebalance; loop to re-join.
			if err := group.Consume(ctx, topics, s); err != nil {
				s.logger.Warn("Kafka consume session ended", "error", err)
				s.rc.notifyDown()
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
}

// Setup implements sarama.ConsumerGroupHandler.
func (s *KafkaSubscriber) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup implements sarama.ConsumerGroupHandler.
func (s *KafkaSubscriber) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim implements sarama.ConsumerGroupHandler.
func (s *KafkaSubscriber) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	s.mu.Lock()
	l := s.listeners[claim.Topic()]
	s.mu.Unlock()

	for msg := range claim.Messages() {
		if l != nil {
			l(session.Context(), envelopeFromKafka(msg))
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

func envelopeFromKafka(msg *sarama.ConsumerMessage) *models.MessageEnvelope {
	env := &models.MessageEnvelope{
		Timestamp: msg.Timestamp,
		Payload:   msg.Value,
		Headers:   make(map[string]string, len(msg.Headers)),
	}
	for _, h := range msg.Headers {
		switch string(h.Key) {
		case "message_id":
			env.MessageID = string(h.Value)
		case "content_type":
			env.ContentType = string(h.Value)
		default:
			env.Headers[string(h.Key)] = string(h.Value)
		}
	}
	if env.ContentType == "" {
		env.ContentType = "application/json"
	}
	return env
}
