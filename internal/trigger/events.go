package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// EventSource delivers named-topic events to event-kind triggers. The
// returned unsubscribe stops delivery to that handler.
type EventSource interface {
	Subscribe(topic string, handler func(payload map[string]interface{})) (func() error, error)
	Close() error
}

// InMemoryEventSource is a process-local EventSource for tests and the
// single-process runner.
type InMemoryEventSource struct {
	mu       sync.RWMutex
	handlers map[string]map[int]func(map[string]interface{})
	nextID   int
}

func NewInMemoryEventSource() *InMemoryEventSource {
	return &InMemoryEventSource{handlers: make(map[string]map[int]func(map[string]interface{}))}
}

func (s *InMemoryEventSource) Subscribe(topic string, handler func(payload map[string]interface{})) (func() error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers[topic] == nil {
		s.handlers[topic] = make(map[int]func(map[string]interface{}))
	}
	id := s.nextID
	s.nextID++
	s.handlers[topic][id] = handler
	return func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers[topic], id)
		return nil
	}, nil
}

// Emit delivers a payload to every subscriber of topic.
func (s *InMemoryEventSource) Emit(topic string, payload map[string]interface{}) {
	s.mu.RLock()
	handlers := make([]func(map[string]interface{}), 0, len(s.handlers[topic]))
	for _, h := range s.handlers[topic] {
		handlers = append(handlers, h)
	}
	s.mu.RUnlock()
	for _, h := range handlers {
		h(payload)
	}
}

func (s *InMemoryEventSource) Close() error { return nil }

// KafkaEventSource consumes event-trigger topics from Kafka. Each
// subscribed topic gets one consumer-group session; payloads are JSON
// objects.
type KafkaEventSource struct {
	brokers []string
	group   string
	logger  *zap.Logger

	mu      sync.Mutex
	cancels map[int]context.CancelFunc
	nextID  int
	closed  bool
}

// KafkaEventSourceConfig configures a KafkaEventSource.
type KafkaEventSourceConfig struct {
	Brokers       []string
	ConsumerGroup string
}

func NewKafkaEventSource(cfg KafkaEventSourceConfig, logger *zap.Logger) *KafkaEventSource {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	group := cfg.ConsumerGroup
	if group == "" {
		group = "flowmaestro-triggers"
	}
	return &KafkaEventSource{
		brokers: cfg.Brokers,
		group:   group,
		logger:  logger,
		cancels: make(map[int]context.CancelFunc),
	}
}

func (s *KafkaEventSource) Subscribe(topic string, handler func(payload map[string]interface{})) (func() error, error) {
	config := sarama.NewConfig()
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true
	config.Version = sarama.V3_3_1_0

	group, err := sarama.NewConsumerGroup(s.brokers, s.group, config)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		_ = group.Close()
		return nil, fmt.Errorf("event source closed")
	}
	id := s.nextID
	s.nextID++
	s.cancels[id] = cancel
	s.mu.Unlock()

	go func() {
		defer group.Close()
		consumer := &topicConsumer{handler: handler, logger: s.logger}
		for ctx.Err() == nil {
			if err := group.Consume(ctx, []string{topic}, consumer); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("kafka consume error", zap.String("topic", topic), zap.Error(err))
			}
		}
	}()

	return func() error {
		s.mu.Lock()
		if c, ok := s.cancels[id]; ok {
			c()
			delete(s.cancels, id)
		}
		s.mu.Unlock()
		return nil
	}, nil
}

func (s *KafkaEventSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, cancel := range s.cancels {
		cancel()
		delete(s.cancels, id)
	}
	return nil
}

// topicConsumer adapts a trigger handler to sarama's consumer-group
// session contract.
type topicConsumer struct {
	handler func(payload map[string]interface{})
	logger  *zap.Logger
}

func (c *topicConsumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *topicConsumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (c *topicConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		var payload map[string]interface{}
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			c.logger.Warn("dropping non-JSON event message",
				zap.String("topic", msg.Topic), zap.Error(err))
			session.MarkMessage(msg, "")
			continue
		}
		c.handler(payload)
		session.MarkMessage(msg, "")
	}
	return nil
}
