// Package events publishes session events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"live-transcription-service/internal/models"
	"live-transcription-service/internal/observability/metrics"
)

// Publisher publishes events to three topics: interim segment updates, final
// segment updates and everything else about a session's lifecycle.
type Publisher struct {
	writerPartial *kafka.Writer
	writerFinal   *kafka.Writer
	writerSession *kafka.Writer
	principal     string
	topicPartial  string
	topicFinal    string
	topicSession  string
	enabled       bool
	metrics       *metrics.Metrics
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers      []string `yaml:"brokers"`
	TopicPartial string   `yaml:"topicPartial"`
	TopicFinal   string   `yaml:"topicFinal"`
	TopicSession string   `yaml:"topicSession"`
	Principal    string   `yaml:"principal"`
	Enabled      bool     `yaml:"enabled"`
}

// New creates a publisher. Without brokers, or when disabled, events are only logged.
func New(cfg *Config) *Publisher {
	m := metrics.DefaultMetrics

	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{
			enabled: false,
			metrics: m,
		}
	}

	p := &Publisher{
		principal:    cfg.Principal,
		topicPartial: cfg.TopicPartial,
		topicFinal:   cfg.TopicFinal,
		topicSession: cfg.TopicSession,
		metrics:      m,
	}
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	// Longer dial timeout for DNS resolution in Kubernetes
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	p.writerPartial = newWriter(cfg.Brokers, cfg.TopicPartial, transport)
	p.writerFinal = newWriter(cfg.Brokers, cfg.TopicFinal, transport)
	p.writerSession = newWriter(cfg.Brokers, cfg.TopicSession, transport)
	p.enabled = true

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicPartial", cfg.TopicPartial).
		Str("topicFinal", cfg.TopicFinal).
		Str("topicSession", cfg.TopicSession).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return p
}

func newWriter(brokers []string, topic string, transport *kafka.Transport) *kafka.Writer {
	return &kafka.Writer{
		Addr:  kafka.TCP(brokers...),
		Topic: topic,
		// Hash keeps one session on one partition, so its events stay ordered.
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}
}

// Publish routes an event to its topic: interim segments to the partial topic,
// final segments to the final topic, everything else to the session topic.
func (p *Publisher) Publish(ctx context.Context, event models.Event) error {
	switch e := event.(type) {
	case models.TranscriptSegment:
		if e.IsFinal() {
			return p.PublishFinal(ctx, e.Key(), e)
		}
		return p.PublishPartial(ctx, e.Key(), e)
	default:
		return p.PublishSession(ctx, event.Key(), event.Type(), event)
	}
}

// PublishPartial publishes an interim segment update to the partial topic.
func (p *Publisher) PublishPartial(ctx context.Context, key string, event any) error {
	return p.publish(ctx, p.writerPartial, p.topicPartial, "partial", key, event)
}

// PublishFinal publishes a final segment update to the final topic.
func (p *Publisher) PublishFinal(ctx context.Context, key string, event any) error {
	return p.publish(ctx, p.writerFinal, p.topicFinal, "final", key, event)
}

// PublishSession publishes a lifecycle event to the session topic.
func (p *Publisher) PublishSession(ctx context.Context, key, eventType string, event any) error {
	return p.publish(ctx, p.writerSession, p.topicSession, eventType, key, event)
}

func (p *Publisher) publish(ctx context.Context, writer *kafka.Writer, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
	return nil
}

// Enabled reports whether events are written to Kafka.
func (p *Publisher) Enabled() bool {
	return p.enabled
}

// Close closes all Kafka writers.
func (p *Publisher) Close() error {
	var err error
	for name, w := range map[string]*kafka.Writer{
		"partial": p.writerPartial,
		"final":   p.writerFinal,
		"session": p.writerSession,
	} {
		if w == nil {
			continue
		}
		if e := w.Close(); e != nil {
			log.Error().Err(e).Str("writer", name).Msg("Error closing Kafka writer")
			err = e
		}
	}
	return err
}
