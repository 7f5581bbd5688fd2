// Package bus is the Kafka producer the outbox publisher (internal/outbox)
// uses to hand off domain events once they are durably recorded. Only the
// producer side exists here: there is no consumer group in this process,
// just a synchronous, acked publish per leased outbox row.
package bus

import (
	"context"
	"fmt"

	"github.com/Shopify/sarama"

	"github.com/exp-platform/core/internal/config"
)

// Producer publishes a single message to a topic and returns once the
// broker has acknowledged it (or the context timeout mirrored by
// ProduceTimeout in config.BusConfig has elapsed).
type Producer interface {
	Publish(ctx context.Context, topic string, key string, value []byte) error
	Close() error
}

type saramaProducer struct {
	producer sarama.SyncProducer
}

// NewSaramaConfig builds the sarama.Config this service dials Kafka with:
// synchronous production, acknowledged at the level set by
// config.BusConfig.RequiredAcks.
func NewSaramaConfig(cfg config.BusConfig) *sarama.Config {
	sc := sarama.NewConfig()
	sc.Producer.RequiredAcks = sarama.RequiredAcks(cfg.RequiredAcks)
	sc.Producer.Return.Successes = true
	sc.Producer.Timeout = cfg.ProduceTimeout
	sc.Producer.Retry.Max = 3
	return sc
}

// NewProducer dials the brokers in cfg and returns a ready Producer.
func NewProducer(cfg config.BusConfig) (Producer, error) {
	sc := NewSaramaConfig(cfg)
	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("bus: dialing brokers %v: %w", cfg.Brokers, err)
	}
	return &saramaProducer{producer: producer}, nil
}

func (p *saramaProducer) Publish(ctx context.Context, topic string, key string, value []byte) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	done := make(chan error, 1)
	go func() {
		_, _, err := p.producer.SendMessage(msg)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("bus: publishing to %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *saramaProducer) Close() error {
	return p.producer.Close()
}

// NoopProducer discards every message. Used by tests and by deployments
// that have not configured a bus yet, so the outbox publisher still has
// somewhere to hand events without panicking.
type NoopProducer struct{}

func (NoopProducer) Publish(ctx context.Context, topic string, key string, value []byte) error {
	return nil
}

func (NoopProducer) Close() error { return nil }

var (
	_ Producer = (*saramaProducer)(nil)
	_ Producer = NoopProducer{}
)
