// Package publisher forwards trades to the downstream trade bus.
package publisher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ksred/klear-match/internal/matching"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// Publisher delivers the trades of one execution.
type Publisher interface {
	Publish(ctx context.Context, trades []matching.Trade) error
	Close() error
}

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one message per trade, keyed by symbol so the trades
// of a book stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, trades []matching.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(trades))
	for _, t := range trades {
		value, err := json.Marshal(t)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(t.Symbol),
			Value: value,
			Time:  t.CreatedAt,
		})
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		log.Error().Err(err).Int("trades", len(trades)).Msg("failed to publish trades")
		return err
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Nop discards trades. It is used when no brokers are configured.
type Nop struct{}

func (Nop) Publish(context.Context, []matching.Trade) error { return nil }
func (Nop) Close() error                                   { return nil }

// New returns a Kafka publisher when brokers are given and Nop otherwise.
func New(brokers []string, topic string) Publisher {
	if len(brokers) == 0 {
		return Nop{}
	}
	return NewKafkaPublisher(brokers, topic)
}
