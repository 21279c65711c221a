// Package feed publishes simulation snapshots to a Kafka topic.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/segmentio/kafka-go"

	"github.com/gridtrade/gridtrade/pkg/types"
)

const defaultTopic = "gridtrade.snapshots"

// writer is the subset of *kafka.Writer used by Kafka.
type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka writes one JSON message per snapshot, keyed by tick. With no brokers
// configured it is disabled and Publish does nothing.
type Kafka struct {
	brokers []string
	topic   string
	w       writer
}

// Configured registers the kafka flags and returns the sink.
func Configured() *Kafka {
	brokers := lflag.String("kafka-brokers", "", "Comma-separated Kafka brokers for the snapshot feed (empty disables it)")
	topic := lflag.String("kafka-topic", defaultTopic, "Kafka topic for the snapshot feed")

	k := &Kafka{}
	lflag.Do(func() {
		k.topic = *topic
		for _, b := range strings.Split(*brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				k.brokers = append(k.brokers, b)
			}
		}
		if k.Enabled() {
			if k.topic == "" {
				panic("kafka-topic is required when kafka-brokers is set")
			}
			k.w = newWriter(k.brokers, k.topic)
		}
	})
	return k
}

// NewKafka returns a sink writing to topic on brokers.
func NewKafka(brokers []string, topic string) *Kafka {
	if topic == "" {
		topic = defaultTopic
	}
	k := &Kafka{brokers: brokers, topic: topic}
	if k.Enabled() {
		k.w = newWriter(brokers, topic)
	}
	return k
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		Async:        false,
	}
}

// Enabled reports whether any broker is configured.
func (k *Kafka) Enabled() bool {
	return len(k.brokers) > 0
}

// Publish implements simulation.Sink.
func (k *Kafka) Publish(ctx context.Context, snap types.Snapshot) error {
	if k.w == nil {
		return nil
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(strconv.Itoa(snap.Tick)),
		Value: b,
		Time:  snap.Market.Timestamp,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte("snapshot")},
		},
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write snapshot to %s: %w", k.topic, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (k *Kafka) Close() error {
	if k.w == nil {
		return nil
	}
	return k.w.Close()
}
