package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaExporter forwards hub events to a Kafka topic so the audit trail can
// be consumed outside the process.
type KafkaExporter struct {
	writer kafkaWriter
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

func NewKafkaExporter(cfg KafkaConfig) (*KafkaExporter, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 100 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaExporter{writer: w}, nil
}

// Run drains the subscription until ctx is cancelled. Export failures are
// logged and dropped; the hub must never backpressure the audit path.
func (e *KafkaExporter) Run(ctx context.Context, sub chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			msg := kafka.Message{Key: []byte(evt.Type), Value: payload}
			if err := e.writer.WriteMessages(ctx, msg); err != nil && ctx.Err() == nil {
				log.Printf("kafka export failed: %v", err)
			}
		}
	}
}

func (e *KafkaExporter) Close() error {
	if e == nil || e.writer == nil {
		return nil
	}
	return e.writer.Close()
}
