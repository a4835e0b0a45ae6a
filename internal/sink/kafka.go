package sink

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"misp-taxii-forwarder/internal/codec"
	"misp-taxii-forwarder/internal/config"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes each package as one message keyed by package id.
type Kafka struct {
	w messageWriter
}

func NewKafka(cfg config.KafkaConfig, timeout time.Duration) *Kafka {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Kafka{w: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		MaxAttempts:  1,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: timeout,
	}}
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Submit(ctx context.Context, doc codec.Document) (Outcome, error) {
	err := k.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(doc.ID),
		Value: doc.Data,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte(doc.ContentType)},
		},
	})
	if err == nil {
		return Accepted(), nil
	}
	return classifyKafka(err)
}

// classifyKafka treats a non-retriable broker error code as an explicit
// rejection; anything else leaves delivery status unknown.
func classifyKafka(err error) (Outcome, error) {
	var we kafka.WriteErrors
	if errors.As(err, &we) {
		for _, e := range we {
			if e != nil {
				err = e
				break
			}
		}
	}
	var ke kafka.Error
	if errors.As(err, &ke) && !ke.Temporary() {
		return Rejected(strconv.Itoa(int(ke)), ke.Title()), nil
	}
	return Outcome{}, &TransportError{Transport: "kafka", Err: err}
}

func (k *Kafka) Close() error { return k.w.Close() }
