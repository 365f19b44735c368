package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/trogers1052/convergence-service/internal/models"
)

// Message headers written by this service
const (
	HeaderDeliveryAttempt = "x-delivery-attempt"
	HeaderDeadLetterCause = "x-dead-letter-cause"
	HeaderEventType       = "x-event-type"
	HeaderNotBefore       = "x-not-before" // unix milliseconds
)

// Producer publishes notifications and re-enqueues position events
type Producer struct {
	producer          sarama.SyncProducer
	notificationTopic string
	positionTopic     string
	deadLetterTopic   string
}

// NewProducer creates a synchronous Kafka producer
func NewProducer(brokers []string, positionTopic, notificationTopic, deadLetterTopic string) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Version = sarama.V2_8_0_0

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}
	return NewProducerWith(producer, positionTopic, notificationTopic, deadLetterTopic), nil
}

// NewProducerWith wraps an existing sarama producer
func NewProducerWith(producer sarama.SyncProducer, positionTopic, notificationTopic, deadLetterTopic string) *Producer {
	return &Producer{
		producer:          producer,
		notificationTopic: notificationTopic,
		positionTopic:     positionTopic,
		deadLetterTopic:   deadLetterTopic,
	}
}

// PublishNotification sends a notification keyed by pair and direction
func (p *Producer) PublishNotification(ctx context.Context, n models.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.notificationTopic,
		Key:   sarama.StringEncoder(n.Pair + ":" + string(n.Direction)),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderEventType), Value: []byte(n.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Redeliver puts a position event back on its topic with the attempt count
// and the earliest time it may be evaluated again.
func (p *Producer) Redeliver(ctx context.Context, msg *sarama.ConsumerMessage, attempt int, notBefore time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	headers := withHeader(msg.Headers, HeaderDeliveryAttempt, strconv.Itoa(attempt))
	headers = setHeader(headers, HeaderNotBefore, strconv.FormatInt(notBefore.UnixMilli(), 10))
	_, _, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic:   p.positionTopic,
		Key:     keyEncoder(msg.Key),
		Value:   sarama.ByteEncoder(msg.Value),
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("failed to redeliver message: %w", err)
	}
	return nil
}

// DeadLetter parks a message that will never be processed.
func (p *Producer) DeadLetter(ctx context.Context, msg *sarama.ConsumerMessage, cause string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	headers := withHeader(msg.Headers, HeaderDeadLetterCause, cause)
	_, _, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic:   p.deadLetterTopic,
		Key:     keyEncoder(msg.Key),
		Value:   sarama.ByteEncoder(msg.Value),
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("failed to dead-letter message: %w", err)
	}
	return nil
}

// Close flushes and closes the producer
func (p *Producer) Close() error {
	return p.producer.Close()
}

func keyEncoder(key []byte) sarama.Encoder {
	if key == nil {
		return nil
	}
	return sarama.ByteEncoder(key)
}

// withHeader copies headers, replacing any existing value for key.
func withHeader(in []*sarama.RecordHeader, key, value string) []sarama.RecordHeader {
	out := make([]sarama.RecordHeader, 0, len(in)+1)
	for _, h := range in {
		if h == nil || string(h.Key) == key {
			continue
		}
		out = append(out, *h)
	}
	return append(out, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
}

func setHeader(headers []sarama.RecordHeader, key, value string) []sarama.RecordHeader {
	out := headers[:0]
	for _, h := range headers {
		if string(h.Key) != key {
			out = append(out, h)
		}
	}
	return append(out, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
}

// notBefore reads the redelivery time stamped by Redeliver.
func notBefore(headers []*sarama.RecordHeader) (time.Time, bool) {
	for _, h := range headers {
		if h == nil || string(h.Key) != HeaderNotBefore {
			continue
		}
		if ms, err := strconv.ParseInt(string(h.Value), 10, 64); err == nil && ms > 0 {
			return time.UnixMilli(ms), true
		}
	}
	return time.Time{}, false
}

// deliveryAttempt reads the attempt count; a first delivery has none and counts as 1.
func deliveryAttempt(headers []*sarama.RecordHeader) int {
	for _, h := range headers {
		if h == nil || string(h.Key) != HeaderDeliveryAttempt {
			continue
		}
		if n, err := strconv.Atoi(string(h.Value)); err == nil && n > 0 {
			return n
		}
	}
	return 1
}
