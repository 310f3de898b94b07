package contact

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// kafkaWriter is the slice of kafka.Writer the provider uses.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProvider publishes funnel events to one topic per capability.
type KafkaProvider struct {
	submissions   kafkaWriter
	subscriptions kafkaWriter
}

func NewKafkaProvider(brokers []string, submissionTopic, subscriptionTopic string) (*KafkaProvider, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("contact: no kafka brokers")
	}
	if submissionTopic == "" || subscriptionTopic == "" {
		return nil, fmt.Errorf("contact: kafka topics required")
	}
	return &KafkaProvider{
		submissions:   newWriter(brokers, submissionTopic),
		subscriptions: newWriter(brokers, subscriptionTopic),
	}, nil
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}
}

func (p *KafkaProvider) HandleSubmission(ctx context.Context, sub Submission) error {
	return p.publish(ctx, p.submissions, sub.Email, sub)
}

func (p *KafkaProvider) HandleSubscription(ctx context.Context, sub Subscription) error {
	return p.publish(ctx, p.subscriptions, sub.Email, sub)
}

func (p *KafkaProvider) publish(ctx context.Context, w kafkaWriter, key string, payload any) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("contact: marshal kafka payload: %w", err)
	}
	if err := w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value}); err != nil {
		return fmt.Errorf("contact: write kafka message: %w", err)
	}
	return nil
}

// Close releases both writers.
func (p *KafkaProvider) Close() error {
	subErr := p.submissions.Close()
	if err := p.subscriptions.Close(); err != nil {
		return err
	}
	return subErr
}
