package notify

import (
	"context"
	"encoding/json"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// NewDefaultSQSClient builds an SQS client from the AWS default chain.
func NewDefaultSQSClient(ctx context.Context) (*sqs.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("notify: load aws config: %w", err)
	}
	return sqs.NewFromConfig(cfg), nil
}

// SQSAPI is the slice of the SQS client the dispatcher uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
}

// SQSDispatcher publishes events as JSON messages on one SQS queue.
type SQSDispatcher struct {
	client   SQSAPI
	queueURL string
}

// NewSQSDispatcher resolves the queue URL once at construction.
func NewSQSDispatcher(ctx context.Context, client SQSAPI, queueName string) (*SQSDispatcher, error) {
	if queueName == "" {
		return nil, fmt.Errorf("notify: empty queue name")
	}
	resp, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: &queueName})
	if err != nil {
		return nil, fmt.Errorf("notify: resolve queue url: %w", err)
	}
	return &SQSDispatcher{client: client, queueURL: *resp.QueueUrl}, nil
}

// NewSQSDispatcherForURL skips resolution when the queue URL is already known.
func NewSQSDispatcherForURL(client SQSAPI, queueURL string) *SQSDispatcher {
	return &SQSDispatcher{client: client, queueURL: queueURL}
}

func (d *SQSDispatcher) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}
	msg := string(body)
	if _, err := d.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &d.queueURL,
		MessageBody: &msg,
	}); err != nil {
		return fmt.Errorf("notify: send message: %w", err)
	}
	return nil
}
