package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// sqsAPI is the subset of the SQS client used here.
type sqsAPI interface {
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	CreateQueue(ctx context.Context, in *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSClient publishes to Amazon SQS queues.
type SQSClient struct {
	region string
	create bool

	mu   sync.Mutex
	api  sqsAPI
	urls map[string]string
}

// NewSQSClient creates a client for region. When create is set, missing
// queues are created by AssertQueue.
func NewSQSClient(region string, create bool) *SQSClient {
	return &SQSClient{region: region, create: create, urls: make(map[string]string)}
}

func (c *SQSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api != nil {
		return nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if c.region != "" {
		opts = append(opts, awsconfig.WithRegion(c.region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}
	c.api = sqs.NewFromConfig(cfg)
	return nil
}

func (c *SQSClient) AssertQueue(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api == nil {
		return errors.New("sqs client not connected")
	}
	if _, ok := c.urls[name]; ok {
		return nil
	}

	out, err := c.api.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err == nil {
		c.urls[name] = aws.ToString(out.QueueUrl)
		return nil
	}
	var missing *types.QueueDoesNotExist
	if !errors.As(err, &missing) || !c.create {
		return fmt.Errorf("resolving queue url: %w", err)
	}

	created, err := c.api.CreateQueue(ctx, &sqs.CreateQueueInput{QueueName: aws.String(name)})
	if err != nil {
		return fmt.Errorf("creating queue: %w", err)
	}
	c.urls[name] = aws.ToString(created.QueueUrl)
	return nil
}

func (c *SQSClient) Publish(ctx context.Context, name string, body []byte) error {
	c.mu.Lock()
	api, url := c.api, c.urls[name]
	c.mu.Unlock()
	if api == nil || url == "" {
		return fmt.Errorf("queue %q not asserted", name)
	}

	_, err := api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"content-type": {DataType: aws.String("String"), StringValue: aws.String("application/json")},
		},
	})
	if err != nil {
		return fmt.Errorf("sending sqs message: %w", err)
	}
	return nil
}

func (c *SQSClient) Close() error { return nil }
