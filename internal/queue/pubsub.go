package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// PubSubClient publishes to Google Cloud Pub/Sub topics.
type PubSubClient struct {
	projectID       string
	credentialsJSON string

	mu     sync.Mutex
	client *pubsub.Client
	topics map[string]*pubsub.Topic
}

// NewPubSubClient creates a client for projectID. Empty credentials use the
// ambient application default credentials.
func NewPubSubClient(projectID, credentialsJSON string) *PubSubClient {
	return &PubSubClient{
		projectID:       projectID,
		credentialsJSON: credentialsJSON,
		topics:          make(map[string]*pubsub.Topic),
	}
}

func (c *PubSubClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return nil
	}
	if c.projectID == "" {
		return errors.New("pubsub project id is required")
	}

	var opts []option.ClientOption
	if c.credentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(c.credentialsJSON)))
	}
	client, err := pubsub.NewClient(ctx, c.projectID, opts...)
	if err != nil {
		return fmt.Errorf("creating pubsub client: %w", err)
	}
	c.client = client
	return nil
}

// AssertQueue creates the topic when it does not exist.
func (c *PubSubClient) AssertQueue(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return errors.New("pubsub client not connected")
	}
	if _, ok := c.topics[name]; ok {
		return nil
	}

	t := c.client.Topic(name)
	ok, err := t.Exists(ctx)
	if err != nil {
		return fmt.Errorf("checking topic %q: %w", name, err)
	}
	if !ok {
		t, err = c.client.CreateTopic(ctx, name)
		if err != nil {
			return fmt.Errorf("create topic %q: %w", name, err)
		}
	}
	c.topics[name] = t
	return nil
}

// Publish waits for the server to acknowledge the message.
func (c *PubSubClient) Publish(ctx context.Context, name string, body []byte) error {
	c.mu.Lock()
	t, ok := c.topics[name]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("topic %q not asserted", name)
	}

	result := t.Publish(ctx, &pubsub.Message{
		Data:       body,
		Attributes: map[string]string{"content-type": "application/json"},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publishing pubsub message: %w", err)
	}
	return nil
}

func (c *PubSubClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.topics {
		t.Stop()
	}
	c.topics = make(map[string]*pubsub.Topic)
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}
