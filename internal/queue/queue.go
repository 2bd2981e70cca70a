// Package queue hands accepted ingestions to the downstream broker. Brokers
// are reached through a Client exposing connect, assert-queue and publish.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Client is a broker connection.
type Client interface {
	// Connect establishes the connection. It is safe to call more than once.
	Connect(ctx context.Context) error
	// AssertQueue makes sure the named queue or topic exists.
	AssertQueue(ctx context.Context, name string) error
	// Publish sends body to the named queue.
	Publish(ctx context.Context, name string, body []byte) error
	Close() error
}

// Publisher publishes JSON messages to one queue, connecting and asserting
// the queue on first use.
type Publisher struct {
	client Client
	queue  string
	log    *zap.Logger

	mu    sync.Mutex
	ready bool
}

// NewPublisher creates a publisher for queueName over client.
func NewPublisher(client Client, queueName string, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{client: client, queue: queueName, log: log}
}

// Queue returns the target queue name.
func (p *Publisher) Queue() string { return p.queue }

// Publish marshals v and sends it. A failed connection is retried on the
// next call.
func (p *Publisher) Publish(ctx context.Context, v any) error {
	if p.client == nil {
		return errors.New("queue client not configured")
	}
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling queue message: %w", err)
	}
	if err := p.ensureReady(ctx); err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.queue, body); err != nil {
		return fmt.Errorf("publishing to %s: %w", p.queue, err)
	}
	return nil
}

func (p *Publisher) ensureReady(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ready {
		return nil
	}
	if err := p.client.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	if err := p.client.AssertQueue(ctx, p.queue); err != nil {
		return fmt.Errorf("asserting queue %s: %w", p.queue, err)
	}
	p.ready = true
	p.log.Info("queue ready", zap.String("queue", p.queue))
	return nil
}

// Close closes the underlying client.
func (p *Publisher) Close() error {
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}
