// Package pubsub publishes each record to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/pipeline"
)

// Config names the destination topic.
type Config struct {
	ProjectID string `mapstructure:"project_id" yaml:"project_id"`
	TopicID   string `mapstructure:"topic_id" yaml:"topic_id"`
}

// Pipeline wraps a Pub/Sub topic publisher.
type Pipeline struct {
	cfg    Config
	client *pubsub.Client
	owned  bool
	topic  *pubsub.Topic
	ids    crawler.IDGenerator
	clock  crawler.Clock
}

// New creates a Pipeline. A nil client is created on Open using Application
// Default Credentials and closed on Close.
func New(client *pubsub.Client, cfg Config, ids crawler.IDGenerator, clock crawler.Clock) (*Pipeline, error) {
	if cfg.TopicID == "" {
		return nil, fmt.Errorf("pipelines.pubsub.topic_id is required")
	}
	if client == nil && cfg.ProjectID == "" {
		return nil, fmt.Errorf("pipelines.pubsub.project_id is required")
	}
	return &Pipeline{cfg: cfg, client: client, ids: ids, clock: clock}, nil
}

// Open connects and verifies that the topic exists.
func (p *Pipeline) Open(ctx context.Context, _ crawler.Spider) error {
	if p.client == nil {
		client, err := pubsub.NewClient(ctx, p.cfg.ProjectID)
		if err != nil {
			return fmt.Errorf("failed to create pubsub client: %w", err)
		}
		p.client = client
		p.owned = true
	}
	topic := p.client.Topic(p.cfg.TopicID)
	ok, err := topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("check topic %s: %w", p.cfg.TopicID, err)
	}
	if !ok {
		return fmt.Errorf("topic %s does not exist", p.cfg.TopicID)
	}
	p.topic = topic
	return nil
}

// Process publishes the record envelope and waits for the server id.
func (p *Pipeline) Process(ctx context.Context, record crawler.ResultRecord, spider crawler.Spider) (crawler.ResultRecord, error) {
	if p.topic == nil {
		return nil, fmt.Errorf("pubsub pipeline is not open")
	}
	env, err := pipeline.Wrap(p.ids, p.clock, spider, record)
	if err != nil {
		return nil, err
	}
	data, err := env.Marshal()
	if err != nil {
		return nil, err
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"spider": env.Spider, "record_id": env.ID},
	})
	if _, err := result.Get(ctx); err != nil {
		return nil, fmt.Errorf("publish message: %w", err)
	}
	return record, nil
}

// Close flushes pending publishes and releases a client created by Open.
func (p *Pipeline) Close(context.Context) error {
	if p.topic != nil {
		p.topic.Stop()
		p.topic = nil
	}
	if !p.owned || p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	if err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
