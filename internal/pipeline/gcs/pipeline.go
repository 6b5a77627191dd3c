// Package gcs uploads each record as a JSON object to Google Cloud Storage.
package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/pipeline"
)

// Config captures the parameters required to write to GCS.
type Config struct {
	Bucket string `mapstructure:"bucket" yaml:"bucket"`
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
}

// Pipeline writes records to a configured GCS bucket.
type Pipeline struct {
	client *storage.Client
	owned  bool
	bucket string
	prefix string
	ids    crawler.IDGenerator
	clock  crawler.Clock
}

// New creates a GCS pipeline. A nil client is created on Open using
// Application Default Credentials and closed on Close.
func New(client *storage.Client, cfg Config, ids crawler.IDGenerator, clock crawler.Clock) (*Pipeline, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Pipeline{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		ids:    ids,
		clock:  clock,
	}, nil
}

// Open implements crawler.Pipeline.
func (p *Pipeline) Open(ctx context.Context, _ crawler.Spider) error {
	if p.client != nil {
		return nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("create storage client: %w", err)
	}
	p.client = client
	p.owned = true
	return nil
}

// Process uploads the record and returns it unchanged.
func (p *Pipeline) Process(ctx context.Context, record crawler.ResultRecord, spider crawler.Spider) (crawler.ResultRecord, error) {
	if p.client == nil {
		return nil, fmt.Errorf("gcs pipeline is not open")
	}
	env, err := pipeline.Wrap(p.ids, p.clock, spider, record)
	if err != nil {
		return nil, err
	}
	data, err := env.Marshal()
	if err != nil {
		return nil, err
	}
	if _, err := p.putObject(ctx, p.objectPath(env), "application/json", bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return record, nil
}

// Close releases a client created by Open.
func (p *Pipeline) Close(context.Context) error {
	if !p.owned || p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	if err != nil {
		return fmt.Errorf("close storage client: %w", err)
	}
	return nil
}

func (p *Pipeline) objectPath(env pipeline.Envelope) string {
	spider := env.Spider
	if spider == "" {
		spider = "records"
	}
	name := path.Join(spider, env.ScrapedAt.Format("2006/01/02"), env.ID+".json")
	if p.prefix == "" {
		return name
	}
	return path.Join(p.prefix, name)
}

// putObject uploads data to the configured bucket and returns a gs:// URI.
func (p *Pipeline) putObject(ctx context.Context, name string, contentType string, r io.Reader) (string, error) {
	writer := p.client.Bucket(p.bucket).Object(name).NewWriter(ctx)
	writer.ContentType = contentType
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", p.bucket, name), nil
}
