// Package postgres stores records as JSONB rows in Postgres.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/pipeline"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var columns = []string{"id", "spider", "scraped_at", "record"}

// Config controls the Postgres connection pool used for record rows.
type Config struct {
	DSN             string               `mapstructure:"dsn" yaml:"dsn"`
	Table           string               `mapstructure:"table" yaml:"table"`
	MaxConns        int32                `mapstructure:"max_conns" yaml:"max_conns"`
	MaxConnLifetime time.Duration        `mapstructure:"max_conn_lifetime" yaml:"max_conn_lifetime"`
	Batch           pipeline.BatchConfig `mapstructure:",squash" yaml:",inline"`
}

type copier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error)
	Close()
}

// Pipeline buffers record rows and copies them into Postgres in batches.
type Pipeline struct {
	cfg    Config
	pool   copier
	table  string
	ids    crawler.IDGenerator
	clock  crawler.Clock
	buffer *pipeline.Buffer
}

// New validates cfg. The pool is created on Open.
func New(cfg Config, ids crawler.IDGenerator, clock crawler.Clock) (*Pipeline, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("pipelines.postgres.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:    cfg,
		table:  table,
		ids:    ids,
		clock:  clock,
		buffer: pipeline.NewBuffer(cfg.Batch),
	}, nil
}

// NewWithPool constructs a pipeline from an existing pool (primarily for testing).
func NewWithPool(
	p copier,
	table string,
	batch pipeline.BatchConfig,
	ids crawler.IDGenerator,
	clock crawler.Clock,
) (*Pipeline, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		pool:   p,
		table:  name,
		ids:    ids,
		clock:  clock,
		buffer: pipeline.NewBuffer(batch),
	}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = "crawl_records"
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Open connects the pool, unless one was injected, and ensures the table exists.
func (p *Pipeline) Open(ctx context.Context, _ crawler.Spider) error {
	if p.pool == nil {
		poolCfg, err := pgxpool.ParseConfig(p.cfg.DSN)
		if err != nil {
			return fmt.Errorf("parse postgres dsn: %w", err)
		}
		if p.cfg.MaxConns > 0 {
			poolCfg.MaxConns = p.cfg.MaxConns
		}
		if p.cfg.MaxConnLifetime > 0 {
			poolCfg.MaxConnLifetime = p.cfg.MaxConnLifetime
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		p.pool = pool
	}
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	spider TEXT NOT NULL,
	scraped_at TIMESTAMPTZ NOT NULL,
	record JSONB NOT NULL
)`, p.table)
	if _, err := p.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", p.table, err)
	}
	return nil
}

// Process buffers the record row and copies the pending batch once it is due.
func (p *Pipeline) Process(ctx context.Context, record crawler.ResultRecord, spider crawler.Spider) (crawler.ResultRecord, error) {
	if p.pool == nil {
		return nil, fmt.Errorf("postgres pipeline is not open")
	}
	row, err := pipeline.Encode(p.ids, p.clock, spider, record)
	if err != nil {
		return nil, err
	}
	if err := p.flush(ctx, p.buffer.Add(row)); err != nil {
		return nil, err
	}
	return record, nil
}

func (p *Pipeline) flush(ctx context.Context, rows []pipeline.Row) error {
	if len(rows) == 0 {
		return nil
	}
	src := make([][]any, 0, len(rows))
	for _, r := range rows {
		src = append(src, []any{r.Envelope.ID, r.Envelope.Spider, r.Envelope.ScrapedAt, r.Body})
	}
	if _, err := p.pool.CopyFrom(ctx, pgx.Identifier{p.table}, columns, pgx.CopyFromRows(src)); err != nil {
		return fmt.Errorf("copy %d records: %w", len(rows), err)
	}
	return nil
}

// Close copies any rows still pending and releases the pool.
func (p *Pipeline) Close(ctx context.Context) error {
	if p.pool == nil {
		return nil
	}
	err := p.flush(ctx, p.buffer.Drain())
	p.pool.Close()
	p.pool = nil
	return err
}
