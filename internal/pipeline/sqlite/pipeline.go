// Package sqlite stores records in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/pipeline"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	id TEXT PRIMARY KEY,
	spider TEXT NOT NULL,
	scraped_at DATETIME NOT NULL,
	record TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_spider ON records(spider);
`

// Config captures the parameters for the SQLite pipeline.
type Config struct {
	// Dir holds the records.db file.
	Dir   string               `mapstructure:"dir" yaml:"dir"`
	Batch pipeline.BatchConfig `mapstructure:",squash" yaml:",inline"`
}

// Pipeline buffers records and inserts each batch in one transaction.
type Pipeline struct {
	dir    string
	ids    crawler.IDGenerator
	clock  crawler.Clock
	buffer *pipeline.Buffer

	mu sync.Mutex
	db *sql.DB
}

// New creates a SQLite pipeline.
func New(cfg Config, ids crawler.IDGenerator, clock crawler.Clock) (*Pipeline, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("sqlite dir is required")
	}
	return &Pipeline{dir: cfg.Dir, ids: ids, clock: clock, buffer: pipeline.NewBuffer(cfg.Batch)}, nil
}

// Path returns the database file location.
func (p *Pipeline) Path() string {
	return filepath.Join(p.dir, "records.db")
}

// Open creates the database and schema.
func (p *Pipeline) Open(ctx context.Context, _ crawler.Spider) error {
	if err := os.MkdirAll(p.dir, 0o750); err != nil {
		return fmt.Errorf("create sqlite dir: %w", err)
	}
	db, err := sql.Open("sqlite", p.Path()+"?mode=rwc")
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return fmt.Errorf("create sqlite schema: %w", err)
	}
	p.mu.Lock()
	p.db = db
	p.mu.Unlock()
	return nil
}

// Process buffers the record and writes the pending batch once it is due.
func (p *Pipeline) Process(ctx context.Context, record crawler.ResultRecord, spider crawler.Spider) (crawler.ResultRecord, error) {
	p.mu.Lock()
	db := p.db
	p.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("sqlite pipeline is not open")
	}

	row, err := pipeline.Encode(p.ids, p.clock, spider, record)
	if err != nil {
		return nil, err
	}
	if err := insert(ctx, db, p.buffer.Add(row)); err != nil {
		return nil, err
	}
	return record, nil
}

func insert(ctx context.Context, db *sql.DB, rows []pipeline.Row) (err error) {
	if len(rows) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sqlite batch: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO records (id, spider, scraped_at, record) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.Envelope.ID, r.Envelope.Spider, r.Envelope.ScrapedAt, string(r.Body)); err != nil {
			return fmt.Errorf("insert record %s: %w", r.Envelope.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %d records: %w", len(rows), err)
	}
	return nil
}

// Close writes any buffered records and closes the database.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	flushErr := insert(ctx, p.db, p.buffer.Drain())
	closeErr := p.db.Close()
	p.db = nil
	if closeErr != nil {
		closeErr = fmt.Errorf("close sqlite: %w", closeErr)
	}
	return errors.Join(flushErr, closeErr)
}
